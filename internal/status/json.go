package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string       `json:"event,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	Machine       string       `json:"machine"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	StartTime     string       `json:"start_time"`
	Timestamp     string       `json:"timestamp"`
	Link          LinkJSON     `json:"link"`
	Device        DeviceJSON   `json:"device"`
	Session       *SessionJSON `json:"session,omitempty"`
	Counts        CountsJSON   `json:"counts"`
	MQTT          MQTTStatus   `json:"mqtt"`
	Config        ConfigJSON   `json:"config"`
}

// LinkJSON is the JSON representation of the serial link state.
type LinkJSON struct {
	Connected        bool   `json:"connected"`
	LastHeartbeat    string `json:"last_heartbeat,omitempty"`
	HeartbeatAgeSecs int64  `json:"heartbeat_age_seconds"`
	BootCount        int64  `json:"boot_count"`
	ReconnectAttempt int    `json:"reconnect_attempt,omitempty"`
	Drops            int64  `json:"drops"`
	DeviceUptimeSecs int64  `json:"device_uptime_seconds"`
	DeviceVersion    string `json:"device_version,omitempty"`
}

// DeviceJSON mirrors the controller's STATE frame vocabulary.
type DeviceJSON struct {
	Status      string `json:"status"`
	RouterState string `json:"router_state"`
	Push        string `json:"push_cylinder"`
	Riser       string `json:"riser_cylinder"`
	Eject       string `json:"ejection_cylinder"`
	Sensor      string `json:"sensor1"`
}

// SessionJSON is the JSON representation of an open analysis session.
type SessionJSON struct {
	ID        string `json:"id"`
	StartedAt string `json:"started_at"`
}

// CountsJSON is the JSON representation of lifetime counters.
type CountsJSON struct {
	Cycles    int `json:"cycles"`
	Analyses  int `json:"analyses"`
	Ejects    int `json:"ejects"`
	Passes    int `json:"passes"`
	Timeouts  int `json:"timeouts"`
	Failures  int `json:"failures"`
	Rejected  int `json:"rejected"`
	LinkDrops int `json:"link_drops"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	Device      string `json:"device"`
	Broker      string `json:"broker"`
	HTTPAddr    string `json:"http_addr"`
	Machine     string `json:"machine"`
	CameraURL   string `json:"camera_url"`
	DetectorURL string `json:"detector_url"`
}

func onOff(v bool) string {
	if v {
		return "ON"
	}
	return "OFF"
}

func buildInner(snap Snapshot) StatusInner {
	link := LinkJSON{
		Connected:        snap.Link.Connected,
		HeartbeatAgeSecs: int64(snap.HeartbeatAge().Truncate(time.Second).Seconds()),
		BootCount:        snap.Link.BootCount,
		ReconnectAttempt: snap.Link.ReconnectAttempt,
		Drops:            snap.Link.Drops,
		DeviceUptimeSecs: snap.Link.DeviceUptimeSec,
		DeviceVersion:    snap.Link.DeviceVersion,
	}
	if !snap.Link.LastHeartbeatAt.IsZero() {
		link.LastHeartbeat = snap.Link.LastHeartbeatAt.UTC().Format(time.RFC3339)
	}

	return StatusInner{
		Machine:       snap.Config.Machine,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		Link:          link,
		Device: DeviceJSON{
			Status:      snap.Device.Status,
			RouterState: snap.Device.RouterState,
			Push:        onOff(snap.Device.Push),
			Riser:       onOff(snap.Device.Riser),
			Eject:       onOff(snap.Device.Eject),
			Sensor:      onOff(snap.Device.Sensor),
		},
		Counts: CountsJSON{
			Cycles:    snap.Counts.Cycles,
			Analyses:  snap.Counts.Analyses,
			Ejects:    snap.Counts.Ejects,
			Passes:    snap.Counts.Passes,
			Timeouts:  snap.Counts.Timeouts,
			Failures:  snap.Counts.Failures,
			Rejected:  snap.Counts.Rejected,
			LinkDrops: snap.Counts.LinkDrops,
		},
		MQTT: MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Config: ConfigJSON{
			Device:      snap.Config.Device,
			Broker:      snap.Config.Broker,
			HTTPAddr:    snap.Config.HTTPAddr,
			Machine:     snap.Config.Machine,
			CameraURL:   snap.Config.CameraURL,
			DetectorURL: snap.Config.DetectorURL,
		},
	}
}

func buildSession(snap Snapshot, inner *StatusInner) {
	if snap.Session.Active {
		inner.Session = &SessionJSON{
			ID:        snap.Session.ID,
			StartedAt: snap.Session.StartedAt.UTC().Format(time.RFC3339),
		}
	}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	inner := buildInner(snap)
	buildSession(snap, &inner)

	data, _ := json.MarshalIndent(StatusJSON{Status: inner}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	buildSession(snap, &inner)

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
