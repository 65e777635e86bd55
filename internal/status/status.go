// Package status provides a thread-safe status tracker for the sorting
// daemon. It is read by the HTTP handlers and by the MQTT lifecycle frames.
package status

import (
	"sync"
	"time"
)

// LinkInfo contains serial link state. This is a local copy to avoid
// importing internal/link from status.
type LinkInfo struct {
	Connected        bool
	LastHeartbeatAt  time.Time
	BootCount        int64
	ReconnectAttempt int
	Drops            int64
	DeviceUptimeSec  int64
	DeviceVersion    string
}

// DeviceState mirrors the controller's last reported STATE frame.
type DeviceState struct {
	Status      string // IDLE, BUSY or ERROR
	RouterState string
	Push        bool
	Riser       bool
	Eject       bool
	Sensor      bool
}

// SessionInfo describes the open analysis session, if any.
type SessionInfo struct {
	Active    bool
	ID        string
	StartedAt time.Time
}

// Counters accumulate over the daemon's lifetime.
type Counters struct {
	Cycles    int // analysis requests plus non-analysis notifications
	Analyses  int
	Ejects    int
	Passes    int
	Timeouts  int
	Failures  int // fail-safe verdicts after capture or detector errors
	Rejected  int // analysis requests refused because a session was open
	LinkDrops int
}

// Config contains daemon configuration for display.
type Config struct {
	Device      string
	Broker      string
	HTTPAddr    string
	Machine     string
	CameraURL   string
	DetectorURL string
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type — safe to use after the lock is released.
type Snapshot struct {
	Link          LinkInfo
	Device        DeviceState
	Session       SessionInfo
	Counts        Counters
	MQTTConnected bool
	StartTime     time.Time
	Now           time.Time
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// HeartbeatAge returns how long ago the last controller heartbeat arrived,
// or zero when none has arrived yet.
func (s Snapshot) HeartbeatAge() time.Duration {
	if s.Link.LastHeartbeatAt.IsZero() {
		return 0
	}
	return s.Now.Sub(s.Link.LastHeartbeatAt)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
			Device:    DeviceState{Status: "UNKNOWN", RouterState: "UNKNOWN"},
		},
	}
}

// SetLink updates the serial link state.
func (t *Tracker) SetLink(info LinkInfo) {
	t.mu.Lock()
	t.snap.Link = info
	t.mu.Unlock()
}

// SetDevice updates the controller state mirror. Called on every STATE frame.
func (t *Tracker) SetDevice(d DeviceState) {
	t.mu.Lock()
	t.snap.Device = d
	t.mu.Unlock()
}

// SetSession updates the analysis session view.
func (t *Tracker) SetSession(s SessionInfo) {
	t.mu.Lock()
	t.snap.Session = s
	t.mu.Unlock()
}

// SetCounts replaces the counters. The orchestrator owns the authoritative
// values and pushes a copy here after each change.
func (t *Tracker) SetCounts(c Counters) {
	t.mu.Lock()
	t.snap.Counts = c
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	t.mu.RUnlock()
	s.Now = time.Now()
	return s
}
