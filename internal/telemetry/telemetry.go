// Package telemetry exports machine events over MQTT, with an offline
// buffer so a broker outage does not lose the recent history.
package telemetry

import (
	"encoding/json"
	"time"
)

// EventsTopic returns the per-machine topic for cycle and decision events.
func EventsTopic(machine string) string {
	return "timbersort/" + machine + "/events"
}

// SystemTopic returns the per-machine topic for lifecycle events.
func SystemTopic(machine string) string {
	return "timbersort/" + machine + "/system"
}

// Machine event kinds.
const (
	EventAnalysisStart = "ANALYSIS_START"
	EventNonAnalysis   = "NON_ANALYSIS_CYCLE"
	EventDecision      = "DECISION"
	EventWarning       = "WARNING"
	EventError         = "ERROR"
)

// Publisher exports events to the broker.
type Publisher interface {
	// Publish sends a machine event. Returns error if publishing fails
	// (should not crash the process).
	Publish(event MachineEvent) error

	// PublishSystem sends a system lifecycle event.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the broker connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// MachineEvent is one machine occurrence: a cycle milestone, a decision, a
// warning raised by the controller.
type MachineEvent struct {
	Timestamp time.Time
	Kind      string // e.g. EventDecision
	State     string // router state when emitted, if known
	Detail    string // decision reasons, warning text
	Eject     *bool  // decisions only
}

// SystemEvent is a lifecycle event (e.g. startup, shutdown, link loss).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g. "STARTUP", "SHUTDOWN", "LINK_DOWN"
	Reason     string // e.g. "SIGTERM" (shutdown only)
	RawPayload []byte // pre-formatted JSON; if set, FormatSystemPayload returns it directly
	Retained   bool   // whether the broker should retain the message
}

// Payload is the wire shape of a machine event message.
type Payload struct {
	Machine MachinePayload `json:"machine"`
}

// MachinePayload carries the event details.
type MachinePayload struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	State     string `json:"state,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Eject     *bool  `json:"eject,omitempty"`
}

// FormatPayload creates the JSON payload for a machine event.
func FormatPayload(event MachineEvent) ([]byte, error) {
	payload := Payload{
		Machine: MachinePayload{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Kind,
			State:     event.State,
			Detail:    event.Detail,
			Eject:     event.Eject,
		},
	}
	return json.Marshal(payload)
}

// SystemPayload is the wire shape of a lifecycle message.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner carries the lifecycle details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event. If
// event.RawPayload is set it is returned directly (used for full status
// snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}
	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}

// Disabled is a Publisher that drops everything, for installations without
// a broker.
type Disabled struct{}

func (Disabled) Publish(MachineEvent) error      { return nil }
func (Disabled) PublishSystem(SystemEvent) error { return nil }
func (Disabled) Close() error                    { return nil }
func (Disabled) IsConnected() bool               { return false }
