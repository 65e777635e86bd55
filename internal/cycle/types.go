// Package cycle contains the state machine that runs one board through the
// sorting machine: sensor trip, push under the camera, raise, analysis,
// eject or pass, lower. Time is always injected via time.Time parameters;
// the controller never sleeps and performs at most one transition per tick.
package cycle

import "time"

// State is the machine cycle state, as reported in STATE frames.
type State string

const (
	StateIdle               State = "IDLE"
	StateWaitingForPush     State = "WAITING_FOR_PUSH"
	StatePushing            State = "PUSHING"
	StateRaising            State = "RAISING"
	StateWaitingForAnalysis State = "WAITING_FOR_ANALYSIS"
	StateEjecting           State = "EJECTING"
	StateLowering           State = "LOWERING"
	StateError              State = "ERROR"
)

// Fixed cycle timing. Cylinder hold durations come from settings; these do
// not.
const (
	// SensorDelay is the settle time between the sensor tripping and the
	// push stroke, letting the board come to rest against the stop.
	SensorDelay = 300 * time.Millisecond

	// CycleDelay is the hold time in LOWERING before accepting the next
	// board, covering riser travel back to rest.
	CycleDelay = 1000 * time.Millisecond

	// AnalysisTimeout bounds the wait for a verdict. When it expires the
	// cycle lowers the board unejected.
	AnalysisTimeout = 5000 * time.Millisecond

	// DebounceWindow is how long the optical sensor must hold a reading
	// before it counts.
	DebounceWindow = 50 * time.Millisecond
)

// Snapshot is a point-in-time view of the controller: state, commanded
// cylinder outputs and the debounced sensor.
type Snapshot struct {
	State  State
	Push   bool
	Riser  bool
	Eject  bool
	Sensor bool
}

// Status collapses the cycle state into the coarse device status carried in
// STATE payloads.
func (s Snapshot) Status() string {
	switch s.State {
	case StateIdle:
		return "IDLE"
	case StateError:
		return "ERROR"
	default:
		return "BUSY"
	}
}

// Events receives controller notifications. Implementations must not call
// back into the controller.
type Events interface {
	// StateChanged fires on every transition with the post-transition
	// snapshot.
	StateChanged(snap Snapshot)

	// AnalysisRequested fires when a raised board is ready for its photo.
	AnalysisRequested()

	// NonAnalysisCycle fires when a board was pushed through with analysis
	// mode off.
	NonAnalysisCycle()

	// Warning reports an abnormal condition the cycle recovered from (or,
	// for the error state, did not).
	Warning(msg string)

	// Debug reports diagnostics such as ignored verdicts.
	Debug(msg string)
}
