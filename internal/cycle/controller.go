package cycle

import (
	"fmt"
	"time"

	"github.com/sawline/timbersort/internal/config"
	"github.com/sawline/timbersort/internal/gpio"
)

// Controller runs the sorting cycle against the cylinder pins. It is
// single-threaded by design: the owning loop calls Tick and the command
// methods from one goroutine, so there is no locking here.
type Controller struct {
	pins   gpio.Pins
	events Events
	timing config.Timing

	state      State
	stateSince time.Time
	cycleStart time.Time

	// commanded solenoid outputs, mirrored so snapshots need no pin reads
	push  bool
	riser bool
	eject bool

	deb    *Debouncer
	sensor bool
}

// New creates a Controller in IDLE with all cylinders released.
func New(pins gpio.Pins, events Events, timing config.Timing) (*Controller, error) {
	c := &Controller{
		pins:   pins,
		events: events,
		timing: timing,
		state:  StateIdle,
		deb:    NewDebouncer(DebounceWindow),
	}
	if err := pins.SetPush(false); err != nil {
		return nil, fmt.Errorf("release push cylinder: %w", err)
	}
	if err := pins.SetRiser(false); err != nil {
		return nil, fmt.Errorf("release riser cylinder: %w", err)
	}
	if err := pins.SetEject(false); err != nil {
		return nil, fmt.Errorf("release eject cylinder: %w", err)
	}
	return c, nil
}

// Tick samples the sensor, then evaluates the current state's exit
// condition. At most one state transition happens per call.
func (c *Controller) Tick(now time.Time) {
	if c.state == StateError {
		return
	}

	raw, err := c.pins.SensorActive()
	if err != nil {
		c.enterError(now, fmt.Sprintf("sensor read failed: %v", err))
		return
	}
	stable := c.deb.Sample(raw, now)
	if stable != c.sensor {
		c.sensor = stable
		c.events.Debug("Sensor 1 changed to: " + onOff(stable))
		c.events.StateChanged(c.Snapshot())
	}

	if c.state == StateIdle {
		if c.sensor {
			c.startCycle(now)
		}
		return
	}

	c.evaluate(now)
}

func (c *Controller) evaluate(now time.Time) {
	elapsed := now.Sub(c.stateSince)

	switch c.state {
	case StateWaitingForPush:
		if elapsed >= SensorDelay {
			if !c.applyOutput(c.pins.SetPush, &c.push, true, "push", now) {
				return
			}
			c.setState(StatePushing, now)
		}

	case StatePushing:
		// Both conditions must hold: the board has cleared the sensor and
		// the stroke has run its configured time.
		if !c.sensor && elapsed >= c.timing.PushDuration() {
			if !c.applyOutput(c.pins.SetPush, &c.push, false, "push", now) {
				return
			}
			if c.timing.AnalysisMode {
				if !c.applyOutput(c.pins.SetRiser, &c.riser, true, "riser", now) {
					return
				}
				c.setState(StateRaising, now)
			} else {
				c.events.NonAnalysisCycle()
				c.setState(StateLowering, now)
			}
		}

	case StateRaising:
		if elapsed >= c.timing.RiserDuration() {
			if c.timing.AnalysisMode {
				// Request before the state notification, so the host sees
				// the handshake line first.
				c.events.AnalysisRequested()
				c.setState(StateWaitingForAnalysis, now)
			} else {
				// Analysis mode was switched off mid-cycle.
				c.events.Warning("Unexpected state: RAISING in non-analysis mode")
				c.lowerAndWait(now)
			}
		}

	case StateWaitingForAnalysis:
		if elapsed >= AnalysisTimeout {
			c.events.Warning("Analysis timeout - no result received")
			c.lowerAndWait(now)
		}

	case StateEjecting:
		if elapsed >= c.timing.EjectionDuration() {
			if !c.applyOutput(c.pins.SetEject, &c.eject, false, "eject", now) {
				return
			}
			c.lowerAndWait(now)
		}

	case StateLowering:
		if elapsed >= CycleDelay {
			c.setState(StateIdle, now)
		}
	}
}

// SubmitVerdict applies an analysis verdict: eject starts the ejection
// stroke, pass lowers the board. Outside WAITING_FOR_ANALYSIS the verdict is
// stale and ignored.
func (c *Controller) SubmitVerdict(eject bool, now time.Time) {
	if c.state != StateWaitingForAnalysis {
		c.events.Debug("Ignoring analysis result - not in waiting state")
		return
	}

	if eject {
		if !c.applyOutput(c.pins.SetEject, &c.eject, true, "eject", now) {
			return
		}
		c.setState(StateEjecting, now)
	} else {
		c.lowerAndWait(now)
	}
}

// AbortAnalysis cancels a pending analysis wait and lowers the board. In any
// other state it is a no-op.
func (c *Controller) AbortAnalysis(now time.Time) {
	if c.state != StateWaitingForAnalysis {
		return
	}
	c.lowerAndWait(now)
}

// ApplyTiming swaps the cylinder timing and analysis mode. It takes effect
// at the next evaluation; a state already in progress keeps its entry
// timestamp.
func (c *Controller) ApplyTiming(t config.Timing) {
	c.timing = t
}

// Timing returns the active timing settings.
func (c *Controller) Timing() config.Timing {
	return c.timing
}

// State returns the current cycle state.
func (c *Controller) State() State {
	return c.state
}

// Snapshot returns the current state, commanded outputs and debounced
// sensor.
func (c *Controller) Snapshot() Snapshot {
	return Snapshot{
		State:  c.state,
		Push:   c.push,
		Riser:  c.riser,
		Eject:  c.eject,
		Sensor: c.sensor,
	}
}

func (c *Controller) startCycle(now time.Time) {
	c.cycleStart = now
	c.setState(StateWaitingForPush, now)
}

// lowerAndWait releases the riser and holds in LOWERING for the cycle delay.
func (c *Controller) lowerAndWait(now time.Time) {
	if !c.applyOutput(c.pins.SetRiser, &c.riser, false, "riser", now) {
		return
	}
	c.setState(StateLowering, now)
}

func (c *Controller) setState(s State, now time.Time) {
	c.state = s
	c.stateSince = now
	c.events.StateChanged(c.Snapshot())
}

// applyOutput writes one solenoid and mirrors the commanded value. A write
// failure latches the error state and returns false.
func (c *Controller) applyOutput(write func(bool) error, mirror *bool, on bool, name string, now time.Time) bool {
	if err := write(on); err != nil {
		c.enterError(now, fmt.Sprintf("%s cylinder write failed: %v", name, err))
		return false
	}
	*mirror = on
	return true
}

// enterError releases all outputs best-effort and latches ERROR. There is
// no in-band recovery: the state keeps being reported until the process is
// restarted.
func (c *Controller) enterError(now time.Time, cause string) {
	c.pins.SetPush(false)
	c.pins.SetRiser(false)
	c.pins.SetEject(false)
	c.push, c.riser, c.eject = false, false, false
	c.events.Warning(cause)
	c.setState(StateError, now)
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}
