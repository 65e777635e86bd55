// Package device runs the machine-side half of the serial protocol. An
// Agent owns the cycle controller and the port: it polls the controller,
// answers host commands, and reports transitions, heartbeats and cycle
// handshakes as line frames. The host is optional — with nobody listening
// the machine keeps cycling and analysis waits simply time out.
package device

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/sawline/timbersort/internal/config"
	"github.com/sawline/timbersort/internal/cycle"
	"github.com/sawline/timbersort/internal/gpio"
	"github.com/sawline/timbersort/internal/wire"
)

// Reporting cadence. STATE also goes out on every transition; the periodic
// resend covers a host that attached mid-cycle or missed a line.
const (
	DefaultPoll            = 10 * time.Millisecond
	DefaultStatePeriod     = time.Second
	DefaultHeartbeatPeriod = 2 * time.Second
)

// Config parameterizes an Agent. Zero values take the defaults above.
type Config struct {
	Pins gpio.Pins
	Port io.ReadWriteCloser

	// Timing is the initial cylinder timing; the host replaces it over the
	// wire with SETTINGS lines.
	Timing config.Timing

	// BootCount is carried in every heartbeat so the host can tell a
	// restart from a silent gap.
	BootCount int64
	Version   string

	Poll            time.Duration
	StatePeriod     time.Duration
	HeartbeatPeriod time.Duration

	Logger *log.Logger
	Now    func() time.Time

	// Tick overrides the poll ticker, for tests.
	Tick <-chan time.Time
}

// Agent drives one controller over one port. All controller access and all
// port writes happen on the Run goroutine: the cycle.Events callbacks fire
// inside Tick and the command handlers, so frames never interleave.
type Agent struct {
	cfg  Config
	ctrl *cycle.Controller

	started   time.Time
	lastState time.Time
	lastBeat  time.Time
}

// New creates an Agent. The controller starts in IDLE with all cylinders
// released.
func New(cfg Config) (*Agent, error) {
	if cfg.Poll <= 0 {
		cfg.Poll = DefaultPoll
	}
	if cfg.StatePeriod <= 0 {
		cfg.StatePeriod = DefaultStatePeriod
	}
	if cfg.HeartbeatPeriod <= 0 {
		cfg.HeartbeatPeriod = DefaultHeartbeatPeriod
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	a := &Agent{cfg: cfg}
	ctrl, err := cycle.New(cfg.Pins, frames{a}, cfg.Timing)
	if err != nil {
		return nil, err
	}
	a.ctrl = ctrl
	return a, nil
}

// Run polls the controller and serves host commands until ctx is done or
// the port read side fails. Cancellation returns nil; a dead port returns
// the read error and the caller decides whether that ends the process. Run
// owns the port and closes it on the way out.
func (a *Agent) Run(ctx context.Context) error {
	tick := a.cfg.Tick
	if tick == nil {
		t := time.NewTicker(a.cfg.Poll)
		defer t.Stop()
		tick = t.C
	}

	done := make(chan struct{})
	lines := make(chan string)
	readErr := make(chan error, 1)

	go func() {
		defer close(lines)
		sc := bufio.NewScanner(a.cfg.Port)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-done:
				return
			}
		}
		if err := sc.Err(); err != nil {
			readErr <- err
		}
	}()
	defer func() {
		close(done)
		a.cfg.Port.Close()
	}()

	now := a.cfg.Now()
	a.started = now
	a.lastState = now
	a.lastBeat = now

	for {
		select {
		case <-ctx.Done():
			return nil

		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					return fmt.Errorf("device: read: %w", err)
				default:
					return fmt.Errorf("device: port closed")
				}
			}
			a.handleCommand(line)

		case <-tick:
			now := a.cfg.Now()
			a.ctrl.Tick(now)
			if now.Sub(a.lastState) >= a.cfg.StatePeriod {
				a.sendState(a.ctrl.Snapshot())
			}
			if now.Sub(a.lastBeat) >= a.cfg.HeartbeatPeriod {
				a.sendHeartbeat(now)
			}
		}
	}
}

// handleCommand parses and applies one host line. Unknown or malformed
// lines are logged and dropped, except settings bodies, which get an ERROR
// frame back so the host can surface the rejection.
func (a *Agent) handleCommand(line string) {
	cmd, err := wire.ParseCommand(line)
	if err != nil {
		verb, _, _ := strings.Cut(strings.TrimRight(line, "\r"), " ")
		if verb == wire.VerbSettings {
			a.rejectSettings(err)
			return
		}
		a.cfg.Logger.Printf("device: dropping command: %v", err)
		return
	}

	switch cmd.Kind {
	case wire.CmdStatus:
		a.sendState(a.ctrl.Snapshot())

	case wire.CmdAbortAnalysis:
		a.ctrl.AbortAnalysis(a.cfg.Now())

	case wire.CmdAnalysisResult:
		a.ctrl.SubmitVerdict(cmd.Eject, a.cfg.Now())

	case wire.CmdSettings:
		a.applySettings(cmd.Settings)
	}
}

// applySettings merges a timing patch into the active settings. The body is
// decoded strictly: an unknown field is rejected the same way as bad JSON,
// so a host speaking a newer schema finds out immediately.
func (a *Agent) applySettings(raw json.RawMessage) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var p config.TimingPatch
	if err := dec.Decode(&p); err != nil {
		a.rejectSettings(err)
		return
	}

	next, err := a.ctrl.Timing().Apply(p)
	if err != nil {
		a.rejectSettings(err)
		return
	}
	a.ctrl.ApplyTiming(next)
	a.cfg.Logger.Printf("device: settings applied: push=%dms riser=%dms eject=%dms analysis=%v",
		next.PushTime, next.RiserTime, next.EjectionTime, next.AnalysisMode)
}

// rejectSettings logs the cause and sends the fixed rejection line the host
// matches on.
func (a *Agent) rejectSettings(err error) {
	a.cfg.Logger.Printf("device: settings rejected: %v", err)
	a.send(wire.ErrorFrame("Failed to parse settings"))
}

func (a *Agent) sendState(s cycle.Snapshot) {
	now := a.cfg.Now()
	line, err := wire.StateFrame(statePayload(s))
	if err != nil {
		a.cfg.Logger.Printf("device: marshal state: %v", err)
		return
	}
	a.send(line)
	a.lastState = now
}

func (a *Agent) sendHeartbeat(now time.Time) {
	line, err := wire.HeartbeatFrame(wire.HeartbeatPayload{
		Uptime:    int64(now.Sub(a.started) / time.Second),
		BootCount: a.cfg.BootCount,
		Version:   a.cfg.Version,
	})
	if err != nil {
		a.cfg.Logger.Printf("device: marshal heartbeat: %v", err)
		return
	}
	a.send(line)
	a.lastBeat = now
}

// send writes one frame line. A write failure is logged and the frame
// dropped: the machine must keep cycling with or without a host listening.
func (a *Agent) send(line string) {
	if _, err := io.WriteString(a.cfg.Port, line+"\n"); err != nil {
		a.cfg.Logger.Printf("device: write failed: %v", err)
	}
}

func statePayload(s cycle.Snapshot) wire.StatePayload {
	return wire.StatePayload{
		Status:           s.Status(),
		RouterState:      string(s.State),
		PushCylinder:     wire.OnOff(s.Push),
		RiserCylinder:    wire.OnOff(s.Riser),
		EjectionCylinder: wire.OnOff(s.Eject),
		Sensor1:          wire.OnOff(s.Sensor),
	}
}

// frames adapts controller events onto the wire.
type frames struct{ a *Agent }

func (f frames) StateChanged(s cycle.Snapshot) { f.a.sendState(s) }
func (f frames) AnalysisRequested()            { f.a.send(wire.AnalysisStartRequest()) }
func (f frames) NonAnalysisCycle()             { f.a.send(wire.NonAnalysisCycleRequest()) }
func (f frames) Warning(msg string)            { f.a.send(wire.WarningFrame(msg)) }
func (f frames) Debug(msg string)              { f.a.send(wire.DebugFrame(msg)) }
