// Package orchestrator runs the host side of a sorting cycle. It consumes
// serial link events on a single run loop, drives the capture/detect/decide
// pipeline for each analysis request, answers the controller with a verdict,
// and fans results out to the web hub, the history store and MQTT telemetry.
package orchestrator

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/sawline/timbersort/internal/analyzer"
	"github.com/sawline/timbersort/internal/capture"
	"github.com/sawline/timbersort/internal/config"
	"github.com/sawline/timbersort/internal/decision"
	"github.com/sawline/timbersort/internal/history"
	"github.com/sawline/timbersort/internal/hub"
	"github.com/sawline/timbersort/internal/link"
	"github.com/sawline/timbersort/internal/status"
	"github.com/sawline/timbersort/internal/telemetry"
	"github.com/sawline/timbersort/internal/wire"
)

const (
	// DefaultSessionTimeout mirrors the controller's analysis wait window.
	// A session that outlives it is closed as timed out; the controller has
	// already lowered the board by then.
	DefaultSessionTimeout = 5 * time.Second

	// DefaultTick drives session deadline checks.
	DefaultTick = 250 * time.Millisecond
)

// Commander is the outbound half of the serial link. *link.Link satisfies it.
type Commander interface {
	RequestStatus() error
	AbortAnalysis() error
	SendVerdict(eject bool) error
	SendTiming(t config.Timing) error
	Stats() link.Stats
}

// Recorder persists cycles and decisions. *history.Store satisfies it.
type Recorder interface {
	RecordCycle(startedAt time.Time, kind, outcome string) (string, error)
	RecordDecision(cycleID string, res decision.Result, preds []decision.Prediction, took time.Duration, at time.Time) (string, error)
}

// Config wires an Orchestrator. Events and Commander are required; nil
// Hub/Tracker/Telemetry get working defaults, nil History disables recording.
type Config struct {
	Events    <-chan link.Event
	Commander Commander

	Capturer capture.Capturer
	Analyzer analyzer.Analyzer

	Settings config.Settings // initial document
	Store    *config.Store   // nil disables persistence

	History   Recorder
	Telemetry telemetry.Publisher
	Hub       *hub.Hub
	Tracker   *status.Tracker

	SessionTimeout time.Duration
	Logger         *log.Logger
	Now            func() time.Time

	// Tick overrides the deadline ticker, for tests.
	Tick <-chan time.Time
}

// Orchestrator coordinates one sorting machine. All session state lives on
// the Run goroutine; the settings document keeps a read mirror for the web
// API.
type Orchestrator struct {
	cfg Config

	results chan sessionResult
	applyc  chan applyRequest
	abortc  chan abortRequest

	mu       sync.RWMutex
	settings config.Settings

	// run-goroutine state
	session    *session
	counts     status.Counters
	device     wire.StatePayload
	devUptime  int64
	devVersion string
}

// New creates an Orchestrator. Zero config values take the defaults above.
func New(cfg Config) *Orchestrator {
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = telemetry.Disabled{}
	}
	if cfg.Hub == nil {
		cfg.Hub = hub.New(cfg.Logger)
	}
	if cfg.Tracker == nil {
		cfg.Tracker = status.NewTracker(cfg.Now(), status.Config{})
	}
	return &Orchestrator{
		cfg:      cfg,
		results:  make(chan sessionResult, 4),
		applyc:   make(chan applyRequest),
		abortc:   make(chan abortRequest),
		settings: cfg.Settings.Clone(),
	}
}

// Settings returns a copy of the current settings document.
func (o *Orchestrator) Settings() config.Settings {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.settings.Clone()
}

func (o *Orchestrator) setSettings(s config.Settings) {
	o.mu.Lock()
	o.settings = s
	o.mu.Unlock()
}

// Run consumes link events until ctx is cancelled. Settings updates and
// abort commands from the web API are serialized through the same loop.
func (o *Orchestrator) Run(ctx context.Context) error {
	tick := o.cfg.Tick
	if tick == nil {
		t := time.NewTicker(DefaultTick)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			if o.session != nil {
				o.session.cancel()
			}
			return nil
		case ev, ok := <-o.cfg.Events:
			if !ok {
				return nil
			}
			o.handleEvent(ctx, ev)
		case res := <-o.results:
			o.handleResult(res)
		case <-tick:
			o.checkDeadline()
		case req := <-o.applyc:
			req.reply <- o.applySettings(req.patch)
		case req := <-o.abortc:
			req.reply <- o.abort()
		}
	}
}

func (o *Orchestrator) handleEvent(ctx context.Context, ev link.Event) {
	switch ev.Kind {
	case link.EventLinkUp:
		o.syncLinkInfo()
		o.cfg.Logger.Printf("controller connected; pushing timing settings")
		if err := o.cfg.Commander.SendTiming(o.Settings().Slave); err != nil {
			o.cfg.Logger.Printf("timing push failed: %v", err)
		}
		if err := o.cfg.Commander.RequestStatus(); err != nil {
			o.cfg.Logger.Printf("status request failed: %v", err)
		}
		o.notice("controller connected")

	case link.EventLinkDown:
		o.counts.LinkDrops++
		if o.session != nil {
			s := o.session
			o.finishSession()
			o.recordCycle(s.startedAt, history.KindAnalysis, history.OutcomeAborted)
			o.warn("host", "analysis session "+s.id+" aborted: controller link lost")
		}
		o.pushCounts()
		o.syncLinkInfo()
		o.warn("host", "controller link lost: "+ev.Text)

	case link.EventLinkFatal:
		o.syncLinkInfo()
		msg := "controller link failed permanently: " + ev.Text
		o.cfg.Logger.Printf("%s", msg)
		o.errorf("host", msg)
		o.publishMachine(telemetry.EventError, msg, nil)

	case link.EventDeviceRebooted:
		if o.session != nil {
			s := o.session
			o.finishSession()
			o.recordCycle(s.startedAt, history.KindAnalysis, history.OutcomeAborted)
			o.errorf("host", "analysis session "+s.id+" aborted: controller rebooted")
		}
		// The controller keeps settings in RAM only; re-sync after a reboot.
		if err := o.cfg.Commander.SendTiming(o.Settings().Slave); err != nil {
			o.cfg.Logger.Printf("timing push failed: %v", err)
		}
		msg := "controller rebooted"
		o.cfg.Logger.Printf("%s (boot count %d)", msg, ev.BootCount)
		o.warn("host", msg)
		o.publishMachine(telemetry.EventWarning, msg, nil)

	case link.EventState:
		o.device = *ev.State
		o.cfg.Tracker.SetDevice(status.DeviceState{
			Status:      ev.State.Status,
			RouterState: ev.State.RouterState,
			Push:        wire.IsOn(ev.State.PushCylinder),
			Riser:       wire.IsOn(ev.State.RiserCylinder),
			Eject:       wire.IsOn(ev.State.EjectionCylinder),
			Sensor:      wire.IsOn(ev.State.Sensor1),
		})
		o.cfg.Hub.Publish(hub.Event{Type: hub.TypeState, Data: ev.State})

	case link.EventHeartbeat:
		o.devUptime = ev.Heartbeat.Uptime
		o.devVersion = ev.Heartbeat.Version
		o.syncLinkInfo()

	case link.EventAnalysisRequest:
		o.handleAnalysisRequest(ctx)

	case link.EventNonAnalysisCycle:
		o.handleNonAnalysisCycle()

	case link.EventWarning:
		o.cfg.Logger.Printf("controller warning: %s", ev.Text)
		o.warn("controller", ev.Text)
		o.publishMachine(telemetry.EventWarning, ev.Text, nil)

	case link.EventError:
		o.cfg.Logger.Printf("controller error: %s", ev.Text)
		o.errorf("controller", ev.Text)
		o.publishMachine(telemetry.EventError, ev.Text, nil)

	case link.EventDebug:
		o.cfg.Logger.Printf("controller: %s", ev.Text)
	}
}

func (o *Orchestrator) syncLinkInfo() {
	st := o.cfg.Commander.Stats()
	o.cfg.Tracker.SetLink(status.LinkInfo{
		Connected:        st.Connected,
		LastHeartbeatAt:  st.LastHeartbeatAt,
		BootCount:        st.BootCount,
		ReconnectAttempt: st.ReconnectAttempt,
		Drops:            st.Drops,
		DeviceUptimeSec:  o.devUptime,
		DeviceVersion:    o.devVersion,
	})
}

func (o *Orchestrator) pushCounts() {
	o.cfg.Tracker.SetCounts(o.counts)
}

func (o *Orchestrator) recordCycle(startedAt time.Time, kind, outcome string) string {
	if o.cfg.History == nil {
		return ""
	}
	id, err := o.cfg.History.RecordCycle(startedAt, kind, outcome)
	if err != nil {
		o.cfg.Logger.Printf("history: record cycle: %v", err)
		return ""
	}
	return id
}

func (o *Orchestrator) publishMachine(kind, detail string, eject *bool) {
	ev := telemetry.MachineEvent{
		Timestamp: o.cfg.Now(),
		Kind:      kind,
		State:     o.device.RouterState,
		Detail:    detail,
		Eject:     eject,
	}
	if err := o.cfg.Telemetry.Publish(ev); err != nil {
		o.cfg.Logger.Printf("telemetry publish: %v", err)
	}
}

func (o *Orchestrator) notice(msg string) {
	o.cfg.Hub.Publish(hub.Event{Type: hub.TypeLog, Data: Notice{Message: msg}})
}

func (o *Orchestrator) warn(source, msg string) {
	o.cfg.Hub.Publish(hub.Event{Type: hub.TypeWarning, Data: Notice{Source: source, Message: msg}})
}

func (o *Orchestrator) errorf(source, msg string) {
	o.cfg.Hub.Publish(hub.Event{Type: hub.TypeError, Data: Notice{Source: source, Message: msg}})
}
