package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sawline/timbersort/internal/config"
	"github.com/sawline/timbersort/internal/decision"
	"github.com/sawline/timbersort/internal/history"
	"github.com/sawline/timbersort/internal/hub"
	"github.com/sawline/timbersort/internal/status"
	"github.com/sawline/timbersort/internal/telemetry"
)

// session is one in-flight analysis round trip. The run loop owns it; the
// worker goroutine only knows the id and reports back over the results
// channel.
type session struct {
	id        string
	startedAt time.Time
	deadline  time.Time
	capturing bool
	analyzing bool
	cancel    context.CancelFunc
}

// sessionResult is one worker report: a captured image, a verdict, or a
// failure. Exactly one of image, res and err is set.
type sessionResult struct {
	id    string
	image []byte
	preds []decision.Prediction
	res   *decision.Result
	err   error
	took  time.Duration
}

// Notice is the hub payload for log, warning and error events.
type Notice struct {
	Source  string `json:"source,omitempty"`
	Message string `json:"message"`
}

// ImageEvent is the hub payload carrying the captured board image.
type ImageEvent struct {
	SessionID string `json:"session_id"`
	Image     []byte `json:"image"`
}

// ResultsEvent is the hub payload carrying detector output.
type ResultsEvent struct {
	SessionID   string                `json:"session_id"`
	Predictions []decision.Prediction `json:"predictions"`
	DurationMS  int64                 `json:"duration_ms"`
}

// DecisionEvent is the hub payload carrying the final verdict.
type DecisionEvent struct {
	SessionID string   `json:"session_id"`
	Eject     bool     `json:"eject"`
	Reasons   []string `json:"reasons"`
}

func (o *Orchestrator) handleAnalysisRequest(ctx context.Context) {
	if o.session != nil {
		o.counts.Rejected++
		o.pushCounts()
		msg := fmt.Sprintf("analysis requested while session %s is open; request dropped", o.session.id)
		o.cfg.Logger.Printf("%s", msg)
		o.warn("host", msg)
		o.publishMachine(telemetry.EventWarning, msg, nil)
		return
	}

	now := o.cfg.Now()
	sctx, cancel := context.WithCancel(ctx)
	s := &session{
		id:        uuid.New().String(),
		startedAt: now,
		deadline:  now.Add(o.cfg.SessionTimeout),
		capturing: true,
		cancel:    cancel,
	}
	o.session = s
	o.counts.Cycles++
	o.pushCounts()
	o.cfg.Tracker.SetSession(status.SessionInfo{Active: true, ID: s.id, StartedAt: now})

	o.cfg.Logger.Printf("analysis session %s started", s.id)
	o.notice("analysis session " + s.id + " started")
	o.publishMachine(telemetry.EventAnalysisStart, "", nil)

	go o.runAnalysis(sctx, s.id, o.Settings().Ejection)
}

// runAnalysis is the worker half of a session: capture, detect, decide.
// It never touches loop state; results go back over the channel and the
// loop decides whether the session is still open.
func (o *Orchestrator) runAnalysis(ctx context.Context, id string, cfg config.Ejection) {
	started := o.cfg.Now()

	img, err := o.cfg.Capturer.Capture(ctx)
	if err != nil {
		o.post(ctx, sessionResult{id: id, err: fmt.Errorf("capture: %w", err)})
		return
	}
	o.post(ctx, sessionResult{id: id, image: img})

	preds, err := o.cfg.Analyzer.Analyze(ctx, img)
	if err != nil {
		o.post(ctx, sessionResult{id: id, err: fmt.Errorf("detect: %w", err)})
		return
	}

	res := decision.Decide(preds, cfg)
	o.post(ctx, sessionResult{id: id, preds: preds, res: &res, took: o.cfg.Now().Sub(started)})
}

func (o *Orchestrator) post(ctx context.Context, r sessionResult) {
	select {
	case o.results <- r:
	case <-ctx.Done():
	}
}

func (o *Orchestrator) handleResult(r sessionResult) {
	s := o.session
	if s == nil || s.id != r.id {
		o.cfg.Logger.Printf("ignoring result for closed session %s", r.id)
		return
	}

	switch {
	case r.image != nil:
		s.capturing = false
		s.analyzing = true
		o.cfg.Hub.Publish(hub.Event{Type: hub.TypeAnalysisImage, Data: ImageEvent{SessionID: s.id, Image: r.image}})

	case r.err != nil:
		o.counts.Failures++
		o.finishSession()
		msg := fmt.Sprintf("analysis session %s failed: %v; failing safe with a pass verdict", s.id, r.err)
		o.cfg.Logger.Printf("%s", msg)
		o.errorf("host", msg)
		o.publishMachine(telemetry.EventError, msg, nil)
		if err := o.cfg.Commander.SendVerdict(false); err != nil {
			o.cfg.Logger.Printf("session %s: verdict not delivered: %v", s.id, err)
		}
		o.recordCycle(s.startedAt, history.KindAnalysis, history.OutcomeFailed)

	default:
		res := *r.res
		o.counts.Analyses++
		if res.Eject {
			o.counts.Ejects++
		} else {
			o.counts.Passes++
		}
		o.finishSession()

		if err := o.cfg.Commander.SendVerdict(res.Eject); err != nil {
			o.cfg.Logger.Printf("session %s: verdict not delivered: %v", s.id, err)
			o.errorf("host", fmt.Sprintf("verdict for session %s not delivered: %v", s.id, err))
		}
		o.cfg.Logger.Printf("session %s: %s after %dms", s.id, res, r.took.Milliseconds())

		o.cfg.Hub.Publish(hub.Event{Type: hub.TypeAnalysisResults, Data: ResultsEvent{
			SessionID:   s.id,
			Predictions: r.preds,
			DurationMS:  r.took.Milliseconds(),
		}})
		o.cfg.Hub.Publish(hub.Event{Type: hub.TypeEjectionDecision, Data: DecisionEvent{
			SessionID: s.id,
			Eject:     res.Eject,
			Reasons:   res.Reasons,
		}})

		outcome := history.OutcomePassed
		if res.Eject {
			outcome = history.OutcomeEjected
		}
		if cycleID := o.recordCycle(s.startedAt, history.KindAnalysis, outcome); cycleID != "" {
			if _, err := o.cfg.History.RecordDecision(cycleID, res, r.preds, r.took, o.cfg.Now()); err != nil {
				o.cfg.Logger.Printf("history: record decision: %v", err)
			}
		}

		eject := res.Eject
		o.publishMachine(telemetry.EventDecision, strings.Join(res.Reasons, "; "), &eject)
	}
}

// finishSession closes the open session. Callers bump counters first; the
// tracker gets the new counts and the cleared session in one pass.
func (o *Orchestrator) finishSession() {
	s := o.session
	s.cancel()
	o.session = nil
	o.cfg.Tracker.SetSession(status.SessionInfo{})
	o.pushCounts()
}

func (o *Orchestrator) checkDeadline() {
	s := o.session
	if s == nil || o.cfg.Now().Before(s.deadline) {
		return
	}
	o.counts.Timeouts++
	o.finishSession()
	msg := fmt.Sprintf("analysis session %s timed out after %v", s.id, o.cfg.SessionTimeout)
	o.cfg.Logger.Printf("%s", msg)
	o.warn("host", msg)
	o.publishMachine(telemetry.EventWarning, msg, nil)
	o.recordCycle(s.startedAt, history.KindAnalysis, history.OutcomeTimeout)
}

func (o *Orchestrator) handleNonAnalysisCycle() {
	o.counts.Cycles++
	o.pushCounts()
	o.cfg.Logger.Printf("non-analysis cycle completed")
	o.notice("non-analysis cycle completed")
	o.publishMachine(telemetry.EventNonAnalysis, "", nil)
	o.recordCycle(o.cfg.Now(), history.KindNonAnalysis, history.OutcomePassed)
}
