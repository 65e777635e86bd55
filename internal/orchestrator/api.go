package orchestrator

import (
	"context"
	"fmt"

	"github.com/sawline/timbersort/internal/config"
	"github.com/sawline/timbersort/internal/history"
	"github.com/sawline/timbersort/internal/hub"
)

type applyRequest struct {
	patch []byte
	reply chan applyResult
}

type applyResult struct {
	settings config.Settings
	err      error
}

type abortRequest struct {
	reply chan error
}

// ApplySettings merges a JSON patch into the current settings, persists the
// result, pushes the timing block to the controller and notifies the UI.
// The whole update runs on the orchestrator loop, so concurrent callers
// serialize.
func (o *Orchestrator) ApplySettings(ctx context.Context, patch []byte) (config.Settings, error) {
	req := applyRequest{patch: patch, reply: make(chan applyResult, 1)}
	select {
	case o.applyc <- req:
	case <-ctx.Done():
		return config.Settings{}, ctx.Err()
	}
	select {
	case res := <-req.reply:
		return res.settings, res.err
	case <-ctx.Done():
		return config.Settings{}, ctx.Err()
	}
}

// Abort cancels any open analysis session and tells the controller to stop
// waiting. Without an open session it still forwards the abort; the
// controller treats it as a no-op outside the analysis wait.
func (o *Orchestrator) Abort(ctx context.Context) error {
	req := abortRequest{reply: make(chan error, 1)}
	select {
	case o.abortc <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestStatus asks the controller to re-broadcast its state. Safe to call
// from any goroutine; the link serializes the write.
func (o *Orchestrator) RequestStatus() error {
	return o.cfg.Commander.RequestStatus()
}

// applySettings runs on the loop goroutine.
func (o *Orchestrator) applySettings(patch []byte) applyResult {
	p, err := config.ParsePatch(patch)
	if err != nil {
		return applyResult{err: err}
	}
	next, err := o.Settings().Apply(p)
	if err != nil {
		return applyResult{err: err}
	}
	if o.cfg.Store != nil {
		if err := o.cfg.Store.Save(next); err != nil {
			return applyResult{err: fmt.Errorf("persist settings: %w", err)}
		}
	}
	o.setSettings(next)

	if err := o.cfg.Commander.SendTiming(next.Slave); err != nil {
		// Saved either way; the controller re-syncs on the next link up.
		o.cfg.Logger.Printf("timing push failed: %v", err)
	}
	o.cfg.Hub.Publish(hub.Event{Type: hub.TypeSettingsUpdate, Data: next})
	o.cfg.Logger.Printf("settings updated")
	return applyResult{settings: next}
}

// abort runs on the loop goroutine.
func (o *Orchestrator) abort() error {
	sendErr := o.cfg.Commander.AbortAnalysis()
	if o.session == nil {
		return sendErr
	}
	s := o.session
	o.finishSession()
	o.recordCycle(s.startedAt, history.KindAnalysis, history.OutcomeAborted)
	msg := "analysis session " + s.id + " aborted by operator"
	o.cfg.Logger.Printf("%s", msg)
	o.notice(msg)
	return sendErr
}
