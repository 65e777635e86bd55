// Package link maintains the serial session with the sorting controller
// board: it dials through a port.Opener, reads frames, watches heartbeats
// and reconnects with backoff when the session drops.
//
// Outbound commands are fire-and-forget: the protocol has no per-command
// acknowledgement, so a nil return from a Send method only means the line
// was queued while the link was up. Callers that need confirmation must
// watch the resulting STATE frames.
package link

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/sawline/timbersort/internal/config"
	"github.com/sawline/timbersort/internal/port"
	"github.com/sawline/timbersort/internal/wire"
)

var (
	// ErrLinkDown is returned by Send methods while no session is up.
	ErrLinkDown = errors.New("link: not connected")

	// ErrRetriesExhausted is returned by Run when every reconnect attempt
	// failed. The caller decides whether that is fatal for the process.
	ErrRetriesExhausted = errors.New("link: reconnect attempts exhausted")

	// errHeartbeatLost tears a session down after too many silent windows.
	errHeartbeatLost = errors.New("link: heartbeat lost")
)

// Defaults for Config zero values.
const (
	DefaultHeartbeatWindow = 5 * time.Second
	DefaultMissedLimit     = 3
	DefaultRetryDelay      = time.Second
	DefaultMaxRetryDelay   = 30 * time.Second
	DefaultMaxRetries      = 10
)

// EventKind classifies link events.
type EventKind string

const (
	EventLinkUp           EventKind = "link_up"
	EventLinkDown         EventKind = "link_down"
	EventLinkFatal        EventKind = "link_fatal"
	EventDeviceRebooted   EventKind = "device_rebooted"
	EventState            EventKind = "state"
	EventHeartbeat        EventKind = "heartbeat"
	EventAnalysisRequest  EventKind = "analysis_request"
	EventNonAnalysisCycle EventKind = "non_analysis_cycle"
	EventWarning          EventKind = "warning"
	EventError            EventKind = "error"
	EventDebug            EventKind = "debug"
)

// Event is one occurrence on the link, delivered in arrival order.
type Event struct {
	Kind      EventKind
	State     *wire.StatePayload     // EventState
	Heartbeat *wire.HeartbeatPayload // EventHeartbeat
	Text      string                 // message text or down/fatal reason
	BootCount int64                  // EventDeviceRebooted: the new count
}

// Config parameterizes a Link. Zero values take the defaults above.
type Config struct {
	Opener port.Opener

	HeartbeatWindow time.Duration
	MissedLimit     int
	RetryDelay      time.Duration
	MaxRetryDelay   time.Duration
	MaxRetries      int

	Logger *log.Logger
	Now    func() time.Time

	// WatchTick overrides the watchdog ticker, for tests.
	WatchTick <-chan time.Time
}

// Stats is an observability snapshot of the link.
type Stats struct {
	Connected        bool
	LastHeartbeatAt  time.Time
	BootCount        int64
	ReconnectAttempt int
	Drops            int64
}

// Link owns one controller session. All session state lives on the Run
// goroutine; Stats keeps a read-only mirror for status pages.
type Link struct {
	cfg    Config
	events chan Event
	cmds   chan string

	mu    sync.RWMutex
	stats Stats

	// run-goroutine state
	bootCount int64
	bootSeen  bool
}

// New creates a Link around the given opener.
func New(cfg Config) *Link {
	if cfg.HeartbeatWindow <= 0 {
		cfg.HeartbeatWindow = DefaultHeartbeatWindow
	}
	if cfg.MissedLimit <= 0 {
		cfg.MissedLimit = DefaultMissedLimit
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Link{
		cfg:    cfg,
		events: make(chan Event, 64),
		cmds:   make(chan string, 16),
	}
}

// Events returns the channel the link delivers on. It is never closed; stop
// consuming after Run returns.
func (l *Link) Events() <-chan Event {
	return l.events
}

// Stats returns the current observability snapshot.
func (l *Link) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.stats
}

// RequestStatus asks the controller to report its state.
func (l *Link) RequestStatus() error {
	return l.send(wire.StatusCommand())
}

// AbortAnalysis cancels the controller's analysis wait.
func (l *Link) AbortAnalysis() error {
	return l.send(wire.AbortAnalysisCommand())
}

// SendVerdict delivers an analysis verdict.
func (l *Link) SendVerdict(eject bool) error {
	return l.send(wire.AnalysisResultCommand(eject))
}

// SendTiming pushes cylinder timing and analysis mode to the controller.
func (l *Link) SendTiming(t config.Timing) error {
	line, err := wire.SettingsCommand(t)
	if err != nil {
		return err
	}
	return l.send(line)
}

func (l *Link) send(line string) error {
	l.mu.RLock()
	connected := l.stats.Connected
	l.mu.RUnlock()
	if !connected {
		return ErrLinkDown
	}
	select {
	case l.cmds <- line + "\n":
		return nil
	default:
		return fmt.Errorf("link: command queue full")
	}
}

// Run dials, serves and reconnects until ctx is done or the retry budget is
// spent. On exhaustion it emits EventLinkFatal and returns
// ErrRetriesExhausted; a context cancellation returns nil.
func (l *Link) Run(ctx context.Context) error {
	tick := l.cfg.WatchTick
	if tick == nil {
		t := time.NewTicker(l.cfg.HeartbeatWindow)
		defer t.Stop()
		tick = t.C
	}

	for {
		p, err := l.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.emit(ctx, Event{Kind: EventLinkFatal, Text: err.Error()})
			return err
		}

		l.setConnected(true)
		l.emit(ctx, Event{Kind: EventLinkUp, Text: l.cfg.Opener.Name()})

		err = l.serve(ctx, p, tick)

		l.setConnected(false)
		if ctx.Err() != nil {
			return nil
		}
		l.bumpDrops()
		l.cfg.Logger.Printf("link: session ended: %v", err)
		l.emit(ctx, Event{Kind: EventLinkDown, Text: err.Error()})
	}
}

// dial opens the port, backing off exponentially between attempts.
func (l *Link) dial(ctx context.Context) (io.ReadWriteCloser, error) {
	for attempt := 1; attempt <= l.cfg.MaxRetries; attempt++ {
		l.setAttempt(attempt)
		p, err := l.cfg.Opener.Open()
		if err == nil {
			l.setAttempt(0)
			return p, nil
		}
		l.cfg.Logger.Printf("link: open %s failed (attempt %d/%d): %v",
			l.cfg.Opener.Name(), attempt, l.cfg.MaxRetries, err)

		if attempt == l.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.backoff(attempt)):
		}
	}
	return nil, ErrRetriesExhausted
}

// backoff doubles the delay per attempt, capped at MaxRetryDelay.
func (l *Link) backoff(attempt int) time.Duration {
	d := l.cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if d > l.cfg.MaxRetryDelay || d <= 0 {
		d = l.cfg.MaxRetryDelay
	}
	return d
}

// serve runs one session until the port dies, the heartbeat is lost, or ctx
// is done. It owns the port and closes it on the way out.
func (l *Link) serve(ctx context.Context, p io.ReadWriteCloser, tick <-chan time.Time) error {
	done := make(chan struct{})
	lines := make(chan string)
	readErr := make(chan error, 1)

	go func() {
		defer close(lines)
		sc := bufio.NewScanner(p)
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
		p.Close()
	}()

	l.drainCommands()
	lastHeartbeat := l.cfg.Now()
	missed := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					return fmt.Errorf("link: read: %w", err)
				default:
					return fmt.Errorf("link: port closed")
				}
			}
			if hb := l.handleLine(ctx, line); hb {
				lastHeartbeat = l.cfg.Now()
				missed = 0
			}

		case <-tick:
			age := l.cfg.Now().Sub(lastHeartbeat)
			if age < l.cfg.HeartbeatWindow {
				continue
			}
			missed++
			l.emit(ctx, Event{
				Kind: EventWarning,
				Text: fmt.Sprintf("no heartbeat for %v (missed %d/%d)", age.Round(time.Second), missed, l.cfg.MissedLimit),
			})
			if missed >= l.cfg.MissedLimit {
				return errHeartbeatLost
			}

		case cmd := <-l.cmds:
			if _, err := io.WriteString(p, cmd); err != nil {
				return fmt.Errorf("link: write: %w", err)
			}
		}
	}
}

// handleLine parses and dispatches one inbound line. It reports whether the
// line was a heartbeat so serve can feed the watchdog.
func (l *Link) handleLine(ctx context.Context, line string) bool {
	f, err := wire.ParseFrame(line)
	if err != nil {
		l.cfg.Logger.Printf("link: dropping frame: %v", err)
		return false
	}

	switch f.Kind {
	case wire.KindState:
		l.emit(ctx, Event{Kind: EventState, State: f.State})

	case wire.KindHeartbeat:
		hb := f.Heartbeat
		if l.bootSeen && hb.BootCount != l.bootCount {
			l.emit(ctx, Event{Kind: EventDeviceRebooted, BootCount: hb.BootCount})
		}
		l.bootCount = hb.BootCount
		l.bootSeen = true
		l.setHeartbeat(l.cfg.Now(), hb.BootCount)
		l.emit(ctx, Event{Kind: EventHeartbeat, Heartbeat: hb})
		return true

	case wire.KindWarning:
		l.emit(ctx, Event{Kind: EventWarning, Text: f.Text})

	case wire.KindError:
		l.emit(ctx, Event{Kind: EventError, Text: f.Text})

	case wire.KindDebug:
		l.emit(ctx, Event{Kind: EventDebug, Text: f.Text})

	case wire.KindAnalysisRequest:
		l.emit(ctx, Event{Kind: EventAnalysisRequest})

	case wire.KindNonAnalysisCycle:
		l.emit(ctx, Event{Kind: EventNonAnalysisCycle})
	}
	return false
}

// emit delivers an event, giving up only when ctx is done.
func (l *Link) emit(ctx context.Context, e Event) {
	select {
	case l.events <- e:
	case <-ctx.Done():
	}
}

// drainCommands discards lines queued against a previous session.
func (l *Link) drainCommands() {
	for {
		select {
		case <-l.cmds:
		default:
			return
		}
	}
}

func (l *Link) setConnected(up bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stats.Connected = up
}

func (l *Link) setAttempt(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stats.ReconnectAttempt = n
}

func (l *Link) setHeartbeat(at time.Time, bootCount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stats.LastHeartbeatAt = at
	l.stats.BootCount = bootCount
}

func (l *Link) bumpDrops() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stats.Drops++
}
