// End-to-end tests of the sorting pipeline. A real device agent talks to the
// real link and orchestrator over an in-memory serial line; fakes sit only at
// the outermost edges: pins, camera, detector and MQTT. The history store is
// the real SQLite store on a temp file.
package internal

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sawline/timbersort/internal/analyzer"
	"github.com/sawline/timbersort/internal/capture"
	"github.com/sawline/timbersort/internal/config"
	"github.com/sawline/timbersort/internal/decision"
	"github.com/sawline/timbersort/internal/defect"
	"github.com/sawline/timbersort/internal/device"
	"github.com/sawline/timbersort/internal/gpio"
	"github.com/sawline/timbersort/internal/history"
	"github.com/sawline/timbersort/internal/hub"
	"github.com/sawline/timbersort/internal/link"
	"github.com/sawline/timbersort/internal/orchestrator"
	"github.com/sawline/timbersort/internal/port"
	"github.com/sawline/timbersort/internal/status"
	"github.com/sawline/timbersort/internal/telemetry"
	"github.com/sawline/timbersort/internal/wire"
)

// testClock is a hand-advanced clock shared with the device agent.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// syncBuffer collects log output from the device agent goroutine.
type syncBuffer struct {
	mu sync.Mutex
	b  strings.Builder
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

// pipeEnd is one end of an in-memory duplex byte stream. Closing it ends the
// peer's reads with EOF, the same thing a yanked USB cable does.
type pipeEnd struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (e *pipeEnd) Read(p []byte) (int, error)  { return e.r.Read(p) }
func (e *pipeEnd) Write(p []byte) (int, error) { return e.w.Write(p) }

func (e *pipeEnd) Close() error {
	e.w.Close()
	return e.r.Close()
}

// duplexPipe returns two connected ends: writes on one are reads on the other.
func duplexPipe() (*pipeEnd, *pipeEnd) {
	ar, aw := io.Pipe()
	br, bw := io.Pipe()
	return &pipeEnd{r: ar, w: bw}, &pipeEnd{r: br, w: aw}
}

// hubRecorder captures hub traffic through a buffered subscription. The
// buffer is far larger than any test's event volume, and the accessors drain
// it on the test goroutine, so after the run loops have stopped a snapshot
// is complete.
type hubRecorder struct {
	ch     chan hub.Event
	events []hub.Event
}

func recordHub(t *testing.T, h *hub.Hub) *hubRecorder {
	t.Helper()
	r := &hubRecorder{ch: make(chan hub.Event, 256)}
	if err := h.Subscribe("recorder", r.ch); err != nil {
		t.Fatalf("hub subscribe: %v", err)
	}
	return r
}

func (r *hubRecorder) snapshot() []hub.Event {
	for {
		select {
		case e := <-r.ch:
			r.events = append(r.events, e)
		default:
			return r.events
		}
	}
}

// stateSeq returns the router states seen on the hub with consecutive
// duplicates collapsed. Periodic resends repeat the current state, so only
// the collapsed sequence is stable.
func (r *hubRecorder) stateSeq() []string {
	var out []string
	for _, e := range r.snapshot() {
		if e.Type != hub.TypeState {
			continue
		}
		s, ok := e.Data.(*wire.StatePayload)
		if !ok {
			continue
		}
		if n := len(out); n == 0 || out[n-1] != s.RouterState {
			out = append(out, s.RouterState)
		}
	}
	return out
}

// stateCount returns the raw number of state events, resends included.
func (r *hubRecorder) stateCount() int {
	n := 0
	for _, e := range r.snapshot() {
		if e.Type == hub.TypeState {
			n++
		}
	}
	return n
}

// stateFrame returns the first state event with the given router state.
func (r *hubRecorder) stateFrame(routerState string) *wire.StatePayload {
	for _, e := range r.snapshot() {
		if e.Type != hub.TypeState {
			continue
		}
		if s, ok := e.Data.(*wire.StatePayload); ok && s.RouterState == routerState {
			return s
		}
	}
	return nil
}

func (r *hubRecorder) count(typ string) int {
	n := 0
	for _, e := range r.snapshot() {
		if e.Type == typ {
			n++
		}
	}
	return n
}

// noticeTexts returns the messages of all log, warning or error events of
// the given type.
func (r *hubRecorder) noticeTexts(typ string) []string {
	var out []string
	for _, e := range r.snapshot() {
		if e.Type != typ {
			continue
		}
		if n, ok := e.Data.(orchestrator.Notice); ok {
			out = append(out, n.Message)
		}
	}
	return out
}

func (r *hubRecorder) images() []orchestrator.ImageEvent {
	var out []orchestrator.ImageEvent
	for _, e := range r.snapshot() {
		if e.Type != hub.TypeAnalysisImage {
			continue
		}
		if img, ok := e.Data.(orchestrator.ImageEvent); ok {
			out = append(out, img)
		}
	}
	return out
}

func (r *hubRecorder) results() []orchestrator.ResultsEvent {
	var out []orchestrator.ResultsEvent
	for _, e := range r.snapshot() {
		if e.Type != hub.TypeAnalysisResults {
			continue
		}
		if res, ok := e.Data.(orchestrator.ResultsEvent); ok {
			out = append(out, res)
		}
	}
	return out
}

func (r *hubRecorder) decisions() []orchestrator.DecisionEvent {
	var out []orchestrator.DecisionEvent
	for _, e := range r.snapshot() {
		if e.Type != hub.TypeEjectionDecision {
			continue
		}
		if d, ok := e.Data.(orchestrator.DecisionEvent); ok {
			out = append(out, d)
		}
	}
	return out
}

// rig is one complete machine: device agent, link and orchestrator on their
// own goroutines, joined by an in-memory serial line. The device runs on a
// hand-fed tick and a hand-advanced clock; the host side runs free.
type rig struct {
	t *testing.T

	clock *testClock
	tick  chan time.Time

	hostEnd *pipeEnd
	devLog  *syncBuffer
	syncs   int

	pins *gpio.FakePins
	cam  *capture.Fake
	det  *analyzer.Fake
	pub  *telemetry.FakePublisher

	store   *config.Store
	hist    *history.Store
	tracker *status.Tracker
	events  *hubRecorder

	orch *orchestrator.Orchestrator

	cancel  context.CancelFunc
	devErr  chan error
	linkErr chan error
	orchErr chan error
}

// testTiming is the cylinder profile the host pushes: short strokes so the
// scripted timelines stay readable.
func testTiming() config.Timing {
	return config.Timing{PushTime: 100, RiserTime: 100, EjectionTime: 100, AnalysisMode: true}
}

func hostSettings() config.Settings {
	s := config.Default()
	s.Slave = testTiming()
	return s
}

// startMachine boots the whole rig and blocks until the first controller
// state report reaches the hub. The device starts on factory timing; the
// host pushes settings and requests status on link up, and the controller
// works lines in order, so that first report means the push has been
// applied.
func startMachine(t *testing.T, settings config.Settings, sensor []bool, cam *capture.Fake, det *analyzer.Fake) *rig {
	t.Helper()

	devEnd, hostEnd := duplexPipe()
	quiet := log.New(io.Discard, "", 0)

	r := &rig{
		t:       t,
		clock:   newTestClock(),
		tick:    make(chan time.Time),
		hostEnd: hostEnd,
		devLog:  &syncBuffer{},
		pins:    gpio.NewFakePins(sensor),
		cam:     cam,
		det:     det,
		pub:     telemetry.NewFakePublisher(),
	}

	agent, err := device.New(device.Config{
		Pins:      r.pins,
		Port:      devEnd,
		Timing:    config.Default().Slave,
		BootCount: 7,
		Version:   "v1.2.3",
		Logger:    log.New(r.devLog, "", 0),
		Now:       r.clock.Now,
		Tick:      r.tick,
	})
	if err != nil {
		t.Fatalf("device.New returned error: %v", err)
	}

	hist, err := history.New(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("history.New returned error: %v", err)
	}
	t.Cleanup(func() { hist.Close() })
	r.hist = hist

	r.store = config.NewStore(filepath.Join(t.TempDir(), "settings.json"))
	r.tracker = status.NewTracker(r.clock.Now(), status.Config{Machine: "bench-rig"})

	h := hub.New(quiet)
	r.events = recordHub(t, h)

	opener := port.NewFakeOpener()
	opener.QueuePort(hostEnd)
	lnk := link.New(link.Config{
		Opener:    opener,
		Logger:    quiet,
		WatchTick: make(chan time.Time),
	})

	r.orch = orchestrator.New(orchestrator.Config{
		Events:    lnk.Events(),
		Commander: lnk,
		Capturer:  cam,
		Analyzer:  det,
		Settings:  settings,
		Store:     r.store,
		History:   hist,
		Telemetry: r.pub,
		Hub:       h,
		Tracker:   r.tracker,
		Logger:    quiet,
		Tick:      make(chan time.Time),
	})

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.devErr = make(chan error, 1)
	r.linkErr = make(chan error, 1)
	r.orchErr = make(chan error, 1)
	go func() { r.devErr <- agent.Run(ctx) }()
	go func() { r.linkErr <- lnk.Run(ctx) }()
	go func() { r.orchErr <- r.orch.Run(ctx) }()

	waitUntil(t, "first controller state report", func() bool {
		return r.events.stateCount() > 0
	})
	return r
}

// sync feeds the device one unparseable line and waits for its run loop to
// log the drop. The loop works its inputs in order, so the logged drop means
// everything delivered before the marker — in particular the last tick — has
// been fully processed. The marker itself writes no frame, reads no clock
// and never reaches the controller, so nothing observable changes.
func (r *rig) sync() {
	r.t.Helper()
	r.syncs++
	io.WriteString(r.hostEnd, "SYNC\n")
	want := r.syncs
	waitUntil(r.t, "device loop synced", func() bool {
		return strings.Count(r.devLog.String(), "dropping command") >= want
	})
}

// step advances the device clock by d and feeds one poll tick. It returns
// only after the agent has fully processed the tick: the tick handler reads
// the shared clock after taking the tick off the channel, so without that
// barrier the next step's Advance could land first and the tick would see a
// later time than the one scripted for it.
func (r *rig) step(d time.Duration) {
	r.clock.Advance(d)
	r.tick <- time.Time{}
	r.sync()
}

// shutdown cancels the shared context and joins all three run loops. After
// it returns, the fakes and the hub recorder are quiescent and safe to read.
func (r *rig) shutdown() {
	r.t.Helper()
	r.cancel()
	loops := []struct {
		name string
		ch   chan error
	}{
		{"device", r.devErr},
		{"link", r.linkErr},
		{"orchestrator", r.orchErr},
	}
	for _, l := range loops {
		select {
		case err := <-l.ch:
			if err != nil {
				r.t.Errorf("%s run loop returned error: %v", l.name, err)
			}
		case <-time.After(2 * time.Second):
			r.t.Fatalf("%s run loop did not stop", l.name)
		}
	}
}

func waitUntil(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within 2s: %s", msg)
}

func contains(ss []string, want string) bool {
	for _, s := range ss {
		if s == want {
			return true
		}
	}
	return false
}

func containsSubstring(ss []string, sub string) bool {
	for _, s := range ss {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func assertWrites(t *testing.T, name string, got, want []bool) {
	t.Helper()
	if !reflect.DeepEqual(got, want) {
		t.Errorf("%s writes = %v, want %v", name, got, want)
	}
}

func machineKinds(evs []telemetry.MachineEvent) []string {
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.Kind
	}
	return out
}

// TestFullCycleEjectEndToEnd runs one board through the whole machine: the
// sensor fires, the controller pushes and raises, the host captures,
// detects a dead knot and answers TRUE, and the controller ejects. Every
// observable output is checked: hub stream, telemetry, history rows,
// tracker counters and pin actuation.
func TestFullCycleEjectEndToEnd(t *testing.T) {
	image := []byte("jpeg-bytes-board-17")
	det := &analyzer.Fake{Predictions: []decision.Prediction{{
		ID:         "p-1",
		Class:      defect.DeadKnot,
		Confidence: 0.92,
		Rect:       defect.Rect{X1: 0.20, Y1: 0.30, X2: 0.45, Y2: 0.55},
	}}}
	r := startMachine(t, hostSettings(), []bool{true, true, true, false}, &capture.Fake{Image: image}, det)

	r.step(0)                      // board hits the sensor, debounce pending
	r.step(50 * time.Millisecond)  // debounced, cycle starts
	r.step(300 * time.Millisecond) // sensor delay elapsed, pushing
	r.step(50 * time.Millisecond)  // board starts clearing the sensor
	r.step(50 * time.Millisecond)  // cleared and push time done, raising
	r.step(100 * time.Millisecond) // riser up, analysis requested

	// The host captures, detects and answers on its own; the controller
	// fires the ejector as soon as the verdict lands.
	waitUntil(t, "ejection started", func() bool {
		return contains(r.events.stateSeq(), "EJECTING")
	})

	r.step(100 * time.Millisecond)  // ejection stroke done, lowering
	r.step(1000 * time.Millisecond) // cycle delay over, idle again

	waitUntil(t, "cycle finished", func() bool {
		seq := r.events.stateSeq()
		return len(seq) > 0 && seq[len(seq)-1] == "IDLE" && contains(seq, "LOWERING")
	})

	r.step(2 * time.Second) // heartbeat due
	waitUntil(t, "heartbeat reached the tracker", func() bool {
		return r.tracker.Snapshot().Link.BootCount == 7
	})

	r.shutdown()

	want := []string{
		"IDLE",
		"WAITING_FOR_PUSH",
		"PUSHING",
		"RAISING",
		"WAITING_FOR_ANALYSIS",
		"EJECTING",
		"LOWERING",
		"IDLE",
	}
	if got := r.events.stateSeq(); !reflect.DeepEqual(got, want) {
		t.Errorf("hub state sequence = %v, want %v", got, want)
	}

	ej := r.events.stateFrame("EJECTING")
	if ej == nil {
		t.Fatal("no EJECTING state event on the hub")
	}
	if ej.EjectionCylinder != "ON" || ej.RiserCylinder != "ON" {
		t.Errorf("EJECTING frame = %+v, want ejection and riser ON", ej)
	}
	if ej.Status != "BUSY" {
		t.Errorf("EJECTING status = %s, want BUSY", ej.Status)
	}

	imgs := r.events.images()
	if len(imgs) != 1 {
		t.Fatalf("analysis image events = %d, want 1", len(imgs))
	}
	if !bytes.Equal(imgs[0].Image, image) {
		t.Errorf("hub image = %q, want %q", imgs[0].Image, image)
	}

	results := r.events.results()
	if len(results) != 1 {
		t.Fatalf("analysis results events = %d, want 1", len(results))
	}
	if len(results[0].Predictions) != 1 || results[0].Predictions[0].Class != defect.DeadKnot {
		t.Errorf("hub predictions = %+v, want one dead_knot", results[0].Predictions)
	}

	decs := r.events.decisions()
	if len(decs) != 1 {
		t.Fatalf("decision events = %d, want 1", len(decs))
	}
	if !decs[0].Eject {
		t.Error("decision event eject = false, want true")
	}
	if len(decs[0].Reasons) == 0 || !strings.Contains(decs[0].Reasons[0], "dead_knot") {
		t.Errorf("decision reasons = %v, want a dead_knot reason", decs[0].Reasons)
	}

	// The detector saw exactly the captured frame.
	if r.cam.Calls() != 1 || r.det.Calls() != 1 {
		t.Errorf("capture calls = %d, detect calls = %d, want 1 and 1", r.cam.Calls(), r.det.Calls())
	}
	if !bytes.Equal(r.det.LastImage(), image) {
		t.Errorf("detector input = %q, want %q", r.det.LastImage(), image)
	}

	kinds := machineKinds(r.pub.Events)
	wantKinds := []string{telemetry.EventAnalysisStart, telemetry.EventDecision}
	if !reflect.DeepEqual(kinds, wantKinds) {
		t.Errorf("telemetry kinds = %v, want %v", kinds, wantKinds)
	}
	dec := r.pub.Events[len(r.pub.Events)-1]
	if dec.Eject == nil || !*dec.Eject {
		t.Errorf("telemetry decision eject = %v, want true", dec.Eject)
	}

	cycles, err := r.hist.RecentCycles(5)
	if err != nil {
		t.Fatalf("RecentCycles returned error: %v", err)
	}
	if len(cycles) != 1 {
		t.Fatalf("history cycles = %d, want 1", len(cycles))
	}
	if cycles[0].Kind != history.KindAnalysis || cycles[0].Outcome != history.OutcomeEjected {
		t.Errorf("history cycle = %s/%s, want %s/%s",
			cycles[0].Kind, cycles[0].Outcome, history.KindAnalysis, history.OutcomeEjected)
	}
	hdecs, err := r.hist.RecentDecisions(5)
	if err != nil {
		t.Fatalf("RecentDecisions returned error: %v", err)
	}
	if len(hdecs) != 1 {
		t.Fatalf("history decisions = %d, want 1", len(hdecs))
	}
	if !hdecs[0].Eject || hdecs[0].CycleID != cycles[0].ID {
		t.Errorf("history decision = %+v, want eject linked to cycle %s", hdecs[0], cycles[0].ID)
	}
	if len(hdecs[0].Predictions) != 1 || hdecs[0].Predictions[0].Class != defect.DeadKnot {
		t.Errorf("history predictions = %+v, want one dead_knot", hdecs[0].Predictions)
	}

	snap := r.tracker.Snapshot()
	if snap.Counts.Cycles != 1 || snap.Counts.Analyses != 1 || snap.Counts.Ejects != 1 {
		t.Errorf("counters = %+v, want one cycle, one analysis, one eject", snap.Counts)
	}
	if snap.Counts.Passes != 0 || snap.Counts.Failures != 0 || snap.Counts.Timeouts != 0 {
		t.Errorf("counters = %+v, want no passes, failures or timeouts", snap.Counts)
	}
	if snap.Session.Active {
		t.Error("session still active after the cycle")
	}
	if !snap.Link.Connected || snap.Link.BootCount != 7 || snap.Link.DeviceVersion != "v1.2.3" {
		t.Errorf("link info = %+v, want connected, boot 7, v1.2.3", snap.Link)
	}
	if snap.Device.RouterState != "IDLE" {
		t.Errorf("device state = %s, want IDLE", snap.Device.RouterState)
	}

	// Actuation order on the pins, including the releases at construction.
	assertWrites(t, "push", r.pins.PushWrites, []bool{false, true, false})
	assertWrites(t, "riser", r.pins.RiserWrites, []bool{false, true, false})
	assertWrites(t, "eject", r.pins.EjectWrites, []bool{false, true, false})
}

// TestAnalysisModeSwitchOverLink flips analysis mode off at runtime the way
// the web UI does, and verifies the change is persisted, pushed over the
// wire and honored by the next cycle: the board passes straight through
// without camera, detector or riser involvement.
func TestAnalysisModeSwitchOverLink(t *testing.T) {
	cam := &capture.Fake{Image: []byte("unused")}
	det := &analyzer.Fake{}
	r := startMachine(t, hostSettings(), []bool{true, true, true, false}, cam, det)

	n := r.events.stateCount()
	if _, err := r.orch.ApplySettings(context.Background(), []byte(`{"slave":{"analysisMode":false}}`)); err != nil {
		t.Fatalf("ApplySettings returned error: %v", err)
	}
	// The controller works lines in order: a state reply to this status
	// request means the settings line before it has been applied.
	if err := r.orch.RequestStatus(); err != nil {
		t.Fatalf("RequestStatus returned error: %v", err)
	}
	waitUntil(t, "settings acknowledged", func() bool {
		return r.events.stateCount() > n
	})

	if got := r.orch.Settings().Slave; got.AnalysisMode || got.PushTime != 100 {
		t.Fatalf("active settings = %+v, want analysis off with 100ms strokes", got)
	}
	persisted, err := r.store.Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if persisted.Slave.AnalysisMode || persisted.Slave.PushTime != 100 {
		t.Errorf("persisted settings = %+v, want analysis off with 100ms strokes", persisted.Slave)
	}

	r.step(0)                      // board hits the sensor, debounce pending
	r.step(50 * time.Millisecond)  // debounced, cycle starts
	r.step(300 * time.Millisecond) // sensor delay elapsed, pushing
	r.step(50 * time.Millisecond)  // board starts clearing the sensor
	r.step(50 * time.Millisecond)  // cleared, no analysis: straight to lowering

	waitUntil(t, "non-analysis cycle reported", func() bool {
		return containsSubstring(r.events.noticeTexts(hub.TypeLog), "non-analysis cycle completed")
	})

	r.step(1000 * time.Millisecond) // cycle delay over, idle again
	waitUntil(t, "back to idle", func() bool {
		seq := r.events.stateSeq()
		return len(seq) > 0 && seq[len(seq)-1] == "IDLE"
	})

	r.shutdown()

	want := []string{"IDLE", "WAITING_FOR_PUSH", "PUSHING", "LOWERING", "IDLE"}
	if got := r.events.stateSeq(); !reflect.DeepEqual(got, want) {
		t.Errorf("hub state sequence = %v, want %v", got, want)
	}

	if r.events.count(hub.TypeSettingsUpdate) != 1 {
		t.Errorf("settings update events = %d, want 1", r.events.count(hub.TypeSettingsUpdate))
	}

	if cam.Calls() != 0 || det.Calls() != 0 {
		t.Errorf("capture calls = %d, detect calls = %d, want none", cam.Calls(), det.Calls())
	}

	kinds := machineKinds(r.pub.Events)
	if !reflect.DeepEqual(kinds, []string{telemetry.EventNonAnalysis}) {
		t.Errorf("telemetry kinds = %v, want only %s", kinds, telemetry.EventNonAnalysis)
	}

	cycles, err := r.hist.RecentCycles(5)
	if err != nil {
		t.Fatalf("RecentCycles returned error: %v", err)
	}
	if len(cycles) != 1 || cycles[0].Kind != history.KindNonAnalysis || cycles[0].Outcome != history.OutcomePassed {
		t.Errorf("history cycles = %+v, want one %s/%s", cycles, history.KindNonAnalysis, history.OutcomePassed)
	}
	hdecs, err := r.hist.RecentDecisions(5)
	if err != nil {
		t.Fatalf("RecentDecisions returned error: %v", err)
	}
	if len(hdecs) != 0 {
		t.Errorf("history decisions = %d, want none", len(hdecs))
	}

	snap := r.tracker.Snapshot()
	if snap.Counts.Cycles != 1 || snap.Counts.Analyses != 0 {
		t.Errorf("counters = %+v, want one cycle and no analyses", snap.Counts)
	}

	// The riser and ejector never move on a pass-through cycle.
	assertWrites(t, "push", r.pins.PushWrites, []bool{false, true, false})
	assertWrites(t, "riser", r.pins.RiserWrites, []bool{false})
	assertWrites(t, "eject", r.pins.EjectWrites, []bool{false})
}

// TestDetectorFailureLowersBoard cuts the detector off mid-cycle and checks
// the fail-safe: the host answers with a pass verdict, the board lowers
// without ejecting, and the failure is visible on every surface.
func TestDetectorFailureLowersBoard(t *testing.T) {
	cam := &capture.Fake{Image: []byte("frame")}
	det := &analyzer.Fake{Err: errors.New("detector offline")}
	r := startMachine(t, hostSettings(), []bool{true, true, true, false}, cam, det)

	r.step(0)                      // board hits the sensor, debounce pending
	r.step(50 * time.Millisecond)  // debounced, cycle starts
	r.step(300 * time.Millisecond) // sensor delay elapsed, pushing
	r.step(50 * time.Millisecond)  // board starts clearing the sensor
	r.step(50 * time.Millisecond)  // cleared and push time done, raising
	r.step(100 * time.Millisecond) // riser up, analysis requested

	waitUntil(t, "board lowered on the pass verdict", func() bool {
		return contains(r.events.stateSeq(), "LOWERING")
	})

	r.step(1000 * time.Millisecond) // cycle delay over, idle again
	waitUntil(t, "back to idle", func() bool {
		seq := r.events.stateSeq()
		return len(seq) > 0 && seq[len(seq)-1] == "IDLE"
	})

	r.shutdown()

	want := []string{
		"IDLE",
		"WAITING_FOR_PUSH",
		"PUSHING",
		"RAISING",
		"WAITING_FOR_ANALYSIS",
		"LOWERING",
		"IDLE",
	}
	if got := r.events.stateSeq(); !reflect.DeepEqual(got, want) {
		t.Errorf("hub state sequence = %v, want %v", got, want)
	}

	if !containsSubstring(r.events.noticeTexts(hub.TypeError), "failing safe with a pass verdict") {
		t.Errorf("hub errors = %v, want a failing-safe message", r.events.noticeTexts(hub.TypeError))
	}
	if len(r.events.images()) != 1 {
		t.Errorf("analysis image events = %d, want 1 (capture succeeded)", len(r.events.images()))
	}
	if len(r.events.decisions()) != 0 {
		t.Errorf("decision events = %d, want none", len(r.events.decisions()))
	}

	kinds := machineKinds(r.pub.Events)
	wantKinds := []string{telemetry.EventAnalysisStart, telemetry.EventError}
	if !reflect.DeepEqual(kinds, wantKinds) {
		t.Errorf("telemetry kinds = %v, want %v", kinds, wantKinds)
	}
	if !strings.Contains(r.pub.Events[1].Detail, "detector offline") {
		t.Errorf("telemetry error detail = %q, want the detector error", r.pub.Events[1].Detail)
	}

	cycles, err := r.hist.RecentCycles(5)
	if err != nil {
		t.Fatalf("RecentCycles returned error: %v", err)
	}
	if len(cycles) != 1 || cycles[0].Kind != history.KindAnalysis || cycles[0].Outcome != history.OutcomeFailed {
		t.Errorf("history cycles = %+v, want one %s/%s", cycles, history.KindAnalysis, history.OutcomeFailed)
	}

	snap := r.tracker.Snapshot()
	if snap.Counts.Cycles != 1 || snap.Counts.Failures != 1 || snap.Counts.Ejects != 0 {
		t.Errorf("counters = %+v, want one cycle, one failure, no ejects", snap.Counts)
	}
	if snap.Session.Active {
		t.Error("session still active after the fail-safe")
	}

	// The board goes to the accept side: the ejector never fires.
	assertWrites(t, "eject", r.pins.EjectWrites, []bool{false})
	assertWrites(t, "riser", r.pins.RiserWrites, []bool{false, true, false})
}
