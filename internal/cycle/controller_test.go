package cycle

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sawline/timbersort/internal/config"
	"github.com/sawline/timbersort/internal/gpio"
)

// eventRecorder collects controller notifications for assertions.
type eventRecorder struct {
	snaps       []Snapshot
	states      []State
	requests    int
	nonAnalysis int
	warnings    []string
	debugs      []string
}

func (r *eventRecorder) StateChanged(s Snapshot) {
	r.snaps = append(r.snaps, s)
	r.states = append(r.states, s.State)
}
func (r *eventRecorder) AnalysisRequested() { r.requests++ }
func (r *eventRecorder) NonAnalysisCycle()  { r.nonAnalysis++ }
func (r *eventRecorder) Warning(msg string) { r.warnings = append(r.warnings, msg) }
func (r *eventRecorder) Debug(msg string)   { r.debugs = append(r.debugs, msg) }

func testTiming() config.Timing {
	return config.Timing{PushTime: 1000, RiserTime: 500, EjectionTime: 300, AnalysisMode: true}
}

// newTestController builds a controller on fake pins with the sensor
// initially inactive. Sensor level changes are scripted by swapping the
// single-element level slice.
func newTestController(t *testing.T, timing config.Timing) (*Controller, *gpio.FakePins, *eventRecorder) {
	t.Helper()
	fp := gpio.NewFakePins([]bool{false})
	rec := &eventRecorder{}
	c, err := New(fp, rec, timing)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return c, fp, rec
}

// raiseToAnalysis drives a controller from idle to WAITING_FOR_ANALYSIS.
// Returns the time the analysis wait began.
func raiseToAnalysis(t *testing.T, c *Controller, fp *gpio.FakePins, t0 time.Time) time.Time {
	t.Helper()

	fp.SensorLevels = []bool{true}
	c.Tick(t0)
	c.Tick(t0.Add(50 * time.Millisecond)) // debounced, cycle starts
	c.Tick(t0.Add(350 * time.Millisecond)) // sensor delay elapsed, pushing

	fp.SensorLevels = []bool{false}
	c.Tick(t0.Add(600 * time.Millisecond))
	c.Tick(t0.Add(650 * time.Millisecond)) // board cleared the sensor

	c.Tick(t0.Add(1350 * time.Millisecond)) // push done, raising
	c.Tick(t0.Add(1850 * time.Millisecond)) // riser up, waiting for analysis

	if got := c.State(); got != StateWaitingForAnalysis {
		t.Fatalf("setup: expected WAITING_FOR_ANALYSIS, got %s", got)
	}
	return t0.Add(1850 * time.Millisecond)
}

func TestFullCycle_Eject(t *testing.T) {
	c, fp, rec := newTestController(t, testTiming())
	t0 := time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)

	// Board arrives; debounce holds for 50ms before the cycle starts.
	fp.SensorLevels = []bool{true}
	c.Tick(t0)
	if got := c.State(); got != StateIdle {
		t.Fatalf("expected IDLE during debounce, got %s", got)
	}
	c.Tick(t0.Add(50 * time.Millisecond))
	if got := c.State(); got != StateWaitingForPush {
		t.Fatalf("expected WAITING_FOR_PUSH, got %s", got)
	}

	// One millisecond before the sensor delay: no transition.
	c.Tick(t0.Add(349 * time.Millisecond))
	if got := c.State(); got != StateWaitingForPush {
		t.Fatalf("expected WAITING_FOR_PUSH at 299ms, got %s", got)
	}

	// Exactly at the sensor delay: push stroke begins.
	c.Tick(t0.Add(350 * time.Millisecond))
	if got := c.State(); got != StatePushing {
		t.Fatalf("expected PUSHING at 300ms, got %s", got)
	}
	if !fp.Push {
		t.Error("push cylinder not energized in PUSHING")
	}

	// Push time elapses but the sensor still reads the board: hold.
	c.Tick(t0.Add(1360 * time.Millisecond))
	if got := c.State(); got != StatePushing {
		t.Fatalf("expected PUSHING while sensor active, got %s", got)
	}

	// Board clears the sensor (debounced).
	fp.SensorLevels = []bool{false}
	c.Tick(t0.Add(1400 * time.Millisecond))
	c.Tick(t0.Add(1450 * time.Millisecond))

	// Conditions now both hold: push releases, riser raises the board.
	c.Tick(t0.Add(1460 * time.Millisecond))
	if got := c.State(); got != StateRaising {
		t.Fatalf("expected RAISING, got %s", got)
	}
	if fp.Push {
		t.Error("push cylinder still energized in RAISING")
	}
	if !fp.Riser {
		t.Error("riser cylinder not energized in RAISING")
	}

	// Riser travel completes: analysis requested.
	c.Tick(t0.Add(1960 * time.Millisecond))
	if got := c.State(); got != StateWaitingForAnalysis {
		t.Fatalf("expected WAITING_FOR_ANALYSIS, got %s", got)
	}
	if rec.requests != 1 {
		t.Errorf("expected 1 analysis request, got %d", rec.requests)
	}

	// Eject verdict: ejection stroke with the riser still up.
	c.SubmitVerdict(true, t0.Add(2100*time.Millisecond))
	if got := c.State(); got != StateEjecting {
		t.Fatalf("expected EJECTING, got %s", got)
	}
	if !fp.Eject {
		t.Error("eject cylinder not energized in EJECTING")
	}
	if !fp.Riser {
		t.Error("riser released too early: board must stay raised while ejecting")
	}

	// Ejection time elapses: everything lowers.
	c.Tick(t0.Add(2400 * time.Millisecond))
	if got := c.State(); got != StateLowering {
		t.Fatalf("expected LOWERING, got %s", got)
	}
	if fp.Eject || fp.Riser {
		t.Error("outputs still energized in LOWERING")
	}

	// Cycle delay holds, then idle.
	c.Tick(t0.Add(3399 * time.Millisecond))
	if got := c.State(); got != StateLowering {
		t.Fatalf("expected LOWERING at 999ms, got %s", got)
	}
	c.Tick(t0.Add(3400 * time.Millisecond))
	if got := c.State(); got != StateIdle {
		t.Fatalf("expected IDLE, got %s", got)
	}

	wantStates := []State{
		StateIdle, // sensor change notification
		StateWaitingForPush,
		StatePushing,
		StatePushing, // sensor cleared notification
		StateRaising,
		StateWaitingForAnalysis,
		StateEjecting,
		StateLowering,
		StateIdle,
	}
	if len(rec.states) != len(wantStates) {
		t.Fatalf("expected %d state notifications, got %d: %v", len(wantStates), len(rec.states), rec.states)
	}
	for i, want := range wantStates {
		if rec.states[i] != want {
			t.Errorf("notification %d: expected %s, got %s", i, want, rec.states[i])
		}
	}

	// Full solenoid command sequences, including the releases at startup.
	wantPush := []bool{false, true, false}
	wantRiser := []bool{false, true, false}
	wantEject := []bool{false, true, false}
	assertWrites(t, "push", fp.PushWrites, wantPush)
	assertWrites(t, "riser", fp.RiserWrites, wantRiser)
	assertWrites(t, "eject", fp.EjectWrites, wantEject)
}

func TestFullCycle_Pass(t *testing.T) {
	c, fp, _ := newTestController(t, testTiming())
	t0 := time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)
	raiseToAnalysis(t, c, fp, t0)

	c.SubmitVerdict(false, t0.Add(2*time.Second))
	if got := c.State(); got != StateLowering {
		t.Fatalf("expected LOWERING after pass verdict, got %s", got)
	}
	if len(fp.EjectWrites) != 1 {
		t.Errorf("eject cylinder commanded on a pass verdict: %v", fp.EjectWrites)
	}
	if fp.Riser {
		t.Error("riser still energized after pass verdict")
	}
}

func TestNonAnalysisCycle(t *testing.T) {
	timing := testTiming()
	timing.AnalysisMode = false
	c, fp, rec := newTestController(t, timing)
	t0 := time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC)

	fp.SensorLevels = []bool{true}
	c.Tick(t0)
	c.Tick(t0.Add(50 * time.Millisecond))
	c.Tick(t0.Add(350 * time.Millisecond))

	fp.SensorLevels = []bool{false}
	c.Tick(t0.Add(600 * time.Millisecond))
	c.Tick(t0.Add(650 * time.Millisecond))

	c.Tick(t0.Add(1350 * time.Millisecond))
	if got := c.State(); got != StateLowering {
		t.Fatalf("expected LOWERING after non-analysis push, got %s", got)
	}
	if rec.nonAnalysis != 1 {
		t.Errorf("expected 1 non-analysis notification, got %d", rec.nonAnalysis)
	}
	if rec.requests != 0 {
		t.Errorf("analysis requested in non-analysis mode")
	}
	if len(fp.RiserWrites) != 1 {
		t.Errorf("riser commanded in non-analysis cycle: %v", fp.RiserWrites)
	}

	c.Tick(t0.Add(2350 * time.Millisecond))
	if got := c.State(); got != StateIdle {
		t.Fatalf("expected IDLE, got %s", got)
	}
}

func TestAnalysisTimeout(t *testing.T) {
	c, fp, rec := newTestController(t, testTiming())
	t0 := time.Date(2026, 3, 9, 11, 0, 0, 0, time.UTC)
	waitStart := raiseToAnalysis(t, c, fp, t0)

	// Just inside the timeout: still waiting.
	c.Tick(waitStart.Add(AnalysisTimeout - time.Millisecond))
	if got := c.State(); got != StateWaitingForAnalysis {
		t.Fatalf("expected WAITING_FOR_ANALYSIS before timeout, got %s", got)
	}

	// At the timeout: abort and lower, never eject.
	c.Tick(waitStart.Add(AnalysisTimeout))
	if got := c.State(); got != StateLowering {
		t.Fatalf("expected LOWERING after timeout, got %s", got)
	}
	if len(fp.EjectWrites) != 1 {
		t.Errorf("eject cylinder commanded on timeout: %v", fp.EjectWrites)
	}
	if len(rec.warnings) != 1 || !strings.Contains(rec.warnings[0], "timeout") {
		t.Errorf("expected a timeout warning, got %v", rec.warnings)
	}
}

func TestVerdictIgnoredOutsideAnalysisWait(t *testing.T) {
	c, fp, rec := newTestController(t, testTiming())
	t0 := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)

	// In IDLE: ignored with a diagnostic.
	c.SubmitVerdict(true, t0)
	if got := c.State(); got != StateIdle {
		t.Fatalf("verdict in IDLE changed state to %s", got)
	}
	if len(fp.EjectWrites) != 1 {
		t.Errorf("eject cylinder commanded by stale verdict: %v", fp.EjectWrites)
	}
	if len(rec.debugs) == 0 || !strings.Contains(rec.debugs[len(rec.debugs)-1], "Ignoring analysis result") {
		t.Errorf("expected ignore diagnostic, got %v", rec.debugs)
	}
}

func TestVerdictAfterTimeoutIsStale(t *testing.T) {
	c, fp, _ := newTestController(t, testTiming())
	t0 := time.Date(2026, 3, 9, 13, 0, 0, 0, time.UTC)
	waitStart := raiseToAnalysis(t, c, fp, t0)

	c.Tick(waitStart.Add(AnalysisTimeout))
	if got := c.State(); got != StateLowering {
		t.Fatalf("expected LOWERING after timeout, got %s", got)
	}

	// The verdict arrives too late: the cycle must not eject.
	c.SubmitVerdict(true, waitStart.Add(AnalysisTimeout).Add(10*time.Millisecond))
	if got := c.State(); got != StateLowering {
		t.Fatalf("stale verdict changed state to %s", got)
	}
	if len(fp.EjectWrites) != 1 {
		t.Errorf("eject cylinder commanded by stale verdict: %v", fp.EjectWrites)
	}
}

func TestAbortAnalysis(t *testing.T) {
	c, fp, _ := newTestController(t, testTiming())
	t0 := time.Date(2026, 3, 9, 14, 0, 0, 0, time.UTC)
	waitStart := raiseToAnalysis(t, c, fp, t0)

	c.AbortAnalysis(waitStart.Add(100 * time.Millisecond))
	if got := c.State(); got != StateLowering {
		t.Fatalf("expected LOWERING after abort, got %s", got)
	}

	// Abort outside the wait is a no-op.
	before := c.State()
	c.AbortAnalysis(waitStart.Add(200 * time.Millisecond))
	if got := c.State(); got != before {
		t.Errorf("abort outside wait changed state to %s", got)
	}
}

func TestSensorBounceFiltered(t *testing.T) {
	c, fp, rec := newTestController(t, testTiming())
	t0 := time.Date(2026, 3, 9, 15, 0, 0, 0, time.UTC)

	// A 30ms blip, shorter than the 50ms debounce window.
	fp.SensorLevels = []bool{true}
	c.Tick(t0)
	fp.SensorLevels = []bool{false}
	c.Tick(t0.Add(30 * time.Millisecond))
	c.Tick(t0.Add(100 * time.Millisecond))

	if got := c.State(); got != StateIdle {
		t.Fatalf("bounce started a cycle: %s", got)
	}
	if len(rec.states) != 0 {
		t.Errorf("bounce produced notifications: %v", rec.states)
	}
}

func TestApplyTiming_TakesEffectNextEvaluation(t *testing.T) {
	c, fp, _ := newTestController(t, testTiming())
	t0 := time.Date(2026, 3, 9, 16, 0, 0, 0, time.UTC)

	fp.SensorLevels = []bool{true}
	c.Tick(t0)
	c.Tick(t0.Add(50 * time.Millisecond))
	c.Tick(t0.Add(350 * time.Millisecond)) // pushing from t0+350

	fp.SensorLevels = []bool{false}
	c.Tick(t0.Add(400 * time.Millisecond))
	c.Tick(t0.Add(450 * time.Millisecond))

	// Shorten the push from 1000ms to 200ms mid-stroke. The stroke keeps
	// its entry timestamp, so it is already over the new duration.
	c.ApplyTiming(config.Timing{PushTime: 200, RiserTime: 500, EjectionTime: 300, AnalysisMode: true})
	c.Tick(t0.Add(560 * time.Millisecond))
	if got := c.State(); got != StateRaising {
		t.Fatalf("expected RAISING after shortened push, got %s", got)
	}
}

func TestAnalysisModeOffMidCycleWarns(t *testing.T) {
	c, fp, rec := newTestController(t, testTiming())
	t0 := time.Date(2026, 3, 9, 17, 0, 0, 0, time.UTC)

	fp.SensorLevels = []bool{true}
	c.Tick(t0)
	c.Tick(t0.Add(50 * time.Millisecond))
	c.Tick(t0.Add(350 * time.Millisecond))

	fp.SensorLevels = []bool{false}
	c.Tick(t0.Add(600 * time.Millisecond))
	c.Tick(t0.Add(650 * time.Millisecond))
	c.Tick(t0.Add(1350 * time.Millisecond))
	if got := c.State(); got != StateRaising {
		t.Fatalf("expected RAISING, got %s", got)
	}

	// Analysis mode switched off while the riser travels.
	timing := testTiming()
	timing.AnalysisMode = false
	c.ApplyTiming(timing)

	c.Tick(t0.Add(1850 * time.Millisecond))
	if got := c.State(); got != StateLowering {
		t.Fatalf("expected LOWERING, got %s", got)
	}
	if len(rec.warnings) != 1 || !strings.Contains(rec.warnings[0], "non-analysis mode") {
		t.Errorf("expected mid-cycle mode warning, got %v", rec.warnings)
	}
	if rec.requests != 0 {
		t.Error("analysis requested despite mode off")
	}
}

func TestActuatorFailureLatchesError(t *testing.T) {
	c, fp, rec := newTestController(t, testTiming())
	t0 := time.Date(2026, 3, 9, 18, 0, 0, 0, time.UTC)

	fp.SensorLevels = []bool{true}
	c.Tick(t0)
	c.Tick(t0.Add(50 * time.Millisecond))

	// The push solenoid write will fail at the WAITING_FOR_PUSH exit.
	fp.WriteError = errors.New("gpio: write failed")
	c.Tick(t0.Add(350 * time.Millisecond))

	if got := c.State(); got != StateError {
		t.Fatalf("expected ERROR after actuator failure, got %s", got)
	}
	if len(rec.warnings) != 1 || !strings.Contains(rec.warnings[0], "push cylinder write failed") {
		t.Errorf("expected actuator warning, got %v", rec.warnings)
	}

	snap := c.Snapshot()
	if snap.Push || snap.Riser || snap.Eject {
		t.Errorf("outputs reported energized in ERROR: %+v", snap)
	}

	// The error state is latched: further boards are ignored.
	fp.WriteError = nil
	c.Tick(t0.Add(1 * time.Second))
	c.Tick(t0.Add(2 * time.Second))
	if got := c.State(); got != StateError {
		t.Fatalf("ERROR state not latched, got %s", got)
	}
}

func TestSensorFailureLatchesError(t *testing.T) {
	c, fp, rec := newTestController(t, testTiming())
	t0 := time.Date(2026, 3, 9, 19, 0, 0, 0, time.UTC)

	fp.SensorError = errors.New("gpio: read failed")
	c.Tick(t0)

	if got := c.State(); got != StateError {
		t.Fatalf("expected ERROR after sensor failure, got %s", got)
	}
	if len(rec.warnings) != 1 || !strings.Contains(rec.warnings[0], "sensor read failed") {
		t.Errorf("expected sensor warning, got %v", rec.warnings)
	}
}

func TestNewReleasesOutputs(t *testing.T) {
	fp := gpio.NewFakePins([]bool{false})
	fp.Push = true
	fp.Riser = true
	fp.Eject = true

	_, err := New(fp, &eventRecorder{}, testTiming())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if fp.Push || fp.Riser || fp.Eject {
		t.Error("New left an output energized")
	}

	fp.WriteError = errors.New("gpio: write failed")
	if _, err := New(fp, &eventRecorder{}, testTiming()); err == nil {
		t.Error("expected error when startup release fails")
	}
}

func TestSnapshotStatus(t *testing.T) {
	if got := (Snapshot{State: StateIdle}).Status(); got != "IDLE" {
		t.Errorf("IDLE status = %q", got)
	}
	if got := (Snapshot{State: StateError}).Status(); got != "ERROR" {
		t.Errorf("ERROR status = %q", got)
	}
	for _, s := range []State{StateWaitingForPush, StatePushing, StateRaising, StateWaitingForAnalysis, StateEjecting, StateLowering} {
		if got := (Snapshot{State: s}).Status(); got != "BUSY" {
			t.Errorf("%s status = %q, want BUSY", s, got)
		}
	}
}

func assertWrites(t *testing.T, name string, got, want []bool) {
	t.Helper()
	if len(got) != len(want) {
		t.Errorf("%s writes = %v, want %v", name, got, want)
		return
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("%s writes = %v, want %v", name, got, want)
			return
		}
	}
}
