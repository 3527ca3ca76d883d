package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oochihiro/pychatcat/internal/analytics"
	"github.com/oochihiro/pychatcat/internal/config"
	"github.com/oochihiro/pychatcat/internal/identity"
	"github.com/oochihiro/pychatcat/internal/logger"
	"github.com/oochihiro/pychatcat/internal/metrics"
	"github.com/oochihiro/pychatcat/internal/mirror"
	"github.com/oochihiro/pychatcat/internal/models"
	"github.com/oochihiro/pychatcat/internal/taxonomy"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 9, 2, 14, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	facade *Facade
	store  *analytics.Store
	clock  *fakeClock
	log    *logger.MemoryLogger
}

func newHarness(t *testing.T, m Mirror, opts ...Option) *harness {
	t.Helper()
	clock := newFakeClock()
	store, err := analytics.NewStore(":memory:", analytics.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log := logger.NewMemoryLogger()
	base := []Option{WithClock(clock.Now), WithLogger(log)}
	f := New(store, m, append(base, opts...)...)
	t.Cleanup(func() { f.Close(context.Background()) })
	return &harness{facade: f, store: store, clock: clock, log: log}
}

func (h *harness) count(t *testing.T, table string) int {
	t.Helper()
	n, err := h.store.CountRows(context.Background(), table, "")
	require.NoError(t, err)
	return n
}

func (h *harness) behaviors(t *testing.T) []models.BehaviorEvent {
	t.Helper()
	rows, err := h.store.BehaviorsSince(context.Background(), 0, 0)
	require.NoError(t, err)
	return rows
}

func codesOf(rows []models.BehaviorEvent) []taxonomy.Code {
	out := make([]taxonomy.Code, len(rows))
	for i, r := range rows {
		out[i] = r.BehaviorCode
	}
	return out
}

// collector is a fake remote collector. Session starts succeed; event
// posts answer with eventStatus.
type collector struct {
	*httptest.Server
	mu          sync.Mutex
	paths       []string
	eventStatus int
	gate        chan struct{}
	eventGate   chan struct{}
}

func newCollector(t *testing.T, eventStatus int) *collector {
	t.Helper()
	c := &collector{eventStatus: eventStatus}
	c.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		c.paths = append(c.paths, r.URL.Path)
		gate, eventGate := c.gate, c.eventGate
		c.mu.Unlock()

		if r.URL.Path == "/api/sessions" {
			if gate != nil {
				<-gate
			}
			json.NewEncoder(w).Encode(map[string]string{"session_id": "r-77"})
			return
		}
		if eventGate != nil {
			<-eventGate
		}
		w.WriteHeader(c.eventStatus)
	}))
	t.Cleanup(c.Close)
	return c
}

func (c *collector) eventPaths() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, p := range c.paths {
		if p != "/api/sessions" {
			out = append(out, p)
		}
	}
	return out
}

func newMirror(t *testing.T, url string) *mirror.Client {
	t.Helper()
	cfg := config.CloudConfig{Enabled: true, BaseURL: url, Timeout: 2 * time.Second, Workers: 2}
	c := mirror.NewClient(cfg, identity.Identity{UserID: "uuid-1", DeviceLabel: "pc"})
	t.Cleanup(func() { c.Close(context.Background()) })
	return c
}

func TestCallsBeforeStartAreNoOps(t *testing.T) {
	h := newHarness(t, nil)
	f := h.facade

	f.LogBehavior("CP", nil, nil)
	f.LogBehaviorStart("CR", nil)
	f.LogBehaviorEnd("CR", nil)
	f.LogCodeOperation(models.CodeOperationInput{OperationType: "run"})
	f.LogAIInteraction(models.AIInteractionInput{InteractionType: "question"})
	f.LogErrorAnalysis(models.ErrorAnalysisInput{ErrorType: "NameError"})
	f.PasteIntoEditor(nil)
	f.EndSession()
	f.Flush()

	assert.Empty(t, f.SessionID())
	for _, table := range []string{analytics.TableSessions, analytics.TableBehaviors, analytics.TableCodeOperations,
		analytics.TableAIInteractions, analytics.TableErrors} {
		assert.Zero(t, h.count(t, table), table)
	}
}

func TestEndToEndScenario(t *testing.T) {
	h := newHarness(t, nil)
	f := h.facade

	id := f.StartSession("u1")
	assert.Equal(t, id, f.SessionID())
	f.LogBehavior("CP", nil, nil)
	f.LogCodeOperation(models.CodeOperationInput{
		OperationType: "run", Code: "print(1)", Success: true, ExecutionTime: models.Float(0.01),
	})
	f.EndSession()
	f.Flush()

	sessions, err := h.store.ListSessions(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.NotNil(t, sessions[0].EndTime)
	assert.Equal(t, 1, sessions[0].TotalActivities)
	assert.Equal(t, "u1", sessions[0].UserID)

	rows := h.behaviors(t)
	require.Len(t, rows, 1)
	assert.Equal(t, taxonomy.Code("CP"), rows[0].BehaviorCode)
	assert.Equal(t, "u1", rows[0].UserID)

	doc, err := h.store.ExportData(context.Background(), &id)
	require.NoError(t, err)
	require.Len(t, doc.Data.CodeOperations, 1)
	assert.True(t, doc.Data.CodeOperations[0].Success)
	assert.Empty(t, f.SessionID())
}

func TestStartSessionTwiceSameSecond(t *testing.T) {
	h := newHarness(t, nil)

	first := h.facade.StartSession("u1")
	second := h.facade.StartSession("u1")
	h.facade.Flush()

	assert.Equal(t, first, second)
	assert.Equal(t, 1, h.count(t, analytics.TableSessions))
}

func TestUnknownCodeIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.facade.StartSession("u1")

	h.facade.LogBehavior("ZZZ", nil, nil)
	h.facade.Flush()

	assert.Zero(t, h.count(t, analytics.TableBehaviors))
	assert.Equal(t, 1, h.log.Count("warn", "ZZZ"))
}

func TestDurationPairing(t *testing.T) {
	h := newHarness(t, nil)
	f := h.facade
	f.StartSession("u1")

	f.LogBehaviorStart("CR", models.Data{"file": "main.py"})
	h.clock.Advance(7 * time.Second)
	f.LogBehaviorEnd("CR", nil)
	f.Flush()

	rows := h.behaviors(t)
	require.Len(t, rows, 2)
	for _, r := range rows {
		assert.Equal(t, taxonomy.Code("CR"), r.BehaviorCode)
	}
	require.NotNil(t, rows[0].Duration)
	assert.Zero(t, *rows[0].Duration)
	require.NotNil(t, rows[1].Duration)
	assert.InDelta(t, 7.0, *rows[1].Duration, 1e-6)

	f.mu.Lock()
	pending := f.tracker.Pending("CR")
	f.mu.Unlock()
	assert.False(t, pending)
}

func TestStartOfUnknownCodeIsNotTimed(t *testing.T) {
	h := newHarness(t, nil)
	f := h.facade
	f.StartSession("u1")

	f.LogBehaviorStart("ZZZ", nil)

	f.mu.Lock()
	pending := f.tracker.Pending("ZZZ")
	f.mu.Unlock()
	assert.False(t, pending)

	f.Flush()
	assert.Zero(t, h.count(t, analytics.TableBehaviors))
}

func TestEndWithoutStartHasNoDuration(t *testing.T) {
	h := newHarness(t, nil)
	h.facade.StartSession("u1")

	h.facade.LogBehaviorEnd("VE", nil)
	h.facade.Flush()

	rows := h.behaviors(t)
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0].Duration)
}

func TestIdleSynthesis(t *testing.T) {
	h := newHarness(t, nil)
	f := h.facade
	f.StartSession("u1")

	f.LogBehavior("CP", nil, nil)
	h.clock.Advance(90 * time.Second)
	f.LogBehavior("NF", nil, nil)
	h.clock.Advance(5 * time.Second)
	f.LogBehavior("SV", nil, nil)
	f.Flush()

	rows := h.behaviors(t)
	require.Equal(t, []taxonomy.Code{"CP", taxonomy.Idle, "NF", "SV"}, codesOf(rows))

	idle := rows[1]
	secs, ok := idle.AdditionalData.Float("idle_seconds")
	require.True(t, ok)
	assert.InDelta(t, 90.0, secs, 1e-6)
	require.NotNil(t, idle.Duration)
	assert.InDelta(t, 90.0, *idle.Duration, 1e-6)
}

func TestIdleBeforeOtherEventKinds(t *testing.T) {
	h := newHarness(t, nil)
	f := h.facade
	f.StartSession("u1")

	h.clock.Advance(2 * time.Minute)
	f.LogCodeOperation(models.CodeOperationInput{OperationType: "run"})
	f.Flush()

	rows := h.behaviors(t)
	require.Len(t, rows, 1)
	assert.Equal(t, taxonomy.Idle, rows[0].BehaviorCode)
	assert.Equal(t, 1, h.count(t, analytics.TableCodeOperations))
}

func TestInvalidInputsAreIgnored(t *testing.T) {
	h := newHarness(t, nil)
	f := h.facade
	f.StartSession("u1")

	f.LogCodeOperation(models.CodeOperationInput{})
	f.LogAIInteraction(models.AIInteractionInput{})
	f.LogErrorAnalysis(models.ErrorAnalysisInput{ErrorType: "X", FixAttempts: -1})
	f.Flush()

	assert.Zero(t, h.count(t, analytics.TableCodeOperations))
	assert.Zero(t, h.count(t, analytics.TableAIInteractions))
	assert.Zero(t, h.count(t, analytics.TableErrors))
	assert.Equal(t, 3, h.log.Count("warn", "ignored"))
}

func TestCallerDataIsCopied(t *testing.T) {
	h := newHarness(t, nil)
	h.facade.StartSession("u1")

	data := models.Data{"k": "before"}
	h.facade.LogBehavior("CP", nil, data)
	data["k"] = "after"
	h.facade.Flush()

	rows := h.behaviors(t)
	require.Len(t, rows, 1)
	assert.Equal(t, "before", rows[0].AdditionalData["k"])
}

func TestPasteIntoEditor(t *testing.T) {
	h := newHarness(t, nil)
	f := h.facade
	f.StartSession("u1")

	f.RecordClipboard(ClipboardConsole, "Traceback ...")
	f.PasteIntoEditor(models.Data{"line_number": 3})
	f.RecordClipboard(ClipboardAI, "for i in range(3):")
	f.PasteIntoEditor(models.Data{"line_number": 9})
	f.Flush()

	rows := h.behaviors(t)
	require.Equal(t, []taxonomy.Code{"PC", "PC", "CPC"}, codesOf(rows))
	assert.Equal(t, ClipboardConsole, rows[0].AdditionalData["source"])
	assert.Equal(t, ClipboardAI, rows[1].AdditionalData["source"])
	assert.Equal(t, ClipboardEditor, rows[2].AdditionalData["target"])
	assert.EqualValues(t, 9, rows[2].AdditionalData["line_number"])
}

func TestEndSessionCountsEarlierEvents(t *testing.T) {
	h := newHarness(t, nil)
	f := h.facade
	id := f.StartSession("u1")
	for i := 0; i < 25; i++ {
		f.LogBehavior("CP", nil, nil)
	}
	f.EndSession()
	f.Flush()

	sess, err := h.store.GetSession(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 25, sess.TotalActivities)
}

func TestStartSessionEndsOpenSession(t *testing.T) {
	h := newHarness(t, nil)
	f := h.facade
	first := f.StartSession("u1")
	f.LogBehavior("CP", nil, nil)
	h.clock.Advance(time.Second)
	second := f.StartSession("u2")
	f.Flush()

	require.NotEqual(t, first, second)
	sess, err := h.store.GetSession(context.Background(), first)
	require.NoError(t, err)
	assert.NotNil(t, sess.EndTime)
	assert.Equal(t, 1, sess.TotalActivities)
}

// Local rows are written in full while every remote post fails; each
// failure adds a local FC row.
func TestLocalDurabilityUnderRemoteOutage(t *testing.T) {
	srv := newCollector(t, http.StatusServiceUnavailable)
	m := newMirror(t, srv.URL)
	h := newHarness(t, m)
	f := h.facade

	f.StartSession("u1")
	f.Flush()
	require.Equal(t, mirror.StateBound, m.State())

	f.LogBehavior("CP", nil, nil)
	f.LogCodeOperation(models.CodeOperationInput{OperationType: "run", Code: "x = 1", Success: true})
	f.LogAIInteraction(models.AIInteractionInput{InteractionType: "question", Question: "?"})
	f.LogErrorAnalysis(models.ErrorAnalysisInput{ErrorType: "NameError"})
	f.Flush()

	assert.Equal(t, 1, h.count(t, analytics.TableCodeOperations))
	assert.Equal(t, 1, h.count(t, analytics.TableAIInteractions))
	assert.Equal(t, 1, h.count(t, analytics.TableErrors))

	var cp, fc int
	for _, r := range h.behaviors(t) {
		switch r.BehaviorCode {
		case "CP":
			cp++
		case taxonomy.Failure:
			fc++
			assert.Equal(t, "status", r.AdditionalData["kind"])
			assert.Contains(t, r.AdditionalData["error"], "503")
			stage, _ := r.AdditionalData.String("stage")
			assert.True(t, strings.HasPrefix(stage, "cloud_"), stage)
		}
	}
	assert.Equal(t, 1, cp)
	assert.Equal(t, 4, fc)

	// FC rows are not mirrored.
	assert.Len(t, srv.eventPaths(), 4)
}

func TestCloseRecordsInFlightRemoteFailures(t *testing.T) {
	srv := newCollector(t, http.StatusServiceUnavailable)
	m := newMirror(t, srv.URL)
	h := newHarness(t, m)
	f := h.facade

	id := f.StartSession("u1")
	f.Flush()
	require.Equal(t, mirror.StateBound, m.State())

	f.LogBehavior("CP", nil, nil)
	require.NoError(t, f.Close(context.Background()))

	rows := h.behaviors(t)
	assert.Equal(t, []taxonomy.Code{"CP", taxonomy.Failure}, codesOf(rows))
	for _, r := range rows {
		assert.Equal(t, id, r.SessionID)
	}
	assert.Len(t, srv.eventPaths(), 1)

	sess, err := h.store.GetSession(context.Background(), id)
	require.NoError(t, err)
	assert.NotNil(t, sess.EndTime)
	assert.Equal(t, 2, sess.TotalActivities, "the FC row is written before the session ends")
}

func TestLateRemoteFailureKeepsItsSession(t *testing.T) {
	srv := newCollector(t, http.StatusServiceUnavailable)
	m := newMirror(t, srv.URL)
	h := newHarness(t, m)
	f := h.facade

	first := f.StartSession("u1")
	f.Flush()
	require.Equal(t, mirror.StateBound, m.State())

	gate := make(chan struct{})
	srv.mu.Lock()
	srv.eventGate = gate
	srv.mu.Unlock()

	f.LogBehavior("CP", nil, nil)
	h.clock.Advance(time.Second)
	second := f.StartSession("u1")
	require.NotEqual(t, first, second)
	close(gate)
	f.Flush()

	var fc []models.BehaviorEvent
	for _, r := range h.behaviors(t) {
		if r.BehaviorCode == taxonomy.Failure {
			fc = append(fc, r)
		}
	}
	require.Len(t, fc, 1)
	assert.Equal(t, first, fc[0].SessionID)
	assert.Equal(t, "cloud_behavior", fc[0].AdditionalData["stage"])
}

func TestLocalDurabilityWithRefusedCollector(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	url := dead.URL
	dead.Close()

	m := newMirror(t, url)
	h := newHarness(t, m)
	f := h.facade

	f.StartSession("u1")
	f.LogBehavior("CP", nil, nil)
	f.LogBehavior("CR", nil, nil)
	f.Flush()

	assert.Equal(t, mirror.StateUnbound, m.State())
	codes := codesOf(h.behaviors(t))
	assert.Contains(t, codes, taxonomy.Code("CP"))
	assert.Contains(t, codes, taxonomy.Code("CR"))
	assert.Contains(t, codes, taxonomy.Failure, "the failed session start is recorded")
}

// Events logged before the collector answers the session start are not
// sent; later events are sent exactly once. Local rows are unaffected.
func TestUnboundRemoteEventsAreDropped(t *testing.T) {
	srv := newCollector(t, http.StatusCreated)
	gate := make(chan struct{})
	srv.mu.Lock()
	srv.gate = gate
	srv.mu.Unlock()

	m := newMirror(t, srv.URL)
	h := newHarness(t, m)
	f := h.facade

	f.StartSession("u1")
	f.LogBehavior("CP", nil, nil)
	close(gate)
	m.Wait()
	require.Equal(t, mirror.StateBound, m.State())

	f.LogBehavior("CR", nil, nil)
	f.Flush()

	assert.Equal(t, []string{"/api/sessions/r-77/behaviors"}, srv.eventPaths())
	assert.Equal(t, []taxonomy.Code{"CP", "CR"}, codesOf(h.behaviors(t)))
}

func TestIdleEventsAreLocalOnly(t *testing.T) {
	srv := newCollector(t, http.StatusCreated)
	m := newMirror(t, srv.URL)
	h := newHarness(t, m)
	f := h.facade

	f.StartSession("u1")
	f.Flush()
	h.clock.Advance(5 * time.Minute)
	f.LogBehavior("CP", nil, nil)
	f.Flush()

	assert.Equal(t, []taxonomy.Code{taxonomy.Idle, "CP"}, codesOf(h.behaviors(t)))
	assert.Len(t, srv.eventPaths(), 1)
}

// slowStore blocks its first behavior write until released.
type slowStore struct {
	*analytics.Store
	gate    chan struct{}
	blocked atomic.Bool
}

func (s *slowStore) LogBehavior(ctx context.Context, id models.SessionID, code taxonomy.Code, d *float64, data models.Data) error {
	if s.blocked.CompareAndSwap(false, true) {
		<-s.gate
	}
	return s.Store.LogBehavior(ctx, id, code, d, data)
}

func TestFullQueueNeverBlocksOrDrops(t *testing.T) {
	store, err := analytics.NewStore(":memory:")
	require.NoError(t, err)
	defer store.Close()
	slow := &slowStore{Store: store, gate: make(chan struct{})}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	f := New(slow, nil, WithQueueSize(2), WithMetrics(m))
	defer f.Close(context.Background())

	f.StartSession("u1")
	done := make(chan struct{})
	go func() {
		for i := 0; i < 20; i++ {
			f.LogBehavior("CP", nil, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("logging blocked on a full queue")
	}
	close(slow.gate)
	f.Flush()

	n, err := store.CountRows(context.Background(), analytics.TableBehaviors, "")
	require.NoError(t, err)
	assert.Equal(t, 20, n)
	assert.Greater(t, testutil.ToFloat64(m.EventsOverflow.WithLabelValues(metrics.PathLocal)), 0.0)
	assert.Equal(t, 21.0, testutil.ToFloat64(m.EventsEnqueued.WithLabelValues(metrics.PathLocal)))
}

func TestCloseEndsSession(t *testing.T) {
	h := newHarness(t, nil)
	id := h.facade.StartSession("u1")
	h.facade.LogBehavior("CP", nil, nil)

	require.NoError(t, h.facade.Close(context.Background()))

	sess, err := h.store.GetSession(context.Background(), id)
	require.NoError(t, err)
	assert.NotNil(t, sess.EndTime)

	// Nothing is recorded after Close.
	h.facade.StartSession("u1")
	h.facade.LogBehavior("CR", nil, nil)
	h.facade.Flush()
	assert.Equal(t, 1, h.count(t, analytics.TableBehaviors))
}
