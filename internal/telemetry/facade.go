// Package telemetry is the single call surface instrumented code uses.
// Every call updates idle bookkeeping, then fans the event out to the
// local store and, when bound, to the remote mirror. Neither path blocks
// the caller and neither failure reaches it.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oochihiro/pychatcat/internal/analytics"
	"github.com/oochihiro/pychatcat/internal/dispatch"
	"github.com/oochihiro/pychatcat/internal/logger"
	"github.com/oochihiro/pychatcat/internal/metrics"
	"github.com/oochihiro/pychatcat/internal/mirror"
	"github.com/oochihiro/pychatcat/internal/models"
	"github.com/oochihiro/pychatcat/internal/session"
	"github.com/oochihiro/pychatcat/internal/taxonomy"
)

// Store is the local event store the facade writes to.
type Store interface {
	StartSession(ctx context.Context, userID, deviceLabel string, id models.SessionID) (models.SessionID, error)
	EndSession(ctx context.Context, id models.SessionID) error
	LogBehavior(ctx context.Context, id models.SessionID, code taxonomy.Code, duration *float64, data models.Data) error
	LogCodeOperation(ctx context.Context, id models.SessionID, in models.CodeOperationInput) error
	LogAIInteraction(ctx context.Context, id models.SessionID, in models.AIInteractionInput) error
	LogErrorAnalysis(ctx context.Context, id models.SessionID, in models.ErrorAnalysisInput) error
}

// Mirror is the best-effort remote path.
type Mirror interface {
	StartSession(alias string)
	EndSession()
	LogBehavior(code taxonomy.Code, duration *float64, data models.Data)
	LogCodeOperation(in models.CodeOperationInput)
	LogAIInteraction(in models.AIInteractionInput)
	LogErrorAnalysis(in models.ErrorAnalysisInput)
	OnFailure(fn func(mirror.Failure))
	Generation() uint64
	Wait()
}

// Clipboard sources passed to RecordClipboard.
const (
	ClipboardEditor  = "editor"
	ClipboardConsole = "console"
	ClipboardAI      = "ai"
	ClipboardUnknown = "unknown"
)

// Codes the facade emits on its own.
const (
	codePaste        taxonomy.Code = "PC"
	codeCopyAIToEdit taxonomy.Code = "CPC"
)

// DefaultQueueSize bounds the local write queue.
const DefaultQueueSize = 1024

// defaultWriteTimeout bounds one local write.
const defaultWriteTimeout = 10 * time.Second

type clipboard struct {
	source  string
	content string
	at      time.Time
}

// Facade fans events out to the local store and the remote mirror.
type Facade struct {
	store  Store
	mirror Mirror
	local  *dispatch.Pool

	log           logger.Logger
	metrics       *metrics.Metrics
	now           func() time.Time
	deviceLabel   string
	queueSize     int
	idleThreshold time.Duration

	// mu orders bookkeeping with local enqueueing so an idle event is
	// queued before the event that revealed it.
	mu        sync.Mutex
	sessionID models.SessionID
	userID    string
	tracker   *session.Tracker
	clip      clipboard

	// remoteSessions maps a mirror generation to the local session that
	// owned it, so late failures land on the session that caused them.
	remoteSessions map[uint64]models.SessionID
}

// Option configures a Facade.
type Option func(*Facade)

// WithLogger sets the diagnostic logger.
func WithLogger(l logger.Logger) Option {
	return func(f *Facade) { f.log = logger.OrNoOp(l) }
}

// WithClock replaces the wall clock used for idle and duration bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(f *Facade) {
		if now != nil {
			f.now = now
		}
	}
}

// WithMetrics records pipeline counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Facade) { f.metrics = m }
}

// WithDeviceLabel sets the device label stored on new sessions.
func WithDeviceLabel(label string) Option {
	return func(f *Facade) { f.deviceLabel = label }
}

// WithQueueSize overrides DefaultQueueSize.
func WithQueueSize(n int) Option {
	return func(f *Facade) {
		if n > 0 {
			f.queueSize = n
		}
	}
}

// WithIdleThreshold overrides session.DefaultIdleThreshold.
func WithIdleThreshold(d time.Duration) Option {
	return func(f *Facade) {
		if d > 0 {
			f.idleThreshold = d
		}
	}
}

// New creates a Facade over store. m may be nil when mirroring is not
// configured. The facade registers itself as m's failure hook.
func New(store Store, m Mirror, opts ...Option) *Facade {
	f := &Facade{
		store:          store,
		mirror:         m,
		remoteSessions: make(map[uint64]models.SessionID),
		log:            logger.NewNoOpLogger(),
		now:            time.Now,
		queueSize:      DefaultQueueSize,
		idleThreshold:  session.DefaultIdleThreshold,
	}
	for _, opt := range opts {
		opt(f)
	}

	// One worker keeps local writes in call order.
	f.local = dispatch.New(1, f.queueSize, dispatch.WithPanicHandler(func(r any) {
		f.log.LogError(fmt.Sprintf("local write panicked: %v", r))
	}))
	if f.mirror != nil {
		f.mirror.OnFailure(f.remoteFailed)
	}
	return f
}

// SessionID returns the current local session id, or "" before
// StartSession and after EndSession.
func (f *Facade) SessionID() models.SessionID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessionID
}

// StartSession begins a new local session for userID and asks the mirror
// for a remote one. A session that is still open is ended first.
func (f *Facade) StartSession(userID string) models.SessionID {
	if userID == "" {
		userID = models.AnonymousUser
	}

	f.mu.Lock()
	if f.sessionID != "" {
		f.endLocked()
	}
	id := session.NewID(f.now(), userID)
	f.sessionID = id
	f.userID = userID
	f.tracker = session.NewTracker(session.WithClock(f.now), session.WithIdleThreshold(f.idleThreshold))
	f.clip = clipboard{source: ClipboardUnknown}
	label := f.deviceLabel
	f.enqueue("start_session", func(ctx context.Context) error {
		_, err := f.store.StartSession(ctx, userID, label, id)
		return err
	})
	if f.mirror != nil {
		f.remoteSessions[f.mirror.Generation()] = id
		f.mirror.StartSession(userID)
	}
	f.mu.Unlock()

	f.log.LogInfo(fmt.Sprintf("telemetry session started: %s (user %s)", id, userID))
	return id
}

// EndSession closes the current session. The store snapshots the activity
// count after every event logged before this call.
func (f *Facade) EndSession() {
	f.mu.Lock()
	if f.sessionID == "" {
		f.mu.Unlock()
		return
	}
	id := f.endLocked()
	f.mu.Unlock()

	f.log.LogInfo(fmt.Sprintf("telemetry session ended: %s", id))
}

// endLocked queues the end of the current session. Callers hold f.mu.
func (f *Facade) endLocked() models.SessionID {
	id := f.sessionID
	f.enqueue("end_session", func(ctx context.Context) error {
		return f.store.EndSession(ctx, id)
	})
	f.sessionID = ""
	f.userID = ""
	f.tracker = nil
	if f.mirror != nil {
		f.mirror.EndSession()
	}
	return id
}

// begin runs the bookkeeping shared by every logging call and queues an
// idle event when the gap since the previous call reached the threshold.
// It returns false before StartSession. On true the caller holds f.mu and
// must release it.
func (f *Facade) begin() (models.SessionID, bool) {
	f.mu.Lock()
	if f.sessionID == "" {
		f.mu.Unlock()
		return "", false
	}
	id := f.sessionID
	if gap, idle := f.tracker.Touch(); idle {
		secs := gap.Seconds()
		f.metrics.Idle()
		f.enqueue("log_idle", func(ctx context.Context) error {
			return f.store.LogBehavior(ctx, id, taxonomy.Idle, models.Float(secs), models.Data{"idle_seconds": secs})
		})
	}
	return id, true
}

// LogBehavior records an instantaneous or caller-timed behavior.
func (f *Facade) LogBehavior(code taxonomy.Code, duration *float64, data models.Data) {
	id, ok := f.begin()
	if !ok {
		return
	}
	data = data.Clone()
	f.enqueue("log_behavior", func(ctx context.Context) error {
		return f.store.LogBehavior(ctx, id, code, duration, data)
	})
	if f.mirror != nil {
		f.mirror.LogBehavior(code, duration, data)
	}
	f.mu.Unlock()
}

// LogBehaviorStart records the start of a timed behavior with a zero
// duration and remembers when it started.
func (f *Facade) LogBehaviorStart(code taxonomy.Code, data models.Data) {
	id, ok := f.begin()
	if !ok {
		return
	}
	if taxonomy.Known(code) {
		f.tracker.Start(code)
	}
	data = data.Clone()
	f.enqueue("log_behavior", func(ctx context.Context) error {
		return f.store.LogBehavior(ctx, id, code, models.Float(0), data)
	})
	if f.mirror != nil {
		f.mirror.LogBehavior(code, nil, data)
	}
	f.mu.Unlock()
}

// LogBehaviorEnd records the end of a timed behavior with the elapsed
// seconds since its start. Without a pending start the duration is absent.
func (f *Facade) LogBehaviorEnd(code taxonomy.Code, data models.Data) {
	id, ok := f.begin()
	if !ok {
		return
	}
	duration := f.tracker.End(code)
	data = data.Clone()
	f.enqueue("log_behavior", func(ctx context.Context) error {
		return f.store.LogBehavior(ctx, id, code, duration, data)
	})
	if f.mirror != nil {
		f.mirror.LogBehavior(code, duration, data)
	}
	f.mu.Unlock()
}

// LogCodeOperation records a code run, debug session or edit.
func (f *Facade) LogCodeOperation(in models.CodeOperationInput) {
	if err := in.Validate(); err != nil {
		f.log.LogWarn(fmt.Sprintf("code operation ignored: %v", err))
		return
	}
	id, ok := f.begin()
	if !ok {
		return
	}
	in.Data = in.Data.Clone()
	f.enqueue("log_code_operation", func(ctx context.Context) error {
		return f.store.LogCodeOperation(ctx, id, in)
	})
	if f.mirror != nil {
		f.mirror.LogCodeOperation(in)
	}
	f.mu.Unlock()
}

// LogAIInteraction records one exchange with the AI assistant.
func (f *Facade) LogAIInteraction(in models.AIInteractionInput) {
	if err := in.Validate(); err != nil {
		f.log.LogWarn(fmt.Sprintf("ai interaction ignored: %v", err))
		return
	}
	id, ok := f.begin()
	if !ok {
		return
	}
	in.Data = in.Data.Clone()
	f.enqueue("log_ai_interaction", func(ctx context.Context) error {
		return f.store.LogAIInteraction(ctx, id, in)
	})
	if f.mirror != nil {
		f.mirror.LogAIInteraction(in)
	}
	f.mu.Unlock()
}

// LogErrorAnalysis records an error the learner hit.
func (f *Facade) LogErrorAnalysis(in models.ErrorAnalysisInput) {
	if err := in.Validate(); err != nil {
		f.log.LogWarn(fmt.Sprintf("error analysis ignored: %v", err))
		return
	}
	id, ok := f.begin()
	if !ok {
		return
	}
	in.Data = in.Data.Clone()
	f.enqueue("log_error_analysis", func(ctx context.Context) error {
		return f.store.LogErrorAnalysis(ctx, id, in)
	})
	if f.mirror != nil {
		f.mirror.LogErrorAnalysis(in)
	}
	f.mu.Unlock()
}

// RecordClipboard remembers where the last copy came from so a later
// paste can be attributed.
func (f *Facade) RecordClipboard(source, content string) {
	if source == "" {
		source = ClipboardUnknown
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clip = clipboard{source: source, content: content, at: f.now()}
}

// PasteIntoEditor records a paste into the code editor. When the last copy
// came from the AI assistant a CPC event follows the PC event.
func (f *Facade) PasteIntoEditor(data models.Data) {
	f.mu.Lock()
	source := f.clip.source
	f.mu.Unlock()
	if source == "" {
		source = ClipboardUnknown
	}

	f.LogBehavior(codePaste, nil, models.Merge(models.Data{"target": ClipboardEditor, "source": source}, data))
	if source == ClipboardAI {
		f.LogBehavior(codeCopyAIToEdit, nil, models.Merge(models.Data{"target": ClipboardEditor}, data))
	}
}

// remoteFailed records a mirror failure as a local FC event. FC events
// are never mirrored.
func (f *Facade) remoteFailed(fail mirror.Failure) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.remoteSessions[fail.Generation]
	if !ok {
		f.log.LogDebug(fmt.Sprintf("mirror %s failure has no local session", fail.Stage))
		return
	}
	data := models.Data{
		"stage": "cloud_" + fail.Stage,
		"kind":  string(fail.Kind),
	}
	if fail.Err != nil {
		data["error"] = fail.Err.Error()
	}
	f.enqueue("log_failure", func(ctx context.Context) error {
		return f.store.LogBehavior(ctx, id, taxonomy.Failure, nil, data)
	})
}

// enqueue hands a local write to the single local worker. When the queue
// is full the write runs on its own goroutine instead: it may then land
// out of order, but the caller never blocks and nothing is dropped.
// Under overflow the total_activities count taken by EndSession is
// therefore approximate, and an idle row may follow its triggering event.
func (f *Facade) enqueue(op string, write func(ctx context.Context) error) {
	job := func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
		defer cancel()
		if err := write(ctx); err != nil {
			if !errors.Is(err, analytics.ErrUnknownCode) {
				f.metrics.StoreError(op)
			}
			f.log.LogWarn(fmt.Sprintf("%s failed: %v", op, err))
		}
	}

	f.metrics.Enqueued(metrics.PathLocal)
	if f.local.TrySubmit(job) {
		return
	}
	f.metrics.Overflow(metrics.PathLocal)
	if !f.local.Go(job) {
		f.log.LogDebug(fmt.Sprintf("telemetry closed, %s dropped", op))
	}
}

// Flush blocks until every queued local write and in-flight mirror request
// has finished, including FC events raised by those requests.
func (f *Facade) Flush() {
	f.local.Wait()
	if f.mirror != nil {
		f.mirror.Wait()
	}
	f.local.Wait()
}

// Close waits for in-flight mirror requests, so their failures are still
// recorded, then ends the current session and waits for local writes
// until ctx ends. The facade records nothing afterwards.
func (f *Facade) Close(ctx context.Context) error {
	if f.mirror != nil {
		done := make(chan struct{})
		go func() {
			f.mirror.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	f.EndSession()

	if err := f.local.Close(ctx); err != nil && !errors.Is(err, dispatch.ErrClosed) {
		return fmt.Errorf("close telemetry: %w", err)
	}
	return nil
}
