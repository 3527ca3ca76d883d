// Package mirror is a best-effort client that mirrors the local event
// stream to a remote collector over HTTP. Every request is fire-and-forget:
// callers never wait for it and never learn its outcome.
package mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oochihiro/pychatcat/internal/config"
	"github.com/oochihiro/pychatcat/internal/dispatch"
	"github.com/oochihiro/pychatcat/internal/identity"
	"github.com/oochihiro/pychatcat/internal/logger"
	"github.com/oochihiro/pychatcat/internal/metrics"
	"github.com/oochihiro/pychatcat/internal/models"
	"github.com/oochihiro/pychatcat/internal/taxonomy"
)

// SessionID identifies a session on the remote collector. It is assigned
// by the collector and is unrelated to the local models.SessionID.
type SessionID string

// State is the binding state of a Client.
type State int

const (
	// StateDisabled means mirroring is off; every method is a no-op.
	StateDisabled State = iota
	// StateUnbound means no remote session is held; events are dropped.
	StateUnbound
	// StateBound means events are posted to the held remote session.
	StateBound
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateUnbound:
		return "unbound"
	case StateBound:
		return "bound"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Stages reported in Failure.Stage.
const (
	StageStartSession  = "start_session"
	StageBehavior      = "behavior"
	StageCodeOperation = "code_operation"
	StageAIInteraction = "ai_interaction"
	StageErrorAnalysis = "error_analysis"
)

// Failure describes one failed collector request. Generation is the
// session generation the request was made under (see Generation).
type Failure struct {
	Stage      string
	Endpoint   string
	Kind       FailureKind
	Err        error
	Generation uint64
}

// binding is a remote session and the generation it was started in.
type binding struct {
	id  SessionID
	gen uint64
}

// Client mirrors events to the collector.
type Client struct {
	cfg      config.CloudConfig
	identity identity.Identity
	http     *http.Client
	pool     *dispatch.Pool
	ownsPool bool
	log      logger.Logger
	metrics  *metrics.Metrics

	// session is read without a lock on every log call; bindMu serializes
	// the writes so a late start response cannot undo an EndSession.
	session    atomic.Pointer[binding]
	bindMu     sync.Mutex
	generation uint64
	// starting is set while a start request of the current generation is
	// in flight.
	starting bool

	refusedOnce sync.Once
	hookMu      sync.RWMutex
	onFailure   func(Failure)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. Its timeout is left as given.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the diagnostic logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Client) { c.log = logger.OrNoOp(l) }
}

// WithMetrics records latency, failures and overflow.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithPool runs requests on p instead of a pool owned by the client.
func WithPool(p *dispatch.Pool) Option {
	return func(c *Client) { c.pool = p }
}

// DefaultQueueSize bounds the requests waiting for a worker.
const DefaultQueueSize = 256

// NewClient creates a client for cfg. The HTTP client timeout is set from
// the config.
func NewClient(cfg config.CloudConfig, id identity.Identity, opts ...Option) *Client {
	c := &Client{
		cfg:      cfg,
		identity: id,
		http:     &http.Client{Timeout: cfg.Timeout},
		log:      logger.NewNoOpLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.pool == nil && cfg.Active() {
		c.pool = dispatch.New(cfg.Workers, DefaultQueueSize, dispatch.WithPanicHandler(func(r any) {
			c.log.LogError(fmt.Sprintf("mirror request panicked: %v", r))
		}))
		c.ownsPool = true
	}
	return c
}

// Config returns the client's configuration.
func (c *Client) Config() config.CloudConfig {
	return c.cfg
}

// State reports the current binding state.
func (c *Client) State() State {
	if !c.cfg.Active() {
		return StateDisabled
	}
	if c.session.Load() == nil {
		return StateUnbound
	}
	return StateBound
}

// SessionID returns the bound remote session id, if any.
func (c *Client) SessionID() (SessionID, bool) {
	if b := c.session.Load(); b != nil {
		return b.id, true
	}
	return "", false
}

// Generation identifies the current session lifetime. It changes on every
// EndSession; requests and their failures carry the generation they were
// made under.
func (c *Client) Generation() uint64 {
	c.bindMu.Lock()
	defer c.bindMu.Unlock()
	return c.generation
}

// OnFailure registers fn to be called after every failed request.
// fn runs on a background goroutine.
func (c *Client) OnFailure(fn func(Failure)) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.onFailure = fn
}

type startSessionRequest struct {
	UserID      string `json:"user_id"`
	DeviceLabel string `json:"device_label"`
	Alias       string `json:"alias,omitempty"`
}

type startSessionResponse struct {
	SessionID string `json:"session_id"`
}

// StartSession asks the collector for a session. It returns immediately;
// the client becomes bound when a response carrying a session id arrives.
// It is a no-op while bound or while a start is already in flight.
func (c *Client) StartSession(alias string) {
	if c.State() != StateUnbound {
		return
	}

	c.bindMu.Lock()
	if c.starting || c.session.Load() != nil {
		c.bindMu.Unlock()
		return
	}
	c.starting = true
	gen := c.generation
	c.bindMu.Unlock()

	body := startSessionRequest{
		UserID:      c.identity.UserID,
		DeviceLabel: c.identity.DeviceLabel,
		Alias:       alias,
	}
	queued := c.submit(StageStartSession, "/api/sessions", gen, body, func(resp *http.Response) error {
		var out startSessionResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("decode session response: %w", err)
		}
		if out.SessionID == "" {
			return fmt.Errorf("session response has no session_id")
		}
		c.bind(gen, SessionID(out.SessionID))
		return nil
	}, func() { c.startDone(gen) })
	if !queued {
		c.startDone(gen)
	}
}

// startDone clears the in-flight flag unless EndSession already moved on
// to a later generation, whose own start may be in flight.
func (c *Client) startDone(gen uint64) {
	c.bindMu.Lock()
	defer c.bindMu.Unlock()
	if gen == c.generation {
		c.starting = false
	}
}

func (c *Client) bind(gen uint64, id SessionID) {
	c.bindMu.Lock()
	defer c.bindMu.Unlock()
	if gen != c.generation {
		c.log.LogDebug(fmt.Sprintf("discarding remote session %s: ended before it was bound", id))
		return
	}
	c.session.Store(&binding{id: id, gen: gen})
	c.log.LogInfo(fmt.Sprintf("bound remote session %s", id))
}

// EndSession forgets the remote session. Nothing is sent to the collector.
func (c *Client) EndSession() {
	c.bindMu.Lock()
	defer c.bindMu.Unlock()
	c.generation++
	c.starting = false
	c.session.Store(nil)
}

type behaviorRequest struct {
	BehaviorCode   taxonomy.Code `json:"behavior_code"`
	Duration       *float64      `json:"duration"`
	AdditionalData models.Data   `json:"additional_data"`
}

// LogBehavior mirrors one behavior event.
func (c *Client) LogBehavior(code taxonomy.Code, duration *float64, data models.Data) {
	c.post(StageBehavior, "behaviors", behaviorRequest{
		BehaviorCode:   code,
		Duration:       duration,
		AdditionalData: orEmpty(data),
	})
}

type codeOperationRequest struct {
	OperationType  string      `json:"operation_type"`
	Code           *string     `json:"code"`
	Success        bool        `json:"success"`
	ErrorMessage   *string     `json:"error_message,omitempty"`
	ExecutionTime  *float64    `json:"execution_time"`
	AdditionalData models.Data `json:"additional_data"`
}

// LogCodeOperation mirrors one code operation.
func (c *Client) LogCodeOperation(in models.CodeOperationInput) {
	data := orEmpty(in.Data).Clone()
	if in.ErrorMessage != "" {
		data["error_message"] = in.ErrorMessage
	}
	c.post(StageCodeOperation, "code-operations", codeOperationRequest{
		OperationType:  in.OperationType,
		Code:           optional(in.Code),
		Success:        in.Success,
		ErrorMessage:   optional(in.ErrorMessage),
		ExecutionTime:  in.ExecutionTime,
		AdditionalData: data,
	})
}

type aiInteractionRequest struct {
	InteractionType string      `json:"interaction_type"`
	Question        *string     `json:"question"`
	Response        *string     `json:"response"`
	ResponseTime    *float64    `json:"response_time"`
	AdditionalData  models.Data `json:"additional_data"`
}

// LogAIInteraction mirrors one AI interaction.
func (c *Client) LogAIInteraction(in models.AIInteractionInput) {
	data := orEmpty(in.Data).Clone()
	if in.FeedbackQuality != "" {
		data["feedback_quality"] = in.FeedbackQuality
	}
	c.post(StageAIInteraction, "ai-interactions", aiInteractionRequest{
		InteractionType: in.InteractionType,
		Question:        optional(in.Question),
		Response:        optional(in.Response),
		ResponseTime:    in.ResponseTime,
		AdditionalData:  data,
	})
}

type errorAnalysisRequest struct {
	ErrorType      string      `json:"error_type"`
	ErrorLine      int         `json:"error_line"`
	ErrorMessage   string      `json:"error_message"`
	FixAttempts    int         `json:"fix_attempts"`
	FixSuccess     bool        `json:"fix_success"`
	AdditionalData models.Data `json:"additional_data"`
}

// LogErrorAnalysis mirrors one error analysis.
func (c *Client) LogErrorAnalysis(in models.ErrorAnalysisInput) {
	c.post(StageErrorAnalysis, "errors", errorAnalysisRequest{
		ErrorType:      in.ErrorType,
		ErrorLine:      in.ErrorLine,
		ErrorMessage:   in.ErrorMessage,
		FixAttempts:    in.FixAttempts,
		FixSuccess:     in.FixSuccess,
		AdditionalData: orEmpty(in.Data),
	})
}

// post sends body to a session-scoped endpoint. While unbound the event is
// dropped, not queued.
func (c *Client) post(stage, resource string, body any) {
	if !c.cfg.Active() {
		return
	}
	b := c.session.Load()
	if b == nil {
		c.log.LogTrace(fmt.Sprintf("remote session unbound, dropping %s event", stage))
		return
	}
	endpoint := "/api/sessions/" + url.PathEscape(string(b.id)) + "/" + resource
	c.submit(stage, endpoint, b.gen, body, nil, nil)
}

// submit queues one request on the pool. onOK runs for 2xx responses and
// its error counts as a failure; after runs last either way.
func (c *Client) submit(stage, endpoint string, gen uint64, body any, onOK func(*http.Response) error, after func()) bool {
	payload, err := json.Marshal(body)
	if err != nil {
		c.log.LogError(fmt.Sprintf("encode %s request: %v", stage, err))
		return false
	}

	c.metrics.Enqueued(metrics.PathRemote)
	queued := c.pool.TrySubmit(func() {
		if after != nil {
			defer after()
		}
		if err := c.do(endpoint, payload, onOK); err != nil {
			c.fail(Failure{Stage: stage, Endpoint: endpoint, Kind: Classify(err), Err: err, Generation: gen})
		}
	})
	if !queued {
		c.metrics.Overflow(metrics.PathRemote)
		c.log.LogDebug(fmt.Sprintf("mirror queue full, dropping %s event", stage))
	}
	return queued
}

func (c *Client) do(endpoint string, payload []byte, onOK func(*http.Response) error) error {
	ctx := context.Background()
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	c.metrics.ObserveRemote(time.Since(start))
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode}
	}
	if onOK != nil {
		return onOK(resp)
	}
	return nil
}

func (c *Client) fail(f Failure) {
	c.metrics.RemoteFailure(string(f.Kind))

	if f.Kind == KindRefused {
		c.refusedOnce.Do(func() {
			c.log.LogWarn(fmt.Sprintf("collector at %s refused the connection; further refusals are not reported", c.cfg.BaseURL))
		})
	} else {
		c.log.LogWarn(fmt.Sprintf("mirror %s failed (%s): %v", f.Stage, f.Kind, f.Err))
	}

	c.hookMu.RLock()
	hook := c.onFailure
	c.hookMu.RUnlock()
	if hook != nil {
		hook(f)
	}
}

// Wait blocks until every queued request has finished.
func (c *Client) Wait() {
	if c.pool != nil {
		c.pool.Wait()
	}
}

// Close stops the client's own pool after in-flight requests finish or
// ctx ends. A pool passed with WithPool is left running.
func (c *Client) Close(ctx context.Context) error {
	if c.pool == nil || !c.ownsPool {
		return nil
	}
	if err := c.pool.Close(ctx); err != nil && err != dispatch.ErrClosed {
		return err
	}
	return nil
}

func orEmpty(d models.Data) models.Data {
	if d == nil {
		return models.Data{}
	}
	return d
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
