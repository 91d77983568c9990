package fathom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Default knob values. Every one can be overridden with an option and,
// for applications, loaded from TOML via internal/config.
const (
	defaultMaxSteps        = 50
	defaultModelAttempts   = 3
	defaultModelRetryDelay = time.Second
	defaultModelTimeout    = 60 * time.Second
	defaultToolTimeout     = 30 * time.Second
	defaultTurnTimeout     = 5 * time.Minute
)

// ErrTurnInProgress is returned when Invoke is called while another turn
// on the same agent is still running. Turns never queue.
var ErrTurnInProgress = errors.New("turn already in progress")

// agentConfig collects option values before construction.
type agentConfig struct {
	tools        []ToolDescriptor
	subAgents    []SubAgentSpec
	initialState *InitialState

	store     SessionStore
	sessionID string

	maxParallel     int
	globalCap       int
	globalCapSet    bool
	maxSteps        int
	modelAttempts   int
	modelRetryDelay time.Duration
	modelTimeout    time.Duration
	toolTimeout     time.Duration
	turnTimeout     time.Duration
	maxTokens       int

	consent       ConsentHook
	bypassConsent bool
	logger        *slog.Logger
	tracer        Tracer
}

// AgentOption configures New.
type AgentOption func(*agentConfig)

// WithTools adds custom tool descriptors alongside the built-in planning
// and filesystem tools.
func WithTools(descs ...ToolDescriptor) AgentOption {
	return func(c *agentConfig) { c.tools = append(c.tools, descs...) }
}

// WithSubAgents enables delegation. The task tool is registered on the
// lead, and a general_purpose sub-agent is always compiled alongside the
// given specs. Call with no arguments to enable delegation with only
// general_purpose available.
func WithSubAgents(specs ...SubAgentSpec) AgentOption {
	return func(c *agentConfig) {
		if c.subAgents == nil {
			c.subAgents = []SubAgentSpec{}
		}
		c.subAgents = append(c.subAgents, specs...)
	}
}

// WithState seeds the agent's todos, files, and scratch values. Ignored
// when a session record is loaded (the persisted state wins).
func WithState(init InitialState) AgentOption {
	return func(c *agentConfig) { c.initialState = &init }
}

// WithSession attaches a session store. New loads the record for
// sessionID (holding it exclusively until Close) and every completed
// turn is saved back.
func WithSession(store SessionStore, sessionID string) AgentOption {
	return func(c *agentConfig) {
		c.store = store
		c.sessionID = sessionID
	}
}

// WithMaxParallelTools caps concurrent tool handlers per batch (default 4).
func WithMaxParallelTools(n int) AgentOption {
	return func(c *agentConfig) { c.maxParallel = n }
}

// WithGlobalToolCap caps in-flight tool handlers across the lead and all
// nested sub-agents combined. Defaults to the per-batch limit; n <= 0
// disables the shared cap.
func WithGlobalToolCap(n int) AgentOption {
	return func(c *agentConfig) {
		c.globalCap = n
		c.globalCapSet = true
	}
}

// WithMaxSteps caps model requests per turn (default 50). When the budget
// runs out, the turn ends with StopStepBudget.
func WithMaxSteps(n int) AgentOption {
	return func(c *agentConfig) { c.maxSteps = n }
}

// WithModelRetries sets the total attempts per model request on transient
// failures (default 3).
func WithModelRetries(n int) AgentOption {
	return func(c *agentConfig) { c.modelAttempts = n }
}

// WithModelRetryDelay sets the base backoff delay between model retries
// (default 1s). Each retry doubles it, plus jitter.
func WithModelRetryDelay(d time.Duration) AgentOption {
	return func(c *agentConfig) { c.modelRetryDelay = d }
}

// WithModelTimeout sets the per-attempt deadline for model requests
// (default 60s). Zero disables it.
func WithModelTimeout(d time.Duration) AgentOption {
	return func(c *agentConfig) { c.modelTimeout = d }
}

// WithToolTimeout sets the per-call deadline for tool handlers (default
// 30s). A timed-out call becomes an error tool result. Zero disables it.
func WithToolTimeout(d time.Duration) AgentOption {
	return func(c *agentConfig) { c.toolTimeout = d }
}

// WithTurnTimeout sets the whole-turn deadline (default 5m). An expired
// turn fails with *TurnTimeoutError. Zero disables it.
func WithTurnTimeout(d time.Duration) AgentOption {
	return func(c *agentConfig) { c.turnTimeout = d }
}

// WithMaxTokens caps the model's response length per request.
func WithMaxTokens(n int) AgentOption {
	return func(c *agentConfig) { c.maxTokens = n }
}

// WithConsentHook installs a hook invoked before every tool handler. A
// returned error denies the call and surfaces as an error tool result.
func WithConsentHook(h ConsentHook) AgentOption {
	return func(c *agentConfig) { c.consent = h }
}

// WithBypassConsent disables the consent hook even when one is set.
func WithBypassConsent() AgentOption {
	return func(c *agentConfig) { c.bypassConsent = true }
}

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(l *slog.Logger) AgentOption {
	return func(c *agentConfig) { c.logger = l }
}

// WithTracer sets the tracer. The observer package provides an
// OTEL-backed one. Nil skips span creation.
func WithTracer(t Tracer) AgentOption {
	return func(c *agentConfig) { c.tracer = t }
}

func buildConfig(opts []AgentOption) agentConfig {
	cfg := agentConfig{
		maxParallel:     defaultMaxParallelTools,
		maxSteps:        defaultMaxSteps,
		modelAttempts:   defaultModelAttempts,
		modelRetryDelay: defaultModelRetryDelay,
		modelTimeout:    defaultModelTimeout,
		toolTimeout:     defaultToolTimeout,
		turnTimeout:     defaultTurnTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = nopLogger
	}
	if cfg.bypassConsent {
		cfg.consent = nil
	}
	return cfg
}

// Agent is a deep agent instance: a lead reasoner plus its tools, state,
// sub-agents, and optional session persistence. Construct with New; one
// Agent runs one turn at a time.
type Agent struct {
	instructions string
	model        ModelClient
	registry     *Registry
	subAgents    map[string]*subAgentConfig

	transcript *Transcript
	state      *State

	maxParallel     int
	globalSem       chan struct{}
	maxSteps        int
	modelAttempts   int
	modelRetryDelay time.Duration
	modelTimeout    time.Duration
	toolTimeout     time.Duration
	turnTimeout     time.Duration
	maxTokens       int

	consent ConsentHook
	logger  *slog.Logger
	tracer  Tracer

	store            SessionStore
	sessionID        string
	sessionCreatedAt time.Time

	turnMu sync.Mutex
	turn   int
}

// New constructs an agent. instructions is the lead's system prompt;
// model is the provider client (wrap with WithRetry / WithRateLimit as
// needed). When a session store is configured, New loads and holds the
// session; release it with Close.
func New(instructions string, model ModelClient, opts ...AgentOption) (*Agent, error) {
	if model == nil {
		return nil, fmt.Errorf("fathom: nil model client")
	}
	cfg := buildConfig(opts)

	a := &Agent{
		instructions:    instructions,
		model:           model,
		maxParallel:     cfg.maxParallel,
		maxSteps:        cfg.maxSteps,
		modelAttempts:   cfg.modelAttempts,
		modelRetryDelay: cfg.modelRetryDelay,
		modelTimeout:    cfg.modelTimeout,
		toolTimeout:     cfg.toolTimeout,
		turnTimeout:     cfg.turnTimeout,
		maxTokens:       cfg.maxTokens,
		consent:         cfg.consent,
		logger:          cfg.logger,
		tracer:          cfg.tracer,
	}

	globalCap := cfg.maxParallel
	if cfg.globalCapSet {
		globalCap = cfg.globalCap
	}
	if globalCap > 0 {
		a.globalSem = make(chan struct{}, globalCap)
	}

	// Built-in tools first, then the caller's.
	registry := NewRegistry()
	if err := registry.RegisterAll(planningTools()...); err != nil {
		return nil, err
	}
	if err := registry.RegisterAll(fileTools()...); err != nil {
		return nil, err
	}
	if err := registry.RegisterAll(cfg.tools...); err != nil {
		return nil, err
	}
	a.registry = registry

	// Compile sub-agents from the pre-task tool set, then register task.
	if cfg.subAgents != nil {
		subAgents, err := compileSubAgents(cfg.subAgents, compileContext{
			instructions: instructions,
			tools:        registry.Descriptors(),
			model:        model,
			maxSteps:     cfg.maxSteps,
		})
		if err != nil {
			return nil, err
		}
		a.subAgents = subAgents
		if err := registry.Register(a.taskToolDescriptor()); err != nil {
			return nil, err
		}
	}

	if err := a.initSessionAndState(cfg); err != nil {
		return nil, err
	}
	return a, nil
}

// initSessionAndState wires the transcript and state, loading the session
// record when a store is configured.
func (a *Agent) initSessionAndState(cfg agentConfig) error {
	if cfg.store == nil {
		a.transcript = NewTranscript()
		state, err := initialOrEmptyState(cfg.initialState)
		if err != nil {
			return err
		}
		a.state = state
		return nil
	}

	if cfg.sessionID == "" {
		return fmt.Errorf("fathom: session store configured with empty session id")
	}
	a.store = cfg.store
	a.sessionID = cfg.sessionID

	rec, err := cfg.store.Load(context.Background(), cfg.sessionID)
	switch {
	case errors.Is(err, ErrSessionNotFound):
		a.transcript = NewTranscript()
		state, serr := initialOrEmptyState(cfg.initialState)
		if serr != nil {
			return serr
		}
		a.state = state
		a.logger.Info("session created", "session_id", cfg.sessionID)
		return nil
	case err != nil:
		return err
	}

	transcript, state, err := restoreSession(rec)
	if err != nil {
		// The lock was acquired by Load; give it back on a bad record.
		_ = cfg.store.Release(context.Background(), cfg.sessionID)
		return err
	}
	a.transcript = transcript
	a.state = state
	a.sessionCreatedAt = rec.CreatedAt
	a.turn = countUserTurns(rec.Messages)
	a.logger.Info("session restored",
		"session_id", cfg.sessionID,
		"messages", len(rec.Messages))
	return nil
}

func initialOrEmptyState(init *InitialState) (*State, error) {
	if init == nil {
		return NewState(), nil
	}
	return NewStateFrom(*init)
}

// countUserTurns counts plain user messages (not tool-result carriers) to
// restore the turn counter after a session load.
func countUserTurns(msgs []Message) int {
	n := 0
	for _, m := range msgs {
		if m.Role == RoleUser && len(m.ToolResults()) == 0 {
			n++
		}
	}
	return n
}

// Invoke runs one blocking turn and returns the final result.
func (a *Agent) Invoke(ctx context.Context, input string) (Result, error) {
	return a.runTurn(ctx, input, nil)
}

// InvokeStream runs one turn, emitting events on ch as the turn
// progresses. ch is closed when the turn ends.
func (a *Agent) InvokeStream(ctx context.Context, input string, ch chan<- Event) (Result, error) {
	return a.runTurn(ctx, input, ch)
}

func (a *Agent) runTurn(ctx context.Context, input string, ch chan<- Event) (Result, error) {
	safeClose := func() {}
	if ch != nil {
		safeClose = onceClose(ch)
	}
	defer safeClose()

	if !a.turnMu.TryLock() {
		return Result{}, ErrTurnInProgress
	}
	defer a.turnMu.Unlock()

	start := time.Now()
	turnCtx := ctx
	var cancel context.CancelFunc = func() {}
	if a.turnTimeout > 0 {
		turnCtx, cancel = context.WithTimeout(ctx, a.turnTimeout)
	}
	defer cancel()

	var span Span
	if a.tracer != nil {
		turnCtx, span = a.tracer.Start(turnCtx, "agent.turn",
			IntAttr("turn", a.turn+1))
		defer span.End()
	}

	a.turn++
	a.logger.Info("turn started", "turn", a.turn, "session_id", a.sessionID)

	if err := a.transcript.Append(UserTextMessage(input)); err != nil {
		return Result{}, err
	}

	tctx := &ToolContext{
		State:     a.state,
		SessionID: a.sessionID,
		Turn:      a.turn,
		Logger:    a.logger,
		events:    ch,
	}
	exec := &executor{
		registry:    a.registry,
		state:       a.state,
		maxParallel: a.maxParallel,
		toolTimeout: a.toolTimeout,
		globalSem:   a.globalSem,
		consent:     a.consent,
		logger:      a.logger,
		tracer:      a.tracer,
	}
	lcfg := loopConfig{
		name:            "lead",
		model:           a.model,
		system:          a.instructions,
		registry:        a.registry,
		transcript:      a.transcript,
		exec:            exec,
		tctx:            tctx,
		maxSteps:        a.maxSteps,
		modelAttempts:   a.modelAttempts,
		modelRetryDelay: a.modelRetryDelay,
		modelTimeout:    a.modelTimeout,
		maxTokens:       a.maxTokens,
		tracer:          a.tracer,
		logger:          a.logger,
	}

	res, err := runLoop(turnCtx, lcfg, ch)
	if err != nil && a.turnTimeout > 0 && errors.Is(turnCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = &TurnTimeoutError{Elapsed: time.Since(start)}
	}

	if span != nil {
		span.SetAttr(
			IntAttr("tokens.input", res.Usage.InputTokens),
			IntAttr("tokens.output", res.Usage.OutputTokens),
			IntAttr("steps", res.Steps))
		if err != nil {
			span.Error(err)
		}
	}

	if saveErr := a.saveSession(ctx); saveErr != nil {
		a.logger.Error("session save failed", "session_id", a.sessionID, "error", saveErr)
		if err == nil {
			err = saveErr
		}
	}

	a.logger.Info("turn completed",
		"turn", a.turn,
		"status", statusStr(err),
		"stop", string(res.StopReason),
		"steps", res.Steps,
		"duration", time.Since(start),
		"tokens.input", res.Usage.InputTokens,
		"tokens.output", res.Usage.OutputTokens)
	return res, err
}

// saveSession persists the transcript and state. Uses a context detached
// from the turn so a timed-out turn still gets persisted.
func (a *Agent) saveSession(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	rec, err := snapshotSession(a.sessionID, a.transcript, a.state, a.sessionCreatedAt)
	if err != nil {
		return err
	}
	if a.sessionCreatedAt.IsZero() {
		a.sessionCreatedAt = rec.CreatedAt
	}
	return a.store.Save(context.WithoutCancel(ctx), rec)
}

// Close releases the session hold, if any. The agent must not be invoked
// afterwards.
func (a *Agent) Close(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	return a.store.Release(ctx, a.sessionID)
}

// State exposes the agent's live state (todos, files, scratch). Reads
// are safe while a turn is running.
func (a *Agent) State() *State { return a.state }

// Messages returns a copy of the transcript.
func (a *Agent) Messages() []Message { return a.transcript.Messages() }

// SessionID returns the configured session id, or empty.
func (a *Agent) SessionID() string { return a.sessionID }

func statusStr(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
