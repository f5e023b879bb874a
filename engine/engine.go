package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hupe1980/researchmesh/agent"
	"github.com/hupe1980/researchmesh/core"
	"github.com/hupe1980/researchmesh/dispatch"
	"github.com/hupe1980/researchmesh/internal/metrics"
	"github.com/hupe1980/researchmesh/logging"
	"github.com/hupe1980/researchmesh/selector"
	"github.com/hupe1980/researchmesh/tool"
)

// ErrNotRunning is returned by Cancel for sessions without an active run.
var ErrNotRunning = errors.New("session is not running in this engine")

// Engine orchestrates research sessions: it repeatedly asks the selector for
// the next speaker, runs that agent's turn (streaming its output and
// dispatching its tool calls) and checkpoints the session after every turn.
//
// Concurrency Model:
//   - one goroutine per running session; turns within a session are strictly
//     sequential
//   - roster, registry and selector are shared read-only between sessions
//   - a session id runs at most once per engine at any time
//   - the session store is the only shared mutable resource
//
// Example Usage:
//
//	eng, err := engine.New(roster, sel, session.NewInMemoryStore(),
//	    engine.WithRegistry(registry),
//	    engine.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//
//	run, err := eng.Start(ctx, "", "Which approved drugs target EGFR?")
//	if err != nil {
//	    return err
//	}
//
//	for ev := range run.Events() {
//	    handleEvent(ev)
//	}
//
//	if err := <-run.Err(); err != nil {
//	    return err
//	}
type Engine struct {
	roster     *agent.Roster
	selector   selector.Selector
	store      core.SessionStore
	registry   *tool.Registry
	dispatcher *dispatch.Dispatcher
	callbacks  *CallbackManager
	logger     logging.Logger
	metrics    *metrics.Metrics

	config Config

	slots chan struct{}

	mu     sync.Mutex
	active map[string]*Run
}

// New creates a new Engine for roster, driven by sel and persisting to store.
func New(
	roster *agent.Roster,
	sel selector.Selector,
	store core.SessionStore,
	optFns ...func(o *Options),
) (*Engine, error) {
	if roster == nil || roster.Len() == 0 {
		return nil, errors.New("engine: roster cannot be empty")
	}

	if sel == nil {
		return nil, errors.New("engine: selector cannot be nil")
	}

	if store == nil {
		return nil, errors.New("engine: session store cannot be nil")
	}

	opts := Options{
		Config: DefaultConfig,
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	cfg := opts.Config
	if cfg.EventBufferSize <= 0 {
		cfg.EventBufferSize = DefaultConfig.EventBufferSize
	}
	if cfg.DefaultMaxToolIterations <= 0 {
		cfg.DefaultMaxToolIterations = DefaultConfig.DefaultMaxToolIterations
	}
	if cfg.CheckpointGrace <= 0 {
		cfg.CheckpointGrace = DefaultConfig.CheckpointGrace
	}
	policy, err := ParseTurnLimitPolicy(string(cfg.TurnLimitPolicy))
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	cfg.TurnLimitPolicy = policy

	if opts.Registry == nil {
		opts.Registry = tool.NewRegistry()
	}

	for _, d := range roster.Descriptors() {
		for _, name := range d.Tools() {
			if !opts.Registry.Has(name) {
				return nil, fmt.Errorf("engine: agent %s uses tool %q missing from the registry", d.Name(), name)
			}
		}
	}

	if opts.Dispatcher == nil {
		opts.Dispatcher = dispatch.New(opts.Registry, func(o *dispatch.Options) {
			o.Logger = opts.Logger
			o.Metrics = opts.Metrics
		})
	}

	e := &Engine{
		roster:     roster,
		selector:   sel,
		store:      store,
		registry:   opts.Registry,
		dispatcher: opts.Dispatcher,
		callbacks:  NewCallbackManager(opts.Logger, opts.Callbacks...),
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		config:     cfg,
		active:     make(map[string]*Run),
	}

	if cfg.MaxConcurrentSessions > 0 {
		e.slots = make(chan struct{}, cfg.MaxConcurrentSessions)
	}

	return e, nil
}

// Roster returns the engine's agent roster.
func (e *Engine) Roster() *agent.Roster { return e.roster }

// Start creates session sessionID (a fresh id when empty) holding query as
// the first user message, checkpoints it and runs it asynchronously.
//
// Immediate errors: ErrSessionActive when the id is running in this engine,
// ErrSessionExists when the id is already stored, store failures.
func (e *Engine) Start(ctx context.Context, sessionID, query string) (*Run, error) {
	if sessionID == "" {
		sessionID = core.NewID()
	}

	run, err := e.register(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	sess := core.NewSession(sessionID)
	sess.Append(core.NewUserMessage(query))

	if err := e.store.Save(ctx, sess); err != nil {
		e.unregister(run)
		if errors.Is(err, core.ErrStoreConflict) {
			return nil, fmt.Errorf("%w: %s", core.ErrSessionExists, sessionID)
		}
		return nil, err
	}

	e.launch(run, sess, "start")

	return run, nil
}

// Resume starts a new run attempt for a cancelled, failed or abandoned
// session. If the last attempt was interrupted mid-turn, the first turn goes
// to the agent at the cursor without consulting the selector.
//
// Immediate errors: ErrSessionNotFound, ErrSessionCompleted, ErrSessionActive,
// ErrInvalidCursor (wrapped in *core.RunError) and store failures.
func (e *Engine) Resume(ctx context.Context, sessionID string) (*Run, error) {
	run, err := e.register(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	sess, err := e.store.Load(ctx, sessionID)
	if err != nil {
		e.unregister(run)
		return nil, err
	}

	if sess.Cursor != "" && !e.roster.Contains(sess.Cursor) {
		e.unregister(run)
		return nil, &core.RunError{
			Kind:      core.ErrorKindInvalidCursor,
			SessionID: sessionID,
			Err:       fmt.Errorf("%w: %q is not a roster member", core.ErrInvalidCursor, sess.Cursor),
		}
	}

	if err := sess.Reopen(); err != nil {
		e.unregister(run)
		return nil, err
	}

	if err := e.store.Save(ctx, sess); err != nil {
		e.unregister(run)
		if errors.Is(err, core.ErrStoreConflict) {
			return nil, fmt.Errorf("%w: %v", core.ErrSessionActive, err)
		}
		return nil, err
	}

	e.launch(run, sess, "resume")

	return run, nil
}

// Cancel signals the running session to stop. The run checkpoints the
// session as cancelled and closes its channels.
func (e *Engine) Cancel(sessionID string) error {
	e.mu.Lock()
	run, ok := e.active[sessionID]
	e.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, sessionID)
	}

	run.cancel()

	return nil
}

// Running reports whether sessionID has an active run in this engine.
func (e *Engine) Running(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[sessionID]
	return ok
}

// RunSync starts a session and blocks until the run ends. It returns the
// final session, every emitted event and the terminal error.
func (e *Engine) RunSync(ctx context.Context, sessionID, query string) (*core.Session, []core.Event, error) {
	run, err := e.Start(ctx, sessionID, query)
	if err != nil {
		return nil, nil, err
	}

	events, err := run.Wait()

	return run.Session(), events, err
}

// ResumeSync resumes a session and blocks until the run ends.
func (e *Engine) ResumeSync(ctx context.Context, sessionID string) (*core.Session, []core.Event, error) {
	run, err := e.Resume(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}

	events, err := run.Wait()

	return run.Session(), events, err
}

// Load returns the stored session.
func (e *Engine) Load(ctx context.Context, sessionID string) (*core.Session, error) {
	return e.store.Load(ctx, sessionID)
}

func (e *Engine) register(ctx context.Context, sessionID string) (*Run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, busy := e.active[sessionID]; busy {
		return nil, fmt.Errorf("%w: %s", core.ErrSessionActive, sessionID)
	}

	runCtx, cancel := context.WithCancel(ctx)

	run := &Run{
		SessionID: sessionID,
		ctx:       runCtx,
		cancel:    cancel,
		events:    make(chan core.Event, e.config.EventBufferSize),
		errs:      make(chan error, 1),
		done:      make(chan struct{}),
	}

	e.active[sessionID] = run

	return run, nil
}

func (e *Engine) unregister(run *Run) {
	e.mu.Lock()
	if e.active[run.SessionID] == run {
		delete(e.active, run.SessionID)
	}
	e.mu.Unlock()
	run.cancel()
}

func (e *Engine) launch(run *Run, sess *core.Session, mode string) {
	run.Attempt = sess.Attempt

	e.metrics.SessionStarted(mode)
	e.logger.Info("engine.session.started",
		"session_id", sess.ID,
		"mode", mode,
		"attempt", sess.Attempt,
		"cursor", sess.Cursor,
		"pending_turn", sess.PendingTurn,
	)

	go e.run(run, sess)
}
