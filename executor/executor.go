package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/caffeineduck/evaljs/backend/native"
	"github.com/caffeineduck/evaljs/engine"
	"github.com/caffeineduck/evaljs/hostfunc"
)

// Executor creates, evaluates in and disposes sessions of one engine.
// It is safe for concurrent use. Evaluations on different sessions run in
// parallel; evaluations on one session are serialized.
type Executor struct {
	engine   engine.Engine
	registry *hostfunc.Registry
	logger   *zap.Logger
	sessions *registry

	initOnce sync.Once
	initErr  error

	mu     sync.RWMutex
	closed bool
}

// New creates an Executor. Functions in registry are installed into every
// session created afterwards; registry may be nil.
func New(registry *hostfunc.Registry, opts ...ExecutorOption) (*Executor, error) {
	cfg := defaultExecutorConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.engine == nil {
		cfg.engine = native.New(native.WithLogger(cfg.logger))
	}

	e := &Executor{
		engine:   cfg.engine,
		registry: registry,
		logger:   cfg.logger,
		sessions: newRegistry(),
	}

	if cfg.precompile {
		if err := e.initialize(context.Background()); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Engine returns the name of the engine backend.
func (e *Executor) Engine() string { return e.engine.Name() }

// initialize runs the engine's global setup once. A failure is kept and
// reported to every later caller.
func (e *Executor) initialize(ctx context.Context) error {
	e.initOnce.Do(func() {
		if err := e.engine.Initialize(ctx); err != nil {
			e.initErr = fmt.Errorf("%w: %s engine: %w", ErrInitialization, e.engine.Name(), err)
			e.logger.Error("engine initialization failed", zap.Error(err))
			return
		}
		e.logger.Debug("engine initialized", zap.String("engine", e.engine.Name()))
	})
	return e.initErr
}

// CreateSession builds a new session and returns its ID. The first call
// initializes the engine.
func (e *Executor) CreateSession(ctx context.Context, opts ...SessionOption) (SessionID, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return 0, ErrClosed
	}

	if err := e.initialize(ctx); err != nil {
		return 0, err
	}

	cfg := defaultSessionConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	s, err := newSession(ctx, e.engine, e.buildTable(cfg), cfg, e.logger)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInitialization, err)
	}

	id := e.sessions.add(s)
	e.logger.Debug("session created", zap.Stringer("session", id))
	return id, nil
}

// DisposeSession tears a session down. Unknown IDs are logged at warn and
// otherwise ignored, so disposing twice is a no-op. The only errors are
// teardown failures; the session is gone even then.
func (e *Executor) DisposeSession(id SessionID) error {
	s, ok := e.sessions.remove(id)
	if !ok {
		e.logger.Warn("dispose: session not found", zap.Stringer("session", id))
		return nil
	}

	if err := s.close(); err != nil {
		e.logger.Warn("dispose: release failed", zap.Stringer("session", id), zap.Error(err))
		return err
	}
	e.logger.Debug("session disposed", zap.Stringer("session", id))
	return nil
}

// Sessions returns the IDs of the live sessions in ascending order.
func (e *Executor) Sessions() []SessionID {
	return e.sessions.ids()
}

// Close disposes every session and releases the engine.
func (e *Executor) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	var result *multierror.Error
	for _, id := range e.sessions.ids() {
		if s, ok := e.sessions.remove(id); ok {
			if err := s.close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("session %s: %w", id, err))
			}
		}
	}
	if err := e.engine.Close(context.Background()); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
