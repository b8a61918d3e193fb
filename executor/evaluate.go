package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/caffeineduck/evaljs/engine"
	"github.com/caffeineduck/evaljs/marshal"
)

// Result holds the converted value and metadata of one evaluation.
//
// Valid is false when the script produced no host value: undefined, null,
// or a kind without a host form (symbol, function, external, bigint). That
// is not an error.
type Result struct {
	Value    string
	Valid    bool
	Kind     engine.Kind
	Duration time.Duration
	Error    error
}

// Evaluate runs script in the session and converts its completion value.
// Numbers are converted through ToInt32, so fractions are truncated. Objects
// come back as JSON text.
//
// A failing script leaves the session usable.
func (e *Executor) Evaluate(ctx context.Context, id SessionID, script string) Result {
	start := time.Now()

	s, ok := e.sessions.get(id)
	if !ok {
		e.logger.Warn("evaluate: session not found", zap.Stringer("session", id))
		return Result{Error: fmt.Errorf("%w: %s", ErrSessionNotFound, id), Duration: time.Since(start)}
	}

	res := s.evaluate(ctx, script)
	res.Duration = time.Since(start)
	return res
}

// Run evaluates script in a throw-away session.
func (e *Executor) Run(ctx context.Context, script string, opts ...Option) Result {
	start := time.Now()

	cfg := defaultRunConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	sessionOpts := append([]SessionOption{WithSessionTimeout(cfg.timeout)}, cfg.session...)
	id, err := e.CreateSession(ctx, sessionOpts...)
	if err != nil {
		return Result{Error: err, Duration: time.Since(start)}
	}
	defer e.DisposeSession(id)

	res := e.Evaluate(ctx, id, script)
	res.Duration = time.Since(start)
	return res
}

func (s *Session) evaluate(ctx context.Context, src string) (res Result) {
	src, err := marshal.Script(src)
	if err != nil {
		return Result{Error: fmt.Errorf("%w: %w", ErrArgumentMarshaling, err)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Disposed between lookup and lock.
	if s.closed {
		return Result{Error: fmt.Errorf("%w: %s", ErrSessionNotFound, s.id)}
	}

	if s.cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.timeout)
		defer cancel()
	}

	hs, err := s.context.OpenHandleScope()
	if err != nil {
		return Result{Error: fmt.Errorf("%w: %w", ErrExecution, err)}
	}
	defer func() {
		if err := hs.Close(); err != nil {
			s.logger.Warn("close handle scope", zap.Stringer("session", s.id), zap.Error(err))
			if res.Error == nil {
				res = Result{Error: fmt.Errorf("%w: %w", ErrExecution, err)}
			}
		}
	}()

	script, err := s.context.Compile(ctx, fmt.Sprintf("session-%s.js", s.id), src)
	if err != nil {
		return Result{Error: s.engineError(ctx, err)}
	}
	defer script.Release()

	v, err := s.context.Run(ctx, script)
	if err != nil {
		return Result{Error: s.engineError(ctx, err)}
	}

	res.Kind = v.Kind()
	out, valid, err := marshal.ToHost(v)
	if err != nil {
		return Result{Kind: res.Kind, Error: fmt.Errorf("%w: convert %s result: %w", ErrExecution, res.Kind, err)}
	}
	if !res.Kind.Convertible() && res.Kind != engine.Undefined && res.Kind != engine.Null {
		s.logger.Warn("unsupported result type", zap.Stringer("session", s.id), zap.Stringer("kind", res.Kind))
	}
	res.Value = out
	res.Valid = valid
	return res
}

// engineError maps engine failures onto the executor's error taxonomy.
func (s *Session) engineError(ctx context.Context, err error) error {
	var syntax *engine.SyntaxError
	if errors.As(err, &syntax) {
		return fmt.Errorf("%w: %w", ErrCompilation, err)
	}
	if errors.Is(err, engine.ErrInterrupted) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: timeout after %v: %w", ErrExecution, s.cfg.timeout, err)
	}
	return fmt.Errorf("%w: %w", ErrExecution, err)
}
