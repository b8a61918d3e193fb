package executor

import (
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/caffeineduck/evaljs/engine"
	"github.com/caffeineduck/evaljs/hostfunc"
)

// DefaultTimeout bounds a single evaluation unless a session overrides it.
const DefaultTimeout = 30 * time.Second

// ExecutorOption configures the Executor at creation time.
type ExecutorOption func(*executorConfig)

type executorConfig struct {
	engine     engine.Engine
	logger     *zap.Logger
	precompile bool
}

func defaultExecutorConfig() executorConfig {
	return executorConfig{logger: zap.NewNop()}
}

// WithEngine selects the engine backend. The default is the native goja
// backend.
func WithEngine(e engine.Engine) ExecutorOption {
	return func(c *executorConfig) {
		c.engine = e
	}
}

func WithLogger(l *zap.Logger) ExecutorOption {
	return func(c *executorConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithPrecompile initializes the engine in New instead of on the first
// CreateSession. This moves the startup cost out of the first request.
func WithPrecompile() ExecutorOption {
	return func(c *executorConfig) {
		c.precompile = true
	}
}

// Option configures a stateless Run.
type Option func(*runConfig)

type runConfig struct {
	timeout time.Duration
	session []SessionOption
}

func defaultRunConfig() runConfig {
	return runConfig{timeout: DefaultTimeout}
}

// WithTimeout sets the maximum execution time.
func WithTimeout(d time.Duration) Option {
	return func(c *runConfig) {
		c.timeout = d
	}
}

// WithSessionOptions applies session options to the throw-away session used
// by Run.
func WithSessionOptions(opts ...SessionOption) Option {
	return func(c *runConfig) {
		c.session = append(c.session, opts...)
	}
}

// SessionOption configures one session.
type SessionOption func(*sessionConfig)

type sessionConfig struct {
	timeout    time.Duration
	kv         bool
	kvOptions  []hostfunc.KVOption
	console    io.Writer
	resultSink func(args []any)
	funcs      []hostfunc.Descriptor
}

func defaultSessionConfig() sessionConfig {
	return sessionConfig{timeout: DefaultTimeout}
}

// WithSessionTimeout bounds every evaluation in the session. Zero disables
// the bound.
func WithSessionTimeout(d time.Duration) SessionOption {
	return func(c *sessionConfig) {
		c.timeout = d
	}
}

// WithSessionKV gives the session its own key-value store, exposed as
// kv_get, kv_set, kv_delete and kv_keys.
func WithSessionKV(opts ...hostfunc.KVOption) SessionOption {
	return func(c *sessionConfig) {
		c.kv = true
		c.kvOptions = append(c.kvOptions, opts...)
	}
}

// WithSessionConsole copies console output of the session to w.
func WithSessionConsole(w io.Writer) SessionOption {
	return func(c *sessionConfig) {
		c.console = w
	}
}

// WithSessionCallback installs onJSResultCallback, handing its arguments to
// fn.
func WithSessionCallback(fn func(args []any)) SessionOption {
	return func(c *sessionConfig) {
		c.resultSink = fn
	}
}

// WithSessionFunc adds a callback visible only to this session.
func WithSessionFunc(name string, fn hostfunc.Func) SessionOption {
	return func(c *sessionConfig) {
		c.funcs = append(c.funcs, hostfunc.Descriptor{Name: name, Fn: fn})
	}
}
