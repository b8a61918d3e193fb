package bridge

import (
	"context"
	"sync"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"
	"github.com/dop251/goja_nodejs/require"
	"go.uber.org/zap"
)

// ThreadModule is the name host scripts require to reach the bridge.
//
//	const { startThread } = require("evaljs:thread");
//	startThread(function (a, b) { return a + b }, 1, 2).then(ok => ...);
const ThreadModule = "evaljs:thread"

type HostOption func(*Host)

func WithHostLogger(l *zap.Logger) HostOption {
	return func(h *Host) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithModule registers an additional native module on the host runtime.
func WithModule(name string, loader require.ModuleLoader) HostOption {
	return func(h *Host) {
		h.modules[name] = loader
	}
}

// Host is the host's single logical thread: a goja event loop with the
// require registry enabled. It implements Dispatcher.
type Host struct {
	loop    *eventloop.EventLoop
	bridge  *Bridge
	logger  *zap.Logger
	modules map[string]require.ModuleLoader

	mu      sync.RWMutex
	started bool
	stopped bool
}

func NewHost(opts ...HostOption) *Host {
	h := &Host{
		logger:  zap.NewNop(),
		modules: make(map[string]require.ModuleLoader),
	}
	for _, opt := range opts {
		opt(h)
	}

	registry := require.NewRegistry()
	registry.RegisterNativeModule(ThreadModule, h.threadModule)
	for name, loader := range h.modules {
		registry.RegisterNativeModule(name, loader)
	}

	h.loop = eventloop.NewEventLoop(eventloop.WithRegistry(registry))
	h.bridge = New(h, WithLogger(h.logger))
	return h
}

func (h *Host) Bridge() *Bridge { return h.bridge }

// Start runs the loop on its own goroutine.
func (h *Host) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started || h.stopped {
		return
	}
	h.started = true
	h.loop.Start()
}

// Stop halts the loop. Dispatches after Stop are refused and invocations
// still waiting for the loop fail with ErrDispatch.
func (h *Host) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	started := h.started
	h.mu.Unlock()

	if started {
		h.loop.Stop()
	}
	h.bridge.abort(ErrDispatch)
}

// RunOnLoop implements Dispatcher.
func (h *Host) RunOnLoop(fn func(*goja.Runtime)) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.stopped {
		return false
	}
	h.loop.RunOnLoop(fn)
	return true
}

// Eval runs src on the loop from the calling goroutine and waits for its
// completion value. A promise result is awaited.
func (h *Host) Eval(ctx context.Context, name, src string) Outcome {
	f := h.bridge.RunOnHostThread(func(rt *goja.Runtime, _ []goja.Value) (goja.Value, error) {
		return rt.RunScript(name, src)
	})
	if _, err := f.Await(ctx); err != nil {
		return Outcome{Err: err}
	}
	return f.Outcome()
}

func (h *Host) threadModule(rt *goja.Runtime, module *goja.Object) {
	exports := module.Get("exports").(*goja.Object)
	exports.Set("startThread", func(call goja.FunctionCall) goja.Value {
		fn, err := Script(call.Argument(0))
		if err != nil {
			panic(rt.NewTypeError("startThread: first argument must be a function"))
		}

		var args []any
		if len(call.Arguments) > 1 {
			args = make([]any, 0, len(call.Arguments)-1)
			for _, a := range call.Arguments[1:] {
				args = append(args, a.Export())
			}
		}

		promise, resolve, _ := rt.NewPromise()
		f := h.bridge.RunOnHostThread(fn, args...)
		go func() {
			ok := f.Outcome().OK
			h.RunOnLoop(func(rt *goja.Runtime) {
				resolve(ok)
				// Run the promise reactions now; resolve alone only queues them.
				rt.RunString("")
			})
		}()
		return rt.ToValue(promise)
	})
}
