// Package bridge lets any goroutine run a function on the host's single
// logical thread and wait for its outcome, including the settlement of a
// promise the function returns.
//
// The host thread is a goja_nodejs event loop (see [Host]). A worker calls
// [Bridge.Call], which snapshots the arguments, dispatches the call to the
// loop and blocks until the outcome is known:
//
//	host := bridge.NewHost()
//	host.Start()
//	defer host.Stop()
//
//	out := host.Bridge().Call(func(rt *goja.Runtime, args []goja.Value) (goja.Value, error) {
//	    return rt.RunString(`Promise.resolve(42)`)
//	})
//	fmt.Println(out.OK, out.Value) // true 42
//
// There is no timeout on an invocation. A host function whose promise never
// settles blocks the worker until the loop is stopped; [Future.Await] only
// bounds how long a caller is willing to wait.
package bridge

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/caffeineduck/evaljs/marshal"
)

var (
	// ErrDispatch is returned when the host loop refuses an invocation,
	// usually because it is stopping.
	ErrDispatch = errors.New("bridge: dispatch refused")
	// ErrArgumentMarshaling is returned when the arguments cannot be
	// snapshotted. No dispatch happens.
	ErrArgumentMarshaling = errors.New("bridge: argument marshaling failed")
	// ErrNotCallable is returned by Script for values that are not functions.
	ErrNotCallable = errors.New("bridge: value is not callable")
)

// HostFunc runs on the host loop. A returned promise is awaited; a returned
// error or a panic is a failure outcome.
type HostFunc func(rt *goja.Runtime, args []goja.Value) (goja.Value, error)

// Dispatcher queues fn to run on the host loop. It reports false when fn
// will never run. Calls submitted from one goroutine run in order.
type Dispatcher interface {
	RunOnLoop(fn func(*goja.Runtime)) bool
}

// Outcome is the result of one invocation. OK is the success flag; Value
// holds the exported result on success and Err the reason on failure.
type Outcome struct {
	OK    bool
	Value any
	Err   error
}

type Option func(*Bridge)

func WithLogger(l *zap.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

type Bridge struct {
	d      Dispatcher
	logger *zap.Logger

	mu       sync.Mutex
	inflight map[*invocation]struct{}
}

func New(d Dispatcher, opts ...Option) *Bridge {
	b := &Bridge{
		d:        d,
		logger:   zap.NewNop(),
		inflight: make(map[*invocation]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Call runs fn on the host loop and blocks until it has an outcome.
func (b *Bridge) Call(fn HostFunc, args ...any) Outcome {
	inv, err := b.prepare(fn, args)
	if err != nil {
		return Outcome{Err: err}
	}
	return b.dispatch(inv)
}

// RunOnHostThread snapshots args, starts the invocation on a new goroutine
// and returns a handle to its outcome.
func (b *Bridge) RunOnHostThread(fn HostFunc, args ...any) *Future {
	f := newFuture()
	inv, err := b.prepare(fn, args)
	if err != nil {
		f.resolve(Outcome{Err: err})
		return f
	}
	go func() {
		f.resolve(b.dispatch(inv))
	}()
	return f
}

func (b *Bridge) prepare(fn HostFunc, args []any) (*invocation, error) {
	if fn == nil {
		return nil, ErrNotCallable
	}
	snapshot, err := marshal.Snapshot(args)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrArgumentMarshaling, err)
	}
	return newInvocation(fn, snapshot), nil
}

func (b *Bridge) dispatch(inv *invocation) Outcome {
	log := b.logger.With(zap.Stringer("invocation", inv.id))

	b.track(inv)
	inv.setState(Dispatched)
	if !b.d.RunOnLoop(inv.run) {
		b.untrack(inv)
		log.Warn("dispatch refused")
		return Outcome{Err: ErrDispatch}
	}
	log.Debug("dispatched", zap.Int("args", len(inv.args)))

	<-inv.done
	out := inv.outcome
	b.untrack(inv)

	if !b.d.RunOnLoop(func(*goja.Runtime) { inv.complete() }) {
		log.Debug("completion hook not scheduled, loop stopped")
	}
	log.Debug("settled", zap.Bool("ok", out.OK))
	return out
}

// abort fails every invocation still waiting for the loop. It is used once
// the loop has stopped and can no longer settle them.
//
// This is the one place an invocation is settled off the loop goroutine.
// Host.Stop calls it only after loop.Stop has returned, so no loop job can
// touch the invocation concurrently; settle's sync.Once still decides the
// winner if a late continuation raced it.
func (b *Bridge) abort(err error) {
	b.mu.Lock()
	pending := make([]*invocation, 0, len(b.inflight))
	for inv := range b.inflight {
		pending = append(pending, inv)
	}
	b.mu.Unlock()

	for _, inv := range pending {
		if inv.settle(Outcome{Err: err}, inv.State()) {
			b.logger.Warn("invocation aborted", zap.Stringer("invocation", inv.id))
		}
	}
}

func (b *Bridge) track(inv *invocation) {
	b.mu.Lock()
	b.inflight[inv] = struct{}{}
	b.mu.Unlock()
}

func (b *Bridge) untrack(inv *invocation) {
	b.mu.Lock()
	delete(b.inflight, inv)
	b.mu.Unlock()
}

// Pending reports how many invocations are waiting for an outcome.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inflight)
}

// Script adapts a callable script value to a HostFunc. v must belong to the
// runtime the bridge dispatches to.
func Script(v goja.Value) (HostFunc, error) {
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return nil, ErrNotCallable
	}
	return func(rt *goja.Runtime, args []goja.Value) (goja.Value, error) {
		return fn(goja.Undefined(), args...)
	}, nil
}
