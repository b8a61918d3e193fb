package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/caffeineduck/evaljs/engine"
	"github.com/caffeineduck/evaljs/hostfunc"
)

// fakeEngine records lifecycle events so tests can assert ordering without a
// real VM. Failures are injected by event name.
type fakeEngine struct {
	mu     sync.Mutex
	events []string
	fail   map[string]error
	initN  int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{fail: make(map[string]error)}
}

func (f *fakeEngine) record(event string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return f.fail[event]
}

func (f *fakeEngine) failOn(event string, err error) {
	f.mu.Lock()
	f.fail[event] = err
	f.mu.Unlock()
}

func (f *fakeEngine) take() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev := f.events
	f.events = nil
	return ev
}

func (f *fakeEngine) Name() string { return "fake" }

func (f *fakeEngine) Initialize(ctx context.Context) error {
	f.mu.Lock()
	f.initN++
	f.mu.Unlock()
	return f.record("init")
}

func (f *fakeEngine) NewInstance(ctx context.Context) (engine.Instance, error) {
	if err := f.record("new instance"); err != nil {
		return nil, err
	}
	return &fakeInstance{f: f}, nil
}

func (f *fakeEngine) Close(ctx context.Context) error { return f.record("close engine") }

type fakeInstance struct{ f *fakeEngine }

func (i *fakeInstance) OpenScope() (engine.Scope, error) {
	if err := i.f.record("open instance scope"); err != nil {
		return nil, err
	}
	return engine.ScopeFunc(func() error { return i.f.record("close instance scope") }), nil
}

func (i *fakeInstance) NewContext(ctx context.Context, funcs []hostfunc.Descriptor) (engine.Context, error) {
	if err := i.f.record(fmt.Sprintf("new context (%d funcs)", len(funcs))); err != nil {
		return nil, err
	}
	return &fakeContext{f: i.f}, nil
}

func (i *fakeInstance) Close() error { return i.f.record("close instance") }

type fakeContext struct{ f *fakeEngine }

func (c *fakeContext) OpenScope() (engine.Scope, error) {
	if err := c.f.record("open context scope"); err != nil {
		return nil, err
	}
	return engine.ScopeFunc(func() error { return c.f.record("close context scope") }), nil
}

func (c *fakeContext) OpenHandleScope() (engine.Scope, error) {
	c.f.record("open handle scope")
	return engine.ScopeFunc(func() error { return c.f.record("close handle scope") }), nil
}

func (c *fakeContext) Compile(ctx context.Context, name, src string) (engine.Script, error) {
	if err := c.f.record("compile"); err != nil {
		return nil, err
	}
	return fakeScript{c.f, src}, nil
}

func (c *fakeContext) Run(ctx context.Context, s engine.Script) (engine.Value, error) {
	if err := c.f.record("run"); err != nil {
		return nil, err
	}
	src := s.(fakeScript).src
	switch src {
	case "symbol":
		return fakeValue{kind: engine.Symbol}, nil
	case "bad object":
		return fakeValue{kind: engine.Object, err: errors.New("stringify failed")}, nil
	}
	return fakeValue{kind: engine.String, s: src}, nil
}

func (c *fakeContext) Close() error { return c.f.record("close context") }

type fakeScript struct {
	f   *fakeEngine
	src string
}

func (s fakeScript) Release() error { return s.f.record("release script") }

type fakeValue struct {
	kind engine.Kind
	s    string
	err  error
}

func (v fakeValue) Kind() engine.Kind                { return v.kind }
func (v fakeValue) Bool() bool                       { return false }
func (v fakeValue) Float() float64                   { return 0 }
func (v fakeValue) String() string                   { return v.s }
func (v fakeValue) Stringify() (string, bool, error) { return "", false, v.err }
