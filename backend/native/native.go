// Package native runs script on goja, a JavaScript VM written in Go.
package native

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"reflect"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/caffeineduck/evaljs/engine"
	"github.com/caffeineduck/evaljs/hostfunc"
)

const Name = "native"

// prelude wires console.* to the consoleinfo callback when one is installed.
const prelude = `(function (g) {
	if (typeof g.consoleinfo !== "function") return;
	var log = function () { g.consoleinfo.apply(null, arguments); };
	g.console = { log: log, info: log, warn: log, error: log, debug: log };
})(this);`

type Option func(*Engine)

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// Engine creates goja instances. It holds no runtime of its own; the global
// state is the compiled prelude shared by every instance.
type Engine struct {
	logger *zap.Logger

	once    sync.Once
	initErr error
	prelude *goja.Program
}

func New(opts ...Option) *Engine {
	e := &Engine{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Name() string { return Name }

func (e *Engine) Initialize(ctx context.Context) error {
	e.once.Do(func() {
		p, err := goja.Compile("prelude.js", prelude, false)
		if err != nil {
			e.initErr = fmt.Errorf("compile prelude: %w", err)
			return
		}
		e.prelude = p
	})
	return e.initErr
}

func (e *Engine) NewInstance(ctx context.Context) (engine.Instance, error) {
	if e.prelude == nil {
		return nil, errors.New("native: engine not initialized")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &instance{engine: e, rt: goja.New()}, nil
}

func (e *Engine) Close(ctx context.Context) error { return nil }

type instance struct {
	engine *Engine
	rt     *goja.Runtime
	depth  engine.Depth
	ctx    *scriptContext
	closed bool
}

func (i *instance) OpenScope() (engine.Scope, error) {
	if i.closed {
		return nil, engine.ErrScopeClosed
	}
	level := i.depth.Push()
	return engine.ScopeFunc(func() error { return i.depth.Pop(level) }), nil
}

// NewContext installs funcs as globals. A goja runtime has a single global
// object, so an instance carries at most one context.
func (i *instance) NewContext(ctx context.Context, funcs []hostfunc.Descriptor) (engine.Context, error) {
	if i.closed {
		return nil, engine.ErrScopeClosed
	}
	if i.ctx != nil {
		return nil, errors.New("native: instance already has a context")
	}

	c := &scriptContext{inst: i, rt: i.rt, logger: i.engine.logger}
	for _, d := range funcs {
		if d.Fn == nil {
			continue
		}
		if err := i.rt.Set(d.Name, c.wrap(d.Name, d.Fn)); err != nil {
			return nil, fmt.Errorf("install %s: %w", d.Name, err)
		}
	}
	if _, err := i.rt.RunProgram(i.engine.prelude); err != nil {
		return nil, fmt.Errorf("run prelude: %w", err)
	}

	stringify, ok := goja.AssertFunction(i.rt.Get("JSON").ToObject(i.rt).Get("stringify"))
	if !ok {
		return nil, errors.New("native: JSON.stringify is not callable")
	}
	c.stringify = stringify

	i.ctx = c
	return c, nil
}

func (i *instance) Close() error {
	if i.closed {
		return nil
	}
	if n := i.depth.Open(); n != 0 {
		return fmt.Errorf("native: instance closed with %d open scopes", n)
	}
	if i.ctx != nil && !i.ctx.closed {
		return errors.New("native: instance closed before its context")
	}
	i.closed = true
	i.rt = nil
	return nil
}

type scriptContext struct {
	inst      *instance
	rt        *goja.Runtime
	logger    *zap.Logger
	stringify goja.Callable
	depth     engine.Depth
	handle    *handleScope
	runCtx    context.Context
	closed    bool
}

func (c *scriptContext) wrap(name string, fn hostfunc.Func) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		args := make([]any, len(call.Arguments))
		for i, a := range call.Arguments {
			args[i] = a.Export()
		}
		ctx := c.runCtx
		if ctx == nil {
			ctx = context.Background()
		}
		res, err := fn(ctx, args)
		if err != nil {
			c.logger.Debug("host function failed", zap.String("name", name), zap.Error(err))
			panic(c.rt.NewGoError(err))
		}
		return c.rt.ToValue(res)
	}
}

func (c *scriptContext) OpenScope() (engine.Scope, error) {
	if c.closed {
		return nil, engine.ErrScopeClosed
	}
	level := c.depth.Push()
	return engine.ScopeFunc(func() error { return c.depth.Pop(level) }), nil
}

func (c *scriptContext) OpenHandleScope() (engine.Scope, error) {
	if c.closed {
		return nil, engine.ErrScopeClosed
	}
	hs := &handleScope{ctx: c, parent: c.handle, level: c.depth.Push()}
	c.handle = hs
	return hs, nil
}

func (c *scriptContext) Compile(ctx context.Context, name, src string) (engine.Script, error) {
	if c.closed {
		return nil, engine.ErrScopeClosed
	}
	prog, err := goja.Compile(name, src, false)
	if err != nil {
		return nil, &engine.SyntaxError{Message: err.Error()}
	}
	s := &script{prog: prog, scope: c.handle}
	if c.handle != nil {
		c.handle.scripts = append(c.handle.scripts, s)
	}
	return s, nil
}

func (c *scriptContext) Run(ctx context.Context, s engine.Script) (engine.Value, error) {
	if c.closed {
		return nil, engine.ErrScopeClosed
	}
	sc, ok := s.(*script)
	if !ok || sc.prog == nil {
		return nil, errors.New("native: script released or foreign")
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", engine.ErrInterrupted, err)
	}

	interrupted := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		c.rt.Interrupt(engine.ErrInterrupted)
		close(interrupted)
	})
	c.runCtx = ctx

	v, err := c.rt.RunProgram(sc.prog)

	c.runCtx = nil
	if !stop() {
		<-interrupted
		c.rt.ClearInterrupt()
	}

	if err != nil {
		return nil, convertError(err)
	}
	return &value{v: v, kind: kindOf(v), ctx: c, scope: c.handle}, nil
}

func (c *scriptContext) Close() error {
	if c.closed {
		return nil
	}
	if n := c.depth.Open(); n != 0 {
		return fmt.Errorf("native: context closed with %d open scopes", n)
	}
	c.closed = true
	c.stringify = nil
	return nil
}

func convertError(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		// Interrupt is always called with ErrInterrupted itself.
		if v, ok := interrupted.Value().(error); ok && errors.Is(v, engine.ErrInterrupted) {
			return engine.ErrInterrupted
		}
		return fmt.Errorf("%w: %v", engine.ErrInterrupted, interrupted.Value())
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		msg := ex.Error()
		if v := ex.Value(); v != nil {
			msg = v.String()
		}
		return &engine.Exception{Message: msg, Stack: ex.String()}
	}
	return err
}

// handleScope owns the scripts compiled and the values produced while it is
// open. Closing it releases the scripts and invalidates the values.
type handleScope struct {
	ctx     *scriptContext
	parent  *handleScope
	level   int
	scripts []*script
	closed  bool
}

func (h *handleScope) Close() error {
	if h.closed {
		return nil
	}
	if err := h.ctx.depth.Pop(h.level); err != nil {
		return err
	}
	for _, s := range h.scripts {
		s.Release()
	}
	h.scripts = nil
	h.closed = true
	h.ctx.handle = h.parent
	return nil
}

type script struct {
	prog  *goja.Program
	scope *handleScope
}

func (s *script) Release() error {
	s.prog = nil
	return nil
}

type value struct {
	v     goja.Value
	kind  engine.Kind
	ctx   *scriptContext
	scope *handleScope
}

func (v *value) Kind() engine.Kind { return v.kind }
func (v *value) Bool() bool        { return v.v.ToBoolean() }
func (v *value) Float() float64    { return v.v.ToFloat() }
func (v *value) String() string    { return v.v.String() }

func (v *value) Stringify() (string, bool, error) {
	if v.ctx.closed || (v.scope != nil && v.scope.closed) {
		return "", false, engine.ErrScopeClosed
	}
	res, err := v.ctx.stringify(goja.Undefined(), v.v)
	if err != nil {
		return "", false, convertError(err)
	}
	if res == nil || goja.IsUndefined(res) {
		return "", false, nil
	}
	return res.String(), true, nil
}

var (
	bigIntType = reflect.TypeOf((*big.Int)(nil))
	timeType   = reflect.TypeOf(time.Time{})
	gojaPkg    = reflect.TypeOf((*goja.Object)(nil)).Elem().PkgPath()
)

func kindOf(v goja.Value) engine.Kind {
	if v == nil || goja.IsUndefined(v) {
		return engine.Undefined
	}
	if goja.IsNull(v) {
		return engine.Null
	}
	if _, ok := v.(*goja.Symbol); ok {
		return engine.Symbol
	}
	if obj, ok := v.(*goja.Object); ok {
		if _, ok := goja.AssertFunction(obj); ok {
			return engine.Function
		}
		if isExternal(obj.ExportType()) {
			return engine.External
		}
		return engine.Object
	}

	t := v.ExportType()
	if t == nil {
		return engine.Undefined
	}
	if t == bigIntType {
		return engine.BigInt
	}
	switch t.Kind() {
	case reflect.Bool:
		return engine.Boolean
	case reflect.String:
		return engine.String
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return engine.Number
	}
	return engine.External
}

// isExternal reports whether t is a Go value wrapped by the runtime rather
// than a script object.
func isExternal(t reflect.Type) bool {
	if t == nil {
		return false
	}
	switch t.Kind() {
	case reflect.Struct:
		return t != timeType && t.PkgPath() != gojaPkg
	case reflect.Pointer:
		if t == bigIntType {
			return false
		}
		return t.Elem().Kind() == reflect.Struct && t.Elem().PkgPath() != gojaPkg
	}
	return false
}
