// Package wasm runs script on QuickJS compiled to a WASI reactor and hosted
// by wazero. Every instance is a separate module instantiation, so instances
// share nothing but the compiled code.
package wasm

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	quickjswasi "github.com/aperturerobotics/go-quickjs-wasi-reactor"
	"github.com/hashicorp/go-multierror"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"

	"github.com/caffeineduck/evaljs/engine"
	"github.com/caffeineduck/evaljs/hostfunc"
)

const Name = "wasm"

// maxLoopTurns bounds how many event loop iterations are run to flush
// pending jobs after each eval.
const maxLoopTurns = 1024

//go:embed prelude.js
var prelude string

var errBroken = errors.New("wasm: instance was closed by an interrupted call")

type Engine struct {
	cfg config

	once     sync.Once
	initErr  error
	runtime  wazero.Runtime
	cache    wazero.CompilationCache
	compiled wazero.CompiledModule

	mu     sync.Mutex
	closed bool
}

func New(opts ...Option) *Engine {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Engine{cfg: cfg}
}

func (e *Engine) Name() string { return Name }

// Initialize creates the wazero runtime, instantiates WASI and compiles the
// QuickJS reactor. It runs once; later calls return the first result.
func (e *Engine) Initialize(ctx context.Context) error {
	e.once.Do(func() {
		e.initErr = e.init(ctx)
	})
	return e.initErr
}

func (e *Engine) init(ctx context.Context) error {
	if e.cfg.diskCache {
		dir := e.cfg.cacheDir
		if dir == "" {
			dir = defaultCacheDir()
		}
		cache, err := wazero.NewCompilationCacheWithDir(dir)
		if err != nil {
			return fmt.Errorf("create disk cache: %w", err)
		}
		e.cache = cache
	}

	rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if e.cache != nil {
		rtConfig = rtConfig.WithCompilationCache(e.cache)
	}
	if e.cfg.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(e.cfg.memoryLimitPages)
	}

	e.runtime = wazero.NewRuntimeWithConfig(ctx, rtConfig)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, e.runtime); err != nil {
		e.Close(ctx)
		return fmt.Errorf("instantiate WASI: %w", err)
	}

	compiled, err := e.runtime.CompileModule(ctx, quickjswasi.QuickJSWASM)
	if err != nil {
		e.Close(ctx)
		return fmt.Errorf("compile %s: %w", quickjswasi.QuickJSWASMFilename, err)
	}
	e.compiled = compiled

	e.cfg.logger.Debug("wasm engine initialized", zap.Bool("disk_cache", e.cache != nil))
	return nil
}

func (e *Engine) NewInstance(ctx context.Context) (engine.Instance, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed || e.compiled == nil {
		return nil, errors.New("wasm: engine not initialized")
	}

	stdinReader, stdinWriter := io.Pipe()
	i := &instance{
		logger:      e.cfg.logger,
		stdinReader: stdinReader,
		stdinWriter: stdinWriter,
		stdout:      &syncBuffer{},
	}
	i.protocol = newProtocolHandler(e.cfg.logger, stdinWriter)

	moduleConfig := wazero.NewModuleConfig().
		WithStdout(i.stdout).
		WithStderr(i.protocol).
		WithStdin(stdinReader).
		WithStartFunctions("_initialize").
		WithName("")

	mod, err := e.runtime.InstantiateModule(ctx, e.compiled, moduleConfig)
	if err != nil {
		i.closePipes()
		return nil, fmt.Errorf("instantiate quickjs: %w", err)
	}
	i.mod = mod

	if err := i.bind(); err != nil {
		i.destroy(context.Background())
		return nil, err
	}
	if err := i.boot(ctx); err != nil {
		i.destroy(context.Background())
		return nil, err
	}
	return i, nil
}

func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	var result *multierror.Error
	if e.runtime != nil {
		if err := e.runtime.Close(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if e.cache != nil {
		if err := e.cache.Close(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

type instance struct {
	logger *zap.Logger
	mod    api.Module

	fnInitArgv api.Function
	fnEval     api.Function
	fnLoopOnce api.Function
	fnDestroy  api.Function
	fnMalloc   api.Function
	fnFree     api.Function

	stdinReader *io.PipeReader
	stdinWriter *io.PipeWriter
	stdout      *syncBuffer
	protocol    *protocolHandler

	depth  engine.Depth
	ctx    *scriptContext
	broken bool
	closed bool
}

func (i *instance) bind() error {
	get := func(name string) (api.Function, error) {
		fn := i.mod.ExportedFunction(name)
		if fn == nil {
			return nil, fmt.Errorf("quickjs export %s not found", name)
		}
		return fn, nil
	}

	var err error
	if i.fnInitArgv, err = get(quickjswasi.ExportInitArgv); err != nil {
		return err
	}
	if i.fnEval, err = get(quickjswasi.ExportEval); err != nil {
		return err
	}
	if i.fnLoopOnce, err = get(quickjswasi.ExportLoopOnce); err != nil {
		return err
	}
	if i.fnDestroy, err = get(quickjswasi.ExportDestroy); err != nil {
		return err
	}
	if i.fnMalloc, err = get(quickjswasi.ExportMalloc); err != nil {
		return err
	}
	if i.fnFree, err = get(quickjswasi.ExportFree); err != nil {
		return err
	}
	return nil
}

// boot starts the QuickJS runtime with the std module and loads the prelude.
func (i *instance) boot(ctx context.Context) error {
	args := []string{"qjs", "--std"}
	ptrs := make([]uint32, 0, len(args))
	defer func() {
		for _, p := range ptrs {
			i.free(p)
		}
	}()

	for _, a := range args {
		p, err := i.cstring(ctx, a)
		if err != nil {
			return err
		}
		ptrs = append(ptrs, p)
	}

	argv, err := i.malloc(ctx, uint32(4*len(ptrs)))
	if err != nil {
		return err
	}
	defer i.free(argv)
	for n, p := range ptrs {
		if !i.mod.Memory().WriteUint32Le(argv+uint32(4*n), p) {
			return errors.New("write argv: out of range")
		}
	}

	res, err := i.fnInitArgv.Call(ctx, uint64(len(ptrs)), uint64(argv))
	if err != nil {
		return fmt.Errorf("qjs init: %w", err)
	}
	if rc := api.DecodeI32(res[0]); rc != 0 {
		return fmt.Errorf("qjs init returned %d", rc)
	}

	return i.eval(ctx, prelude, "prelude.js")
}

func (i *instance) malloc(ctx context.Context, size uint32) (uint32, error) {
	res, err := i.fnMalloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("malloc: %w", err)
	}
	p := uint32(res[0])
	if p == 0 {
		return 0, errors.New("malloc: out of memory")
	}
	return p, nil
}

func (i *instance) free(p uint32) {
	if p != 0 && !i.broken {
		i.fnFree.Call(context.Background(), uint64(p))
	}
}

// cstring copies s into guest memory with a trailing NUL.
func (i *instance) cstring(ctx context.Context, s string) (uint32, error) {
	p, err := i.malloc(ctx, uint32(len(s)+1))
	if err != nil {
		return 0, err
	}
	buf := make([]byte, len(s)+1)
	copy(buf, s)
	if !i.mod.Memory().Write(p, buf) {
		i.free(p)
		return 0, errors.New("write string: out of range")
	}
	return p, nil
}

// eval runs src as a global script and then drains the job queue.
func (i *instance) eval(ctx context.Context, src, filename string) error {
	if i.broken {
		return errBroken
	}

	code, err := i.cstring(ctx, src)
	if err != nil {
		return err
	}
	defer i.free(code)
	name, err := i.cstring(ctx, filename)
	if err != nil {
		return err
	}
	defer i.free(name)

	res, err := i.fnEval.Call(ctx, uint64(code), uint64(len(src)), uint64(name), 0)
	if err != nil {
		return i.callFailed(ctx, err)
	}
	if rc := api.DecodeI32(res[0]); rc < 0 {
		return fmt.Errorf("qjs eval returned %d", rc)
	}

	for turn := 0; turn < maxLoopTurns; turn++ {
		res, err := i.fnLoopOnce.Call(ctx)
		if err != nil {
			return i.callFailed(ctx, err)
		}
		switch rc := api.DecodeI32(res[0]); {
		case rc == quickjswasi.LoopResultError:
			return errors.New("qjs event loop failed")
		case rc != 0:
			// Idle, or only timers are left.
			return nil
		}
	}
	return nil
}

func (i *instance) callFailed(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		i.broken = true
		return fmt.Errorf("%w: %w", engine.ErrInterrupted, ctx.Err())
	}
	return err
}

// request evaluates a prelude call and returns the message it reports.
func (i *instance) request(ctx context.Context, call string, arg any) (*message, error) {
	encoded, err := json.Marshal(arg)
	if err != nil {
		return nil, err
	}

	i.protocol.begin(ctx)
	err = i.eval(ctx, call+"("+string(encoded)+")", "<eval>")
	msg := i.protocol.take()
	if out := i.stdout.take(); out != "" {
		i.logger.Debug("guest stdout", zap.String("output", out))
	}
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, fmt.Errorf("no reply to %s: %s", call, i.protocol.Stderr())
	}
	return msg, nil
}

func (i *instance) OpenScope() (engine.Scope, error) {
	if i.closed {
		return nil, engine.ErrScopeClosed
	}
	level := i.depth.Push()
	return engine.ScopeFunc(func() error { return i.depth.Pop(level) }), nil
}

// NewContext defines a global stub per descriptor that forwards to the host.
// The module has a single global object, so an instance carries at most one
// context.
func (i *instance) NewContext(ctx context.Context, funcs []hostfunc.Descriptor) (engine.Context, error) {
	if i.closed {
		return nil, engine.ErrScopeClosed
	}
	if i.ctx != nil {
		return nil, errors.New("wasm: instance already has a context")
	}

	names := i.protocol.install(funcs)
	msg, err := i.request(ctx, "__evaljs_install", names)
	if err != nil {
		return nil, err
	}
	if msg.Type != "ok" {
		return nil, fmt.Errorf("install functions: %s", msg.Message)
	}

	i.ctx = &scriptContext{inst: i}
	return i.ctx, nil
}

func (i *instance) Close() error {
	if i.closed {
		return nil
	}
	if n := i.depth.Open(); n != 0 {
		return fmt.Errorf("wasm: instance closed with %d open scopes", n)
	}
	if i.ctx != nil && !i.ctx.closed {
		return errors.New("wasm: instance closed before its context")
	}
	i.closed = true
	return i.destroy(context.Background())
}

func (i *instance) destroy(ctx context.Context) error {
	var result *multierror.Error
	if !i.broken && i.fnDestroy != nil {
		if _, err := i.fnDestroy.Call(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("qjs destroy: %w", err))
		}
	}
	if i.mod != nil {
		if err := i.mod.Close(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	i.closePipes()
	return result.ErrorOrNil()
}

func (i *instance) closePipes() {
	i.stdinReader.Close()
	i.stdinWriter.Close()
}

type scriptContext struct {
	inst   *instance
	depth  engine.Depth
	handle *handleScope
	closed bool
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

// Compile checks src for syntax errors. QuickJS compiles again when the
// script runs.
func (c *scriptContext) Compile(ctx context.Context, name, src string) (engine.Script, error) {
	if c.closed {
		return nil, engine.ErrScopeClosed
	}
	msg, err := c.inst.request(ctx, "__evaljs_check", src)
	if err != nil {
		return nil, err
	}
	if msg.Type == "error" && msg.Phase == "compile" {
		return nil, &engine.SyntaxError{Message: msg.Message}
	}

	s := &script{name: name, src: src, valid: true}
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
	if !ok || !sc.valid {
		return nil, errors.New("wasm: script released or foreign")
	}

	msg, err := c.inst.request(ctx, "__evaljs_run", sc.src)
	if err != nil {
		return nil, err
	}

	switch msg.Type {
	case "error":
		if msg.Phase == "compile" {
			return nil, &engine.SyntaxError{Message: msg.Message}
		}
		return nil, &engine.Exception{Message: msg.Message, Stack: msg.Stack}
	case "result":
		return newValue(msg, c), nil
	}
	return nil, fmt.Errorf("wasm: unexpected reply %q", msg.Type)
}

func (c *scriptContext) Close() error {
	if c.closed {
		return nil
	}
	if n := c.depth.Open(); n != 0 {
		return fmt.Errorf("wasm: context closed with %d open scopes", n)
	}
	c.closed = true
	return nil
}

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
	name  string
	src   string
	valid bool
}

func (s *script) Release() error {
	s.valid = false
	s.src = ""
	return nil
}

type value struct {
	msg   *message
	kind  engine.Kind
	ctx   *scriptContext
	scope *handleScope
}

func newValue(msg *message, c *scriptContext) *value {
	kind, ok := engine.ParseKind(msg.Kind)
	if !ok {
		kind = engine.External
	}
	return &value{msg: msg, kind: kind, ctx: c, scope: c.handle}
}

func (v *value) Kind() engine.Kind { return v.kind }
func (v *value) Bool() bool        { return v.msg.Bool }
func (v *value) String() string    { return v.msg.Text }

func (v *value) Float() float64 {
	if v.msg.Number == nil {
		return 0
	}
	return *v.msg.Number
}

func (v *value) Stringify() (string, bool, error) {
	if v.ctx.closed || (v.scope != nil && v.scope.closed) {
		return "", false, engine.ErrScopeClosed
	}
	if v.msg.StringifyError != "" {
		return "", false, &engine.Exception{Message: v.msg.StringifyError}
	}
	if v.msg.JSON == nil {
		return "", false, nil
	}
	return *v.msg.JSON, true, nil
}

type syncBuffer struct {
	buf bytes.Buffer
	mu  sync.Mutex
}

func (b *syncBuffer) Write(data []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(data)
}

func (b *syncBuffer) take() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.buf.String()
	b.buf.Reset()
	return s
}
