package wasm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caffeineduck/evaljs/engine"
	"github.com/caffeineduck/evaljs/hostfunc"
)

var (
	testEngine     *Engine
	testEngineOnce sync.Once
)

// sharedEngine compiles the QuickJS module once for the whole test binary.
func sharedEngine(t *testing.T) *Engine {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping wasm test in short mode")
	}
	testEngineOnce.Do(func() {
		testEngine = New()
	})
	require.NoError(t, testEngine.Initialize(context.Background()))
	return testEngine
}

func newContext(t *testing.T, funcs ...hostfunc.Descriptor) engine.Context {
	t.Helper()
	e := sharedEngine(t)
	ctx := context.Background()

	inst, err := e.NewInstance(ctx)
	require.NoError(t, err)
	c, err := inst.NewContext(ctx, funcs)
	require.NoError(t, err)
	t.Cleanup(func() {
		c.Close()
		inst.Close()
	})
	return c
}

func eval(t *testing.T, c engine.Context, src string) (engine.Value, error) {
	t.Helper()
	ctx := context.Background()

	hs, err := c.OpenHandleScope()
	require.NoError(t, err)
	defer hs.Close()

	s, err := c.Compile(ctx, "test.js", src)
	if err != nil {
		return nil, err
	}
	defer s.Release()
	return c.Run(ctx, s)
}

func TestWasmKinds(t *testing.T) {
	c := newContext(t)

	tests := []struct {
		src  string
		want engine.Kind
	}{
		{"undefined", engine.Undefined},
		{"null", engine.Null},
		{"true", engine.Boolean},
		{"1+1", engine.Number},
		{"'a'+'b'", engine.String},
		{"({a:1})", engine.Object},
		{"Symbol('x')", engine.Symbol},
		{"(function(){})", engine.Function},
		{"10n", engine.BigInt},
	}

	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			v, err := eval(t, c, tt.src)
			require.NoError(t, err)
			assert.Equal(t, tt.want, v.Kind())
		})
	}
}

func TestWasmValues(t *testing.T) {
	c := newContext(t)

	v, err := eval(t, c, "1+1")
	require.NoError(t, err)
	assert.Equal(t, 2.0, v.Float())

	v, err = eval(t, c, "({a:1})")
	require.NoError(t, err)
	s, ok, err := v.Stringify()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"a":1}`, s)
}

func TestWasmGlobalsPersist(t *testing.T) {
	c := newContext(t)

	_, err := eval(t, c, "var counter = 41")
	require.NoError(t, err)
	v, err := eval(t, c, "counter + 1")
	require.NoError(t, err)
	assert.Equal(t, 42.0, v.Float())
}

func TestWasmErrors(t *testing.T) {
	c := newContext(t)

	_, err := eval(t, c, "1 +")
	var syntax *engine.SyntaxError
	assert.ErrorAs(t, err, &syntax)

	_, err = eval(t, c, "throw new Error('boom')")
	var ex *engine.Exception
	require.ErrorAs(t, err, &ex)
	assert.Contains(t, ex.Message, "boom")
}

func TestWasmHostFunctions(t *testing.T) {
	c := newContext(t, hostfunc.Descriptor{Name: hostfunc.NameAdd, Fn: hostfunc.Add})

	v, err := eval(t, c, "add(2, 3)")
	require.NoError(t, err)
	assert.Equal(t, 5.0, v.Float())
}

func TestWasmInterrupt(t *testing.T) {
	c := newContext(t)

	hs, err := c.OpenHandleScope()
	require.NoError(t, err)
	defer hs.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	s, err := c.Compile(context.Background(), "loop.js", "while (true) {}")
	require.NoError(t, err)
	_, err = c.Run(ctx, s)
	assert.ErrorIs(t, err, engine.ErrInterrupted)
}
