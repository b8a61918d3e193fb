package native

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caffeineduck/evaljs/engine"
	"github.com/caffeineduck/evaljs/hostfunc"
)

type handle struct{ ID int }

func newContext(t *testing.T, funcs ...hostfunc.Descriptor) (engine.Instance, engine.Context) {
	t.Helper()
	ctx := context.Background()

	e := New()
	require.NoError(t, e.Initialize(ctx))
	inst, err := e.NewInstance(ctx)
	require.NoError(t, err)
	c, err := inst.NewContext(ctx, funcs)
	require.NoError(t, err)
	return inst, c
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

func TestNewInstanceRequiresInitialize(t *testing.T) {
	_, err := New().NewInstance(context.Background())
	assert.Error(t, err)
}

func TestKinds(t *testing.T) {
	_, c := newContext(t, hostfunc.Descriptor{
		Name: "handle",
		Fn: func(ctx context.Context, args []any) (any, error) {
			return &handle{ID: 1}, nil
		},
	})

	tests := []struct {
		src  string
		want engine.Kind
	}{
		{"undefined", engine.Undefined},
		{"null", engine.Null},
		{"true", engine.Boolean},
		{"1+1", engine.Number},
		{"0.5", engine.Number},
		{"'ab'", engine.String},
		{"({a:1})", engine.Object},
		{"[1,2]", engine.Object},
		{"new Date(0)", engine.Object},
		{"Symbol('x')", engine.Symbol},
		{"(function(){})", engine.Function},
		{"handle()", engine.External},
	}

	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			v, err := eval(t, c, tt.src)
			require.NoError(t, err)
			assert.Equal(t, tt.want, v.Kind())
		})
	}
}

func TestStringify(t *testing.T) {
	_, c := newContext(t)
	ctx := context.Background()

	hs, err := c.OpenHandleScope()
	require.NoError(t, err)
	s, err := c.Compile(ctx, "obj.js", "({a:1, b:[true,'x']})")
	require.NoError(t, err)
	v, err := c.Run(ctx, s)
	require.NoError(t, err)

	out, ok, err := v.Stringify()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"a":1,"b":[true,"x"]}`, out)

	require.NoError(t, hs.Close())
	_, _, err = v.Stringify()
	assert.ErrorIs(t, err, engine.ErrScopeClosed)

	_, err = c.Run(ctx, s)
	assert.Error(t, err, "scripts are released with their handle scope")
}

func TestStringifyCycle(t *testing.T) {
	_, c := newContext(t)

	hs, err := c.OpenHandleScope()
	require.NoError(t, err)
	defer hs.Close()

	s, err := c.Compile(context.Background(), "cycle.js", "var o = {}; o.self = o; o")
	require.NoError(t, err)
	v, err := c.Run(context.Background(), s)
	require.NoError(t, err)

	_, _, err = v.Stringify()
	var ex *engine.Exception
	assert.ErrorAs(t, err, &ex)
}

func TestErrors(t *testing.T) {
	_, c := newContext(t)

	_, err := eval(t, c, "1 +")
	var syntax *engine.SyntaxError
	assert.ErrorAs(t, err, &syntax)

	_, err = eval(t, c, "throw new Error('boom')")
	var ex *engine.Exception
	require.ErrorAs(t, err, &ex)
	assert.Contains(t, ex.Message, "boom")

	v, err := eval(t, c, "'still usable'")
	require.NoError(t, err)
	assert.Equal(t, "still usable", v.String())
}

func TestHostFunctions(t *testing.T) {
	_, c := newContext(t,
		hostfunc.Descriptor{Name: hostfunc.NameAdd, Fn: hostfunc.Add},
		hostfunc.Descriptor{Name: "fail", Fn: func(ctx context.Context, args []any) (any, error) {
			return nil, errors.New("nope")
		}},
		hostfunc.Descriptor{Name: "empty"},
	)

	v, err := eval(t, c, "add(1, 2, 3)")
	require.NoError(t, err)
	assert.Equal(t, 6.0, v.Float())

	v, err = eval(t, c, "try { fail() } catch (e) { 'caught: ' + e.message }")
	require.NoError(t, err)
	assert.Equal(t, "caught: nope", v.String())

	v, err = eval(t, c, "typeof empty")
	require.NoError(t, err)
	assert.Equal(t, "undefined", v.String())
}

func TestConsolePrelude(t *testing.T) {
	var lines []string
	_, c := newContext(t, hostfunc.Descriptor{
		Name: hostfunc.NameConsoleInfo,
		Fn: func(ctx context.Context, args []any) (any, error) {
			lines = append(lines, args[0].(string))
			return nil, nil
		},
	})

	_, err := eval(t, c, "console.log('hi')")
	require.NoError(t, err)
	assert.Equal(t, []string{"hi"}, lines)
}

func TestInterrupt(t *testing.T) {
	_, c := newContext(t)

	hs, err := c.OpenHandleScope()
	require.NoError(t, err)
	defer hs.Close()

	s, err := c.Compile(context.Background(), "loop.js", "while (true) {}")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = c.Run(ctx, s)
	assert.ErrorIs(t, err, engine.ErrInterrupted)
	assert.Equal(t, 1, strings.Count(err.Error(), "interrupted"), "interrupt reason reported once: %v", err)

	v, err := eval(t, c, "40 + 2")
	require.NoError(t, err, "runtime must be usable after an interrupt")
	assert.Equal(t, 42.0, v.Float())
}

func TestScopeOrder(t *testing.T) {
	inst, c := newContext(t)

	outer, err := inst.OpenScope()
	require.NoError(t, err)
	inner, err := c.OpenScope()
	require.NoError(t, err)

	assert.Error(t, c.Close(), "context has an open scope")
	require.NoError(t, inner.Close())
	assert.Error(t, inst.Close(), "instance has an open scope")
	require.NoError(t, c.Close())
	require.NoError(t, outer.Close())
	require.NoError(t, inst.Close())

	_, err = c.OpenHandleScope()
	assert.ErrorIs(t, err, engine.ErrScopeClosed)
}

func TestInstancesIsolated(t *testing.T) {
	_, a := newContext(t)
	_, b := newContext(t)

	_, err := eval(t, a, "var shared = 1")
	require.NoError(t, err)

	v, err := eval(t, b, "typeof shared")
	require.NoError(t, err)
	assert.Equal(t, "undefined", v.String())
}
