package bridge

import (
	"testing"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvocationStates(t *testing.T) {
	rt := goja.New()

	inv := newInvocation(func(rt *goja.Runtime, _ []goja.Value) (goja.Value, error) {
		return rt.ToValue("x"), nil
	}, []any{1})
	assert.Equal(t, Created, inv.State())

	inv.run(rt)
	<-inv.done
	assert.Equal(t, ResolvedByValue, inv.State())
	assert.True(t, inv.outcome.OK)

	inv.complete()
	assert.Equal(t, Completed, inv.State())
	assert.Nil(t, inv.args)
	assert.Nil(t, inv.fn)
}

func TestInvocationSettlesOnce(t *testing.T) {
	inv := newInvocation(nil, nil)

	require.True(t, inv.settle(Outcome{OK: true}, ResolvedByPromise))
	assert.False(t, inv.settle(Outcome{OK: false}, ResolvedByPromise))
	assert.True(t, inv.outcome.OK)
}

func TestInvocationPendingPromise(t *testing.T) {
	rt := goja.New()
	var resolve func(any)

	inv := newInvocation(func(rt *goja.Runtime, _ []goja.Value) (goja.Value, error) {
		p, res, _ := rt.NewPromise()
		resolve = func(v any) { res(v) }
		return rt.ToValue(p), nil
	}, nil)

	inv.run(rt)
	assert.Equal(t, AwaitingHostResult, inv.State())
	select {
	case <-inv.done:
		t.Fatal("pending promise must not settle the invocation")
	default:
	}

	resolve("later")
	// Reactions run as jobs when the runtime next leaves script.
	_, err := rt.RunString("0")
	require.NoError(t, err)

	<-inv.done
	assert.Equal(t, ResolvedByPromise, inv.State())
	assert.Equal(t, "later", inv.outcome.Value)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "awaiting-host-result", AwaitingHostResult.String())
	assert.Equal(t, "state(42)", State(42).String())
}
