package bridge

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dop251/goja"
	"github.com/gofrs/uuid"
)

// State is the position of an invocation in its lifecycle.
type State int32

const (
	Created State = iota
	Dispatched
	AwaitingHostResult
	ResolvedByValue
	ResolvedByPromise
	Completed
)

var stateNames = [...]string{
	Created:            "created",
	Dispatched:         "dispatched",
	AwaitingHostResult: "awaiting-host-result",
	ResolvedByValue:    "resolved-by-value",
	ResolvedByPromise:  "resolved-by-promise",
	Completed:          "completed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int32(s))
	}
	return stateNames[s]
}

// RejectionError carries the reason a host promise was rejected with, or the
// value a host function threw.
type RejectionError struct {
	Reason any
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("rejected: %v", e.Reason)
}

// invocation is one cross-thread call. The worker creates it and hands it to
// the host loop; from then on only the loop writes to it, and the worker
// learns about the outcome through done alone.
type invocation struct {
	id    uuid.UUID
	fn    HostFunc
	args  []any
	state atomic.Int32

	settleOnce sync.Once
	outcome    Outcome
	done       chan struct{}
}

func newInvocation(fn HostFunc, args []any) *invocation {
	inv := &invocation{
		id:   uuid.Must(uuid.NewV4()),
		fn:   fn,
		args: args,
		done: make(chan struct{}),
	}
	inv.setState(Created)
	return inv
}

func (inv *invocation) setState(s State) { inv.state.Store(int32(s)) }

func (inv *invocation) State() State { return State(inv.state.Load()) }

// settle records the first outcome and signals the worker. Later calls are
// ignored.
func (inv *invocation) settle(o Outcome, by State) bool {
	settled := false
	inv.settleOnce.Do(func() {
		inv.outcome = o
		inv.setState(by)
		close(inv.done)
		settled = true
	})
	return settled
}

// run executes the target on the host loop.
func (inv *invocation) run(rt *goja.Runtime) {
	defer func() {
		if r := recover(); r != nil {
			inv.settle(Outcome{Err: fmt.Errorf("host function panicked: %v", r)}, ResolvedByPromise)
		}
	}()

	inv.setState(AwaitingHostResult)

	vals := make([]goja.Value, len(inv.args))
	for i, a := range inv.args {
		vals[i] = rt.ToValue(a)
	}

	res, err := inv.fn(rt, vals)
	if err != nil {
		inv.settle(Outcome{Err: rejection(err)}, ResolvedByPromise)
		return
	}

	p, ok := promiseOf(res)
	if !ok {
		inv.settle(Outcome{OK: true, Value: export(res)}, ResolvedByValue)
		return
	}

	switch p.State() {
	case goja.PromiseStateFulfilled:
		inv.settle(Outcome{OK: true, Value: export(p.Result())}, ResolvedByPromise)
	case goja.PromiseStateRejected:
		inv.settle(Outcome{Err: &RejectionError{Reason: reason(p.Result())}}, ResolvedByPromise)
	default:
		inv.await(rt, res.(*goja.Object))
	}
}

// await attaches continuations to a pending promise. Whichever fires first
// settles the invocation.
func (inv *invocation) await(rt *goja.Runtime, promise *goja.Object) {
	then, ok := goja.AssertFunction(promise.Get("then"))
	if !ok {
		inv.settle(Outcome{Err: errors.New("promise has no then method")}, ResolvedByPromise)
		return
	}

	onFulfilled := func(call goja.FunctionCall) goja.Value {
		inv.settle(Outcome{OK: true, Value: export(call.Argument(0))}, ResolvedByPromise)
		return goja.Undefined()
	}
	onRejected := func(call goja.FunctionCall) goja.Value {
		inv.settle(Outcome{Err: &RejectionError{Reason: reason(call.Argument(0))}}, ResolvedByPromise)
		return goja.Undefined()
	}

	if _, err := then(promise, rt.ToValue(onFulfilled), rt.ToValue(onRejected)); err != nil {
		inv.settle(Outcome{Err: rejection(err)}, ResolvedByPromise)
	}
}

// complete runs on the host loop once the worker has observed done.
func (inv *invocation) complete() {
	inv.args = nil
	inv.fn = nil
	inv.setState(Completed)
}

func promiseOf(v goja.Value) (*goja.Promise, bool) {
	if v == nil {
		return nil, false
	}
	if _, ok := v.(*goja.Object); !ok {
		return nil, false
	}
	p, ok := v.Export().(*goja.Promise)
	return p, ok
}

func export(v goja.Value) any {
	if v == nil {
		return nil
	}
	return v.Export()
}

// reason exports a rejection value. Error objects export as an empty map, so
// they are kept as their "Name: message" text instead.
func reason(v goja.Value) any {
	if o, ok := v.(*goja.Object); ok && o.ClassName() == "Error" {
		return o.String()
	}
	return export(v)
}

func rejection(err error) error {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return &RejectionError{Reason: reason(ex.Value())}
	}
	return err
}
