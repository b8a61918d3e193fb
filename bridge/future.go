package bridge

import "context"

// Future is the worker-side handle of an invocation started with
// RunOnHostThread.
type Future struct {
	done    chan struct{}
	outcome Outcome
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(o Outcome) {
	f.outcome = o
	close(f.done)
}

// Done is closed once the outcome is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Await blocks until the invocation settles and reports whether it
// succeeded. ctx bounds only the wait: the invocation keeps running when ctx
// ends first, and err is ctx.Err().
func (f *Future) Await(ctx context.Context) (bool, error) {
	select {
	case <-f.done:
		return f.outcome.OK, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Outcome blocks until the invocation settles and returns the full outcome.
func (f *Future) Outcome() Outcome {
	<-f.done
	return f.outcome
}
