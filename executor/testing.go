package executor

import (
	"sync"

	"github.com/caffeineduck/evaljs/hostfunc"
)

// Shared executor for tests and benchmarks that only need native sessions.
// Engine initialization is paid once per test binary.
var (
	testExec     *Executor
	testExecOnce sync.Once
	testExecErr  error
)

// GetTestExecutor returns a process-wide executor on the native engine with
// the engine already initialized. Callers dispose the sessions they create
// and leave closing to CloseTestExecutor, usually from TestMain.
func GetTestExecutor() (*Executor, error) {
	testExecOnce.Do(func() {
		testExec, testExecErr = New(hostfunc.NewRegistry(), WithPrecompile())
	})
	return testExec, testExecErr
}

// CloseTestExecutor disposes every session of the shared executor and
// closes it. The next GetTestExecutor builds a fresh one.
func CloseTestExecutor() error {
	if testExec == nil {
		return nil
	}
	err := testExec.Close()
	testExec = nil
	testExecErr = nil
	testExecOnce = sync.Once{}
	return err
}
