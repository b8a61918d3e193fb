// Package executor manages script-execution sessions on an embedded
// JavaScript engine.
//
// # Overview
//
// An [Executor] owns one engine backend and a registry of live sessions.
// Each session is an isolated engine instance with its own global scope and
// its own table of host callbacks. Sessions are addressed by a [SessionID];
// IDs increase monotonically and are never reused.
//
// # Basic Usage
//
//	exec, err := executor.New(hostfunc.NewRegistry())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer exec.Close()
//
//	id, err := exec.CreateSession(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer exec.DisposeSession(id)
//
//	exec.Evaluate(ctx, id, `var x = 40`)
//	result := exec.Evaluate(ctx, id, `x + 2`)
//	fmt.Println(result.Value) // 42
//
// # Results
//
// [Result.Value] is the host form of the completion value: "true"/"false"
// for booleans, the ToInt32 decimal form for numbers, the content of
// strings and JSON text for objects. undefined, null, symbols, functions
// and bigints yield Valid == false without an error.
//
// # Errors
//
// Failures wrap one of [ErrInitialization], [ErrSessionNotFound],
// [ErrCompilation], [ErrExecution], [ErrArgumentMarshaling] or [ErrClosed],
// and keep the engine error as a second cause, so both errors.Is and
// errors.As work. A script that fails to compile or throws leaves its
// session usable.
//
// # Engines
//
// The default backend is the goja VM in [github.com/caffeineduck/evaljs/backend/native].
// QuickJS on WebAssembly is available through [WithEngine] and
// [github.com/caffeineduck/evaljs/backend/wasm].
package executor
