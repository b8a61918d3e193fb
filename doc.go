// Package evaljs embeds a JavaScript engine in a Go host and runs script in
// isolated, persistent sessions.
//
// # Overview
//
// An [executor.Executor] owns one engine backend: the pure-Go goja VM
// ([backend/native], the default) or QuickJS compiled to WebAssembly
// ([backend/wasm]). Each session gets its own engine instance, context and
// callback table, so globals never leak between sessions.
//
// # Basic Usage
//
//	exec, _ := executor.New(hostfunc.NewRegistry())
//	defer exec.Close()
//
//	// Throw-away session
//	res := exec.Run(ctx, `[1, 2, 3].length`)
//	fmt.Println(res.Value) // 3
//
//	// Session with persistent state
//	id, _ := exec.CreateSession(ctx)
//	exec.Evaluate(ctx, id, `var x = 42`)
//	res = exec.Evaluate(ctx, id, `x`)   // "42"
//	exec.DisposeSession(id)
//
// Results come back as text: booleans as "true"/"false", numbers as 32-bit
// integers, strings as-is and objects as JSON. undefined and null are
// reported with Valid set to false.
//
// # Calling the Host Loop
//
// The [bridge] package runs functions on a goja event loop on behalf of
// other goroutines and waits for their result, awaiting promises:
//
//	host := bridge.NewHost()
//	host.Start()
//	defer host.Stop()
//
//	out := host.Bridge().Call(fn, 1, 2)
//
// See the [executor], [bridge], [hostfunc] and [engine] packages for
// detailed API documentation.
package evaljs
