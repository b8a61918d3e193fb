// Package hostfunc provides the native callbacks that script running inside a
// session can call back into.
//
// # Overview
//
// Script has no implicit access to the host. Each callback must be
// registered on a [Registry] before a session is created; at creation time
// the registry is snapshotted into a [Table] owned by that session and
// released when the session is disposed.
//
//	registry := hostfunc.NewRegistry()
//	registry.Register("greet", func(ctx context.Context, args []any) (any, error) {
//	    return "Hello, " + args[0].(string) + "!", nil
//	})
//
// Inside the session the callback is a global function:
//
//	greet("World") // "Hello, World!"
//
// Names that were never registered are simply not defined in script. That
// is not an error.
//
// # Built-in Callbacks
//
// [Console] (consoleinfo), [Add], [AssertEqual] and [ResultSink]
// (onJSResultCallback) cover the descriptors most embedders expect.
//
// Key-value store: [KV] keeps state per store instance.
//
//	kv := hostfunc.NewKV(hostfunc.DefaultKVConfig())
//	kv.Register(registry)
package hostfunc
