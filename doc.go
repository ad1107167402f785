// Package jsonnet provides Go bindings for libjsonnet, the reference
// C implementation of the Jsonnet configuration language.
//
// The package is layered:
//
//   - VM is the high-level entry point. It owns one native Jsonnet
//     virtual machine, configured up front through Options, and exposes
//     EvaluateFile and EvaluateSnippet.
//   - VMHandle is the low-level wrapper around a `struct JsonnetVm *`.
//     It exposes the raw configuration setters and evaluation calls and
//     enforces the native lifecycle rules (single owner, single
//     in-flight evaluation, destroy exactly once).
//   - Value is the tagged value model mirroring the engine's
//     JsonnetJsonValue representation. Encode and Value.Interface
//     convert between ordinary Go values and Value trees.
//
// Basic usage:
//
//	vm, err := jsonnet.New(&jsonnet.Options{
//		ExtVars: map[string]string{"env": "prod"},
//	})
//	if err != nil {
//		// ...
//	}
//	defer vm.Close()
//
//	out, err := vm.EvaluateSnippet("example.jsonnet", `{greeting: "hello " + std.extVar("env")}`)
//
// Imports can be resolved by host code, and Go functions can be exposed
// to templates via std.native:
//
//	vm, err := jsonnet.New(&jsonnet.Options{
//		ImportCallback: func(base, rel string) (contents, foundAt string, err error) {
//			// ...
//		},
//		NativeCallbacks: map[string]jsonnet.NativeCallback{
//			"add": {Params: []string{"a", "b"}, Fn: func(args []any) (any, error) {
//				return args[0].(float64) + args[1].(float64), nil
//			}},
//		},
//	})
//
// # Concurrency
//
// A VM permits at most one evaluation at a time; a second concurrent
// call fails with ErrConcurrentUse. Distinct VMs are fully independent
// and may be used from different goroutines. Evaluation is a blocking
// foreign call: once started it cannot be cancelled, a limitation
// inherited from libjsonnet.
package jsonnet
