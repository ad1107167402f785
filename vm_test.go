package jsonnet

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
)

// These tests evaluate real templates and need libjsonnet linked in,
// just like the package itself.

func newVM(t *testing.T, opts *Options) *VM {
	t.Helper()
	vm, err := New(opts)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	t.Cleanup(func() { _ = vm.Close() })
	return vm
}

func evalJSON(t *testing.T, vm *VM, snippet string) any {
	t.Helper()
	out, err := vm.EvaluateSnippet(AnonymousName, snippet)
	if err != nil {
		t.Fatalf("evaluate error: %v\nsnippet:\n%s", err, snippet)
	}
	var v any
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		t.Fatalf("output is not JSON: %v\noutput:\n%s", err, out)
	}
	return v
}

func wantEvalError(t *testing.T, vm *VM, contains, snippet string) {
	t.Helper()
	_, err := vm.EvaluateSnippet(AnonymousName, snippet)
	var evalErr *EvaluationError
	if !errors.As(err, &evalErr) {
		t.Fatalf("want *EvaluationError, got %v\nsnippet:\n%s", err, snippet)
	}
	if !strings.Contains(evalErr.Msg, contains) {
		t.Fatalf("diagnostic %q does not contain %q", evalErr.Msg, contains)
	}
}

func TestVersion(t *testing.T) {
	if ok, _ := regexp.MatchString(`^v\d+\.\d+\.\d+`, Version()); !ok {
		t.Fatalf("unexpected version string: %q", Version())
	}
}

func TestEvaluateSnippet(t *testing.T) {
	vm := newVM(t, nil)
	got := evalJSON(t, vm, `{"a": 1, "b": [], "c": null}`)
	want := map[string]any{"a": 1.0, "b": []any{}, "c": nil}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("want %v, got %v", want, got)
	}
}

func TestEvaluateFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.jsonnet")
	if err := os.WriteFile(path, []byte(`{a: 1} + {b: 2}`), 0o644); err != nil {
		t.Fatal(err)
	}
	vm := newVM(t, nil)
	out, err := vm.EvaluateFile(path)
	if err != nil {
		t.Fatalf("EvaluateFile error: %v", err)
	}
	var v map[string]any
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if v["a"] != 1.0 || v["b"] != 2.0 {
		t.Fatalf("unexpected result: %v", v)
	}
}

func TestEvaluateError(t *testing.T) {
	vm := newVM(t, nil)
	wantEvalError(t, vm, "boom", `error "boom"`)
}

func TestEvaluateSnippetJSON(t *testing.T) {
	vm := newVM(t, nil)
	got, err := vm.EvaluateSnippetJSON(AnonymousName, `{a: [1, "two"]}`)
	if err != nil {
		t.Fatalf("EvaluateSnippetJSON error: %v", err)
	}
	obj, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("want object, got %T", got)
	}
	arr := obj["a"].([]any)
	if arr[0] != 1.0 || arr[1] != "two" {
		t.Fatalf("unexpected result: %v", got)
	}
}

// -----------------------------
// Lifecycle
// -----------------------------

func TestDoubleClose(t *testing.T) {
	vm, err := New(nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := vm.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := vm.Close(); !errors.Is(err, ErrAlreadyDestroyed) {
		t.Fatalf("second Close: want ErrAlreadyDestroyed, got %v", err)
	}
}

func TestUseAfterDestroy(t *testing.T) {
	h, err := NewVMHandle()
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	checks := map[string]func() error{
		"SetMaxStack":        func() error { return h.SetMaxStack(500) },
		"SetGCMinObjects":    func() error { return h.SetGCMinObjects(1000) },
		"SetGCGrowthTrigger": func() error { return h.SetGCGrowthTrigger(2.0) },
		"SetStringOutput":    func() error { return h.SetStringOutput(true) },
		"SetMaxTrace":        func() error { return h.SetMaxTrace(20) },
		"AddJPath":           func() error { return h.AddJPath("/tmp") },
		"BindExtVar":         func() error { return h.BindExtVar("x", "y") },
		"BindExtCode":        func() error { return h.BindExtCode("x", "1") },
		"BindTLAVar":         func() error { return h.BindTLAVar("x", "y") },
		"BindTLACode":        func() error { return h.BindTLACode("x", "1") },
		"SetImportCallback": func() error {
			return h.SetImportCallback(func(_, _ string) (string, string, error) { return "", "", nil })
		},
		"RegisterNative": func() error {
			return h.RegisterNative("f", nil, func([]any) (any, error) { return nil, nil })
		},
		"EvaluateSnippet": func() error { _, err := h.EvaluateSnippet("x", "1"); return err },
		"EvaluateFile":    func() error { _, err := h.EvaluateFile("x.jsonnet"); return err },
		"Destroy":         h.Destroy,
	}
	for name, op := range checks {
		t.Run(name, func(t *testing.T) {
			if err := op(); !errors.Is(err, ErrAlreadyDestroyed) {
				t.Fatalf("want ErrAlreadyDestroyed, got %v", err)
			}
		})
	}
}

func TestInvalidConfiguration(t *testing.T) {
	h, err := NewVMHandle()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = h.Destroy() })

	checks := map[string]func() error{
		"max-stack-zero":       func() error { return h.SetMaxStack(0) },
		"max-stack-negative":   func() error { return h.SetMaxStack(-1) },
		"gc-min-objects-zero":  func() error { return h.SetGCMinObjects(0) },
		"growth-negative":      func() error { return h.SetGCGrowthTrigger(-0.5) },
		"max-trace-negative":   func() error { return h.SetMaxTrace(-1) },
		"jpath-empty":          func() error { return h.AddJPath("") },
		"ext-var-empty-name":   func() error { return h.BindExtVar("", "v") },
		"tla-var-empty-name":   func() error { return h.BindTLAVar("", "v") },
		"import-nil":           func() error { return h.SetImportCallback(nil) },
		"native-empty-name":    func() error { return h.RegisterNative("", nil, func([]any) (any, error) { return nil, nil }) },
		"native-nil-fn":        func() error { return h.RegisterNative("f", nil, nil) },
		"native-empty-param":   func() error { return h.RegisterNative("f", []string{""}, func([]any) (any, error) { return nil, nil }) },
	}
	for name, op := range checks {
		t.Run(name, func(t *testing.T) {
			if err := op(); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("want ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestConcurrentEvaluateRejected(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	vm := newVM(t, &Options{
		NativeCallbacks: map[string]NativeCallback{
			"block": {Fn: func([]any) (any, error) {
				close(entered)
				<-release
				return true, nil
			}},
		},
	})

	done := make(chan error, 1)
	go func() {
		_, err := vm.EvaluateSnippet(AnonymousName, `std.native("block")()`)
		done <- err
	}()

	<-entered
	if _, err := vm.EvaluateSnippet(AnonymousName, "1"); !errors.Is(err, ErrConcurrentUse) {
		t.Errorf("second evaluate: want ErrConcurrentUse, got %v", err)
	}
	if err := vm.Close(); !errors.Is(err, ErrConcurrentUse) {
		t.Errorf("Close during evaluate: want ErrConcurrentUse, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("blocked evaluate failed: %v", err)
	}
}

func TestIndependentVMsInParallel(t *testing.T) {
	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			vm, err := New(&Options{
				ExtVars: map[string]string{"who": fmt.Sprintf("vm-%d", i)},
			})
			if err != nil {
				t.Errorf("vm %d: New: %v", i, err)
				return
			}
			defer vm.Close()
			for j := 0; j < 25; j++ {
				out, err := vm.EvaluateSnippet(AnonymousName, `std.extVar("who")`)
				if err != nil {
					t.Errorf("vm %d: evaluate: %v", i, err)
					return
				}
				want := fmt.Sprintf("%q\n", fmt.Sprintf("vm-%d", i))
				if out != want {
					t.Errorf("vm %d: want %q, got %q", i, want, out)
					return
				}
			}
		}(i)
	}
	wg.Wait()
}

// -----------------------------
// Bindings
// -----------------------------

func TestExtVar(t *testing.T) {
	vm := newVM(t, &Options{ExtVars: map[string]string{"x": "hi"}})
	if got := evalJSON(t, vm, `std.extVar("x")`); got != "hi" {
		t.Fatalf("want %q, got %v", "hi", got)
	}
}

func TestExtCode(t *testing.T) {
	vm := newVM(t, &Options{ExtCodes: map[string]string{"x": `{"life": 42}`}})
	got := evalJSON(t, vm, `std.extVar("x")`).(map[string]any)
	if got["life"] != 42.0 {
		t.Fatalf("unexpected result: %v", got)
	}
}

func TestTLAVar(t *testing.T) {
	vm := newVM(t, &Options{TLAVars: map[string]string{"x": `{"life": 42}`}})
	// A tla-var arrives as an opaque string.
	if got := evalJSON(t, vm, `function(x) x`); got != `{"life": 42}` {
		t.Fatalf("unexpected result: %v", got)
	}
}

func TestTLACode(t *testing.T) {
	vm := newVM(t, &Options{TLACodes: map[string]string{"x": `{"life": 42}`}})
	got := evalJSON(t, vm, `function(x) x`).(map[string]any)
	if got["life"] != 42.0 {
		t.Fatalf("unexpected result: %v", got)
	}
}

func TestStringOutput(t *testing.T) {
	vm := newVM(t, &Options{StringOutput: true})
	out, err := vm.EvaluateSnippet(AnonymousName, `"Hello, world!"`)
	if err != nil {
		t.Fatalf("evaluate error: %v", err)
	}
	if out != "Hello, world!\n" {
		t.Fatalf("want %q, got %q", "Hello, world!\n", out)
	}
}

func TestJPath(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "lib.libsonnet"), []byte(`{answer: 42}`), 0o644); err != nil {
		t.Fatal(err)
	}
	vm := newVM(t, &Options{JPath: []string{dir}})
	got := evalJSON(t, vm, `(import "lib.libsonnet").answer`)
	if got != 42.0 {
		t.Fatalf("want 42, got %v", got)
	}
}

// -----------------------------
// Import callback
// -----------------------------

func TestImportCallback(t *testing.T) {
	files := map[string]string{
		"a.libsonnet": `(import "b.libsonnet") + {a: true}`,
		"b.libsonnet": `{b: true}`,
	}
	var bases []string
	vm := newVM(t, &Options{
		ImportCallback: func(base, rel string) (string, string, error) {
			bases = append(bases, base)
			contents, ok := files[rel]
			if !ok {
				return "", "", fmt.Errorf("not found: %s", rel)
			}
			return contents, "/virtual/" + rel, nil
		},
	})

	got := evalJSON(t, vm, `import "a.libsonnet"`).(map[string]any)
	if got["a"] != true || got["b"] != true {
		t.Fatalf("unexpected result: %v", got)
	}
	// The nested import must be resolved relative to where the first
	// one was found.
	if len(bases) < 2 || bases[1] != "/virtual/" {
		t.Fatalf("unexpected base paths: %v", bases)
	}
}

func TestImportCallbackNotFound(t *testing.T) {
	vm := newVM(t, &Options{
		ImportCallback: func(base, rel string) (string, string, error) {
			return "", "", fmt.Errorf("no such import: %s", rel)
		},
	})
	wantEvalError(t, vm, "no such import: missing.libsonnet", `import "missing.libsonnet"`)
}

func TestImportCallbackPanicContained(t *testing.T) {
	vm := newVM(t, &Options{
		ImportCallback: func(base, rel string) (string, string, error) {
			panic("resolver exploded")
		},
	})
	wantEvalError(t, vm, "resolver exploded", `import "x"`)
}

// -----------------------------
// Native callbacks
// -----------------------------

func TestNativeCallbackAdd(t *testing.T) {
	vm := newVM(t, &Options{
		NativeCallbacks: map[string]NativeCallback{
			"add": {Params: []string{"a", "b"}, Fn: func(args []any) (any, error) {
				return args[0].(float64) + args[1].(float64), nil
			}},
		},
	})
	if got := evalJSON(t, vm, `std.native("add")(2, 3)`); got != 5.0 {
		t.Fatalf("want 5, got %v", got)
	}
}

func TestNativeCallbackAllResultTypes(t *testing.T) {
	result := map[string]any{
		"str":    "abc",
		"int":    42,
		"float":  3.141592654,
		"bool":   false,
		"array":  []any{1, 1.0, "two", true, []any{}, map[string]any{}, nil},
		"object": map[string]any{"Hello": "World!"},
		"nil":    nil,
	}
	vm := newVM(t, &Options{
		NativeCallbacks: map[string]NativeCallback{
			"returnTypes": {Fn: func([]any) (any, error) { return result, nil }},
		},
	})
	got := evalJSON(t, vm, `std.native("returnTypes")()`).(map[string]any)
	if got["str"] != "abc" || got["int"] != 42.0 || got["bool"] != false || got["nil"] != nil {
		t.Fatalf("unexpected result: %v", got)
	}
	arr := got["array"].([]any)
	if len(arr) != 7 || arr[2] != "two" {
		t.Fatalf("unexpected array: %v", arr)
	}
	if got["object"].(map[string]any)["Hello"] != "World!" {
		t.Fatalf("unexpected object: %v", got["object"])
	}
}

func TestNativeCallbackArgumentTypes(t *testing.T) {
	var seen []any
	vm := newVM(t, &Options{
		NativeCallbacks: map[string]NativeCallback{
			"probe": {Params: []string{"s", "n", "b", "z"}, Fn: func(args []any) (any, error) {
				seen = append([]any(nil), args...)
				return nil, nil
			}},
		},
	})
	if got := evalJSON(t, vm, `std.native("probe")("x", 1.5, true, null)`); got != nil {
		t.Fatalf("want null result, got %v", got)
	}
	want := []any{"x", 1.5, true, nil}
	if fmt.Sprint(seen) != fmt.Sprint(want) {
		t.Fatalf("want args %v, got %v", want, seen)
	}
}

func TestNativeCallbackError(t *testing.T) {
	vm := newVM(t, &Options{
		NativeCallbacks: map[string]NativeCallback{
			"throwError": {Fn: func([]any) (any, error) {
				return nil, errors.New("Test")
			}},
		},
	})
	wantEvalError(t, vm, "throwError: Test", `std.native("throwError")()`)

	// The failure must not poison the VM: an independent evaluation on
	// the same context still works.
	if got := evalJSON(t, vm, `1 + 1`); got != 2.0 {
		t.Fatalf("VM unusable after callback failure: got %v", got)
	}
}

func TestNativeCallbackPanicContained(t *testing.T) {
	vm := newVM(t, &Options{
		NativeCallbacks: map[string]NativeCallback{
			"kaboom": {Fn: func([]any) (any, error) {
				panic("kaboom")
			}},
		},
	})
	wantEvalError(t, vm, "kaboom", `std.native("kaboom")()`)
	if got := evalJSON(t, vm, `true`); got != true {
		t.Fatalf("VM unusable after callback panic: got %v", got)
	}
}

func TestNativeCallbackUnsupportedResult(t *testing.T) {
	vm := newVM(t, &Options{
		NativeCallbacks: map[string]NativeCallback{
			"badResult": {Fn: func([]any) (any, error) {
				return make(chan int), nil
			}},
		},
	})
	wantEvalError(t, vm, "unsupported value type", `std.native("badResult")()`)
}

func TestNativeCallbackReplacement(t *testing.T) {
	h, err := NewVMHandle()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = h.Destroy() })

	reg := func(result string) {
		t.Helper()
		err := h.RegisterNative("f", nil, func([]any) (any, error) { return result, nil })
		if err != nil {
			t.Fatalf("RegisterNative: %v", err)
		}
	}
	reg("first")
	reg("second")

	out, err := h.EvaluateSnippet(AnonymousName, `std.native("f")()`)
	if err != nil {
		t.Fatalf("evaluate error: %v", err)
	}
	if strings.TrimSpace(out) != `"second"` {
		t.Fatalf("want replacement to win, got %q", out)
	}
}

// -----------------------------
// One-shot helpers
// -----------------------------

func TestOneShotEvaluateSnippet(t *testing.T) {
	out, err := EvaluateSnippet(AnonymousName, `std.extVar("x")`, &Options{
		ExtVars: map[string]string{"x": "hi"},
	})
	if err != nil {
		t.Fatalf("EvaluateSnippet error: %v", err)
	}
	if strings.TrimSpace(out) != `"hi"` {
		t.Fatalf("want %q, got %q", `"hi"`, out)
	}
}

func TestOneShotEvaluateFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.jsonnet")
	if err := os.WriteFile(path, []byte(`{"a": 1}`), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := EvaluateFile(path, nil)
	if err != nil {
		t.Fatalf("EvaluateFile error: %v", err)
	}
	var v map[string]any
	if err := json.Unmarshal([]byte(out), &v); err != nil || v["a"] != 1.0 {
		t.Fatalf("unexpected output %q (err %v)", out, err)
	}
}
