// vm.go: high-level Jsonnet virtual machine.
//
// VM is the convenience layer over VMHandle: all configuration is
// supplied up front through Options, applied in one pass at
// construction, after which the VM is ready to evaluate any number of
// independent templates.
package jsonnet

import (
	"encoding/json"
	"fmt"
	"sort"
)

// NativeCallback pairs a host function with its declared parameter
// names. The parameter names define the arity and the keyword names
// usable from Jsonnet code.
type NativeCallback struct {
	Params []string
	Fn     NativeFunc
}

// Options configures a VM. The zero value (and a nil *Options) is a VM
// with engine defaults. Numeric fields are applied only when set to a
// non-zero value; use VMHandle directly for settings outside that
// envelope (e.g. SetMaxTrace(0) to request full traces).
type Options struct {
	// JPath lists directories appended to the import search path.
	JPath []string

	// MaxStack is the maximum evaluation stack depth.
	MaxStack int

	// GCMinObjects is the number of objects required before a garbage
	// collection cycle is allowed.
	GCMinObjects int

	// GCGrowthTrigger runs the garbage collector after this amount of
	// growth in the number of objects.
	GCGrowthTrigger float64

	// StringOutput expects the template to produce a string and emits
	// it raw instead of JSON-encoded.
	StringOutput bool

	// MaxTrace is the number of stack trace lines shown in diagnostics.
	MaxTrace int

	// ExtVars and ExtCodes bind external variables to string values and
	// Jsonnet snippets respectively.
	ExtVars  map[string]string
	ExtCodes map[string]string

	// TLAVars and TLACodes bind top-level arguments to string values
	// and Jsonnet snippets respectively.
	TLAVars  map[string]string
	TLACodes map[string]string

	// ImportCallback overrides file-based import resolution.
	ImportCallback ImportFunc

	// NativeCallbacks exposes Go functions to templates via std.native.
	NativeCallbacks map[string]NativeCallback
}

// VM is a Jsonnet virtual machine ready for evaluation.
type VM struct {
	handle *VMHandle
}

// New creates a VM and applies opts. A nil opts means engine defaults.
func New(opts *Options) (*VM, error) {
	h, err := NewVMHandle()
	if err != nil {
		return nil, err
	}
	if err := applyOptions(h, opts); err != nil {
		_ = h.Destroy()
		return nil, err
	}
	return &VM{handle: h}, nil
}

func applyOptions(h *VMHandle, opts *Options) error {
	if opts == nil {
		return nil
	}
	for _, p := range opts.JPath {
		if err := h.AddJPath(p); err != nil {
			return err
		}
	}
	if opts.ImportCallback != nil {
		if err := h.SetImportCallback(opts.ImportCallback); err != nil {
			return err
		}
	}
	// Deterministic registration order.
	names := make([]string, 0, len(opts.NativeCallbacks))
	for name := range opts.NativeCallbacks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cb := opts.NativeCallbacks[name]
		if err := h.RegisterNative(name, cb.Params, cb.Fn); err != nil {
			return err
		}
	}
	if opts.MaxStack != 0 {
		if err := h.SetMaxStack(opts.MaxStack); err != nil {
			return err
		}
	}
	if opts.GCMinObjects != 0 {
		if err := h.SetGCMinObjects(opts.GCMinObjects); err != nil {
			return err
		}
	}
	if opts.GCGrowthTrigger != 0 {
		if err := h.SetGCGrowthTrigger(opts.GCGrowthTrigger); err != nil {
			return err
		}
	}
	if opts.StringOutput {
		if err := h.SetStringOutput(true); err != nil {
			return err
		}
	}
	if opts.MaxTrace != 0 {
		if err := h.SetMaxTrace(opts.MaxTrace); err != nil {
			return err
		}
	}
	for name, val := range opts.ExtVars {
		if err := h.BindExtVar(name, val); err != nil {
			return err
		}
	}
	for name, code := range opts.ExtCodes {
		if err := h.BindExtCode(name, code); err != nil {
			return err
		}
	}
	for name, val := range opts.TLAVars {
		if err := h.BindTLAVar(name, val); err != nil {
			return err
		}
	}
	for name, code := range opts.TLACodes {
		if err := h.BindTLACode(name, code); err != nil {
			return err
		}
	}
	return nil
}

// Close destroys the underlying native VM. Using the VM afterwards
// fails with ErrAlreadyDestroyed; a second Close reports it too.
func (vm *VM) Close() error {
	return vm.handle.Destroy()
}

// Handle exposes the low-level VMHandle, for configuration outside the
// Options envelope. The VM remains the owner; do not Destroy it
// directly.
func (vm *VM) Handle() *VMHandle {
	return vm.handle
}

// EvaluateFile evaluates the Jsonnet file at filename and returns the
// output (JSON text, or the raw string when StringOutput is set).
func (vm *VM) EvaluateFile(filename string) (string, error) {
	return vm.handle.EvaluateFile(filename)
}

// EvaluateSnippet evaluates snippet as Jsonnet code. filename appears
// in diagnostics only; AnonymousName is a reasonable choice for code
// that has no file.
func (vm *VM) EvaluateSnippet(filename, snippet string) (string, error) {
	return vm.handle.EvaluateSnippet(filename, snippet)
}

// AnonymousName is the display name conventionally used for snippets
// not backed by a file.
const AnonymousName = "<string>"

// EvaluateFileJSON evaluates a file and unmarshals the JSON output.
func (vm *VM) EvaluateFileJSON(filename string) (any, error) {
	out, err := vm.EvaluateFile(filename)
	if err != nil {
		return nil, err
	}
	return decodeJSON(out)
}

// EvaluateSnippetJSON evaluates a snippet and unmarshals the JSON
// output.
func (vm *VM) EvaluateSnippetJSON(filename, snippet string) (any, error) {
	out, err := vm.EvaluateSnippet(filename, snippet)
	if err != nil {
		return nil, err
	}
	return decodeJSON(out)
}

func decodeJSON(out string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecoding, err)
	}
	return v, nil
}

// EvaluateFile evaluates a single file with a throwaway VM.
func EvaluateFile(filename string, opts *Options) (string, error) {
	vm, err := New(opts)
	if err != nil {
		return "", err
	}
	defer vm.Close()
	return vm.EvaluateFile(filename)
}

// EvaluateSnippet evaluates a single snippet with a throwaway VM.
func EvaluateSnippet(filename, snippet string, opts *Options) (string, error) {
	vm, err := New(opts)
	if err != nil {
		return "", err
	}
	defer vm.Close()
	return vm.EvaluateSnippet(filename, snippet)
}
