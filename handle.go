// handle.go: low-level wrapper around `struct JsonnetVm *`.
//
// All cgo for this package is concentrated here and in callbacks.go;
// everything else stays pure Go. The ownership rules enforced by
// VMHandle:
//
//   - The native pointer has exactly one owner, the VMHandle. Destroy
//     releases it exactly once; every later operation fails with
//     ErrAlreadyDestroyed.
//   - One evaluation in flight at a time. Evaluation (including all
//     nested callback re-entries) is a synchronous foreign call on the
//     calling thread.
//   - Buffers returned by the engine are freed through the engine's own
//     allocator (jsonnet_realloc to size 0), never Go memory, and each
//     is freed at most once (resultBuffer tracks release state).
//   - JsonnetJsonValue trees built by the host are allocated against
//     the VM and destroyed by the host on error paths; success paths
//     hand ownership to the engine per the C API's call convention.
package jsonnet

/*
#cgo LDFLAGS: -ljsonnet
#include <stdint.h>
#include <stdlib.h>
#include <libjsonnet.h>

// Exported from callbacks.go; declarations must match _cgo_export.h.
extern char *goJsonnetImport(void *ctx, char *base, char *rel, char **foundHere, int *success);
extern struct JsonnetJsonValue *goJsonnetNative(void *ctx, struct JsonnetJsonValue **argv, int *success);

// Registration shims. The casts adapt the generated export prototypes
// (no const qualifiers) to the libjsonnet callback typedefs, and the
// cookie travels as uintptr_t so no Go pointer ever crosses into C.
static void go_jsonnet_set_import_callback(struct JsonnetVm *vm, uintptr_t ctx) {
	jsonnet_import_callback(vm, (JsonnetImportCallback *)goJsonnetImport, (void *)ctx);
}

static void go_jsonnet_set_native_callback(struct JsonnetVm *vm, const char *name,
		uintptr_t ctx, const char *const *params) {
	jsonnet_native_callback(vm, name, (JsonnetNativeCallback *)goJsonnetNative, (void *)ctx, params);
}
*/
import "C"

import (
	"fmt"
	"math"
	"runtime/cgo"
	"strings"
	"sync"
	"unicode/utf8"
	"unsafe"
)

// ImportFunc resolves an import encountered during evaluation. base is
// the directory of the importing file, rel the path as written in the
// template. On success it returns the file contents and the canonical
// path the import was found at (used for relative imports within the
// imported file and for error messages).
type ImportFunc func(base, rel string) (contents, foundAt string, err error)

// NativeFunc is a host function callable from templates via
// std.native. args arrive decoded (nil, bool, float64 or string; the
// engine's C surface cannot hand compound values to callbacks) and the
// returned value may be anything Encode accepts.
type NativeFunc func(args []any) (any, error)

type nativeEntry struct {
	h      *VMHandle
	name   string
	params []string
	fn     NativeFunc
	cookie cgo.Handle
}

// VMHandle owns one native Jsonnet virtual machine.
//
// Configuration must be complete before the first evaluation; the
// engine does not promise to pick up mutations made afterwards, and
// this wrapper rejects them outright while an evaluation is in flight.
type VMHandle struct {
	mu        sync.Mutex
	vm        *C.struct_JsonnetVm
	destroyed bool
	busy      bool

	// Callback state. Written only while idle (guarded by mu + busy
	// check), read lock-free from callback re-entries, which happen on
	// the thread blocked inside Evaluate*.
	importFn ImportFunc
	natives  map[string]*nativeEntry
	cookie   cgo.Handle // identifies this handle to goJsonnetImport
	hasSelf  bool
}

// NewVMHandle acquires a fresh native VM.
func NewVMHandle() (*VMHandle, error) {
	vm := C.jsonnet_make()
	if vm == nil {
		return nil, ErrResourceExhausted
	}
	return &VMHandle{vm: vm, natives: make(map[string]*nativeEntry)}, nil
}

// Destroy releases the native VM. A second call reports
// ErrAlreadyDestroyed rather than double-freeing; destroying a VM with
// an evaluation in flight reports ErrConcurrentUse.
func (h *VMHandle) Destroy() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		return ErrAlreadyDestroyed
	}
	if h.busy {
		return ErrConcurrentUse
	}
	C.jsonnet_destroy(h.vm)
	h.vm = nil
	h.destroyed = true
	if h.hasSelf {
		h.cookie.Delete()
		h.hasSelf = false
	}
	for _, e := range h.natives {
		e.cookie.Delete()
	}
	h.natives = nil
	h.importFn = nil
	return nil
}

// guard validates that the handle is alive and idle. Callers hold no
// lock; guard leaves mu held on success.
func (h *VMHandle) guard() error {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return ErrAlreadyDestroyed
	}
	if h.busy {
		h.mu.Unlock()
		return ErrConcurrentUse
	}
	return nil
}

// -----------------------------
// Configuration setters
// -----------------------------

// SetMaxStack sets the maximum evaluation stack depth.
func (h *VMHandle) SetMaxStack(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: max stack must be positive, got %d", ErrInvalidConfig, n)
	}
	if err := h.guard(); err != nil {
		return err
	}
	defer h.mu.Unlock()
	C.jsonnet_max_stack(h.vm, C.uint(n))
	return nil
}

// SetGCMinObjects sets the number of objects required before a garbage
// collection cycle is allowed.
func (h *VMHandle) SetGCMinObjects(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: gc min objects must be positive, got %d", ErrInvalidConfig, n)
	}
	if err := h.guard(); err != nil {
		return err
	}
	defer h.mu.Unlock()
	C.jsonnet_gc_min_objects(h.vm, C.uint(n))
	return nil
}

// SetGCGrowthTrigger sets the object-count growth factor that triggers
// a garbage collection cycle.
func (h *VMHandle) SetGCGrowthTrigger(f float64) error {
	if math.IsNaN(f) || f < 0 {
		return fmt.Errorf("%w: gc growth trigger must be a non-negative number, got %v", ErrInvalidConfig, f)
	}
	if err := h.guard(); err != nil {
		return err
	}
	defer h.mu.Unlock()
	C.jsonnet_gc_growth_trigger(h.vm, C.double(f))
	return nil
}

// SetStringOutput makes the VM expect a string result and emit it raw
// instead of JSON-encoding it.
func (h *VMHandle) SetStringOutput(on bool) error {
	if err := h.guard(); err != nil {
		return err
	}
	defer h.mu.Unlock()
	v := C.int(0)
	if on {
		v = 1
	}
	C.jsonnet_string_output(h.vm, v)
	return nil
}

// SetMaxTrace sets the number of stack trace lines shown in error
// messages (0 shows all of them).
func (h *VMHandle) SetMaxTrace(n int) error {
	if n < 0 {
		return fmt.Errorf("%w: max trace must be non-negative, got %d", ErrInvalidConfig, n)
	}
	if err := h.guard(); err != nil {
		return err
	}
	defer h.mu.Unlock()
	C.jsonnet_max_trace(h.vm, C.uint(n))
	return nil
}

// AddJPath appends a directory to the default import search path.
func (h *VMHandle) AddJPath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: jpath entry must not be empty", ErrInvalidConfig)
	}
	if err := h.guard(); err != nil {
		return err
	}
	defer h.mu.Unlock()
	cPath := C.CString(path)
	defer C.free(unsafe.Pointer(cPath))
	C.jsonnet_jpath_add(h.vm, cPath)
	return nil
}

func (h *VMHandle) bindPair(name, val string, bind func(vm *C.struct_JsonnetVm, k, v *C.char)) error {
	if name == "" {
		return fmt.Errorf("%w: binding name must not be empty", ErrInvalidConfig)
	}
	if err := h.guard(); err != nil {
		return err
	}
	defer h.mu.Unlock()
	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))
	cVal := C.CString(val)
	defer C.free(unsafe.Pointer(cVal))
	bind(h.vm, cName, cVal)
	return nil
}

// BindExtVar binds an external variable to a string value.
func (h *VMHandle) BindExtVar(name, val string) error {
	return h.bindPair(name, val, func(vm *C.struct_JsonnetVm, k, v *C.char) { C.jsonnet_ext_var(vm, k, v) })
}

// BindExtCode binds an external variable to a Jsonnet code snippet.
func (h *VMHandle) BindExtCode(name, code string) error {
	return h.bindPair(name, code, func(vm *C.struct_JsonnetVm, k, v *C.char) { C.jsonnet_ext_code(vm, k, v) })
}

// BindTLAVar binds a top-level argument to a string value.
func (h *VMHandle) BindTLAVar(name, val string) error {
	return h.bindPair(name, val, func(vm *C.struct_JsonnetVm, k, v *C.char) { C.jsonnet_tla_var(vm, k, v) })
}

// BindTLACode binds a top-level argument to a Jsonnet code snippet.
func (h *VMHandle) BindTLACode(name, code string) error {
	return h.bindPair(name, code, func(vm *C.struct_JsonnetVm, k, v *C.char) { C.jsonnet_tla_code(vm, k, v) })
}

// -----------------------------
// Callback registration
// -----------------------------

// SetImportCallback overrides the engine's default file-based import
// resolution with fn. Must be called before the first evaluation.
func (h *VMHandle) SetImportCallback(fn ImportFunc) error {
	if fn == nil {
		return fmt.Errorf("%w: import callback must not be nil", ErrInvalidConfig)
	}
	if err := h.guard(); err != nil {
		return err
	}
	defer h.mu.Unlock()
	h.importFn = fn
	if !h.hasSelf {
		h.cookie = cgo.NewHandle(h)
		h.hasSelf = true
	}
	C.go_jsonnet_set_import_callback(h.vm, C.uintptr_t(h.cookie))
	return nil
}

// RegisterNative exposes fn to templates as std.native(name). params
// declares the parameter names; the engine calls fn with exactly
// len(params) positional arguments. Registering the same name again
// replaces the prior entry.
func (h *VMHandle) RegisterNative(name string, params []string, fn NativeFunc) error {
	if name == "" {
		return fmt.Errorf("%w: native callback name must not be empty", ErrInvalidConfig)
	}
	if fn == nil {
		return fmt.Errorf("%w: native callback %q must not be nil", ErrInvalidConfig, name)
	}
	for _, p := range params {
		if p == "" {
			return fmt.Errorf("%w: native callback %q has an empty parameter name", ErrInvalidConfig, name)
		}
	}
	if err := h.guard(); err != nil {
		return err
	}
	defer h.mu.Unlock()

	entry := &nativeEntry{
		h:      h,
		name:   name,
		params: append([]string(nil), params...),
		fn:     fn,
	}
	entry.cookie = cgo.NewHandle(entry)

	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))

	// NULL-terminated array of parameter names; the engine copies it
	// during registration, so everything here is freed on return.
	ptrSize := unsafe.Sizeof((*C.char)(nil))
	cParams := (**C.char)(C.malloc(C.size_t(uintptr(len(params)+1) * ptrSize)))
	pv := unsafe.Slice(cParams, len(params)+1)
	for i, p := range params {
		pv[i] = C.CString(p)
	}
	pv[len(params)] = nil
	defer func() {
		for i := range params {
			C.free(unsafe.Pointer(pv[i]))
		}
		C.free(unsafe.Pointer(cParams))
	}()

	C.go_jsonnet_set_native_callback(h.vm, cName, C.uintptr_t(entry.cookie), cParams)

	if old, ok := h.natives[name]; ok {
		old.cookie.Delete()
	}
	h.natives[name] = entry
	return nil
}

// -----------------------------
// Evaluation
// -----------------------------

// beginEval flips the single-flight guard.
func (h *VMHandle) beginEval() error {
	if err := h.guard(); err != nil {
		return err
	}
	h.busy = true
	h.mu.Unlock()
	return nil
}

func (h *VMHandle) endEval() {
	h.mu.Lock()
	h.busy = false
	h.mu.Unlock()
}

// EvaluateFile evaluates the Jsonnet file at filename and returns the
// serialized output. Engine failures surface as *EvaluationError.
func (h *VMHandle) EvaluateFile(filename string) (string, error) {
	if err := h.beginEval(); err != nil {
		return "", err
	}
	defer h.endEval()

	cFilename := C.CString(filename)
	defer C.free(unsafe.Pointer(cFilename))

	var cErr C.int
	buf := C.jsonnet_evaluate_file(h.vm, cFilename, &cErr)
	return h.finishEval(buf, cErr)
}

// EvaluateSnippet evaluates snippet as Jsonnet code. filename is only
// used in diagnostics.
func (h *VMHandle) EvaluateSnippet(filename, snippet string) (string, error) {
	if err := h.beginEval(); err != nil {
		return "", err
	}
	defer h.endEval()

	cFilename := C.CString(filename)
	defer C.free(unsafe.Pointer(cFilename))
	cSnippet := C.CString(snippet)
	defer C.free(unsafe.Pointer(cSnippet))

	var cErr C.int
	buf := C.jsonnet_evaluate_snippet(h.vm, cFilename, cSnippet, &cErr)
	return h.finishEval(buf, cErr)
}

// finishEval copies the raw evaluation result out of the engine buffer,
// releases the buffer, and maps the success flag onto (string, error).
func (h *VMHandle) finishEval(buf *C.char, cErr C.int) (string, error) {
	res := resultBuffer{h: h, ptr: buf}
	defer res.release()

	out, err := res.text()
	if err != nil {
		return "", err
	}
	if cErr != 0 {
		return "", &EvaluationError{Msg: strings.TrimRight(out, "\n")}
	}
	return out, nil
}

// -----------------------------
// String/buffer bridge
// -----------------------------

// resultBuffer wraps an engine-allocated byte string. It tracks whether
// the buffer has been handed back so the jsonnet_realloc free protocol
// runs at most once.
type resultBuffer struct {
	h        *VMHandle
	ptr      *C.char
	released bool
}

// text copies the NUL-terminated contents into a Go string.
func (b *resultBuffer) text() (string, error) {
	if b.ptr == nil {
		return "", fmt.Errorf("%w: engine returned no buffer", ErrDecoding)
	}
	s := C.GoString(b.ptr)
	if !utf8.ValidString(s) {
		return "", fmt.Errorf("%w: engine buffer is not valid UTF-8", ErrDecoding)
	}
	return s, nil
}

// release returns the buffer to the engine's allocator. Safe to call
// more than once; only the first call frees.
func (b *resultBuffer) release() {
	if b.released || b.ptr == nil {
		b.released = true
		return
	}
	C.jsonnet_realloc(b.h.vm, b.ptr, 0)
	b.ptr = nil
	b.released = true
}

// allocCString copies s into a NUL-terminated buffer allocated with the
// engine's allocator. Required for anything the engine will later free
// itself (import contents, resolved paths, diagnostics returned from
// callbacks). The caller or the engine owns the result; this function
// never retains it.
func (h *VMHandle) allocCString(s string) (*C.char, error) {
	if !utf8.ValidString(s) {
		return nil, fmt.Errorf("%w: string is not valid UTF-8", ErrEncoding)
	}
	n := len(s) + 1
	buf := C.jsonnet_realloc(h.vm, nil, C.size_t(n))
	if buf == nil {
		return nil, fmt.Errorf("%w: jsonnet_realloc of %d bytes failed", ErrResourceExhausted, n)
	}
	dst := unsafe.Slice((*byte)(unsafe.Pointer(buf)), n)
	copy(dst, s)
	dst[n-1] = 0
	return buf, nil
}

// freeCString releases a buffer previously obtained from allocCString
// that is not being handed to the engine after all.
func (h *VMHandle) freeCString(buf *C.char) {
	if buf != nil {
		C.jsonnet_realloc(h.vm, buf, 0)
	}
}

// allocDiag is the infallible variant used on callback failure paths:
// the boundary must hand the engine some diagnostic, so invalid UTF-8
// is replaced rather than rejected and allocation failure degrades to
// NULL (which the engine reports as an unknown error).
func (h *VMHandle) allocDiag(msg string) *C.char {
	buf, err := h.allocCString(strings.ToValidUTF8(msg, "�"))
	if err != nil {
		return nil
	}
	return buf
}

// -----------------------------
// Value codec, C half
// -----------------------------

// makeJSONValue builds an engine-owned JsonnetJsonValue tree from v.
// The tree is allocated against this VM; on error every partially built
// node is destroyed before returning. On success the caller owns the
// tree and either destroys it or transfers it to the engine by call
// convention (e.g. as a native callback result).
func (h *VMHandle) makeJSONValue(v Value) (*C.struct_JsonnetJsonValue, error) {
	switch v.Tag {
	case TagNull:
		return C.jsonnet_json_make_null(h.vm), nil
	case TagBool:
		b := C.int(0)
		if v.Data.(bool) {
			b = 1
		}
		return C.jsonnet_json_make_bool(h.vm, b), nil
	case TagNumber:
		return C.jsonnet_json_make_number(h.vm, C.double(v.Data.(float64))), nil
	case TagString:
		s := v.Data.(string)
		if !utf8.ValidString(s) {
			return nil, fmt.Errorf("%w: string is not valid UTF-8", ErrEncoding)
		}
		cs := C.CString(s)
		defer C.free(unsafe.Pointer(cs))
		return C.jsonnet_json_make_string(h.vm, cs), nil
	case TagArray:
		arr := C.jsonnet_json_make_array(h.vm)
		for _, e := range v.Data.([]Value) {
			ev, err := h.makeJSONValue(e)
			if err != nil {
				C.jsonnet_json_destroy(h.vm, arr)
				return nil, err
			}
			// Append transfers ownership of ev to arr.
			C.jsonnet_json_array_append(h.vm, arr, ev)
		}
		return arr, nil
	case TagObject:
		obj := C.jsonnet_json_make_object(h.vm)
		for k, f := range v.Data.(map[string]Value) {
			if !utf8.ValidString(k) {
				C.jsonnet_json_destroy(h.vm, obj)
				return nil, fmt.Errorf("%w: object key is not valid UTF-8", ErrEncoding)
			}
			fv, err := h.makeJSONValue(f)
			if err != nil {
				C.jsonnet_json_destroy(h.vm, obj)
				return nil, err
			}
			ck := C.CString(k)
			C.jsonnet_json_object_append(h.vm, obj, ck, fv)
			C.free(unsafe.Pointer(ck))
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedType, v.Tag)
	}
}

// extractJSONValue reads an engine-owned JsonnetJsonValue into a host
// Value, copying all content. Only primitives can be read back: the
// engine's public C surface offers no array/object iteration, a
// limitation inherited from libjsonnet. The input is never mutated or
// destroyed.
func (h *VMHandle) extractJSONValue(p *C.struct_JsonnetJsonValue) (Value, error) {
	if cs := C.jsonnet_json_extract_string(h.vm, p); cs != nil {
		s := C.GoString(cs)
		if !utf8.ValidString(s) {
			return Value{}, fmt.Errorf("%w: engine string is not valid UTF-8", ErrDecoding)
		}
		return Str(s), nil
	}
	var d C.double
	if C.jsonnet_json_extract_number(h.vm, p, &d) != 0 {
		return Num(float64(d)), nil
	}
	if b := C.jsonnet_json_extract_bool(h.vm, p); b != 2 {
		return Bool(b != 0), nil
	}
	if C.jsonnet_json_extract_null(h.vm, p) != 0 {
		return Null, nil
	}
	return Value{}, fmt.Errorf("%w: engine value is not a primitive", ErrDecoding)
}

// Version returns the version string of the underlying libjsonnet.
func Version() string {
	return C.GoString(C.jsonnet_version())
}
