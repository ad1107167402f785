// callbacks.go: engine-initiated re-entry into host code.
//
// The engine calls these two exported entry points synchronously while
// the host thread is blocked inside Evaluate*. The cookie argument is a
// runtime/cgo Handle (a stable integer identifier, never a Go pointer)
// resolved back to the registered host logic here.
//
// Nothing may panic across this boundary: a Go panic unwinding into
// libjsonnet's C++ frames is undefined behavior. Every failure, raised
// or panicked, is converted into the engine's output-parameter protocol
// (success=0 plus an engine-allocated diagnostic).
package jsonnet

/*
#include <stdlib.h>
#include <libjsonnet.h>
*/
import "C"

import (
	"fmt"
	"runtime/cgo"
	"unsafe"
)

//export goJsonnetImport
func goJsonnetImport(ctx unsafe.Pointer, base, rel *C.char, foundHere **C.char, success *C.int) (ret *C.char) {
	h := cgo.Handle(uintptr(ctx)).Value().(*VMHandle)
	*success = 0

	defer func() {
		if r := recover(); r != nil {
			*success = 0
			ret = h.allocDiag(fmt.Sprintf("import: panic: %v", r))
		}
	}()

	contents, foundAt, err := h.importFn(C.GoString(base), C.GoString(rel))
	if err != nil {
		return h.allocDiag((&CallbackError{Name: "import", Err: err}).Error())
	}

	// Both buffers must come from the engine's allocator; the engine
	// frees them with jsonnet_realloc once it has consumed them.
	fh, err := h.allocCString(foundAt)
	if err != nil {
		return h.allocDiag((&CallbackError{Name: "import", Err: err}).Error())
	}
	cbuf, err := h.allocCString(contents)
	if err != nil {
		h.freeCString(fh)
		return h.allocDiag((&CallbackError{Name: "import", Err: err}).Error())
	}

	*foundHere = fh
	*success = 1
	return cbuf
}

//export goJsonnetNative
func goJsonnetNative(ctx unsafe.Pointer, argv **C.struct_JsonnetJsonValue, success *C.int) (ret *C.struct_JsonnetJsonValue) {
	entry := cgo.Handle(uintptr(ctx)).Value().(*nativeEntry)
	h := entry.h
	*success = 0

	fail := func(err error) *C.struct_JsonnetJsonValue {
		*success = 0
		diag := (&CallbackError{Name: entry.name, Err: err}).Error()
		// A diagnostic string is always representable; nil would only
		// occur if the engine itself is out of memory.
		cs := C.CString(diag)
		defer C.free(unsafe.Pointer(cs))
		return C.jsonnet_json_make_string(h.vm, cs)
	}

	defer func() {
		if r := recover(); r != nil {
			ret = fail(fmt.Errorf("panic: %v", r))
		}
	}()

	// Fixed arity: the engine passes exactly one argument per declared
	// parameter name, in declaration order.
	args := make([]any, len(entry.params))
	if len(entry.params) > 0 {
		cargs := unsafe.Slice(argv, len(entry.params))
		for i, ca := range cargs {
			v, err := h.extractJSONValue(ca)
			if err != nil {
				return fail(fmt.Errorf("argument %q: %w", entry.params[i], err))
			}
			args[i] = v.Interface()
		}
	}

	out, err := entry.fn(args)
	if err != nil {
		return fail(err)
	}

	v, err := Encode(out)
	if err != nil {
		return fail(err)
	}
	cv, err := h.makeJSONValue(v)
	if err != nil {
		return fail(err)
	}

	// Ownership of cv transfers to the engine with the return.
	*success = 1
	return cv
}
