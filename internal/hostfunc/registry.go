// Package hostfunc derives WASM call signatures from native Go function
// values via reflection and resolves guest imports against them, the way a
// host embedding the engine registers native callbacks without having to
// hand-write a signature descriptor for each one. Beyond the four numeric
// value kinds, a native function may also declare a []byte parameter (a
// guest (ptr, len) pair translated into a live, bounds-checked range of the
// bound Linear Memory) or a string parameter (a guest pointer to a
// NUL-terminated C string), and may return a trailing error to signal a
// guest-visible failure instead of a numeric result.
package hostfunc

import (
	"context"
	"reflect"

	"github.com/wasmguard/wasmguard"
	"github.com/wasmguard/wasmguard/api"
)

// Signature is a derived WASM function type: parameter and result value
// kinds in call order. This is always the WASM-visible shape — a []byte
// parameter appears here as two api.ValueKindI32 entries (ptr, len), a
// string parameter as one, and a trailing error return contributes nothing,
// since neither has a guest-visible numeric representation of its own.
type Signature struct {
	Params  []api.ValueKind
	Results []api.ValueKind
}

// Equal reports whether two signatures have identical param/result kinds.
func (s Signature) Equal(o Signature) bool {
	if len(s.Params) != len(o.Params) || len(s.Results) != len(o.Results) {
		return false
	}
	for i := range s.Params {
		if s.Params[i] != o.Params[i] {
			return false
		}
	}
	for i := range s.Results {
		if s.Results[i] != o.Results[i] {
			return false
		}
	}
	return true
}

// paramShape describes how one native parameter maps onto the WASM-visible
// argument list.
type paramShape int

const (
	// paramValue consumes exactly one WASM argument, translated via kindOf.
	paramValue paramShape = iota
	// paramBytes consumes a (ptr, len) pair of i32 arguments, translated into
	// a live []byte view of the bound memory.
	paramBytes
	// paramCString consumes a single ptr i32 argument, translated into a Go
	// string read out of the bound memory up to its NUL terminator.
	paramCString
)

// binding is one registered native function: its derived signature, the
// reflect.Value used to invoke it, and the per-parameter translation the
// invoker needs to reconstruct the native call from WASM-level args.
type binding struct {
	sig            Signature
	fn             reflect.Value
	paramShapes    []paramShape // one per native parameter, excluding a leading context.Context
	hasErrorReturn bool         // true if fn's last return value is error
}

// key identifies an import by (module, field) pair.
type key struct {
	module, field string
}

// Registry holds the native functions a host has made available to guest
// modules, keyed by (module, field). The import table for a particular
// guest module is built from it by Resolve and returned to the caller.
type Registry struct {
	bindings map[key]binding
}

// New returns an empty host-function registry.
func New() *Registry {
	return &Registry{bindings: make(map[key]binding)}
}

// Register binds a native Go function under (module, field). The function's
// signature is derived from its Go type: every parameter must be one of
// uint32, int32, uint64, int64, float32, float64, []byte (a guest pointer
// range), or string (a guest C string), optionally preceded by a leading
// context.Context parameter which is not part of the WASM-visible signature.
// Results follow the same numeric set, plus an optional trailing error used
// to signal a guest-visible failure rather than return a value. Registering
// a second function under an already-used (module, field) fails with
// link.duplicate.
func Register(r *Registry, module, field string, fn any) error {
	k := key{module, field}
	if _, exists := r.bindings[k]; exists {
		return wasmguard.NewError(wasmguard.KindLinkDuplicate, "host function %s.%s already registered", module, field)
	}
	b, err := deriveBinding(fn)
	if err != nil {
		return wasmguard.WrapError(wasmguard.KindLinkSignature, err, "deriving signature for %s.%s", module, field)
	}
	r.bindings[k] = b
	return nil
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	byteSliceType = reflect.TypeOf([]byte(nil))
)

func deriveBinding(fn any) (binding, error) {
	rv := reflect.ValueOf(fn)
	if rv.Kind() != reflect.Func {
		return binding{}, wasmguard.NewError(wasmguard.KindLinkSignature, "not a function: %T", fn)
	}
	t := rv.Type()
	numIn := t.NumIn()
	start := 0
	if numIn > 0 && t.In(0).Implements(contextType) {
		start = 1
	}

	var sig Signature
	shapes := make([]paramShape, 0, numIn-start)
	for i := start; i < numIn; i++ {
		pt := t.In(i)
		switch {
		case pt == byteSliceType:
			sig.Params = append(sig.Params, api.ValueKindI32, api.ValueKindI32)
			shapes = append(shapes, paramBytes)
		case pt.Kind() == reflect.String:
			sig.Params = append(sig.Params, api.ValueKindI32)
			shapes = append(shapes, paramCString)
		default:
			k, err := kindOf(pt)
			if err != nil {
				return binding{}, err
			}
			sig.Params = append(sig.Params, k)
			shapes = append(shapes, paramValue)
		}
	}

	hasErrorReturn := false
	numOut := t.NumOut()
	for i := 0; i < numOut; i++ {
		ot := t.Out(i)
		if ot == errorType {
			if i != numOut-1 {
				return binding{}, wasmguard.NewError(wasmguard.KindLinkSignature,
					"error return must be the last result, got it at position %d of %d", i, numOut)
			}
			hasErrorReturn = true
			continue
		}
		k, err := kindOf(ot)
		if err != nil {
			return binding{}, err
		}
		sig.Results = append(sig.Results, k)
	}

	return binding{sig: sig, fn: rv, paramShapes: shapes, hasErrorReturn: hasErrorReturn}, nil
}

func kindOf(t reflect.Type) (api.ValueKind, error) {
	switch t.Kind() {
	case reflect.Uint32, reflect.Int32:
		return api.ValueKindI32, nil
	case reflect.Uint64, reflect.Int64:
		return api.ValueKindI64, nil
	case reflect.Float32:
		return api.ValueKindF32, nil
	case reflect.Float64:
		return api.ValueKindF64, nil
	default:
		return 0, wasmguard.NewError(wasmguard.KindLinkSignature, "unsupported host function type %s", t)
	}
}

// Lookup returns the signature of the binding registered under
// (module, field), if any.
func (r *Registry) Lookup(module, field string) (Signature, bool) {
	b, ok := r.bindings[key{module, field}]
	return b.sig, ok
}

// Resolved is one guest import bound to a host function, built by Resolve.
type Resolved struct {
	Module, Field string
	Signature     Signature
	fn            reflect.Value
	paramShapes   []paramShape
	hasErrorReturn bool
}

// Import describes one entry of a guest module's import section that this
// registry must satisfy.
type Import struct {
	Module, Field string
	Expected      Signature
}

// Resolve builds the import table for a guest module's import section,
// failing with link.unresolved for any import with no matching registration
// and link.signature for any import whose expected signature doesn't match
// the registered one.
func Resolve(r *Registry, imports []Import) ([]Resolved, error) {
	out := make([]Resolved, 0, len(imports))
	for _, imp := range imports {
		b, ok := r.bindings[key{imp.Module, imp.Field}]
		if !ok {
			return nil, wasmguard.NewError(wasmguard.KindLinkUnresolved, "unresolved import %s.%s", imp.Module, imp.Field)
		}
		if !b.sig.Equal(imp.Expected) {
			return nil, wasmguard.NewError(wasmguard.KindLinkSignature,
				"import %s.%s signature mismatch: expected %+v, registered %+v", imp.Module, imp.Field, imp.Expected, b.sig)
		}
		out = append(out, Resolved{
			Module: imp.Module, Field: imp.Field, Signature: b.sig,
			fn: b.fn, paramShapes: b.paramShapes, hasErrorReturn: b.hasErrorReturn,
		})
	}
	return out, nil
}

// MemoryView is the subset of internal/memory.Memory a host function's
// pointer-typed arguments are translated against. A nil MemoryView is valid
// when invoking a function with no pointer-typed parameters.
type MemoryView interface {
	Bytes(offset, length uint32) ([]byte, error)
	CString(offset uint32) (string, error)
}

// Invoke calls a resolved host function with the given operand-stack args
// (low 32/64 bits of each Value reinterpreted per the function's declared
// parameter type). A []byte or string parameter instead consumes two or one
// i32 guest-pointer arguments at its own position in the argument list and
// is translated against mem, which must be non-nil if any such parameter is
// declared. Guest pointers are not checked for alignment: a misaligned
// pointer is translated as-is. ctx is passed as the
// function's first argument if (and only if) it declared a leading
// context.Context parameter. If the native function's last return value is
// error and non-nil, Invoke returns it as its own error (wrapped trap.exit)
// instead of any numeric results, the mechanism a host function uses to
// signal an assert-style guest failure.
func (res Resolved) Invoke(ctx context.Context, mem MemoryView, args []api.Value) ([]api.Value, error) {
	if len(args) != len(res.Signature.Params) {
		return nil, wasmguard.NewError(wasmguard.KindTrapTypeMismatch,
			"%s.%s expects %d args, got %d", res.Module, res.Field, len(res.Signature.Params), len(args))
	}
	t := res.fn.Type()
	offset := t.NumIn() - len(res.paramShapes)
	in := make([]reflect.Value, t.NumIn())
	if offset == 1 {
		in[0] = reflect.ValueOf(ctx)
	}

	wasmIdx := 0
	for i, shape := range res.paramShapes {
		goIdx := offset + i
		switch shape {
		case paramBytes:
			ptr := args[wasmIdx].I32()
			n := args[wasmIdx+1].I32()
			wasmIdx += 2
			if mem == nil {
				return nil, wasmguard.NewError(wasmguard.KindTrapMemory,
					"%s.%s: pointer argument requires a bound memory", res.Module, res.Field)
			}
			buf, err := mem.Bytes(ptr, n)
			if err != nil {
				return nil, err
			}
			in[goIdx] = reflect.ValueOf(buf)
		case paramCString:
			ptr := args[wasmIdx].I32()
			wasmIdx++
			if mem == nil {
				return nil, wasmguard.NewError(wasmguard.KindTrapMemory,
					"%s.%s: pointer argument requires a bound memory", res.Module, res.Field)
			}
			s, err := mem.CString(ptr)
			if err != nil {
				return nil, err
			}
			in[goIdx] = reflect.ValueOf(s)
		default:
			in[goIdx] = reflectValueOf(t.In(goIdx), args[wasmIdx])
			wasmIdx++
		}
	}

	out := res.fn.Call(in)
	numResults := len(out)
	if res.hasErrorReturn {
		numResults--
		errVal := out[len(out)-1]
		if !errVal.IsNil() {
			cause, _ := errVal.Interface().(error)
			return nil, wasmguard.WrapError(wasmguard.KindTrapExit, cause, "%s.%s signalled failure", res.Module, res.Field)
		}
	}
	results := make([]api.Value, numResults)
	for i := 0; i < numResults; i++ {
		results[i] = valueOf(res.Signature.Results[i], out[i])
	}
	return results, nil
}

func reflectValueOf(t reflect.Type, v api.Value) reflect.Value {
	switch t.Kind() {
	case reflect.Uint32:
		return reflect.ValueOf(v.I32())
	case reflect.Int32:
		return reflect.ValueOf(int32(v.I32()))
	case reflect.Uint64:
		return reflect.ValueOf(v.I64())
	case reflect.Int64:
		return reflect.ValueOf(int64(v.I64()))
	case reflect.Float32:
		return reflect.ValueOf(v.F32())
	case reflect.Float64:
		return reflect.ValueOf(v.F64())
	default:
		panic("unreachable: kindOf rejects this type at registration time")
	}
}

func valueOf(kind api.ValueKind, rv reflect.Value) api.Value {
	switch kind {
	case api.ValueKindI32:
		if rv.Kind() == reflect.Int32 {
			return api.I32(uint32(rv.Int()))
		}
		return api.I32(uint32(rv.Uint()))
	case api.ValueKindI64:
		if rv.Kind() == reflect.Int64 {
			return api.I64(uint64(rv.Int()))
		}
		return api.I64(rv.Uint())
	case api.ValueKindF32:
		return api.F32(float32(rv.Float()))
	default:
		return api.F64(rv.Float())
	}
}
