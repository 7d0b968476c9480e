// Package decode reads and validates the WebAssembly MVP (20191205) binary
// module format: the preamble plus the type, import, function, memory,
// export, and code sections needed to run a smart-contract-style guest
// module end to end. It deliberately does not cover every Wasm 1.0 section
// (tables, elements, globals, start, data) — those are out of this
// engine's scope, and Decode skips such sections without decoding them.
package decode

import (
	"encoding/binary"
	"math"

	"github.com/wasmguard/wasmguard"
	"github.com/wasmguard/wasmguard/api"
	"github.com/wasmguard/wasmguard/internal/arena"
)

// scratchSlack covers the 16-byte alignment padding a Bounded arena can lose
// per allocation; decode copies names and code bodies into it, one
// allocation per name/body. It is a fixed margin added on top of the
// len(data)*2 part of the arena size, which is what scales with the input.
const scratchSlack = 1 << 16

const (
	magic   = 0x6d736100 // "\0asm"
	version = 1
)

// FuncType is one entry of the type section: a parameter/result signature.
type FuncType struct {
	Params  []api.ValueKind
	Results []api.ValueKind
}

// Import is one entry of the import section. Only function imports are
// supported; Kind distinguishes them for forward-compatible decoding of
// modules that also import memories (rejected with module.validate, since
// this engine always constructs its own memory rather than importing one).
type Import struct {
	Module, Field string
	Kind          byte // 0 = func
	TypeIndex     uint32
}

// Export is one entry of the export section.
type Export struct {
	Name  string
	Kind  byte // 0 = func, 2 = memory
	Index uint32
}

// MemoryLimits is a memory section's single entry (the MVP allows at most
// one memory).
type MemoryLimits struct {
	Initial uint32
	Max     uint32
	HasMax  bool
}

// Code is one function body: its declared locals (grouped by run, per the
// wire format) and raw instruction bytes.
type Code struct {
	Locals []LocalGroup
	Body   []byte
}

// LocalGroup is a run of N locals of the same ValueKind.
type LocalGroup struct {
	Count int
	Kind  api.ValueKind
}

// Module is a fully decoded module, ready for internal/interp to run.
type Module struct {
	Types    []FuncType
	Imports  []Import
	FuncSigs []uint32 // one type index per locally-defined function
	Memory   *MemoryLimits
	Exports  []Export
	Code     []Code // one entry per locally-defined function, same order as FuncSigs
}

// reader is a cursor over the module bytes with the LEB128 and section
// primitives the decoder needs. scratch, when set, is the Bounded arena
// names and code bodies are copied into so a decoded Module owns stable
// memory independent of the caller's input slice, rather than aliasing
// sub-ranges of it indefinitely.
type reader struct {
	buf     []byte
	pos     int
	scratch *arena.Bounded
}

func (r *reader) remaining() int { return len(r.buf) - r.pos }

func (r *reader) byte() (byte, error) {
	if r.remaining() < 1 {
		return 0, wasmguard.NewError(wasmguard.KindModuleDecode, "unexpected end of input at offset %d", r.pos)
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if r.remaining() < n {
		return nil, wasmguard.NewError(wasmguard.KindModuleDecode, "unexpected end of input at offset %d (need %d bytes)", r.pos, n)
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// varuint32 reads an LEB128-encoded unsigned 32-bit integer.
func (r *reader) varuint32() (uint32, error) {
	var result uint64
	var shift uint
	for {
		b, err := r.byte()
		if err != nil {
			return 0, err
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			break
		}
		shift += 7
		if shift >= 35 {
			return 0, wasmguard.NewError(wasmguard.KindModuleDecode, "varuint32 overflow at offset %d", r.pos)
		}
	}
	return uint32(result), nil
}

// varint64 reads an LEB128-encoded signed 64-bit integer (used for i64.const
// and, truncated, i32.const per the MVP encoding).
func (r *reader) varint64() (int64, error) {
	var result int64
	var shift uint
	var b byte
	var err error
	for {
		b, err = r.byte()
		if err != nil {
			return 0, err
		}
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
		if shift >= 64 {
			return 0, wasmguard.NewError(wasmguard.KindModuleDecode, "varint64 overflow at offset %d", r.pos)
		}
	}
	if shift < 64 && b&0x40 != 0 {
		result |= -1 << shift
	}
	return result, nil
}

func (r *reader) name() (string, error) {
	n, err := r.varuint32()
	if err != nil {
		return "", err
	}
	b, err := r.bytes(int(n))
	if err != nil {
		return "", err
	}
	return r.own(b)
}

// own copies b into the reader's scratch arena (if bound) so the resulting
// string/slice doesn't keep the caller's original wasmBytes alive forever,
// falling back to the ordinary string-conversion copy when no arena is
// bound.
func (r *reader) own(b []byte) (string, error) {
	if r.scratch == nil {
		return string(b), nil
	}
	buf, err := r.scratch.Alloc(len(b))
	if err != nil {
		return "", err
	}
	copy(buf, b)
	return string(buf), nil
}

func (r *reader) valueKind() (api.ValueKind, error) {
	b, err := r.byte()
	if err != nil {
		return 0, err
	}
	switch b {
	case 0x7f:
		return api.ValueKindI32, nil
	case 0x7e:
		return api.ValueKindI64, nil
	case 0x7d:
		return api.ValueKindF32, nil
	case 0x7c:
		return api.ValueKindF64, nil
	default:
		return 0, wasmguard.NewError(wasmguard.KindModuleDecode, "unknown value type byte %#x at offset %d", b, r.pos-1)
	}
}

// Decode parses and structurally validates a WASM MVP binary module. Names
// and code bodies read out of data are copied into a Bounded scratch arena
// sized off len(data) rather than kept as aliases into the caller's slice.
func Decode(data []byte) (*Module, error) {
	scratch, err := arena.NewBounded(len(data)*2 + scratchSlack)
	if err != nil {
		return nil, err
	}
	r := &reader{buf: data, scratch: scratch}
	if r.remaining() < 8 {
		return nil, wasmguard.NewError(wasmguard.KindModuleDecode, "input too short to contain a module preamble")
	}
	gotMagic := binary.LittleEndian.Uint32(r.buf[0:4])
	gotVersion := binary.LittleEndian.Uint32(r.buf[4:8])
	if gotMagic != magic {
		return nil, wasmguard.NewError(wasmguard.KindModuleDecode, "bad magic %#x", gotMagic)
	}
	if gotVersion != version {
		return nil, wasmguard.NewError(wasmguard.KindModuleDecode, "unsupported version %d", gotVersion)
	}
	r.pos = 8

	m := &Module{}
	for r.remaining() > 0 {
		id, err := r.byte()
		if err != nil {
			return nil, err
		}
		size, err := r.varuint32()
		if err != nil {
			return nil, err
		}
		sectionBytes, err := r.bytes(int(size))
		if err != nil {
			return nil, err
		}
		sr := &reader{buf: sectionBytes, scratch: r.scratch}
		switch id {
		case 1:
			if err := decodeTypeSection(sr, m); err != nil {
				return nil, err
			}
		case 2:
			if err := decodeImportSection(sr, m); err != nil {
				return nil, err
			}
		case 3:
			if err := decodeFunctionSection(sr, m); err != nil {
				return nil, err
			}
		case 5:
			if err := decodeMemorySection(sr, m); err != nil {
				return nil, err
			}
		case 7:
			if err := decodeExportSection(sr, m); err != nil {
				return nil, err
			}
		case 10:
			if err := decodeCodeSection(sr, m); err != nil {
				return nil, err
			}
		default:
			// Unsupported section (table/global/start/element/data/custom):
			// skipped rather than rejected, since a module may legally carry
			// a custom section (name section, producers) this engine ignores.
		}
	}
	if err := validate(m); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeTypeSection(r *reader, m *Module) error {
	count, err := r.varuint32()
	if err != nil {
		return err
	}
	m.Types = make([]FuncType, 0, count)
	for i := uint32(0); i < count; i++ {
		form, err := r.byte()
		if err != nil {
			return err
		}
		if form != 0x60 {
			return wasmguard.NewError(wasmguard.KindModuleDecode, "type %d: expected func form 0x60, got %#x", i, form)
		}
		paramCount, err := r.varuint32()
		if err != nil {
			return err
		}
		params := make([]api.ValueKind, paramCount)
		for j := range params {
			if params[j], err = r.valueKind(); err != nil {
				return err
			}
		}
		resultCount, err := r.varuint32()
		if err != nil {
			return err
		}
		results := make([]api.ValueKind, resultCount)
		for j := range results {
			if results[j], err = r.valueKind(); err != nil {
				return err
			}
		}
		m.Types = append(m.Types, FuncType{Params: params, Results: results})
	}
	return nil
}

func decodeImportSection(r *reader, m *Module) error {
	count, err := r.varuint32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		mod, err := r.name()
		if err != nil {
			return err
		}
		field, err := r.name()
		if err != nil {
			return err
		}
		kind, err := r.byte()
		if err != nil {
			return err
		}
		switch kind {
		case 0: // func
			typeIdx, err := r.varuint32()
			if err != nil {
				return err
			}
			m.Imports = append(m.Imports, Import{Module: mod, Field: field, Kind: kind, TypeIndex: typeIdx})
		case 2: // memory
			return wasmguard.NewError(wasmguard.KindModuleValidate, "import %s.%s: imported memories are not supported, memory is always host-constructed", mod, field)
		default:
			return wasmguard.NewError(wasmguard.KindModuleValidate, "import %s.%s: unsupported import kind %d", mod, field, kind)
		}
	}
	return nil
}

func decodeFunctionSection(r *reader, m *Module) error {
	count, err := r.varuint32()
	if err != nil {
		return err
	}
	m.FuncSigs = make([]uint32, count)
	for i := range m.FuncSigs {
		if m.FuncSigs[i], err = r.varuint32(); err != nil {
			return err
		}
	}
	return nil
}

func decodeMemorySection(r *reader, m *Module) error {
	count, err := r.varuint32()
	if err != nil {
		return err
	}
	if count == 0 {
		return nil
	}
	if count != 1 {
		return wasmguard.NewError(wasmguard.KindModuleValidate, "at most one memory is supported, got %d", count)
	}
	flags, err := r.byte()
	if err != nil {
		return err
	}
	initial, err := r.varuint32()
	if err != nil {
		return err
	}
	limits := &MemoryLimits{Initial: initial}
	if flags&0x1 != 0 {
		max, err := r.varuint32()
		if err != nil {
			return err
		}
		limits.Max = max
		limits.HasMax = true
	}
	m.Memory = limits
	return nil
}

func decodeExportSection(r *reader, m *Module) error {
	count, err := r.varuint32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		name, err := r.name()
		if err != nil {
			return err
		}
		kind, err := r.byte()
		if err != nil {
			return err
		}
		idx, err := r.varuint32()
		if err != nil {
			return err
		}
		m.Exports = append(m.Exports, Export{Name: name, Kind: kind, Index: idx})
	}
	return nil
}

func decodeCodeSection(r *reader, m *Module) error {
	count, err := r.varuint32()
	if err != nil {
		return err
	}
	m.Code = make([]Code, 0, count)
	for i := uint32(0); i < count; i++ {
		bodySize, err := r.varuint32()
		if err != nil {
			return err
		}
		bodyBytes, err := r.bytes(int(bodySize))
		if err != nil {
			return err
		}
		br := &reader{buf: bodyBytes, scratch: r.scratch}
		localGroupCount, err := br.varuint32()
		if err != nil {
			return err
		}
		groups := make([]LocalGroup, localGroupCount)
		for g := range groups {
			n, err := br.varuint32()
			if err != nil {
				return err
			}
			kind, err := br.valueKind()
			if err != nil {
				return err
			}
			groups[g] = LocalGroup{Count: int(n), Kind: kind}
		}
		rawBody := br.buf[br.pos:]
		var body []byte
		if br.scratch != nil {
			var allocErr error
			body, allocErr = br.scratch.Alloc(len(rawBody))
			if allocErr != nil {
				return allocErr
			}
			copy(body, rawBody)
		} else {
			body = rawBody
		}
		m.Code = append(m.Code, Code{Locals: groups, Body: body})
	}
	return nil
}

func validate(m *Module) error {
	for _, imp := range m.Imports {
		if int(imp.TypeIndex) >= len(m.Types) {
			return wasmguard.NewError(wasmguard.KindModuleValidate, "import %s.%s: type index %d out of range", imp.Module, imp.Field, imp.TypeIndex)
		}
	}
	for i, sig := range m.FuncSigs {
		if int(sig) >= len(m.Types) {
			return wasmguard.NewError(wasmguard.KindModuleValidate, "function %d: type index %d out of range", i, sig)
		}
	}
	if len(m.FuncSigs) != len(m.Code) {
		return wasmguard.NewError(wasmguard.KindModuleValidate, "function section declares %d functions but code section has %d bodies", len(m.FuncSigs), len(m.Code))
	}
	numImportedFuncs := 0
	for _, imp := range m.Imports {
		if imp.Kind == 0 {
			numImportedFuncs++
		}
	}
	totalFuncs := numImportedFuncs + len(m.FuncSigs)
	for _, exp := range m.Exports {
		if exp.Kind == 0 && int(exp.Index) >= totalFuncs {
			return wasmguard.NewError(wasmguard.KindModuleValidate, "export %q: function index %d out of range", exp.Name, exp.Index)
		}
	}
	return nil
}

// I32Const, I64Const, F32Const, and F64Const decode an immediate at the
// given offset into a code body, returning the value and the offset of the
// next instruction. Used by internal/interp rather than kept as unexported
// reader state, since the interpreter advances its own PC independently of
// decode time.
func I32Const(body []byte, pc int) (int32, int, error) {
	r := &reader{buf: body, pos: pc}
	v, err := r.varint64()
	if err != nil {
		return 0, 0, err
	}
	return int32(v), r.pos, nil
}

func I64Const(body []byte, pc int) (int64, int, error) {
	r := &reader{buf: body, pos: pc}
	v, err := r.varint64()
	if err != nil {
		return 0, 0, err
	}
	return v, r.pos, nil
}

func F32Const(body []byte, pc int) (float32, int, error) {
	if pc+4 > len(body) {
		return 0, 0, wasmguard.NewError(wasmguard.KindModuleDecode, "f32.const truncated at offset %d", pc)
	}
	bits := binary.LittleEndian.Uint32(body[pc : pc+4])
	return math.Float32frombits(bits), pc + 4, nil
}

func F64Const(body []byte, pc int) (float64, int, error) {
	if pc+8 > len(body) {
		return 0, 0, wasmguard.NewError(wasmguard.KindModuleDecode, "f64.const truncated at offset %d", pc)
	}
	bits := binary.LittleEndian.Uint64(body[pc : pc+8])
	return math.Float64frombits(bits), pc + 8, nil
}

// Varuint32At decodes a LEB128 varuint32 at pc (used for local/global/call
// indices and memarg alignment+offset pairs), returning the value and the
// offset just past it.
func Varuint32At(body []byte, pc int) (uint32, int, error) {
	r := &reader{buf: body, pos: pc}
	v, err := r.varuint32()
	if err != nil {
		return 0, 0, err
	}
	return v, r.pos, nil
}
