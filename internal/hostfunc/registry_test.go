package hostfunc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasmguard/wasmguard"
	"github.com/wasmguard/wasmguard/api"
)

func add(a, b uint32) uint32 { return a + b }

// fakeMemory is a minimal MemoryView backed by a plain byte slice, standing
// in for internal/memory.Memory so hostfunc's pointer-translation path can
// be exercised without a real mmap reservation.
type fakeMemory []byte

func (m fakeMemory) Bytes(offset, length uint32) ([]byte, error) {
	end := uint64(offset) + uint64(length)
	if end > uint64(len(m)) {
		return nil, wasmguard.NewError(wasmguard.KindTrapMemory, "out of range")
	}
	return m[offset:end], nil
}

func (m fakeMemory) CString(offset uint32) (string, error) {
	if uint64(offset) > uint64(len(m)) {
		return "", wasmguard.NewError(wasmguard.KindTrapMemory, "out of range")
	}
	for i := offset; int(i) < len(m); i++ {
		if m[i] == 0 {
			return string(m[offset:i]), nil
		}
	}
	return "", wasmguard.NewError(wasmguard.KindTrapMemory, "unterminated")
}

func memset(buf []byte, val uint32) {
	b := byte(val)
	for i := range buf {
		buf[i] = b
	}
}

func assertCond(cond uint32, msg string) error {
	if cond != 0 {
		return nil
	}
	return errors.New(msg)
}

func TestRegisterDeriveAndInvoke(t *testing.T) {
	reg := New()
	require.NoError(t, Register(reg, "env", "add", add))

	sig, ok := reg.Lookup("env", "add")
	require.True(t, ok)
	assert.Equal(t, []api.ValueKind{api.ValueKindI32, api.ValueKindI32}, sig.Params)
	assert.Equal(t, []api.ValueKind{api.ValueKindI32}, sig.Results)

	resolved, err := Resolve(reg, []Import{{Module: "env", Field: "add", Expected: sig}})
	require.NoError(t, err)
	require.Len(t, resolved, 1)

	results, err := resolved[0].Invoke(nil, nil, []api.Value{api.I32(2), api.I32(3)})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, uint32(5), results[0].I32())
}

func TestRegisterDuplicateRejected(t *testing.T) {
	reg := New()
	require.NoError(t, Register(reg, "env", "add", add))

	err := Register(reg, "env", "add", add)
	require.Error(t, err)
	var wgErr *wasmguard.Error
	require.ErrorAs(t, err, &wgErr)
	assert.Equal(t, wasmguard.KindLinkDuplicate, wgErr.Kind)
}

func TestResolveUnregisteredImport(t *testing.T) {
	reg := New()
	_, err := Resolve(reg, []Import{{Module: "env", Field: "missing_fn", Expected: Signature{}}})
	require.Error(t, err)
	var wgErr *wasmguard.Error
	require.ErrorAs(t, err, &wgErr)
	assert.Equal(t, wasmguard.KindLinkUnresolved, wgErr.Kind)
}

func TestResolveSignatureMismatch(t *testing.T) {
	reg := New()
	require.NoError(t, Register(reg, "env", "add", add))

	_, err := Resolve(reg, []Import{{
		Module: "env", Field: "add",
		Expected: Signature{Params: []api.ValueKind{api.ValueKindI64}, Results: []api.ValueKind{api.ValueKindI32}},
	}})
	require.Error(t, err)
	var wgErr *wasmguard.Error
	require.ErrorAs(t, err, &wgErr)
	assert.Equal(t, wasmguard.KindLinkSignature, wgErr.Kind)
}

func TestRegisterBytesParameterTranslatesPointerRange(t *testing.T) {
	reg := New()
	require.NoError(t, Register(reg, "env", "memset", memset))

	sig, ok := reg.Lookup("env", "memset")
	require.True(t, ok)
	assert.Equal(t, []api.ValueKind{api.ValueKindI32, api.ValueKindI32, api.ValueKindI32}, sig.Params)

	resolved, err := Resolve(reg, []Import{{Module: "env", Field: "memset", Expected: sig}})
	require.NoError(t, err)

	mem := make(fakeMemory, 8)
	_, err = resolved[0].Invoke(nil, mem, []api.Value{api.I32(2), api.I32(4), api.I32(0xAB)})
	require.NoError(t, err)
	assert.Equal(t, fakeMemory{0, 0, 0xAB, 0xAB, 0xAB, 0xAB, 0, 0}, mem)
}

func TestRegisterBytesParameterRequiresMemory(t *testing.T) {
	reg := New()
	require.NoError(t, Register(reg, "env", "memset", memset))
	sig, _ := reg.Lookup("env", "memset")
	resolved, err := Resolve(reg, []Import{{Module: "env", Field: "memset", Expected: sig}})
	require.NoError(t, err)

	_, err = resolved[0].Invoke(nil, nil, []api.Value{api.I32(0), api.I32(4), api.I32(1)})
	require.Error(t, err)
	var wgErr *wasmguard.Error
	require.ErrorAs(t, err, &wgErr)
	assert.Equal(t, wasmguard.KindTrapMemory, wgErr.Kind)
}

func TestRegisterStringParameterReadsCString(t *testing.T) {
	reg := New()
	require.NoError(t, Register(reg, "env", "assert_cond", assertCond))

	sig, ok := reg.Lookup("env", "assert_cond")
	require.True(t, ok)
	assert.Equal(t, []api.ValueKind{api.ValueKindI32, api.ValueKindI32}, sig.Params)
	assert.Empty(t, sig.Results)

	resolved, err := Resolve(reg, []Import{{Module: "env", Field: "assert_cond", Expected: sig}})
	require.NoError(t, err)

	mem := fakeMemory("nope\x00")
	_, err = resolved[0].Invoke(nil, mem, []api.Value{api.I32(0), api.I32(0)})
	require.Error(t, err)
	var wgErr *wasmguard.Error
	require.ErrorAs(t, err, &wgErr)
	assert.Equal(t, wasmguard.KindTrapExit, wgErr.Kind)
	assert.Contains(t, wgErr.Error(), "nope")

	_, err = resolved[0].Invoke(nil, mem, []api.Value{api.I32(1), api.I32(0)})
	require.NoError(t, err)
}
