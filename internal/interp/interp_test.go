package interp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasmguard/wasmguard"
	"github.com/wasmguard/wasmguard/api"
	"github.com/wasmguard/wasmguard/internal/decode"
	"github.com/wasmguard/wasmguard/internal/exec"
	"github.com/wasmguard/wasmguard/internal/hostfunc"
)

func uleb32(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
		} else {
			out = append(out, b)
			break
		}
	}
	return out
}

func sleb32(v int32) []byte {
	var out []byte
	more := true
	val := int64(v)
	for more {
		b := byte(val & 0x7f)
		val >>= 7
		signBitSet := b&0x40 != 0
		if (val == 0 && !signBitSet) || (val == -1 && signBitSet) {
			more = false
		} else {
			b |= 0x80
		}
		out = append(out, b)
	}
	return out
}

func TestRunAddTwoConstants(t *testing.T) {
	body := append(append([]byte{opI32Const}, sleb32(2)...),
		append([]byte{opI32Const}, sleb32(3)...)...)
	body = append(body, opI32Add, opEnd)

	m := &Module{Funcs: []Func{{
		Sig:  decode.FuncType{Results: []api.ValueKind{api.ValueKindI32}},
		Body: body,
	}}}
	ctx := exec.New(nil, nil)
	require.NoError(t, ctx.Start())

	results, err := Run(context.Background(), m, ctx, 0, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, uint32(5), results[0].I32())
}

func TestRunCallsHostFunction(t *testing.T) {
	reg := hostfunc.New()
	var sum uint64
	require.NoError(t, hostfunc.Register(reg, "env", "print_num", func(n uint64) {
		sum = n
	}))
	resolved, err := hostfunc.Resolve(reg, []hostfunc.Import{{
		Module: "env", Field: "print_num",
		Expected: hostfunc.Signature{Params: []api.ValueKind{api.ValueKindI64}},
	}})
	require.NoError(t, err)

	// Local function: i64.const 6; call 0 (the host import); end.
	body := append([]byte{opI64Const}, sleb32(6)...) // sleb32 fits small values regardless of width
	body = append(body, opCall)
	body = append(body, uleb32(0)...)
	body = append(body, opEnd)

	m := &Module{Funcs: []Func{
		{Sig: decode.FuncType{Params: []api.ValueKind{api.ValueKindI64}}, Host: &resolved[0]},
		{Sig: decode.FuncType{}, Body: body},
	}}
	ctx := exec.New(nil, nil)
	require.NoError(t, ctx.Start())

	_, err = Run(context.Background(), m, ctx, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), sum)
}

func TestRunUnreachableTraps(t *testing.T) {
	m := &Module{Funcs: []Func{{Sig: decode.FuncType{}, Body: []byte{opUnreachable}}}}
	ctx := exec.New(nil, nil)
	require.NoError(t, ctx.Start())

	_, err := Run(context.Background(), m, ctx, 0, nil)
	require.Error(t, err)
	var wgErr *wasmguard.Error
	require.ErrorAs(t, err, &wgErr)
	assert.Equal(t, wasmguard.KindTrapUnreachable, wgErr.Kind)

	state, trapErr := ctx.Finish()
	assert.Equal(t, exec.StateTrapped, state)
	require.Error(t, trapErr)
}
