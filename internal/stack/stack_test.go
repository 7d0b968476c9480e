package stack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasmguard/wasmguard"
)

func TestPushPopTypedRoundTrip(t *testing.T) {
	s := New()
	s.PushI32(42)
	s.PushI64(1 << 40)
	s.PushF32(3.5)
	s.PushF64(2.25)

	f64, err := s.PopF64()
	require.NoError(t, err)
	assert.Equal(t, 2.25, f64)

	f32, err := s.PopF32()
	require.NoError(t, err)
	assert.Equal(t, float32(3.5), f32)

	i64, err := s.PopI64()
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<40), i64)

	i32, err := s.PopI32()
	require.NoError(t, err)
	assert.Equal(t, uint32(42), i32)
}

func TestPopTypeMismatch(t *testing.T) {
	s := New()
	s.PushI32(1)

	_, err := s.PopI64()
	require.Error(t, err)
	var wgErr *wasmguard.Error
	require.ErrorAs(t, err, &wgErr)
	assert.Equal(t, wasmguard.KindTrapTypeMismatch, wgErr.Kind)
}

func TestPopUnderflow(t *testing.T) {
	s := New()
	_, err := s.Pop()
	require.Error(t, err)
	var wgErr *wasmguard.Error
	require.ErrorAs(t, err, &wgErr)
	assert.Equal(t, wasmguard.KindTrapStackUnderflow, wgErr.Kind)
}

func TestControlStackPushPopTruncate(t *testing.T) {
	s := New()
	s.PushI32(1)
	s.PushI32(2)

	s.PushControl(ControlFrame{Kind: FrameBlock, StackHeight: s.Len()})
	s.PushI32(3)

	top, err := s.TopControl()
	require.NoError(t, err)
	assert.Equal(t, FrameBlock, top.Kind)

	s.Truncate(top.StackHeight)
	assert.Equal(t, 2, s.Len())

	_, err = s.PopControl()
	require.NoError(t, err)
	assert.Equal(t, 0, s.ControlLen())
}
