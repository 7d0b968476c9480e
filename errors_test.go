package wasmguard

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormattingWithAndWithoutCause(t *testing.T) {
	plain := NewError(KindMemoryBadAlloc, "overflow by %d bytes", 12)
	assert.Contains(t, plain.Error(), "memory.bad_alloc")
	assert.Contains(t, plain.Error(), "overflow by 12 bytes")

	cause := errors.New("mmap failed")
	wrapped := WrapError(KindConstructorFailure, cause, "reserving region")
	assert.Contains(t, wrapped.Error(), "mmap failed")
	assert.Same(t, cause, wrapped.Unwrap())
}

func TestErrorsAsByKind(t *testing.T) {
	err := NewError(KindTrapMemory, "out of bounds")
	var wgErr *Error
	require := assert.New(t)
	require.True(errors.As(err, &wgErr))
	require.Equal(KindTrapMemory, wgErr.Kind)
}

func TestKindIsTrap(t *testing.T) {
	assert.True(t, KindTrapMemory.IsTrap())
	assert.True(t, KindTrapExit.IsTrap())
	assert.False(t, KindLinkUnresolved.IsTrap())
	assert.False(t, KindConstructorFailure.IsTrap())
}
