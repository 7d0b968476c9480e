package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasmguard/wasmguard"
)

func TestGrowNoopAndAccounting(t *testing.T) {
	m, err := New(1, 16)
	require.NoError(t, err)
	defer m.Close()

	prev, err := m.Grow(0)
	require.NoError(t, err)
	assert.Equal(t, 1, prev)
	assert.Equal(t, 1, m.CurrentPages())

	prev, err = m.Grow(2)
	require.NoError(t, err)
	assert.Equal(t, 1, prev)
	assert.Equal(t, 3, m.CurrentPages())
}

func TestGrowExceedsMax(t *testing.T) {
	m, err := New(1, 2)
	require.NoError(t, err)
	defer m.Close()

	_, err = m.Grow(5)
	require.Error(t, err)
	var wgErr *wasmguard.Error
	require.ErrorAs(t, err, &wgErr)
	assert.Equal(t, wasmguard.KindMemoryBadAlloc, wgErr.Kind)
}

func TestLoadStoreWithinAndBeyondCommitted(t *testing.T) {
	m, err := New(0, 8)
	require.NoError(t, err)
	defer m.Close()

	_, err = m.Grow(2)
	require.NoError(t, err)

	require.NoError(t, m.Store(PageSize+7, []byte{0xAB}))
	buf := make([]byte, 1)
	require.NoError(t, m.Load(buf, PageSize+7, 1))
	assert.Equal(t, byte(0xAB), buf[0])

	err = m.Load(buf, 3*PageSize, 1)
	require.Error(t, err)
	var wgErr *wasmguard.Error
	require.ErrorAs(t, err, &wgErr)
	assert.Equal(t, wasmguard.KindTrapMemory, wgErr.Kind)
}

func TestResetZeroesAndShrinksToOnePageEquivalent(t *testing.T) {
	m, err := New(2, 8)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Store(10, []byte{0xFF}))
	require.NoError(t, m.Reset())
	assert.Equal(t, 1, m.CurrentPages())

	buf := make([]byte, 1)
	require.NoError(t, m.Load(buf, 10, 1))
	assert.Equal(t, byte(0), buf[0], "reset must zero previously written bytes")
}
