package arena

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasmguard/wasmguard"
)

func TestGrowableCommitsAcrossChunkBoundary(t *testing.T) {
	g, err := NewGrowable(4 * ChunkSize)
	require.NoError(t, err)
	defer g.Close()

	r1, err := g.Alloc(ChunkSize - 8)
	require.NoError(t, err)
	assert.Len(t, r1, ChunkSize-8)

	// The first allocation's end was rounded up to exactly ChunkSize, so this
	// one starts at the first chunk boundary, past the committed prefix, and
	// must trigger an additional commit.
	r2, err := g.Alloc(32)
	require.NoError(t, err)
	assert.Len(t, r2, 32)

	r2[0] = 0xAB
	assert.Equal(t, byte(0xAB), r2[0])
}

func TestGrowableExhaustion(t *testing.T) {
	g, err := NewGrowable(ChunkSize)
	require.NoError(t, err)
	defer g.Close()

	_, err = g.Alloc(ChunkSize + 1)
	require.Error(t, err)
	var wgErr *wasmguard.Error
	require.ErrorAs(t, err, &wgErr)
	assert.Equal(t, wasmguard.KindMemoryBadAlloc, wgErr.Kind)
}

func TestGrowableFreeUnsupported(t *testing.T) {
	g, err := NewGrowable(ChunkSize)
	require.NoError(t, err)
	defer g.Close()

	err = g.Free()
	require.Error(t, err)
	var wgErr *wasmguard.Error
	require.ErrorAs(t, err, &wgErr)
	assert.Equal(t, wasmguard.KindUnimplemented, wgErr.Kind)
}

func TestGrowableResetKeepsCommitment(t *testing.T) {
	g, err := NewGrowable(4 * ChunkSize)
	require.NoError(t, err)
	defer g.Close()

	_, err = g.Alloc(ChunkSize + 16)
	require.NoError(t, err)
	committedBefore := g.committed

	g.Reset()
	assert.Equal(t, 0, g.offset)
	assert.Equal(t, committedBefore, g.committed, "reset must not decommit")

	r, err := g.Alloc(8)
	require.NoError(t, err)
	assert.Len(t, r, 8)
}
