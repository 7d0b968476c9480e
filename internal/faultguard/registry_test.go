package faultguard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/wasmguard/wasmguard"
)

func mmapGuardPage(t *testing.T) ([]byte, error) {
	t.Helper()
	return unix.Mmap(-1, 0, unix.Getpagesize(), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
}

func munmapGuardPage(data []byte) {
	_ = unix.Munmap(data)
}

func TestRegisterRejectsOverlap(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Region{Base: 0x1000, Length: 0x1000}))

	err := r.Register(Region{Base: 0x1800, Length: 0x1000})
	require.Error(t, err)
	var wgErr *wasmguard.Error
	require.ErrorAs(t, err, &wgErr)
	assert.Equal(t, wasmguard.KindConstructorFailure, wgErr.Kind)
	assert.Equal(t, 1, r.Len())
}

func TestRegisterDisjointSucceeds(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Region{Base: 0x1000, Length: 0x1000}))
	require.NoError(t, r.Register(Region{Base: 0x2000, Length: 0x1000}))
	assert.Equal(t, 2, r.Len())
}

func TestUnregisterAndLookup(t *testing.T) {
	r := NewRegistry()
	region := Region{Base: 0x4000, Length: 0x1000}
	require.NoError(t, r.Register(region))

	found, ok := r.Lookup(0x4100)
	require.True(t, ok)
	assert.Equal(t, region, found)

	r.Unregister(region)
	_, ok = r.Lookup(0x4100)
	assert.False(t, ok)
}

func TestGuardRecoversFromMemoryFault(t *testing.T) {
	data, err := mmapGuardPage(t)
	require.NoError(t, err)
	defer munmapGuardPage(data)

	trapped := Guard(func() {
		_ = data[0] // PROT_NONE page: must fault
	})
	assert.True(t, trapped)
}

func TestGuardDoesNotSwallowNonFaultPanics(t *testing.T) {
	assert.Panics(t, func() {
		Guard(func() {
			panic("not a memory fault")
		})
	})
}
