package watchdog

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasmguard/wasmguard"
)

func TestArmFiresAfterDeadline(t *testing.T) {
	w := New()
	var fired int32
	start := time.Now()
	require.NoError(t, w.Arm(30*time.Millisecond, func() {
		atomic.StoreInt32(&fired, 1)
	}))

	deadline := time.Now().Add(200 * time.Millisecond)
	for atomic.LoadInt32(&fired) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	elapsed := time.Since(start)

	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
	assert.True(t, w.Fired())
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
}

func TestCancelBeforeFirePreventsCallback(t *testing.T) {
	w := New()
	var fired int32
	require.NoError(t, w.Arm(100*time.Millisecond, func() {
		atomic.StoreInt32(&fired, 1)
	}))
	w.Cancel()

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))
	assert.False(t, w.Fired())
}

func TestRearmForbidden(t *testing.T) {
	w := New()
	require.NoError(t, w.Arm(time.Hour, func() {}))
	defer w.Cancel()

	err := w.Arm(time.Hour, func() {})
	require.Error(t, err)
	var wgErr *wasmguard.Error
	require.ErrorAs(t, err, &wgErr)
	assert.Equal(t, wasmguard.KindUnimplemented, wgErr.Kind)
}
