// Package watchdog arms a single out-of-band timer per invocation that
// flips an exit flag when a deadline elapses, giving the interpreter's main
// loop a cheap flag check instead of needing to poll a clock itself.
package watchdog

import (
	"sync/atomic"
	"time"

	"github.com/wasmguard/wasmguard"
)

// Watchdog guards one invocation's deadline. It is single-use: once armed
// and either fired or canceled, it cannot be rearmed — a fresh invocation
// gets a fresh Watchdog. This mirrors the exit_flag's own monotonic,
// set-once-per-invocation lifecycle.
type Watchdog struct {
	timer   *time.Timer
	armed   int32
	fired   int32
	onFire  func()
}

// New returns an unarmed Watchdog.
func New() *Watchdog { return &Watchdog{} }

// Arm starts the timer: after d elapses, onFire runs (on its own goroutine)
// exactly once and Fired reports true thereafter. Arm fails if the
// Watchdog has already been armed.
func (w *Watchdog) Arm(d time.Duration, onFire func()) error {
	if !atomic.CompareAndSwapInt32(&w.armed, 0, 1) {
		return wasmguard.NewError(wasmguard.KindUnimplemented, "watchdog already armed, rearming is not supported")
	}
	w.onFire = onFire
	w.timer = time.AfterFunc(d, func() {
		atomic.StoreInt32(&w.fired, 1)
		if w.onFire != nil {
			w.onFire()
		}
	})
	return nil
}

// Cancel stops the timer if it hasn't fired yet. Idempotent: canceling an
// unarmed or already-fired/already-canceled Watchdog is a harmless no-op.
func (w *Watchdog) Cancel() {
	if w.timer != nil {
		w.timer.Stop()
	}
}

// Fired reports whether the deadline has elapsed and onFire has run (or is
// running).
func (w *Watchdog) Fired() bool { return atomic.LoadInt32(&w.fired) == 1 }
