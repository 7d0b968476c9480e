package arena

import (
	"golang.org/x/sys/unix"

	"github.com/wasmguard/wasmguard"
)

const (
	// ChunkSize is the commit granularity for a Growable arena.
	ChunkSize = 128 * 1024
	// Align is the fixed alignment every Growable.Alloc request is rounded up to.
	Align = 16
	// DefaultReservation is the virtual address space reserved when callers
	// don't specify a size.
	DefaultReservation = 1 << 30 // 1 GiB
)

// Growable is a virtual memory reservation with a committed prefix that
// grows on demand in ChunkSize increments. Unlike Bounded, capacity is
// effectively unlimited up to the reservation size: pages beyond the
// committed prefix carry no physical backing until an Alloc call needs them.
//
// Free is intentionally unsupported: callers rely on Reset semantics instead
// of per-object deallocation, and silently succeeding a Free here would mask
// a caller bug.
type Growable struct {
	reservation []byte // len == reservation size; backing for mmap
	committed   int    // bytes committed read/write, multiple of ChunkSize
	offset      int
}

// NewGrowable reserves reservationSize bytes of address space with no access
// permissions. A reservationSize <= 0 uses DefaultReservation.
func NewGrowable(reservationSize int) (*Growable, error) {
	if reservationSize <= 0 {
		reservationSize = DefaultReservation
	}
	data, err := unix.Mmap(-1, 0, reservationSize, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, wasmguard.WrapError(wasmguard.KindConstructorFailure, err, "reserving %d bytes", reservationSize)
	}
	return &Growable{reservation: data}, nil
}

// Alloc returns a range of n bytes, committing additional ChunkSize-aligned
// pages as read/write if the aligned end of the allocation crosses the
// currently committed prefix. Fails with memory.bad_alloc if the reservation
// itself is exhausted or the commit call fails.
func (g *Growable) Alloc(n int) ([]byte, error) {
	if n < 0 {
		return nil, wasmguard.NewError(wasmguard.KindMemoryBadAlloc, "negative alloc size %d", n)
	}
	start := g.offset
	end := alignUp(start+n, Align)
	if end > len(g.reservation) {
		return nil, wasmguard.NewError(wasmguard.KindMemoryBadAlloc,
			"growable arena exhausted: requested end %d, reservation %d", end, len(g.reservation))
	}
	if end > g.committed {
		newCommitted := alignUp(end, ChunkSize)
		if newCommitted > len(g.reservation) {
			newCommitted = len(g.reservation)
		}
		if err := unix.Mprotect(g.reservation[g.committed:newCommitted], unix.PROT_READ|unix.PROT_WRITE); err != nil {
			return nil, wasmguard.WrapError(wasmguard.KindMemoryBadAlloc, err,
				"committing chunk [%d,%d)", g.committed, newCommitted)
		}
		g.committed = newCommitted
	}
	g.offset = end
	return g.reservation[start : start+n : start+n], nil
}

// Free always fails: the growable arena does not support per-object
// deallocation.
func (g *Growable) Free() error {
	return wasmguard.NewError(wasmguard.KindUnimplemented, "growable arena does not support free, use Reset")
}

// Reset rewinds the allocation offset to zero. Committed pages are kept
// committed (and their contents left as-is) so repeated alloc/reset cycles
// don't thrash mprotect.
func (g *Growable) Reset() { g.offset = 0 }

// Base returns the reservation's backing slice (full reservation length,
// including uncommitted tail).
func (g *Growable) Base() []byte { return g.reservation }

// Capacity returns the total reservation size in bytes.
func (g *Growable) Capacity() int { return len(g.reservation) }

// Close releases the virtual memory reservation. The arena must not be used
// afterward.
func (g *Growable) Close() error {
	if g.reservation == nil {
		return nil
	}
	err := unix.Munmap(g.reservation)
	g.reservation = nil
	return err
}
