// Package memory implements the guest's linear memory: a page-granular
// address space backed by a single large virtual memory reservation, with
// an unmapped guard region beyond the committed pages so an out-of-bounds
// guest access faults instead of silently reading/writing host memory.
package memory

import (
	"bytes"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/wasmguard/wasmguard"
	"github.com/wasmguard/wasmguard/internal/faultguard"
)

// dataAddr returns the address of a non-empty slice's backing array, used
// only to key the fault-guard registry entry for this reservation.
func dataAddr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// PageSize is the WASM linear memory page size: 64 KiB.
const PageSize = 65536

// DefaultMaxPages caps growth when a module declares no explicit maximum,
// giving a reservation of exactly 4 GiB (the full 32-bit guest address
// range), with no extra guard region reserved beyond it.
const DefaultMaxPages = 65536 // 4 GiB

// Memory is one guest linear memory instance. The full MaxPages extent is
// reserved up front with no access permissions; Grow commits additional
// whole pages as PROT_READ|PROT_WRITE and the remainder stays PROT_NONE,
// so any guest load/store past the committed prefix faults immediately
// rather than silently succeeding against unrelated heap memory.
type Memory struct {
	reservation  []byte // len == MaxPages * PageSize
	currentPages int
	maxPages     int
	region       faultguard.Region
}

// New reserves address space for a linear memory with the given initial
// page count and maximum page count (0 means DefaultMaxPages). The initial
// pages are committed immediately; the rest of the reservation is
// PROT_NONE until Grow commits more.
func New(initialPages, maxPages int) (*Memory, error) {
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	if initialPages > maxPages {
		return nil, wasmguard.NewError(wasmguard.KindConstructorFailure,
			"initial pages %d exceeds max pages %d", initialPages, maxPages)
	}
	size := maxPages * PageSize
	data, err := unix.Mmap(-1, 0, size, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, wasmguard.WrapError(wasmguard.KindConstructorFailure, err,
			"reserving %d pages (%d bytes)", maxPages, size)
	}
	m := &Memory{reservation: data, maxPages: maxPages}
	if initialPages > 0 {
		if err := unix.Mprotect(data[:initialPages*PageSize], unix.PROT_READ|unix.PROT_WRITE); err != nil {
			unix.Munmap(data)
			return nil, wasmguard.WrapError(wasmguard.KindConstructorFailure, err, "committing initial %d pages", initialPages)
		}
		m.currentPages = initialPages
	}
	region := faultguard.Region{Base: dataAddr(data), Length: uintptr(size)}
	if err := faultguard.Process.Register(region); err != nil {
		unix.Munmap(data)
		return nil, err
	}
	m.region = region
	return m, nil
}

// Grow commits delta additional pages, returning the page count before the
// grow (per the WASM memory.grow instruction convention), or -1 and a
// memory.bad_alloc error if the grow would exceed MaxPages.
func (m *Memory) Grow(delta int) (int, error) {
	if delta < 0 {
		return -1, wasmguard.NewError(wasmguard.KindMemoryBadAlloc, "negative grow delta %d", delta)
	}
	prev := m.currentPages
	newPages := prev + delta
	if newPages > m.maxPages {
		return -1, wasmguard.NewError(wasmguard.KindMemoryBadAlloc,
			"grow to %d pages exceeds max %d", newPages, m.maxPages)
	}
	if delta == 0 {
		return prev, nil
	}
	oldEnd := prev * PageSize
	newEnd := newPages * PageSize
	if err := unix.Mprotect(m.reservation[oldEnd:newEnd], unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return -1, wasmguard.WrapError(wasmguard.KindMemoryBadAlloc, err, "committing pages [%d,%d)", prev, newPages)
	}
	m.currentPages = newPages
	return prev, nil
}

// CurrentPages reports the number of currently committed pages.
func (m *Memory) CurrentPages() int { return m.currentPages }

// MaxPages reports the page count ceiling this memory was constructed with.
func (m *Memory) MaxPages() int { return m.maxPages }

// Base returns the committed prefix of the reservation as a byte slice.
// Indexing past its length is stopped by Go's own bounds check; its capacity
// still spans the whole reservation, so reslicing it beyond its length
// reaches the PROT_NONE tail, where an access faults. Load and Store check
// offsets against its length before touching it.
func (m *Memory) Base() []byte { return m.reservation[:m.currentPages*PageSize] }

// Reset zeroes the committed region, decommits everything back to
// PROT_NONE, and then recommits exactly one page so the memory always
// comes out of Reset with page count 1 and that page reading as all
// zeros, matching the eos-vm allocator's own reset() contract rather than
// leaving the memory at zero pages.
func (m *Memory) Reset() error {
	if m.currentPages > 0 {
		committedEnd := m.currentPages * PageSize
		for i := range m.reservation[:committedEnd] {
			m.reservation[i] = 0
		}
		if err := unix.Mprotect(m.reservation[:committedEnd], unix.PROT_NONE); err != nil {
			return wasmguard.WrapError(wasmguard.KindConstructorFailure, err, "decommitting %d pages on reset", m.currentPages)
		}
		m.currentPages = 0
	}
	if err := unix.Mprotect(m.reservation[:PageSize], unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return wasmguard.WrapError(wasmguard.KindConstructorFailure, err, "recommitting page 0 on reset")
	}
	m.currentPages = 1
	return nil
}

// Load reads n bytes at guest offset into dst, trapping trap.memory if the
// access runs past the committed pages (or wraps uintptr arithmetic). The
// read itself runs under faultguard.Guard so that even an access landing in
// the PROT_NONE guard tail traps cleanly instead of crashing the process.
func (m *Memory) Load(dst []byte, offset uint32, n uint32) error {
	var trapped bool
	var copyErr error
	ok := !faultguard.Guard(func() {
		base := m.Base()
		end := uint64(offset) + uint64(n)
		if end > uint64(len(base)) {
			copyErr = wasmguard.NewError(wasmguard.KindTrapMemory,
				"load [%d,%d) exceeds committed extent %d", offset, end, len(base))
			return
		}
		copy(dst, base[offset:end])
	})
	trapped = !ok
	if trapped {
		return wasmguard.NewError(wasmguard.KindTrapMemory, "load at offset %d faulted", offset)
	}
	return copyErr
}

// Store writes src into guest memory at offset, with the same bounds and
// fault semantics as Load.
func (m *Memory) Store(offset uint32, src []byte) error {
	var storeErr error
	ok := !faultguard.Guard(func() {
		base := m.Base()
		end := uint64(offset) + uint64(len(src))
		if end > uint64(len(base)) {
			storeErr = wasmguard.NewError(wasmguard.KindTrapMemory,
				"store [%d,%d) exceeds committed extent %d", offset, end, len(base))
			return
		}
		copy(base[offset:end], src)
	})
	if !ok {
		return wasmguard.NewError(wasmguard.KindTrapMemory, "store at offset %d faulted", offset)
	}
	return storeErr
}

// Bytes returns a live, directly-writable view into committed guest memory
// covering [offset, offset+n). Unlike Load/Store this makes no copy: a host
// function holding the returned slice reads and writes guest memory in
// place, the way a native host embedding the engine casts a validated guest
// pointer straight into its own address space. Bounds are checked against
// the committed extent up front; callers must not retain the slice past the
// invocation that obtained it, since a later memory.grow can move nothing
// but a Reset zeroes and decommits the backing pages out from under it.
func (m *Memory) Bytes(offset, n uint32) ([]byte, error) {
	base := m.Base()
	end := uint64(offset) + uint64(n)
	if end > uint64(len(base)) {
		return nil, wasmguard.NewError(wasmguard.KindTrapMemory,
			"pointer range [%d,%d) exceeds committed extent %d", offset, end, len(base))
	}
	return base[offset:end:end], nil
}

// CString reads a NUL-terminated string starting at offset out of committed
// guest memory, failing with trap.memory if offset is out of range or no NUL
// byte appears before the end of the committed extent. Used to translate a
// guest char* argument (as opposed to a (ptr, len) pair) for host functions
// declared with a Go string parameter.
func (m *Memory) CString(offset uint32) (string, error) {
	base := m.Base()
	if uint64(offset) > uint64(len(base)) {
		return "", wasmguard.NewError(wasmguard.KindTrapMemory,
			"cstring pointer %d exceeds committed extent %d", offset, len(base))
	}
	tail := base[offset:]
	idx := bytes.IndexByte(tail, 0)
	if idx < 0 {
		return "", wasmguard.NewError(wasmguard.KindTrapMemory, "unterminated cstring at offset %d", offset)
	}
	return string(tail[:idx]), nil
}

// Close releases the reservation and unregisters it from the fault guard
// registry. The Memory must not be used afterward.
func (m *Memory) Close() error {
	if m.reservation == nil {
		return nil
	}
	faultguard.Process.Unregister(m.region)
	err := unix.Munmap(m.reservation)
	m.reservation = nil
	return err
}
