// Package faultguard is the engine's replacement for the signal-fault
// router: a process-wide registry of live guest memory regions, plus a
// Guard helper that turns an out-of-bounds access to a guard-paged region
// into a recoverable trap instead of a process crash.
//
// A C-style embedder would route a SIGSEGV/SIGBUS handler's siginfo address
// through a registry lookup and a longjmp back to the invocation's saved
// recovery point. Go has no portable non-local jump out of a signal handler,
// so this package uses runtime panic/recover as the structured-unwinding
// equivalent of setjmp/longjmp, combined with runtime/debug.SetPanicOnFault
// so that a fault on Go-unmanaged (mmap'd) memory becomes a recoverable
// runtime.Error on the faulting goroutine rather than a fatal signal. The
// registry keeps the same disjoint-regions invariant a signal handler's
// address lookup would need, even though Guard itself never has to resolve
// an address back to an owning Region — recover() already does that.
package faultguard

import (
	"runtime/debug"
	"sync"

	"github.com/wasmguard/wasmguard"
)

// Region is one live memory's reservation, keyed by (base, length).
type Region struct {
	Base   uintptr
	Length uintptr
}

// Contains reports whether addr falls within the region.
func (r Region) Contains(addr uintptr) bool {
	return addr >= r.Base && addr < r.Base+r.Length
}

func (r Region) overlaps(other Region) bool {
	return r.Base < other.Base+other.Length && other.Base < r.Base+r.Length
}

// Registry is the process-wide set of live memory regions. Mutation
// (Register/Unregister) must only happen at memory construction/destruction
// time, never while an invocation bound to any registered memory is running.
type Registry struct {
	mu      sync.Mutex
	regions []Region
}

// Process is the engine's single process-wide registry, mirroring the
// process-wide set of live memory regions.
var Process = NewRegistry()

// NewRegistry constructs an empty registry. Exported for tests; production
// code uses Process.
func NewRegistry() *Registry { return &Registry{} }

// Register adds a region, rejecting it if it overlaps an already-registered
// one (regions must stay disjoint).
func (r *Registry) Register(region Region) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.regions {
		if existing.overlaps(region) {
			return wasmguard.NewError(wasmguard.KindConstructorFailure,
				"memory region [%#x,%#x) overlaps existing region [%#x,%#x)",
				region.Base, region.Base+region.Length, existing.Base, existing.Base+existing.Length)
		}
	}
	r.regions = append(r.regions, region)
	return nil
}

// Unregister removes a region previously added with Register. It is a no-op
// if the region is not present.
func (r *Registry) Unregister(region Region) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.regions {
		if existing == region {
			r.regions = append(r.regions[:i], r.regions[i+1:]...)
			return
		}
	}
}

// Lookup returns the region containing addr, if any.
func (r *Registry) Lookup(addr uintptr) (Region, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, region := range r.regions {
		if region.Contains(addr) {
			return region, true
		}
	}
	return Region{}, false
}

// Len reports how many regions are currently registered. Test-only helper.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.regions)
}

// Guard runs fn with memory-fault panics enabled, reporting trapped=true if
// fn's execution faulted on an unmapped/guard-paged address instead of
// returning normally or panicking for another reason. Non-fault panics are
// re-raised unchanged: Guard only ever converts a memory-access fault into a
// reported trap, it is not a general-purpose recover wrapper.
//
// fn must only be code whose memory loads/stores might land in a
// PROT_NONE guard region (the interpreter's linear memory load/store path);
// wrapping unrelated code in Guard needlessly pays the SetPanicOnFault
// toggle cost and risks masking unrelated runtime errors.
func Guard(fn func()) (trapped bool) {
	prev := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(prev)
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(runtime_Error); ok {
				trapped = true
				return
			}
			panic(r)
		}
	}()
	fn()
	return false
}

// runtime_Error mirrors the builtin runtime.Error interface (Error() string,
// RuntimeError()) without importing "runtime" just for the type assertion,
// plus the Addr method the runtime attaches to the panic value of a faulting
// access under SetPanicOnFault. Other runtime errors (index out of range,
// nil dereference) lack Addr and so are re-raised by Guard.
type runtime_Error interface {
	error
	RuntimeError()
	Addr() uintptr
}
