// Package exec implements the per-invocation execution context: the state
// machine, program counter, and exit flag that tie the value stack, linear
// memory, and host-function registry together into a single running call.
package exec

import (
	"sync/atomic"
	"time"

	"github.com/wasmguard/wasmguard"
	"github.com/wasmguard/wasmguard/internal/arena"
	"github.com/wasmguard/wasmguard/internal/memory"
	"github.com/wasmguard/wasmguard/internal/stack"
	"github.com/wasmguard/wasmguard/internal/watchdog"
)

// State is one of the invocation lifecycle states.
type State byte

const (
	StateReady State = iota
	StateRunning
	StateDone
	StateTrapped
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	case StateTrapped:
		return "trapped"
	default:
		return "unknown"
	}
}

// exitReason tags why exitFlag was raised, distinguishing a watchdog
// timeout from an in-band trap so Context.Trap can report the right Kind
// even though both paths converge on the same atomic flag.
type exitReason int32

const (
	exitNone exitReason = iota
	exitDeadline
	exitTrap
)

// Context is one function invocation's running state: its PC, the typed
// value/control stack, the linear memory it's bound to, and the exit flag
// a watchdog or an in-band trap can raise to unwind the interpreter loop at
// its next cooperative check point.
type Context struct {
	PC       int
	Stack    *stack.Stack
	Memory   *memory.Memory
	// Scratch is the module-instance-lifetime byte arena the interpreter
	// draws its load/store staging buffers from instead of a fresh Go heap
	// allocation per access. Nil is valid: the interpreter falls back to
	// make([]byte, n) when no scratch arena is bound.
	Scratch  *arena.Growable
	state    State
	exitFlag int32
	reason   exitReason
	trapErr  *wasmguard.Error
	watchdog *watchdog.Watchdog
}

// New constructs a Ready invocation context bound to the given memory (nil
// is valid for a memory-less module) and scratch arena (nil falls back to
// ordinary heap allocation for load/store staging buffers).
func New(mem *memory.Memory, scratch *arena.Growable) *Context {
	return &Context{
		Stack:   stack.New(),
		Memory:  mem,
		Scratch: scratch,
		state:   StateReady,
	}
}

// State reports the current lifecycle state.
func (c *Context) State() State { return c.state }

// Start transitions Ready -> Running. It is an error to Start a context
// that isn't Ready.
func (c *Context) Start() error {
	if c.state != StateReady {
		return wasmguard.NewError(wasmguard.KindConstructorFailure, "cannot start context in state %s", c.state)
	}
	c.state = StateRunning
	return nil
}

// ArmDeadline starts a watchdog that raises the exit flag with trap.exit
// after d elapses. Must be called while Running.
func (c *Context) ArmDeadline(d time.Duration) error {
	if c.state != StateRunning {
		return wasmguard.NewError(wasmguard.KindConstructorFailure, "cannot arm deadline in state %s", c.state)
	}
	c.watchdog = watchdog.New()
	return c.watchdog.Arm(d, func() {
		c.raiseExit(exitDeadline, wasmguard.NewError(wasmguard.KindTrapExit, "invocation exceeded its deadline"))
	})
}

// CancelDeadline stops the armed watchdog, if any. Call this once the
// invocation finishes normally so a late-firing timer can't touch a
// Context that's already been reused or discarded.
func (c *Context) CancelDeadline() {
	if c.watchdog != nil {
		c.watchdog.Cancel()
	}
}

// raiseExit sets the exit flag exactly once; subsequent calls are no-ops,
// matching the monotonic, set-once exit_flag semantics regardless of which
// of several possible traps raced to set it first.
func (c *Context) raiseExit(reason exitReason, err *wasmguard.Error) {
	if atomic.CompareAndSwapInt32(&c.exitFlag, 0, 1) {
		c.reason = reason
		c.trapErr = err
	}
}

// Trap raises the exit flag with an in-band trap (a guest instruction that
// itself detected a fault, as opposed to the watchdog). The interpreter
// loop calls this and then, at its next cooperative check point, observes
// ShouldExit and unwinds into Finish.
func (c *Context) Trap(err *wasmguard.Error) {
	c.raiseExit(exitTrap, err)
}

// ShouldExit reports whether the exit flag has been raised, the single
// check the interpreter's dispatch loop performs between instructions.
func (c *Context) ShouldExit() bool { return atomic.LoadInt32(&c.exitFlag) != 0 }

// Finish transitions Running -> Done or Running -> Trapped depending on
// whether the exit flag was raised, returning the trap error in the
// Trapped case. Call exactly once per invocation, after the interpreter
// loop has stopped (normally or via ShouldExit).
func (c *Context) Finish() (State, *wasmguard.Error) {
	c.CancelDeadline()
	if c.state != StateRunning {
		return c.state, wasmguard.NewError(wasmguard.KindConstructorFailure, "cannot finish context in state %s", c.state)
	}
	if atomic.LoadInt32(&c.exitFlag) == 0 {
		c.state = StateDone
		return c.state, nil
	}
	c.state = StateTrapped
	return c.state, c.trapErr
}
