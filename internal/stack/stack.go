// Package stack implements the typed operand stack and the separate control
// stack the interpreter drives: a tagged union of operand constants and
// control/activation frames, where every read is checked against the tag it
// expects and traps on mismatch rather than reinterpreting bits.
package stack

import (
	"github.com/wasmguard/wasmguard"
	"github.com/wasmguard/wasmguard/api"
)

// FrameKind tags a control-stack entry.
type FrameKind byte

const (
	FrameBlock FrameKind = iota
	FrameLoop
	FrameIf
	FrameElse
	FrameActivation
)

// ControlFrame is a block/loop/if/else marker or an activation frame,
// depending on Kind.
type ControlFrame struct {
	Kind FrameKind

	// Block/loop/if/else bookkeeping.
	BlockType   api.ValueKind // result type, valid only when HasResult
	HasResult   bool
	StackHeight int // operand stack height when the frame was entered

	// Activation frame bookkeeping (Kind == FrameActivation).
	ReturnPC     int
	LocalsBase   int
	ReturnArity  int
}

// Operand is a tagged operand-stack element.
type Operand struct {
	Kind api.ValueKind
	Bits uint64
}

// Stack is the typed value stack plus the logically-distinct control stack.
// Both are exposed on the same type because the interpreter that drives them
// is itself single-threaded and never needs to hand one off without the
// other; they are never mixed within a single slice.
type Stack struct {
	operands []Operand
	controls []ControlFrame
}

// New returns an empty Stack. Both underlying slices grow via normal Go
// slice growth, matching the "growth policy appropriate to the host
// language" spec language — Go's append doubling is that policy here.
func New() *Stack {
	return &Stack{
		operands: make([]Operand, 0, 64),
		controls: make([]ControlFrame, 0, 16),
	}
}

// Push pushes a tagged operand.
func (s *Stack) Push(o Operand) { s.operands = append(s.operands, o) }

func (s *Stack) PushI32(v uint32)  { s.Push(Operand{Kind: api.ValueKindI32, Bits: uint64(v)}) }
func (s *Stack) PushI64(v uint64)  { s.Push(Operand{Kind: api.ValueKindI64, Bits: v}) }
func (s *Stack) PushF32(v float32) { f := api.F32(v); s.Push(Operand{Kind: f.Kind, Bits: f.Bits}) }
func (s *Stack) PushF64(v float64) { f := api.F64(v); s.Push(Operand{Kind: f.Kind, Bits: f.Bits}) }

// Pop pops the top operand, trapping stack.underflow if the stack is empty.
func (s *Stack) Pop() (Operand, error) {
	n := len(s.operands)
	if n == 0 {
		return Operand{}, wasmguard.NewError(wasmguard.KindTrapStackUnderflow, "pop from empty operand stack")
	}
	v := s.operands[n-1]
	s.operands = s.operands[:n-1]
	return v, nil
}

// PopN pops the top k operands without returning them, in one call.
func (s *Stack) PopN(k int) error {
	if len(s.operands) < k {
		return wasmguard.NewError(wasmguard.KindTrapStackUnderflow, "pop_n(%d) with only %d on stack", k, len(s.operands))
	}
	s.operands = s.operands[:len(s.operands)-k]
	return nil
}

// Peek returns the operand k from the top (0 is the top) without popping.
func (s *Stack) Peek(k int) (Operand, error) {
	idx := len(s.operands) - 1 - k
	if idx < 0 {
		return Operand{}, wasmguard.NewError(wasmguard.KindTrapStackUnderflow, "peek(%d) with only %d on stack", k, len(s.operands))
	}
	return s.operands[idx], nil
}

// Top returns a pointer to the top operand for in-place mutation, or an
// error if the stack is empty.
func (s *Stack) Top() (*Operand, error) {
	n := len(s.operands)
	if n == 0 {
		return nil, wasmguard.NewError(wasmguard.KindTrapStackUnderflow, "top of empty operand stack")
	}
	return &s.operands[n-1], nil
}

// Len reports the current operand stack height.
func (s *Stack) Len() int { return len(s.operands) }

// Truncate shrinks the operand stack to the given height, used when
// unwinding a block/loop/activation.
func (s *Stack) Truncate(height int) { s.operands = s.operands[:height] }

func typedPop(s *Stack, want api.ValueKind) (Operand, error) {
	v, err := s.Pop()
	if err != nil {
		return Operand{}, err
	}
	if v.Kind != want {
		return Operand{}, wasmguard.NewError(wasmguard.KindTrapTypeMismatch,
			"expected %s, got %s", want, v.Kind)
	}
	return v, nil
}

func (s *Stack) PopI32() (uint32, error) {
	v, err := typedPop(s, api.ValueKindI32)
	return uint32(v.Bits), err
}

func (s *Stack) PopI64() (uint64, error) {
	v, err := typedPop(s, api.ValueKindI64)
	return v.Bits, err
}

func (s *Stack) PopF32() (float32, error) {
	v, err := typedPop(s, api.ValueKindF32)
	if err != nil {
		return 0, err
	}
	return api.Value{Kind: api.ValueKindF32, Bits: v.Bits}.F32(), nil
}

func (s *Stack) PopF64() (float64, error) {
	v, err := typedPop(s, api.ValueKindF64)
	if err != nil {
		return 0, err
	}
	return api.Value{Kind: api.ValueKindF64, Bits: v.Bits}.F64(), nil
}

// PushControl pushes a control-stack frame.
func (s *Stack) PushControl(f ControlFrame) { s.controls = append(s.controls, f) }

// PopControl pops the top control-stack frame.
func (s *Stack) PopControl() (ControlFrame, error) {
	n := len(s.controls)
	if n == 0 {
		return ControlFrame{}, wasmguard.NewError(wasmguard.KindTrapStackUnderflow, "pop from empty control stack")
	}
	f := s.controls[n-1]
	s.controls = s.controls[:n-1]
	return f, nil
}

// TopControl returns the top control-stack frame without popping.
func (s *Stack) TopControl() (*ControlFrame, error) {
	n := len(s.controls)
	if n == 0 {
		return nil, wasmguard.NewError(wasmguard.KindTrapStackUnderflow, "top of empty control stack")
	}
	return &s.controls[n-1], nil
}

// ControlAt returns the control frame k levels from the top (0 is the top),
// used to resolve br/br_if branch targets.
func (s *Stack) ControlAt(k int) (*ControlFrame, error) {
	idx := len(s.controls) - 1 - k
	if idx < 0 {
		return nil, wasmguard.NewError(wasmguard.KindTrapStackUnderflow, "branch depth %d exceeds control stack", k)
	}
	return &s.controls[idx], nil
}

// ControlLen reports the current control stack height.
func (s *Stack) ControlLen() int { return len(s.controls) }

// TruncateControl shrinks the control stack to the given height.
func (s *Stack) TruncateControl(height int) { s.controls = s.controls[:height] }
