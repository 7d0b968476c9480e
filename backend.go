package wasmguard

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/wasmguard/wasmguard/api"
	"github.com/wasmguard/wasmguard/internal/arena"
	"github.com/wasmguard/wasmguard/internal/decode"
	"github.com/wasmguard/wasmguard/internal/exec"
	"github.com/wasmguard/wasmguard/internal/hostfunc"
	"github.com/wasmguard/wasmguard/internal/interp"
	"github.com/wasmguard/wasmguard/internal/memory"
	"github.com/wasmguard/wasmguard/internal/wasmdebug"
)

// Backend is the engine's embedder-facing surface: decode a module, bind a
// memory, resolve its imports against a host-function registry, and call
// one of its exports.
type Backend struct {
	cfg    *RuntimeConfig
	module *decode.Module
	mem    *memory.Memory
	// scratch is the module-instance-lifetime growable arena each call's
	// exec.Context draws its load/store staging buffers from, sized by
	// cfg.memoryReservation (RuntimeConfig.WithMemoryReservationSize).
	// Reset, not reconstructed, between calls so repeated invocations don't
	// pay a fresh mmap reservation each time.
	scratch *arena.Growable
	funcs   []interp.Func
	ctx     *exec.Context
}

// New decodes and validates wasmBytes against cfg, failing with
// module.decode or module.validate.
func New(cfg *RuntimeConfig, wasmBytes []byte) (*Backend, error) {
	if cfg == nil {
		cfg = NewRuntimeConfig()
	}
	m, err := decode.Decode(wasmBytes)
	if err != nil {
		return nil, err
	}
	return &Backend{cfg: cfg, module: m}, nil
}

// SetMemory constructs and binds the Linear Memory this backend's
// invocations will run against, sized per the module's own memory section
// (one initial page when it declares none) and capped by cfg.maxPages. It
// also (re)constructs the
// module-instance-lifetime scratch arena invocations draw load/store
// staging buffers from, sized per cfg.memoryReservation.
func (b *Backend) SetMemory() error {
	initial, max := 1, b.cfg.maxPages
	if b.module.Memory != nil {
		initial = int(b.module.Memory.Initial)
		if b.module.Memory.HasMax && int(b.module.Memory.Max) < max {
			max = int(b.module.Memory.Max)
		}
	}
	mem, err := memory.New(initial, max)
	if err != nil {
		return err
	}
	scratch, err := arena.NewGrowable(b.cfg.memoryReservation)
	if err != nil {
		mem.Close()
		return err
	}
	if b.mem != nil {
		b.mem.Close()
	}
	if b.scratch != nil {
		b.scratch.Close()
	}
	b.mem = mem
	b.scratch = scratch
	b.cfg.logger.Log(LevelDebug, "bound memory: %d initial pages, %d max pages", initial, max)
	return nil
}

// Memory returns the Linear Memory most recently bound by SetMemory, or nil
// if SetMemory hasn't been called yet. Primarily so an embedder (or a test)
// can seed guest memory contents ahead of a Call, since this engine has no
// data-section support of its own.
func (b *Backend) Memory() *memory.Memory { return b.mem }

// Close releases the bound memory and scratch arena. The Backend must not be
// used afterward.
func (b *Backend) Close() error {
	var err error
	if b.mem != nil {
		err = b.mem.Close()
	}
	if b.scratch != nil {
		if cerr := b.scratch.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// ResolveImports builds the function table for the decoded module: imports
// first (resolved against reg), then locally-defined functions, matching
// Wasm index-space ordering. Fails with link.unresolved or link.signature
// if any import can't be satisfied.
func (b *Backend) ResolveImports(reg *hostfunc.Registry) error {
	imports := make([]hostfunc.Import, len(b.module.Imports))
	for i, imp := range b.module.Imports {
		t := b.module.Types[imp.TypeIndex]
		imports[i] = hostfunc.Import{
			Module:   imp.Module,
			Field:    imp.Field,
			Expected: hostfunc.Signature{Params: t.Params, Results: t.Results},
		}
	}
	resolved, err := hostfunc.Resolve(reg, imports)
	if err != nil {
		return err
	}
	b.cfg.logger.Log(LevelDebug, "resolved %d imports", len(resolved))

	funcs := make([]interp.Func, 0, len(resolved)+len(b.module.FuncSigs))
	for i, r := range resolved {
		t := b.module.Types[b.module.Imports[i].TypeIndex]
		rCopy := r
		funcs = append(funcs, interp.Func{
			Sig:  decode.FuncType{Params: t.Params, Results: t.Results},
			Host: &rCopy,
		})
	}
	for i, sigIdx := range b.module.FuncSigs {
		t := b.module.Types[sigIdx]
		code := b.module.Code[i]
		numLocal := 0
		for _, g := range code.Locals {
			numLocal += g.Count
		}
		funcs = append(funcs, interp.Func{
			Sig:      decode.FuncType{Params: t.Params, Results: t.Results},
			Body:     code.Body,
			NumLocal: numLocal,
		})
	}
	b.funcs = funcs
	return nil
}

// CallResult carries an export's typed return values plus the wall-clock
// duration of the call, mirroring the timing the original driver printed
// around each invocation.
type CallResult struct {
	Results  []api.Value
	Duration time.Duration
}

// Call invokes the exported function named field with args, arming the
// configured deadline (if any) and returning its typed results plus the
// call's wall-clock duration. Each call gets a fresh invocation context and
// a correlation id attached to its log output so concurrent calls against
// the same Backend (permitted across different module instances; never
// against one instance concurrently, per the engine's concurrency model)
// are distinguishable.
func (b *Backend) Call(field string, args []api.Value) (*CallResult, error) {
	idx, found := b.exportedFuncIndex(field)
	if !found {
		return nil, NewError(KindLinkUnresolved, "no exported function %q", field)
	}
	callID := uuid.New().String()
	if b.scratch != nil {
		b.scratch.Reset()
	}
	ctx := exec.New(b.mem, b.scratch)
	b.ctx = ctx
	if err := ctx.Start(); err != nil {
		return nil, err
	}
	if b.cfg.deadline > 0 {
		if err := ctx.ArmDeadline(b.cfg.deadline); err != nil {
			return nil, err
		}
		b.cfg.logger.Log(LevelDebug, "[%s] armed deadline %s for %s", callID, b.cfg.deadline, wasmdebug.FuncName("", field, idx))
	}

	start := time.Now()
	results, callErr := interp.Run(b.cfg.ctx, &interp.Module{Funcs: b.funcs}, ctx, idx, args)
	duration := time.Since(start)
	state, trapErr := ctx.Finish()

	if callErr != nil {
		b.cfg.logger.Log(LevelWarn, "[%s] trap in %s: %v (state=%s)", callID, wasmdebug.FuncName("", field, idx), callErr, state)
		return nil, callErr
	}
	if trapErr != nil {
		b.cfg.logger.Log(LevelWarn, "[%s] trap in %s: %v (state=%s)", callID, wasmdebug.FuncName("", field, idx), trapErr, state)
		return nil, trapErr
	}
	return &CallResult{Results: results, Duration: duration}, nil
}

func (b *Backend) exportedFuncIndex(field string) (uint32, bool) {
	for _, e := range b.module.Exports {
		if e.Kind == 0 && e.Name == field {
			return e.Index, true
		}
	}
	return 0, false
}

// Context returns the execution context of the most recent Call (nil before
// the first Call), so an embedder can inspect its terminal state. Call
// creates and finishes the context itself, so a watchdog cannot be bound to
// it from outside; deadlines are armed only through RuntimeConfig.WithDeadline.
func (b *Backend) Context() *exec.Context { return b.ctx }

// GoContext returns the context.Context this backend propagates to host
// function calls, as configured via RuntimeConfig.WithContext.
func (b *Backend) GoContext() context.Context { return b.cfg.ctx }
