package wasmguard

import (
	"context"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wasmguard/wasmguard/internal/arena"
	"github.com/wasmguard/wasmguard/internal/memory"
)

// RuntimeConfig configures a Backend. Construct with NewRuntimeConfig and
// customize with the With* methods, each of which returns a new, cloned
// config rather than mutating the receiver, so a base config can be shared
// and specialized per invocation without aliasing surprises.
type RuntimeConfig struct {
	maxPages            int
	memoryReservation   int
	deadline            time.Duration
	logger              Logger
	ctx                 context.Context
}

// NewRuntimeConfig returns a config with the engine's defaults: the linear
// memory manager's DefaultMaxPages ceiling, the growable arena's
// DefaultReservation, no deadline (the watchdog is never armed), a no-op
// logger, and context.Background().
func NewRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		maxPages:          memory.DefaultMaxPages,
		memoryReservation: arena.DefaultReservation,
		logger:            NewNoopLogger(),
		ctx:               context.Background(),
	}
}

func (c *RuntimeConfig) clone() *RuntimeConfig {
	cp := *c
	return &cp
}

// WithMaxPages caps the number of 64 KiB pages a module's memory can grow
// to.
func (c *RuntimeConfig) WithMaxPages(n int) *RuntimeConfig {
	cp := c.clone()
	cp.maxPages = n
	return cp
}

// WithMemoryReservationSize sets the virtual address space reserved for the
// growable scratch arena (internal/arena.Growable) Backend.SetMemory
// constructs for each invocation's load/store staging allocations, in bytes.
func (c *RuntimeConfig) WithMemoryReservationSize(n int) *RuntimeConfig {
	cp := c.clone()
	cp.memoryReservation = n
	return cp
}

// WithDeadline arms every invocation's watchdog with the given duration. A
// zero duration (the default) leaves the watchdog unarmed.
func (c *RuntimeConfig) WithDeadline(d time.Duration) *RuntimeConfig {
	cp := c.clone()
	cp.deadline = d
	return cp
}

// WithLogger installs a Logger the backend writes diagnostic output
// through.
func (c *RuntimeConfig) WithLogger(l Logger) *RuntimeConfig {
	cp := c.clone()
	cp.logger = l
	return cp
}

// WithContext sets the context.Context propagated to host function calls.
func (c *RuntimeConfig) WithContext(ctx context.Context) *RuntimeConfig {
	cp := c.clone()
	cp.ctx = ctx
	return cp
}

// fileConfig is the YAML-serializable subset of RuntimeConfig that
// LoadRuntimeConfigFile understands, kept separate from RuntimeConfig itself
// since the latter also carries non-serializable fields (Logger, Context).
type fileConfig struct {
	MaxPages          int    `yaml:"max_pages"`
	MemoryReservation int    `yaml:"memory_reservation_bytes"`
	DeadlineMillis    int    `yaml:"deadline_millis"`
}

// LoadRuntimeConfigFile reads a YAML config file of the form:
//
//	max_pages: 256
//	memory_reservation_bytes: 1073741824
//	deadline_millis: 2000
//
// and returns a RuntimeConfig with those overrides applied over the
// defaults. Zero/absent fields keep the default for that knob.
func LoadRuntimeConfigFile(path string) (*RuntimeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, WrapError(KindConstructorFailure, err, "reading config file %s", path)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, WrapError(KindConstructorFailure, err, "parsing config file %s", path)
	}
	cfg := NewRuntimeConfig()
	if fc.MaxPages > 0 {
		cfg = cfg.WithMaxPages(fc.MaxPages)
	}
	if fc.MemoryReservation > 0 {
		cfg = cfg.WithMemoryReservationSize(fc.MemoryReservation)
	}
	if fc.DeadlineMillis > 0 {
		cfg = cfg.WithDeadline(time.Duration(fc.DeadlineMillis) * time.Millisecond)
	}
	return cfg, nil
}
