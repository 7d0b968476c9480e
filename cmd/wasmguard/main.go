// Command wasmguard loads a wasm module and invokes its "apply" export
// with three numeric arguments, mirroring the original driver's
// argv[1]/argv[2]/argv[3] convention. This CLI is deliberately minimal: it
// exists so the engine can be exercised end to end from a shell, not as a
// general-purpose wasm runner.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/wasmguard/wasmguard"
	"github.com/wasmguard/wasmguard/api"
	"github.com/wasmguard/wasmguard/examples/hostfns"
	"github.com/wasmguard/wasmguard/internal/hostfunc"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var configPath string
	rest := args
	if len(args) >= 2 && args[0] == "-config" {
		configPath = args[1]
		rest = args[2:]
	}
	if len(rest) < 4 {
		return fmt.Errorf("usage: wasmguard [-config FILE] MODULE.wasm A B C")
	}
	wasmPath := rest[0]
	a, err := strconv.ParseUint(rest[1], 10, 64)
	if err != nil {
		return fmt.Errorf("parsing first number: %w", err)
	}
	b, err := strconv.ParseUint(rest[2], 10, 64)
	if err != nil {
		return fmt.Errorf("parsing second number: %w", err)
	}
	c, err := strconv.ParseUint(rest[3], 10, 64)
	if err != nil {
		return fmt.Errorf("parsing third number: %w", err)
	}

	cfg := wasmguard.NewRuntimeConfig().WithLogger(wasmguard.NewStderrLogger(wasmguard.LevelWarn))
	if configPath != "" {
		fileCfg, err := wasmguard.LoadRuntimeConfigFile(configPath)
		if err != nil {
			return err
		}
		cfg = fileCfg.WithLogger(wasmguard.NewStderrLogger(wasmguard.LevelWarn))
	}

	wasmBytes, err := os.ReadFile(wasmPath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", wasmPath, err)
	}

	backend, err := wasmguard.New(cfg, wasmBytes)
	if err != nil {
		return err
	}
	if err := backend.SetMemory(); err != nil {
		return err
	}

	reg := hostfunc.New()
	host := &hostfns.ExampleHostMethods{Names: map[uint64]string{1: "alice"}}
	if err := hostfns.Register(reg, host); err != nil {
		return err
	}
	if err := backend.ResolveImports(reg); err != nil {
		return err
	}

	result, err := backend.Call("apply", []api.Value{api.I64(a), api.I64(b), api.I64(c)})
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "apply returned %d result(s) in %s\n", len(result.Results), result.Duration)
	return nil
}
