// Copyright 2026 The Chisel Authors
// SPDX-License-Identifier: Apache-2.0

// chisel-exec runs one spawn through the execution core.
//
// Usage:
//
//	chisel-exec [flags] -- <command> [args...]
//
// The command runs inside a freshly staged execution root, or as a
// persistent-worker request when --worker is given. Inputs are staged
// from "dest=source" pairs; declared outputs are collected into the
// output root on success.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	"github.com/chisel-build/chisel/lib/config"
	"github.com/chisel-build/chisel/lib/digest"
	"github.com/chisel-build/chisel/lib/process"
	"github.com/chisel-build/chisel/lib/version"
	"github.com/chisel-build/chisel/runner"
	"github.com/chisel-build/chisel/sandbox"
	"github.com/chisel-build/chisel/worker"
)

func main() {
	if err := run(); err != nil {
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		process.Fatal(err)
	}
}

// exitError carries a subprocess exit code to main.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("command exited with code %d", e.code) }
func (e *exitError) ExitCode() int { return e.code }

func run() error {
	var (
		configPath   string
		inputs       []string
		outputs      []string
		writableDirs []string
		mnemonic     string
		timeout      time.Duration
		useWorker    bool
		useMultiplex bool
		copyStaging  bool
	)

	flagSet := pflag.NewFlagSet("chisel-exec", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "configuration file (default: $CHISEL_CONFIG)")
	flagSet.StringArrayVar(&inputs, "input", nil, "declared input as dest=source, repeatable")
	flagSet.StringArrayVar(&outputs, "output", nil, "declared output path, repeatable")
	flagSet.StringArrayVar(&writableDirs, "writable-dir", nil, "writable scratch directory, repeatable")
	flagSet.StringVar(&mnemonic, "mnemonic", "Run", "action mnemonic for diagnostics")
	flagSet.DurationVar(&timeout, "timeout", 0, "wall-clock timeout (default: from config)")
	flagSet.BoolVar(&useWorker, "worker", false, "run as a persistent-worker request")
	flagSet.BoolVar(&useMultiplex, "multiplex", false, "allow sharing one worker process across requests")
	flagSet.BoolVar(&copyStaging, "copy", false, "stage inputs as copies instead of symlinks")

	if len(os.Args) > 1 && os.Args[1] == "--version" {
		fmt.Printf("chisel-exec %s\n", version.Info())
		return nil
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	command := flagSet.Args()
	if len(command) == 0 {
		return fmt.Errorf("no command given; usage: chisel-exec [flags] -- <command> [args...]")
	}

	logLevel := slog.LevelInfo
	if os.Getenv("CHISEL_DEBUG") != "" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	var cfg *config.Config
	var err error
	switch {
	case configPath != "":
		cfg, err = config.LoadFile(configPath)
	case os.Getenv("CHISEL_CONFIG") != "":
		cfg, err = config.Load()
	default:
		cfg = config.Default()
	}
	if err != nil {
		return err
	}

	spawn, err := buildSpawn(command, inputs, outputs, writableDirs, mnemonic, timeout, useWorker, useMultiplex)
	if err != nil {
		return err
	}

	strategy := sandbox.SymlinkStrategy
	if copyStaging || cfg.Spawn.CopyInsteadOfSymlink {
		strategy = sandbox.CopyStrategy
	}

	var deleter sandbox.TreeDeleter = sandbox.SynchronousTreeDeleter{}
	if cfg.Spawn.AsyncTreeDeletion {
		async, err := sandbox.NewAsyncTreeDeleter(cfg.Paths.SandboxBase+".trash", logger)
		if err != nil {
			return err
		}
		defer async.Close()
		deleter = async
	}

	registry := prometheus.NewRegistry()
	pool := worker.NewPool(worker.PoolOptions{
		Logger:                   logger,
		Metrics:                  worker.NewMetrics(registry),
		MaxInstancesPerKey:       cfg.Workers.MaxInstancesPerKey,
		MaxRequestsPerWorker:     cfg.Workers.MaxRequestsPerWorker,
		MemoryEvictionFloorBytes: uint64(cfg.Workers.MemoryEvictionFloorMB) << 20,
		EvictionInterval:         cfg.EvictionInterval(),
		MaxFrameSize:             cfg.Workers.MaxFrameSizeBytes,
	})
	defer pool.Close()

	spawnRunner := runner.New(runner.Options{
		Logger:           logger,
		Pool:             pool,
		SandboxBase:      cfg.Paths.SandboxBase,
		WorkerWorkDirs:   cfg.Paths.WorkerWorkDirs,
		WorkspaceName:    cfg.WorkspaceName,
		OutputRoot:       cfg.Paths.Root,
		DefaultTimeout:   cfg.DefaultTimeout(),
		TerminationGrace: cfg.TerminationGrace(),
		Strategy:         strategy,
		Deleter:          deleter,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result := spawnRunner.Run(ctx, spawn)
	fmt.Print(result.Output)

	switch result.Status {
	case sandbox.StatusSuccess:
		return nil
	case sandbox.StatusNonZeroExit:
		return &exitError{code: result.ExitCode}
	case sandbox.StatusTimedOut:
		fmt.Fprintf(os.Stderr, "timed out: %s\n", result.FailureMessage)
		return &exitError{code: 124}
	default:
		return fmt.Errorf("%s: %s", result.Status, result.FailureMessage)
	}
}

func buildSpawn(command, inputs, outputs, writableDirs []string, mnemonic string, timeout time.Duration, useWorker, useMultiplex bool) (*sandbox.Spawn, error) {
	spawn := &sandbox.Spawn{
		Arguments:             command,
		Environment:           map[string]string{"PATH": os.Getenv("PATH")},
		Outputs:               outputs,
		WritableDirs:          writableDirs,
		Timeout:               timeout,
		Mnemonic:              mnemonic,
		ExecutionRequirements: map[string]string{},
	}
	if useWorker {
		spawn.ExecutionRequirements[sandbox.RequirementSupportsWorkers] = "1"
	}
	if useMultiplex {
		spawn.ExecutionRequirements[sandbox.RequirementSupportsMultiplex] = "1"
	}

	for _, pair := range inputs {
		dest, source, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("malformed --input %q, want dest=source", pair)
		}
		sum, err := digest.HashFile(source)
		if err != nil {
			return nil, fmt.Errorf("hashing input %s: %w", source, err)
		}
		spawn.Inputs = append(spawn.Inputs, sandbox.Input{
			Path:   dest,
			Source: source,
			Digest: digest.Format(sum),
		})
	}
	return spawn, nil
}
