// Package main implements the engine's CLI launcher wrapper (§6 CLI
// surface): a thin urfave/cli front end that brackets a wrapped
// test-runner command with pool start/end cleanup, the way the teacher's
// own cmd/cli wraps api calls behind urfave/cli commands.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"os"
	"os/exec"

	"github.com/urfave/cli"

	"github.com/vosdb/vosengine/heap"
	"github.com/vosdb/vosengine/internal/config"
	"github.com/vosdb/vosengine/internal/xlog"
)

const version = "0.1.0"

func main() {
	app := cli.NewApp()
	app.Name = "vos-launcher"
	app.Usage = "start/end-cleanup wrapper around a wrapped test-runner command"
	app.Version = version
	app.HideHelp = false

	app.Flags = []cli.Flag{
		cli.BoolFlag{Name: "start-cleanup", Usage: "remove and recreate the pool file before running the wrapped command"},
		cli.BoolFlag{Name: "end-cleanup", Usage: "remove the pool file after the wrapped command exits"},
		cli.BoolFlag{Name: "verbose", Usage: "enable verbose logging"},
		cli.BoolFlag{Name: "debug", Usage: "enable debug logging (sets VOS_DEBUG)"},
		cli.BoolFlag{Name: "quiet", Usage: "silence Infof/Warningf output"},
	}

	// An unrecognized flag must exit 1 rather than urfave/cli's default of
	// printing usage and returning 0.
	app.OnUsageError = func(c *cli.Context, err error, isSubcommand bool) error {
		xlog.Errorf("unrecognized option: %v", err)
		os.Exit(1)
		return nil
	}

	app.Action = run

	if err := app.Run(os.Args); err != nil {
		xlog.Errorf("launcher: %v", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.Bool("quiet") {
		xlog.SetQuiet(true)
	}
	if c.Bool("debug") {
		os.Setenv("VOS_DEBUG", "1")
	}
	if c.Bool("verbose") {
		xlog.Infof("launcher: verbose logging enabled")
	}

	cfg := config.FromEnv()
	poolPath := os.Getenv("VOS_POOL_PATH")
	if poolPath == "" {
		poolPath = "vos.pool"
	}

	if c.Bool("start-cleanup") {
		if err := startCleanup(poolPath, cfg); err != nil {
			xlog.Errorf("start-cleanup failed: %v", err)
			os.Exit(1)
		}
	}

	args := c.Args()
	exitCode := 0
	if len(args) > 0 {
		exitCode = runWrapped(args[0], args[1:])
	}

	if c.Bool("end-cleanup") {
		if err := endCleanup(poolPath); err != nil {
			xlog.Errorf("end-cleanup failed: %v", err)
			os.Exit(1)
		}
	}

	os.Exit(exitCode)
	return nil
}

// startCleanup removes any stale pool file at path and recreates an empty
// one, giving the wrapped test-runner a clean heap to attach to.
func startCleanup(path string, cfg config.Config) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	total := uint64(heap.PoolHeaderSize+heap.HeapHeaderSize) + uint64(heap.ZoneHeaderSize) +
		uint64(512)*(uint64(heap.ChunkHeaderSize)+cfg.ChunkSize)
	p, err := heap.Create(path, total, 1, cfg)
	if err != nil {
		return err
	}
	return p.Close()
}

// endCleanup removes the pool file the wrapped test-runner left behind.
func endCleanup(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// runWrapped execs the wrapped test-runner command, returning its exit
// code (§6: "exit code is the wrapped test-runner's exit code").
func runWrapped(name string, args []string) int {
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode()
		}
		xlog.Errorf("launcher: failed to run wrapped command %q: %v", name, err)
		return 1
	}
	return 0
}
