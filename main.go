// Copyright (c) 2021-2026 The Syntra Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Syntra is an HTTP/1 reverse proxy built on a structured message core.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"

	"github.com/syntra-net/syntra/loom"
)

type command struct {
	flags struct {
		config  string
		listen  string
		backend string
		verbose bool
	}

	ffcli.Command
}

func newCommand() *ffcli.Command {
	c := new(command)

	c.Name = filepath.Base(os.Args[0])
	c.ShortUsage = "syntra [flags]"
	c.ShortHelp = "start the proxy"

	c.FlagSet = flag.NewFlagSet(c.Name, flag.ContinueOnError)
	c.FlagSet.StringVar(&c.flags.config, "config", "", "configuration file path")
	c.FlagSet.StringVar(&c.flags.listen, "listen", "", "frontend IP:PORT to listen on (overrides config)")
	c.FlagSet.StringVar(&c.flags.backend, "backend", "", "upstream IP:PORT to forward to (overrides config)")
	c.FlagSet.BoolVar(&c.flags.verbose, "v", false, "enable verbose logging")

	c.Options = []ff.Option{ff.WithEnvVarPrefix("SYNTRA")}
	c.Exec = c.entrypoint
	return &c.Command
}

func (c *command) entrypoint(ctx context.Context, args []string) error {
	config, err := loom.LoadConfig(c.flags.config)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if c.flags.listen != "" {
		config.Listen = c.flags.listen
	}
	if c.flags.backend != "" {
		config.Backend = c.flags.backend
	}

	level := new(slog.LevelVar)
	switch config.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
	if c.flags.verbose {
		level.Set(slog.LevelDebug)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	stage, err := loom.NewStage(config, logger)
	if err != nil {
		return fmt.Errorf("new stage: %w", err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		logger.Info("signal received, draining", "signal", sig)
		stage.Shutdown()
		<-sigs
		logger.Warn("second signal, exiting now")
		os.Exit(1)
	}()

	return stage.Run()
}

func main() {
	if err := newCommand().ParseAndRun(context.Background(), os.Args[1:]); err != nil {
		if err != flag.ErrHelp {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}
