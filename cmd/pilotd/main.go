// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command pilotd is the AleutianPilot completion backend.
//
// It reads requests from stdin as newline-delimited JSON, streams
// completions from the configured provider, and writes event lines to
// stdout. It is meant to be spawned by an editor-side host rather than
// run interactively; all logging goes to stderr so stdout stays clean
// for the wire protocol.
//
// Usage:
//
//	pilotd
//	pilotd --log-level debug --log-dir ~/.pilot/logs
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianPilot/pkg/logging"
	"github.com/AleutianAI/AleutianPilot/services/backend"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		logLevel string
		logDir   string
		quiet    bool
	)

	cmd := &cobra.Command{
		Use:           "pilotd",
		Short:         "Streaming code-completion backend speaking NDJSON over stdio",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.New(logging.Config{
				Level:   logging.ParseLevel(logLevel),
				LogDir:  logDir,
				Service: "pilotd",
				JSON:    true,
				Quiet:   quiet,
			})
			defer log.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log.Info("pilotd started", "pid", os.Getpid())
			server := backend.NewServer(os.Stdin, os.Stdout, backend.WithLogger(log.Slog()))
			if err := server.Run(ctx); err != nil {
				log.Error("request loop stopped", "error", err)
				return err
			}
			log.Info("pilotd exiting")
			return nil
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", os.Getenv("PILOT_LOG_LEVEL"), "minimum log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&logDir, "log-dir", "", "directory for JSON log files")
	cmd.Flags().BoolVar(&quiet, "quiet", false, "disable stderr logging")
	return cmd
}
