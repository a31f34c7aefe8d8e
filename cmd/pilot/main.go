// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command pilot is a reference host for the completion engine: it
// completes one position in a file from the command line, driving the
// same orchestrator, bridge, and pilotd backend an editor integration
// would.
//
// Usage:
//
//	pilot complete main.py --line 12
//	pilot complete main.go --line 40 --prompt "handle the error case"
//	pilot complete util.lua --line 7 --provider openai --write
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianPilot/pkg/config"
	"github.com/AleutianAI/AleutianPilot/pkg/logging"
	"github.com/AleutianAI/AleutianPilot/pkg/ux"
	"github.com/AleutianAI/AleutianPilot/services/completion"
	"github.com/AleutianAI/AleutianPilot/services/completion/bridge"
	"github.com/AleutianAI/AleutianPilot/services/completion/tools"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		ux.Error(err.Error())
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pilot",
		Short:         "Inline AI code completion",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	completeCmd, _ := newCompleteCmd()
	root.AddCommand(completeCmd)
	return root
}

// completeFlags holds the command-line surface of `pilot complete`.
type completeFlags struct {
	line          int
	prompt        string
	settingsPath  string
	provider      string
	model         string
	timeout       int
	maxToolRounds int
	backend       []string
	write         bool
	logLevel      string
}

func newCompleteCmd() (*cobra.Command, *completeFlags) {
	flags := &completeFlags{}

	cmd := &cobra.Command{
		Use:   "complete <file>",
		Short: "Complete the code at a line of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runComplete(cmd, args[0], flags)
		},
	}

	cmd.Flags().IntVarP(&flags.line, "line", "l", 0, "1-based line to complete at (required)")
	cmd.Flags().StringVarP(&flags.prompt, "prompt", "p", "", "explicit instruction; empty means infer from context")
	cmd.Flags().StringVar(&flags.settingsPath, "settings", config.DefaultSettingsPath(), "settings file")
	cmd.Flags().StringVar(&flags.provider, "provider", "", "provider override (anthropic, openai, local)")
	cmd.Flags().StringVar(&flags.model, "model", "", "model override")
	cmd.Flags().IntVar(&flags.timeout, "timeout", 0, "request timeout override in seconds")
	cmd.Flags().IntVar(&flags.maxToolRounds, "max-tool-rounds", 0, "tool round bound override")
	cmd.Flags().StringSliceVar(&flags.backend, "backend", nil, "backend command override (argv form)")
	cmd.Flags().BoolVarP(&flags.write, "write", "w", false, "write the completed buffer back to the file")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", os.Getenv("PILOT_LOG_LEVEL"), "minimum log level")
	cmd.MarkFlagRequired("line")
	return cmd, flags
}

func runComplete(cmd *cobra.Command, path string, flags *completeFlags) error {
	log := logging.New(logging.Config{
		Level:   logging.ParseLevel(flags.logLevel),
		Service: "pilot",
	})
	defer log.Close()

	settings, err := config.Load(flags.settingsPath, buildOverrides(cmd, flags))
	if err != nil {
		return err
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	text := strings.TrimSuffix(string(content), "\n")
	lines := strings.Split(text, "\n")

	if flags.line < 1 || flags.line > len(lines) {
		return fmt.Errorf("line %d is out of range (file has %d lines)", flags.line, len(lines))
	}

	buf := completion.NewBuffer(lines)
	br := bridge.New(settings.BackendCommand, bridge.WithLogger(log.Slog()))
	defer br.Close()

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	orch := completion.NewOrchestrator(settings, br,
		completion.WithLogger(log.Slog()),
		completion.WithNotifier(uxNotifier{}),
		completion.WithResolver(tools.NewResolver(filepath.Dir(absPath), tools.WithLogger(log.Slog()))),
		completion.WithStatusRenderer(renderStatusLine),
	)

	var prompt *string
	if flags.prompt != "" {
		prompt = &flags.prompt
	}

	if _, err := orch.Complete(buf, flags.line-1, prompt, absPath); err != nil {
		return err
	}

	waitForIdle(orch, settings)

	result := strings.Join(buf.Lines(), "\n") + "\n"
	if flags.write {
		if err := os.WriteFile(path, []byte(result), 0644); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
		ux.Success("updated " + path)
		return nil
	}

	fmt.Print(result)
	return nil
}

// buildOverrides maps only the flags the user actually set, so file
// and environment layers keep their say for everything else.
func buildOverrides(cmd *cobra.Command, flags *completeFlags) *config.Overrides {
	ov := &config.Overrides{}
	if cmd.Flags().Changed("provider") {
		ov.Provider = &flags.provider
	}
	if cmd.Flags().Changed("model") {
		ov.Model = &flags.model
	}
	if cmd.Flags().Changed("timeout") {
		ov.TimeoutSeconds = &flags.timeout
	}
	if cmd.Flags().Changed("max-tool-rounds") {
		ov.MaxToolRounds = &flags.maxToolRounds
	}
	if cmd.Flags().Changed("backend") {
		ov.BackendCommand = flags.backend
	}
	return ov
}

// waitForIdle blocks until the orchestrator has no in-flight requests,
// bounded by the request timeout plus teardown slack.
func waitForIdle(orch *completion.Orchestrator, settings *config.Settings) {
	deadline := time.Now().Add(time.Duration(settings.TimeoutSeconds+5) * time.Second)
	for orch.InFlight() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
}

// renderStatusLine draws the in-flight indicator on stderr. An empty
// text erases the line.
func renderStatusLine(line int, text string) {
	if text == "" {
		fmt.Fprint(os.Stderr, "\r\x1b[2K")
		return
	}
	fmt.Fprintf(os.Stderr, "\r\x1b[2K%s (line %d)", text, line+1)
}

// uxNotifier routes orchestrator notifications through the styled
// terminal output.
type uxNotifier struct{}

func (uxNotifier) Info(msg string)  { ux.Info(msg) }
func (uxNotifier) Warn(msg string)  { ux.Warning(msg) }
func (uxNotifier) Error(msg string) { ux.Error(msg) }
