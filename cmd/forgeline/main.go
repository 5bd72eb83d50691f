// Package main provides the forgeline binary entry point. Forgeline is a
// workflow orchestration engine for agent-driven software delivery: the serve
// mode runs the orchestrator and HTTP API, the agent mode runs one agent
// executor, and migrate applies the database schema.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

const (
	Version = "0.1.0"
	appName = "forgeline"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:     appName,
		Short:   "Workflow orchestration engine for agent-driven delivery",
		Version: Version,
		Long: `Forgeline drives multi-stage workflows through pluggable agent executors.

Workflows advance through per-platform stage definitions (or a legacy
fallback sequence), with every stage dispatched to an agent over a durable
message substrate and every result applied under optimistic concurrency.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	cmd.AddCommand(serveCmd(&configPath))
	cmd.AddCommand(agentCmd(&configPath))
	cmd.AddCommand(migrateCmd(&configPath))
	return cmd
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
