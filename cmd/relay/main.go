// Command relay is the realtime voice call bridge server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/relaykit/relay/internal/app"
	"github.com/relaykit/relay/internal/config"
	"github.com/relaykit/relay/internal/observe"
)

const (
	shutdownTimeout       = 15 * time.Second
	telemetryFlushTimeout = 5 * time.Second
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := flag.NewFlagSet("relay", flag.ExitOnError)
	configPath := flags.String("config", "", "path to a YAML configuration file (optional)")
	showVersion := flags.Bool("version", false, "print the build version and exit")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	if *showVersion {
		fmt.Println("relay", buildVersion())
		return 0
	}

	// ── Configuration ─────────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "relay: no config file at %q (omit -config to run on env vars and defaults)\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("relay starting",
		"version", buildVersion(),
		"config", *configPath,
		"port", cfg.Server.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	stopTelemetry, err := observe.Init(ctx, observe.Options{Version: buildVersion()})
	if err != nil {
		slog.Error("telemetry init failed", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), telemetryFlushTimeout)
		defer cancel()
		if err := stopTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry flush", "err", err)
		}
	}()

	// ── Serve ─────────────────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	printStartupSummary(cfg)
	slog.Info("relay ready", "port", cfg.Server.Port)

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server error", "err", err)
		return 1
	}

	// ── Drain ─────────────────────────────────────────────────────────────────
	slog.Info("signal received, draining", "timeout", shutdownTimeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("relay stopped")
	return 0
}

// printStartupSummary renders the effective configuration as a small table on
// stdout, so the settings that most often go wrong (audio rates, archive left
// off) are visible without grepping logs.
func printStartupSummary(cfg *config.Config) {
	archive := "off"
	if cfg.Archive.DSN != "" {
		archive = "on"
		if cfg.Archive.EmbeddingsModel != "" {
			archive = "on + vector search"
		}
	}
	summary := "off"
	if cfg.Summary.Model != "" {
		summary = cfg.Summary.Provider + "/" + cfg.Summary.Model
	}

	rows := [][2]string{
		{"model", cfg.Realtime.Model},
		{"voice", cfg.Realtime.Voice},
		{"audio in", fmt.Sprintf("%s @ %d Hz", cfg.Audio.InputFormat, cfg.Audio.InputRate)},
		{"audio out", fmt.Sprintf("%s @ %d Hz", cfg.Audio.OutputFormat, cfg.Audio.OutputRate)},
		{"archive", archive},
		{"summary", summary},
		{"mcp servers", strconv.Itoa(len(cfg.MCP.Servers))},
		{"port", strconv.Itoa(cfg.Server.Port)},
	}

	title := "relay " + buildVersion()
	labelW := 0
	for _, r := range rows {
		labelW = max(labelW, len(r[0]))
	}
	lineW := len(title)
	for _, r := range rows {
		lineW = max(lineW, labelW+2+len(r[1]))
	}

	border := strings.Repeat("─", lineW+2)
	fmt.Println("┌" + border + "┐")
	fmt.Printf("│ %-*s │\n", lineW, title)
	fmt.Println("├" + border + "┤")
	for _, r := range rows {
		fmt.Printf("│ %-*s  %-*s │\n", labelW, r[0], lineW-labelW-2, r[1])
	}
	fmt.Println("└" + border + "┘")
}

// buildVersion reports the main module version recorded by the Go toolchain,
// with the short VCS revision appended when the build embeds one.
func buildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "devel"
	}
	version := info.Main.Version
	if version == "" || version == "(devel)" {
		version = "devel"
	}
	for _, kv := range info.Settings {
		if kv.Key == "vcs.revision" && len(kv.Value) >= 8 {
			version += "+" + kv.Value[:8]
			break
		}
	}
	return version
}

func newLogger(level config.LogLevel) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slogLevel(level)}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}
