// Package main implements a scheduled job that searches GitHub for newly filed
// issues matching a monitor's phrases and notifies the configured channels.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"issue-monitor/config"
	"issue-monitor/notify"
	"issue-monitor/poll"
	"issue-monitor/search"
)

const defaultConfigFile = "configs/monitor.yaml"

func main() {
	logger := newLogger(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(logger).ExecuteContext(ctx)
	stop()
	if err != nil {
		logger.Error("Monitor failed", "kind", errorKind(err), "error", err)
		os.Exit(1)
	}
}

func newRootCmd(logger *slog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "issue-monitor",
		Short:         "Watch GitHub for new issues matching search phrases",
		Long:          `Search GitHub for issues created within a lookback window, drop excluded and already-notified ones, and notify the configured channels.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	configFile := os.Getenv("CONFIG_FILE")
	if configFile == "" {
		configFile = defaultConfigFile
	}
	root.PersistentFlags().String("config", configFile, "monitor configuration file (YAML or JSON)")

	root.AddCommand(newRunCmd(logger), newValidateCmd())
	return root
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
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
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// errorKind names the failure class for the final log line.
func errorKind(err error) string {
	switch {
	case config.IsConfigError(err):
		return "config"
	case search.IsSearchUnavailable(err):
		return "search_unavailable"
	case poll.IsPersistError(err):
		return "persist"
	case poll.IsDeliveryError(err):
		return "delivery"
	case notify.IsDispatchError(err):
		return "dispatch"
	default:
		return "internal"
	}
}
