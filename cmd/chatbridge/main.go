package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/livechat-bridge/backend/internal/config"
	"github.com/livechat-bridge/backend/internal/upstream"
	"github.com/spf13/cobra"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:           "chatbridge",
		Short:         "Bridge an Odoo live-chat backend to WebSocket chat widgets",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to config file")
	rootCmd.AddCommand(newServeCmd(), newChannelsCmd(), newWatchCmd())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "chatbridge:", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file. A missing file falls back to defaults
// plus environment overrides when allowMissing is set.
func loadConfig(path string, allowMissing bool) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if !allowMissing || !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	cfg = config.Default()
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newGateway(cfg config.UpstreamConfig, logger *slog.Logger) (*upstream.Client, error) {
	return upstream.NewClient(upstream.Config{
		BaseURL:         cfg.BaseURL,
		Database:        cfg.Database,
		Login:           cfg.Login,
		Password:        cfg.Password,
		ChannelIDs:      cfg.ChannelIDs,
		RequestTimeout:  cfg.RequestTimeout,
		LongPollTimeout: cfg.LongPollTimeout,
		Retry: upstream.RetryConfig{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			InitialBackoff: cfg.Retry.InitialBackoff,
			Multiplier:     cfg.Retry.Multiplier,
			MaxBackoff:     cfg.Retry.MaxBackoff,
		},
		RateLimit: cfg.RateLimit,
		RateBurst: cfg.RateBurst,
		PageSize:  cfg.PageSize,
		Logger:    logger,
	})
}
