package main

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/livechat-bridge/backend/internal/bridge"
	"github.com/livechat-bridge/backend/internal/config"
	"github.com/livechat-bridge/backend/internal/frontend"
	"github.com/livechat-bridge/backend/internal/mock"
	"github.com/livechat-bridge/backend/internal/monitor"
	"github.com/livechat-bridge/backend/internal/session"
	"github.com/livechat-bridge/backend/internal/ws"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var (
		port     int
		mockMode bool
		mockTick time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath, mockMode)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if port > 0 {
				cfg.Server.Port = port
			}

			logger := newLogger(cfg.Logging, os.Stderr)
			slog.SetDefault(logger)
			ctx := cmd.Context()

			if mockMode {
				logger.Info("starting in mock mode")
				fake := mock.NewUpstream(mock.Options{LongPoll: true})
				url, err := serveMock(fake, logger)
				if err != nil {
					return err
				}
				o := fake.Options()
				cfg.Upstream.BaseURL = url
				cfg.Upstream.Database = o.Database
				cfg.Upstream.Login = o.Login
				cfg.Upstream.Password = o.Password
				cfg.Upstream.ChannelIDs = o.ChannelIDs
				mock.NewGenerator(fake, mockTick, logger).Start(ctx)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			gw, err := newGateway(cfg.Upstream, logger)
			if err != nil {
				return err
			}
			poller := monitor.NewPoller(cfg.Bridge, gw, session.NewStore(), logger)
			hub := ws.NewHub(poller, ws.HubOptions{
				SendBuffer:   cfg.Server.SendBuffer,
				WriteTimeout: cfg.Server.WriteTimeout,
				PingInterval: cfg.Server.PingInterval,
				MaxSessions:  cfg.Server.MaxSessions,
				Logger:       logger,
			})
			defer hub.Close()

			svc := bridge.NewService(gw, bridge.Options{
				Disconnector: hub,
				Live:         poller,
				Replies:      cfg.Handoff,
				Logger:       logger,
			})
			server := ws.NewServer(cfg.Server, svc, hub, ws.ServerOptions{
				Reporter: poller,
				Metrics:  cfg.Metrics.Enabled,
				Static:   frontend.Handler(),
				Logger:   logger,
			})

			if _, err := os.Stat(configPath); err == nil {
				go func() {
					err := config.Watch(ctx, configPath, logger, func(next *config.Config) {
						poller.SetConfig(next.Bridge)
						logger.Info("bridge settings reloaded",
							"poll_interval", next.Bridge.PollInterval,
							"failure_threshold", next.Bridge.FailureThreshold)
					})
					if err != nil {
						logger.Warn("config watch stopped", "error", err)
					}
				}()
			}

			return ws.ListenAndServe(ctx, cfg.Server.Host, cfg.Server.Port, server.Handler(), logger)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Override server port")
	cmd.Flags().BoolVar(&mockMode, "mock", false, "Run against an in-process fake upstream with a scripted operator")
	cmd.Flags().DurationVar(&mockTick, "mock-tick", 2*time.Second, "Step interval of the scripted operator")
	return cmd
}

// serveMock exposes the fake upstream on a loopback port and returns its
// base URL.
func serveMock(fake *mock.Upstream, logger *slog.Logger) (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("starting mock upstream: %w", err)
	}
	go func() {
		if err := http.Serve(ln, fake); err != nil {
			logger.Warn("mock upstream stopped", "error", err)
		}
	}()
	url := "http://" + ln.Addr().String()
	logger.Info("mock upstream listening", "url", url)
	return url, nil
}
