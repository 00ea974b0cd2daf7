package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/livechat-bridge/backend/internal/monitor"
	"github.com/livechat-bridge/backend/internal/session"
	"github.com/livechat-bridge/backend/internal/ws"
	"github.com/spf13/cobra"
)

func newWatchCmd() *cobra.Command {
	var (
		after     int64
		shortPoll bool
	)
	cmd := &cobra.Command{
		Use:   "watch <session-id>",
		Short: "Print a session's events as JSON lines until it ends",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || sessionID <= 0 {
				return fmt.Errorf("invalid session id %q", args[0])
			}
			cfg, err := loadConfig(configPath, true)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if shortPoll {
				cfg.Bridge.LongPoll = false
			}
			logger := newLogger(cfg.Logging, os.Stderr)
			gw, err := newGateway(cfg.Upstream, logger)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			poller := monitor.NewPoller(cfg.Bridge, gw, session.NewStore(), logger)
			err = poller.Run(cmd.Context(), sessionID, after, func(ev session.Event) {
				enc.Encode(ws.EventMessage(ev))
			})
			if err != nil && cmd.Context().Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "Skip messages up to this id")
	cmd.Flags().BoolVar(&shortPoll, "short-poll", false, "Force short-poll even when long-poll is available")
	return cmd
}
