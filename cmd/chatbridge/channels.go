package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newChannelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "channels",
		Short: "List upstream live-chat channels and whether they can take a visitor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath, true)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			logger := newLogger(cfg.Logging, os.Stderr)
			gw, err := newGateway(cfg.Upstream, logger)
			if err != nil {
				return err
			}

			channels, err := gw.ListChannels(cmd.Context())
			if err != nil {
				return fmt.Errorf("listing channels: %w", err)
			}
			configured := make(map[int64]bool, len(cfg.Upstream.ChannelIDs))
			for _, id := range cfg.Upstream.ChannelIDs {
				configured[id] = true
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tOPERATORS\tJOINED\tCONFIGURED")
			for _, ch := range channels {
				fmt.Fprintf(tw, "%d\t%s\t%d\t%v\t%v\n",
					ch.ID, ch.Name, len(ch.UserIDs), ch.AreYouInside, configured[ch.ID])
			}
			return tw.Flush()
		},
	}
}
