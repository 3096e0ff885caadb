package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"issue-monitor/config"
	"issue-monitor/query"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and print the search queries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			configFile, err := cmd.Flags().GetString("config")
			if err != nil {
				return err
			}
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}

			opts := monitorOptions(cfg, true)
			queries, err := query.Build(opts.Phrases, opts.Lookback, time.Now(), opts.Query)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Monitor %q is valid: %d phrases, %dh lookback\n", cfg.Name, len(cfg.SearchPhrases), cfg.LookbackHours)
			fmt.Fprintf(out, "Channels: %v\n", enabledChannels(cfg))
			for _, q := range queries {
				fmt.Fprintln(out, q)
			}
			return nil
		},
	}
}

func enabledChannels(cfg *config.Config) []string {
	n := cfg.Notifications
	var names []string
	if n.GitHubIssues.IsEnabled() {
		names = append(names, "tracker")
	}
	if n.Slack.Enabled {
		names = append(names, "chat")
	}
	if n.Email.Enabled {
		names = append(names, "email")
	}
	return names
}
