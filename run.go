package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	gcs "cloud.google.com/go/storage"
	"github.com/spf13/cobra"
	"google.golang.org/api/option"

	"issue-monitor/config"
	"issue-monitor/email"
	"issue-monitor/filter"
	"issue-monitor/notify"
	"issue-monitor/pkg/issues"
	"issue-monitor/poll"
	"issue-monitor/query"
	"issue-monitor/search"
	"issue-monitor/storage"
	"issue-monitor/tracker"
)

func newRunCmd(logger *slog.Logger) *cobra.Command {
	var (
		summaryFile string
		dryRun      bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one monitor pass",
		Long:  `Load seen issues, search, filter, notify every enabled channel and save the seen issues. Exits non-zero on any fatal error.`,
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
			return runMonitor(cmd.Context(), cfg, summaryFile, dryRun, logger)
		},
	}
	cmd.Flags().StringVar(&summaryFile, "summary-file", "new_issues.json", "where to write the batch summary (empty disables)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "search and filter without notifying or saving")
	return cmd
}

func runMonitor(ctx context.Context, cfg *config.Config, summaryFile string, dryRun bool, logger *slog.Logger) error {
	logger = logger.With("monitor", cfg.Name)

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	gh := tracker.New(&http.Client{Timeout: cfg.Timeouts.Search}, cfg.GitHubToken, logger)
	searcher := search.New(gh, cfg.Timeouts.Search, logger)

	var channels []notify.Channel
	if !dryRun {
		channels, err = buildChannels(ctx, cfg, gh, logger)
		if err != nil {
			return err
		}
	}
	dispatcher := notify.NewDispatcher(channels, cfg.Timeouts.Dispatch, logger)

	monitor := poll.New(monitorOptions(cfg, dryRun), store, searcher, dispatcher, logger)
	res, err := monitor.Run(ctx)
	logger.Info("Run finished",
		"state", res.State.String(),
		"queries", res.Queries,
		"failed_queries", len(res.QueryFailures),
		"candidates", res.Candidates,
		"new", res.Batch.Len(),
		"duration_ms", res.Duration.Milliseconds())
	if err != nil {
		return err
	}

	if summaryFile != "" && res.Batch.Len() > 0 {
		if err := writeSummary(summaryFile, res.Batch); err != nil {
			return err
		}
		logger.Info("Summary written", "path", summaryFile, "count", res.Batch.Len())
	}
	return nil
}

func monitorOptions(cfg *config.Config, dryRun bool) poll.Options {
	return poll.Options{
		Name:    cfg.Name,
		Phrases: cfg.SearchPhrases,
		Query: query.Options{
			ExcludedRepos:  cfg.ExcludedRepos,
			ExcludedOrgs:   cfg.ExcludedOrgs,
			DeploymentRepo: cfg.DeploymentRepo,
		},
		Rules: filter.Rules{
			ExcludedRepos: cfg.ExcludedRepos,
			ExcludedOrgs:  cfg.ExcludedOrgs,
			NonEnglish:    cfg.FilterNonEnglish,
		},
		Lookback:     cfg.Lookback(),
		Retention:    cfg.SeenRetention(),
		StoreTimeout: cfg.Timeouts.Storage,
		DryRun:       dryRun,
	}
}

// openStore picks Redis, then Cloud Storage, then a local cache directory.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (poll.Store, func(), error) {
	switch {
	case cfg.RedisURL != "":
		rdb, err := storage.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
		s := storage.NewRedis(rdb, cfg.Name, logger)
		logger.Info("Using Redis store", "key", s.Key())
		return s, func() { _ = rdb.Close() }, nil

	case cfg.StorageBucket != "":
		var opts []option.ClientOption
		if cfg.GoogleCredsJSON != "" {
			opts = append(opts, option.WithCredentialsJSON([]byte(cfg.GoogleCredsJSON)))
		}
		client, err := gcs.NewClient(ctx, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("create storage client: %w", err)
		}
		s := storage.New(client, cfg.StorageBucket, "", cfg.Name, logger)
		logger.Info("Using Cloud Storage store", "bucket", cfg.StorageBucket, "key", s.Key())
		return s, func() { _ = client.Close() }, nil

	default:
		s := storage.New(nil, "", cfg.CacheDir, cfg.Name, logger)
		logger.Info("Using local store", "path", cfg.CacheDir, "key", s.Key())
		return s, func() {}, nil
	}
}

// buildChannels returns the enabled channels. Disabled channels are skipped silently.
func buildChannels(ctx context.Context, cfg *config.Config, creator notify.IssueCreator, logger *slog.Logger) ([]notify.Channel, error) {
	n := cfg.Notifications
	var channels []notify.Channel

	if n.GitHubIssues.IsEnabled() {
		channels = append(channels, notify.NewTracker(creator, n.GitHubIssues.Repository, n.GitHubIssues.Labels))
	}
	if n.Slack.Enabled {
		channels = append(channels, notify.NewSlack(&http.Client{Timeout: cfg.Timeouts.Dispatch}, n.Slack.WebhookURL, notify.SlackOptions{
			Channel:   n.Slack.Channel,
			Username:  n.Slack.Username,
			IconEmoji: n.Slack.IconEmoji,
		}))
	}
	if n.Email.Enabled {
		provider, err := newEmailProvider(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		channels = append(channels, notify.NewEmail(email.New(provider, logger), n.Email.To))
	}
	return channels, nil
}

func newEmailProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (email.Provider, error) {
	e := cfg.Notifications.Email
	switch e.Provider {
	case "brevo":
		logger.Info("Using Brevo email provider", "from", e.From)
		return email.NewBrevoProvider(cfg.BrevoAPIKey, e.From, e.FromName, logger), nil
	case "mock":
		logger.Info("Mock email mode enabled")
		return email.NewMockProvider(logger), nil
	default:
		svc, err := email.NewGmailService(ctx, cfg.GoogleCredsJSON)
		if err != nil {
			return nil, fmt.Errorf("initialize gmail service: %w", err)
		}
		logger.Info("Using Gmail email provider")
		return email.NewGmailProvider(svc, e.From, logger), nil
	}
}

type summaryIssue struct {
	Title      string `json:"title"`
	URL        string `json:"url"`
	Repository string `json:"repository"`
	ID         int64  `json:"id"`
}

type summary struct {
	Monitor string         `json:"monitor"`
	IDs     []int64        `json:"ids"`
	Issues  []summaryIssue `json:"issues"`
	Count   int            `json:"count"`
}

// writeSummary records the batch for the scheduler or CI job that ran us.
func writeSummary(path string, batch *issues.Batch) error {
	s := summary{
		Monitor: batch.Monitor,
		Count:   batch.Len(),
		IDs:     batch.IDs(),
		Issues:  make([]summaryIssue, 0, batch.Len()),
	}
	for _, c := range batch.Issues {
		s.Issues = append(s.Issues, summaryIssue{ID: c.ID, Title: c.Title, URL: c.URL, Repository: c.Repository})
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}
