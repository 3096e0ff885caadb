// Package config loads and validates monitor configuration from a YAML (or JSON) file
// and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultLookbackHours = 24
	defaultSlackUsername = "GitHub Monitor"
	defaultSlackIcon     = ":mag:"
	defaultSearchTimeout = 30 * time.Second
	defaultSendTimeout   = 10 * time.Second
	defaultStoreTimeout  = 30 * time.Second
)

// ConfigError reports a missing or invalid configuration value.
// No network call is made once a ConfigError has been returned.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "config: " + e.Reason
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// IsConfigError reports whether err is or wraps a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// Config is the read-only configuration for a single monitor run.
type Config struct {
	Notifications      Notifications `yaml:"notifications"`
	Timeouts           Timeouts      `yaml:"timeouts"`
	Name               string        `yaml:"name"`
	SearchPhrases      []string      `yaml:"searchPhrases"`
	ExcludedRepos      []string      `yaml:"excludedRepos"`
	ExcludedOrgs       []string      `yaml:"excludedOrgs"`
	LookbackHours      int           `yaml:"lookbackHours"`
	SeenRetentionHours int           `yaml:"seenRetentionHours"` // 0 keeps every seen id forever
	FilterNonEnglish   bool          `yaml:"filterNonEnglish"`

	// Populated from the environment, never from the file.
	GitHubToken     string `yaml:"-"`
	DeploymentRepo  string `yaml:"-"`
	StorageBucket   string `yaml:"-"`
	RedisURL        string `yaml:"-"`
	CacheDir        string `yaml:"-"`
	BrevoAPIKey     string `yaml:"-"`
	GoogleCredsJSON string `yaml:"-"`
}

// Notifications holds per-channel settings.
type Notifications struct {
	GitHubIssues GitHubIssues `yaml:"githubIssues"`
	Slack        Slack        `yaml:"slack"`
	Email        Email        `yaml:"email"`
}

// GitHubIssues configures the tracker-issue channel.
type GitHubIssues struct {
	Enabled    *bool    `yaml:"enabled"` // nil means enabled
	Repository string   `yaml:"repository"`
	Labels     []string `yaml:"labels"`
}

// IsEnabled reports whether the tracker channel is on. It defaults to true.
func (g GitHubIssues) IsEnabled() bool {
	return g.Enabled == nil || *g.Enabled
}

// Slack configures the chat-webhook channel.
type Slack struct {
	WebhookURL string `yaml:"webhookUrl"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
	IconEmoji  string `yaml:"iconEmoji"`
	Enabled    bool   `yaml:"enabled"`
}

// Email configures the email digest channel.
type Email struct {
	Provider string   `yaml:"provider"` // gmail, brevo or mock
	From     string   `yaml:"from"`
	FromName string   `yaml:"fromName"`
	To       []string `yaml:"to"`
	Enabled  bool     `yaml:"enabled"`
}

// Timeouts bounds every external call.
type Timeouts struct {
	Search   time.Duration `yaml:"search"`
	Dispatch time.Duration `yaml:"dispatch"`
	Storage  time.Duration `yaml:"storage"`
}

// Load reads the config file at path, applies environment overrides and defaults,
// and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &ConfigError{Field: "file", Reason: fmt.Sprintf("config file not found: %s", path)}
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(os.Getenv)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes a YAML or JSON config document without validating it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &ConfigError{Field: "file", Reason: fmt.Sprintf("invalid config document: %v", err)}
	}
	return &cfg, nil
}

// ApplyEnv fills environment-sourced fields using getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	c.GitHubToken = getenv("GITHUB_TOKEN")
	c.DeploymentRepo = getenv("GITHUB_REPOSITORY")
	c.StorageBucket = getenv("STORAGE_BUCKET")
	c.RedisURL = getenv("REDIS_URL")
	c.CacheDir = getenv("CACHE_DIR")
	c.BrevoAPIKey = getenv("BREVO_API_KEY")
	c.GoogleCredsJSON = getenv("GOOGLE_CREDENTIALS_JSON")

	if c.Notifications.Slack.WebhookURL == "" {
		c.Notifications.Slack.WebhookURL = getenv("SLACK_WEBHOOK_URL")
	}
	if c.Notifications.GitHubIssues.Repository == "" {
		c.Notifications.GitHubIssues.Repository = c.DeploymentRepo
	}
}

func (c *Config) applyDefaults() {
	if c.LookbackHours == 0 {
		c.LookbackHours = defaultLookbackHours
	}
	if c.CacheDir == "" {
		c.CacheDir = "cache"
	}
	if c.Notifications.Slack.Username == "" {
		c.Notifications.Slack.Username = defaultSlackUsername
	}
	if c.Notifications.Slack.IconEmoji == "" {
		c.Notifications.Slack.IconEmoji = defaultSlackIcon
	}
	if c.Notifications.Email.Provider == "" {
		c.Notifications.Email.Provider = "gmail"
	}
	if c.Timeouts.Search <= 0 {
		c.Timeouts.Search = defaultSearchTimeout
	}
	if c.Timeouts.Dispatch <= 0 {
		c.Timeouts.Dispatch = defaultSendTimeout
	}
	if c.Timeouts.Storage <= 0 {
		c.Timeouts.Storage = defaultStoreTimeout
	}
	c.SearchPhrases = NormalizePhrases(c.SearchPhrases)
}

// NormalizePhrases removes double quotes (phrases are quoted when searched),
// trims phrases, drops empty ones and removes case-sensitive duplicates,
// keeping the first occurrence.
func NormalizePhrases(phrases []string) []string {
	out := make([]string, 0, len(phrases))
	for _, p := range phrases {
		p = strings.TrimSpace(strings.ReplaceAll(p, `"`, ""))
		if p == "" || slices.Contains(out, p) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Validate checks the configuration. It returns the first problem found as a *ConfigError.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return &ConfigError{Field: "name", Reason: "required"}
	}
	if strings.ContainsAny(c.Name, `/\ `) {
		return &ConfigError{Field: "name", Reason: "must not contain slashes or spaces"}
	}
	if len(NormalizePhrases(c.SearchPhrases)) == 0 {
		return &ConfigError{Field: "searchPhrases", Reason: "at least one non-empty phrase is required"}
	}
	if c.LookbackHours <= 0 {
		return &ConfigError{Field: "lookbackHours", Reason: "must be a positive number of hours"}
	}
	if c.SeenRetentionHours < 0 {
		return &ConfigError{Field: "seenRetentionHours", Reason: "must not be negative"}
	}
	if c.SeenRetentionHours > 0 && c.SeenRetentionHours < c.LookbackHours {
		return &ConfigError{Field: "seenRetentionHours", Reason: "must be at least lookbackHours so pruned issues can never match again"}
	}
	for _, repo := range c.ExcludedRepos {
		if !isRepoName(repo) {
			return &ConfigError{Field: "excludedRepos", Reason: fmt.Sprintf("%q is not in owner/name form", repo)}
		}
	}
	if c.GitHubToken == "" {
		return &ConfigError{Field: "GITHUB_TOKEN", Reason: "environment variable is required"}
	}

	n := c.Notifications
	if n.GitHubIssues.IsEnabled() && !isRepoName(n.GitHubIssues.Repository) {
		return &ConfigError{Field: "notifications.githubIssues.repository", Reason: "owner/name repository (or GITHUB_REPOSITORY) is required when enabled"}
	}
	if n.Slack.Enabled && n.Slack.WebhookURL == "" {
		return &ConfigError{Field: "notifications.slack.webhookUrl", Reason: "webhook URL (or SLACK_WEBHOOK_URL) is required when enabled"}
	}
	if n.Email.Enabled {
		if len(n.Email.To) == 0 {
			return &ConfigError{Field: "notifications.email.to", Reason: "at least one recipient is required when enabled"}
		}
		switch n.Email.Provider {
		case "gmail", "mock":
		case "brevo":
			if c.BrevoAPIKey == "" || n.Email.From == "" {
				return &ConfigError{Field: "notifications.email", Reason: "brevo provider needs BREVO_API_KEY and a from address"}
			}
		default:
			return &ConfigError{Field: "notifications.email.provider", Reason: fmt.Sprintf("unknown provider %q", n.Email.Provider)}
		}
	}
	return nil
}

// Lookback returns the search window as a duration.
func (c *Config) Lookback() time.Duration {
	return time.Duration(c.LookbackHours) * time.Hour
}

// SeenRetention returns how long seen ids are kept, or 0 for forever.
func (c *Config) SeenRetention() time.Duration {
	return time.Duration(c.SeenRetentionHours) * time.Hour
}

func isRepoName(s string) bool {
	owner, name, ok := strings.Cut(s, "/")
	return ok && owner != "" && name != "" && !strings.Contains(name, "/")
}
