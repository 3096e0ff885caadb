// Package tracker talks to the GitHub REST API: issue search and issue creation.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v66/github"

	"issue-monitor/pkg/issues"
)

const (
	perPage = 100
	// GitHub never returns more than 1000 results for a single search.
	maxSearchResults = 1000
)

// Client wraps a go-github client.
type Client struct {
	gh     *github.Client
	logger *slog.Logger
}

// New creates a client authenticated with token. A nil httpClient uses a client
// without its own timeout; callers bound each call with a context deadline.
func New(httpClient *http.Client, token string, logger *slog.Logger) *Client {
	gh := github.NewClient(httpClient)
	if token != "" {
		gh = gh.WithAuthToken(token)
	}
	return &Client{gh: gh, logger: logger}
}

// NewWithGitHub wraps an already configured go-github client.
func NewWithGitHub(gh *github.Client, logger *slog.Logger) *Client {
	return &Client{gh: gh, logger: logger}
}

// RateLimitError indicates GitHub refused the call because of a primary or secondary rate limit.
type RateLimitError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("github rate limited (retry after %s): %v", e.RetryAfter, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// IsRateLimit reports whether err is a GitHub rate-limit error.
func IsRateLimit(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// SearchIssues runs one search query and returns every matching issue, pull requests excluded.
func (c *Client) SearchIssues(ctx context.Context, query string) ([]*issues.Candidate, error) {
	opts := &github.SearchOptions{
		Sort:        "created",
		Order:       "desc",
		ListOptions: github.ListOptions{PerPage: perPage},
	}

	var out []*issues.Candidate
	fetched := 0
	for {
		startTime := time.Now()
		res, resp, err := c.gh.Search.Issues(ctx, query, opts)
		duration := time.Since(startTime)
		if err != nil {
			c.logger.Warn("GitHub search request failed",
				"page", opts.Page,
				"duration_ms", duration.Milliseconds(),
				"error", err)
			return nil, classify(err)
		}

		c.logger.Debug("GitHub search page fetched",
			"page", opts.Page,
			"results", len(res.Issues),
			"total", res.GetTotal(),
			"incomplete", res.GetIncompleteResults(),
			"duration_ms", duration.Milliseconds())

		for _, is := range res.Issues {
			fetched++
			if is.IsPullRequest() {
				continue
			}
			out = append(out, toCandidate(is))
		}

		if resp.NextPage == 0 || fetched >= maxSearchResults {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// CreateIssue opens a new issue in repo (owner/name) and returns its number.
func (c *Client) CreateIssue(ctx context.Context, repo, title, body string, labels []string) (int, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok {
		return 0, fmt.Errorf("invalid repository %q", repo)
	}

	req := &github.IssueRequest{
		Title:  github.String(title),
		Body:   github.String(body),
		Labels: &labels,
	}

	c.logger.Info("GitHub API request starting",
		"method", "POST",
		"endpoint", "issues.create",
		"repository", repo,
		"title", title)

	startTime := time.Now()
	created, _, err := c.gh.Issues.Create(ctx, owner, name, req)
	duration := time.Since(startTime)
	if err != nil {
		return 0, fmt.Errorf("create issue in %s: %w", repo, classify(err))
	}

	c.logger.Info("GitHub API request completed",
		"endpoint", "issues.create",
		"repository", repo,
		"number", created.GetNumber(),
		"duration_ms", duration.Milliseconds())
	return created.GetNumber(), nil
}

func classify(err error) error {
	var primary *github.RateLimitError
	if errors.As(err, &primary) {
		return &RateLimitError{Err: err, RetryAfter: time.Until(primary.Rate.Reset.Time)}
	}
	var secondary *github.AbuseRateLimitError
	if errors.As(err, &secondary) {
		return &RateLimitError{Err: err, RetryAfter: secondary.GetRetryAfter()}
	}
	return err
}

func toCandidate(is *github.Issue) *issues.Candidate {
	repo := repoFromURL(is.GetRepositoryURL())
	return &issues.Candidate{
		ID:         is.GetID(),
		Number:     is.GetNumber(),
		Title:      is.GetTitle(),
		Repository: repo,
		Owner:      issues.OwnerOf(repo),
		Author:     is.GetUser().GetLogin(),
		Body:       is.GetBody(),
		URL:        is.GetHTMLURL(),
		CreatedAt:  is.GetCreatedAt().Time,
	}
}

// repoFromURL extracts owner/name from an API repository URL such as
// https://api.github.com/repos/owner/name.
func repoFromURL(u string) string {
	_, rest, ok := strings.Cut(u, "/repos/")
	if !ok {
		return ""
	}
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return ""
	}
	return parts[0] + "/" + parts[1]
}
