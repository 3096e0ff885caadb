// Package search runs monitor queries against the issue search API and merges the results.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"issue-monitor/pkg/issues"
	"issue-monitor/tracker"
)

const (
	// GitHub allows 30 authenticated search requests per minute.
	searchesPerMinute = 30
	maxConcurrent     = 2
	// Rate-limit waits longer than this are not worth blocking the run for.
	maxRateLimitWait = time.Minute
)

// Client executes a single search query.
type Client interface {
	SearchIssues(ctx context.Context, query string) ([]*issues.Candidate, error)
}

// SearchUnavailableError is returned when every query failed.
type SearchUnavailableError struct {
	Failures []QueryFailure
}

func (e *SearchUnavailableError) Error() string {
	msgs := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		msgs = append(msgs, f.Err.Error())
	}
	return fmt.Sprintf("search unavailable: all %d queries failed: %s", len(e.Failures), strings.Join(msgs, "; "))
}

func (e *SearchUnavailableError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// IsSearchUnavailable reports whether err is or wraps a *SearchUnavailableError.
func IsSearchUnavailable(err error) bool {
	var su *SearchUnavailableError
	return errors.As(err, &su)
}

// QueryFailure records a query whose results were treated as empty.
type QueryFailure struct {
	Err   error
	Query string
}

// Result holds the merged candidates and any per-query failures.
type Result struct {
	Candidates []*issues.Candidate
	Failures   []QueryFailure
	Queries    int
}

// Searcher fans queries out to a Client.
type Searcher struct {
	client   Client
	limiter  *rate.Limiter
	logger   *slog.Logger
	timeout  time.Duration
	attempts uint
	delay    time.Duration
}

// Option customizes a Searcher.
type Option func(*Searcher)

// WithLimiter replaces the default GitHub search rate limiter.
func WithLimiter(l *rate.Limiter) Option {
	return func(s *Searcher) { s.limiter = l }
}

// WithRetry sets the number of attempts per query and the base delay between them.
func WithRetry(attempts uint, delay time.Duration) Option {
	return func(s *Searcher) {
		s.attempts = attempts
		s.delay = delay
	}
}

// New creates a Searcher. timeout bounds each query, retries included; zero or
// less leaves queries bounded only by ctx.
func New(client Client, timeout time.Duration, logger *slog.Logger, opts ...Option) *Searcher {
	s := &Searcher{
		client:   client,
		limiter:  rate.NewLimiter(rate.Every(time.Minute/searchesPerMinute), maxConcurrent),
		logger:   logger,
		timeout:  timeout,
		attempts: 3,
		delay:    time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Search runs every query and returns the candidates deduplicated by ID. Results
// are merged in query order so the outcome does not depend on scheduling.
// A failed query contributes no results; only if all queries fail is an error returned.
func (s *Searcher) Search(ctx context.Context, queries []string) (*Result, error) {
	if len(queries) == 0 {
		return &Result{}, nil
	}

	results := make([][]*issues.Candidate, len(queries))
	errs := make([]error, len(queries))

	var g errgroup.Group
	g.SetLimit(maxConcurrent)
	for i, q := range queries {
		g.Go(func() error {
			results[i], errs[i] = s.run(ctx, q)
			return nil
		})
	}
	_ = g.Wait()

	res := &Result{Queries: len(queries)}
	seen := make(map[int64]bool)
	for i, q := range queries {
		if errs[i] != nil {
			s.logger.Warn("Search query failed, treating as empty", "query", q, "error", errs[i])
			res.Failures = append(res.Failures, QueryFailure{Query: q, Err: errs[i]})
			continue
		}
		for _, c := range results[i] {
			if c == nil || seen[c.ID] {
				continue
			}
			seen[c.ID] = true
			res.Candidates = append(res.Candidates, c)
		}
	}

	if len(res.Failures) == len(queries) {
		return res, &SearchUnavailableError{Failures: res.Failures}
	}

	s.logger.Info("Search completed",
		"queries", len(queries),
		"failed", len(res.Failures),
		"candidates", len(res.Candidates))
	return res, nil
}

func (s *Searcher) run(ctx context.Context, q string) ([]*issues.Candidate, error) {
	var cancel context.CancelFunc
	if s.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	var out []*issues.Candidate
	err := retry.Do(
		func() error {
			if err := s.limiter.Wait(ctx); err != nil {
				return retry.Unrecoverable(fmt.Errorf("wait for search rate limit: %w", err))
			}

			startTime := time.Now()
			found, err := s.client.SearchIssues(ctx, q)
			if err != nil {
				var rl *tracker.RateLimitError
				if errors.As(err, &rl) {
					if rl.RetryAfter > maxRateLimitWait {
						return retry.Unrecoverable(err)
					}
					if rl.RetryAfter > 0 {
						select {
						case <-time.After(rl.RetryAfter):
						case <-ctx.Done():
							return retry.Unrecoverable(err)
						}
					}
				}
				return err
			}

			s.logger.Info("Search query completed",
				"query", q,
				"results", len(found),
				"duration_ms", time.Since(startTime).Milliseconds())
			out = found
			return nil
		},
		retry.Attempts(s.attempts),
		retry.Delay(s.delay),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(s.delay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying search query after error", "attempt", n, "query", q, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", q, err)
	}
	return out, nil
}
