// Package poll runs one monitor pass: load seen issues, search, filter, notify, persist.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"issue-monitor/filter"
	"issue-monitor/notify"
	"issue-monitor/pkg/issues"
	"issue-monitor/query"
	"issue-monitor/search"
)

// Store loads and saves the seen set. A missing store loads as an empty set.
type Store interface {
	Load(ctx context.Context) (issues.SeenSet, error)
	Save(ctx context.Context, set issues.SeenSet) error
}

// Searcher runs the monitor's queries.
type Searcher interface {
	Search(ctx context.Context, queries []string) (*search.Result, error)
}

// Dispatcher hands a batch to the enabled channels.
type Dispatcher interface {
	Dispatch(ctx context.Context, batch *issues.Batch) notify.Report
	Channels() []string
}

// State is a step of a monitor run.
type State int

const (
	Idle State = iota
	Loading
	Searching
	Filtering
	Dispatching
	Persisting
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Searching:
		return "searching"
	case Filtering:
		return "filtering"
	case Dispatching:
		return "dispatching"
	case Persisting:
		return "persisting"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// PersistError means notifications went out but the seen set could not be
// saved, so the next run may notify the same issues again.
type PersistError struct {
	Err error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist seen issues: %v", e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// IsPersistError reports whether err is or wraps a *PersistError.
func IsPersistError(err error) bool {
	var pe *PersistError
	return errors.As(err, &pe)
}

// DeliveryError means every enabled channel rejected a non-empty batch.
type DeliveryError struct {
	Failures []*notify.DispatchError
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("all %d notification channels failed", len(e.Failures))
}

func (e *DeliveryError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f)
	}
	return errs
}

// IsDeliveryError reports whether err is or wraps a *DeliveryError.
func IsDeliveryError(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de)
}

// Options describe the monitor being run.
type Options struct {
	Name         string
	Phrases      []string
	Query        query.Options
	Rules        filter.Rules
	Lookback     time.Duration
	Retention    time.Duration // 0 keeps seen ids forever
	StoreTimeout time.Duration
	DryRun       bool // search and filter only
}

// Result is the outcome of a run.
type Result struct {
	StartedAt     time.Time
	Batch         *issues.Batch
	Delivered     []string
	Failed        []string
	QueryFailures []search.QueryFailure
	State         State
	Queries       int
	Candidates    int
	Pruned        int
	Seen          int // Size of the saved seen set
	Duration      time.Duration
}

// Monitor runs monitor passes.
type Monitor struct {
	store      Store
	searcher   Searcher
	dispatcher Dispatcher
	logger     *slog.Logger
	now        func() time.Time
	opts       Options
}

// New creates a new monitor.
func New(opts Options, store Store, searcher Searcher, dispatcher Dispatcher, logger *slog.Logger) *Monitor {
	return &Monitor{
		store:      store,
		searcher:   searcher,
		dispatcher: dispatcher,
		logger:     logger.With("monitor", opts.Name),
		now:        time.Now,
		opts:       opts,
	}
}

// Run performs one pass. The returned Result is never nil; its State is Done
// or Failed. A run fails when the seen set cannot be loaded, when every query
// fails, when every channel rejects a non-empty batch or when the seen set
// cannot be saved.
//
// Runs against the same store must not overlap.
func (m *Monitor) Run(ctx context.Context) (*Result, error) {
	startTime := time.Now()
	now := m.now().UTC()
	res := &Result{StartedAt: now, State: Idle}
	defer func() { res.Duration = time.Since(startTime) }()

	m.logger.Info("Starting monitor run",
		"phrases", len(m.opts.Phrases),
		"lookback", m.opts.Lookback.String(),
		"channels", m.dispatcher.Channels(),
		"dry_run", m.opts.DryRun)

	queries, err := query.Build(m.opts.Phrases, m.opts.Lookback, now, m.opts.Query)
	if err != nil {
		res.State = Failed
		return res, err
	}

	res.State = Loading
	seen, err := m.load(ctx)
	if err != nil {
		res.State = Failed
		return res, fmt.Errorf("load seen issues: %w", err)
	}

	res.State = Searching
	res.Queries = len(queries)
	sr, err := m.searcher.Search(ctx, queries)
	if sr != nil {
		res.QueryFailures = sr.Failures
	}
	if err != nil {
		res.State = Failed
		m.logger.Error("Search unavailable, aborting before dispatch", "queries", len(queries), "error", err)
		return res, err
	}
	res.Candidates = len(sr.Candidates)

	res.State = Filtering
	batch := &issues.Batch{
		GeneratedAt: now,
		Monitor:     m.opts.Name,
		Phrases:     m.opts.Phrases,
		Issues:      filter.Apply(sr.Candidates, m.opts.Rules, seen),
	}
	res.Batch = batch
	m.logger.Info("Candidates filtered",
		"candidates", len(sr.Candidates),
		"new", batch.Len(),
		"already_seen", len(seen))

	if batch.Len() == 0 {
		m.logger.Info("No new issues")
		res.State = Done
		return res, nil
	}
	if m.opts.DryRun {
		m.logger.Info("Dry run, skipping dispatch and persistence", "new", batch.Len(), "ids", batch.IDs())
		res.State = Done
		return res, nil
	}

	res.State = Dispatching
	rep := m.dispatcher.Dispatch(ctx, batch)
	res.Delivered = rep.Delivered
	for _, f := range rep.Failed {
		res.Failed = append(res.Failed, f.Channel)
	}

	// Every issue in the batch is marked seen once dispatching was reached,
	// whatever each channel did with it.
	res.State = Persisting
	next := seen.Clone()
	for _, id := range batch.IDs() {
		next.Add(id, now)
	}
	if m.opts.Retention > 0 {
		res.Pruned = next.Prune(now.Add(-m.opts.Retention))
	}
	if err := m.save(ctx, next); err != nil {
		res.State = Failed
		m.logger.Error("Failed to save seen issues, the next run may notify these issues again",
			"ids", batch.IDs(),
			"delivered", rep.Delivered,
			"error", err)
		return res, &PersistError{Err: err}
	}
	res.Seen = len(next)

	if rep.Attempted && !rep.Accepted() {
		res.State = Failed
		m.logger.Error("Every notification channel failed, issues are marked seen and will not be sent again",
			"ids", batch.IDs(),
			"failed", res.Failed)
		return res, &DeliveryError{Failures: rep.Failed}
	}

	res.State = Done
	m.logger.Info("Monitor run completed",
		"new", batch.Len(),
		"delivered", res.Delivered,
		"failed", res.Failed,
		"seen", res.Seen,
		"pruned", res.Pruned)
	return res, nil
}

func (m *Monitor) load(ctx context.Context) (issues.SeenSet, error) {
	ctx, cancel := m.storeContext(ctx)
	defer cancel()

	startTime := time.Now()
	seen, err := m.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if seen == nil {
		seen = issues.SeenSet{}
	}
	m.logger.Info("Seen issues loaded", "count", len(seen), "duration_ms", time.Since(startTime).Milliseconds())
	return seen, nil
}

func (m *Monitor) save(ctx context.Context, set issues.SeenSet) error {
	ctx, cancel := m.storeContext(ctx)
	defer cancel()

	startTime := time.Now()
	if err := m.store.Save(ctx, set); err != nil {
		return err
	}
	m.logger.Info("Seen issues saved", "count", len(set), "duration_ms", time.Since(startTime).Milliseconds())
	return nil
}

func (m *Monitor) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.opts.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.opts.StoreTimeout)
}
