// Package notify delivers a batch of new issues to the configured channels.
// Each channel is attempted independently: one failing never stops the others.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"issue-monitor/pkg/issues"
)

// Channel is one notification destination.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, batch *issues.Batch) error
}

// DispatchError reports that a single channel failed to deliver a batch.
type DispatchError struct {
	Err     error
	Channel string
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch to %s: %v", e.Channel, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// IsDispatchError reports whether err is or wraps a *DispatchError.
func IsDispatchError(err error) bool {
	var de *DispatchError
	return errors.As(err, &de)
}

// Report is the outcome of a dispatch.
type Report struct {
	Delivered []string
	Failed    []*DispatchError
	Attempted bool // false when the batch was empty or no channel is enabled
}

// Accepted reports whether at least one channel took the batch.
func (r Report) Accepted() bool {
	return len(r.Delivered) > 0
}

// Dispatcher fans a batch out to every enabled channel.
type Dispatcher struct {
	channels []Channel
	logger   *slog.Logger
	timeout  time.Duration
}

// NewDispatcher creates a dispatcher. timeout bounds each channel's delivery;
// zero or less leaves deliveries bounded only by ctx.
func NewDispatcher(channels []Channel, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		channels: channels,
		logger:   logger,
		timeout:  timeout,
	}
}

// Channels returns the names of the enabled channels.
func (d *Dispatcher) Channels() []string {
	names := make([]string, 0, len(d.channels))
	for _, ch := range d.channels {
		names = append(names, ch.Name())
	}
	return names
}

// Dispatch delivers batch to each channel in turn. An empty batch invokes no channel.
func (d *Dispatcher) Dispatch(ctx context.Context, batch *issues.Batch) Report {
	var rep Report
	if batch.Len() == 0 || len(d.channels) == 0 {
		return rep
	}
	rep.Attempted = true

	for _, ch := range d.channels {
		startTime := time.Now()
		err := d.deliver(ctx, ch, batch)
		duration := time.Since(startTime)

		if err != nil {
			de := &DispatchError{Channel: ch.Name(), Err: err}
			rep.Failed = append(rep.Failed, de)
			d.logger.Error("Notification channel failed",
				"channel", ch.Name(),
				"issue_count", batch.Len(),
				"duration_ms", duration.Milliseconds(),
				"error", err)
			continue
		}

		rep.Delivered = append(rep.Delivered, ch.Name())
		d.logger.Info("Notification delivered",
			"channel", ch.Name(),
			"issue_count", batch.Len(),
			"duration_ms", duration.Milliseconds())
	}
	return rep
}

func (d *Dispatcher) deliver(ctx context.Context, ch Channel, batch *issues.Batch) (err error) {
	var cancel context.CancelFunc
	if d.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("channel panicked: %v", r)
		}
	}()
	return ch.Deliver(ctx, batch)
}
