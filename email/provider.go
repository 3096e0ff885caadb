// Package email sends issue digests via pluggable email providers.
package email

import (
	"context"
	"fmt"
	"log/slog"

	"issue-monitor/pkg/issues"
)

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends an email with the given parameters.
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Sender sends digest emails using a pluggable provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
}

// New creates a new email sender with the given provider.
func New(provider Provider, logger *slog.Logger) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
	}
}

// SendDigest emails the batch to every recipient. It stops at the first failure.
func (s *Sender) SendDigest(ctx context.Context, recipients []string, batch *issues.Batch) error {
	if batch.Len() == 0 {
		return nil
	}

	subject := DigestSubject(batch)
	body := FormatDigest(batch)

	for _, to := range recipients {
		s.logger.Info("Sending digest email",
			"to", to,
			"subject", subject,
			"issue_count", batch.Len())

		if err := s.provider.Send(ctx, to, subject, body); err != nil {
			return fmt.Errorf("send to %s: %w", to, err)
		}
	}
	return nil
}
