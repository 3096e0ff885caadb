package notify

import (
	"context"

	"issue-monitor/pkg/issues"
)

// DigestSender emails a batch to a list of recipients.
type DigestSender interface {
	SendDigest(ctx context.Context, recipients []string, batch *issues.Batch) error
}

// Email sends an HTML digest of the batch.
type Email struct {
	sender     DigestSender
	recipients []string
}

// NewEmail creates the email channel.
func NewEmail(sender DigestSender, recipients []string) *Email {
	return &Email{sender: sender, recipients: recipients}
}

// Name implements Channel.
func (e *Email) Name() string { return "email" }

// Deliver implements Channel.
func (e *Email) Deliver(ctx context.Context, batch *issues.Batch) error {
	return e.sender.SendDigest(ctx, e.recipients, batch)
}
