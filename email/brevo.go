package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

const (
	brevoEndpoint = "https://api.brevo.com/v3/smtp/email"
	// Brevo error bodies are small JSON documents; anything longer is not worth reading.
	maxBrevoErrorBody = 4 << 10
)

// BrevoError is a non-2xx answer from the Brevo transactional email API.
type BrevoError struct {
	Code    string // Brevo error code such as "invalid_parameter"
	Message string
	Status  int
}

func (e *BrevoError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("brevo: HTTP %d", e.Status)
	}
	return fmt.Sprintf("brevo: HTTP %d %s: %s", e.Status, e.Code, e.Message)
}

// Retryable reports whether sending again may succeed.
func (e *BrevoError) Retryable() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// BrevoProvider sends digests through the Brevo transactional email API.
type BrevoProvider struct {
	client   *http.Client
	logger   *slog.Logger
	apiKey   string
	endpoint string
	sender   brevoContact
	tags     []string
}

// NewBrevoProvider creates a Brevo provider sending as fromAddr. Every message
// is tagged "issue-monitor" so digests can be found in the Brevo logs.
func NewBrevoProvider(apiKey, fromAddr, fromName string, logger *slog.Logger) *BrevoProvider {
	return &BrevoProvider{
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
		apiKey:   apiKey,
		endpoint: brevoEndpoint,
		sender:   brevoContact{Email: sanitizeEmailHeader(fromAddr), Name: sanitizeEmailHeader(fromName)},
		tags:     []string{"issue-monitor"},
	}
}

type brevoMessage struct {
	Sender  brevoContact   `json:"sender"`
	To      []brevoContact `json:"to"`
	Subject string         `json:"subject"`
	HTML    string         `json:"htmlContent"`
	Tags    []string       `json:"tags,omitempty"`
}

type brevoContact struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type brevoErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Send implements Provider. Server errors and 429s are retried; other client
// errors fail at once.
func (b *BrevoProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	payload, err := json.Marshal(brevoMessage{
		Sender:  b.sender,
		To:      []brevoContact{{Email: sanitizeEmailHeader(to)}},
		Subject: sanitizeEmailHeader(subject),
		HTML:    htmlBody,
		Tags:    b.tags,
	})
	if err != nil {
		return fmt.Errorf("marshal brevo message: %w", err)
	}

	return retry.Do(
		func() error {
			startTime := time.Now()
			messageID, err := b.post(ctx, payload)
			duration := time.Since(startTime)
			if err != nil {
				var be *BrevoError
				if errors.As(err, &be) && !be.Retryable() {
					return retry.Unrecoverable(err)
				}
				b.logger.Warn("Brevo send failed",
					"to", to,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}

			b.logger.Info("Digest sent via Brevo",
				"to", to,
				"message_id", messageID,
				"duration_ms", duration.Milliseconds())
			return nil
		},
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(5*time.Second),
		retry.MaxJitter(500*time.Millisecond),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			b.logger.Info("Retrying Brevo send", "attempt", n, "error", err)
		}),
	)
}

// post performs one API call and returns the Brevo message id.
func (b *BrevoProvider) post(ctx context.Context, payload []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", retry.Unrecoverable(fmt.Errorf("create brevo request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("brevo request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBrevoErrorBody))
	if err != nil {
		return "", fmt.Errorf("read brevo response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		be := &BrevoError{Status: resp.StatusCode}
		var eb brevoErrorBody
		if json.Unmarshal(body, &eb) == nil {
			be.Code, be.Message = eb.Code, eb.Message
		}
		return "", be
	}

	var ok struct {
		MessageID string `json:"messageId"`
	}
	_ = json.Unmarshal(body, &ok)
	return ok.MessageID, nil
}
