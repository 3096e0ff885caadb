// Package storage persists the set of already-notified issues between runs.
//
// A run owns its store exclusively: callers must not run two monitors with the
// same name against the same backend at the same time. No locking is done here.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"

	"issue-monitor/pkg/issues"
)

// document is the persisted form of a SeenSet. notified_issues alone is also
// accepted so cache files written by older releases keep working.
type document struct {
	NotifiedAt     map[string]time.Time `json:"notified_at,omitempty"`
	NotifiedIssues []int64              `json:"notified_issues"`
}

// Store persists a monitor's SeenSet in a local JSON file or a Cloud Storage object.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
	name      string
	now       func() time.Time
}

// New creates a store for the monitor called name. When localPath is set the
// set is kept in a file under it, otherwise in bucket via client.
func New(client *storage.Client, bucket, localPath, name string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
		name:      name,
		now:       time.Now,
	}
}

// Key returns the file or object name holding the set.
func (s *Store) Key() string {
	return s.name + "-cache.json"
}

func (s *Store) objectName() string {
	return "seen/" + s.Key()
}

// Load returns the persisted set. A missing file or object is an empty set.
// A corrupt document is an error: treating it as empty would re-notify everything.
func (s *Store) Load(ctx context.Context) (issues.SeenSet, error) {
	var data []byte

	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, s.Key())
		var err error
		data, err = os.ReadFile(filePath)
		if err != nil {
			if os.IsNotExist(err) {
				s.logger.Info("No seen-set file yet, starting empty", "path", filePath)
				return issues.SeenSet{}, nil
			}
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
	} else {
		var notFound bool
		err := retry.Do(
			func() error {
				r, openErr := s.client.Bucket(s.bucket).Object(s.objectName()).NewReader(ctx)
				if openErr != nil {
					if errors.Is(openErr, storage.ErrObjectNotExist) {
						notFound = true
						return nil
					}
					return fmt.Errorf("open storage reader: %w", openErr)
				}
				defer func() {
					if closeErr := r.Close(); closeErr != nil {
						s.logger.Warn("Failed to close storage reader", "error", closeErr)
					}
				}()

				var readErr error
				data, readErr = io.ReadAll(r)
				if readErr != nil {
					return fmt.Errorf("read from storage: %w", readErr)
				}
				return nil
			},
			retry.Attempts(3),
			retry.Delay(time.Second),
			retry.MaxDelay(10*time.Second),
			retry.MaxJitter(time.Second),
			retry.Context(ctx),
			retry.OnRetry(func(n uint, retryErr error) {
				s.logger.Info("Retrying load operation after error", "attempt", n, "object", s.objectName(), "error", retryErr)
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("load after retries: %w", err)
		}
		if notFound {
			s.logger.Info("No seen-set object yet, starting empty", "bucket", s.bucket, "object", s.objectName())
			return issues.SeenSet{}, nil
		}
	}

	set, err := decode(data, s.now())
	if err != nil {
		return nil, err
	}
	s.logger.Info("Seen set loaded", "key", s.Key(), "count", len(set))
	return set, nil
}

// Save replaces the persisted set with set.
func (s *Store) Save(ctx context.Context, set issues.SeenSet) error {
	data, err := encode(set)
	if err != nil {
		return err
	}

	if s.localPath != "" {
		if err := writeFileAtomic(s.localPath, s.Key(), data); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		s.logger.Info("Seen set saved to local storage", "path", filepath.Join(s.localPath, s.Key()), "count", len(set))
		return nil
	}

	err = retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(s.objectName()).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(10*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying save operation after error", "attempt", n, "object", s.objectName(), "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}

	s.logger.Info("Seen set saved", "bucket", s.bucket, "object", s.objectName(), "count", len(set))
	return nil
}

func writeFileAtomic(dir, name string, data []byte) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, name+".tmp-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, name))
}

func encode(set issues.SeenSet) ([]byte, error) {
	doc := document{
		NotifiedIssues: set.IDs(),
		NotifiedAt:     make(map[string]time.Time, len(set)),
	}
	for id, t := range set {
		doc.NotifiedAt[strconv.FormatInt(id, 10)] = t.UTC()
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal seen set: %w", err)
	}
	return data, nil
}

// decode parses a document. Ids without a recorded time are stamped with now.
func decode(data []byte, now time.Time) (issues.SeenSet, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal seen set: %w", err)
	}

	set := make(issues.SeenSet, len(doc.NotifiedIssues))
	for _, id := range doc.NotifiedIssues {
		t, ok := doc.NotifiedAt[strconv.FormatInt(id, 10)]
		if !ok || t.IsZero() {
			t = now
		}
		set.Add(id, t)
	}
	for k, t := range doc.NotifiedAt {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid issue id %q in seen set", k)
		}
		set.Add(id, t)
	}
	return set, nil
}
