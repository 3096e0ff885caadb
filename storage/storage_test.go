package storage

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"issue-monitor/pkg/issues"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	s := New(nil, "", t.TempDir(), "test-monitor", discardLogger())

	set, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(set) != 0 {
		t.Errorf("Load() = %v, want empty set", set)
	}
}

func TestSaveThenLoad(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")
	s := New(nil, "", dir, "test-monitor", discardLogger())
	ctx := context.Background()

	when := time.Date(2024, 1, 15, 14, 30, 0, 0, time.UTC)
	want := issues.SeenSet{12345: when, 67890: when.Add(time.Hour)}
	if err := s.Save(ctx, want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, "test-monitor-cache.json"))
	if err != nil {
		t.Fatalf("cache file not written: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("cache file mode = %v, want 0600", info.Mode().Perm())
	}

	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("cache dir has %d entries, want only the cache file", len(entries))
	}
}

func TestLoadLegacyDocument(t *testing.T) {
	dir := t.TempDir()
	legacy := `{"notified_issues": [12345, 67890]}`
	if err := os.WriteFile(filepath.Join(dir, "test-monitor-cache.json"), []byte(legacy), 0o600); err != nil {
		t.Fatal(err)
	}

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New(nil, "", dir, "test-monitor", discardLogger())
	s.now = func() time.Time { return now }

	got, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := issues.SeenSet{12345: now, 67890: now}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadCorruptDocument(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "test-monitor-cache.json"), []byte("invalid json {"), 0o600); err != nil {
		t.Fatal(err)
	}
	s := New(nil, "", dir, "test-monitor", discardLogger())

	if _, err := s.Load(context.Background()); err == nil {
		t.Error("Load() of corrupt document should fail")
	}
}

func TestSaveUnwritableDirectory(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("permission checks do not apply to root")
	}
	dir := t.TempDir()
	if err := os.Chmod(dir, 0o500); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chmod(dir, 0o700) })

	s := New(nil, "", dir, "test-monitor", discardLogger())
	if err := s.Save(context.Background(), issues.SeenSet{1: time.Now()}); err == nil {
		t.Error("Save() into read-only directory should fail")
	}
}

func TestRedisStore(t *testing.T) {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		t.Skip("REDIS_URL not set")
	}
	ctx := context.Background()
	rdb, err := NewRedisClient(ctx, redisURL)
	if err != nil {
		t.Fatalf("NewRedisClient() error = %v", err)
	}
	defer func() { _ = rdb.Close() }()

	s := NewRedis(rdb, "test-"+t.Name(), discardLogger())
	t.Cleanup(func() { rdb.Del(context.Background(), s.Key()) })

	empty, err := s.Load(ctx)
	if err != nil || len(empty) != 0 {
		t.Fatalf("Load() = %v, %v; want empty set", empty, err)
	}

	when := time.Date(2024, 1, 15, 14, 30, 0, 0, time.UTC)
	want := issues.SeenSet{1: when, 2: when}
	if err := s.Save(ctx, want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}
}
