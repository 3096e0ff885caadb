package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/slack-go/slack"

	"issue-monitor/pkg/issues"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func makeBatch(n int) *issues.Batch {
	b := &issues.Batch{
		Monitor:     "fedora-iot",
		Phrases:     []string{"Fedora IoT", "rpm-ostree"},
		GeneratedAt: time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC),
	}
	for i := 1; i <= n; i++ {
		b.Issues = append(b.Issues, &issues.Candidate{
			ID:         int64(i),
			Number:     i,
			Title:      fmt.Sprintf("Issue %d", i),
			Repository: "owner/repo",
			Owner:      "owner",
			Author:     "reporter",
			URL:        fmt.Sprintf("https://github.com/owner/repo/issues/%d", i),
			Body:       "Body text",
			CreatedAt:  time.Date(2025, 1, 15, 8, i, 0, 0, time.UTC),
		})
	}
	return b
}

// recordingChannel records deliveries and optionally fails.
type recordingChannel struct {
	name    string
	err     error
	batches []*issues.Batch
	block   bool
	panics  bool
}

func (r *recordingChannel) Name() string { return r.name }

func (r *recordingChannel) Deliver(ctx context.Context, b *issues.Batch) error {
	r.batches = append(r.batches, b)
	if r.panics {
		panic("boom")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return r.err
}

func TestDispatchChannelIsolation(t *testing.T) {
	chat := &recordingChannel{name: "slack", err: errors.New("webhook returned 500")}
	tracker := &recordingChannel{name: "tracker"}
	d := NewDispatcher([]Channel{chat, tracker}, time.Second, discardLogger())

	batch := makeBatch(3)
	rep := d.Dispatch(context.Background(), batch)

	if !rep.Attempted || !rep.Accepted() {
		t.Fatalf("report = %+v, want attempted and accepted", rep)
	}
	if len(tracker.batches) != 1 || tracker.batches[0] != batch {
		t.Errorf("tracker did not receive the full batch")
	}
	if diff := cmp.Diff([]string{"tracker"}, rep.Delivered); diff != "" {
		t.Errorf("Delivered mismatch (-want +got):\n%s", diff)
	}
	if len(rep.Failed) != 1 || rep.Failed[0].Channel != "slack" {
		t.Fatalf("Failed = %+v, want one slack failure", rep.Failed)
	}
	if !IsDispatchError(rep.Failed[0]) {
		t.Error("failure should be a DispatchError")
	}
}

func TestDispatchEmptyBatch(t *testing.T) {
	ch := &recordingChannel{name: "tracker"}
	d := NewDispatcher([]Channel{ch}, time.Second, discardLogger())

	for _, b := range []*issues.Batch{nil, makeBatch(0)} {
		rep := d.Dispatch(context.Background(), b)
		if rep.Attempted {
			t.Error("empty batch should not be attempted")
		}
	}
	if len(ch.batches) != 0 {
		t.Errorf("channel invoked %d times for empty batch", len(ch.batches))
	}
}

func TestDispatchNoChannels(t *testing.T) {
	rep := NewDispatcher(nil, time.Second, discardLogger()).Dispatch(context.Background(), makeBatch(1))
	if rep.Attempted || rep.Accepted() {
		t.Errorf("report = %+v, want nothing attempted", rep)
	}
}

func TestDispatchTimeoutAndPanic(t *testing.T) {
	slow := &recordingChannel{name: "slow", block: true}
	broken := &recordingChannel{name: "broken", panics: true}
	ok := &recordingChannel{name: "ok"}
	d := NewDispatcher([]Channel{slow, broken, ok}, 20*time.Millisecond, discardLogger())

	rep := d.Dispatch(context.Background(), makeBatch(1))

	if diff := cmp.Diff([]string{"ok"}, rep.Delivered); diff != "" {
		t.Errorf("Delivered mismatch (-want +got):\n%s", diff)
	}
	if len(rep.Failed) != 2 {
		t.Fatalf("Failed = %d, want 2", len(rep.Failed))
	}
	if !errors.Is(rep.Failed[0], context.DeadlineExceeded) {
		t.Errorf("slow channel error = %v, want deadline exceeded", rep.Failed[0])
	}
}

type fakeCreator struct {
	repo, title, body string
	labels            []string
	err               error
	calls             int
}

func (f *fakeCreator) CreateIssue(ctx context.Context, repo, title, body string, labels []string) (int, error) {
	f.calls++
	f.repo, f.title, f.body, f.labels = repo, title, body, labels
	return 42, f.err
}

func TestTrackerDeliver(t *testing.T) {
	fc := &fakeCreator{}
	tr := NewTracker(fc, "acme/monitor", []string{"triage", "automated"})

	if err := tr.Deliver(context.Background(), makeBatch(2)); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if fc.repo != "acme/monitor" {
		t.Errorf("repo = %q", fc.repo)
	}
	if want := `🔍 2 new issues matching "fedora-iot" - 2025-01-15`; fc.title != want {
		t.Errorf("title = %q, want %q", fc.title, want)
	}
	if diff := cmp.Diff([]string{"issue-monitor", "automated", "monitor:fedora-iot", "triage"}, fc.labels); diff != "" {
		t.Errorf("labels mismatch (-want +got):\n%s", diff)
	}
	for _, want := range []string{
		`Found **2** new GitHub issues matching "Fedora IoT", "rpm-ostree".`,
		"### 1. [Issue 1](https://github.com/owner/repo/issues/1)",
		"### 2. [Issue 2](https://github.com/owner/repo/issues/2)",
		"- **Repository:** [owner/repo](https://github.com/owner/repo)",
		"- **Author:** [@reporter](https://github.com/reporter)",
		"- **Created:** 2025-01-15 08:01 UTC",
		"> Body text",
	} {
		if !strings.Contains(fc.body, want) {
			t.Errorf("body missing %q", want)
		}
	}
}

func TestTrackerDeliverError(t *testing.T) {
	fc := &fakeCreator{err: errors.New("403 forbidden")}
	if err := NewTracker(fc, "acme/monitor", nil).Deliver(context.Background(), makeBatch(1)); err == nil {
		t.Fatal("Deliver() should return the API error")
	}
	if fc.calls != 1 {
		t.Errorf("CreateIssue called %d times, want 1 (no retry)", fc.calls)
	}
}

func TestIssueBodyTruncatesPreview(t *testing.T) {
	b := makeBatch(1)
	b.Issues[0].Body = strings.Repeat("x", 1000)
	body := IssueBody(b)
	if strings.Contains(body, strings.Repeat("x", 301)) {
		t.Error("preview not truncated")
	}
	if !strings.Contains(body, strings.Repeat("x", 300)+"...") {
		t.Error("truncated preview should end with ellipsis")
	}
}

func issueBlocks(msg *slack.WebhookMessage) (issueCount int, overflow string) {
	for _, blk := range msg.Blocks.BlockSet {
		sec, ok := blk.(*slack.SectionBlock)
		if !ok {
			continue
		}
		if sec.Accessory != nil {
			issueCount++
			continue
		}
		if strings.Contains(sec.Text.Text, "more issue") {
			overflow = sec.Text.Text
		}
	}
	return issueCount, overflow
}

func TestBuildSlackMessageOverflow(t *testing.T) {
	msg := BuildSlackMessage(makeBatch(15), SlackOptions{})

	n, overflow := issueBlocks(msg)
	if n != 10 {
		t.Errorf("issue blocks = %d, want 10", n)
	}
	if overflow != "_... and 5 more issues_" {
		t.Errorf("overflow block = %q, want 5 omitted", overflow)
	}
	// header, summary, divider, 10 issues, overflow
	if got := len(msg.Blocks.BlockSet); got != 14 {
		t.Errorf("total blocks = %d, want 14", got)
	}
}

func TestBuildSlackMessage(t *testing.T) {
	msg := BuildSlackMessage(makeBatch(1), SlackOptions{Channel: "#alerts", Username: "Test Monitor", IconEmoji: ":test:"})

	if msg.Channel != "#alerts" || msg.Username != "Test Monitor" || msg.IconEmoji != ":test:" {
		t.Errorf("overrides not applied: %+v", msg)
	}
	n, overflow := issueBlocks(msg)
	if n != 1 || overflow != "" {
		t.Errorf("issue blocks = %d, overflow = %q; want 1 and none", n, overflow)
	}

	header, ok := msg.Blocks.BlockSet[0].(*slack.HeaderBlock)
	if !ok || header.Text.Text != "🔍 1 new GitHub issue found!" {
		t.Errorf("header block = %+v", msg.Blocks.BlockSet[0])
	}

	sec := msg.Blocks.BlockSet[3].(*slack.SectionBlock)
	wantText := "*<https://github.com/owner/repo/issues/1|Issue 1>*\n📁 <https://github.com/owner/repo|owner/repo> | 👤 <https://github.com/reporter|@reporter> | 📅 2025-01-15 08:01 UTC"
	if sec.Text.Text != wantText {
		t.Errorf("issue text =\n%q\nwant\n%q", sec.Text.Text, wantText)
	}
	btn := sec.Accessory.ButtonElement
	if btn == nil || btn.URL != "https://github.com/owner/repo/issues/1" || btn.ActionID != "view_issue_1" {
		t.Errorf("button = %+v", btn)
	}
}

func TestBuildSlackMessageOmitsEmptyOverrides(t *testing.T) {
	raw, err := json.Marshal(BuildSlackMessage(makeBatch(1), SlackOptions{}))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), `"channel"`) {
		t.Errorf("payload %s should not carry a channel override", raw)
	}
}

func TestSlackDeliver(t *testing.T) {
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode: %v", err)
		}
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	s := NewSlack(srv.Client(), srv.URL, SlackOptions{Channel: "#test-alerts", Username: "Test Monitor", IconEmoji: ":test:"})
	if err := s.Deliver(context.Background(), makeBatch(2)); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if payload["channel"] != "#test-alerts" || payload["username"] != "Test Monitor" || payload["icon_emoji"] != ":test:" {
		t.Errorf("payload = %v", payload)
	}
	blocks, _ := payload["blocks"].([]any)
	if len(blocks) != 5 {
		t.Errorf("blocks = %d, want 5", len(blocks))
	}
}

func TestSlackDeliverHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid_payload", http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewSlack(srv.Client(), srv.URL, SlackOptions{})
	if err := s.Deliver(context.Background(), makeBatch(1)); err == nil {
		t.Fatal("Deliver() should fail on HTTP 500")
	}
}

type fakeDigest struct {
	to  []string
	got *issues.Batch
}

func (f *fakeDigest) SendDigest(ctx context.Context, to []string, b *issues.Batch) error {
	f.to, f.got = to, b
	return nil
}

func TestEmailDeliver(t *testing.T) {
	fd := &fakeDigest{}
	b := makeBatch(1)
	if err := NewEmail(fd, []string{"ops@example.com"}).Deliver(context.Background(), b); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if fd.got != b || len(fd.to) != 1 {
		t.Errorf("digest sender got %v to %v", fd.got, fd.to)
	}
}

func TestDispatchZeroTimeoutDoesNotExpire(t *testing.T) {
	ch := &recordingChannel{name: "tracker"}
	rep := NewDispatcher([]Channel{ch}, 0, discardLogger()).Dispatch(context.Background(), makeBatch(1))

	if len(rep.Failed) != 0 {
		t.Fatalf("Failed = %v, want none", rep.Failed)
	}
	if diff := cmp.Diff([]string{"tracker"}, rep.Delivered); diff != "" {
		t.Errorf("Delivered mismatch (-want +got):\n%s", diff)
	}
}
