package notify

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"issue-monitor/pkg/issues"
)

const previewRunes = 300

// Labels put on every issue the monitor files.
var baseLabels = []string{"issue-monitor", "automated"}

// IssueCreator opens issues in a tracker repository.
type IssueCreator interface {
	CreateIssue(ctx context.Context, repo, title, body string, labels []string) (int, error)
}

// Tracker files one tracker issue per batch.
type Tracker struct {
	creator IssueCreator
	repo    string
	labels  []string
}

// NewTracker creates the tracker channel filing into repo (owner/name).
// extraLabels are added to the fixed labels.
func NewTracker(creator IssueCreator, repo string, extraLabels []string) *Tracker {
	return &Tracker{creator: creator, repo: repo, labels: extraLabels}
}

// Name implements Channel.
func (t *Tracker) Name() string { return "tracker" }

// Deliver implements Channel. It does not retry.
func (t *Tracker) Deliver(ctx context.Context, batch *issues.Batch) error {
	_, err := t.creator.CreateIssue(ctx, t.repo, IssueTitle(batch), IssueBody(batch), Labels(batch.Monitor, t.labels))
	return err
}

// Labels returns the fixed labels, the monitor's own label and any extras, without duplicates.
func Labels(monitor string, extra []string) []string {
	out := append([]string(nil), baseLabels...)
	out = append(out, "monitor:"+monitor)
	for _, l := range extra {
		l = strings.TrimSpace(l)
		if l == "" || slices.Contains(out, l) {
			continue
		}
		out = append(out, l)
	}
	return out
}

// IssueTitle summarizes the batch count and date.
func IssueTitle(batch *issues.Batch) string {
	return fmt.Sprintf("🔍 %d new issue%s matching %q - %s",
		batch.Len(), plural(batch.Len()), batch.Monitor, batch.GeneratedAt.UTC().Format("2006-01-02"))
}

// IssueBody renders every issue of the batch as markdown.
func IssueBody(batch *issues.Batch) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("Found **%d** new GitHub issue%s matching %s.\n\n",
		batch.Len(), plural(batch.Len()), quotePhrases(batch.Phrases)))

	for i, is := range batch.Issues {
		b.WriteString(fmt.Sprintf("### %d. [%s](%s)\n\n", i+1, escapeMarkdown(is.Title), is.URL))
		b.WriteString(fmt.Sprintf("- **Repository:** [%s](https://github.com/%s)\n", is.Repository, is.Repository))
		b.WriteString(fmt.Sprintf("- **Author:** [@%s](https://github.com/%s)\n", is.Author, is.Author))
		b.WriteString(fmt.Sprintf("- **Created:** %s\n", is.CreatedAt.UTC().Format("2006-01-02 15:04 UTC")))
		if preview := is.Preview(previewRunes); preview != "" {
			b.WriteString("\n> " + preview + "\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("---\n")
	b.WriteString(fmt.Sprintf("_Filed automatically by issue-monitor `%s`._\n", batch.Monitor))
	return b.String()
}

func quotePhrases(phrases []string) string {
	quoted := make([]string, 0, len(phrases))
	for _, p := range phrases {
		quoted = append(quoted, `"`+p+`"`)
	}
	return strings.Join(quoted, ", ")
}

// escapeMarkdown keeps titles from breaking link syntax.
func escapeMarkdown(s string) string {
	return strings.NewReplacer(`[`, `\[`, `]`, `\]`).Replace(s)
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
