package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/slack-go/slack"

	"issue-monitor/pkg/issues"
)

// Slack allows at most 50 blocks per message; ten issues keeps the message readable.
const maxSlackIssues = 10

// SlackOptions are the optional webhook overrides.
type SlackOptions struct {
	Channel   string
	Username  string
	IconEmoji string
}

// Slack posts a block-kit summary to an incoming webhook.
type Slack struct {
	client     *http.Client
	webhookURL string
	opts       SlackOptions
}

// NewSlack creates the chat channel. A nil client uses http.DefaultClient;
// the dispatcher bounds each post with a context deadline.
func NewSlack(client *http.Client, webhookURL string, opts SlackOptions) *Slack {
	if client == nil {
		client = http.DefaultClient
	}
	return &Slack{client: client, webhookURL: webhookURL, opts: opts}
}

// Name implements Channel.
func (s *Slack) Name() string { return "chat" }

// Deliver implements Channel. Non-2xx responses and transport errors fail; it does not retry.
func (s *Slack) Deliver(ctx context.Context, batch *issues.Batch) error {
	msg := BuildSlackMessage(batch, s.opts)
	if err := slack.PostWebhookCustomHTTPContext(ctx, s.webhookURL, s.client, msg); err != nil {
		return fmt.Errorf("post slack webhook: %w", err)
	}
	return nil
}

// BuildSlackMessage renders the batch: header, summary, divider, up to ten issue
// sections and, when issues were left out, one overflow section.
func BuildSlackMessage(batch *issues.Batch, opts SlackOptions) *slack.WebhookMessage {
	count := batch.Len()

	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType,
			fmt.Sprintf("🔍 %d new GitHub issue%s found!", count, plural(count)), true, false)),
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType,
			fmt.Sprintf("Found *%d* new GitHub issue%s matching %s", count, plural(count), quotePhrases(batch.Phrases)), false, false), nil, nil),
		slack.NewDividerBlock(),
	}

	shown := batch.Issues
	if len(shown) > maxSlackIssues {
		shown = shown[:maxSlackIssues]
	}
	for _, is := range shown {
		blocks = append(blocks, issueSection(is))
	}

	if rest := count - len(shown); rest > 0 {
		blocks = append(blocks, slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType,
			fmt.Sprintf("_... and %d more issue%s_", rest, plural(rest)), false, false), nil, nil))
	}

	return &slack.WebhookMessage{
		Channel:   opts.Channel,
		Username:  opts.Username,
		IconEmoji: opts.IconEmoji,
		Text:      fmt.Sprintf("%d new GitHub issue%s found", count, plural(count)),
		Blocks:    &slack.Blocks{BlockSet: blocks},
	}
}

func issueSection(is *issues.Candidate) *slack.SectionBlock {
	text := fmt.Sprintf("*<%s|%s>*\n📁 <https://github.com/%s|%s> | 👤 <https://github.com/%s|@%s> | 📅 %s",
		is.URL, escapeSlack(is.Title),
		is.Repository, is.Repository,
		is.Author, is.Author,
		is.CreatedAt.UTC().Format("2006-01-02 15:04 UTC"))

	button := slack.NewButtonBlockElement(fmt.Sprintf("view_issue_%d", is.ID), "",
		slack.NewTextBlockObject(slack.PlainTextType, "View Issue", false, false))
	button.URL = is.URL

	return slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, slack.NewAccessory(button))
}

// escapeSlack escapes the control characters of Slack mrkdwn.
func escapeSlack(s string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(s)
}
