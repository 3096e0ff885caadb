package email

import (
	"fmt"
	"strings"

	"issue-monitor/pkg/issues"
)

const previewRunes = 300

// DigestSubject returns the subject line for a batch.
func DigestSubject(batch *issues.Batch) string {
	return fmt.Sprintf("[%s] %d new GitHub issue%s - %s", batch.Monitor, batch.Len(), pluralS(batch.Len()), batch.GeneratedAt.UTC().Format("2006-01-02"))
}

// FormatDigest renders the batch as an HTML email.
func FormatDigest(batch *issues.Batch) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 800px; margin: 0 auto; padding: 20px; background: #fff; }\n")
	b.WriteString(".summary { border-bottom: 2px solid #2da44e; padding-bottom: 10px; margin-bottom: 20px; }\n")
	b.WriteString(".issue { margin-bottom: 24px; padding-bottom: 24px; border-bottom: 1px solid #ddd; }\n")
	b.WriteString(".issue:last-of-type { border-bottom: none; }\n")
	b.WriteString(".title { font-size: 1.15em; font-weight: 600; }\n")
	b.WriteString(".meta { color: #57606a; font-size: 0.9em; }\n")
	b.WriteString(".preview { background: #f6f8fa; padding: 12px; border-radius: 6px; margin-top: 10px; }\n")
	b.WriteString("a { color: #0969da; text-decoration: none; }\n")
	b.WriteString("a:hover { text-decoration: underline; }\n")
	b.WriteString("@media (prefers-color-scheme: dark) {\n")
	b.WriteString("body { background: #0d1117; color: #e6edf3; }\n")
	b.WriteString(".meta { color: #8b949e; }\n")
	b.WriteString(".preview { background: #161b22; }\n")
	b.WriteString("a { color: #4493f8; }\n")
	b.WriteString("}\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	quoted := make([]string, 0, len(batch.Phrases))
	for _, p := range batch.Phrases {
		quoted = append(quoted, "&quot;"+escapeHTML(p)+"&quot;")
	}
	b.WriteString("<div class=\"summary\">\n")
	b.WriteString(fmt.Sprintf("<h2>%d new GitHub issue%s</h2>\n", batch.Len(), pluralS(batch.Len())))
	b.WriteString(fmt.Sprintf("<p>Matching %s for monitor <strong>%s</strong>.</p>\n", strings.Join(quoted, ", "), escapeHTML(batch.Monitor)))
	b.WriteString("</div>\n")

	for _, is := range batch.Issues {
		b.WriteString("<div class=\"issue\">\n")
		if isSafeURL(is.URL) {
			b.WriteString(fmt.Sprintf("<a class=\"title\" href=\"%s\">%s</a>\n", escapeHTML(is.URL), escapeHTML(is.Title)))
		} else {
			b.WriteString(fmt.Sprintf("<span class=\"title\">%s</span>\n", escapeHTML(is.Title)))
		}
		b.WriteString(fmt.Sprintf("<div class=\"meta\">%s &bull; @%s &bull; %s UTC</div>\n",
			escapeHTML(is.Repository), escapeHTML(is.Author), is.CreatedAt.UTC().Format("Jan 2, 2006 at 3:04 PM")))
		if preview := is.Preview(previewRunes); preview != "" {
			b.WriteString(fmt.Sprintf("<div class=\"preview\">%s</div>\n", escapeHTML(preview)))
		}
		b.WriteString("</div>\n")
	}

	b.WriteString("</body>\n</html>")
	return b.String()
}

func pluralS(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}

// isSafeURL only allows absolute http(s) links.
func isSafeURL(urlStr string) bool {
	urlStr = strings.TrimSpace(strings.ToLower(urlStr))
	return strings.HasPrefix(urlStr, "http://") || strings.HasPrefix(urlStr, "https://")
}
