package issues

import (
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

// Preview returns the body as plain text with HTML markup removed, whitespace
// collapsed and the result cut to at most limit runes ("..." marks a cut).
func (c *Candidate) Preview(limit int) string {
	text := plainText(c.Body)
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:limit])) + "..."
}

// plainText strips HTML tags and comments that issue templates commonly carry.
func plainText(body string) string {
	if strings.TrimSpace(body) == "" {
		return ""
	}
	text := body
	if strings.ContainsAny(body, "<&") {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
		if err == nil {
			text = doc.Text()
		}
	}
	return strings.Join(strings.Fields(text), " ")
}
