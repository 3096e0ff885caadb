// Package filter narrows search candidates down to the issues worth notifying about.
package filter

import (
	"cmp"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/abadojack/whatlanggo"

	"issue-monitor/pkg/issues"
)

const (
	// Only the start of the body is used for language detection; long bodies are
	// often dominated by URLs and logs that skew detection toward English.
	languageBodySample = 500
	minLanguageText    = 20
	reliableConfidence = 0.8
)

// Rules are the exclusion settings of a monitor.
type Rules struct {
	ExcludedRepos []string
	ExcludedOrgs  []string
	NonEnglish    bool // Drop issues reliably detected as not English
}

// Apply returns the candidates that survive, in notification order:
// excluded repositories, excluded owners and already-seen issues are dropped,
// then the rest is sorted by creation time (ties by ID). Candidates with no
// usable identity are dropped. Apply never modifies its inputs.
func Apply(candidates []*issues.Candidate, rules Rules, seen issues.SeenSet) []*issues.Candidate {
	repos := lowerSet(rules.ExcludedRepos)
	orgs := lowerSet(rules.ExcludedOrgs)

	out := make([]*issues.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c == nil || c.ID == 0 {
			continue
		}
		if repos[strings.ToLower(c.Repository)] {
			continue
		}
		if orgs[strings.ToLower(owner(c))] {
			continue
		}
		if seen.Has(c.ID) {
			continue
		}
		if rules.NonEnglish && !IsEnglish(c) {
			continue
		}
		out = append(out, c)
	}

	slices.SortStableFunc(out, func(a, b *issues.Candidate) int {
		if n := a.CreatedAt.Compare(b.CreatedAt); n != 0 {
			return n
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// IsEnglish reports whether c's title and body read as English. Short text and
// unreliable detections count as English so nothing is dropped on a guess.
func IsEnglish(c *issues.Candidate) bool {
	body := c.Body
	if utf8.RuneCountInString(body) > languageBodySample {
		body = string([]rune(body)[:languageBodySample])
	}
	text := strings.TrimSpace(c.Title + " " + body)
	if utf8.RuneCountInString(text) < minLanguageText {
		return true
	}

	info := whatlanggo.Detect(text)
	if info.Confidence < reliableConfidence {
		return true
	}
	return info.Lang == whatlanggo.Eng
}

func owner(c *issues.Candidate) string {
	if c.Owner != "" {
		return c.Owner
	}
	return issues.OwnerOf(c.Repository)
}

func lowerSet(vals []string) map[string]bool {
	m := make(map[string]bool, len(vals))
	for _, v := range vals {
		v = strings.TrimSpace(v)
		if v != "" {
			m[strings.ToLower(v)] = true
		}
	}
	return m
}
