// Package query builds GitHub issue search queries from monitor phrases.
package query

import (
	"fmt"
	"strings"
	"time"

	"issue-monitor/config"
)

// GitHub search limits: at most five AND/OR/NOT operators per query and 256
// characters of search text, qualifiers excluded.
const (
	maxOperators = 5
	maxTextLen   = 256
)

// Options carries the qualifiers appended to every query.
type Options struct {
	ExcludedRepos  []string
	ExcludedOrgs   []string
	DeploymentRepo string // Repository this monitor files issues into; always excluded
}

// Build returns one or more search queries covering every phrase. Phrases that
// would overflow a single query are split into further queries rather than truncated.
func Build(phrases []string, lookback time.Duration, now time.Time, opts Options) ([]string, error) {
	phrases = config.NormalizePhrases(phrases)
	if len(phrases) == 0 {
		return nil, &config.ConfigError{Field: "searchPhrases", Reason: "at least one non-empty phrase is required"}
	}
	if lookback <= 0 {
		return nil, &config.ConfigError{Field: "lookbackHours", Reason: "must be a positive number of hours"}
	}

	suffix := qualifiers(lookback, now, opts)

	var queries []string
	for _, group := range groupPhrases(phrases) {
		queries = append(queries, fmt.Sprintf("(%s) %s", strings.Join(group, " OR "), suffix))
	}
	return queries, nil
}

// groupPhrases packs quoted phrases into groups that fit GitHub's limits, in order.
func groupPhrases(phrases []string) [][]string {
	var groups [][]string
	var cur []string
	curLen := 0

	for _, p := range phrases {
		q := quote(p)
		// Joining adds " OR " between phrases; parentheses add two more characters.
		added := len(q)
		if len(cur) > 0 {
			added += len(" OR ")
		}
		if len(cur) > 0 && (len(cur) > maxOperators || curLen+added+2 > maxTextLen) {
			groups = append(groups, cur)
			cur, curLen = nil, 0
			added = len(q)
		}
		cur = append(cur, q)
		curLen += added
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}
	return groups
}

func quote(phrase string) string {
	return `"` + strings.ReplaceAll(phrase, `"`, ``) + `"`
}

func qualifiers(lookback time.Duration, now time.Time, opts Options) string {
	since := now.Add(-lookback).UTC().Truncate(time.Second)

	parts := []string{"type:issue", "created:>=" + since.Format(time.RFC3339)}

	seen := make(map[string]bool)
	exclude := func(kind, v string) {
		v = strings.TrimSpace(v)
		key := kind + strings.ToLower(v)
		if v == "" || seen[key] {
			return
		}
		seen[key] = true
		parts = append(parts, fmt.Sprintf("-%s:%s", kind, v))
	}

	exclude("repo", opts.DeploymentRepo)
	for _, r := range opts.ExcludedRepos {
		exclude("repo", r)
	}
	for _, o := range opts.ExcludedOrgs {
		exclude("org", o)
	}
	return strings.Join(parts, " ")
}
