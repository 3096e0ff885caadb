// Package issues contains the core domain types for the issue monitor.
package issues

import (
	"slices"
	"strings"
	"time"
)

// Candidate is an issue returned by a search. Immutable once fetched.
type Candidate struct {
	CreatedAt  time.Time `json:"created_at"`
	Title      string    `json:"title"`
	Repository string    `json:"repository"` // owner/name
	Owner      string    `json:"owner"`      // Organization or user owning Repository
	Author     string    `json:"author"`
	Body       string    `json:"body"`
	URL        string    `json:"html_url"`
	ID         int64     `json:"id"` // Tracker-wide issue identity, stable across runs
	Number     int       `json:"number"`
}

// OwnerOf returns the owner part of an owner/name repository identifier.
func OwnerOf(repo string) string {
	owner, _, _ := strings.Cut(repo, "/")
	return owner
}

// Batch is the filtered set of new issues handed unchanged to every channel.
type Batch struct {
	GeneratedAt time.Time
	Monitor     string
	Phrases     []string
	Issues      []*Candidate
}

// Len returns the number of issues in the batch.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Issues)
}

// IDs returns the batch's issue identifiers in batch order.
func (b *Batch) IDs() []int64 {
	ids := make([]int64, 0, b.Len())
	if b == nil {
		return ids
	}
	for _, c := range b.Issues {
		ids = append(ids, c.ID)
	}
	return ids
}

// SeenSet maps an issue identifier to the time it was first notified.
type SeenSet map[int64]time.Time

// Has reports whether id has already been notified.
func (s SeenSet) Has(id int64) bool {
	_, ok := s[id]
	return ok
}

// Add records id as notified at t. An existing entry keeps its original time.
func (s SeenSet) Add(id int64, t time.Time) {
	if _, ok := s[id]; ok {
		return
	}
	s[id] = t
}

// Merge adds every entry of other that s does not already hold.
func (s SeenSet) Merge(other SeenSet) {
	for id, t := range other {
		s.Add(id, t)
	}
}

// Prune removes entries first notified before cutoff and returns how many were removed.
func (s SeenSet) Prune(cutoff time.Time) int {
	removed := 0
	for id, t := range s {
		if t.Before(cutoff) {
			delete(s, id)
			removed++
		}
	}
	return removed
}

// IDs returns all identifiers in ascending order.
func (s SeenSet) IDs() []int64 {
	ids := make([]int64, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Clone returns an independent copy of s.
func (s SeenSet) Clone() SeenSet {
	out := make(SeenSet, len(s))
	for id, t := range s {
		out[id] = t
	}
	return out
}
