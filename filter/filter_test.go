package filter

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"issue-monitor/pkg/issues"
)

var base = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

func cand(id int64, repo string, age time.Duration) *issues.Candidate {
	return &issues.Candidate{
		ID:         id,
		Title:      "Issue about Fedora IoT",
		Repository: repo,
		Owner:      issues.OwnerOf(repo),
		CreatedAt:  base.Add(age),
	}
}

func idsOf(cs []*issues.Candidate) []int64 {
	out := []int64{}
	for _, c := range cs {
		out = append(out, c.ID)
	}
	return out
}

func TestApply(t *testing.T) {
	tests := []struct {
		name  string
		in    []*issues.Candidate
		rules Rules
		seen  issues.SeenSet
		want  []int64
	}{
		{
			name: "nothing filtered, sorted by creation time",
			in:   []*issues.Candidate{cand(3, "a/b", 2*time.Hour), cand(1, "c/d", time.Hour), cand(2, "e/f", 3*time.Hour)},
			want: []int64{1, 3, 2},
		},
		{
			name: "ties broken by id",
			in:   []*issues.Candidate{cand(9, "a/b", 0), cand(4, "a/b", 0)},
			want: []int64{4, 9},
		},
		{
			name:  "excluded repo is case insensitive",
			in:    []*issues.Candidate{cand(1, "Spam/Test", 0), cand(2, "spam/other", 0)},
			rules: Rules{ExcludedRepos: []string{"spam/test"}},
			want:  []int64{2},
		},
		{
			name:  "excluded repo requires exact match",
			in:    []*issues.Candidate{cand(1, "spam/test-two", 0)},
			rules: Rules{ExcludedRepos: []string{"spam/test"}},
			want:  []int64{1},
		},
		{
			name:  "excluded owner",
			in:    []*issues.Candidate{cand(1, "SpamOrg/x", 0), cand(2, "spamorgs/x", 0)},
			rules: Rules{ExcludedOrgs: []string{"spamorg"}},
			want:  []int64{2},
		},
		{
			name: "owner derived from repository when missing",
			in: []*issues.Candidate{
				{ID: 1, Repository: "spamorg/x", CreatedAt: base},
			},
			rules: Rules{ExcludedOrgs: []string{"spamorg"}},
			want:  []int64{},
		},
		{
			name: "seen issues dropped",
			in:   []*issues.Candidate{cand(1, "a/b", 0), cand(2, "a/b", time.Minute)},
			seen: issues.SeenSet{1: base},
			want: []int64{2},
		},
		{
			name: "malformed candidates dropped",
			in:   []*issues.Candidate{nil, {ID: 0, Repository: "a/b"}, cand(5, "", 0)},
			want: []int64{5},
		},
		{
			name: "empty input",
			in:   nil,
			want: []int64{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Apply(tt.in, tt.rules, tt.seen)
			if diff := cmp.Diff(tt.want, idsOf(got)); diff != "" {
				t.Errorf("Apply() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// TestApplyNeverReturnsSeenOrExcluded checks the filter invariants over every
// combination of seen/excluded flags.
func TestApplyNeverReturnsSeenOrExcluded(t *testing.T) {
	var in []*issues.Candidate
	seen := issues.SeenSet{}
	var id int64
	for _, repo := range []string{"ok/one", "bad/repo", "badorg/x"} {
		for _, isSeen := range []bool{false, true} {
			id++
			in = append(in, cand(id, repo, time.Duration(id)*time.Minute))
			if isSeen {
				seen.Add(id, base)
			}
		}
	}
	rules := Rules{ExcludedRepos: []string{"bad/repo"}, ExcludedOrgs: []string{"badorg"}}

	got := Apply(in, rules, seen)

	for _, c := range got {
		if seen.Has(c.ID) {
			t.Errorf("seen issue %d returned", c.ID)
		}
		if c.Repository == "bad/repo" || c.Owner == "badorg" {
			t.Errorf("excluded issue %d (%s) returned", c.ID, c.Repository)
		}
	}
	if len(got) != 1 || got[0].ID != 1 {
		t.Errorf("Apply() = %v, want only issue 1", idsOf(got))
	}
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	in := []*issues.Candidate{cand(2, "a/b", time.Hour), cand(1, "a/b", 0)}
	Apply(in, Rules{}, nil)
	if in[0].ID != 2 || in[1].ID != 1 {
		t.Error("Apply() reordered its input slice")
	}
}

func TestApplyNonEnglish(t *testing.T) {
	english := &issues.Candidate{
		ID: 1, Repository: "a/b", CreatedAt: base,
		Title: "Fedora IoT image fails to boot on Raspberry Pi",
		Body:  "After upgrading to the latest release the device no longer boots and the screen stays black. Steps to reproduce are below.",
	}
	chinese := &issues.Candidate{
		ID: 2, Repository: "a/b", CreatedAt: base.Add(time.Minute),
		Title: "设备升级后无法启动",
		Body:  "升级到最新版本以后，设备无法正常启动，屏幕一直是黑色的。下面是重现步骤和相关日志信息。",
	}
	short := &issues.Candidate{ID: 3, Repository: "a/b", CreatedAt: base.Add(2 * time.Minute), Title: "错误"}

	in := []*issues.Candidate{english, chinese, short}

	if diff := cmp.Diff([]int64{1, 2, 3}, idsOf(Apply(in, Rules{}, nil))); diff != "" {
		t.Errorf("language filter should be off by default (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int64{1, 3}, idsOf(Apply(in, Rules{NonEnglish: true}, nil))); diff != "" {
		t.Errorf("Apply(NonEnglish) mismatch (-want +got):\n%s", diff)
	}
}
