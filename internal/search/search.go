// SPDX-License-Identifier: MIT

// Package search ranks a broadcaster's clips against free-text search terms.
package search

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/cliparino/cliparino/internal/twitch"
)

// Scoring tiers. A contiguous substring match beats any word-level match,
// which beats any edit-distance match.
const (
	substringScore = 100.0
	wordScoreMax   = 80.0
	fuzzyScoreMax  = 60.0
)

// ClipLister is the slice of the Helix client the search service needs.
type ClipLister interface {
	GetClipsForBroadcaster(ctx context.Context, broadcasterID string, after time.Time, maxCount int) ([]twitch.Clip, error)
}

// Options configures the candidate window and the fuzzy cutoff.
type Options struct {
	WindowDays     int     // candidate window, default 90
	FuzzyThreshold float64 // minimum normalized similarity for tier 3, default 0.4
	MaxCandidates  int     // Helix page size, default 100
}

// Service finds the best-matching clip for a query.
type Service struct {
	clips ClipLister
	opts  Options
	now   func() time.Time
}

// New creates a search service over the given clip lister.
func New(clips ClipLister, opts Options) *Service {
	if opts.WindowDays <= 0 {
		opts.WindowDays = 90
	}
	if opts.FuzzyThreshold <= 0 {
		opts.FuzzyThreshold = 0.4
	}
	if opts.MaxCandidates <= 0 {
		opts.MaxCandidates = 100
	}
	return &Service{clips: clips, opts: opts, now: time.Now}
}

// Best loads candidates for the broadcaster and returns the top-scoring
// clip, or ok=false when nothing clears the threshold.
func (s *Service) Best(ctx context.Context, broadcasterID, query string) (twitch.Clip, bool, error) {
	after := s.now().AddDate(0, 0, -s.opts.WindowDays)
	candidates, err := s.clips.GetClipsForBroadcaster(ctx, broadcasterID, after, s.opts.MaxCandidates)
	if err != nil {
		return twitch.Clip{}, false, err
	}
	clip, ok := Rank(candidates, query, s.opts.FuzzyThreshold)
	return clip, ok, nil
}

// Rank scores every candidate title against the query and returns the top
// match. Ranking is a pure function of (title, query) plus the documented
// tiebreakers: higher view count first, then more recent creation.
func Rank(candidates []twitch.Clip, query string, fuzzyThreshold float64) (twitch.Clip, bool) {
	type scored struct {
		clip  twitch.Clip
		score float64
	}

	matches := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		if s := Score(c.Title, query, fuzzyThreshold); s > 0 {
			matches = append(matches, scored{clip: c, score: s})
		}
	}
	if len(matches) == 0 {
		return twitch.Clip{}, false
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		if matches[i].clip.ViewCount != matches[j].clip.ViewCount {
			return matches[i].clip.ViewCount > matches[j].clip.ViewCount
		}
		return matches[i].clip.CreatedAt.After(matches[j].clip.CreatedAt)
	})
	return matches[0].clip, true
}

// Score rates one title against the query. Zero means no match.
func Score(title, query string, fuzzyThreshold float64) float64 {
	t := normalize(title)
	q := normalize(query)
	if t == "" || q == "" {
		return 0
	}

	// Tier 1: contiguous substring.
	if strings.Contains(t, q) {
		return substringScore
	}

	// Tier 2: per-word containment.
	words := strings.Fields(q)
	if len(words) > 0 {
		matched := 0
		for _, w := range words {
			if strings.Contains(t, w) {
				matched++
			}
		}
		if matched > 0 {
			return float64(matched) / float64(len(words)) * wordScoreMax
		}
	}

	// Tier 3: normalized Levenshtein similarity.
	sim := similarity(t, q)
	if sim < fuzzyThreshold {
		return 0
	}
	return sim * fuzzyScoreMax
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// similarity is 1 - distance/max(len), on runes.
func similarity(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}
	if longest == 0 {
		return 0
	}
	return 1.0 - float64(levenshtein(ra, rb))/float64(longest)
}

func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = minInt(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func minInt(vals ...int) int {
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
