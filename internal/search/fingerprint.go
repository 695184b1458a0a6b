package search

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/Futs/kuroibara-sub003/internal/models"
)

// normalizeTitle case-folds, strips punctuation, and collapses whitespace,
// per §4.5's fingerprint rule.
func normalizeTitle(title string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(title) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			sb.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}

// fingerprint computes the dedup key: normalized title plus year, when
// known.
func fingerprint(title string, year int) string {
	norm := normalizeTitle(title)
	if year > 0 {
		return norm + "|" + strconv.Itoa(year)
	}
	return norm
}

// fingerprintFilter is a bloom filter of every fingerprint fusion has
// created an entry for. fuse only adds to it; its exact-match lookup goes
// to the fingerprint map directly, without consulting maybeSeen.
type fingerprintFilter struct {
	filter *bloom.BloomFilter
}

func newFingerprintFilter(expectedItems uint, falsePositiveRate float64) *fingerprintFilter {
	return &fingerprintFilter{filter: bloom.NewWithEstimates(expectedItems, falsePositiveRate)}
}

func (f *fingerprintFilter) maybeSeen(fp string) bool {
	return f.filter.TestString(fp)
}

func (f *fingerprintFilter) add(fp string) {
	f.filter.AddString(fp)
}

// fieldCompleteness is the fraction of {title, description, cover, genres,
// year, authors} present, used by the confidence formula.
func fieldCompleteness(e *models.UniversalEntry) float64 {
	total := 6.0
	present := 0.0
	if e.Title != "" {
		present++
	}
	if e.Description != "" {
		present++
	}
	if e.CoverURL != "" {
		present++
	}
	if len(e.Genres) > 0 {
		present++
	}
	if e.Year > 0 {
		present++
	}
	if len(e.Authors) > 0 {
		present++
	}
	return present / total
}

// confidence implements §4.5's per-source-origin confidence formula.
func confidence(tier models.Tier, e *models.UniversalEntry, query string) float64 {
	score := tier.Weight() * fieldCompleteness(e)
	if normalizeTitle(e.Title) == normalizeTitle(query) {
		score *= 1.1
	}
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}

func dedupeGenres(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing))
	out := make([]string, 0, len(existing)+len(incoming))
	for _, g := range existing {
		key := strings.ToLower(g)
		if !seen[key] {
			seen[key] = true
			out = append(out, g)
		}
	}
	for _, g := range incoming {
		key := strings.ToLower(g)
		if !seen[key] {
			seen[key] = true
			out = append(out, g)
		}
	}
	return out
}

func unionTitles(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing))
	out := append([]string(nil), existing...)
	for _, t := range existing {
		seen[normalizeTitle(t)] = true
	}
	for _, t := range incoming {
		key := normalizeTitle(t)
		if !seen[key] {
			seen[key] = true
			out = append(out, t)
		}
	}
	return out
}
