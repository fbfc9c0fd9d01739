// Package match decides whether recognized text recites a reference text.
package match

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/loqalabs/loqa-recite/internal/config"
)

// Matcher returns the semantic verdict. Implementations must be pure functions
// of their two inputs.
type Matcher interface {
	Match(corrected, reference string) bool
}

// Scorer is implemented by strategies that can also report a confidence in
// [0,1].
type Scorer interface {
	Score(corrected, reference string) float64
}

// New builds the configured strategy.
func New(cfg config.MatcherConfig) (Matcher, error) {
	switch cfg.Strategy {
	case "", "substring":
		return Substring{}, nil
	case "token_overlap":
		return TokenOverlap{MinRatio: cfg.Threshold}, nil
	case "edit_distance":
		return EditDistance{MaxWER: cfg.Threshold}, nil
	default:
		return nil, fmt.Errorf("match: unknown strategy %q", cfg.Strategy)
	}
}

// Normalize trims, collapses runs of whitespace to one space and lower-cases.
func Normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// Substring is true when the normalized reference occurs contiguously in the
// normalized recognized text. An empty reference matches anything.
type Substring struct{}

func (Substring) Match(corrected, reference string) bool {
	return strings.Contains(Normalize(corrected), Normalize(reference))
}

func (s Substring) Score(corrected, reference string) float64 {
	if s.Match(corrected, reference) {
		return 1
	}
	return 0
}

// TokenOverlap is true when at least MinRatio of the reference words (counted
// with multiplicity) appear in the recognized text, in any order.
type TokenOverlap struct {
	MinRatio float64
}

func (t TokenOverlap) Match(corrected, reference string) bool {
	return t.Score(corrected, reference) >= t.MinRatio
}

func (TokenOverlap) Score(corrected, reference string) float64 {
	ref := tokens(reference)
	if len(ref) == 0 {
		return 1
	}
	avail := make(map[string]int)
	for _, w := range tokens(corrected) {
		avail[w]++
	}
	hits := 0
	for _, w := range ref {
		if avail[w] > 0 {
			avail[w]--
			hits++
		}
	}
	return float64(hits) / float64(len(ref))
}

// EditDistance is true when the word error rate of the recognized text against
// the reference is at most MaxWER.
type EditDistance struct {
	MaxWER float64
}

func (e EditDistance) Match(corrected, reference string) bool {
	return WER(reference, corrected) <= e.MaxWER
}

func (EditDistance) Score(corrected, reference string) float64 {
	s := 1 - WER(reference, corrected)
	if s < 0 {
		return 0
	}
	return s
}

// WER is the word-level Levenshtein distance between reference and hypothesis
// divided by the number of reference words. Punctuation and case are ignored.
func WER(reference, hypothesis string) float64 {
	ref := tokens(reference)
	hyp := tokens(hypothesis)
	if len(ref) == 0 {
		return 0
	}
	prev := make([]int, len(hyp)+1)
	cur := make([]int, len(hyp)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ref); i++ {
		cur[0] = i
		for j := 1; j <= len(hyp); j++ {
			if ref[i-1] == hyp[j-1] {
				cur[j] = prev[j-1]
				continue
			}
			cur[j] = 1 + min(prev[j-1], prev[j], cur[j-1])
		}
		prev, cur = cur, prev
	}
	return float64(prev[len(hyp)]) / float64(len(ref))
}

func tokens(s string) []string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) {
			return -1
		}
		return r
	}, strings.ToLower(s))
	return strings.Fields(s)
}
