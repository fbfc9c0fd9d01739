package match

import (
	"math"
	"testing"

	"github.com/loqalabs/loqa-recite/internal/config"
)

func TestSubstringVerdicts(t *testing.T) {
	cases := []struct {
		corrected, reference string
		want                 bool
	}{
		{"the Quick FOX jumped", "the quick fox", true},
		{"the quick dog", "fox", false},
		{"  the   quick\tfox  ", "THE QUICK FOX", true},
		{"quick the fox", "the quick fox", false},
		{"anything at all", "", true},
		{"", "fox", false},
	}
	var m Matcher = Substring{}
	for _, tc := range cases {
		if got := m.Match(tc.corrected, tc.reference); got != tc.want {
			t.Fatalf("Match(%q, %q) = %v, want %v", tc.corrected, tc.reference, got, tc.want)
		}
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("  Hello \n\t WORLD  "); got != "hello world" {
		t.Fatalf("unexpected normalization %q", got)
	}
}

func TestTokenOverlapToleratesReordering(t *testing.T) {
	m := TokenOverlap{MinRatio: 0.75}
	if !m.Match("fox quick the", "the quick fox") {
		t.Fatal("expected reordered recitation to match")
	}
	if m.Match("the dog", "the quick fox") {
		t.Fatal("expected low overlap to fail")
	}
	if got := m.Score("the the fox", "the quick the fox"); got != 0.75 {
		t.Fatalf("expected multiplicity-aware score 0.75, got %v", got)
	}
}

func TestWER(t *testing.T) {
	cases := []struct {
		ref, hyp string
		want     float64
	}{
		{"the quick brown fox", "the quick brown fox", 0},
		{"the quick brown fox", "the quick red fox", 0.25},
		{"the quick brown fox", "the brown fox", 0.25},
		{"hello", "hello there friend", 2},
		{"Hello, world!", "hello world", 0},
		{"", "anything", 0},
	}
	for _, tc := range cases {
		if got := WER(tc.ref, tc.hyp); math.Abs(got-tc.want) > 1e-9 {
			t.Fatalf("WER(%q, %q) = %v, want %v", tc.ref, tc.hyp, got, tc.want)
		}
	}
}

func TestEditDistanceScoreClamped(t *testing.T) {
	m := EditDistance{MaxWER: 0.3}
	if !m.Match("the quick red fox", "the quick brown fox") {
		t.Fatal("expected one substitution in four words to pass")
	}
	if got := m.Score("hello there friend", "hello"); got != 0 {
		t.Fatalf("expected score clamped to 0, got %v", got)
	}
}

func TestNewSelectsStrategy(t *testing.T) {
	m, err := New(config.MatcherConfig{Strategy: "substring"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := m.(Substring); !ok {
		t.Fatalf("expected Substring, got %T", m)
	}
	m, err = New(config.MatcherConfig{Strategy: "edit_distance", Threshold: 0.2})
	if err != nil {
		t.Fatal(err)
	}
	if ed, ok := m.(EditDistance); !ok || ed.MaxWER != 0.2 {
		t.Fatalf("unexpected matcher %#v", m)
	}
	if _, ok := m.(Scorer); !ok {
		t.Fatal("expected edit distance to expose a score")
	}
	if _, err := New(config.MatcherConfig{Strategy: "vibes"}); err == nil {
		t.Fatal("expected unknown strategy error")
	}
}
