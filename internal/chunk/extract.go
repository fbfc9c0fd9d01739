// Package chunk turns raw model word timing into the ordered, non-overlapping
// chunk list stored with a recording.
package chunk

import (
	"fmt"
	"math"
	"strings"

	"github.com/loqalabs/loqa-recite/internal/model"
	"github.com/loqalabs/loqa-recite/internal/stt"
)

// Reason classifies a corrected or dropped word segment.
type Reason string

const (
	ReasonEmptyWord  Reason = "empty_word"
	ReasonBadStart   Reason = "invalid_start"
	ReasonClampedEnd Reason = "end_before_start"
	ReasonOutOfOrder Reason = "overlaps_previous"
)

// AlignmentError records one segment the extractor had to clamp or drop. It
// never aborts extraction.
type AlignmentError struct {
	Index  int
	Word   string
	Reason Reason
}

func (e AlignmentError) Error() string {
	return fmt.Sprintf("chunk %d (%q): %s", e.Index, e.Word, e.Reason)
}

// Dropped reports whether the segment was left out of the chunk list.
func (e AlignmentError) Dropped() bool {
	return e.Reason != ReasonClampedEnd
}

// Extract validates words in model order. A nil input (no timing available)
// yields an empty list. Segments with end < start are clamped to end = start;
// segments starting before the previous chunk's end, or with unusable text or
// start, are dropped.
func Extract(words []stt.WordSegment) ([]model.Chunk, []AlignmentError) {
	chunks := make([]model.Chunk, 0, len(words))
	var problems []AlignmentError
	prevEnd := 0.0
	for i, w := range words {
		text := strings.TrimSpace(w.Word)
		if text == "" {
			problems = append(problems, AlignmentError{Index: i, Word: w.Word, Reason: ReasonEmptyWord})
			continue
		}
		if !finite(w.Start) || w.Start < 0 {
			problems = append(problems, AlignmentError{Index: i, Word: text, Reason: ReasonBadStart})
			continue
		}
		end := w.End
		if !finite(end) || end < w.Start {
			problems = append(problems, AlignmentError{Index: i, Word: text, Reason: ReasonClampedEnd})
			end = w.Start
		}
		if w.Start < prevEnd {
			problems = append(problems, AlignmentError{Index: i, Word: text, Reason: ReasonOutOfOrder})
			continue
		}
		chunks = append(chunks, model.Chunk{Text: text, Start: w.Start, End: end})
		prevEnd = end
	}
	return chunks, problems
}

// DroppedCount counts the problems that removed a segment.
func DroppedCount(problems []AlignmentError) int {
	n := 0
	for _, p := range problems {
		if p.Dropped() {
			n++
		}
	}
	return n
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
