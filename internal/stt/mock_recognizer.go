package stt

import (
	"context"
	"math"
	"strings"
)

// silence below this RMS yields an empty transcript
const mockSilenceRMS = 1e-3

type mockRecognizer struct {
	words []string
}

// NewMockRecognizer returns a deterministic recognizer that "hears" transcript
// in any non-silent input and spreads its words evenly over the audio.
func NewMockRecognizer(transcript string) Recognizer {
	return &mockRecognizer{words: strings.Fields(transcript)}
}

func (m *mockRecognizer) Transcribe(ctx context.Context, samples []float32, sampleRate int) (TranscriptResult, error) {
	if err := ctx.Err(); err != nil {
		return TranscriptResult{}, err
	}
	if len(m.words) == 0 || sampleRate <= 0 || isSilent(samples) {
		return TranscriptResult{Text: "", Words: []WordSegment{}}, nil
	}

	duration := float64(len(samples)) / float64(sampleRate)
	step := duration / float64(len(m.words))
	words := make([]WordSegment, len(m.words))
	for i, w := range m.words {
		start := float64(i) * step
		words[i] = WordSegment{Word: w, Start: round3(start), End: round3(start + step*0.9)}
	}
	return TranscriptResult{Text: strings.Join(m.words, " "), Words: words}, nil
}

func (m *mockRecognizer) Close() error { return nil }

func isSilent(samples []float32) bool {
	if len(samples) == 0 {
		return true
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum/float64(len(samples))) < mockSilenceRMS
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
