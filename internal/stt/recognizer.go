package stt

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-recite/internal/config"
)

var (
	// ErrTranscription reports a model or runtime failure.
	ErrTranscription = errors.New("transcription failed")
	// ErrTimeout reports a transcription that exceeded the configured maximum duration.
	ErrTimeout = errors.New("transcription timed out")
)

// WordSegment is raw word timing as emitted by a model, in seconds.
type WordSegment struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// TranscriptResult captures recognizer output. Words is nil when the backend
// produced no word-level timing.
type TranscriptResult struct {
	Text  string
	Words []WordSegment
}

// Recognizer abstracts STT backends. A single Recognizer instance is never
// invoked concurrently; the Pool guarantees that.
type Recognizer interface {
	Transcribe(ctx context.Context, samples []float32, sampleRate int) (TranscriptResult, error)
	Close() error
}

// NewRecognizer builds one model instance for the configured mode and variant.
func NewRecognizer(cfg config.STTConfig, tempDir string) (Recognizer, error) {
	switch cfg.Mode {
	case "mock", "":
		return NewMockRecognizer(cfg.MockTranscript), nil
	case "exec":
		return NewExecRecognizer(cfg, tempDir)
	default:
		return nil, fmt.Errorf("stt: unknown mode %q (supported: mock, exec)", cfg.Mode)
	}
}
