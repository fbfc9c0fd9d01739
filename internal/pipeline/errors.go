package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-recite/internal/audio"
	"github.com/loqalabs/loqa-recite/internal/stt"
)

// State is a step of one verification run.
type State string

const (
	StateReceived     State = "received"
	StateDecoding     State = "decoding"
	StateTranscribing State = "transcribing"
	StateMatching     State = "matching"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
)

// Kind classifies why a run ended in StateFailed.
type Kind string

const (
	KindInvalidAudioFormat   Kind = "invalid_audio_format"
	KindEmptyAudio           Kind = "empty_audio"
	KindTranscription        Kind = "transcription_error"
	KindTranscriptionTimeout Kind = "transcription_timeout"
	KindCanceled             Kind = "canceled"
	KindInternal             Kind = "internal"
)

// Error is returned by Run for every failed submission. State is the stage
// that was active when the run failed.
type Error struct {
	Kind  Kind
	State State
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s while %s: %v", e.Kind, e.State, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the failure kind from an error returned by Run.
func KindOf(err error) (Kind, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return "", false
}

func classify(state State, err error) Kind {
	switch {
	case errors.Is(err, stt.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTranscriptionTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, audio.ErrEmptyAudio):
		return KindEmptyAudio
	case errors.Is(err, audio.ErrInvalidFormat):
		return KindInvalidAudioFormat
	case errors.Is(err, stt.ErrTranscription):
		return KindTranscription
	case state == StateTranscribing:
		return KindTranscription
	}
	return KindInternal
}
