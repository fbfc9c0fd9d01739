package protocol

import (
	"time"

	"github.com/loqalabs/loqa-recite/internal/model"
)

// SubmitReferenceRequest creates a reference document from typed text or an
// uploaded PDF. Text wins when both are set.
type SubmitReferenceRequest struct {
	UserID string `json:"user_id"`
	Text   string `json:"text,omitempty"`
	PDF    []byte `json:"pdf_file_base64,omitempty"`
}

type SubmitReferenceReply struct {
	PDFID  string     `json:"pdf_id,omitempty"`
	Errors []string   `json:"errors,omitempty"`
	Error  *ErrorBody `json:"error,omitempty"`
}

// SubmitAudioRequest verifies one recitation against a stored document.
type SubmitAudioRequest struct {
	PDFID      string `json:"pdf_id"`
	UploaderID string `json:"uploader_id"`
	Filename   string `json:"filename,omitempty"`
	Audio      []byte `json:"audio_file_base64"`
}

// Verification is the outcome of a completed audio submission.
type Verification struct {
	PDFID          string        `json:"pdf_id"`
	AudioID        string        `json:"audio_id"`
	RecognizedText string        `json:"recognized_text"`
	CorrectedText  string        `json:"corrected_text"`
	Chunks         []model.Chunk `json:"chunks"`
	SemanticOK     bool          `json:"semantic_ok"`
}

type SubmitAudioReply struct {
	*Verification
	Error *ErrorBody `json:"error,omitempty"`
}

// ErrorBody carries a failure over the bus. Kind is a pipeline failure kind
// or one of not_found, invalid_input, internal.
type ErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// RecordingCompleted is broadcast after a recording has been stored.
type RecordingCompleted struct {
	PDFID      string    `json:"pdf_id"`
	AudioID    string    `json:"audio_id"`
	UploaderID string    `json:"uploader_id"`
	SemanticOK bool      `json:"semantic_ok"`
	Chunks     int       `json:"chunks"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	SubjectReferenceSubmit    = "recite.reference.submit"
	SubjectAudioSubmit        = "recite.audio.submit"
	SubjectRecordingCompleted = "recite.recording.completed"
)
