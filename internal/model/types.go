// Package model holds the records shared between the pipeline, the store and
// the front ends.
package model

import "time"

// Chunk is a single recognized word with its offsets in seconds.
type Chunk struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// AudioRecording is one verified audio submission. It is never modified after
// it has been appended to its document.
type AudioRecording struct {
	ID             string    `json:"audio_id"`
	DocumentID     string    `json:"pdf_id"`
	UploaderID     string    `json:"uploader_id"`
	Filename       string    `json:"filename,omitempty"`
	Audio          []byte    `json:"audio_file_base64,omitempty"`
	RecognizedText string    `json:"recognized_text"`
	CorrectedText  string    `json:"corrected_text"`
	Chunks         []Chunk   `json:"chunks"`
	SemanticOK     bool      `json:"semantic_ok"`
	CreatedAt      time.Time `json:"created_at"`
}

// ReferenceDocument is the text recordings are verified against.
type ReferenceDocument struct {
	ID         string           `json:"pdf_id"`
	Text       string           `json:"text"`
	Errors     []string         `json:"errors"`
	OwnerID    string           `json:"user_id"`
	PDF        []byte           `json:"pdf_file_base64,omitempty"`
	Recordings []AudioRecording `json:"audio_recordings"`
	CreatedAt  time.Time        `json:"created_at"`
}
