// Package recite exposes the two entry points of the system, submitting a
// reference text and submitting an audio attempt at it, together with the
// HTTP and bus front ends that call them.
package recite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-recite/internal/model"
	"github.com/loqalabs/loqa-recite/internal/pdf"
	"github.com/loqalabs/loqa-recite/internal/pipeline"
	"github.com/loqalabs/loqa-recite/internal/protocol"
	"github.com/loqalabs/loqa-recite/internal/store"
)

// ErrInvalidInput reports a request rejected before any processing.
var ErrInvalidInput = errors.New("invalid input")

const emptyTextError = "Text cannot be empty"

// Store is the document store the service writes to. *store.Store implements it.
type Store interface {
	CreateDocument(ctx context.Context, doc model.ReferenceDocument) (model.ReferenceDocument, error)
	Get(ctx context.Context, id string) (model.ReferenceDocument, error)
	AppendRecording(ctx context.Context, documentID string, rec model.AudioRecording) (model.AudioRecording, error)
	ListDocuments(ctx context.Context, q store.ListQuery) (store.Page, error)
}

// Verifier runs the verification pipeline. *pipeline.Pipeline implements it.
type Verifier interface {
	Run(ctx context.Context, sub pipeline.Submission) (pipeline.Result, error)
}

// Publisher announces stored recordings.
type Publisher interface {
	PublishCompleted(ctx context.Context, evt protocol.RecordingCompleted) error
}

type Service struct {
	store     Store
	verifier  Verifier
	publisher Publisher
	log       *slog.Logger
}

func NewService(st Store, verifier Verifier, publisher Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     st,
		verifier:  verifier,
		publisher: publisher,
		log:       logger.With(slog.String("component", "recite")),
	}
}

// ValidateText lists problems with a reference text. An empty list means the
// text is usable.
func ValidateText(text string) []string {
	errs := []string{}
	if strings.TrimSpace(text) == "" {
		errs = append(errs, emptyTextError)
	}
	return errs
}

// ReferenceInput is a reference submission. Text takes precedence over PDF.
type ReferenceInput struct {
	OwnerID string
	Text    string
	PDF     []byte
}

// SubmitReference stores a new reference document. Validation problems are
// recorded on the document rather than rejected; an unreadable PDF is
// rejected with pdf.ErrInvalidPDF.
func (s *Service) SubmitReference(ctx context.Context, in ReferenceInput) (model.ReferenceDocument, error) {
	if strings.TrimSpace(in.OwnerID) == "" {
		return model.ReferenceDocument{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	doc := model.ReferenceDocument{OwnerID: in.OwnerID}
	switch {
	case in.Text != "":
		rendered, err := pdf.FromText(in.Text)
		if err != nil {
			return model.ReferenceDocument{}, err
		}
		doc.Text, doc.PDF = in.Text, rendered
	case len(in.PDF) > 0:
		text, err := pdf.ExtractText(in.PDF)
		if err != nil {
			return model.ReferenceDocument{}, err
		}
		doc.Text, doc.PDF = text, in.PDF
	default:
		return model.ReferenceDocument{}, fmt.Errorf("%w: no file or text provided", ErrInvalidInput)
	}
	doc.Errors = ValidateText(doc.Text)

	created, err := s.store.CreateDocument(ctx, doc)
	if err != nil {
		return model.ReferenceDocument{}, err
	}
	s.log.Info("reference stored",
		slog.String("pdf_id", created.ID),
		slog.String("user_id", created.OwnerID),
		slog.Int("validation_errors", len(created.Errors)),
	)
	return created, nil
}

// AudioInput is one recitation attempt for document DocumentID.
type AudioInput struct {
	DocumentID string
	UploaderID string
	Filename   string
	Audio      []byte
}

// SubmitAudio verifies the audio against the document's text and appends the
// resulting recording. Pipeline failures are returned as *pipeline.Error and
// nothing is stored.
func (s *Service) SubmitAudio(ctx context.Context, in AudioInput) (model.AudioRecording, error) {
	if strings.TrimSpace(in.UploaderID) == "" {
		return model.AudioRecording{}, fmt.Errorf("%w: uploader_id is required", ErrInvalidInput)
	}
	doc, err := s.store.Get(ctx, in.DocumentID)
	if err != nil {
		return model.AudioRecording{}, err
	}

	res, err := s.verifier.Run(ctx, pipeline.Submission{
		Audio:     in.Audio,
		Filename:  in.Filename,
		Reference: doc.Text,
	})
	if err != nil {
		s.log.Warn("verification failed",
			slog.String("pdf_id", in.DocumentID),
			slog.String("error", err.Error()),
		)
		return model.AudioRecording{}, err
	}

	rec, err := s.store.AppendRecording(ctx, doc.ID, model.AudioRecording{
		UploaderID:     in.UploaderID,
		Filename:       in.Filename,
		Audio:          in.Audio,
		RecognizedText: res.RecognizedText,
		CorrectedText:  res.CorrectedText,
		Chunks:         res.Chunks,
		SemanticOK:     res.SemanticOK,
	})
	if err != nil {
		return model.AudioRecording{}, err
	}
	s.log.Info("recording stored",
		slog.String("pdf_id", rec.DocumentID),
		slog.String("audio_id", rec.ID),
		slog.Bool("semantic_ok", rec.SemanticOK),
		slog.Duration("duration", res.Duration),
	)

	if s.publisher != nil {
		evt := protocol.RecordingCompleted{
			PDFID:      rec.DocumentID,
			AudioID:    rec.ID,
			UploaderID: rec.UploaderID,
			SemanticOK: rec.SemanticOK,
			Chunks:     len(rec.Chunks),
			Timestamp:  time.Now().UTC(),
		}
		if err := s.publisher.PublishCompleted(ctx, evt); err != nil {
			s.log.Warn("failed to publish completion", slog.String("error", err.Error()))
		}
	}
	return rec, nil
}

// Document returns one document with its recordings.
func (s *Service) Document(ctx context.Context, id string) (model.ReferenceDocument, error) {
	return s.store.Get(ctx, id)
}

// Documents returns a page of documents, restricted to OwnerID when set.
func (s *Service) Documents(ctx context.Context, q store.ListQuery) (store.Page, error) {
	return s.store.ListDocuments(ctx, q)
}

// verification projects a stored recording into its reply shape.
func verification(rec model.AudioRecording) *protocol.Verification {
	return &protocol.Verification{
		PDFID:          rec.DocumentID,
		AudioID:        rec.ID,
		RecognizedText: rec.RecognizedText,
		CorrectedText:  rec.CorrectedText,
		Chunks:         rec.Chunks,
		SemanticOK:     rec.SemanticOK,
	}
}

// errorKind maps any service error to a stable kind string.
func errorKind(err error) string {
	if k, ok := pipeline.KindOf(err); ok {
		return string(k)
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidInput), errors.Is(err, pdf.ErrInvalidPDF):
		return "invalid_input"
	}
	return string(pipeline.KindInternal)
}
