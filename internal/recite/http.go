package recite

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/loqalabs/loqa-recite/internal/pdf"
	"github.com/loqalabs/loqa-recite/internal/pipeline"
	"github.com/loqalabs/loqa-recite/internal/store"
)

// multipart overhead allowed on top of the audio limit
const formSlack = 1 << 20

type api struct {
	svc      *Service
	maxBytes int64
	log      *slog.Logger
}

// Routes mounts the public endpoints on r. maxAudioBytes bounds uploaded
// audio and PDF payloads; zero disables the limit.
func Routes(r chi.Router, svc *Service, maxAudioBytes int64, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &api{svc: svc, maxBytes: maxAudioBytes, log: logger.With(slog.String("component", "http"))}
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequestID)
		r.Use(a.accessLog)
		r.Use(middleware.Recoverer)
		r.Post("/upload_pdf", a.handleUploadPDF)
		r.Post("/upload_audio/{pdf_id}", a.handleUploadAudio)
		r.Get("/pdfs", a.handleListPDFs)
		r.Get("/pdf_data/{pdf_id}", a.handleGetPDF)
	})
}

// NewRouter returns a router serving only the public endpoints.
func NewRouter(svc *Service, maxAudioBytes int64, logger *slog.Logger) *chi.Mux {
	r := chi.NewRouter()
	Routes(r, svc, maxAudioBytes, logger)
	return r
}

func (a *api) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.log.Info("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (a *api) parseForm(w http.ResponseWriter, r *http.Request) error {
	if a.maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, a.maxBytes+formSlack)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

func (a *api) readPart(file multipart.File) ([]byte, error) {
	defer file.Close()
	if a.maxBytes <= 0 {
		data, err := io.ReadAll(file)
		if err != nil {
			return nil, fmt.Errorf("%w: read upload: %v", ErrInvalidInput, err)
		}
		return data, nil
	}
	data, err := io.ReadAll(io.LimitReader(file, a.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read upload: %v", ErrInvalidInput, err)
	}
	if int64(len(data)) > a.maxBytes {
		return nil, &http.MaxBytesError{Limit: a.maxBytes}
	}
	return data, nil
}

func (a *api) handleUploadPDF(w http.ResponseWriter, r *http.Request) {
	if err := a.parseForm(w, r); err != nil {
		a.writeError(w, err)
		return
	}
	in := ReferenceInput{OwnerID: r.FormValue("user_id"), Text: r.FormValue("text")}
	if in.Text == "" {
		file, _, err := r.FormFile("file")
		if err != nil && !errors.Is(err, http.ErrMissingFile) {
			a.writeError(w, fmt.Errorf("%w: %v", ErrInvalidInput, err))
			return
		}
		if file != nil {
			if in.PDF, err = a.readPart(file); err != nil {
				a.writeError(w, err)
				return
			}
		}
	}

	doc, err := a.svc.SubmitReference(r.Context(), in)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pdf_id": doc.ID, "errors": doc.Errors})
}

func (a *api) handleUploadAudio(w http.ResponseWriter, r *http.Request) {
	if err := a.parseForm(w, r); err != nil {
		a.writeError(w, err)
		return
	}
	file, header, err := r.FormFile("audio")
	if err != nil {
		a.writeError(w, fmt.Errorf("%w: audio file is required", ErrInvalidInput))
		return
	}
	data, err := a.readPart(file)
	if err != nil {
		a.writeError(w, err)
		return
	}

	rec, err := a.svc.SubmitAudio(r.Context(), AudioInput{
		DocumentID: chi.URLParam(r, "pdf_id"),
		UploaderID: r.FormValue("uploader_id"),
		Filename:   header.Filename,
		Audio:      data,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, verification(rec))
}

func (a *api) handleListPDFs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := intParam(q.Get("page"), 1)
	if err != nil {
		a.writeError(w, err)
		return
	}
	size, err := intParam(q.Get("page_size"), 10)
	if err != nil {
		a.writeError(w, err)
		return
	}
	onlyMine := false
	if v := q.Get("only_mine"); v != "" {
		if onlyMine, err = strconv.ParseBool(v); err != nil {
			a.writeError(w, fmt.Errorf("%w: only_mine must be a boolean", ErrInvalidInput))
			return
		}
	}
	query := store.ListQuery{Page: page, PageSize: size}
	if userID := q.Get("user_id"); onlyMine && userID != "" {
		query.OwnerID = userID
	}

	out, err := a.svc.Documents(r.Context(), query)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) handleGetPDF(w http.ResponseWriter, r *http.Request) {
	doc, err := a.svc.Document(r.Context(), chi.URLParam(r, "pdf_id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: %q is not a positive integer", ErrInvalidInput, v)
	}
	return n, nil
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	if kind, ok := pipeline.KindOf(err); ok {
		switch kind {
		case pipeline.KindInvalidAudioFormat, pipeline.KindEmptyAudio:
			return http.StatusBadRequest
		case pipeline.KindTranscriptionTimeout:
			return http.StatusGatewayTimeout
		case pipeline.KindCanceled:
			return http.StatusServiceUnavailable
		default:
			return http.StatusInternalServerError
		}
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput), errors.Is(err, pdf.ErrInvalidPDF):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (a *api) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	detail, kind := err.Error(), errorKind(err)
	switch status {
	case http.StatusInternalServerError:
		a.log.Error("request failed", slog.String("error", err.Error()))
		detail = "Internal server error"
	case http.StatusRequestEntityTooLarge:
		kind = "payload_too_large"
	}
	writeJSON(w, status, map[string]string{"detail": detail, "kind": kind})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
