// Package store persists reference documents and their recordings in SQLite.
//
// Binary payloads (PDF and audio) are base64-encoded only here, at the storage
// boundary. A recording row is written once and never updated.
package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-recite/internal/config"
	"github.com/loqalabs/loqa-recite/internal/model"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound reports an unknown document id.
	ErrNotFound = errors.New("document not found")
	// ErrPersistence wraps every storage failure.
	ErrPersistence = errors.New("persistence error")
)

const timeLayout = time.RFC3339Nano

// Store wraps the SQLite document database.
type Store struct {
	db    *sql.DB
	log   *slog.Logger
	clock func() time.Time
}

// Open creates the database file (or an in-memory database for ":memory:")
// and applies the schema.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	path := cfg.Path
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
	}

	busy := cfg.BusyTimeoutMS
	if busy <= 0 {
		busy = 5000
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(%d)", path, busy)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer; also keeps a :memory: database alive across calls
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, log: log.With(slog.String("component", "store")), clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			s.log.Warn("document store vacuum failed", slog.String("error", err.Error()))
		}
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS documents (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    text TEXT NOT NULL,
    errors TEXT NOT NULL,
    pdf TEXT NOT NULL,
    created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS recordings (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    document_id TEXT NOT NULL,
    uploader_id TEXT NOT NULL,
    filename TEXT,
    audio TEXT NOT NULL,
    recognized_text TEXT NOT NULL,
    corrected_text TEXT NOT NULL,
    chunks TEXT NOT NULL,
    semantic_ok INTEGER NOT NULL,
    created_at TEXT NOT NULL,
    FOREIGN KEY(document_id) REFERENCES documents(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_documents_owner ON documents(owner_id);
CREATE INDEX IF NOT EXISTS idx_recordings_document ON recordings(document_id, seq);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateDocument stores doc under a new id and returns the stored record.
func (s *Store) CreateDocument(ctx context.Context, doc model.ReferenceDocument) (model.ReferenceDocument, error) {
	doc.ID = uuid.NewString()
	doc.CreatedAt = s.clock().UTC()
	if doc.Errors == nil {
		doc.Errors = []string{}
	}
	doc.Recordings = []model.AudioRecording{}
	errs, err := json.Marshal(doc.Errors)
	if err != nil {
		return model.ReferenceDocument{}, persistence("encode errors", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents(id, owner_id, text, errors, pdf, created_at) VALUES(?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.OwnerID, doc.Text, string(errs), base64.StdEncoding.EncodeToString(doc.PDF), doc.CreatedAt.Format(timeLayout))
	if err != nil {
		return model.ReferenceDocument{}, persistence("insert document", err)
	}
	return doc, nil
}

// Get returns the document with all recordings in append order.
func (s *Store) Get(ctx context.Context, id string) (model.ReferenceDocument, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, text, errors, pdf, created_at FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row, true)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ReferenceDocument{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return model.ReferenceDocument{}, persistence("load document", err)
	}
	recs, err := s.recordings(ctx, []string{id}, true)
	if err != nil {
		return model.ReferenceDocument{}, err
	}
	doc.Recordings = recs[id]
	return doc, nil
}

// AppendRecording adds rec to the document under a freshly generated id.
// Concurrent appends to the same document each get their own id and row.
func (s *Store) AppendRecording(ctx context.Context, documentID string, rec model.AudioRecording) (model.AudioRecording, error) {
	rec.ID = uuid.NewString()
	rec.DocumentID = documentID
	rec.CreatedAt = s.clock().UTC()
	if rec.Chunks == nil {
		rec.Chunks = []model.Chunk{}
	}
	chunks, err := json.Marshal(rec.Chunks)
	if err != nil {
		return model.AudioRecording{}, persistence("encode chunks", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO recordings(id, document_id, uploader_id, filename, audio, recognized_text, corrected_text, chunks, semantic_ok, created_at)
		 SELECT ?, id, ?, ?, ?, ?, ?, ?, ?, ? FROM documents WHERE id = ?`,
		rec.ID, rec.UploaderID, rec.Filename, base64.StdEncoding.EncodeToString(rec.Audio),
		rec.RecognizedText, rec.CorrectedText, string(chunks), rec.SemanticOK, rec.CreatedAt.Format(timeLayout),
		documentID)
	if err != nil {
		return model.AudioRecording{}, persistence("insert recording", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.AudioRecording{}, persistence("insert recording", err)
	}
	if n == 0 {
		return model.AudioRecording{}, fmt.Errorf("%w: %s", ErrNotFound, documentID)
	}
	return rec, nil
}

// ListQuery selects a page of documents. Page is 1-based.
type ListQuery struct {
	Page     int
	PageSize int
	// OwnerID restricts the listing when non-empty.
	OwnerID string
}

// Page is one page of documents. Items carry their recordings but not the
// PDF or audio payloads.
type Page struct {
	Page     int                       `json:"page"`
	PageSize int                       `json:"page_size"`
	Total    int                       `json:"total"`
	Items    []model.ReferenceDocument `json:"items"`
}

// ListDocuments returns documents oldest first.
func (s *Store) ListDocuments(ctx context.Context, q ListQuery) (Page, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize < 1 {
		q.PageSize = 10
	}
	out := Page{Page: q.Page, PageSize: q.PageSize, Items: []model.ReferenceDocument{}}

	where, args := "", []any{}
	if q.OwnerID != "" {
		where, args = " WHERE owner_id = ?", append(args, q.OwnerID)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`+where, args...).Scan(&out.Total); err != nil {
		return Page{}, persistence("count documents", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, text, errors, '', created_at FROM documents`+where+` ORDER BY rowid ASC LIMIT ? OFFSET ?`,
		append(args, q.PageSize, (q.Page-1)*q.PageSize)...)
	if err != nil {
		return Page{}, persistence("list documents", err)
	}
	var ids []string
	for rows.Next() {
		doc, err := scanDocument(rows, false)
		if err != nil {
			rows.Close()
			return Page{}, persistence("scan document", err)
		}
		out.Items = append(out.Items, doc)
		ids = append(ids, doc.ID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return Page{}, persistence("list documents", err)
	}
	rows.Close()

	recs, err := s.recordings(ctx, ids, false)
	if err != nil {
		return Page{}, err
	}
	for i := range out.Items {
		out.Items[i].Recordings = recs[out.Items[i].ID]
	}
	return out, nil
}

func (s *Store) recordings(ctx context.Context, documentIDs []string, withAudio bool) (map[string][]model.AudioRecording, error) {
	out := make(map[string][]model.AudioRecording, len(documentIDs))
	if len(documentIDs) == 0 {
		return out, nil
	}
	audioCol := "''"
	if withAudio {
		audioCol = "audio"
	}
	args := make([]any, len(documentIDs))
	for i, id := range documentIDs {
		args[i] = id
		out[id] = []model.AudioRecording{}
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(documentIDs)), ",")
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, document_id, uploader_id, filename, `+audioCol+`, recognized_text, corrected_text, chunks, semantic_ok, created_at
		 FROM recordings WHERE document_id IN (`+placeholders+`) ORDER BY seq ASC`, args...)
	if err != nil {
		return nil, persistence("load recordings", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec model.AudioRecording
		var filename sql.NullString
		var audioB64, chunks, created string
		if err := rows.Scan(&rec.ID, &rec.DocumentID, &rec.UploaderID, &filename, &audioB64,
			&rec.RecognizedText, &rec.CorrectedText, &chunks, &rec.SemanticOK, &created); err != nil {
			return nil, persistence("scan recording", err)
		}
		rec.Filename = filename.String
		if audioB64 != "" {
			if rec.Audio, err = base64.StdEncoding.DecodeString(audioB64); err != nil {
				return nil, persistence("decode audio", err)
			}
		}
		if err := json.Unmarshal([]byte(chunks), &rec.Chunks); err != nil {
			return nil, persistence("decode chunks", err)
		}
		rec.CreatedAt = parseTime(created)
		out[rec.DocumentID] = append(out[rec.DocumentID], rec)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("load recordings", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner, withPDF bool) (model.ReferenceDocument, error) {
	var doc model.ReferenceDocument
	var errs, pdfB64, created string
	if err := row.Scan(&doc.ID, &doc.OwnerID, &doc.Text, &errs, &pdfB64, &created); err != nil {
		return doc, err
	}
	if err := json.Unmarshal([]byte(errs), &doc.Errors); err != nil {
		return doc, err
	}
	if withPDF && pdfB64 != "" {
		pdf, err := base64.StdEncoding.DecodeString(pdfB64)
		if err != nil {
			return doc, err
		}
		doc.PDF = pdf
	}
	doc.CreatedAt = parseTime(created)
	return doc, nil
}

func parseTime(v string) time.Time {
	ts, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}
	}
	return ts
}

func persistence(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}
