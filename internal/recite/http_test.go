package recite

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-recite/internal/model"
	"github.com/loqalabs/loqa-recite/internal/pdf"
	"github.com/loqalabs/loqa-recite/internal/store"
)

func newServer(t *testing.T, maxBytes int64) (*httptest.Server, *harness) {
	t.Helper()
	h := newHarness(t)
	srv := httptest.NewServer(NewRouter(h.svc, maxBytes, newLogger()))
	t.Cleanup(srv.Close)
	return srv, h
}

type part struct {
	field, filename string
	data            []byte
}

func postForm(t *testing.T, url string, fields map[string]string, files ...part) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	for _, f := range files {
		w, err := mw.CreateFormFile(f.field, f.filename)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write(f.data); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("expected status %d, got %d", want, resp.StatusCode)
	}
}

type uploadReply struct {
	PDFID  string   `json:"pdf_id"`
	Errors []string `json:"errors"`
}

type errorReply struct {
	Detail string `json:"detail"`
	Kind   string `json:"kind"`
}

func uploadText(t *testing.T, base, user, text string) uploadReply {
	t.Helper()
	resp := postForm(t, base+"/upload_pdf", map[string]string{"user_id": user, "text": text})
	expectStatus(t, resp, http.StatusOK)
	return decode[uploadReply](t, resp)
}

func TestUploadPDFWithText(t *testing.T) {
	srv, _ := newServer(t, 1<<20)
	reply := uploadText(t, srv.URL, "u1", "the quick brown fox")
	if reply.PDFID == "" || reply.Errors == nil || len(reply.Errors) != 0 {
		t.Fatalf("unexpected reply %+v", reply)
	}

	resp, err := http.Get(srv.URL + "/pdf_data/" + reply.PDFID)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusOK)
	doc := decode[model.ReferenceDocument](t, resp)
	if doc.Text != "the quick brown fox" || doc.OwnerID != "u1" || doc.Recordings == nil {
		t.Fatalf("unexpected document %+v", doc)
	}
}

func TestUploadPDFWithFile(t *testing.T) {
	srv, _ := newServer(t, 1<<20)
	data, err := pdf.FromText("quick brown fox")
	if err != nil {
		t.Fatal(err)
	}
	resp := postForm(t, srv.URL+"/upload_pdf", map[string]string{"user_id": "u1"}, part{"file", "ref.pdf", data})
	expectStatus(t, resp, http.StatusOK)
	if reply := decode[uploadReply](t, resp); reply.PDFID == "" {
		t.Fatal("expected a pdf id")
	}
}

func TestUploadPDFWhitespaceText(t *testing.T) {
	srv, _ := newServer(t, 1<<20)
	reply := uploadText(t, srv.URL, "u1", "   ")
	if len(reply.Errors) != 1 || reply.Errors[0] != "Text cannot be empty" {
		t.Fatalf("expected validation error, got %+v", reply)
	}
}

func TestUploadPDFRejectsMissingInput(t *testing.T) {
	srv, _ := newServer(t, 1<<20)
	resp := postForm(t, srv.URL+"/upload_pdf", map[string]string{"user_id": "u1"})
	expectStatus(t, resp, http.StatusBadRequest)
	if body := decode[errorReply](t, resp); body.Kind != "invalid_input" || body.Detail == "" {
		t.Fatalf("unexpected error body %+v", body)
	}

	resp = postForm(t, srv.URL+"/upload_pdf", map[string]string{"user_id": "u1"}, part{"file", "ref.pdf", []byte("nope")})
	expectStatus(t, resp, http.StatusBadRequest)
}

func TestUploadAudio(t *testing.T) {
	srv, h := newServer(t, 1<<20)
	ref := uploadText(t, srv.URL, "u1", "brown fox")

	resp := postForm(t, srv.URL+"/upload_audio/"+ref.PDFID,
		map[string]string{"uploader_id": "u2"},
		part{"audio", "take.wav", wavFixture(t, 0.4)})
	expectStatus(t, resp, http.StatusOK)
	v := decode[struct {
		PDFID          string        `json:"pdf_id"`
		AudioID        string        `json:"audio_id"`
		RecognizedText string        `json:"recognized_text"`
		CorrectedText  string        `json:"corrected_text"`
		Chunks         []model.Chunk `json:"chunks"`
		SemanticOK     bool          `json:"semantic_ok"`
	}](t, resp)
	if v.PDFID != ref.PDFID || v.AudioID == "" || v.RecognizedText != heard || !v.SemanticOK || len(v.Chunks) != 5 {
		t.Fatalf("unexpected verification %+v", v)
	}
	if h.publisher.count() != 1 {
		t.Fatalf("expected completion event, got %d", h.publisher.count())
	}
}

func TestUploadAudioErrors(t *testing.T) {
	srv, _ := newServer(t, 64<<10)
	ref := uploadText(t, srv.URL, "u1", "fox")

	cases := []struct {
		name   string
		url    string
		fields map[string]string
		file   part
		status int
		kind   string
	}{
		{"unknown document", "/upload_audio/missing", map[string]string{"uploader_id": "u2"}, part{"audio", "a.wav", wavFixture(t, 0.4)}, http.StatusNotFound, "not_found"},
		{"invalid audio", "/upload_audio/" + ref.PDFID, map[string]string{"uploader_id": "u2"}, part{"audio", "a.wav", []byte("definitely not audio, just some text")}, http.StatusBadRequest, "invalid_audio_format"},
		{"empty audio", "/upload_audio/" + ref.PDFID, map[string]string{"uploader_id": "u2"}, part{"audio", "a.wav", nil}, http.StatusBadRequest, "empty_audio"},
		{"missing uploader", "/upload_audio/" + ref.PDFID, nil, part{"audio", "a.wav", wavFixture(t, 0.4)}, http.StatusBadRequest, "invalid_input"},
		{"too large", "/upload_audio/" + ref.PDFID, map[string]string{"uploader_id": "u2"}, part{"audio", "a.wav", make([]byte, 65<<10)}, http.StatusRequestEntityTooLarge, "payload_too_large"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postForm(t, srv.URL+tc.url, tc.fields, tc.file)
			expectStatus(t, resp, tc.status)
			if body := decode[errorReply](t, resp); body.Kind != tc.kind {
				t.Fatalf("expected kind %s, got %+v", tc.kind, body)
			}
		})
	}
}

func TestListPDFs(t *testing.T) {
	srv, _ := newServer(t, 1<<20)
	for i := 0; i < 3; i++ {
		uploadText(t, srv.URL, "u1", fmt.Sprintf("text %d", i))
	}
	uploadText(t, srv.URL, "u2", "other")

	get := func(query string) store.Page {
		t.Helper()
		resp, err := http.Get(srv.URL + "/pdfs" + query)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		expectStatus(t, resp, http.StatusOK)
		return decode[store.Page](t, resp)
	}

	all := get("")
	if all.Total != 4 || len(all.Items) != 4 || all.Page != 1 || all.PageSize != 10 {
		t.Fatalf("unexpected listing %+v", all)
	}
	if all.Items[0].Text != "text 0" {
		t.Fatalf("expected insertion order, first item %q", all.Items[0].Text)
	}

	mine := get("?only_mine=true&user_id=u1&page=2&page_size=2")
	if mine.Total != 3 || len(mine.Items) != 1 || mine.Items[0].OwnerID != "u1" {
		t.Fatalf("unexpected filtered page %+v", mine)
	}

	if unfiltered := get("?user_id=u1"); unfiltered.Total != 4 {
		t.Fatalf("user_id without only_mine should not filter, got %d", unfiltered.Total)
	}

	resp, err := http.Get(srv.URL + "/pdfs?page=0")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	expectStatus(t, resp, http.StatusBadRequest)
}

func TestListPDFsOmitsPayloads(t *testing.T) {
	srv, _ := newServer(t, 1<<20)
	ref := uploadText(t, srv.URL, "u1", "brown fox")
	resp := postForm(t, srv.URL+"/upload_audio/"+ref.PDFID,
		map[string]string{"uploader_id": "u2"},
		part{"audio", "take.wav", wavFixture(t, 0.4)})
	expectStatus(t, resp, http.StatusOK)

	listing, err := http.Get(srv.URL + "/pdfs")
	if err != nil {
		t.Fatal(err)
	}
	defer listing.Body.Close()
	raw, err := io.ReadAll(listing.Body)
	if err != nil {
		t.Fatal(err)
	}
	body := string(raw)
	if !strings.Contains(body, `"audio_id"`) {
		t.Fatalf("expected the recording in the listing, got %s", body)
	}
	if strings.Contains(body, "audio_file_base64") || strings.Contains(body, "pdf_file_base64") {
		t.Fatalf("listing should leave payloads out, got %s", body)
	}
}

func TestGetPDFUnknown(t *testing.T) {
	srv, _ := newServer(t, 1<<20)
	resp, err := http.Get(srv.URL + "/pdf_data/nope")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusNotFound)
}
