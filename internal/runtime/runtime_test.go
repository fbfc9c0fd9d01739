package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-recite/internal/config"
	"github.com/loqalabs/loqa-recite/internal/protocol"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Store.Path = filepath.Join(dir, "recite.db")
	cfg.Audio.TempDir = filepath.Join(dir, "tmp")
	cfg.STT.PoolSize = 2
	cfg.STT.MockTranscript = "in the beginning"
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startRuntime(t *testing.T, cfg config.Config) (*Runtime, *httptest.Server) {
	t.Helper()
	rt := New(cfg, quietLogger())
	if err := rt.init(context.Background()); err != nil {
		rt.shutdown()
		t.Fatalf("init: %v", err)
	}
	rt.ready.Store(true)
	srv := httptest.NewServer(rt.router())
	t.Cleanup(func() {
		srv.Close()
		rt.shutdown()
	})
	return rt, srv
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestProbesAndMetrics(t *testing.T) {
	rt, srv := startRuntime(t, testConfig(t))

	if code, _ := get(t, srv.URL+"/healthz"); code != http.StatusOK {
		t.Fatalf("healthz: %d", code)
	}
	if code, _ := get(t, srv.URL+"/readyz"); code != http.StatusOK {
		t.Fatalf("readyz: %d", code)
	}
	code, body := get(t, srv.URL+"/metrics")
	if code != http.StatusOK || !strings.Contains(body, "recite_stt_pool_available") {
		t.Fatalf("metrics missing pool gauge: %d", code)
	}

	rt.ready.Store(false)
	if code, _ := get(t, srv.URL+"/readyz"); code != http.StatusServiceUnavailable {
		t.Fatalf("expected not ready, got %d", code)
	}
}

func TestPoolSizeDefaultsToCPUCount(t *testing.T) {
	cfg := testConfig(t)
	cfg.STT.PoolSize = 0
	rt, _ := startRuntime(t, cfg)
	if rt.pool.Size() < 1 {
		t.Fatalf("expected at least one recognizer, got %d", rt.pool.Size())
	}
}

func TestReferenceUploadThroughRouter(t *testing.T) {
	_, srv := startRuntime(t, testConfig(t))

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("user_id", "u1")
	_ = mw.WriteField("text", "in the beginning")
	_ = mw.Close()
	resp, err := http.Post(srv.URL+"/upload_pdf", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload_pdf: %d", resp.StatusCode)
	}

	code, listing := get(t, srv.URL+"/pdfs")
	if code != http.StatusOK || !strings.Contains(listing, `"total":1`) {
		t.Fatalf("unexpected listing %d %s", code, listing)
	}
}

func TestEmbeddedBus(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = filepath.Join(t.TempDir(), "nats")
	rt, srv := startRuntime(t, cfg)

	if rt.bus == nil || rt.busSvc == nil {
		t.Fatal("expected bus to be wired")
	}
	if code, _ := get(t, srv.URL+"/readyz"); code != http.StatusOK {
		t.Fatalf("readyz with bus: %d", code)
	}

	data, _ := json.Marshal(protocol.SubmitReferenceRequest{UserID: "u1", Text: "in the beginning"})
	msg, err := rt.bus.Conn().Request(protocol.SubjectReferenceSubmit, data, 5*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var reply protocol.SubmitReferenceReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Error != nil || reply.PDFID == "" {
		t.Fatalf("unexpected reply %+v", reply)
	}

	code, doc := get(t, srv.URL+"/pdf_data/"+reply.PDFID)
	if code != http.StatusOK || !strings.Contains(doc, `"user_id":"u1"`) {
		t.Fatalf("document not visible over http: %d", code)
	}

	if _, err := rt.bus.JetStream().StreamInfo(recordingsStream); err != nil {
		t.Fatalf("expected recordings stream: %v", err)
	}
}

func TestInitFailsOnUnknownRecognizer(t *testing.T) {
	cfg := testConfig(t)
	cfg.STT.Mode = "bogus"
	rt := New(cfg, quietLogger())
	err := rt.init(context.Background())
	rt.shutdown()
	if err == nil || !strings.Contains(err.Error(), "stt") {
		t.Fatalf("expected stt pool error, got %v", err)
	}
	if rt.store == nil {
		t.Fatal("store should have been opened before the failure")
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(config.TelemetryConfig{LogLevel: "warn", LogFormat: "json"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", slog.String("k", "v"))
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"k":"v"`) {
		t.Fatalf("unexpected json output %q", out)
	}

	buf.Reset()
	text := NewLogger(config.TelemetryConfig{LogLevel: "debug", LogFormat: "text"}, &buf)
	text.Debug("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Fatalf("expected debug line, got %q", buf.String())
	}

	if parseLevel("bogus") != slog.LevelInfo {
		t.Fatal("unknown level should fall back to info")
	}
}
