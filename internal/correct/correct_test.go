package correct

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/loqalabs/loqa-recite/internal/config"
)

func TestPassthrough(t *testing.T) {
	c, err := New(config.CorrectionConfig{Mode: "passthrough"})
	if err != nil {
		t.Fatal(err)
	}
	got, err := c.Correct(context.Background(), "  the quick fox ")
	if err != nil || got != "  the quick fox " {
		t.Fatalf("expected unchanged text, got %q (%v)", got, err)
	}
}

func TestOllamaStreamsCorrection(t *testing.T) {
	var received ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		fmt.Fprintln(w, `{"response":"the quick ","done":false}`)
		fmt.Fprintln(w, "")
		fmt.Fprintln(w, `{"response":"fox","done":true}`)
	}))
	t.Cleanup(srv.Close)

	c, err := New(config.CorrectionConfig{Mode: "ollama", Endpoint: srv.URL + "/", Model: "tiny", TimeoutMS: 2000})
	if err != nil {
		t.Fatal(err)
	}
	got, err := c.Correct(context.Background(), "the quik fox")
	if err != nil {
		t.Fatalf("correct: %v", err)
	}
	if got != "the quick fox" {
		t.Fatalf("unexpected correction %q", got)
	}
	if received.Model != "tiny" || received.Prompt != "the quik fox" || !received.Stream {
		t.Fatalf("unexpected request %+v", received)
	}
}

func TestOllamaSkipsEmptyInput(t *testing.T) {
	c := NewOllama("http://127.0.0.1:1", "", nil)
	got, err := c.Correct(context.Background(), "   ")
	if err != nil || got != "   " {
		t.Fatalf("expected empty input returned untouched, got %q (%v)", got, err)
	}
}

func TestOllamaErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	c := NewOllama(srv.URL, "tiny", srv.Client())
	if _, err := c.Correct(context.Background(), "hello"); err == nil {
		t.Fatal("expected status error")
	}

	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"response":"","done":true}`)
	}))
	t.Cleanup(empty.Close)
	c = NewOllama(empty.URL, "tiny", empty.Client())
	if _, err := c.Correct(context.Background(), "hello"); err == nil {
		t.Fatal("expected empty correction error")
	}
}

func TestNewRejectsUnknownMode(t *testing.T) {
	if _, err := New(config.CorrectionConfig{Mode: "gpt"}); err == nil {
		t.Fatal("expected error")
	}
}
