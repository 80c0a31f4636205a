package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/christianlouis/document-processor/internal/core/domain"
	"github.com/christianlouis/document-processor/internal/core/ports"
)

func TestCompleteSendsSystemPromptInJSONMode(t *testing.T) {
	var payload map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"response":" {\"title\":\"Invoice\"} "}`))
	}))
	defer server.Close()

	client := New(server.URL, "llama3")
	out, err := client.Complete(context.Background(), ports.CompletionRequest{System: "system rules", Prompt: "document text", JSON: true})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if out != `{"title":"Invoice"}` {
		t.Fatalf("unexpected response %q", out)
	}
	if payload["format"] != "json" || payload["system"] != "system rules" || payload["model"] != "llama3" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestCompleteIncludesHTTPBodyInError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model unavailable", http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := New(server.URL, "gen").Complete(context.Background(), ports.CompletionRequest{Prompt: "hello"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "model unavailable") {
		t.Fatalf("expected response body in error, got %v", err)
	}
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected 502 to be temporary, got %v", err)
	}
}
