package ai

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func sseServer(t *testing.T, lines []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("unexpected auth header %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, l := range lines {
			fmt.Fprintf(w, "%s\n\n", l)
		}
	}))
}

func collect(t *testing.T, chunks <-chan Chunk, errs <-chan error) (string, error) {
	t.Helper()
	var b strings.Builder
	for c := range chunks {
		b.WriteString(c.Content)
	}
	return b.String(), <-errs
}

func TestStreamChatParsesDeltas(t *testing.T) {
	srv := sseServer(t, []string{
		`data: {"choices":[{"delta":{"content":"Hel"}}]}`,
		`data: {"choices":[{"delta":{"content":"lo!"}}]}`,
		`data: {"choices":[{"delta":{}}]}`,
		`data: [DONE]`,
	})
	defer srv.Close()

	p := NewOpenRouterProvider(srv.URL, "sk-test", "test-model", "", "")
	chunks, errs := p.StreamChat(context.Background(), []Message{{Role: "user", Content: "Hi"}})
	got, err := collect(t, chunks, errs)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if got != "Hello!" {
		t.Fatalf("expected %q, got %q", "Hello!", got)
	}
}

func TestStreamChatSurfacesErrorPayload(t *testing.T) {
	srv := sseServer(t, []string{
		`data: {"choices":[{"delta":{"content":"Par"}}]}`,
		`data: {"error":{"message":"upstream exploded"}}`,
	})
	defer srv.Close()

	p := NewOpenRouterProvider(srv.URL, "sk-test", "test-model", "", "")
	chunks, errs := p.StreamChat(context.Background(), nil)
	got, err := collect(t, chunks, errs)
	if err == nil || !strings.Contains(err.Error(), "upstream exploded") {
		t.Fatalf("expected error payload surfaced, got %v", err)
	}
	if got != "Par" {
		t.Fatalf("chunks before the error lost: %q", got)
	}
}

func TestStreamChatBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	p := NewOpenRouterProvider(srv.URL, "sk-test", "test-model", "", "")
	chunks, errs := p.StreamChat(context.Background(), nil)
	_, err := collect(t, chunks, errs)
	if err == nil || !strings.Contains(err.Error(), "model not found") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestStreamChatRequiresKey(t *testing.T) {
	p := NewOpenRouterProvider("http://localhost:0", "", "test-model", "", "")
	chunks, errs := p.StreamChat(context.Background(), nil)
	_, err := collect(t, chunks, errs)
	if err == nil {
		t.Fatalf("expected validation error without api key")
	}
}

func TestChatNonStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"Hello!"}}]}`)
	}))
	defer srv.Close()

	p := NewOpenRouterProvider(srv.URL, "sk-test", "test-model", "", "")
	got, err := p.Chat(context.Background(), []Message{{Role: "user", Content: "Hi"}})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if got != "Hello!" {
		t.Fatalf("expected %q, got %q", "Hello!", got)
	}
}
