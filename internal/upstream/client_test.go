package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestClient(baseURL string) *Client {
	return NewClient(Options{
		BaseURL:     baseURL,
		APIKey:      "test-key",
		Model:       "test-model",
		MaxTokens:   64,
		IdleTimeout: 2 * time.Second,
	})
}

func sseChunk(content string) string {
	return fmt.Sprintf(`data: {"choices":[{"delta":{"content":%q}}]}`+"\n\n", content)
}

func TestStreamRelaysChunksInOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing bearer auth: %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseChunk("Hello"))
		fmt.Fprint(w, sseChunk(" there"))
		fmt.Fprint(w, `data: {"choices":[],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	var got []string
	usage, err := newTestClient(srv.URL).Stream(context.Background(), []Message{{Role: "user", Content: "hi"}}, func(c string) error {
		got = append(got, c)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0] != "Hello" || got[1] != " there" {
		t.Fatalf("unexpected chunks: %v", got)
	}
	if usage == nil || usage.TotalTokens != 7 {
		t.Fatalf("expected usage capture, got %+v", usage)
	}
}

func TestStreamEnforcesServerSideModel(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		body = string(raw)
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Stream(context.Background(), []Message{{Role: "user", Content: "hi"}}, func(string) error { return nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(body, `"model":"test-model"`) {
		t.Fatalf("request must pin the configured model, got %s", body)
	}
	if !strings.Contains(body, `"max_tokens":64`) {
		t.Fatalf("request must pin the configured token cap, got %s", body)
	}
}

func TestStreamClassifiesAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key"}}`)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Stream(context.Background(), []Message{{Role: "user", Content: "hi"}}, func(string) error { return nil })
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if !strings.Contains(err.Error(), "bad key") {
		t.Fatalf("expected upstream message in error, got %v", err)
	}
}

func TestStreamClassifiesRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Stream(context.Background(), []Message{{Role: "user", Content: "hi"}}, func(string) error { return nil })
	if !errors.Is(err, ErrUpstreamRateLimited) {
		t.Fatalf("expected ErrUpstreamRateLimited, got %v", err)
	}
}

func TestStreamInterruptedWithoutDoneMarker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sseChunk("partial"))
		// Body ends without [DONE].
	}))
	defer srv.Close()

	var got []string
	_, err := newTestClient(srv.URL).Stream(context.Background(), []Message{{Role: "user", Content: "hi"}}, func(c string) error {
		got = append(got, c)
		return nil
	})
	if !errors.Is(err, ErrStreamInterrupted) {
		t.Fatalf("expected ErrStreamInterrupted, got %v", err)
	}
	if len(got) != 1 || got[0] != "partial" {
		t.Fatalf("chunks before the cut must still be relayed, got %v", got)
	}
}

func TestStreamStopsWhenSinkFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sseChunk("one"))
		fmt.Fprint(w, sseChunk("two"))
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	sinkErr := errors.New("client went away")
	_, err := newTestClient(srv.URL).Stream(context.Background(), []Message{{Role: "user", Content: "hi"}}, func(string) error {
		return sinkErr
	})
	if !errors.Is(err, sinkErr) {
		t.Fatalf("expected sink error to propagate, got %v", err)
	}
}
