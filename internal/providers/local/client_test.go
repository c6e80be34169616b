package local

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestEditPostsImageAndPrompt(t *testing.T) {
	var got editRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/ai-edit" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte("\x89PNG\r\n\x1a\n0000"))
	}))
	defer srv.Close()

	data, mime, err := NewClient(srv.URL+"/", nil).Edit(context.Background(), "http://files/a.jpg", "white backdrop")
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if got.ImageURL != "http://files/a.jpg" || got.Prompt != "white backdrop" || got.Model != "local" {
		t.Fatalf("request = %+v", got)
	}
	if mime != "image/png" || len(data) == 0 {
		t.Fatalf("mime = %q, %d bytes", mime, len(data))
	}
}

func TestEditStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, _, err := NewClient(srv.URL, nil).Edit(context.Background(), "http://files/a.jpg", "x")
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusServiceUnavailable || statusErr.Body != "model not loaded" {
		t.Fatalf("status error = %+v", statusErr)
	}
}

func TestEditEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if _, _, err := NewClient(srv.URL, nil).Edit(context.Background(), "http://files/a.jpg", "x"); err == nil {
		t.Fatal("expected error for empty body")
	}
}

func TestNewClientDefaultsBaseURL(t *testing.T) {
	if c := NewClient("  ", nil); c.baseURL != DefaultBaseURL {
		t.Fatalf("baseURL = %q", c.baseURL)
	}
}
