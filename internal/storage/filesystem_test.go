package storage

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestFileStoreWriteRead(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), "https://cdn.example.com/static/")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	key, err := store.Write(ctx, "/outputs/job-1/img-1-r1.png", []byte("png"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if key != "outputs/job-1/img-1-r1.png" {
		t.Fatalf("key = %q", key)
	}
	data, err := store.Read(ctx, key)
	if err != nil || string(data) != "png" {
		t.Fatalf("read = %q, %v", data, err)
	}
	if got := store.URL(key); got != "https://cdn.example.com/static/outputs/job-1/img-1-r1.png" {
		t.Fatalf("url = %q", got)
	}
	if _, err := store.Read(ctx, "outputs/missing.png"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSanitizeKeyRejectsTraversal(t *testing.T) {
	for _, key := range []string{"", "  ", "../etc/passwd", "a/../../b", "."} {
		if _, err := sanitizeKey(key); err == nil {
			t.Errorf("sanitizeKey(%q) expected error", key)
		}
	}
	if got, err := sanitizeKey(`.\outputs\a.png`); err != nil || got != "outputs/a.png" {
		t.Fatalf("sanitizeKey = %q, %v", got, err)
	}
}

func TestFileStoreHandler(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), "")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := store.Write(context.Background(), "outputs/a.png", []byte("img")); err != nil {
		t.Fatalf("write: %v", err)
	}
	rec := httptest.NewRecorder()
	store.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/outputs/a.png", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "img" {
		t.Fatalf("handler status %d body %q", rec.Code, rec.Body.String())
	}
	if store.URL("outputs/a.png") != "outputs/a.png" {
		t.Fatal("URL without base should return the key")
	}
}

func TestFileStoreHandlerHidesDirectories(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), "")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := store.Write(context.Background(), "outputs/job-1/a.png", []byte("img")); err != nil {
		t.Fatalf("write: %v", err)
	}
	for _, path := range []string{"/outputs/", "/outputs/job-1", "/outputs/.upload-1", "/"} {
		rec := httptest.NewRecorder()
		store.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", path, rec.Code)
		}
	}
}

func TestFileStoreOverwriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, "")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	for _, body := range []string{"first", "second"} {
		if _, err := store.Write(ctx, "outputs/a.png", []byte(body)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	data, err := store.Read(ctx, "outputs/a.png")
	if err != nil || string(data) != "second" {
		t.Fatalf("read = %q, %v", data, err)
	}
	entries, err := os.ReadDir(filepath.Join(dir, "outputs"))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
}
