package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestValidateKey(t *testing.T) {
	valid := []string{"messages/a_b/m1/photo.png", "prints/s1/p1/worksheet.pdf"}
	for _, key := range valid {
		if err := ValidateKey(key); err != nil {
			t.Fatalf("ValidateKey(%q): %v", key, err)
		}
	}
	invalid := []string{"", "/abs", "a//b", "a/../b", "../x", "a/./b", `a\b`, "a/"}
	for _, key := range invalid {
		if err := ValidateKey(key); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("ValidateKey(%q) = %v, want ErrInvalidKey", key, err)
		}
	}
}

func TestSafeName(t *testing.T) {
	tests := map[string]string{
		"report.pdf":            "report.pdf",
		"../../etc/passwd":      "passwd",
		`C:\Users\me\photo.jpg`: "photo.jpg",
		"  ":                    "file",
		"..":                    "file",
		"bad\x00name.txt":       "badname.txt",
		"dir/":                  "dir",
	}
	for in, want := range tests {
		if got := SafeName(in, "file"); got != want {
			t.Fatalf("SafeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir, "http://localhost:8081/files/")
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	ctx := context.Background()
	key := Key("messages", "alice_bob", "m1", "my photo.png")
	if err := fs.Put(ctx, key, strings.NewReader("png-bytes"), 9, "image/png"); err != nil {
		t.Fatalf("put: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "messages", "alice_bob", "m1", "my photo.png"))
	if err != nil || string(data) != "png-bytes" {
		t.Fatalf("unexpected file contents %q err=%v", data, err)
	}
	url, err := fs.PresignGet(ctx, key, time.Hour)
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	if url != "http://localhost:8081/files/messages/alice_bob/m1/my%20photo.png" {
		t.Fatalf("unexpected url %q", url)
	}
	if err := fs.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := fs.Delete(ctx, key); err != nil {
		t.Fatalf("second delete should be a no-op: %v", err)
	}
	if _, err := fs.PresignGet(ctx, key, time.Hour); err == nil {
		t.Fatalf("expected presign of deleted blob to fail")
	}
}

func TestFileStoreRejectsTraversal(t *testing.T) {
	fs, err := NewFileStore(t.TempDir(), "")
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	if err := fs.Put(context.Background(), "../escape.txt", strings.NewReader("x"), 1, ""); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()
	if err := ms.Put(ctx, "prints/s1/p1/a.pdf", strings.NewReader("%PDF"), 4, "application/pdf"); err != nil {
		t.Fatalf("put: %v", err)
	}
	obj, ok := ms.Get("prints/s1/p1/a.pdf")
	if !ok || string(obj.Data) != "%PDF" || obj.ContentType != "application/pdf" {
		t.Fatalf("unexpected object %+v ok=%v", obj, ok)
	}
	if _, err := ms.PresignGet(ctx, "prints/s1/p1/a.pdf", time.Minute); err != nil {
		t.Fatalf("presign: %v", err)
	}
	if err := ms.Delete(ctx, "prints/s1/p1/a.pdf"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if keys := ms.Keys(); len(keys) != 0 {
		t.Fatalf("expected empty store, got %v", keys)
	}
}
