package fs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tendant/content-vault/pkg/vault"
)

func TestFSBackend_BasicOps(t *testing.T) {
	tmp := t.TempDir()
	backend, err := New(Config{BaseDir: tmp})
	if err != nil {
		t.Fatalf("new fs backend: %v", err)
	}

	ctx := context.Background()
	key := "processed-content/owner/derived/clip.mp4"
	data := []byte("hello fs")

	if err := backend.Upload(ctx, bytes.NewReader(data), vault.UploadParams{ObjectKey: key}); err != nil {
		t.Fatalf("upload: %v", err)
	}

	meta, err := backend.GetObjectMeta(ctx, key)
	if err != nil {
		t.Fatalf("get meta: %v", err)
	}
	if meta.Size != int64(len(data)) {
		t.Fatalf("expected size %d, got %d", len(data), meta.Size)
	}

	rc, err := backend.Download(ctx, key)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	got, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(got) != string(data) {
		t.Fatalf("download mismatch: %q", string(got))
	}

	// No temporary files are left next to the object.
	entries, err := os.ReadDir(filepath.Dir(filepath.Join(tmp, key)))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the object in its directory, found %d entries", len(entries))
	}

	if err := backend.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tmp, "processed-content")); !os.IsNotExist(err) {
		t.Fatalf("expected empty directories removed, stat err=%v", err)
	}
	if err := backend.Delete(ctx, key); !errors.Is(err, vault.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestFSBackend_MissingObject(t *testing.T) {
	backend, err := New(Config{BaseDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new fs backend: %v", err)
	}
	ctx := context.Background()

	if _, err := backend.Download(ctx, "a/b.txt"); !errors.Is(err, vault.ErrNotFound) {
		t.Fatalf("download: expected not found, got %v", err)
	}
	if _, err := backend.GetObjectMeta(ctx, "a/b.txt"); !errors.Is(err, vault.ErrNotFound) {
		t.Fatalf("meta: expected not found, got %v", err)
	}
}

func TestFSBackend_KeyEscape(t *testing.T) {
	backend, err := New(Config{BaseDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new fs backend: %v", err)
	}
	err = backend.Upload(context.Background(), strings.NewReader("x"), vault.UploadParams{ObjectKey: "../outside.txt"})
	if err == nil || !strings.Contains(err.Error(), "escapes base directory") {
		t.Fatalf("expected escape error, got %v", err)
	}
}

func TestFSBackend_URLMethods(t *testing.T) {
	ctx := context.Background()

	noPrefix, err := New(Config{BaseDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new fs backend: %v", err)
	}
	if _, err := noPrefix.GetDownloadURL(ctx, "k/file.mp4", ""); err == nil {
		t.Fatal("expected error without URL prefix")
	}

	withPrefix, err := New(Config{BaseDir: t.TempDir(), URLPrefix: "https://cdn.example.com/"})
	if err != nil {
		t.Fatalf("new fs backend: %v", err)
	}
	url, err := withPrefix.GetDownloadURL(ctx, "k/file.mp4", "")
	if err != nil {
		t.Fatalf("download url: %v", err)
	}
	if url != "https://cdn.example.com/download/k/file.mp4" {
		t.Fatalf("unexpected url %q", url)
	}
	url, err = withPrefix.GetDownloadURL(ctx, "k/file.mp4", "my take.mp4")
	if err != nil {
		t.Fatalf("download url: %v", err)
	}
	if url != "https://cdn.example.com/download/k/file.mp4?filename=my+take.mp4" {
		t.Fatalf("unexpected url %q", url)
	}
}

func TestFSBackend_RequiresBaseDir(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty base directory")
	}
}
