package artifact

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLocalStore_PutOpen(t *testing.T) {
	dir := t.TempDir()
	s, err := NewLocalStore(dir, "http://nginx/audios/")
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	ctx := context.Background()

	ref, err := s.Put(ctx, "tts/a.wav", strings.NewReader("RIFF"), "audio/wav")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ref.Key != "tts/a.wav" || ref.URL != "http://nginx/audios/tts/a.wav" {
		t.Fatalf("ref = %+v", ref)
	}
	if _, err := os.Stat(filepath.Join(dir, "tts", "a.wav")); err != nil {
		t.Fatalf("file not written: %v", err)
	}

	rc, ct, err := s.Open(ctx, "tts/a.wav")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "RIFF" || ct != "audio/wav" {
		t.Fatalf("Open = %q,%q", data, ct)
	}

	if _, _, err := s.Open(ctx, "tts/missing.wav"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Open missing: %v", err)
	}
}

func TestLocalStore_KeysStayInsideBase(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewLocalStore(filepath.Join(dir, "base"), "http://x")
	if _, err := s.Put(context.Background(), "../../escape.wav", strings.NewReader("x"), ""); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "base", "escape.wav")); err != nil {
		t.Fatalf("key not confined to base dir: %v", err)
	}
	if _, err := s.Put(context.Background(), "", strings.NewReader("x"), ""); err == nil {
		t.Fatalf("empty key accepted")
	}
}

func TestS3Store_URL(t *testing.T) {
	s := &S3Store{cfg: S3Config{Bucket: "b", Region: "us-east-1"}}
	if got := s.URL("k.wav"); got != "https://b.s3.us-east-1.amazonaws.com/k.wav" {
		t.Fatalf("URL = %q", got)
	}
	s.cfg.Endpoint = "http://minio:9000/"
	if got := s.URL("k.wav"); got != "http://minio:9000/b/k.wav" {
		t.Fatalf("URL = %q", got)
	}
	s.cfg.PublicURL = "https://cdn.example.com"
	if got := s.URL("k.wav"); got != "https://cdn.example.com/k.wav" {
		t.Fatalf("URL = %q", got)
	}
}
