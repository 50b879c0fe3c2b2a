package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/minio/minio-go/v7"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.Put(ctx, "a/b.json", strings.NewReader(`{"ok":true}`), 11, "application/json"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if !s.Has("a/b.json") {
		t.Fatalf("expected key to exist")
	}
	rc, err := s.Get(ctx, "a/b.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != `{"ok":true}` {
		t.Fatalf("unexpected data %q", data)
	}

	if err := s.Delete(ctx, "a/b.json"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, "a/b.json"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestMemoryStoreHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewMemoryStore()
	if err := s.Put(ctx, "k", strings.NewReader("v"), 1, "text/plain"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestTranslateMissingKey(t *testing.T) {
	err := translate(minio.ErrorResponse{Code: "NoSuchKey", Message: "The specified key does not exist."})
	if !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
	other := minio.ErrorResponse{Code: "AccessDenied"}
	if err := translate(other); errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("unexpected not found for %v", err)
	}
}

func TestNewMinioStoreRequiresBucket(t *testing.T) {
	if _, err := NewMinioStore(context.Background(), MinioConfig{Endpoint: "localhost:9000"}); err == nil {
		t.Fatalf("expected error without bucket")
	}
}
