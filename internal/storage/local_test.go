package storage

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

func TestLocalPutGetDelete(t *testing.T) {
	store, err := NewLocal(t.TempDir(), "http://files.local/blobs/")
	if err != nil {
		t.Fatalf("NewLocal returned error: %v", err)
	}
	ctx := context.Background()
	data := []byte("%PDF-1.4\n% page\n")

	obj, err := store.Put(ctx, data, "application/pdf", "/jobs/job1/pages/")
	if err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	if !strings.HasPrefix(obj.Key, "jobs/job1/pages/") || !strings.HasSuffix(obj.Key, ".pdf") {
		t.Fatalf("unexpected key: %s", obj.Key)
	}
	if obj.URL != "http://files.local/blobs/"+obj.Key {
		t.Fatalf("unexpected url: %s", obj.URL)
	}

	got, err := store.Get(ctx, obj.Key)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("Get = %q, want %q", got, data)
	}

	if err := store.Delete(ctx, obj.Key); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if _, err := store.Get(ctx, obj.Key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.Delete(ctx, obj.Key); err != nil {
		t.Fatalf("second Delete should be a no-op, got %v", err)
	}
}

func TestLocalKeysAreUnique(t *testing.T) {
	store, err := NewLocal(t.TempDir(), "")
	if err != nil {
		t.Fatalf("NewLocal returned error: %v", err)
	}
	ctx := context.Background()
	a, err := store.Put(ctx, []byte("a"), "", "p")
	if err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	b, err := store.Put(ctx, []byte("a"), "", "p")
	if err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	if a.Key == b.Key {
		t.Fatalf("expected distinct keys, both %s", a.Key)
	}
}

func TestLocalRejectsEscapingKey(t *testing.T) {
	root := t.TempDir()
	store, err := NewLocal(root, "")
	if err != nil {
		t.Fatalf("NewLocal returned error: %v", err)
	}
	if _, err := store.Get(context.Background(), "../../etc/passwd"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected lookup to stay under root, got %v", err)
	}
}
