package store

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStorePutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.Put(ctx, "job:1", []byte("hello"), 0); err != nil {
		t.Fatalf("Put: %v", err)
	}

	val, err := s.Get(ctx, "job:1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(val) != "hello" {
		t.Fatalf("got %q, want %q", val, "hello")
	}

	if err := s.Delete(ctx, "job:1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "job:1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemoryStoreTTLExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.Put(ctx, "agent:1", []byte("x"), 10*time.Millisecond); err != nil {
		t.Fatalf("Put: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if _, err := s.Get(ctx, "agent:1"); err != ErrNotFound {
		t.Fatalf("expected expired key to be gone, got %v", err)
	}
}

func TestMemoryStoreScan(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_ = s.Put(ctx, "job:1", []byte("a"), 0)
	_ = s.Put(ctx, "job:2", []byte("b"), 0)
	_ = s.Put(ctx, "agent:1", []byte("c"), 0)

	keys, err := s.Scan(ctx, "job:")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 job keys, got %d: %v", len(keys), keys)
	}
}

func TestMemoryStoreListOps(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for _, v := range []string{"j1", "j2", "j3"} {
		if err := s.ListPushTail(ctx, "queue:high", []byte(v)); err != nil {
			t.Fatalf("ListPushTail: %v", err)
		}
	}

	n, err := s.ListLen(ctx, "queue:high")
	if err != nil || n != 3 {
		t.Fatalf("ListLen = %d, %v, want 3, nil", n, err)
	}

	snap, err := s.ListSnapshot(ctx, "queue:high")
	if err != nil {
		t.Fatalf("ListSnapshot: %v", err)
	}
	if len(snap) != 3 || string(snap[0]) != "j1" {
		t.Fatalf("unexpected snapshot: %v", snap)
	}

	head, err := s.ListPopHead(ctx, "queue:high")
	if err != nil || string(head) != "j1" {
		t.Fatalf("ListPopHead = %q, %v, want j1, nil", head, err)
	}

	if err := s.ListReplace(ctx, "queue:high", [][]byte{[]byte("x"), []byte("y")}); err != nil {
		t.Fatalf("ListReplace: %v", err)
	}
	snap, _ = s.ListSnapshot(ctx, "queue:high")
	if len(snap) != 2 || string(snap[0]) != "x" || string(snap[1]) != "y" {
		t.Fatalf("unexpected snapshot after replace: %v", snap)
	}
}

func TestMemoryStoreListPopHeadEmpty(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.ListPopHead(ctx, "queue:low"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound popping empty list, got %v", err)
	}
}
