package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/leash-dev/leash/internal/state"
)

func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *RedisBackend) {
	t.Helper()

	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	backend := NewRedisBackendFromClient(client, "test:", 0)

	t.Cleanup(func() {
		_ = backend.Close()
	})

	return mr, backend
}

func TestRedisBackend_SaveAndLoadSession(t *testing.T) {
	_, backend := setupMiniredis(t)
	ctx := context.Background()

	rec := testRecord("sess-123")
	if err := backend.SaveSession(ctx, rec); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	loaded, err := backend.LoadSession(ctx, "sess-123")
	if err != nil {
		t.Fatalf("LoadSession failed: %v", err)
	}
	if loaded.ID != rec.ID {
		t.Errorf("ID mismatch: got %s, want %s", loaded.ID, rec.ID)
	}
	if loaded.State != state.Created {
		t.Errorf("State mismatch: got %s, want %s", loaded.State, state.Created)
	}
}

func TestRedisBackend_LoadSession_NotFound(t *testing.T) {
	_, backend := setupMiniredis(t)

	_, err := backend.LoadSession(context.Background(), "nonexistent")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestRedisBackend_DeleteSession(t *testing.T) {
	_, backend := setupMiniredis(t)
	ctx := context.Background()

	rec := testRecord("sess-to-delete")
	if err := backend.SaveSession(ctx, rec); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	if err := backend.AppendEvent(ctx, "sess-to-delete", testEvent("sess-to-delete", 1, "hello")); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}

	if err := backend.DeleteSession(ctx, "sess-to-delete"); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}

	if _, err := backend.LoadSession(ctx, "sess-to-delete"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound after delete, got %v", err)
	}
	events, err := backend.ReadEvents(ctx, "sess-to-delete", 0, 0)
	if err != nil {
		t.Fatalf("ReadEvents failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected no events after delete, got %d", len(events))
	}
}

func TestRedisBackend_ListSessions(t *testing.T) {
	_, backend := setupMiniredis(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rec := testRecord(fmt.Sprintf("sess-%d", i))
		rec.LastActivityAt = time.Now().UTC().Add(time.Duration(i) * time.Minute)
		if err := backend.SaveSession(ctx, rec); err != nil {
			t.Fatalf("SaveSession failed: %v", err)
		}
	}

	sessions, err := backend.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(sessions))
	}
	if sessions[0].ID != "sess-2" {
		t.Errorf("expected sess-2 first, got %s", sessions[0].ID)
	}
}

func TestRedisBackend_AppendAndReadEvents(t *testing.T) {
	_, backend := setupMiniredis(t)
	ctx := context.Background()

	for seq := int64(1); seq <= 5; seq++ {
		if err := backend.AppendEvent(ctx, "sess-ev", testEvent("sess-ev", seq, fmt.Sprintf("line %d", seq))); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}

	events, err := backend.ReadEvents(ctx, "sess-ev", 2, 0)
	if err != nil {
		t.Fatalf("ReadEvents failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Seq != 3 {
		t.Errorf("first seq: got %d, want 3", events[0].Seq)
	}

	limited, err := backend.ReadEvents(ctx, "sess-ev", 0, 2)
	if err != nil {
		t.Fatalf("ReadEvents (limited) failed: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("expected 2 events with limit, got %d", len(limited))
	}
}

func TestRedisBackend_LastSeq(t *testing.T) {
	_, backend := setupMiniredis(t)
	ctx := context.Background()

	last, err := backend.LastSeq(ctx, "sess-empty")
	if err != nil {
		t.Fatalf("LastSeq (empty) failed: %v", err)
	}
	if last != 0 {
		t.Errorf("LastSeq on empty log: got %d, want 0", last)
	}

	for seq := int64(1); seq <= 4; seq++ {
		if err := backend.AppendEvent(ctx, "sess-seq", testEvent("sess-seq", seq, "x")); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}
	last, err = backend.LastSeq(ctx, "sess-seq")
	if err != nil {
		t.Fatalf("LastSeq failed: %v", err)
	}
	if last != 4 {
		t.Errorf("LastSeq: got %d, want 4", last)
	}
}

func TestRedisBackend_ClosedBackend(t *testing.T) {
	_, backend := setupMiniredis(t)
	if err := backend.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := backend.SaveSession(context.Background(), testRecord("sess-x")); !errors.Is(err, ErrStorageClosed) {
		t.Errorf("expected ErrStorageClosed, got %v", err)
	}
}
