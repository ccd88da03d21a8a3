package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/arkantrust/donation-settlement/store"
)

type record struct {
	ID     string `json:"id"`
	Owner  string `json:"owner"`
	Status string `json:"status"`
	Count  int    `json:"count"`
}

func newTestStore(t *testing.T) *store.BoltStore {
	t.Helper()
	dir := t.TempDir()
	s, err := store.NewBolt(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "records", "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateIdempotency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, created, err := store.CreateDoc(ctx, s, "records", "r1", &record{ID: "r1", Owner: "alice"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created {
		t.Fatal("expected created=true on first call")
	}

	// Second call with same ID – should return existing, no write.
	second, created, err := store.CreateDoc(ctx, s, "records", "r1", &record{ID: "r1", Owner: "mallory"})
	if err != nil {
		t.Fatalf("unexpected error on retry: %v", err)
	}
	if created {
		t.Fatal("expected created=false on duplicate call")
	}
	if second.Owner != first.Owner {
		t.Fatalf("expected stored owner %q, got %q", first.Owner, second.Owner)
	}
}

func TestModifyWriteAvoidance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := store.PutDoc(ctx, s, "records", "r2", record{ID: "r2", Status: "pending"}); err != nil {
		t.Fatalf("put: %v", err)
	}

	complete := func(r *record) (bool, error) {
		if r.Status == "completed" {
			return false, nil
		}
		r.Status = "completed"
		r.Count++
		return true, nil
	}

	got, written, err := store.ModifyDoc(ctx, s, "records", "r2", complete)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !written || got.Count != 1 {
		t.Fatalf("expected first modify to write, got written=%v count=%d", written, got.Count)
	}

	got, written, err = store.ModifyDoc(ctx, s, "records", "r2", complete)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if written {
		t.Fatal("expected written=false when nothing changed")
	}
	if got.Count != 1 {
		t.Fatalf("expected count to stay 1, got %d", got.Count)
	}
}

func TestModifyNotFound(t *testing.T) {
	s := newTestStore(t)
	_, _, err := store.ModifyDoc(context.Background(), s, "records", "nope", func(*record) (bool, error) {
		return true, nil
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestModifyConcurrentFirstWriterWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := store.PutDoc(ctx, s, "records", "race", record{ID: "race", Status: "pending"}); err != nil {
		t.Fatalf("put: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	writes := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, written, err := store.ModifyDoc(ctx, s, "records", "race", func(r *record) (bool, error) {
				if r.Status == "completed" {
					return false, nil
				}
				r.Status = "completed"
				r.Count++
				return true, nil
			})
			if err != nil {
				t.Errorf("modify: %v", err)
				return
			}
			if written {
				mu.Lock()
				writes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if writes != 1 {
		t.Fatalf("expected exactly one winning write, got %d", writes)
	}
	got, err := store.GetDoc[record](ctx, s, "records", "race")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Count != 1 {
		t.Fatalf("expected count 1, got %d", got.Count)
	}
}

func TestQueryByField(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, r := range []record{
		{ID: "a", Owner: "alice", Count: 1},
		{ID: "b", Owner: "bob", Count: 2},
		{ID: "c", Owner: "alice", Count: 3},
	} {
		if err := store.PutDoc(ctx, s, "records", r.ID, r); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	got, err := store.QueryDocs[record](ctx, s, "records", "owner", "alice")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}

	byCount, err := store.QueryDocs[record](ctx, s, "records", "count", 2)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(byCount) != 1 || byCount[0].ID != "b" {
		t.Fatalf("expected record b, got %+v", byCount)
	}

	empty, err := store.QueryDocs[record](ctx, s, "unknown", "owner", "alice")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected no results from missing collection, got %d", len(empty))
	}
}

func TestUpdateMergeCreatesAndKeepsFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := store.UpdateMerge(ctx, s, "users", "u1", map[string]any{"walletAddress": "rA"}); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if err := store.UpdateMerge(ctx, s, "users", "u1", map[string]any{"name": "alice"}); err != nil {
		t.Fatalf("merge: %v", err)
	}

	raw, err := s.Get(ctx, "users", "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var fields map[string]string
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if fields["walletAddress"] != "rA" || fields["name"] != "alice" {
		t.Fatalf("unexpected merged document: %v", fields)
	}
}

func TestDeleteIdempotency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := store.PutDoc(ctx, s, "records", "del-id", record{ID: "del-id"}); err != nil {
		t.Fatalf("put: %v", err)
	}

	// First delete – record exists.
	if err := s.Delete(ctx, "records", "del-id"); err != nil {
		t.Fatalf("unexpected error on first delete: %v", err)
	}

	// Second delete – record already gone, should still succeed.
	if err := s.Delete(ctx, "records", "del-id"); err != nil {
		t.Fatalf("unexpected error on second delete: %v", err)
	}
}
