package mutationq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	r "github.com/redis/go-redis/v9"
)

// runStoreSuite checks the DataStore contract against a fresh store.
func runStoreSuite(t *testing.T, open func(t *testing.T) DataStore) {
	ctx := context.Background()

	t.Run("SaveAndGet", func(t *testing.T) {
		s := open(t)
		op := pendingOp("a", 1000)
		op.Type = TypeUpdate
		op.Filters = Filters{"id": 7, FilterSelect: "id,title"}
		op.QueryKey = []string{"todos", "7"}
		op.OptimisticUpdate = json.RawMessage(`{"title":"optimistic"}`)
		op.Error = "previous failure"
		op.RetryCount = 2

		if err := s.Save(ctx, op); err != nil {
			t.Fatalf("save: %v", err)
		}
		got, err := s.Get(ctx, "a")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Type != TypeUpdate || got.Table != "todos" || got.Status != StatusPending {
			t.Errorf("unexpected identity fields: %+v", got)
		}
		if string(got.Payload) != string(op.Payload) {
			t.Errorf("expected payload %s, got %s", op.Payload, got.Payload)
		}
		if fmt.Sprint(got.Filters["id"]) != "7" || got.Filters.Select() != "id,title" {
			t.Errorf("unexpected filters: %v", got.Filters)
		}
		if len(got.QueryKey) != 2 || got.QueryKey[1] != "7" {
			t.Errorf("unexpected query key: %v", got.QueryKey)
		}
		if string(got.OptimisticUpdate) != `{"title":"optimistic"}` {
			t.Errorf("unexpected optimistic update: %s", got.OptimisticUpdate)
		}
		if got.Timestamp != 1000 || got.RetryCount != 2 || got.MaxRetries != 3 || got.Error != "previous failure" {
			t.Errorf("unexpected retry fields: %+v", got)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := open(t)
		if _, err := s.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("SaveIsIdempotentUpsert", func(t *testing.T) {
		s := open(t)
		op := pendingOp("a", 1)
		for i := 0; i < 2; i++ {
			if err := s.Save(ctx, op); err != nil {
				t.Fatalf("save %d: %v", i, err)
			}
		}
		op.Status = StatusRetrying
		op.RetryCount = 1
		if err := s.Save(ctx, op); err != nil {
			t.Fatalf("save update: %v", err)
		}

		all, err := s.List(ctx, ListOpts{})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(all) != 1 {
			t.Fatalf("expected 1 record, got %d", len(all))
		}
		if all[0].Status != StatusRetrying || all[0].RetryCount != 1 {
			t.Errorf("expected retrying/1, got %s/%d", all[0].Status, all[0].RetryCount)
		}
		pending, err := s.List(ctx, ListOpts{Status: StatusPending})
		if err != nil {
			t.Fatalf("list pending: %v", err)
		}
		if len(pending) != 0 {
			t.Errorf("expected stale status index cleared, got %d pending", len(pending))
		}
	})

	t.Run("ListOrderAndFilters", func(t *testing.T) {
		s := open(t)
		ops := []Operation{pendingOp("c", 30), pendingOp("a", 10), pendingOp("b", 20), pendingOp("d", 40)}
		ops[2].Table = "users"
		ops[3].Status = StatusFailed
		for _, op := range ops {
			if err := s.Save(ctx, op); err != nil {
				t.Fatalf("save: %v", err)
			}
		}

		all, err := s.List(ctx, ListOpts{})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if ids := opIDs(all); ids != "a,b,c,d" {
			t.Errorf("expected timestamp order a,b,c,d, got %s", ids)
		}

		pending, _ := s.List(ctx, ListOpts{Status: StatusPending})
		if ids := opIDs(pending); ids != "a,b,c" {
			t.Errorf("expected pending a,b,c, got %s", ids)
		}
		todos, _ := s.List(ctx, ListOpts{Table: "todos"})
		if ids := opIDs(todos); ids != "a,c,d" {
			t.Errorf("expected todos a,c,d, got %s", ids)
		}
		both, _ := s.List(ctx, ListOpts{Status: StatusPending, Table: "todos"})
		if ids := opIDs(both); ids != "a,c" {
			t.Errorf("expected pending todos a,c, got %s", ids)
		}
		limited, _ := s.List(ctx, ListOpts{Limit: 2})
		if ids := opIDs(limited); ids != "a,b" {
			t.Errorf("expected limit a,b, got %s", ids)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		s := open(t)
		if err := s.Save(ctx, pendingOp("a", 1)); err != nil {
			t.Fatalf("save: %v", err)
		}
		if err := s.Delete(ctx, "a"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if err := s.Delete(ctx, "a"); err != nil {
			t.Errorf("delete of absent id should be a no-op, got %v", err)
		}
		all, _ := s.List(ctx, ListOpts{})
		if len(all) != 0 {
			t.Errorf("expected empty list, got %d", len(all))
		}
	})

	t.Run("ClearCompletedAndPrune", func(t *testing.T) {
		s := open(t)
		for i := 1; i <= 5; i++ {
			op := pendingOp(fmt.Sprintf("c%d", i), int64(i))
			op.Status = StatusCompleted
			if err := s.Save(ctx, op); err != nil {
				t.Fatalf("save: %v", err)
			}
		}
		if err := s.Save(ctx, pendingOp("p", 100)); err != nil {
			t.Fatalf("save: %v", err)
		}

		n, err := s.PruneCompleted(ctx, 2)
		if err != nil {
			t.Fatalf("prune: %v", err)
		}
		if n != 3 {
			t.Errorf("expected 3 pruned, got %d", n)
		}
		completed, _ := s.List(ctx, ListOpts{Status: StatusCompleted})
		if ids := opIDs(completed); ids != "c4,c5" {
			t.Errorf("expected newest c4,c5 kept, got %s", ids)
		}

		n, err = s.ClearCompleted(ctx)
		if err != nil {
			t.Fatalf("clear completed: %v", err)
		}
		if n != 2 {
			t.Errorf("expected 2 cleared, got %d", n)
		}
		all, _ := s.List(ctx, ListOpts{})
		if ids := opIDs(all); ids != "p" {
			t.Errorf("expected only pending left, got %s", ids)
		}
	})

	t.Run("Clear", func(t *testing.T) {
		s := open(t)
		for _, id := range []string{"a", "b"} {
			if err := s.Save(ctx, pendingOp(id, 1)); err != nil {
				t.Fatalf("save: %v", err)
			}
		}
		if err := s.Clear(ctx); err != nil {
			t.Fatalf("clear: %v", err)
		}
		all, _ := s.List(ctx, ListOpts{})
		if len(all) != 0 {
			t.Errorf("expected empty store, got %d", len(all))
		}
		if err := s.Save(ctx, pendingOp("c", 1)); err != nil {
			t.Fatalf("save after clear: %v", err)
		}
	})
}

func opIDs(ops []Operation) string {
	ids := ""
	for i, op := range ops {
		if i > 0 {
			ids += ","
		}
		ids += op.ID
	}
	return ids
}

func TestMockStore_Contract(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) DataStore { return newMockStore() })
}

func TestSQLiteStore_Contract(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) DataStore {
		s, err := OpenSQLiteStore(t.TempDir())
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestPebbleStore_Contract(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) DataStore {
		s, err := OpenPebbleStore(t.TempDir())
		if err != nil {
			t.Fatalf("open pebble: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestRedisStore_Contract(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping integration test")
	}
	runStoreSuite(t, func(t *testing.T) DataStore {
		rdb := r.NewClient(&r.Options{Addr: addr})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			t.Fatalf("connect redis: %v", err)
		}
		s := NewRedisStore(rdb, fmt.Sprintf("mutationq-test-%d", time.Now().UnixNano()))
		t.Cleanup(func() {
			s.Clear(context.Background())
			s.Close()
		})
		return s
	})
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := OpenSQLiteStore(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Save(ctx, pendingOp("durable", 1)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = OpenSQLiteStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, err := s.Get(ctx, "durable")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("expected pending after reopen, got %s", got.Status)
	}
}

func TestPebbleStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := OpenPebbleStore(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Save(ctx, pendingOp("durable", 1)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = OpenPebbleStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	pending, err := s.List(ctx, ListOpts{Status: StatusPending})
	if err != nil {
		t.Fatalf("list after reopen: %v", err)
	}
	if ids := opIDs(pending); ids != "durable" {
		t.Errorf("expected durable pending after reopen, got %q", ids)
	}
}

// A queue restarted on the same SQLite file replays what the previous
// process left pending.
func TestManager_DurableAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := OpenSQLiteStore(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	offline := NewStaticConnectivity(false)
	m := NewManager(store, newMockBackend(), testConfig(), WithScheduler(&fakeScheduler{}), WithConnectivity(offline))
	id, err := m.QueueInsert(ctx, "todos", map[string]any{"title": "survive"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	m.Destroy()
	store.Close()

	store, err = OpenSQLiteStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()
	backend := newMockBackend()
	m = NewManager(store, backend, testConfig(), WithScheduler(&fakeScheduler{}))
	defer m.Destroy()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	m.WaitIdle()

	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("expected completed after restart, got %s", got.Status)
	}
	if backend.callCount() != 1 {
		t.Errorf("expected 1 replay, got %d", backend.callCount())
	}
}
