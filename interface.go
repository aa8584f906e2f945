package mutationq

import (
	"context"
	"encoding/json"
	"time"
)

// DataStore is the durable local table of operations.
// Implementations: *SQLiteStore, *PebbleStore, *RedisStore.
type DataStore interface {
	// Save upserts op by ID atomically.
	Save(ctx context.Context, op Operation) error
	Get(ctx context.Context, id string) (*Operation, error)
	// List returns operations ordered by timestamp ascending.
	List(ctx context.Context, opts ListOpts) ([]Operation, error)
	// Delete removes an operation; absent ids are not an error.
	Delete(ctx context.Context, id string) error
	ClearCompleted(ctx context.Context) (int, error)
	// PruneCompleted keeps the keep most recent completed operations and
	// deletes the rest, oldest first.
	PruneCompleted(ctx context.Context, keep int) (int, error)
	Clear(ctx context.Context) error
	Close() error
}

// ListOpts filters a List query. Zero values match everything; Limit <= 0
// means no limit.
type ListOpts struct {
	Status Status
	Table  string
	Limit  int
}

func (o ListOpts) matches(op Operation) bool {
	if o.Status != "" && op.Status != o.Status {
		return false
	}
	if o.Table != "" && op.Table != o.Table {
		return false
	}
	return true
}

// Row is a single record exchanged with the remote backend.
type Row = map[string]any

// Backend is the remote row-oriented data service the queue replays into.
// returning is a comma separated projection, "*" for all columns, or "" for
// no returned rows.
type Backend interface {
	Insert(ctx context.Context, table string, rows []Row, returning string) ([]Row, error)
	Update(ctx context.Context, table string, set Row, filters map[string]any, returning string) ([]Row, error)
	Delete(ctx context.Context, table string, filters map[string]any, returning string) ([]Row, error)
	Upsert(ctx context.Context, table string, rows []Row, onConflict, returning string) ([]Row, error)
	RPC(ctx context.Context, function string, params map[string]any) (json.RawMessage, error)
}

// Connectivity reports whether the remote backend is reachable.
type Connectivity interface {
	Online() bool
	// Subscribe registers fn for online/offline transitions.
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// NATSPublisher is the interface for publishing messages to NATS.
type NATSPublisher interface {
	Publish(subject string, data []byte) error
}

// Scheduler runs delayed tasks on behalf of the manager. Stop cancels every
// task that has not started yet and waits for running ones.
type Scheduler interface {
	Schedule(delay time.Duration, task func(ctx context.Context))
	Stop()
}

// Enqueuer accepts mutation requests. *Manager implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, req Request) (string, error)
}
