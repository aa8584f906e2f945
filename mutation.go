// Package mutationq buffers database mutations in a durable local store and
// replays them against a remote row backend with batching, retries and
// exponential backoff, independent of network availability.
package mutationq

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MutationType selects the execution strategy for an Operation.
type MutationType string

// Supported mutation types.
const (
	TypeInsert MutationType = "insert"
	TypeUpdate MutationType = "update"
	TypeDelete MutationType = "delete"
	TypeUpsert MutationType = "upsert"
	TypeRPC    MutationType = "rpc"
)

// MutationTypes lists every supported mutation type.
var MutationTypes = []MutationType{TypeInsert, TypeUpdate, TypeDelete, TypeUpsert, TypeRPC}

// Valid reports whether t is one of the supported mutation types.
func (t MutationType) Valid() bool {
	switch t {
	case TypeInsert, TypeUpdate, TypeDelete, TypeUpsert, TypeRPC:
		return true
	}
	return false
}

// ParseMutationType parses a mutation type name. "remote-procedure-call" is
// accepted as an alias for rpc.
func ParseMutationType(s string) (MutationType, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "remote-procedure-call" {
		return TypeRPC, nil
	}
	t := MutationType(name)
	if !t.Valid() {
		return "", &ValidationError{Field: "type", Reason: "unknown mutation type " + strconv.Quote(s)}
	}
	return t, nil
}

// Status is the lifecycle state of an Operation.
type Status string

// Operation statuses.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRetrying   Status = "retrying"
)

// Statuses lists every status an Operation can be in.
var Statuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusRetrying}

// Reserved filter keys. They never become equality predicates.
const (
	FilterSelect     = "select"
	FilterOnConflict = "onConflict"
)

// Filters scopes update and delete operations with column equality
// predicates. The reserved keys FilterSelect and FilterOnConflict carry the
// return projection and the upsert conflict target.
type Filters map[string]any

// Select returns the requested return projection, or "".
func (f Filters) Select() string {
	s, _ := f[FilterSelect].(string)
	return s
}

// OnConflict returns the upsert conflict target, or "".
func (f Filters) OnConflict() string {
	s, _ := f[FilterOnConflict].(string)
	return s
}

// Equality returns the filter entries that are column predicates.
func (f Filters) Equality() map[string]any {
	out := make(map[string]any, len(f))
	for k, v := range f {
		if k == FilterSelect || k == FilterOnConflict {
			continue
		}
		out[k] = v
	}
	return out
}

func (f Filters) clone() Filters {
	if f == nil {
		return nil
	}
	out := make(Filters, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Operation is a single queued write intent with its retry metadata.
type Operation struct {
	ID               string          `json:"id"`
	Type             MutationType    `json:"type"`
	Table            string          `json:"table"`
	Payload          json.RawMessage `json:"payload"`
	Filters          Filters         `json:"filters,omitempty"`
	Timestamp        int64           `json:"timestamp"`
	RetryCount       int             `json:"retry_count"`
	MaxRetries       int             `json:"max_retries"`
	Status           Status          `json:"status"`
	Error            string          `json:"error,omitempty"`
	QueryKey         []string        `json:"query_key,omitempty"`
	OptimisticUpdate json.RawMessage `json:"optimistic_update,omitempty"`
	UpdatedAt        int64           `json:"updated_at"`
}

// RPCPayload is the payload shape of an rpc Operation.
type RPCPayload struct {
	Function string         `json:"function"`
	Params   map[string]any `json:"params,omitempty"`
}

// Request describes a mutation to enqueue.
type Request struct {
	Type             MutationType    `json:"type"`
	Table            string          `json:"table"`
	Payload          json.RawMessage `json:"payload"`
	Filters          Filters         `json:"filters,omitempty"`
	MaxRetries       int             `json:"max_retries,omitempty"`
	QueryKey         []string        `json:"query_key,omitempty"`
	OptimisticUpdate json.RawMessage `json:"optimistic_update,omitempty"`
}

// Stats holds operation counts per status.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Retrying   int `json:"retrying"`
	Total      int `json:"total"`
}

func (s *Stats) add(status Status) {
	s.Total++
	switch status {
	case StatusPending:
		s.Pending++
	case StatusProcessing:
		s.Processing++
	case StatusCompleted:
		s.Completed++
	case StatusFailed:
		s.Failed++
	case StatusRetrying:
		s.Retrying++
	}
}

// NATS subjects used for lifecycle events and remote ingestion.
const (
	SubjectCompleted     = "mutationq.mutation.completed"
	SubjectRetrying      = "mutationq.mutation.retrying"
	SubjectFailed        = "mutationq.mutation.failed"
	SubjectEnqueuePrefix = "mutationq.enqueue."
	SubjectEnqueueAll    = "mutationq.enqueue.>"
)

// SubjectForStatus returns the event subject for a status transition.
func SubjectForStatus(status Status) string {
	switch status {
	case StatusCompleted:
		return SubjectCompleted
	case StatusRetrying:
		return SubjectRetrying
	case StatusFailed:
		return SubjectFailed
	default:
		return "mutationq.mutation.unknown"
	}
}

// newID returns a time-ordered unique id (UUIDv7: millisecond timestamp
// followed by random bits).
func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// backoffDelay returns base * 2^(retryCount-1), capped at ceiling when
// ceiling > 0.
func backoffDelay(base, ceiling time.Duration, retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	delay := base
	for i := 1; i < retryCount; i++ {
		delay *= 2
		if ceiling > 0 && delay >= ceiling {
			return ceiling
		}
	}
	if ceiling > 0 && delay > ceiling {
		return ceiling
	}
	return delay
}

// sortOperations orders operations by timestamp, then id.
func sortOperations(ops []Operation) {
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].Timestamp != ops[j].Timestamp {
			return ops[i].Timestamp < ops[j].Timestamp
		}
		return ops[i].ID < ops[j].ID
	})
}
