package mutationq

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
)

// EnqueueOption adjusts a Request built by the Queue* helpers.
type EnqueueOption func(*Request)

// WithMaxRetries overrides the configured retry limit for one mutation.
func WithMaxRetries(n int) EnqueueOption {
	return func(r *Request) { r.MaxRetries = n }
}

// WithFilters adds filter entries. Later options win on key collisions.
func WithFilters(f Filters) EnqueueOption {
	return func(r *Request) {
		if r.Filters == nil {
			r.Filters = Filters{}
		}
		maps.Copy(r.Filters, f)
	}
}

// WithSelect sets the projection the backend returns.
func WithSelect(columns string) EnqueueOption {
	return WithFilters(Filters{FilterSelect: columns})
}

// WithQueryKey attaches the cache key a UI invalidates on completion.
func WithQueryKey(key ...string) EnqueueOption {
	return func(r *Request) { r.QueryKey = key }
}

// WithOptimisticUpdate attaches an opaque optimistic update hook.
func WithOptimisticUpdate(v json.RawMessage) EnqueueOption {
	return func(r *Request) { r.OptimisticUpdate = v }
}

// QueueMutation enqueues a mutation of any type. payload may be a
// json.RawMessage, a []byte holding JSON, or any value encodable as JSON.
func (m *Manager) QueueMutation(ctx context.Context, typ MutationType, table string, payload any, opts ...EnqueueOption) (string, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return "", err
	}
	req := Request{Type: typ, Table: table, Payload: raw}
	for _, opt := range opts {
		opt(&req)
	}
	return m.Enqueue(ctx, req)
}

// QueueInsert enqueues an insert of one row or a slice of rows.
func (m *Manager) QueueInsert(ctx context.Context, table string, payload any, opts ...EnqueueOption) (string, error) {
	return m.QueueMutation(ctx, TypeInsert, table, payload, opts...)
}

// QueueUpdate enqueues an update of the rows matching filters. filters are
// merged over any filters given as options.
func (m *Manager) QueueUpdate(ctx context.Context, table string, payload any, filters Filters, opts ...EnqueueOption) (string, error) {
	return m.QueueMutation(ctx, TypeUpdate, table, payload, append(opts, WithFilters(filters))...)
}

// QueueDelete enqueues a delete of the rows matching filters.
func (m *Manager) QueueDelete(ctx context.Context, table string, filters Filters, opts ...EnqueueOption) (string, error) {
	return m.QueueMutation(ctx, TypeDelete, table, json.RawMessage("{}"), append(opts, WithFilters(filters))...)
}

// QueueUpsert enqueues an upsert resolved on the onConflict column, "id"
// when empty.
func (m *Manager) QueueUpsert(ctx context.Context, table string, payload any, onConflict string, opts ...EnqueueOption) (string, error) {
	if onConflict == "" {
		onConflict = "id"
	}
	return m.QueueMutation(ctx, TypeUpsert, table, payload, append(opts, WithFilters(Filters{FilterOnConflict: onConflict}))...)
}

// QueueRPC enqueues a call of a remote procedure with named params.
func (m *Manager) QueueRPC(ctx context.Context, function string, params map[string]any, opts ...EnqueueOption) (string, error) {
	return m.QueueMutation(ctx, TypeRPC, function, RPCPayload{Function: function, Params: params}, opts...)
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, &ValidationError{Field: "payload", Reason: fmt.Sprintf("encode payload: %v", err)}
	}
	return raw, nil
}
