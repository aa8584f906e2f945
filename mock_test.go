package mutationq

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"
)

// mockStore is a thread-safe in-memory DataStore for unit tests.
type mockStore struct {
	mu  sync.Mutex
	ops map[string]Operation

	saveErr  error
	getErr   error
	listErr  error
	pruneErr error
	// failSave, when set, is consulted on every Save.
	failSave func(op Operation) error

	saveCalls   int
	deleteCalls int
	closed      bool
}

func newMockStore() *mockStore {
	return &mockStore{ops: make(map[string]Operation)}
}

func (m *mockStore) Save(_ context.Context, op Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCalls++
	if m.saveErr != nil {
		return m.saveErr
	}
	if m.failSave != nil {
		if err := m.failSave(op); err != nil {
			return err
		}
	}
	m.ops[op.ID] = op
	return nil
}

func (m *mockStore) Get(_ context.Context, id string) (*Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	op, ok := m.ops[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &op, nil
}

func (m *mockStore) List(_ context.Context, opts ListOpts) ([]Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var result []Operation
	for _, op := range m.ops {
		if opts.matches(op) {
			result = append(result, op)
		}
	}
	sortOperations(result)
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

func (m *mockStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteCalls++
	delete(m.ops, id)
	return nil
}

func (m *mockStore) ClearCompleted(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, op := range m.ops {
		if op.Status == StatusCompleted {
			delete(m.ops, id)
			n++
		}
	}
	return n, nil
}

func (m *mockStore) PruneCompleted(_ context.Context, keep int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pruneErr != nil {
		return 0, m.pruneErr
	}
	var completed []Operation
	for _, op := range m.ops {
		if op.Status == StatusCompleted {
			completed = append(completed, op)
		}
	}
	if len(completed) <= keep {
		return 0, nil
	}
	sortOperations(completed)
	excess := completed[:len(completed)-keep]
	for _, op := range excess {
		delete(m.ops, op.ID)
	}
	return len(excess), nil
}

func (m *mockStore) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = make(map[string]Operation)
	return nil
}

func (m *mockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockStore) seed(ops ...Operation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range ops {
		m.ops[op.ID] = op
	}
}

func (m *mockStore) get(t *testing.T, id string) Operation {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[id]
	if !ok {
		t.Fatalf("mutation %s not in store", id)
	}
	return op
}

func (m *mockStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ops)
}

// backendCall records one call made to mockBackend.
type backendCall struct {
	Method     string
	Table      string
	Rows       []Row
	Set        Row
	Filters    map[string]any
	OnConflict string
	Returning  string
	Params     map[string]any
}

// mockBackend records calls and answers them with fn (success when nil).
type mockBackend struct {
	mu    sync.Mutex
	calls []backendCall
	fn    func(ctx context.Context, c backendCall) error
}

func newMockBackend() *mockBackend {
	return &mockBackend{}
}

func (b *mockBackend) record(ctx context.Context, c backendCall) error {
	b.mu.Lock()
	b.calls = append(b.calls, c)
	fn := b.fn
	b.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ctx, c)
}

func (b *mockBackend) Insert(ctx context.Context, table string, rows []Row, returning string) ([]Row, error) {
	return rows, b.record(ctx, backendCall{Method: "insert", Table: table, Rows: rows, Returning: returning})
}

func (b *mockBackend) Update(ctx context.Context, table string, set Row, filters map[string]any, returning string) ([]Row, error) {
	return nil, b.record(ctx, backendCall{Method: "update", Table: table, Set: set, Filters: filters, Returning: returning})
}

func (b *mockBackend) Delete(ctx context.Context, table string, filters map[string]any, returning string) ([]Row, error) {
	return nil, b.record(ctx, backendCall{Method: "delete", Table: table, Filters: filters, Returning: returning})
}

func (b *mockBackend) Upsert(ctx context.Context, table string, rows []Row, onConflict, returning string) ([]Row, error) {
	return rows, b.record(ctx, backendCall{Method: "upsert", Table: table, Rows: rows, OnConflict: onConflict, Returning: returning})
}

func (b *mockBackend) RPC(ctx context.Context, function string, params map[string]any) (json.RawMessage, error) {
	return json.RawMessage(`[]`), b.record(ctx, backendCall{Method: "rpc", Table: function, Params: params})
}

func (b *mockBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func (b *mockBackend) recorded() []backendCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]backendCall, len(b.calls))
	copy(cp, b.calls)
	return cp
}

// mockNATS captures published messages for test assertions.
type mockNATS struct {
	mu       sync.Mutex
	messages []publishedMsg
	err      error
}

type publishedMsg struct {
	Subject string
	Data    []byte
}

func newMockNATS() *mockNATS {
	return &mockNATS{}
}

func (m *mockNATS) Publish(subject string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.messages = append(m.messages, publishedMsg{Subject: subject, Data: data})
	return nil
}

func (m *mockNATS) published() []publishedMsg {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]publishedMsg, len(m.messages))
	copy(cp, m.messages)
	return cp
}

// fakeScheduler holds tasks until the test runs them.
type fakeScheduler struct {
	mu      sync.Mutex
	tasks   []scheduledTask
	history []time.Duration
	stopped bool
}

type scheduledTask struct {
	delay time.Duration
	run   func(ctx context.Context)
}

func (s *fakeScheduler) Schedule(delay time.Duration, task func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.tasks = append(s.tasks, scheduledTask{delay: delay, run: task})
	s.history = append(s.history, delay)
}

func (s *fakeScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.tasks = nil
}

// runNext runs the shortest pending task, as a real timer would.
func (s *fakeScheduler) runNext(ctx context.Context) bool {
	s.mu.Lock()
	if len(s.tasks) == 0 {
		s.mu.Unlock()
		return false
	}
	sort.SliceStable(s.tasks, func(i, j int) bool { return s.tasks[i].delay < s.tasks[j].delay })
	next := s.tasks[0]
	s.tasks = s.tasks[1:]
	s.mu.Unlock()

	next.run(ctx)
	return true
}

func (s *fakeScheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *fakeScheduler) delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]time.Duration, len(s.history))
	copy(cp, s.history)
	return cp
}

// testConfig keeps drains fast and disables the auto-process loop.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BatchDelay = time.Millisecond
	cfg.AutoProcessInterval = -1
	return cfg
}

func newTestManager(t *testing.T, store DataStore, backend Backend, opts ...Option) (*Manager, *fakeScheduler) {
	t.Helper()
	sched := &fakeScheduler{}
	m := NewManager(store, backend, testConfig(), append([]Option{WithScheduler(sched)}, opts...)...)
	t.Cleanup(m.Destroy)
	return m, sched
}

func pendingOp(id string, ts int64) Operation {
	return Operation{
		ID:         id,
		Type:       TypeInsert,
		Table:      "todos",
		Payload:    json.RawMessage(`{"title":"` + id + `"}`),
		Timestamp:  ts,
		MaxRetries: 3,
		Status:     StatusPending,
		UpdatedAt:  ts,
	}
}

// Verify interfaces at compile time.
var _ DataStore = (*mockStore)(nil)
var _ Backend = (*mockBackend)(nil)
var _ NATSPublisher = (*mockNATS)(nil)
var _ Scheduler = (*fakeScheduler)(nil)
