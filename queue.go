package mutationq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/DarlingtonDeveloper/mutationq"

var errCleared = errors.New("queue cleared")

// Option customises a Manager.
type Option func(*Manager)

// WithConnectivity sets the connectivity source. The default is always online.
func WithConnectivity(c Connectivity) Option {
	return func(m *Manager) { m.conn = c }
}

// WithScheduler replaces the timer based scheduler used for backoff and
// completed record cleanup.
func WithScheduler(s Scheduler) Option {
	return func(m *Manager) { m.sched = s }
}

// WithPublisher publishes lifecycle events for every terminal or retrying
// transition.
func WithPublisher(p *Publisher) Option {
	return func(m *Manager) { m.events = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager owns the durable queue: it persists mutations, drains them against
// the backend in batches and drives retries.
type Manager struct {
	store   DataStore
	backend Backend
	cfg     Config
	conn    Connectivity
	sched   Scheduler
	events  *Publisher
	now     func() time.Time
	tracer  trace.Tracer

	draining atomic.Bool
	rerun    atomic.Bool

	// epoch counts Clear calls. clearMu keeps a transition save from
	// racing a Clear.
	epoch   atomic.Uint64
	clearMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	idle        *sync.Cond
	inflight    int
	started     bool
	destroyed   bool
	unsubscribe func()
	loop        *autoProcessor
}

// NewManager creates a queue manager over store and backend. Zero config
// fields take their defaults.
func NewManager(store DataStore, backend Backend, cfg Config, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:   store,
		backend: backend,
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		tracer:  otel.Tracer(tracerName),
		ctx:     ctx,
		cancel:  cancel,
	}
	m.idle = sync.NewCond(&m.mu)
	for _, opt := range opts {
		opt(m)
	}
	if m.conn == nil {
		m.conn = NewStaticConnectivity(true)
	}
	if m.sched == nil {
		m.sched = NewTimerScheduler()
	}
	return m
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// Enqueue validates and persists a mutation as pending and returns its ID.
// When online a drain is started in the background.
func (m *Manager) Enqueue(ctx context.Context, req Request) (string, error) {
	if m.isDestroyed() {
		return "", ErrDestroyed
	}

	op, err := m.newOperation(req)
	if err != nil {
		return "", err
	}
	if err := m.store.Save(ctx, op); err != nil {
		return "", fmt.Errorf("persist mutation: %w", err)
	}

	slog.Debug("mutationq: enqueued", "id", op.ID, "type", op.Type, "table", op.Table)

	if m.conn.Online() {
		m.triggerDrain()
	}
	return op.ID, nil
}

func (m *Manager) newOperation(req Request) (Operation, error) {
	typ, err := ParseMutationType(string(req.Type))
	if err != nil {
		return Operation{}, err
	}

	now := m.now().UnixMilli()
	op := Operation{
		ID:               newID(),
		Type:             typ,
		Table:            req.Table,
		Payload:          req.Payload,
		Filters:          req.Filters.clone(),
		Timestamp:        now,
		MaxRetries:       req.MaxRetries,
		Status:           StatusPending,
		QueryKey:         req.QueryKey,
		OptimisticUpdate: req.OptimisticUpdate,
		UpdatedAt:        now,
	}
	if op.MaxRetries <= 0 {
		op.MaxRetries = m.cfg.MaxRetries
	}
	if len(op.Payload) == 0 {
		op.Payload = []byte("{}")
	}
	if err := validate(op); err != nil {
		return Operation{}, err
	}
	return op, nil
}

// ProcessQueue drains pending mutations. Only one drain runs at a time; a
// call made while another drain is running returns immediately and causes
// the running drain to make one more pass. Nothing happens while offline
// unless the offline queue is disabled.
func (m *Manager) ProcessQueue(ctx context.Context) error {
	for {
		if !m.cfg.DisableOfflineQueue && !m.conn.Online() {
			slog.Debug("mutationq: offline, drain deferred")
			return nil
		}
		if !m.acquireDrain() {
			return nil
		}
		m.rerun.Store(false)
		if err := m.drainOnce(ctx); err != nil {
			return err
		}
		if !m.rerun.Load() || ctx.Err() != nil {
			return nil
		}
	}
}

// acquireDrain takes the drain guard. When another drain holds it, the holder
// is asked for one more pass. The second attempt covers a holder that let go
// of the guard before it could see the request.
func (m *Manager) acquireDrain() bool {
	if m.draining.CompareAndSwap(false, true) {
		return true
	}
	m.rerun.Store(true)
	return m.draining.CompareAndSwap(false, true)
}

func (m *Manager) drainOnce(ctx context.Context) error {
	defer m.draining.Store(false)

	gen := m.epoch.Load()
	ops, err := m.runnable(ctx)
	if err != nil {
		return err
	}

	for start := 0; start < len(ops); start += m.cfg.BatchSize {
		if start > 0 {
			select {
			case <-time.After(m.cfg.BatchDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		end := min(start+m.cfg.BatchSize, len(ops))

		var wg sync.WaitGroup
		for _, op := range ops[start:end] {
			wg.Add(1)
			go func(op Operation) {
				defer wg.Done()
				m.processMutation(ctx, gen, op)
			}(op)
		}
		wg.Wait()
	}

	if len(ops) > 0 {
		slog.Info("mutationq: drain complete", "processed", len(ops))
	}

	pruned, err := m.store.PruneCompleted(context.WithoutCancel(ctx), m.cfg.RetainCompleted)
	if err != nil {
		slog.Error("mutationq: failed to prune completed mutations", "error", err)
	} else if pruned > 0 {
		slog.Debug("mutationq: pruned completed mutations", "count", pruned)
	}
	return nil
}

// runnable lists pending mutations plus processing ones whose next
// transition failed to persist. Drains are exclusive, so no processing
// record seen here is still executing.
func (m *Manager) runnable(ctx context.Context) ([]Operation, error) {
	var ops []Operation
	for _, status := range []Status{StatusPending, StatusProcessing} {
		found, err := m.store.List(ctx, ListOpts{Status: status})
		if err != nil {
			return nil, fmt.Errorf("list %s mutations: %w", status, err)
		}
		ops = append(ops, found...)
	}
	sortOperations(ops)
	return ops, nil
}

// processMutation runs one operation through processing to its next state.
// gen is the clear generation the operation was loaded under.
func (m *Manager) processMutation(ctx context.Context, gen uint64, op Operation) {
	ctx, span := m.tracer.Start(ctx, "mutationq.process", trace.WithAttributes(
		attribute.String("mutation.id", op.ID),
		attribute.String("mutation.type", string(op.Type)),
		attribute.String("mutation.table", op.Table),
		attribute.Int("mutation.retry_count", op.RetryCount),
	))
	defer span.End()

	// Transitions must land even when the drain is being cancelled.
	persist := context.WithoutCancel(ctx)

	op, err := m.transition(persist, gen, op, func(o *Operation) {
		o.Status = StatusProcessing
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return
	}

	execErr := execute(ctx, m.backend, op)
	switch {
	case execErr == nil:
		m.complete(persist, gen, op)
		span.SetStatus(codes.Ok, "")
		return
	case IsValidation(execErr):
		m.fail(persist, gen, op, execErr)
	case ctx.Err() != nil:
		// Interrupted by shutdown, not a backend failure.
		_, _ = m.transition(persist, gen, op, func(o *Operation) {
			o.Status = StatusPending
		})
	default:
		m.retryOrFail(persist, gen, op, execErr)
	}
	span.RecordError(execErr)
	span.SetStatus(codes.Error, execErr.Error())
}

func (m *Manager) complete(ctx context.Context, gen uint64, op Operation) {
	op, err := m.transition(ctx, gen, op, func(o *Operation) {
		o.Status = StatusCompleted
		o.Error = ""
	})
	if err != nil {
		return
	}
	slog.Debug("mutationq: completed", "id", op.ID, "type", op.Type, "table", op.Table)
	m.publish(op)

	id := op.ID
	m.sched.Schedule(m.cfg.CompletedGrace, func(ctx context.Context) {
		if err := m.store.Delete(context.WithoutCancel(ctx), id); err != nil {
			slog.Error("mutationq: failed to delete completed mutation", "id", id, "error", err)
		}
	})
}

func (m *Manager) fail(ctx context.Context, gen uint64, op Operation, cause error) {
	op, err := m.transition(ctx, gen, op, func(o *Operation) {
		o.Status = StatusFailed
		o.Error = cause.Error()
	})
	if err != nil {
		return
	}
	slog.Error("mutationq: mutation failed",
		"id", op.ID,
		"type", op.Type,
		"table", op.Table,
		"retry_count", op.RetryCount,
		"error", cause,
	)
	m.publish(op)
}

func (m *Manager) retryOrFail(ctx context.Context, gen uint64, op Operation, cause error) {
	if op.RetryCount+1 >= op.MaxRetries {
		op.RetryCount++
		m.fail(ctx, gen, op, cause)
		return
	}

	op, err := m.transition(ctx, gen, op, func(o *Operation) {
		o.RetryCount++
		o.Status = StatusRetrying
		o.Error = cause.Error()
	})
	if err != nil {
		return
	}

	delay := backoffDelay(m.cfg.RetryDelay, m.cfg.MaxRetryDelay, op.RetryCount)
	slog.Warn("mutationq: mutation will be retried",
		"id", op.ID,
		"type", op.Type,
		"table", op.Table,
		"retry_count", op.RetryCount,
		"delay", delay,
		"error", cause,
	)
	m.publish(op)

	id := op.ID
	m.sched.Schedule(delay, func(ctx context.Context) {
		m.requeue(ctx, id)
	})
}

// requeue moves a retrying operation back to pending and starts a drain.
func (m *Manager) requeue(ctx context.Context, id string) {
	ctx = context.WithoutCancel(ctx)
	gen := m.epoch.Load()
	op, err := m.store.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			slog.Error("mutationq: failed to load mutation for retry", "id", id, "error", err)
		}
		return
	}
	if op.Status != StatusRetrying {
		return
	}
	if _, err := m.transition(ctx, gen, *op, func(o *Operation) {
		o.Status = StatusPending
	}); err != nil {
		return
	}
	m.triggerDrain()
}

// transition applies change to a copy of op and persists it. The copy is
// returned only after the save succeeded; otherwise op comes back unchanged.
// A Clear since generation gen drops the transition so the record is not
// written back.
func (m *Manager) transition(ctx context.Context, gen uint64, op Operation, change func(*Operation)) (Operation, error) {
	next := op
	next.Filters = op.Filters.clone()
	change(&next)
	next.UpdatedAt = m.now().UnixMilli()

	m.clearMu.RLock()
	defer m.clearMu.RUnlock()
	if m.epoch.Load() != gen {
		slog.Debug("mutationq: queue cleared, transition dropped", "id", op.ID, "to", next.Status)
		return op, fmt.Errorf("mutation %s: %w", op.ID, errCleared)
	}

	if err := m.store.Save(ctx, next); err != nil {
		slog.Error("mutationq: failed to persist transition",
			"id", op.ID,
			"from", op.Status,
			"to", next.Status,
			"error", err,
		)
		return op, fmt.Errorf("persist %s transition: %w", next.Status, err)
	}
	return next, nil
}

func (m *Manager) publish(op Operation) {
	if m.events == nil {
		return
	}
	if err := m.events.PublishTransition(op); err != nil {
		slog.Error("mutationq: failed to publish event", "id", op.ID, "status", op.Status, "error", err)
	}
}

// RetryFailed resets every failed mutation to pending with a zero retry
// count and starts a drain. It returns the number of reset mutations.
func (m *Manager) RetryFailed(ctx context.Context) (int, error) {
	gen := m.epoch.Load()
	failed, err := m.store.List(ctx, ListOpts{Status: StatusFailed})
	if err != nil {
		return 0, fmt.Errorf("list failed mutations: %w", err)
	}

	reset := 0
	for _, op := range failed {
		if _, err := m.transition(ctx, gen, op, func(o *Operation) {
			o.Status = StatusPending
			o.RetryCount = 0
			o.Error = ""
		}); err != nil {
			return reset, err
		}
		reset++
	}

	if reset > 0 {
		slog.Info("mutationq: failed mutations reset", "count", reset)
		m.triggerDrain()
	}
	return reset, nil
}

// Clear deletes every mutation regardless of status. Mutations a running
// drain still holds are not written back.
func (m *Manager) Clear(ctx context.Context) error {
	m.clearMu.Lock()
	defer m.clearMu.Unlock()
	m.epoch.Add(1)
	if err := m.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	return nil
}

// ClearCompleted deletes completed mutations and returns how many were removed.
func (m *Manager) ClearCompleted(ctx context.Context) (int, error) {
	n, err := m.store.ClearCompleted(ctx)
	if err != nil {
		return 0, fmt.Errorf("clear completed mutations: %w", err)
	}
	return n, nil
}

// Stats counts mutations per status.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	ops, err := m.store.List(ctx, ListOpts{})
	if err != nil {
		return Stats{}, fmt.Errorf("list mutations: %w", err)
	}
	var s Stats
	for _, op := range ops {
		s.add(op.Status)
	}
	return s, nil
}

// Get returns the stored mutation with the given ID.
func (m *Manager) Get(ctx context.Context, id string) (*Operation, error) {
	return m.store.Get(ctx, id)
}

// List returns stored mutations matching opts, oldest first.
func (m *Manager) List(ctx context.Context, opts ListOpts) ([]Operation, error) {
	return m.store.List(ctx, opts)
}

// Start recovers mutations interrupted by a previous shutdown, subscribes to
// connectivity changes and starts the auto-process loop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return ErrDestroyed
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	if err := m.recoverInterrupted(ctx); err != nil {
		return err
	}

	unsubscribe := m.conn.Subscribe(m.onConnectivity)

	var loop *autoProcessor
	if m.cfg.AutoProcessInterval > 0 {
		loop = newAutoProcessor(m, m.cfg.AutoProcessInterval)
		loop.Start(m.ctx)
	}

	m.mu.Lock()
	m.unsubscribe = unsubscribe
	m.loop = loop
	m.mu.Unlock()

	if m.conn.Online() {
		m.triggerDrain()
	}
	return nil
}

// recoverInterrupted returns processing and retrying mutations to pending.
// Their timers and goroutines did not survive the previous process.
func (m *Manager) recoverInterrupted(ctx context.Context) error {
	gen := m.epoch.Load()
	recovered := 0
	for _, status := range []Status{StatusProcessing, StatusRetrying} {
		ops, err := m.store.List(ctx, ListOpts{Status: status})
		if err != nil {
			return fmt.Errorf("list %s mutations: %w", status, err)
		}
		for _, op := range ops {
			if _, err := m.transition(ctx, gen, op, func(o *Operation) {
				o.Status = StatusPending
			}); err != nil {
				return err
			}
			recovered++
		}
	}
	if recovered > 0 {
		slog.Info("mutationq: recovered interrupted mutations", "count", recovered)
	}
	return nil
}

func (m *Manager) onConnectivity(online bool) {
	if !online {
		slog.Warn("mutationq: connection lost, queueing mutations")
		return
	}
	slog.Info("mutationq: connection restored, draining queue")
	m.triggerDrain()
}

// triggerDrain runs ProcessQueue in the background. WaitIdle waits for it.
func (m *Manager) triggerDrain() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.inflight++
	m.mu.Unlock()

	go func() {
		defer m.drainDone()
		if err := m.ProcessQueue(m.ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("mutationq: drain failed", "error", err)
		}
	}()
}

func (m *Manager) drainDone() {
	m.mu.Lock()
	m.inflight--
	if m.inflight == 0 {
		m.idle.Broadcast()
	}
	m.mu.Unlock()
}

// WaitIdle blocks until background drains started by Enqueue, RetryFailed,
// retries and connectivity changes have returned.
func (m *Manager) WaitIdle() {
	m.mu.Lock()
	for m.inflight > 0 {
		m.idle.Wait()
	}
	m.mu.Unlock()
}

func (m *Manager) isDestroyed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyed
}

// Destroy stops the auto-process loop, drops the connectivity subscription,
// waits for running drains and cancels every scheduled retry and cleanup.
// The store is left open.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	unsubscribe, loop := m.unsubscribe, m.loop
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	m.cancel()
	if loop != nil {
		loop.Wait()
	}
	m.WaitIdle()
	m.sched.Stop()
}
