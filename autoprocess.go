package mutationq

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// autoProcessor periodically drains the queue so retried and recovered
// mutations make progress without new enqueues.
type autoProcessor struct {
	m        *Manager
	interval time.Duration
	done     chan struct{}
}

func newAutoProcessor(m *Manager, interval time.Duration) *autoProcessor {
	return &autoProcessor{
		m:        m,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start begins the periodic drain loop. Call with a cancellable context for shutdown.
func (a *autoProcessor) Start(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	go func() {
		defer ticker.Stop()
		defer close(a.done)
		for {
			select {
			case <-ticker.C:
				a.tick(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Wait blocks until the loop has stopped.
func (a *autoProcessor) Wait() {
	<-a.done
}

func (a *autoProcessor) tick(ctx context.Context) {
	if err := a.m.ProcessQueue(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("mutationq autoprocess: drain failed", "error", err)
	}
}
