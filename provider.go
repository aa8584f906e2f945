package mutationq

import (
	"context"
	"log/slog"
	"sync"
)

// Provider lazily builds and starts a single Manager. The host creates one
// Provider at its composition root and passes it to whatever needs the queue.
// The first Get decides the configuration; later configs are ignored.
type Provider struct {
	Store   DataStore
	Backend Backend
	Options []Option

	once sync.Once
	m    *Manager
}

// Get returns the started manager, creating it on first use. A nil cfg means
// DefaultConfig.
func (p *Provider) Get(cfg *Config) *Manager {
	p.once.Do(func() {
		c := DefaultConfig()
		if cfg != nil {
			c = *cfg
		}
		p.m = NewManager(p.Store, p.Backend, c, p.Options...)
		if err := p.m.Start(context.Background()); err != nil {
			slog.Error("mutationq: failed to start queue", "error", err)
		}
	})
	return p.m
}

// Destroy tears down the manager if it was created.
func (p *Provider) Destroy() {
	p.once.Do(func() {})
	if p.m != nil {
		p.m.Destroy()
	}
}
