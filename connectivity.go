package mutationq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// StaticConnectivity is a manually switched Connectivity. It is the building
// block for the NATS and ping based sources.
type StaticConnectivity struct {
	mu     sync.Mutex
	online bool
	subs   map[int]func(bool)
	next   int
}

// NewStaticConnectivity returns a switch in the given state.
func NewStaticConnectivity(online bool) *StaticConnectivity {
	return &StaticConnectivity{online: online, subs: make(map[int]func(bool))}
}

// Online reports the current state.
func (c *StaticConnectivity) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// SetOnline changes the state and notifies subscribers on a transition.
func (c *StaticConnectivity) SetOnline(online bool) {
	c.mu.Lock()
	if c.online == online {
		c.mu.Unlock()
		return
	}
	c.online = online
	subs := make([]func(bool), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(online)
	}
}

// Subscribe registers fn for state transitions and returns its unsubscribe.
func (c *StaticConnectivity) Subscribe(fn func(online bool)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.next
	c.next++
	c.subs[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// NATSConnectivity follows the state of a NATS connection. Pass Options() to
// nats.Connect and call Track with the resulting connection.
type NATSConnectivity struct {
	*StaticConnectivity
}

// NewNATSConnectivity starts offline until Track or a reconnect says otherwise.
func NewNATSConnectivity() *NATSConnectivity {
	return &NATSConnectivity{StaticConnectivity: NewStaticConnectivity(false)}
}

// Options returns the connection handlers that drive the switch.
func (c *NATSConnectivity) Options() []nats.Option {
	return []nats.Option{
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("mutationq: nats disconnected", "error", err)
			c.SetOnline(false)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("mutationq: nats reconnected", "url", nc.ConnectedUrl())
			c.SetOnline(true)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.SetOnline(false)
		}),
	}
}

// Track syncs the switch with the current state of nc.
func (c *NATSConnectivity) Track(nc *nats.Conn) {
	c.SetOnline(nc != nil && nc.IsConnected())
}

// Pinger is anything that can check reachability of the remote backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingProbe periodically pings the backend and reports the result as a
// Connectivity.
type PingProbe struct {
	*StaticConnectivity
	target   Pinger
	interval time.Duration
	timeout  time.Duration
	done     chan struct{}
}

// NewPingProbe creates a probe that assumes online until the first failed ping.
func NewPingProbe(target Pinger, interval time.Duration) *PingProbe {
	timeout := interval / 2
	if timeout <= 0 || timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	return &PingProbe{
		StaticConnectivity: NewStaticConnectivity(true),
		target:             target,
		interval:           interval,
		timeout:            timeout,
		done:               make(chan struct{}),
	}
}

// Start begins the probe loop. Call with a cancellable context for shutdown.
func (p *PingProbe) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	go func() {
		defer ticker.Stop()
		defer close(p.done)
		for {
			select {
			case <-ticker.C:
				p.probe(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Wait blocks until the probe has stopped.
func (p *PingProbe) Wait() {
	<-p.done
}

func (p *PingProbe) probe(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.target.Ping(pingCtx)
	if err != nil && ctx.Err() != nil {
		return
	}
	online := err == nil
	if online != p.Online() {
		if online {
			slog.Info("mutationq: backend reachable")
		} else {
			slog.Warn("mutationq: backend unreachable", "error", err)
		}
	}
	p.SetOnline(online)
}
