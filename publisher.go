package mutationq

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is published on every completed, retrying or failed transition.
type Event struct {
	ID         string       `json:"id"`
	Type       MutationType `json:"type"`
	Table      string       `json:"table"`
	Status     Status       `json:"status"`
	RetryCount int          `json:"retry_count"`
	MaxRetries int          `json:"max_retries"`
	Error      string       `json:"error,omitempty"`
	QueryKey   []string     `json:"query_key,omitempty"`
	Source     string       `json:"source,omitempty"`
	At         time.Time    `json:"at"`
}

// Publisher sends mutation lifecycle events to NATS.
type Publisher struct {
	nc     NATSPublisher
	source string
}

// NewPublisher creates an event publisher. source identifies the publishing
// process in every event.
func NewPublisher(nc NATSPublisher, source string) *Publisher {
	return &Publisher{nc: nc, source: source}
}

// PublishTransition sends an event for op's current status.
func (p *Publisher) PublishTransition(op Operation) error {
	ev := Event{
		ID:         op.ID,
		Type:       op.Type,
		Table:      op.Table,
		Status:     op.Status,
		RetryCount: op.RetryCount,
		MaxRetries: op.MaxRetries,
		Error:      op.Error,
		QueryKey:   op.QueryKey,
		Source:     p.source,
		At:         time.Now().UTC(),
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal mutation event: %w", err)
	}

	subject := SubjectForStatus(op.Status)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}
