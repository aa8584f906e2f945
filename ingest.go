package mutationq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
)

// Ingestor turns mutation requests published on mutationq.enqueue.<type>
// into queued operations.
type Ingestor struct {
	q Enqueuer
}

// NewIngestor creates an ingestor that enqueues into q.
func NewIngestor(q Enqueuer) *Ingestor {
	return &Ingestor{q: q}
}

// Process parses a raw request and enqueues it. subject is the NATS subject
// (e.g. "mutationq.enqueue.insert"); its last token is the mutation type
// when the body does not carry one.
func (i *Ingestor) Process(ctx context.Context, subject string, data []byte) (string, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		slog.Warn("mutationq ingest: malformed request",
			"subject", subject,
			"error", err,
		)
		return "", &ValidationError{Field: "body", Reason: err.Error()}
	}

	if req.Type == "" {
		req.Type = typeFromSubject(subject)
	}

	id, err := i.q.Enqueue(ctx, req)
	if err != nil {
		slog.Error("mutationq ingest: failed to enqueue",
			"subject", subject,
			"type", req.Type,
			"table", req.Table,
			"error", err,
		)
		return "", err
	}
	return id, nil
}

func typeFromSubject(subject string) MutationType {
	if !strings.HasPrefix(subject, SubjectEnqueuePrefix) {
		return ""
	}
	return MutationType(strings.TrimPrefix(subject, SubjectEnqueuePrefix))
}

type ingestReply struct {
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

// HandleMsg processes msg and answers requests that carry a reply subject.
func (i *Ingestor) HandleMsg(ctx context.Context, msg *nats.Msg) {
	id, err := i.Process(ctx, msg.Subject, msg.Data)
	if msg.Reply == "" {
		return
	}

	reply := ingestReply{ID: id}
	if err != nil {
		reply = ingestReply{Error: err.Error()}
	}
	data, _ := json.Marshal(reply)
	if err := msg.Respond(data); err != nil {
		slog.Warn("mutationq ingest: failed to reply", "subject", msg.Subject, "error", err)
	}
}

// Subscribe listens on every enqueue subject until ctx is cancelled.
func (i *Ingestor) Subscribe(ctx context.Context, nc *nats.Conn) (*nats.Subscription, error) {
	sub, err := nc.Subscribe(SubjectEnqueueAll, func(msg *nats.Msg) {
		i.HandleMsg(ctx, msg)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", SubjectEnqueueAll, err)
	}
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return sub, nil
}
