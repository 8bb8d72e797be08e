// Package events records audit events for every state change in the
// knowledge engine and mirrors them onto a NATS subject for external
// subscribers.
//
// The durable store is the source of truth: an event is always appended
// there first, and the NATS publish is best-effort. A broker outage
// never fails the operation that produced the event.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowledged/internal/knowledge"
)

// SubjectPrefix is the NATS subject root for audit events. The event
// type is appended, e.g. "knowledged.events.promoted".
const SubjectPrefix = "knowledged.events"

// Recorder appends events to durable storage.
type Recorder interface {
	AppendEvent(ctx context.Context, event *knowledge.Event) error
}

// Publisher writes audit events to the store and broadcasts them on NATS.
type Publisher struct {
	store  Recorder
	nc     *nats.Conn
	logger *zap.Logger
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithNATS attaches a NATS connection for event broadcasting. Without
// it the publisher only records to the store.
func WithNATS(nc *nats.Conn) Option {
	return func(p *Publisher) { p.nc = nc }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Publisher) { p.logger = logger }
}

// NewPublisher creates an event publisher backed by the given store.
func NewPublisher(store Recorder, opts ...Option) *Publisher {
	p := &Publisher{
		store:  store,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Connect dials NATS with the reconnect policy used across the daemon.
func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// Publish records the event durably and broadcasts it. Store errors are
// returned; broadcast errors are logged and swallowed.
func (p *Publisher) Publish(ctx context.Context, event *knowledge.Event) error {
	if err := p.store.AppendEvent(ctx, event); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	p.broadcast(event)
	return nil
}

// Emit is Publish for callers that cannot propagate an error. Failures
// are logged, never returned.
func (p *Publisher) Emit(ctx context.Context, event *knowledge.Event) {
	if err := p.Publish(ctx, event); err != nil {
		p.logger.Warn("failed to record event",
			zap.String("type", string(event.Type)),
			zap.String("subject", event.Subject),
			zap.Error(err))
	}
}

func (p *Publisher) broadcast(event *knowledge.Event) {
	if p.nc == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn("failed to marshal event", zap.Error(err))
		return
	}
	subject := fmt.Sprintf("%s.%s", SubjectPrefix, event.Type)
	if err := p.nc.Publish(subject, payload); err != nil {
		p.logger.Warn("failed to broadcast event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
