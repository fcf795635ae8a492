package publisher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	id "signout/pkg/domain"
	audit "signout/pkg/platform/audit"
)

// ErrBufferFull is returned in async mode when the buffer cannot take another event.
var ErrBufferFull = errors.New("audit buffer full")

// Publisher captures structured audit events. It is append-only and uses the
// storage layer for persistence so tests can swap sinks easily. In async mode
// a single goroutine drains a bounded buffer into the store.
type Publisher struct {
	store  audit.Store
	logger *slog.Logger

	buffer chan audit.Event
	done   chan struct{}
	once   sync.Once
}

type Option func(*Publisher)

// WithAsyncBuffer switches the publisher to non-blocking emission with the given buffer size.
func WithAsyncBuffer(size int) Option {
	return func(p *Publisher) {
		if size > 0 {
			p.buffer = make(chan audit.Event, size)
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

func NewPublisher(store audit.Store, opts ...Option) *Publisher {
	p := &Publisher{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	if p.buffer != nil {
		p.done = make(chan struct{})
		go p.drain()
	}
	return p
}

// Emit records an event. Missing timestamps and categories are filled in.
func (p *Publisher) Emit(ctx context.Context, event audit.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Category == "" {
		event.Category = audit.AuditEvent(event.Action).Category()
	}
	if p.buffer == nil {
		return p.store.Append(ctx, event)
	}

	select {
	case p.buffer <- event:
		return nil
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		p.logger.Warn("audit buffer full, dropping event", "action", event.Action)
		return ErrBufferFull
	}
}

func (p *Publisher) List(ctx context.Context, tenantID id.TenantID, userKey id.UserKey) ([]audit.Event, error) {
	return p.store.ListByUser(ctx, tenantID, userKey)
}

// Close stops accepting events and drains anything buffered. Emit must not be
// called after Close.
func (p *Publisher) Close() {
	if p.buffer == nil {
		return
	}
	p.once.Do(func() {
		close(p.buffer)
		<-p.done
	})
}

func (p *Publisher) drain() {
	defer close(p.done)
	for event := range p.buffer {
		if err := p.store.Append(context.Background(), event); err != nil {
			p.logger.Error("failed to persist audit event", "action", event.Action, "error", err)
		}
	}
}
