// Package service implements the session registry: the only component allowed
// to create sessions or move them to Invalidated.
package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"signout/internal/session/metrics"
	"signout/internal/session/models"
	id "signout/pkg/domain"
	dErrors "signout/pkg/domain-errors"
	"signout/pkg/platform/audit"
	"signout/pkg/platform/keylock"
	"signout/pkg/platform/sentinel"
	"signout/pkg/requestcontext"
)

// ErrDuplicateSession is returned by Create when the user already holds an
// active session and single-session-per-user is enforced.
var ErrDuplicateSession = dErrors.New(dErrors.CodeConflict, "user already has an active session")

type Store interface {
	Create(ctx context.Context, session *models.Session) error
	CreateIfNoneActive(ctx context.Context, session *models.Session) error
	FindByID(ctx context.Context, sessionID id.SessionID) (*models.Session, error)
	ListByScope(ctx context.Context, scope models.Scope) ([]*models.Session, error)
	Execute(ctx context.Context, sessionID id.SessionID, validate func(*models.Session) error, mutate func(*models.Session)) (*models.Session, error)
}

// AuditPublisher emits audit events.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Listener receives SessionInvalidated events after the transition commits.
type Listener func(ctx context.Context, event models.SessionInvalidated)

type Registry struct {
	store                Store
	locks                *keylock.Map[models.Scope]
	singleSessionPerUser bool
	logger               *slog.Logger
	metrics              *metrics.Metrics
	auditPublisher       AuditPublisher

	listenersMu sync.RWMutex
	listeners   []Listener
}

type Option func(*Registry)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

func WithAuditPublisher(p AuditPublisher) Option {
	return func(r *Registry) {
		r.auditPublisher = p
	}
}

// WithSingleSessionPerUser toggles the one-active-session rule. It defaults to on.
func WithSingleSessionPerUser(enabled bool) Option {
	return func(r *Registry) {
		r.singleSessionPerUser = enabled
	}
}

func New(store Store, opts ...Option) (*Registry, error) {
	if store == nil {
		return nil, errors.New("session store is required")
	}
	r := &Registry{
		store:                store,
		locks:                keylock.New[models.Scope](),
		singleSessionPerUser: true,
		logger:               slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Subscribe registers a lifecycle listener.
func (r *Registry) Subscribe(l Listener) {
	if l == nil {
		return
	}
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, l)
}

type createOptions struct {
	device string
}

type CreateOption func(*createOptions)

// WithDevice records the display label of the signing-in device.
func WithDevice(device string) CreateOption {
	return func(o *createOptions) {
		o.device = device
	}
}

// Create starts a new active session for the scope.
func (r *Registry) Create(ctx context.Context, tenantID id.TenantID, userKey id.UserKey, opts ...CreateOption) (id.SessionID, error) {
	if tenantID.IsNil() || userKey.IsNil() {
		return id.SessionID{}, dErrors.New(dErrors.CodeBadRequest, "tenant and user key are required")
	}
	var co createOptions
	for _, opt := range opts {
		opt(&co)
	}

	scope := models.NewScope(tenantID, userKey)
	session := models.NewSession(id.NewSessionID(), scope, co.device, requestcontext.Now(ctx))

	unlock := r.locks.Lock(scope)
	var err error
	if r.singleSessionPerUser {
		err = r.store.CreateIfNoneActive(ctx, session)
	} else {
		err = r.store.Create(ctx, session)
	}
	unlock()

	if err != nil {
		if r.singleSessionPerUser && errors.Is(err, sentinel.ErrAlreadyExists) {
			r.metrics.IncrementRefused()
			r.logger.InfoContext(ctx, "session creation refused",
				"tenant_id", tenantID,
				"user_key", userKey,
			)
			return id.SessionID{}, ErrDuplicateSession
		}
		return id.SessionID{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create session")
	}

	r.metrics.IncrementCreated()
	r.emitAudit(ctx, audit.Event{
		Action:    string(audit.EventSessionCreated),
		TenantID:  tenantID,
		UserKey:   userKey,
		SessionID: session.ID.String(),
	})
	return session.ID, nil
}

func (r *Registry) Get(ctx context.Context, sessionID id.SessionID) (*models.Session, error) {
	session, err := r.store.FindByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Wrap(err, dErrors.CodeNotFound, "session not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load session")
	}
	return session, nil
}

// IsActive reports whether the session exists and has not been invalidated.
func (r *Registry) IsActive(ctx context.Context, sessionID id.SessionID) (bool, error) {
	session, err := r.store.FindByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return false, nil
		}
		return false, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load session")
	}
	return session.IsActive(), nil
}

// Invalidate moves one session to Invalidated. Invalidating an already
// invalidated session is a no-op and emits nothing.
func (r *Registry) Invalidate(ctx context.Context, sessionID id.SessionID, reason models.InvalidationReason) error {
	session, err := r.store.FindByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.Wrap(err, dErrors.CodeNotFound, "session not found")
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load session")
	}

	unlock := r.locks.Lock(session.Scope())
	event, changed, err := r.invalidateLocked(ctx, sessionID, reason)
	unlock()
	if err != nil {
		return err
	}
	if changed {
		r.publish(ctx, event)
	}
	return nil
}

// InvalidateAll invalidates every active session in the scope and returns the
// ids that transitioned.
func (r *Registry) InvalidateAll(ctx context.Context, tenantID id.TenantID, userKey id.UserKey, reason models.InvalidationReason) ([]id.SessionID, error) {
	scope := models.NewScope(tenantID, userKey)

	unlock := r.locks.Lock(scope)
	sessions, err := r.store.ListByScope(ctx, scope)
	if err != nil {
		unlock()
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list sessions")
	}
	var (
		events      []models.SessionInvalidated
		invalidated []id.SessionID
	)
	for _, s := range sessions {
		if !s.IsActive() {
			continue
		}
		event, changed, err := r.invalidateLocked(ctx, s.ID, reason)
		if err != nil {
			if dErrors.HasCode(err, dErrors.CodeNotFound) {
				continue
			}
			unlock()
			r.publishAll(ctx, events)
			return invalidated, err
		}
		if changed {
			events = append(events, event)
			invalidated = append(invalidated, s.ID)
		}
	}
	unlock()

	r.publishAll(ctx, events)
	return invalidated, nil
}

func (r *Registry) invalidateLocked(ctx context.Context, sessionID id.SessionID, reason models.InvalidationReason) (models.SessionInvalidated, bool, error) {
	now := requestcontext.Now(ctx)
	var alreadyInvalidated bool

	session, err := r.store.Execute(ctx, sessionID,
		func(sess *models.Session) error {
			if err := sess.CanInvalidate(); err != nil {
				alreadyInvalidated = true
			}
			return nil
		},
		func(sess *models.Session) {
			if !alreadyInvalidated {
				sess.ApplyInvalidation(now, reason)
			}
		},
	)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return models.SessionInvalidated{}, false, dErrors.Wrap(err, dErrors.CodeNotFound, "session not found")
		}
		return models.SessionInvalidated{}, false, dErrors.Wrap(err, dErrors.CodeInternal, "failed to invalidate session")
	}
	if alreadyInvalidated {
		return models.SessionInvalidated{}, false, nil
	}
	return models.SessionInvalidated{
		SessionID: session.ID,
		TenantID:  session.TenantID,
		UserKey:   session.UserKey,
		Reason:    reason,
		At:        now,
	}, true, nil
}

func (r *Registry) publishAll(ctx context.Context, events []models.SessionInvalidated) {
	for _, e := range events {
		r.publish(ctx, e)
	}
}

func (r *Registry) publish(ctx context.Context, event models.SessionInvalidated) {
	r.metrics.IncrementInvalidated(event.Reason.String())
	r.logger.InfoContext(ctx, "session invalidated",
		"session_id", event.SessionID.String(),
		"tenant_id", event.TenantID,
		"user_key", event.UserKey,
		"reason", event.Reason,
	)
	r.emitAudit(ctx, audit.Event{
		Action:    string(audit.EventSessionInvalidated),
		TenantID:  event.TenantID,
		UserKey:   event.UserKey,
		SessionID: event.SessionID.String(),
		Reason:    event.Reason.String(),
		Timestamp: event.At,
	})

	r.listenersMu.RLock()
	listeners := append([]Listener(nil), r.listeners...)
	r.listenersMu.RUnlock()
	for _, l := range listeners {
		l(ctx, event)
	}
}

func (r *Registry) emitAudit(ctx context.Context, event audit.Event) {
	if r.auditPublisher == nil {
		return
	}
	event.RequestID = requestcontext.RequestID(ctx)
	if err := r.auditPublisher.Emit(ctx, event); err != nil {
		r.logger.WarnContext(ctx, "failed to emit audit event",
			"action", event.Action,
			"error", err,
		)
	}
}
