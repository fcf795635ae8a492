package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"signout/internal/session/models"
	id "signout/pkg/domain"
	"signout/pkg/platform/sentinel"
)

const (
	sessionKeyPrefix = "session:"
	scopeKeyPrefix   = "scope_sessions:"

	maxTxRetries = 5
)

// Redis stores each session as JSON under session:<id> and indexes ids per
// scope in a set. Conditional writes use WATCH/MULTI and retry on conflict.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

type RedisOption func(*Redis)

// WithSessionTTL expires session keys; zero keeps them until deleted.
func WithSessionTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) {
		r.ttl = ttl
	}
}

func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{client: client}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func sessionKey(sessionID id.SessionID) string { return sessionKeyPrefix + sessionID.String() }
func scopeKey(scope models.Scope) string       { return scopeKeyPrefix + scope.Key() }

func (r *Redis) Create(ctx context.Context, session *models.Session) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	ok, err := r.client.SetNX(ctx, sessionKey(session.ID), payload, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if !ok {
		return fmt.Errorf("session %s: %w", session.ID, sentinel.ErrAlreadyExists)
	}
	if err := r.client.SAdd(ctx, scopeKey(session.Scope()), session.ID.String()).Err(); err != nil {
		return fmt.Errorf("index session: %w", err)
	}
	return nil
}

// CreateIfNoneActive watches the scope index so a concurrent create on another
// instance aborts this transaction and the check is repeated.
func (r *Redis) CreateIfNoneActive(ctx context.Context, session *models.Session) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	sKey := scopeKey(session.Scope())

	txf := func(tx *redis.Tx) error {
		members, err := tx.SMembers(ctx, sKey).Result()
		if err != nil {
			return err
		}
		existing, err := r.load(ctx, tx, members)
		if err != nil {
			return err
		}
		for _, s := range existing {
			if s.IsActive() {
				return fmt.Errorf("active session for scope: %w", sentinel.ErrAlreadyExists)
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, sessionKey(session.ID), payload, r.ttl)
			pipe.SAdd(ctx, sKey, session.ID.String())
			return nil
		})
		return err
	}
	return r.retry(ctx, txf, sKey)
}

func (r *Redis) FindByID(ctx context.Context, sessionID id.SessionID) (*models.Session, error) {
	raw, err := r.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("session %s: %w", sessionID, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find session: %w", err)
	}
	return decodeSession(raw)
}

func (r *Redis) ListByScope(ctx context.Context, scope models.Scope) ([]*models.Session, error) {
	members, err := r.client.SMembers(ctx, scopeKey(scope)).Result()
	if err != nil {
		return nil, fmt.Errorf("list scope sessions: %w", err)
	}
	return r.load(ctx, r.client, members)
}

// Execute applies validate and mutate under WATCH on the session key.
// Exhausted retries surface redis.TxFailedErr.
func (r *Redis) Execute(ctx context.Context, sessionID id.SessionID, validate func(*models.Session) error, mutate func(*models.Session)) (*models.Session, error) {
	key := sessionKey(sessionID)
	var result *models.Session

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("session %s: %w", sessionID, sentinel.ErrNotFound)
		}
		if err != nil {
			return err
		}
		session, err := decodeSession(raw)
		if err != nil {
			return err
		}
		if err := validate(session); err != nil {
			return err
		}
		mutate(session)
		payload, err := json.Marshal(session)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SetArgs(ctx, key, payload, redis.SetArgs{KeepTTL: true})
			return nil
		})
		if err != nil {
			return err
		}
		result = session
		return nil
	}
	if err := r.retry(ctx, txf, key); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *Redis) retry(ctx context.Context, txf func(*redis.Tx) error, keys ...string) error {
	var err error
	for i := 0; i < maxTxRetries; i++ {
		err = r.client.Watch(ctx, txf, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

type getter interface {
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
}

func (r *Redis) load(ctx context.Context, c getter, ids []string) ([]*models.Session, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, sid := range ids {
		keys[i] = sessionKeyPrefix + sid
	}
	vals, err := c.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	out := make([]*models.Session, 0, len(vals))
	for _, v := range vals {
		// Expired members linger in the index until the next cleanup.
		str, ok := v.(string)
		if !ok {
			continue
		}
		session, err := decodeSession([]byte(str))
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, nil
}

func decodeSession(raw []byte) (*models.Session, error) {
	var session models.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &session, nil
}
