// Package notice stores the one-shot message shown to a user whose session was
// ended by a sign-out elsewhere. A notice is returned by Take at most once.
package notice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"

	id "signout/pkg/domain"
)

// SignedOutElsewhere is the text shown after an external sign-out.
const SignedOutElsewhere = "You have been signed out because you signed out of another application."

const (
	defaultTTL  = 24 * time.Hour
	defaultSize = 100_000
	keyPrefix   = "notice:"
)

// InMemory bounds notices by count and age.
type InMemory struct {
	cache *expirable.LRU[id.SessionID, string]
}

func NewInMemory(size int, ttl time.Duration) *InMemory {
	if size <= 0 {
		size = defaultSize
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &InMemory{cache: expirable.NewLRU[id.SessionID, string](size, nil, ttl)}
}

func (s *InMemory) Put(_ context.Context, sessionID id.SessionID, message string) error {
	s.cache.Add(sessionID, message)
	return nil
}

// Take returns and removes the notice. Of concurrent callers only the one
// whose Remove succeeds sees it.
func (s *InMemory) Take(_ context.Context, sessionID id.SessionID) (string, bool, error) {
	msg, ok := s.cache.Peek(sessionID)
	if !ok || !s.cache.Remove(sessionID) {
		return "", false, nil
	}
	return msg, true, nil
}

// Redis stores notices with a TTL and reads them with GETDEL.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Redis{client: client, ttl: ttl}
}

func (s *Redis) Put(ctx context.Context, sessionID id.SessionID, message string) error {
	if err := s.client.Set(ctx, keyPrefix+sessionID.String(), message, s.ttl).Err(); err != nil {
		return fmt.Errorf("store notice: %w", err)
	}
	return nil
}

func (s *Redis) Take(ctx context.Context, sessionID id.SessionID) (string, bool, error) {
	msg, err := s.client.GetDel(ctx, keyPrefix+sessionID.String()).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("take notice: %w", err)
	}
	return msg, true, nil
}
