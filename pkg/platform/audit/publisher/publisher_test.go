package publisher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "signout/pkg/domain"
	audit "signout/pkg/platform/audit"
	"signout/pkg/platform/audit/store/memory"
)

const (
	tenant = id.TenantID("test-tenant-id")
	user   = id.UserKey("testuser@test-tenant-id")
)

func TestPublisher_SyncMode(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()

	err := pub.Emit(context.Background(), audit.Event{
		TenantID: tenant,
		UserKey:  user,
		Action:   string(audit.EventSessionInvalidated),
	})
	require.NoError(t, err)

	events, err := pub.List(context.Background(), tenant, user)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(audit.EventSessionInvalidated), events[0].Action)
	assert.Equal(t, audit.CategoryOperations, events[0].Category)
}

func TestPublisher_DerivesSecurityCategory(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)

	require.NoError(t, pub.Emit(context.Background(), audit.Event{
		TenantID: tenant,
		UserKey:  user,
		Action:   string(audit.EventNotificationRejected),
	}))

	events, err := pub.List(context.Background(), tenant, user)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, audit.CategorySecurity, events[0].Category)
}

func TestPublisher_AsyncDrainsOnClose(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store, WithAsyncBuffer(100))

	for range 10 {
		err := pub.Emit(context.Background(), audit.Event{
			TenantID: tenant,
			UserKey:  user,
			Action:   string(audit.EventNotificationApplied),
		})
		require.NoError(t, err)
	}

	pub.Close()

	events, err := store.ListByUser(context.Background(), tenant, user)
	require.NoError(t, err)
	assert.Len(t, events, 10, "all events should be drained on close")
}

func TestPublisher_AsyncEventuallyPersists(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store, WithAsyncBuffer(10))
	defer pub.Close()

	require.NoError(t, pub.Emit(context.Background(), audit.Event{
		TenantID: tenant,
		UserKey:  user,
		Action:   string(audit.EventSignOutInitiated),
	}))

	assert.Eventually(t, func() bool {
		events, _ := store.ListByUser(context.Background(), tenant, user)
		return len(events) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestPublisher_BufferFullDoesNotPanic(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store, WithAsyncBuffer(1))
	defer pub.Close()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := pub.Emit(context.Background(), audit.Event{TenantID: tenant, UserKey: user, Action: "x"})
			if err != nil {
				assert.ErrorIs(t, err, ErrBufferFull)
			}
		}()
	}
	wg.Wait()
}

func TestPublisher_TimestampHandling(t *testing.T) {
	t.Run("sets missing timestamp", func(t *testing.T) {
		store := memory.NewInMemoryStore()
		pub := NewPublisher(store)

		before := time.Now()
		require.NoError(t, pub.Emit(context.Background(), audit.Event{TenantID: tenant, UserKey: user, Action: "x"}))
		after := time.Now()

		events, err := pub.List(context.Background(), tenant, user)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.False(t, events[0].Timestamp.Before(before))
		assert.False(t, events[0].Timestamp.After(after))
	})

	t.Run("preserves existing timestamp", func(t *testing.T) {
		store := memory.NewInMemoryStore()
		pub := NewPublisher(store)
		custom := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

		require.NoError(t, pub.Emit(context.Background(), audit.Event{TenantID: tenant, UserKey: user, Action: "x", Timestamp: custom}))

		events, err := pub.List(context.Background(), tenant, user)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, custom, events[0].Timestamp)
	})
}
