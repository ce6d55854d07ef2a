package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamchat/internal/chat"
	"streamchat/internal/completion/completiontest"
)

func newManager(t *testing.T, store chat.Store, client *completiontest.Client, ttl time.Duration) *Manager {
	t.Helper()
	m := NewManager(ManagerConfig{Store: store, Client: client, IdleTTL: ttl, Logger: zerolog.Nop()})
	t.Cleanup(m.Shutdown)
	return m
}

func TestLookupOfUnknownChatsKeepsNothing(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, newStore(t), completiontest.New(), time.Minute)

	for i := 0; i < 1000; i++ {
		c, found, err := m.Lookup(ctx, fmt.Sprintf("ghost-%d", i))
		require.NoError(t, err)
		require.False(t, found)
		require.Nil(t, c)
	}
	assert.Equal(t, 0, m.Len())
}

func TestLookupOpensStoredChat(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	_, err := store.Create(ctx, "c1", "t")
	require.NoError(t, err)
	m := newManager(t, store, completiontest.New(), time.Minute)

	c, found, err := m.Lookup(ctx, "c1")
	require.NoError(t, err)
	require.True(t, found)
	again, _, err := m.Lookup(ctx, "c1")
	require.NoError(t, err)
	assert.Same(t, c, again)
	assert.Equal(t, 1, m.Len())
}

func TestSweepReleasesIdleSessions(t *testing.T) {
	ctx := context.Background()
	const ttl = time.Minute
	m := newManager(t, newStore(t), completiontest.New(), ttl)

	for i := 0; i < 10; i++ {
		_, err := m.Open(ctx, fmt.Sprintf("c%d", i), "")
		require.NoError(t, err)
	}
	require.Equal(t, 10, m.Len())

	assert.Equal(t, 0, m.Sweep(time.Now()), "fresh sessions are not idle")
	assert.Equal(t, 10, m.Sweep(time.Now().Add(2*ttl)))
	assert.Equal(t, 0, m.Len())

	_, err := m.Open(ctx, "c0", "")
	require.NoError(t, err)
	assert.Equal(t, 1, m.Len())
}

func TestSweepKeepsWatchedAndBusySessions(t *testing.T) {
	ctx := context.Background()
	const ttl = time.Minute
	feed := make(chan string)
	client := completiontest.New(completiontest.Script{Feed: feed})
	m := newManager(t, newStore(t), client, ttl)

	watched, err := m.Open(ctx, "watched", "")
	require.NoError(t, err)
	_, unwatch := watched.Watch(func(Event) {})

	busy, err := m.Open(ctx, "busy", "")
	require.NoError(t, err)
	require.NoError(t, busy.Submit(ctx, "hold on", nil))

	_, err = m.Open(ctx, "idle", "")
	require.NoError(t, err)

	later := time.Now().Add(2 * ttl)
	assert.Equal(t, 1, m.Sweep(later))
	_, ok := m.Get("idle")
	assert.False(t, ok)
	assert.Equal(t, 2, m.Len())

	unwatch()
	close(feed)
	busy.Wait()
	assert.Equal(t, 2, m.Sweep(time.Now().Add(2*ttl)))
	assert.Equal(t, 0, m.Len())
}

func TestRunSweepsOnInterval(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := newManager(t, newStore(t), completiontest.New(), time.Millisecond)

	_, err := m.Open(ctx, "c1", "")
	require.NoError(t, err)
	go m.Run(ctx, 5*time.Millisecond)

	assert.Eventually(t, func() bool { return m.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestManagerRefusesOpenAfterShutdown(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	_, err := store.Create(ctx, "c1", "t")
	require.NoError(t, err)
	m := newManager(t, store, completiontest.New(), time.Minute)

	c, err := m.Open(ctx, "c1", "")
	require.NoError(t, err)
	m.Shutdown()

	require.ErrorIs(t, c.Submit(ctx, "late", nil), ErrClosed)
	_, err = m.Open(ctx, "c1", "")
	require.ErrorIs(t, err, ErrShuttingDown)
	_, _, err = m.Lookup(ctx, "c1")
	require.ErrorIs(t, err, ErrShuttingDown)
	assert.Equal(t, 0, m.Len())
}
