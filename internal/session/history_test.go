package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamchat/internal/chat"
	"streamchat/internal/completion"
	"streamchat/internal/completion/completiontest"
	"streamchat/internal/storage"
)

func TestHistoryListNewestFirst(t *testing.T) {
	ctx := context.Background()
	var tick atomic.Int64
	store, err := storage.OpenBolt(t.TempDir()+"/h.bolt", storage.Options{Now: func() time.Time {
		return time.UnixMilli(tick.Add(1))
	}})
	require.NoError(t, err)
	defer store.Close()

	h := NewHistory(store, zerolog.Nop())
	for _, id := range []string{"old", "mid", "new"} {
		_, err := h.Create(ctx, id, "")
		require.NoError(t, err)
	}
	list, err := h.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "new", list[0].ID)
	assert.Equal(t, "old", list[2].ID)
	assert.Equal(t, chat.DefaultTitle, list[0].Title)
}

func TestHistoryMutationsNotify(t *testing.T) {
	ctx := context.Background()
	h := NewHistory(newStore(t), zerolog.Nop())
	var calls int
	unsubscribe := h.OnChange(func() { calls++ })

	c, err := h.SaveNewChat(ctx, "c1", "What is the capital of Portugal and why is it Lisbon?")
	require.NoError(t, err)
	assert.Equal(t, "What is the capital of Portugal and why is it Lisb...", c.Title)

	require.NoError(t, h.Rename(ctx, "c1", "Geography"))
	got, _, err := h.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Geography", got.Title)

	require.ErrorIs(t, h.Rename(ctx, "missing", "x"), chat.ErrNotFound)
	require.Error(t, h.Rename(ctx, "c1", "   "))

	require.NoError(t, h.Delete(ctx, "c1"))
	assert.Equal(t, 3, calls)

	unsubscribe()
	_, err = h.Create(ctx, "c2", "x")
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	_, err = h.Create(ctx, "c2", "again")
	require.ErrorIs(t, err, chat.ErrDuplicateID)
}

func TestManagerOpenLoadsPersistedMessages(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	_, err := store.Create(ctx, "c1", "t")
	require.NoError(t, err)
	_, err = store.AppendMessage(ctx, "c1", chat.Message{Role: chat.RoleUser, Content: "earlier"})
	require.NoError(t, err)

	catalog, err := completion.ParseCatalog("gpt-4=gpt-4o,mini", "")
	require.NoError(t, err)
	m := NewManager(ManagerConfig{Store: store, Client: completiontest.New(), Catalog: catalog, Logger: zerolog.Nop()})
	defer m.Shutdown()

	c, err := m.Open(ctx, "c1", "")
	require.NoError(t, err)
	st := c.State()
	assert.Equal(t, "gpt-4", st.Model)
	require.Len(t, st.Messages, 1)
	assert.Equal(t, "earlier", st.Messages[0].Content)

	again, err := m.Open(ctx, "c1", "mini")
	require.NoError(t, err)
	assert.Same(t, c, again)
	assert.Equal(t, "mini", again.State().Model)

	fresh, err := m.Open(ctx, "not-yet", "unknown-model")
	require.NoError(t, err)
	assert.Empty(t, fresh.State().Messages)
	assert.Equal(t, "gpt-4", fresh.State().Model)

	_, err = m.Open(ctx, " ", "")
	require.Error(t, err)
}

func TestManagerDeleteClosesSession(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	client := completiontest.New(completiontest.Script{Deltas: []string{"hey"}})
	m := NewManager(ManagerConfig{Store: store, Client: client, Logger: zerolog.Nop()})
	defer m.Shutdown()

	c, err := m.Open(ctx, "c1", "gpt-4")
	require.NoError(t, err)
	require.NoError(t, c.Submit(ctx, "hello", nil))
	c.Wait()

	require.NoError(t, m.Delete(ctx, "c1"))
	_, ok := m.Get("c1")
	assert.False(t, ok)
	_, found, err := store.Get(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, found)
	require.ErrorIs(t, c.Submit(ctx, "again", nil), ErrClosed)
}
