package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamchat/internal/chat"
)

func TestGateQueuesUntilReady(t *testing.T) {
	release := make(chan struct{})
	dir := t.TempDir()
	g := NewGate(context.Background(), func(ctx context.Context) (chat.Store, error) {
		<-release
		return OpenBolt(filepath.Join(dir, "g.bolt"), Options{})
	})
	defer g.Close()

	ready, _ := g.Ready()
	assert.False(t, ready)

	done := make(chan error, 1)
	go func() {
		_, err := g.Create(context.Background(), "c1", "queued")
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("create returned before initialization finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("create did not complete after initialization")
	}

	got, found, err := g.Get(context.Background(), "c1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "queued", got.Title)
}

func TestGateContextEndsWait(t *testing.T) {
	g := NewGate(context.Background(), func(ctx context.Context) (chat.Store, error) {
		select {}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := g.List(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGateFailedInit(t *testing.T) {
	g := NewGate(context.Background(), func(ctx context.Context) (chat.Store, error) {
		return nil, errors.New("disk on fire")
	})
	_, err := g.List(context.Background())
	require.ErrorIs(t, err, chat.ErrStorageUnavailable)
	assert.Contains(t, err.Error(), "disk on fire")

	ready, initErr := g.Ready()
	assert.True(t, ready)
	require.Error(t, initErr)
	require.NoError(t, g.Close())
}

func TestGateClosed(t *testing.T) {
	dir := t.TempDir()
	g := NewGate(context.Background(), func(ctx context.Context) (chat.Store, error) {
		return OpenBolt(filepath.Join(dir, "g.bolt"), Options{})
	})
	require.NoError(t, g.Close())
	_, err := g.Create(context.Background(), "c1", "t")
	require.ErrorIs(t, err, chat.ErrStorageUnavailable)
}

func TestNilGate(t *testing.T) {
	var g *Gate
	_, _, err := g.Get(context.Background(), "c1")
	require.ErrorIs(t, err, chat.ErrStorageUnavailable)
}
