package storage

import (
	"context"
	"fmt"
	"sync"

	"streamchat/internal/chat"
)

// Gate fronts a store whose initialization runs in the background. Calls made
// before initialization finishes block until it does or their context ends.
type Gate struct {
	ready chan struct{}
	store chat.Store
	err   error

	mu     sync.Mutex
	closed bool
}

var _ chat.Store = (*Gate)(nil)

func NewGate(ctx context.Context, open func(context.Context) (chat.Store, error)) *Gate {
	g := &Gate{ready: make(chan struct{})}
	go func() {
		defer close(g.ready)
		s, err := open(ctx)
		if err == nil && s == nil {
			err = fmt.Errorf("open returned no store")
		}
		g.store, g.err = s, err
	}()
	return g
}

// Ready reports whether initialization has finished, and its error.
func (g *Gate) Ready() (bool, error) {
	select {
	case <-g.ready:
		return true, g.err
	default:
		return false, nil
	}
}

func (g *Gate) wait(ctx context.Context) (chat.Store, error) {
	if g == nil {
		return nil, chat.ErrStorageUnavailable
	}
	select {
	case <-g.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed {
		return nil, chat.ErrStorageUnavailable
	}
	if g.err != nil {
		return nil, fmt.Errorf("%w: %v", chat.ErrStorageUnavailable, g.err)
	}
	return g.store, nil
}

func (g *Gate) Create(ctx context.Context, id, title string) (chat.Chat, error) {
	s, err := g.wait(ctx)
	if err != nil {
		return chat.Chat{}, err
	}
	return s.Create(ctx, id, title)
}

func (g *Gate) Get(ctx context.Context, id string) (chat.Chat, bool, error) {
	s, err := g.wait(ctx)
	if err != nil {
		return chat.Chat{}, false, err
	}
	return s.Get(ctx, id)
}

func (g *Gate) Update(ctx context.Context, req chat.UpdateRequest) error {
	s, err := g.wait(ctx)
	if err != nil {
		return err
	}
	return s.Update(ctx, req)
}

func (g *Gate) Delete(ctx context.Context, id string) error {
	s, err := g.wait(ctx)
	if err != nil {
		return err
	}
	return s.Delete(ctx, id)
}

func (g *Gate) List(ctx context.Context) ([]chat.Chat, error) {
	s, err := g.wait(ctx)
	if err != nil {
		return nil, err
	}
	return s.List(ctx)
}

func (g *Gate) AppendMessage(ctx context.Context, chatID string, msg chat.Message) (chat.Message, error) {
	s, err := g.wait(ctx)
	if err != nil {
		return chat.Message{}, err
	}
	return s.AppendMessage(ctx, chatID, msg)
}

// Close waits for initialization and closes the underlying store.
func (g *Gate) Close() error {
	if g == nil {
		return nil
	}
	<-g.ready
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	if g.store == nil {
		return nil
	}
	return g.store.Close()
}
