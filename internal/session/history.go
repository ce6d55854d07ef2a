package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"streamchat/internal/chat"
	"streamchat/internal/metrics"
)

var ErrEmptyTitle = errors.New("title is empty")

// History is the chat list service: recency-ordered listing plus the
// create/rename/delete operations the sidebar needs.
type History struct {
	store   chat.Store
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	subs    map[int]func()
	nextSub int
}

func NewHistory(store chat.Store, logger zerolog.Logger) *History {
	return &History{
		store:   store,
		log:     logger.With().Str("component", "history").Logger(),
		metrics: metrics.Global(),
		subs:    map[int]func(){},
	}
}

// List returns every chat, newest first.
func (h *History) List(ctx context.Context) ([]chat.Chat, error) {
	chats, err := h.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	for i, j := 0, len(chats)-1; i < j; i, j = i+1, j-1 {
		chats[i], chats[j] = chats[j], chats[i]
	}
	return chats, nil
}

func (h *History) Get(ctx context.Context, id string) (chat.Chat, bool, error) {
	return h.store.Get(ctx, id)
}

// Create stores an empty chat. An empty title becomes the default title.
func (h *History) Create(ctx context.Context, id, title string) (chat.Chat, error) {
	if strings.TrimSpace(title) == "" {
		title = chat.DefaultTitle
	}
	c, err := h.store.Create(ctx, id, title)
	if err != nil {
		return chat.Chat{}, err
	}
	h.metrics.ChatsCreated.Inc()
	h.log.Info().Str("chat_id", id).Msg("chat created")
	h.notify()
	return c, nil
}

// SaveNewChat creates the chat titled after its first message.
func (h *History) SaveNewChat(ctx context.Context, id, firstMessage string) (chat.Chat, error) {
	return h.Create(ctx, id, chat.GenerateTitle(firstMessage))
}

func (h *History) Rename(ctx context.Context, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return ErrEmptyTitle
	}
	if err := h.store.Update(ctx, chat.UpdateRequest{ID: id, Title: title, UpdateMask: []string{chat.FieldTitle}}); err != nil {
		return err
	}
	h.notify()
	return nil
}

func (h *History) Delete(ctx context.Context, id string) error {
	if err := h.store.Delete(ctx, id); err != nil {
		return err
	}
	h.log.Info().Str("chat_id", id).Msg("chat deleted")
	h.notify()
	return nil
}

// OnChange registers fn to run after every mutation.
func (h *History) OnChange(fn func()) (unsubscribe func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextSub
	h.nextSub++
	h.subs[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs, id)
	}
}

func (h *History) notify() {
	h.mu.Lock()
	fns := make([]func(), 0, len(h.subs))
	for i := 0; i < h.nextSub; i++ {
		if fn, ok := h.subs[i]; ok {
			fns = append(fns, fn)
		}
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
