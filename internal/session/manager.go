package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"streamchat/internal/chat"
	"streamchat/internal/completion"
	"streamchat/internal/metrics"
)

type ManagerConfig struct {
	Store   chat.Store
	Client  completion.Client
	History *History
	Catalog completion.Catalog
	System  string
	Trimmer completion.Trimmer
	Smooth  bool
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	// IdleTTL is how long an unwatched, idle controller stays open.
	IdleTTL time.Duration
}

const defaultIdleTTL = 5 * time.Minute

var ErrShuttingDown = errors.New("session manager is shutting down")

// Manager keeps one Controller per open chat.
type Manager struct {
	cfg ManagerConfig
	log zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Controller
	shutdown bool
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	if cfg.History == nil {
		cfg.History = NewHistory(cfg.Store, cfg.Logger)
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = defaultIdleTTL
	}
	return &Manager{
		cfg:      cfg,
		log:      cfg.Logger.With().Str("component", "session_manager").Logger(),
		sessions: map[string]*Controller{},
	}
}

func (m *Manager) History() *History { return m.cfg.History }

func (m *Manager) Catalog() completion.Catalog { return m.cfg.Catalog }

// Open returns the controller for chatID, loading persisted messages the
// first time. A chat that does not exist yet opens empty and is created on
// its first submit. model selects the catalog entry; empty keeps the current
// one or the catalog default.
func (m *Manager) Open(ctx context.Context, chatID, model string) (*Controller, error) {
	if strings.TrimSpace(chatID) == "" {
		return nil, fmt.Errorf("chat id is empty")
	}
	if c, ok := m.Get(chatID); ok {
		if model != "" {
			c.SetModel(m.resolveModel(model))
		}
		return c, nil
	}
	if m.isShutdown() {
		return nil, ErrShuttingDown
	}

	stored, _, err := m.cfg.Store.Get(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("load chat: %w", err)
	}
	return m.register(chatID, model, stored.Messages)
}

// Lookup returns the open controller for chatID, or opens one when the chat
// is stored. found is false for a chat that is neither open nor stored; no
// controller is kept for it.
func (m *Manager) Lookup(ctx context.Context, chatID string) (*Controller, bool, error) {
	if c, ok := m.Get(chatID); ok {
		return c, true, nil
	}
	if m.isShutdown() {
		return nil, false, ErrShuttingDown
	}
	stored, found, err := m.cfg.Store.Get(ctx, chatID)
	if err != nil {
		return nil, false, fmt.Errorf("load chat: %w", err)
	}
	if !found {
		return nil, false, nil
	}
	c, err := m.register(chatID, "", stored.Messages)
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}

func (m *Manager) isShutdown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown
}

func (m *Manager) register(chatID, model string, msgs []chat.Message) (*Controller, error) {
	c := New(Config{
		ChatID:   chatID,
		Model:    m.resolveModel(model),
		System:   m.cfg.System,
		Messages: msgs,
		Store:    m.cfg.Store,
		Client:   m.cfg.Client,
		History:  m.cfg.History,
		Trimmer:  m.cfg.Trimmer,
		Smooth:   m.cfg.Smooth,
		Logger:   m.cfg.Logger,
		Metrics:  m.cfg.Metrics,
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown {
		return nil, ErrShuttingDown
	}
	if existing, ok := m.sessions[chatID]; ok {
		existing.touch()
		return existing, nil
	}
	m.sessions[chatID] = c
	m.log.Debug().Str("chat_id", chatID).Int("messages", len(msgs)).Msg("session opened")
	return c, nil
}

func (m *Manager) resolveModel(model string) string {
	if len(m.cfg.Catalog.Models) == 0 {
		return model
	}
	return m.cfg.Catalog.Resolve(model).ID
}

// Get returns the open controller for chatID and marks it active.
func (m *Manager) Get(chatID string) (*Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.sessions[chatID]
	if ok {
		c.touch()
	}
	return c, ok
}

// Len reports how many controllers are open.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep releases controllers that are idle, unwatched and untouched for
// IdleTTL as of now. It returns how many were released.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, c := range m.sessions {
		if c.retireIfIdle(now, m.cfg.IdleTTL) {
			delete(m.sessions, id)
			n++
		}
	}
	if n > 0 {
		m.log.Debug().Int("released", n).Int("open", len(m.sessions)).Msg("idle sessions released")
	}
	return n
}

// Run sweeps idle controllers every interval until ctx ends.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = m.cfg.IdleTTL / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Sweep(now)
		}
	}
}

// Close stops and forgets the controller for chatID.
func (m *Manager) Close(chatID string) error {
	m.mu.Lock()
	c, ok := m.sessions[chatID]
	delete(m.sessions, chatID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return c.Close()
}

// Delete closes the session and removes the chat from the store.
func (m *Manager) Delete(ctx context.Context, chatID string) error {
	if err := m.Close(chatID); err != nil {
		m.log.Warn().Err(err).Str("chat_id", chatID).Msg("closing session before delete")
	}
	return m.cfg.History.Delete(ctx, chatID)
}

// Shutdown closes every open controller. Later opens fail with
// ErrShuttingDown.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.shutdown = true
	open := make([]*Controller, 0, len(m.sessions))
	for id, c := range m.sessions {
		open = append(open, c)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	var wg conc.WaitGroup
	for _, c := range open {
		wg.Go(func() {
			if err := c.Close(); err != nil {
				m.log.Warn().Err(err).Str("chat_id", c.ChatID()).Msg("closing session")
			}
		})
	}
	wg.Wait()
}
