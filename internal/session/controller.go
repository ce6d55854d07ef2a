package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"streamchat/internal/chat"
	"streamchat/internal/completion"
	"streamchat/internal/metrics"
)

type Status string

const (
	StatusReady     Status = "ready"
	StatusSubmitted Status = "submitted"
	StatusStreaming Status = "streaming"
	StatusError     Status = "error"
)

func (s Status) busy() bool {
	return s == StatusSubmitted || s == StatusStreaming
}

var (
	ErrBusy            = errors.New("a response is already in progress")
	ErrNothingToRetry  = errors.New("no user message to retry")
	ErrMessageNotFound = errors.New("message not found")
	ErrClosed          = errors.New("session closed")
	ErrNotEditable     = errors.New("only user messages can be edited")
)

// finalization writes run detached from the caller's context so a finished
// stream is persisted even when the request that started it is gone
const persistTimeout = 10 * time.Second

type Config struct {
	ChatID   string
	Model    string
	System   string
	Messages []chat.Message
	Store    chat.Store
	Client   completion.Client
	History  *History
	Trimmer  completion.Trimmer
	// Smooth re-chunks deltas on word boundaries before they are applied.
	Smooth  bool
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

type State struct {
	ChatID   string         `json:"chatId"`
	Model    string         `json:"model"`
	Status   Status         `json:"status"`
	Messages []chat.Message `json:"messages"`
	Error    string         `json:"error,omitempty"`
	Input    string         `json:"input"`
}

// Controller owns the live conversation of one chat and drives the
// request/response cycle against the completion client.
//
// opMu serializes user operations and stream finalization so store writes
// for the chat happen in order. mu guards the in-memory state; listeners run
// while it is held.
type Controller struct {
	chatID  string
	model   string
	system  string
	store   chat.Store
	client  completion.Client
	history *History
	trimmer completion.Trimmer
	smooth  bool
	log     zerolog.Logger
	metrics *metrics.Metrics

	opMu sync.Mutex

	mu       sync.Mutex
	status   Status
	messages []chat.Message
	input    string
	lastErr  string
	gen      uint64
	cancel   context.CancelFunc
	pending  int
	closed   bool
	subs     map[int]Listener
	nextSub  int
	inflight conc.WaitGroup

	// lastActive is bumped on every event, subscriber change and open.
	lastActive time.Time
}

func New(cfg Config) *Controller {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	msgs := chat.CloneMessages(cfg.Messages)
	if msgs == nil {
		msgs = []chat.Message{}
	}
	return &Controller{
		chatID:     cfg.ChatID,
		model:      cfg.Model,
		system:     cfg.System,
		store:      cfg.Store,
		client:     cfg.Client,
		history:    cfg.History,
		trimmer:    cfg.Trimmer,
		smooth:     cfg.Smooth,
		log:        cfg.Logger.With().Str("component", "session").Str("chat_id", cfg.ChatID).Logger(),
		metrics:    m,
		status:     StatusReady,
		messages:   msgs,
		pending:    -1,
		subs:       map[int]Listener{},
		lastActive: time.Now(),
	}
}

func (c *Controller) touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActive = time.Now()
}

// retireIfIdle closes the controller when no stream is running, nobody is
// subscribed and nothing happened since now-ttl. It never waits for an
// operation in progress.
func (c *Controller) retireIfIdle(now time.Time, ttl time.Duration) bool {
	if !c.opMu.TryLock() {
		return false
	}
	defer c.opMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	if c.status.busy() || len(c.subs) > 0 || now.Sub(c.lastActive) < ttl {
		return false
	}
	c.closed = true
	return true
}

func (c *Controller) ChatID() string { return c.chatID }

// SetModel changes the model used by the next dispatch.
func (c *Controller) SetModel(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if model != "" {
		c.model = model
	}
}

func (c *Controller) SetInput(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.input = text
}

func (c *Controller) Input() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.input
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Controller) stateLocked() State {
	return State{
		ChatID:   c.chatID,
		Model:    c.model,
		Status:   c.status,
		Messages: chat.CloneMessages(c.messages),
		Error:    c.lastErr,
		Input:    c.input,
	}
}

// Submit appends a user message, persists it and dispatches the history.
// Empty input without attachments is a no-op.
func (c *Controller) Submit(ctx context.Context, input string, attachments []chat.Attachment) error {
	if strings.TrimSpace(input) == "" && len(attachments) == 0 {
		return nil
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if err := c.acceptLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	if err := c.ensureChat(ctx, input); err != nil {
		return err
	}

	tempID := "pending-" + uuid.NewString()
	msg := chat.Message{ID: tempID, Role: chat.RoleUser, Content: input, Attachments: attachments}

	c.mu.Lock()
	c.messages = append(c.messages, msg)
	c.emitLocked(Event{Kind: EventMessage, Message: &msg})
	c.mu.Unlock()

	stored, err := c.store.AppendMessage(ctx, c.chatID, chat.Message{Role: chat.RoleUser, Content: input, Attachments: attachments})

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.removeLocked(tempID)
		c.emitLocked(Event{Kind: EventReset, Messages: chat.CloneMessages(c.messages)})
		c.log.Error().Err(err).Msg("failed to persist user message")
		return fmt.Errorf("persist user message: %w", err)
	}
	c.metrics.MessagesPersisted.WithLabelValues(string(chat.RoleUser)).Inc()
	c.replaceIDLocked(tempID, stored.ID)
	c.input = ""
	c.emitLocked(Event{Kind: EventReset, Messages: chat.CloneMessages(c.messages)})
	c.dispatchLocked()
	return nil
}

// Retry re-issues the request for the current history without appending a
// user message. From ready, a trailing assistant message is dropped first so
// it is regenerated.
func (c *Controller) Retry(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.retry(ctx)
}

func (c *Controller) retry(ctx context.Context) error {
	c.mu.Lock()
	if err := c.acceptLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	next := c.messages
	trimmed := false
	if c.status == StatusReady && len(next) > 0 && next[len(next)-1].Role == chat.RoleAssistant {
		next = chat.CloneMessages(next[:len(next)-1])
		trimmed = true
	}
	if _, ok := completion.LastUserMessage(next); !ok {
		c.mu.Unlock()
		return ErrNothingToRetry
	}
	c.mu.Unlock()

	if trimmed {
		err := c.store.Update(ctx, chat.UpdateRequest{ID: c.chatID, Messages: next, UpdateMask: []string{chat.FieldMessages}})
		if err != nil {
			return fmt.Errorf("drop assistant message: %w", err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if trimmed {
		c.messages = next
		c.emitLocked(Event{Kind: EventReset, Messages: chat.CloneMessages(c.messages)})
	}
	c.dispatchLocked()
	return nil
}

// EditAndResubmit replaces the content of the user message messageID, drops
// every message after it, persists the result and re-submits.
func (c *Controller) EditAndResubmit(ctx context.Context, messageID, content string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if err := c.acceptLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	idx := c.indexLocked(messageID)
	if idx < 0 {
		c.mu.Unlock()
		return ErrMessageNotFound
	}
	if c.messages[idx].Role != chat.RoleUser {
		c.mu.Unlock()
		return ErrNotEditable
	}
	edited := chat.CloneMessages(c.messages[:idx+1])
	edited[idx].Content = content
	c.mu.Unlock()

	err := c.store.Update(ctx, chat.UpdateRequest{ID: c.chatID, Messages: edited, UpdateMask: []string{chat.FieldMessages}})
	if err != nil {
		return fmt.Errorf("persist edited messages: %w", err)
	}

	c.mu.Lock()
	c.messages = edited
	c.emitLocked(Event{Kind: EventReset, Messages: chat.CloneMessages(c.messages)})
	c.mu.Unlock()

	return c.retry(ctx)
}

// Stop cancels the in-flight stream. Once it returns no further delta is
// applied; tokens already received are kept and persisted as the final
// assistant message.
func (c *Controller) Stop(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.stop(ctx)
}

func (c *Controller) stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.status.busy() {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	var partial *chat.Message
	if c.pending >= 0 {
		p := c.messages[c.pending]
		partial = &p
	}
	c.mu.Unlock()
	c.metrics.StreamsStopped.Inc()

	var stored chat.Message
	var err error
	if partial != nil && partial.Content != "" {
		stored, err = c.store.AppendMessage(ctx, c.chatID, chat.Message{Role: chat.RoleAssistant, Content: partial.Content})
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case partial == nil:
	case partial.Content == "":
		c.removeLocked(partial.ID)
	case err != nil:
		c.removeLocked(partial.ID)
		c.pending = -1
		c.lastErr = completion.ErrorMessage(err)
		c.log.Error().Err(err).Msg("failed to persist partial assistant message")
		c.setStatusLocked(StatusError)
		return fmt.Errorf("persist partial assistant message: %w", err)
	default:
		c.metrics.MessagesPersisted.WithLabelValues(string(chat.RoleAssistant)).Inc()
		c.replaceIDLocked(partial.ID, stored.ID)
	}
	c.pending = -1
	c.emitLocked(Event{Kind: EventReset, Messages: chat.CloneMessages(c.messages)})
	c.setStatusLocked(StatusReady)
	return nil
}

// Wait blocks until the in-flight stream goroutine, if any, has returned.
func (c *Controller) Wait() {
	c.inflight.Wait()
}

// Close stops any in-flight stream, waits for it and detaches listeners.
func (c *Controller) Close() error {
	c.opMu.Lock()
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	err := c.stop(ctx)
	cancel()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.opMu.Unlock()

	c.inflight.Wait()

	c.mu.Lock()
	c.emitLocked(Event{Kind: EventClosed})
	c.subs = map[int]Listener{}
	c.mu.Unlock()
	return err
}

func (c *Controller) acceptLocked() error {
	if c.closed {
		return ErrClosed
	}
	if c.status.busy() {
		return ErrBusy
	}
	return nil
}

func (c *Controller) ensureChat(ctx context.Context, firstMessage string) error {
	_, found, err := c.store.Get(ctx, c.chatID)
	if err != nil {
		return fmt.Errorf("load chat: %w", err)
	}
	if found {
		return nil
	}
	if c.history != nil {
		_, err = c.history.SaveNewChat(ctx, c.chatID, firstMessage)
	} else {
		_, err = c.store.Create(ctx, c.chatID, chat.GenerateTitle(firstMessage))
	}
	if err != nil && !errors.Is(err, chat.ErrDuplicateID) {
		return fmt.Errorf("save new chat: %w", err)
	}
	return nil
}

// dispatchLocked starts a stream for the current history. The caller holds
// both opMu and mu.
func (c *Controller) dispatchLocked() {
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.pending = -1
	c.lastErr = ""
	req := completion.Request{
		Model:    c.model,
		System:   c.system,
		Messages: c.trimmer.Trim(chat.CloneMessages(c.messages)),
	}
	c.setStatusLocked(StatusSubmitted)
	c.metrics.StreamsStarted.Inc()
	c.log.Debug().Uint64("gen", gen).Int("messages", len(req.Messages)).Str("model", req.Model).Msg("dispatching completion")

	c.inflight.Go(func() {
		defer cancel()
		c.run(ctx, gen, req)
	})
}

func (c *Controller) run(ctx context.Context, gen uint64, req completion.Request) {
	stream, err := c.client.Stream(ctx, req)
	if err != nil {
		c.fail(gen, err)
		return
	}
	if c.smooth {
		stream = completion.Smooth(stream)
	}
	defer stream.Close()

	for {
		delta, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			c.finish(gen)
			return
		}
		if err != nil {
			c.fail(gen, err)
			return
		}
		if !c.applyDelta(gen, delta) {
			return
		}
	}
}

// applyDelta appends delta to the placeholder. It reports false once the
// dispatch is stale.
func (c *Controller) applyDelta(gen uint64, delta string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return false
	}
	if c.pending < 0 {
		msg := chat.Message{ID: "pending-" + uuid.NewString(), Role: chat.RoleAssistant}
		c.messages = append(c.messages, msg)
		c.pending = len(c.messages) - 1
		c.setStatusLocked(StatusStreaming)
		c.emitLocked(Event{Kind: EventMessage, Message: &msg})
	}
	if delta == "" {
		return true
	}
	c.messages[c.pending].Content += delta
	c.metrics.StreamDeltas.Inc()
	c.emitLocked(Event{Kind: EventDelta, MessageID: c.messages[c.pending].ID, Delta: delta})
	return true
}

func (c *Controller) finish(gen uint64) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	if c.pending < 0 {
		msg := chat.Message{ID: "pending-" + uuid.NewString(), Role: chat.RoleAssistant}
		c.messages = append(c.messages, msg)
		c.pending = len(c.messages) - 1
		c.emitLocked(Event{Kind: EventMessage, Message: &msg})
	}
	placeholder := c.messages[c.pending]
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	stored, err := c.store.AppendMessage(ctx, c.chatID, chat.Message{Role: chat.RoleAssistant, Content: placeholder.Content})

	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = -1
	c.cancel = nil
	if err != nil {
		c.removeLocked(placeholder.ID)
		c.lastErr = completion.ErrorMessage(err)
		c.metrics.StreamsFailed.Inc()
		c.log.Error().Err(err).Msg("failed to persist assistant message")
		c.emitLocked(Event{Kind: EventReset, Messages: chat.CloneMessages(c.messages)})
		c.setStatusLocked(StatusError)
		return
	}
	c.metrics.MessagesPersisted.WithLabelValues(string(chat.RoleAssistant)).Inc()
	c.metrics.StreamsCompleted.Inc()
	c.replaceIDLocked(placeholder.ID, stored.ID)
	c.emitLocked(Event{Kind: EventReset, Messages: chat.CloneMessages(c.messages)})
	c.setStatusLocked(StatusReady)
}

func (c *Controller) fail(gen uint64, err error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	if c.pending >= 0 {
		c.removeLocked(c.messages[c.pending].ID)
		c.pending = -1
		c.emitLocked(Event{Kind: EventReset, Messages: chat.CloneMessages(c.messages)})
	}
	c.cancel = nil
	c.lastErr = completion.ErrorMessage(err)
	c.metrics.StreamsFailed.Inc()
	c.log.Warn().Err(err).Msg("completion stream failed")
	c.setStatusLocked(StatusError)
}

func (c *Controller) setStatusLocked(s Status) {
	c.status = s
	c.emitLocked(Event{Kind: EventStatus, Status: s, Error: c.lastErr})
}

func (c *Controller) indexLocked(id string) int {
	for i, m := range c.messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func (c *Controller) removeLocked(id string) {
	if i := c.indexLocked(id); i >= 0 {
		c.messages = append(c.messages[:i:i], c.messages[i+1:]...)
	}
}

func (c *Controller) replaceIDLocked(oldID, newID string) {
	if i := c.indexLocked(oldID); i >= 0 {
		c.messages[i].ID = newID
	}
}
