package session

import (
	"time"

	"streamchat/internal/chat"
)

type EventKind string

const (
	EventStatus  EventKind = "status"
	EventMessage EventKind = "message"
	EventDelta   EventKind = "delta"
	// EventReset carries the whole message list after a confirm or rollback.
	EventReset EventKind = "reset"
	// EventClosed is the last event a listener receives.
	EventClosed EventKind = "closed"
)

type Event struct {
	Kind      EventKind      `json:"kind"`
	ChatID    string         `json:"chatId"`
	Status    Status         `json:"status,omitempty"`
	Error     string         `json:"error,omitempty"`
	Message   *chat.Message  `json:"message,omitempty"`
	MessageID string         `json:"messageId,omitempty"`
	Delta     string         `json:"delta,omitempty"`
	Messages  []chat.Message `json:"messages,omitempty"`
}

// Listener receives events in publish order. It runs with the controller's
// state lock held and must not call back into the controller.
type Listener func(Event)

// Subscribe registers l and returns a func that removes it.
func (c *Controller) Subscribe(l Listener) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = l
	c.lastActive = time.Now()
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
		c.lastActive = time.Now()
	}
}

// Watch subscribes l and returns the state it starts from. Events that l
// receives apply on top of the returned snapshot.
func (c *Controller) Watch(l Listener) (State, func()) {
	c.mu.Lock()
	st := c.stateLocked()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = l
	c.lastActive = time.Now()
	c.mu.Unlock()
	return st, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
		c.lastActive = time.Now()
	}
}

func (c *Controller) emitLocked(ev Event) {
	ev.ChatID = c.chatID
	c.lastActive = time.Now()
	if ev.Kind != EventStatus {
		ev.Status = c.status
	}
	for i := 0; i < c.nextSub; i++ {
		if l, ok := c.subs[i]; ok {
			l(ev)
		}
	}
}
