package chat

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("chat not found")
	ErrDuplicateID        = errors.New("chat id already exists")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

const (
	FieldTitle    = "title"
	FieldMessages = "messages"
)

// UpdateRequest carries the fields to merge into a stored chat. Only the
// fields named in UpdateMask are written; Messages replaces the whole list.
type UpdateRequest struct {
	ID         string
	Title      string
	Messages   []Message
	UpdateMask []string
}

func (r UpdateRequest) Has(field string) bool {
	for _, f := range r.UpdateMask {
		if f == field {
			return true
		}
	}
	return false
}

func (r UpdateRequest) Validate() error {
	for _, f := range r.UpdateMask {
		if f != FieldTitle && f != FieldMessages {
			return fmt.Errorf("unsupported update field %q", f)
		}
	}
	return nil
}

// Apply merges the masked fields of r into c.
func (r UpdateRequest) Apply(c *Chat) {
	if r.Has(FieldTitle) {
		c.Title = r.Title
	}
	if r.Has(FieldMessages) {
		c.Messages = CloneMessages(r.Messages)
		if c.Messages == nil {
			c.Messages = []Message{}
		}
	}
}

// Store is the durable owner of chat records.
type Store interface {
	Create(ctx context.Context, id, title string) (Chat, error)
	// Get reports found=false without an error when the id is absent.
	Get(ctx context.Context, id string) (Chat, bool, error)
	Update(ctx context.Context, req UpdateRequest) error
	// Delete is idempotent.
	Delete(ctx context.Context, id string) error
	// List returns chats by creation time ascending.
	List(ctx context.Context) ([]Chat, error)
	// AppendMessage always assigns a fresh id and returns the stored message.
	AppendMessage(ctx context.Context, chatID string, msg Message) (Message, error)
	Close() error
}
