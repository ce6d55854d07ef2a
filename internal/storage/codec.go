package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"streamchat/internal/chat"
	"streamchat/internal/crypto"
)

// Options are shared by every backend.
type Options struct {
	// Cipher seals the message list at rest when set. Plain records written
	// before a cipher was configured stay readable.
	Cipher *crypto.Manager
	Now    func() time.Time
	NewID  func() string
}

func (o Options) withDefaults() Options {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	return o
}

func (o Options) nowMillis() int64 {
	return o.Now().UnixMilli()
}

// encodeMessages returns a JSON document: a plain array, or an envelope
// object bound to chatID when a cipher is configured.
func encodeMessages(msgs []chat.Message, cipher *crypto.Manager, chatID string) (string, error) {
	if msgs == nil {
		msgs = []chat.Message{}
	}
	b, err := json.Marshal(msgs)
	if err != nil {
		return "", fmt.Errorf("marshal messages: %w", err)
	}
	if cipher == nil {
		return string(b), nil
	}
	sealed, err := cipher.SealString(string(b), chatID)
	if err != nil {
		return "", fmt.Errorf("encrypt messages: %w", err)
	}
	return sealed, nil
}

func decodeMessages(raw string, cipher *crypto.Manager, chatID string) ([]chat.Message, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return []chat.Message{}, nil
	}
	if strings.HasPrefix(raw, "{") {
		if cipher == nil {
			return nil, fmt.Errorf("decode messages: record is encrypted and no key is configured")
		}
		plain, err := cipher.OpenString(raw, chatID)
		if err != nil {
			return nil, fmt.Errorf("decrypt messages: %w", err)
		}
		raw = plain
	}
	out := []chat.Message{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("unmarshal messages: %w", err)
	}
	return out, nil
}

// record is the serialized form used by the key-value backends.
type record struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	CreatedAt int64           `json:"createdAt"`
	Messages  json.RawMessage `json:"messages"`
}

func marshalRecord(c chat.Chat, cipher *crypto.Manager) ([]byte, error) {
	msgs, err := encodeMessages(c.Messages, cipher, c.ID)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(record{
		ID:        c.ID,
		Title:     c.Title,
		CreatedAt: c.CreatedAt,
		Messages:  json.RawMessage(msgs),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat record: %w", err)
	}
	return b, nil
}

func unmarshalRecord(b []byte, cipher *crypto.Manager) (chat.Chat, error) {
	var r record
	if err := json.Unmarshal(b, &r); err != nil {
		return chat.Chat{}, fmt.Errorf("unmarshal chat record: %w", err)
	}
	msgs, err := decodeMessages(string(r.Messages), cipher, r.ID)
	if err != nil {
		return chat.Chat{}, err
	}
	return chat.Chat{ID: r.ID, Title: r.Title, CreatedAt: r.CreatedAt, Messages: msgs}, nil
}

// appendWithID stores msg under a freshly generated id.
func appendWithID(c *chat.Chat, msg chat.Message, newID func() string) chat.Message {
	msg.ID = newID()
	if msg.Attachments != nil {
		msg.Attachments = append([]chat.Attachment(nil), msg.Attachments...)
	}
	c.Messages = append(c.Messages, msg)
	return msg
}

func validateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("chat id is empty")
	}
	return nil
}
