package completion

import (
	"context"

	"streamchat/internal/chat"
)

// DefaultSystemPrompt is sent ahead of the history when no prompt is configured.
const DefaultSystemPrompt = "You are a helpful assistant."

type Request struct {
	Model    string
	System   string
	Messages []chat.Message
}

// Stream is a lazy, finite sequence of text deltas. Recv returns io.EOF
// after the last delta. Streams are not restartable.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Client opens completion streams. Cancelling ctx stops delivery.
type Client interface {
	Stream(ctx context.Context, req Request) (Stream, error)
}

// LastUserMessage returns the most recent user message, if any.
func LastUserMessage(msgs []chat.Message) (chat.Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == chat.RoleUser {
			return msgs[i], true
		}
	}
	return chat.Message{}, false
}
