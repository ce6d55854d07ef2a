package completion

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"streamchat/internal/chat"
)

// per-message framing overhead used by the chat format
const tokensPerMessage = 3

// Trimmer drops the oldest non-system messages until the history fits in
// MaxTokens. The newest message is always kept. MaxTokens <= 0 disables it.
type Trimmer struct {
	MaxTokens int
	Count     func(string) int
}

func (t Trimmer) Trim(msgs []chat.Message) []chat.Message {
	if t.MaxTokens <= 0 || len(msgs) == 0 {
		return msgs
	}
	count := t.Count
	if count == nil {
		count = CountTokens
	}

	sizes := make([]int, len(msgs))
	total := 0
	for i, m := range msgs {
		sizes[i] = count(m.Content) + tokensPerMessage
		total += sizes[i]
	}

	drop := make([]bool, len(msgs))
	for i := 0; i < len(msgs)-1 && total > t.MaxTokens; i++ {
		if msgs[i].Role == chat.RoleSystem {
			continue
		}
		drop[i] = true
		total -= sizes[i]
	}

	out := make([]chat.Message, 0, len(msgs))
	for i, m := range msgs {
		if !drop[i] {
			out = append(out, m)
		}
	}
	return out
}

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

// CountTokens counts cl100k tokens, falling back to a length estimate when
// the encoding can't be loaded.
func CountTokens(s string) int {
	encOnce.Do(func() {
		e, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			enc = e
		}
	})
	if enc == nil {
		return (len(s) + 3) / 4
	}
	return len(enc.Encode(s, nil, nil))
}
