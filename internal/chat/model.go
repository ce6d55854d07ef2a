package chat

import "strings"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleData      Role = "data"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleData:
		return true
	default:
		return false
	}
}

type AttachmentType string

const (
	AttachmentImage AttachmentType = "image"
	AttachmentText  AttachmentType = "text"
	AttachmentOther AttachmentType = "other"
)

// Attachment is a file the user attached to a message. URL may be a
// transient blob URL that is only meaningful to the browser that created it.
type Attachment struct {
	ID      string         `json:"id"`
	Type    AttachmentType `json:"type"`
	Name    string         `json:"name"`
	URL     string         `json:"url"`
	Content string         `json:"content,omitempty"`
}

type Message struct {
	ID          string       `json:"id"`
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Chat is the persisted record. CreatedAt is epoch milliseconds.
type Chat struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt int64     `json:"createdAt"`
	Messages  []Message `json:"messages"`
}

const (
	DefaultTitle   = "New Chat"
	maxTitleLength = 50
)

// GenerateTitle derives a chat title from the first user message.
func GenerateTitle(content string) string {
	cleaned := strings.Join(strings.Fields(content), " ")
	r := []rune(cleaned)
	if len(r) > maxTitleLength {
		cleaned = string(r[:maxTitleLength])
	}
	if len([]rune(content)) > maxTitleLength {
		cleaned += "..."
	}
	if cleaned == "" {
		return DefaultTitle
	}
	return cleaned
}

// CloneMessages returns a deep copy so callers can't alias stored slices.
func CloneMessages(in []Message) []Message {
	if in == nil {
		return nil
	}
	out := make([]Message, len(in))
	for i, m := range in {
		out[i] = m
		if m.Attachments != nil {
			out[i].Attachments = append([]Attachment(nil), m.Attachments...)
		}
	}
	return out
}
