package chat

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateTitle(t *testing.T) {
	assert.Equal(t, "Hello world", GenerateTitle("  Hello \n\t world  "))
	assert.Equal(t, DefaultTitle, GenerateTitle("   "))

	long := strings.Repeat("a", 60)
	got := GenerateTitle(long)
	assert.Equal(t, strings.Repeat("a", 50)+"...", got)
}

func TestUpdateRequestApply(t *testing.T) {
	c := Chat{ID: "c1", Title: "old", Messages: []Message{{ID: "m1", Role: RoleUser, Content: "hi"}}}

	UpdateRequest{Title: "new", UpdateMask: []string{FieldTitle}}.Apply(&c)
	assert.Equal(t, "new", c.Title)
	require.Len(t, c.Messages, 1)

	UpdateRequest{UpdateMask: []string{FieldMessages}}.Apply(&c)
	assert.NotNil(t, c.Messages)
	assert.Empty(t, c.Messages)

	require.Error(t, UpdateRequest{UpdateMask: []string{"createdAt"}}.Validate())
}

func TestCloneMessagesDoesNotAlias(t *testing.T) {
	in := []Message{{ID: "m1", Attachments: []Attachment{{ID: "a1", Name: "x"}}}}
	out := CloneMessages(in)
	out[0].Attachments[0].Name = "changed"
	assert.Equal(t, "x", in[0].Attachments[0].Name)
}
