package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamchat/internal/chat"
	"streamchat/internal/storage"
)

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, parseLogLevel(" DEBUG "))
	assert.Equal(t, zerolog.WarnLevel, parseLogLevel("warning"))
	assert.Equal(t, zerolog.ErrorLevel, parseLogLevel("error"))
	assert.Equal(t, zerolog.InfoLevel, parseLogLevel("verbose"))
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs(append(args, "--env-file", ""))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestChatsCommands(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "cli.db")
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("STORE_DSN", dsn)
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("MASTER_KEY_B64", "")
	t.Setenv("MASTER_KEYS_JSON", "")

	ctx := context.Background()
	s, err := storage.OpenSQL(ctx, "sqlite", dsn, true, storage.Options{})
	require.NoError(t, err)
	_, err = s.Create(ctx, "c1", "Lisbon trip")
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, "c1", chat.Message{Role: chat.RoleUser, Content: "hi"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	out, err := run(t, "chats", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "c1")
	assert.Contains(t, out, "Lisbon trip")

	out, err = run(t, "chats", "show", "c1")
	require.NoError(t, err)
	var c chat.Chat
	require.NoError(t, json.Unmarshal([]byte(out), &c))
	require.Len(t, c.Messages, 1)
	assert.Equal(t, "hi", c.Messages[0].Content)

	_, err = run(t, "chats", "show", "missing")
	require.ErrorIs(t, err, chat.ErrNotFound)

	out, err = run(t, "chats", "delete", "c1")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted c1")

	_, err = run(t, "chats", "reseal")
	require.Error(t, err)
}

func TestChatsResealReportsKey(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "cli.db")
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("STORE_DSN", dsn)
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("MASTER_KEYS_JSON", "")
	t.Setenv("MASTER_KEY_B64", base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 32)))
	t.Setenv("MASTER_KEY_CURRENT_ID", "k1")

	ctx := context.Background()
	s, err := storage.OpenSQL(ctx, "sqlite", dsn, true, storage.Options{})
	require.NoError(t, err)
	_, err = s.Create(ctx, "c1", "plain")
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, "c1", chat.Message{Role: chat.RoleUser, Content: "hi"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	out, err := run(t, "chats", "reseal")
	require.NoError(t, err)
	assert.Equal(t, "resealed 1 chats under key k1\n", out)
}
