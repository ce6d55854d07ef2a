package crypto

import (
	"encoding/base64"
	"errors"
	"testing"
)

func TestSealOpen(t *testing.T) {
	keys := map[string][]byte{
		"k1": mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="),
	}
	m, err := NewManager("k1", keys)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	raw, err := m.SealString(`[{"role":"user","content":"hi"}]`, "chat-1")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	out, err := m.OpenString(raw, "chat-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if out != `[{"role":"user","content":"hi"}]` {
		t.Fatalf("expected original string, got %q", out)
	}
}

func TestOpenWithWrongChatFails(t *testing.T) {
	m, err := NewManager("k1", map[string][]byte{"k1": mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	raw, err := m.SealString("secret", "chat-1")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := m.OpenString(raw, "chat-2"); err == nil {
		t.Fatalf("expected open to fail for a different chat id")
	}
}

func TestRotationOpenOldSealNew(t *testing.T) {
	oldKey := mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	newKey := mustKey(t, "AQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQE=")

	oldManager, err := NewManager("old", map[string][]byte{"old": oldKey})
	if err != nil {
		t.Fatalf("old manager: %v", err)
	}
	oldCipher, err := oldManager.SealString("legacy", "c")
	if err != nil {
		t.Fatalf("old seal: %v", err)
	}

	rotated, err := NewManager("new", map[string][]byte{"old": oldKey, "new": newKey})
	if err != nil {
		t.Fatalf("rotated manager: %v", err)
	}
	if !rotated.NeedsReseal(oldCipher) {
		t.Fatalf("expected old envelope to need reseal")
	}

	plain, err := rotated.OpenString(oldCipher, "c")
	if err != nil {
		t.Fatalf("open with old key failed: %v", err)
	}
	if plain != "legacy" {
		t.Fatalf("unexpected plaintext: %q", plain)
	}

	fresh, err := rotated.SealString("fresh", "c")
	if err != nil {
		t.Fatalf("new seal failed: %v", err)
	}
	if rotated.NeedsReseal(fresh) {
		t.Fatalf("fresh envelope should use the current key")
	}

	if _, err := oldManager.OpenString(fresh, "c"); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
}

func TestNewManagerValidation(t *testing.T) {
	good := mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	if _, err := NewManager("", map[string][]byte{"a": good}); err == nil {
		t.Fatalf("expected error for empty current id")
	}
	if _, err := NewManager("a", map[string][]byte{"b": good}); err == nil {
		t.Fatalf("expected error for missing current key")
	}
	if _, err := NewManager("a", map[string][]byte{"a": []byte("short")}); err == nil {
		t.Fatalf("expected error for short key")
	}
}

func mustKey(t *testing.T, b64 string) []byte {
	t.Helper()
	k, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.Fatalf("decode key: %v", err)
	}
	if len(k) != 32 {
		t.Fatalf("expected 32-byte key, got %d", len(k))
	}
	return k
}
