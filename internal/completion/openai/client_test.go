package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"streamchat/internal/chat"
	"streamchat/internal/completion"
)

func sseChunk(content string) string {
	b, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion.chunk",
		"created": 1,
		"model":   "gpt-4o",
		"choices": []map[string]any{{"index": 0, "delta": map[string]any{"content": content}}},
	})
	return "data: " + string(b) + "\n\n"
}

func streamHandler(t *testing.T, deltas []string, seen func(r *http.Request, body map[string]any)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if seen != nil {
			seen(r, body)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		// content filter chunk without choices
		fmt.Fprint(w, `data: {"id":"","object":"","created":0,"model":"","choices":[]}`+"\n\n")
		for _, d := range deltas {
			fmt.Fprint(w, sseChunk(d))
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
}

func collect(t *testing.T, s completion.Stream) string {
	t.Helper()
	defer s.Close()
	var sb strings.Builder
	for {
		d, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return sb.String()
		}
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		sb.WriteString(d)
	}
}

func TestCompatStream(t *testing.T) {
	var gotModel string
	var gotMessages []any
	srv := httptest.NewServer(streamHandler(t, []string{"Hi", " there"}, func(r *http.Request, body map[string]any) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("missing bearer token")
		}
		gotModel, _ = body["model"].(string)
		gotMessages, _ = body["messages"].([]any)
	}))
	defer srv.Close()

	c, err := NewCompat(Config{APIKey: "sk-test", BaseURL: srv.URL + "/v1/", Deployments: map[string]string{"gpt-4": "gpt-4o"}})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	s, err := c.Stream(context.Background(), completion.Request{
		Model:    "gpt-4",
		System:   completion.DefaultSystemPrompt,
		Messages: []chat.Message{{Role: chat.RoleUser, Content: "Hello"}, {Role: chat.RoleData, Content: "ignored"}},
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if got := collect(t, s); got != "Hi there" {
		t.Fatalf("content = %q", got)
	}
	if gotModel != "gpt-4o" {
		t.Fatalf("model = %q, want deployment name", gotModel)
	}
	if len(gotMessages) != 2 {
		t.Fatalf("expected system + user message, got %d", len(gotMessages))
	}
}

func TestAzureStreamUsesDeploymentPath(t *testing.T) {
	var path, version, key string
	srv := httptest.NewServer(streamHandler(t, []string{"ok"}, func(r *http.Request, _ map[string]any) {
		path = r.URL.Path
		version = r.URL.Query().Get("api-version")
		key = r.Header.Get("api-key")
	}))
	defer srv.Close()

	c, err := NewAzure(Config{APIKey: "az-key", BaseURL: srv.URL, Deployments: map[string]string{"gpt-4": "prod-gpt4o"}})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	s, err := c.Stream(context.Background(), completion.Request{Model: "gpt-4", Messages: []chat.Message{{Role: chat.RoleUser, Content: "x"}}})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if got := collect(t, s); got != "ok" {
		t.Fatalf("content = %q", got)
	}
	if path != "/openai/deployments/prod-gpt4o/chat/completions" {
		t.Fatalf("unexpected path %q", path)
	}
	if version != DefaultAzureAPIVersion {
		t.Fatalf("api-version = %q", version)
	}
	if key != "az-key" {
		t.Fatalf("api-key header = %q", key)
	}
}

func TestAzureRequiresEndpoint(t *testing.T) {
	if _, err := NewAzure(Config{APIKey: "k"}); err == nil {
		t.Fatalf("expected error for empty endpoint")
	}
}

func TestStreamRetriesTemporaryStatus(t *testing.T) {
	var calls atomic.Int32
	ok := streamHandler(t, []string{"done"}, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"error":{"message":"overloaded","type":"server_error"}}`)
			return
		}
		ok(w, r)
	}))
	defer srv.Close()

	c, _ := NewCompat(Config{BaseURL: srv.URL, MaxRetries: 2, BackoffBase: time.Millisecond})
	s, err := c.Stream(context.Background(), completion.Request{Model: "m", Messages: []chat.Message{{Role: chat.RoleUser, Content: "x"}}})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if got := collect(t, s); got != "done" {
		t.Fatalf("content = %q", got)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
}

func TestStreamClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"deployment not found","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	c, _ := NewCompat(Config{BaseURL: srv.URL, MaxRetries: 3, BackoffBase: time.Millisecond})
	_, err := c.Stream(context.Background(), completion.Request{Model: "m", Messages: []chat.Message{{Role: chat.RoleUser, Content: "x"}}})
	var se *completion.StreamError
	if !errors.As(err, &se) {
		t.Fatalf("expected StreamError, got %v", err)
	}
	if se.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", se.StatusCode)
	}
	if completion.ErrorMessage(err) != "deployment not found" {
		t.Fatalf("message = %q", completion.ErrorMessage(err))
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single call, got %d", calls.Load())
	}
}

func TestToOpenAIMessageAttachments(t *testing.T) {
	m := toOpenAIMessage(openai.ChatMessageRoleUser, chat.Message{
		Role:    chat.RoleUser,
		Content: "look",
		Attachments: []chat.Attachment{
			{Type: chat.AttachmentText, Name: "a.txt", Content: "file body"},
			{Type: chat.AttachmentImage, Name: "cat.png", URL: "https://example.com/cat.png"},
			{Type: chat.AttachmentImage, Name: "blob.png", URL: "blob:http://localhost/123"},
		},
	})
	if m.Content != "" {
		t.Fatalf("content must be empty when parts are used")
	}
	if len(m.MultiContent) != 2 {
		t.Fatalf("expected text + one image part, got %d", len(m.MultiContent))
	}
	if !strings.Contains(m.MultiContent[0].Text, "file body") {
		t.Fatalf("text attachment not inlined: %q", m.MultiContent[0].Text)
	}
	if m.MultiContent[1].ImageURL.URL != "https://example.com/cat.png" {
		t.Fatalf("unexpected image url %q", m.MultiContent[1].ImageURL.URL)
	}

	plain := toOpenAIMessage(openai.ChatMessageRoleUser, chat.Message{Content: "hi", Attachments: []chat.Attachment{{Type: chat.AttachmentOther, Name: "x.bin"}}})
	if plain.Content != "hi" || plain.MultiContent != nil {
		t.Fatalf("unexpected message %+v", plain)
	}
}
