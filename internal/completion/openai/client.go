package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"streamchat/internal/chat"
	"streamchat/internal/completion"
)

const DefaultAzureAPIVersion = "2024-06-01"

type Config struct {
	APIKey string
	// BaseURL is the Azure resource endpoint or an OpenAI-compatible base.
	BaseURL    string
	APIVersion string
	// Deployments maps model ids to Azure deployment names. Ids without an
	// entry are sent unchanged.
	Deployments map[string]string
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
	Logger      zerolog.Logger
}

type Client struct {
	cfg    Config
	client *openai.Client
	log    zerolog.Logger
	// azure resolves deployments through the URL; other endpoints need the
	// deployment name as the request model
	mapModel bool
}

var _ completion.Client = (*Client)(nil)

func withDefaults(cfg Config) Config {
	if cfg.HTTPClient == nil {
		// no overall timeout: streams stay open as long as tokens arrive
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 400 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return cfg
}

// NewAzure builds a client for an Azure OpenAI resource.
func NewAzure(cfg Config) (*Client, error) {
	cfg = withDefaults(cfg)
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("azure endpoint is empty")
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAzureAPIVersion
	}
	oc := openai.DefaultAzureConfig(cfg.APIKey, strings.TrimSuffix(cfg.BaseURL, "/"))
	oc.APIVersion = cfg.APIVersion
	oc.HTTPClient = cfg.HTTPClient
	deployments := cfg.Deployments
	oc.AzureModelMapperFunc = func(model string) string {
		if d, ok := deployments[model]; ok && d != "" {
			return d
		}
		return model
	}
	return newClient(cfg, oc, "azure"), nil
}

// NewCompat builds a client for api.openai.com or any endpoint speaking the
// same chat completions protocol.
func NewCompat(cfg Config) (*Client, error) {
	cfg = withDefaults(cfg)
	oc := openai.DefaultConfig(cfg.APIKey)
	if b := strings.TrimSpace(cfg.BaseURL); b != "" {
		oc.BaseURL = strings.TrimSuffix(b, "/")
	}
	oc.HTTPClient = cfg.HTTPClient
	c := newClient(cfg, oc, "openai_compat")
	c.mapModel = true
	return c, nil
}

func newClient(cfg Config, oc openai.ClientConfig, kind string) *Client {
	return &Client{
		cfg:    cfg,
		client: openai.NewClientWithConfig(oc),
		log:    cfg.Logger.With().Str("component", "completion").Str("provider", kind).Logger(),
	}
}

func (c *Client) deployment(model string) string {
	if d, ok := c.cfg.Deployments[model]; ok && d != "" {
		return d
	}
	return model
}

func (c *Client) Stream(ctx context.Context, req completion.Request) (completion.Stream, error) {
	model := req.Model
	if c.mapModel {
		model = c.deployment(model)
	}
	oreq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: toOpenAIMessages(req),
		Stream:   true,
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		s, err := c.client.CreateChatCompletionStream(ctx, oreq)
		if err == nil {
			return &stream{ctx: ctx, stream: s}, nil
		}
		lastErr = wrapError(err)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !retryable(err) || attempt == c.cfg.MaxRetries {
			break
		}
		backoff := c.cfg.BackoffBase * (1 << attempt)
		c.log.Warn().Err(err).Int("attempt", attempt+1).Dur("backoff", backoff).Msg("completion stream open failed, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, lastErr
}

type stream struct {
	ctx    context.Context
	stream *openai.ChatCompletionStream
}

func (s *stream) Recv() (string, error) {
	for {
		resp, err := s.stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", io.EOF
			}
			if ctxErr := s.ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			return "", wrapError(err)
		}
		// azure sends content filter results in chunks without choices
		if len(resp.Choices) == 0 {
			continue
		}
		if d := resp.Choices[0].Delta.Content; d != "" {
			return d, nil
		}
	}
}

func (s *stream) Close() error {
	s.stream.Close()
	return nil
}

func retryable(err error) bool {
	status := statusCode(err)
	if status == 0 {
		var apiErr *openai.APIError
		var reqErr *openai.RequestError
		// transport failure before any response
		return !errors.As(err, &apiErr) && !errors.As(err, &reqErr)
	}
	return status >= 500 || status == http.StatusTooManyRequests
}

func statusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

func wrapError(err error) error {
	se := &completion.StreamError{Err: err, StatusCode: statusCode(err)}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		se.Message = apiErr.Message
	}
	return se
}

func toOpenAIMessages(req completion.Request) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if strings.TrimSpace(req.System) != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		role, ok := roles[m.Role]
		if !ok {
			continue
		}
		out = append(out, toOpenAIMessage(role, m))
	}
	return out
}

var roles = map[chat.Role]string{
	chat.RoleUser:      openai.ChatMessageRoleUser,
	chat.RoleAssistant: openai.ChatMessageRoleAssistant,
	chat.RoleSystem:    openai.ChatMessageRoleSystem,
}

func toOpenAIMessage(role string, m chat.Message) openai.ChatCompletionMessage {
	text := m.Content
	var images []string
	for _, a := range m.Attachments {
		switch {
		case a.Type == chat.AttachmentText && a.Content != "":
			text += fmt.Sprintf("\n\n[Attachment: %s]\n%s", a.Name, a.Content)
		case a.Type == chat.AttachmentImage && isFetchableURL(a.URL):
			images = append(images, a.URL)
		}
	}
	if len(images) == 0 || role != openai.ChatMessageRoleUser {
		return openai.ChatCompletionMessage{Role: role, Content: text}
	}

	parts := make([]openai.ChatMessagePart, 0, len(images)+1)
	if text != "" {
		parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: text})
	}
	for _, u := range images {
		parts = append(parts, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: u, Detail: openai.ImageURLDetailAuto},
		})
	}
	return openai.ChatCompletionMessage{Role: role, MultiContent: parts}
}

// blob: urls only resolve inside the browser that minted them
func isFetchableURL(u string) bool {
	return strings.HasPrefix(u, "https://") || strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "data:")
}
