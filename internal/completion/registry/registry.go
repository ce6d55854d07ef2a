package registry

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"streamchat/internal/completion"
	"streamchat/internal/completion/openai"
)

const (
	KindAzure        = "azure"
	KindOpenAI       = "openai"
	KindOpenAICompat = "openai_compat"
)

type BuildOptions struct {
	Kind string
	// ResourceName builds https://<name>.openai.azure.com when Endpoint is empty.
	ResourceName string
	Endpoint     string
	APIKey       string
	APIVersion   string
	Deployments  map[string]string
	HTTPClient   *http.Client
	MaxRetries   int
	BackoffBase  time.Duration
	Logger       zerolog.Logger
}

func Build(opts BuildOptions) (completion.Client, error) {
	cfg := openai.Config{
		APIKey:      opts.APIKey,
		BaseURL:     opts.Endpoint,
		APIVersion:  opts.APIVersion,
		Deployments: opts.Deployments,
		HTTPClient:  opts.HTTPClient,
		MaxRetries:  opts.MaxRetries,
		BackoffBase: opts.BackoffBase,
		Logger:      opts.Logger,
	}
	switch strings.ToLower(strings.TrimSpace(opts.Kind)) {
	case KindAzure, "azure_openai", "azure-openai":
		if cfg.BaseURL == "" && opts.ResourceName != "" {
			cfg.BaseURL = AzureEndpoint(opts.ResourceName)
		}
		return openai.NewAzure(cfg)

	case KindOpenAI, KindOpenAICompat, "openai-compatible":
		return openai.NewCompat(cfg)

	default:
		return nil, fmt.Errorf("unsupported provider kind %q", opts.Kind)
	}
}

func AzureEndpoint(resource string) string {
	return "https://" + strings.TrimSpace(resource) + ".openai.azure.com"
}
