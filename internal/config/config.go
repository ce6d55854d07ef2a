package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

const (
	ProviderAzure        = "azure"
	ProviderOpenAI       = "openai"
	ProviderOpenAICompat = "openai_compat"
)

var (
	ErrMissingAPIKey        = errors.New("AZURE_API_KEY (or OPENAI_API_KEY) is required")
	ErrMissingAzureEndpoint = errors.New("AZURE_RESOURCE_NAME or AZURE_OPENAI_ENDPOINT is required")
	ErrInvalidProviderKind  = errors.New("PROVIDER_KIND must be 'azure', 'openai' or 'openai_compat'")
	ErrInvalidStoreDriver   = errors.New("STORE_DRIVER must be 'sqlite', 'postgres', 'redis' or 'bolt'")
	ErrMissingStoreDSN      = errors.New("STORE_DSN is required")
)

type Config struct {
	HTTP     HTTPConfig
	Provider ProviderConfig
	Chat     ChatConfig
	Store    StoreConfig
	Redis    RedisConfig
	Rate     RateConfig
	Log      LogConfig
	Crypto   CryptoConfig
}

type HTTPConfig struct {
	Port            int           `env:"PORT" env-default:"3001" env-description:"HTTP listen port"`
	HealthPath      string        `env:"HEALTH_PATH" env-default:"/healthz"`
	MetricsPath     string        `env:"METRICS_PATH" env-default:"/metrics"`
	CORSOrigin      string        `env:"CORS_ORIGIN" env-default:"*" env-description:"Access-Control-Allow-Origin value, empty disables CORS"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" env-default:"10s"`
	TrustProxy      bool          `env:"TRUST_PROXY_HEADERS" env-default:"false" env-description:"rate limit on X-Forwarded-For, enable only behind a proxy that sets it"`
}

func (h HTTPConfig) ListenAddr() string {
	return fmt.Sprintf(":%d", h.Port)
}

type ProviderConfig struct {
	Kind          string        `env:"PROVIDER_KIND" env-default:"azure" env-description:"azure, openai or openai_compat"`
	AzureResource string        `env:"AZURE_RESOURCE_NAME" env-description:"Azure OpenAI resource name"`
	AzureEndpoint string        `env:"AZURE_OPENAI_ENDPOINT" env-description:"full Azure endpoint, overrides AZURE_RESOURCE_NAME"`
	AzureAPIKey   string        `env:"AZURE_API_KEY"`
	AzureVersion  string        `env:"AZURE_API_VERSION" env-default:"2024-06-01"`
	BaseURL       string        `env:"OPENAI_BASE_URL" env-description:"base url for openai compatible endpoints"`
	OpenAIAPIKey  string        `env:"OPENAI_API_KEY"`
	Timeout       time.Duration `env:"HTTP_TIMEOUT" env-default:"30s" env-description:"time to wait for response headers"`
	MaxRetries    int           `env:"HTTP_MAX_RETRIES" env-default:"2"`
	BackoffBase   time.Duration `env:"HTTP_BACKOFF_BASE" env-default:"400ms"`
}

// APIKey returns the credential for the configured provider.
func (p ProviderConfig) APIKey() string {
	if p.Kind == ProviderAzure && p.AzureAPIKey != "" {
		return p.AzureAPIKey
	}
	if p.OpenAIAPIKey != "" {
		return p.OpenAIAPIKey
	}
	return p.AzureAPIKey
}

type ChatConfig struct {
	Models           string        `env:"CHAT_MODELS" env-default:"gpt-4=gpt-4" env-description:"comma separated id=deployment pairs"`
	DefaultModel     string        `env:"DEFAULT_CHAT_MODEL"`
	SystemPrompt     string        `env:"SYSTEM_PROMPT" env-default:"You are a helpful assistant."`
	Smoothing        bool          `env:"STREAM_SMOOTHING" env-default:"true" env-description:"re-chunk deltas on word boundaries"`
	MaxContextTokens int           `env:"MAX_CONTEXT_TOKENS" env-default:"0" env-description:"trim history to this many tokens, 0 disables"`
	SessionIdleTTL   time.Duration `env:"SESSION_IDLE_TTL" env-default:"5m" env-description:"release unwatched idle sessions after this long"`
}

type StoreConfig struct {
	Driver      string `env:"STORE_DRIVER" env-default:"sqlite"`
	DSN         string `env:"STORE_DSN" env-default:"streamchat.db" env-description:"sql dsn, redis url or bolt file path"`
	AutoMigrate bool   `env:"AUTO_MIGRATE" env-default:"true"`
}

type RedisConfig struct {
	Addr           string        `env:"REDIS_ADDR" env-description:"enables rate limiting and idempotency keys"`
	Password       string        `env:"REDIS_PASSWORD"`
	DB             int           `env:"REDIS_DB" env-default:"0"`
	KeyPrefix      string        `env:"REDIS_KEY_PREFIX" env-default:"streamchat:"`
	IdempotencyTTL time.Duration `env:"IDEMPOTENCY_TTL" env-default:"24h"`
}

type RateConfig struct {
	PerHour int64 `env:"RATE_LIMIT_PER_HOUR" env-default:"30" env-description:"requests per client per hour, 0 disables"`
}

type LogConfig struct {
	Level string `env:"LOG_LEVEL" env-default:"info"`
}

// CryptoConfig is filled from MASTER_KEY_* variables. Encryption at rest is
// off when Keys is empty.
type CryptoConfig struct {
	CurrentKeyID string
	Keys         map[string][]byte
}

func (c CryptoConfig) Enabled() bool { return len(c.Keys) > 0 }

// Load reads envFile (if it exists) into the environment, then the
// environment into a Config.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read env: %w", err)
	}
	cfg.Provider.Kind = strings.ToLower(strings.TrimSpace(cfg.Provider.Kind))
	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cc, err := loadCryptoConfig()
	if err != nil {
		return nil, err
	}
	cfg.Crypto = cc
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Provider.Kind {
	case ProviderAzure:
		if c.Provider.AzureResource == "" && c.Provider.AzureEndpoint == "" {
			return ErrMissingAzureEndpoint
		}
	case ProviderOpenAI, ProviderOpenAICompat:
	default:
		return ErrInvalidProviderKind
	}
	if c.Provider.APIKey() == "" {
		return ErrMissingAPIKey
	}
	switch c.Store.Driver {
	case "sqlite", "sqlite3", "postgres", "pgx", "redis", "bolt", "bbolt":
	default:
		return ErrInvalidStoreDriver
	}
	if strings.TrimSpace(c.Store.DSN) == "" {
		return ErrMissingStoreDSN
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("PORT %d out of range", c.HTTP.Port)
	}
	return nil
}

// StoreOnly reads just the storage settings, for commands that never talk to
// the completion endpoint.
func StoreOnly(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read env: %w", err)
	}
	if strings.TrimSpace(cfg.Store.DSN) == "" {
		return nil, ErrMissingStoreDSN
	}
	cc, err := loadCryptoConfig()
	if err != nil {
		return nil, err
	}
	cfg.Crypto = cc
	return &cfg, nil
}

// Usage lists every variable Load reads.
func Usage() string {
	var cfg Config
	text, err := cleanenv.GetDescription(&cfg, nil)
	if err != nil {
		return ""
	}
	return text + "\n  MASTER_KEY_B64, MASTER_KEY_<ID>_B64, MASTER_KEYS_JSON, MASTER_KEY_CURRENT_ID\n    \tbase64 AES-256 keys for encrypting messages at rest"
}

func loadCryptoConfig() (CryptoConfig, error) {
	keysB64 := map[string]string{}

	if raw := strings.TrimSpace(os.Getenv("MASTER_KEYS_JSON")); raw != "" {
		var parsed map[string]string
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return CryptoConfig{}, fmt.Errorf("parse MASTER_KEYS_JSON: %w", err)
		}
		for id, val := range parsed {
			if strings.TrimSpace(id) == "" || strings.TrimSpace(val) == "" {
				continue
			}
			keysB64[id] = val
		}
	}

	for _, e := range os.Environ() {
		k, v, ok := strings.Cut(e, "=")
		if !ok || k == "MASTER_KEY_B64" {
			continue
		}
		if !strings.HasPrefix(k, "MASTER_KEY_") || !strings.HasSuffix(k, "_B64") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(k, "MASTER_KEY_"), "_B64")
		if id == "" || v == "" {
			continue
		}
		keysB64[id] = v
	}

	current := strings.TrimSpace(os.Getenv("MASTER_KEY_CURRENT_ID"))
	if singleton := strings.TrimSpace(os.Getenv("MASTER_KEY_B64")); singleton != "" {
		if current == "" {
			current = "default"
		}
		keysB64[current] = singleton
	}

	if len(keysB64) == 0 {
		return CryptoConfig{}, nil
	}

	keys := make(map[string][]byte, len(keysB64))
	for id, b64 := range keysB64 {
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
		if err != nil {
			return CryptoConfig{}, fmt.Errorf("decode master key %q: %w", id, err)
		}
		if len(raw) != 32 {
			return CryptoConfig{}, fmt.Errorf("master key %q must be 32 bytes after base64 decode", id)
		}
		keys[id] = raw
	}

	if current == "" {
		if len(keys) > 1 {
			return CryptoConfig{}, fmt.Errorf("MASTER_KEY_CURRENT_ID is required when more than one key is set")
		}
		for id := range keys {
			current = id
		}
	}
	if _, ok := keys[current]; !ok {
		return CryptoConfig{}, fmt.Errorf("MASTER_KEY_CURRENT_ID=%q does not exist in provided keys", current)
	}

	return CryptoConfig{CurrentKeyID: current, Keys: keys}, nil
}
