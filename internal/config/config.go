package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// UserAgent is sent on every upstream request issued by any provider
// plugin, matching the Code Assist client's existing value.
const UserAgent = "google-api-nodejs-client/9.15.1"

// ProviderCreds is one configured provider's credential sources. Exactly
// one of APIKeys or OAuthCredsFiles is expected to be populated depending
// on the provider's auth style.
type ProviderCreds struct {
	Name            string   `json:"name"`
	BaseURL         string   `json:"baseUrl,omitempty"`
	APIKeys         []string `json:"apiKeys,omitempty"`
	OAuthCredsFiles []string `json:"oauthCredsFiles,omitempty"`
}

type Config struct {
	Host                   string   `json:"host"`
	ServerPort             int      `json:"port"`
	AuthKey                string   `json:"authKey"`
	GeminiCredsFilePaths   []string `json:"geminiOauthCredsFiles"`
	QwenCredsFilePaths     []string `json:"qwenOauthCredsFiles"`
	RequestMaxRetries      int      `json:"requestMaxRetries"`
	RequestBaseDelayMillis int      `json:"requestBaseDelay"`
	SQLitePath             string   `json:"sqlitePath"`
	// Proxy is an optional upstream proxy URL. Must be http or socks5.
	// Example: "http://127.0.0.1:8080" or "socks5://127.0.0.1:1080"
	Proxy string `json:"proxy"`
	// RequestMaxBodyBytes limits incoming request size to mitigate DoS via large payloads.
	// If zero, a safe default is applied.
	RequestMaxBodyBytes int64 `json:"requestMaxBodyBytes"`
	// MaxConcurrentRequests limits concurrent in-flight requests for lightweight backpressure.
	// If zero, a default value is applied.
	MaxConcurrentRequests int `json:"maxConcurrentRequests"`

	// Providers lists the bearer-key OpenAI-compatible providers (chutes,
	// mistral, custom self-hosted endpoints, ...) beyond Gemini/Qwen.
	Providers []ProviderCreds `json:"providers,omitempty"`
	// AnthropicAPIKeys and BedrockRegion/BedrockCredsProfile configure the
	// two native (non-OpenAI-shaped) plugins.
	AnthropicAPIKeys []string `json:"anthropicApiKeys,omitempty"`
	BedrockRegion    string   `json:"bedrockRegion,omitempty"`

	// LedgerPath is the usage ledger's JSON document path.
	LedgerPath string `json:"ledgerPath"`
	// RetentionDays bounds how many calendar days of history the ledger
	// keeps per credential.
	RetentionDays int `json:"retentionDays"`
	// RefreshSkewSeconds forces an OAuth token refresh this many seconds
	// before its recorded expiry.
	RefreshSkewSeconds int `json:"refreshSkewSeconds"`
	// ModelCacheTTLSeconds is how often the model cache re-polls each
	// provider for its live model list.
	ModelCacheTTLSeconds int `json:"modelCacheTtlSeconds"`
	// GlobalRequestDeadlineSeconds bounds the whole rotating-dispatch
	// attempt loop for one inbound request (spec.md §4.F).
	GlobalRequestDeadlineSeconds int `json:"globalRequestDeadlineSeconds"`
	// MaxAttemptsUnknown bounds retries when every observed failure so far
	// classifies as "unknown" (spec.md §4.F edge case).
	MaxAttemptsUnknown int `json:"maxAttemptsUnknown"`

	// AlertWebhookURL, if set, receives a Slack message when a provider's
	// cooldown exceeds AlertCooldownThresholdSeconds.
	AlertWebhookURL                string `json:"alertWebhookUrl,omitempty"`
	AlertCooldownThresholdSeconds int    `json:"alertCooldownThresholdSeconds,omitempty"`

	// ArchiveDir, if set, enables per-transaction request/response
	// archival under this directory.
	ArchiveDir string `json:"archiveDir,omitempty"`

	// EnableEmbeddingBatcher turns on best-effort coalescing of
	// concurrent single-input embedding calls into one upstream call.
	EnableEmbeddingBatcher bool `json:"enableEmbeddingBatcher,omitempty"`
}

func (c Config) RefreshSkew() time.Duration {
	return time.Duration(c.RefreshSkewSeconds) * time.Second
}

func (c Config) ModelCacheTTL() time.Duration {
	return time.Duration(c.ModelCacheTTLSeconds) * time.Second
}

func (c Config) GlobalRequestDeadline() time.Duration {
	return time.Duration(c.GlobalRequestDeadlineSeconds) * time.Second
}

func LoadConfig(path string) (Config, error) {
	var cfg Config
	b, err := os.ReadFile(path)
	logrus.Infof("loading config from %s", path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		// Try to extract unknown field name from the error and surface just the key
		// Typical error: "json: unknown field \"foo\""
		var se *json.SyntaxError
		if !errors.As(err, &se) {
			msg := err.Error()
			const p = "json: unknown field \""
			if i := bytes.Index([]byte(msg), []byte(p)); i >= 0 {
				// Extract between quotes
				start := i + len(p)
				rest := msg[start:]
				if j := bytes.IndexByte([]byte(rest), '"'); j >= 0 {
					unknown := rest[:j]
					return cfg, fmt.Errorf("unknown config key: %s", unknown)
				}
			}
		}
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.ServerPort == 0 {
		cfg.ServerPort = 8085
	}
	if cfg.RequestMaxRetries == 0 {
		cfg.RequestMaxRetries = 3
	}
	if cfg.RequestBaseDelayMillis == 0 {
		cfg.RequestBaseDelayMillis = 1000
	}
	if cfg.SQLitePath == "" {
		cfg.SQLitePath = "./data/state.db"
	}
	if cfg.RequestMaxBodyBytes == 0 {
		// 16 MiB by default
		cfg.RequestMaxBodyBytes = 16 * 1024 * 1024
	}
	if cfg.MaxConcurrentRequests == 0 {
		cfg.MaxConcurrentRequests = 64
	}
	if cfg.LedgerPath == "" {
		cfg.LedgerPath = "./data/ledger.json"
	}
	if cfg.RetentionDays == 0 {
		cfg.RetentionDays = 30
	}
	if cfg.RefreshSkewSeconds == 0 {
		cfg.RefreshSkewSeconds = 120
	}
	if cfg.ModelCacheTTLSeconds == 0 {
		cfg.ModelCacheTTLSeconds = 21600
	}
	if cfg.GlobalRequestDeadlineSeconds == 0 {
		cfg.GlobalRequestDeadlineSeconds = 120
	}
	if cfg.MaxAttemptsUnknown == 0 {
		cfg.MaxAttemptsUnknown = 3
	}
}

func (c Config) Validate(cfgPath string) error {
	if c.AuthKey == "" {
		return fmt.Errorf("authKey must be set in config file %s", cfgPath)
	}
	// Fail when authKey equals the default placeholder from example file.
	if c.AuthKey == "UNSAFE-KEY-REPLACE" {
		return fmt.Errorf("authKey must be changed from default placeholder")
	}
	// Validate proxy scheme if provided
	if c.Proxy != "" {
		u, err := url.Parse(c.Proxy)
		if err != nil {
			return fmt.Errorf("invalid proxy URL: %w", err)
		}
		switch u.Scheme {
		case "http", "socks5":
			// ok
		default:
			return fmt.Errorf("proxy scheme must be http or socks5")
		}
		if u.Host == "" {
			return fmt.Errorf("proxy URL must include host:port")
		}
	}
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("providers[]: name must be set")
		}
		if p.BaseURL == "" {
			return fmt.Errorf("providers[%s]: baseUrl must be set", p.Name)
		}
	}
	return nil
}
