package config

import (
	"encoding/json"
	"errors"
	"os"
	"strings"
)

type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Identity  IdentityConfig  `json:"identity"`
	Upstream  UpstreamConfig  `json:"upstream"`
	Storage   StorageConfig   `json:"storage"`
	Webhooks  WebhooksConfig  `json:"webhooks"`
	Tools     ToolsConfig     `json:"tools"`
	Retention RetentionConfig `json:"retention"`
}

type GatewayConfig struct {
	HTTPAddr          string  `json:"http_addr"`
	MaxBodyBytes      int64   `json:"max_body_bytes"`
	RateLimitPerSec   float64 `json:"rate_limit_per_sec"`
	RateLimitBurst    int     `json:"rate_limit_burst"`
	ShutdownGraceSecs int     `json:"shutdown_grace_secs"`
}

// IdentityConfig describes the external identity provider. When JWKSURL
// is set the gateway verifies bearer tokens locally against the
// provider's JWKS; otherwise it delegates each verification to the
// provider's user endpoint.
type IdentityConfig struct {
	BaseURL     string `json:"base_url"`
	AnonKey     string `json:"anon_key"`
	JWKSURL     string `json:"jwks_url"`
	Issuer      string `json:"issuer"`
	Audience    string `json:"audience"`
	TimeoutMS   int    `json:"timeout_ms"`
	JWKSTTLSecs int    `json:"jwks_ttl_secs"`
}

type UpstreamConfig struct {
	BaseURL   string `json:"base_url"`
	TimeoutMS int    `json:"timeout_ms"`
}

type StorageConfig struct {
	PostgresDSN     string `json:"postgres_dsn"`
	MaxOpenConns    int    `json:"max_open_conns"`
	MaxIdleConns    int    `json:"max_idle_conns"`
	ConnMaxLifetime int    `json:"conn_max_lifetime_secs"`
	TimeoutMS       int    `json:"timeout_ms"`
}

// SourceScheme configures signature verification for one webhook source.
type SourceScheme struct {
	Header        string `json:"header"`
	Secret        string `json:"secret"`
	Algorithm     string `json:"algorithm"`
	ToleranceSecs int    `json:"tolerance_secs"`
}

type WebhooksConfig struct {
	Sources map[string]SourceScheme `json:"sources"`
}

type ToolsConfig struct {
	Allowed      []string `json:"allowed"`
	ContractsDir string   `json:"contracts_dir"`
}

type RetentionConfig struct {
	Enabled bool   `json:"enabled"`
	Cron    string `json:"cron"`
	MaxAge  string `json:"max_age"`
}

// LoadConfig reads a JSON config file, applies environment overrides,
// and validates the result. An empty path loads from environment only.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv()
	return cfg, cfg.Validate()
}

// applyEnv layers deploy-time environment variables over the file
// config. Env wins where both are present.
func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("API_BASE_URL")); v != "" {
		c.Upstream.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("IDENTITY_BASE_URL")); v != "" {
		c.Identity.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("IDENTITY_ANON_KEY")); v != "" {
		c.Identity.AnonKey = v
	}
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		c.Storage.PostgresDSN = v
	}
	if v := strings.TrimSpace(os.Getenv("ALLOWED_TOOLS")); v != "" {
		var allowed []string
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				allowed = append(allowed, name)
			}
		}
		c.Tools.Allowed = allowed
	}
	// WEBHOOK_SECRET_<SOURCE> fills or overrides a source's secret,
	// e.g. WEBHOOK_SECRET_STRIPE, WEBHOOK_SECRET_GENERIC.
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, "WEBHOOK_SECRET_") {
			continue
		}
		source := strings.ToLower(strings.TrimPrefix(key, "WEBHOOK_SECRET_"))
		if source == "" || strings.TrimSpace(value) == "" {
			continue
		}
		if c.Webhooks.Sources == nil {
			c.Webhooks.Sources = map[string]SourceScheme{}
		}
		scheme := c.Webhooks.Sources[source]
		scheme.Secret = strings.TrimSpace(value)
		c.Webhooks.Sources[source] = scheme
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Upstream.BaseURL) == "" {
		return errors.New("upstream.base_url required")
	}
	if strings.TrimSpace(c.Identity.BaseURL) == "" && strings.TrimSpace(c.Identity.JWKSURL) == "" {
		return errors.New("identity.base_url or identity.jwks_url required")
	}
	if strings.TrimSpace(c.Storage.PostgresDSN) == "" {
		return errors.New("storage.postgres_dsn required")
	}
	if len(c.Tools.Allowed) == 0 {
		return errors.New("tools.allowed required")
	}
	for source, scheme := range c.Webhooks.Sources {
		if strings.TrimSpace(source) == "" {
			return errors.New("webhooks.sources key must not be empty")
		}
		if err := validateScheme(source, scheme); err != nil {
			return err
		}
	}
	if c.Retention.Enabled {
		if strings.TrimSpace(c.Retention.Cron) == "" {
			return errors.New("retention.cron required when retention.enabled is true")
		}
		if strings.TrimSpace(c.Retention.MaxAge) == "" {
			return errors.New("retention.max_age required when retention.enabled is true")
		}
	}
	return nil
}

func validateScheme(source string, scheme SourceScheme) error {
	switch strings.ToLower(strings.TrimSpace(scheme.Algorithm)) {
	case "", "hmac-sha256", "stripe":
	default:
		return errors.New("webhooks.sources." + source + ".algorithm unsupported")
	}
	if strings.TrimSpace(scheme.Secret) == "" {
		return errors.New("webhooks.sources." + source + ".secret required")
	}
	return nil
}
