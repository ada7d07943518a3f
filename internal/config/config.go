package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "DOCSYNC"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultGatewayTimeout  = 10 * time.Second
	defaultDatabasePath    = "docsync.db"
	defaultLogLevel        = "info"
	defaultCookieName      = "app_session"
	defaultPersistDebounce = 2 * time.Second
	defaultAllowedOrigins  = "*"
)

// AppConfig captures runtime configuration for the sync server.
type AppConfig struct {
	HTTPAddress     string
	GatewayBaseURL  string
	GatewayTimeout  time.Duration
	SigningSecret   string
	JWKSURL         string
	TokenIssuer     string
	TokenAudience   string
	CookieName      string
	AllowedOrigins  []string
	PersistDebounce time.Duration
	DatabasePath    string
	RedisURL        string
	LogLevel        string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", defaultAllowedOrigins)
	configViper.SetDefault("gateway.timeout", defaultGatewayTimeout)
	configViper.SetDefault("session.persist_debounce", defaultPersistDebounce)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		GatewayBaseURL:  strings.TrimSpace(configViper.GetString("gateway.base_url")),
		GatewayTimeout:  configViper.GetDuration("gateway.timeout"),
		SigningSecret:   configViper.GetString("auth.signing_secret"),
		JWKSURL:         strings.TrimSpace(configViper.GetString("auth.jwks_url")),
		TokenIssuer:     strings.TrimSpace(configViper.GetString("auth.issuer")),
		TokenAudience:   strings.TrimSpace(configViper.GetString("auth.audience")),
		CookieName:      strings.TrimSpace(configViper.GetString("auth.cookie_name")),
		AllowedOrigins:  splitList(configViper.GetString("http.allowed_origins")),
		PersistDebounce: configViper.GetDuration("session.persist_debounce"),
		DatabasePath:    strings.TrimSpace(configViper.GetString("database.path")),
		RedisURL:        strings.TrimSpace(configViper.GetString("redis.url")),
		LogLevel:        configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LocalTokenVerification reports whether tokens are checked before the gateway is contacted.
func (c AppConfig) LocalTokenVerification() bool {
	return strings.TrimSpace(c.SigningSecret) != "" || c.JWKSURL != ""
}

func (c AppConfig) validate() error {
	if c.GatewayBaseURL == "" {
		return fmt.Errorf("gateway.base_url is required")
	}
	parsed, err := url.Parse(c.GatewayBaseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("gateway.base_url must be an absolute url")
	}
	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("gateway.timeout must be positive")
	}
	if c.PersistDebounce <= 0 {
		return fmt.Errorf("session.persist_debounce must be positive")
	}
	if strings.TrimSpace(c.SigningSecret) != "" && c.JWKSURL != "" {
		return fmt.Errorf("auth.signing_secret and auth.jwks_url are mutually exclusive")
	}
	if c.LocalTokenVerification() && c.TokenIssuer == "" {
		return fmt.Errorf("auth.issuer is required when local token verification is enabled")
	}
	if c.CookieName == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
