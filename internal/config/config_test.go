package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("gateway.base_url", "https://api.example.com")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress || cfg.GatewayTimeout != defaultGatewayTimeout {
		t.Fatalf("unexpected defaults %#v", cfg)
	}
	if cfg.PersistDebounce != defaultPersistDebounce || cfg.CookieName != defaultCookieName {
		t.Fatalf("unexpected defaults %#v", cfg)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "*" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
	if cfg.LocalTokenVerification() {
		t.Fatalf("did not expect local verification without a secret")
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("DOCSYNC_GATEWAY_BASE_URL", "https://gateway.internal")
	t.Setenv("DOCSYNC_GATEWAY_TIMEOUT", "3s")
	t.Setenv("DOCSYNC_AUTH_SIGNING_SECRET", "secret")
	t.Setenv("DOCSYNC_AUTH_ISSUER", "identity")
	t.Setenv("DOCSYNC_HTTP_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")
	t.Setenv("DOCSYNC_REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.GatewayBaseURL != "https://gateway.internal" || cfg.GatewayTimeout != 3*time.Second {
		t.Fatalf("unexpected gateway settings %#v", cfg)
	}
	if !cfg.LocalTokenVerification() || cfg.TokenIssuer != "identity" {
		t.Fatalf("expected local verification to be configured")
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example.com" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
	if cfg.RedisURL != "redis://localhost:6379/0" {
		t.Fatalf("unexpected redis url %q", cfg.RedisURL)
	}
}

func TestLoadValidates(t *testing.T) {
	testCases := []struct {
		name     string
		settings map[string]interface{}
		message  string
	}{
		{name: "missing gateway", settings: map[string]interface{}{}, message: "gateway.base_url is required"},
		{name: "relative gateway", settings: map[string]interface{}{"gateway.base_url": "/api"}, message: "absolute url"},
		{name: "secret without issuer", settings: map[string]interface{}{"gateway.base_url": "https://x.test", "auth.signing_secret": "s"}, message: "auth.issuer"},
		{name: "jwks without issuer", settings: map[string]interface{}{"gateway.base_url": "https://x.test", "auth.jwks_url": "https://id.test/jwks"}, message: "auth.issuer"},
		{name: "secret and jwks", settings: map[string]interface{}{"gateway.base_url": "https://x.test", "auth.signing_secret": "s", "auth.jwks_url": "https://id.test/jwks", "auth.issuer": "id"}, message: "mutually exclusive"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			for key, value := range testCase.settings {
				configViper.Set(key, value)
			}
			_, err := Load(configViper)
			if err == nil || !strings.Contains(err.Error(), testCase.message) {
				t.Fatalf("expected error containing %q, got %v", testCase.message, err)
			}
		})
	}
}
