package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Catalog.FreshTTL != 60*time.Second {
		t.Errorf("fresh TTL: expected 60s, got %v", cfg.Catalog.FreshTTL)
	}
	if cfg.Catalog.MinFetchInterval != 2*time.Second {
		t.Errorf("min fetch interval: expected 2s, got %v", cfg.Catalog.MinFetchInterval)
	}
	if cfg.Catalog.DefaultCategory != "Другое" {
		t.Errorf("default category: got %q", cfg.Catalog.DefaultCategory)
	}
	if cfg.Catalog.ConcurrentMode != ConcurrentCoalesce {
		t.Errorf("concurrent mode: got %q", cfg.Catalog.ConcurrentMode)
	}
	if cfg.Catalog.CategoryAliases["dark"] != "Горький шоколад" {
		t.Errorf("expected default dark alias, got %v", cfg.Catalog.CategoryAliases)
	}
	if cfg.Cache.Backend != BackendMemory {
		t.Errorf("cache backend: got %q", cfg.Cache.Backend)
	}
	if cfg.Cache.WatchEchoWindow != 5*time.Second {
		t.Errorf("watch echo window: expected 5s, got %v", cfg.Cache.WatchEchoWindow)
	}

	t.Log("✓ Defaults match the storefront loader")
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
source:
  base_url: https://shop.example.com/api/products/
catalog:
  fresh_ttl: 30s
  concurrent_mode: skip
cache:
  backend: redis
  key_prefix: "shop:"
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CATALOG_CATALOG_MIN_FETCH_INTERVAL", "5s")
	t.Setenv("CATALOG_HTTP_PORT", "9090")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Source.BaseURL != "https://shop.example.com/api/products/" {
		t.Errorf("base URL: got %q", cfg.Source.BaseURL)
	}
	if cfg.Catalog.FreshTTL != 30*time.Second {
		t.Errorf("fresh TTL: expected 30s, got %v", cfg.Catalog.FreshTTL)
	}
	if cfg.Catalog.ConcurrentMode != ConcurrentSkip {
		t.Errorf("concurrent mode: got %q", cfg.Catalog.ConcurrentMode)
	}
	if cfg.Cache.Backend != BackendRedis || cfg.Cache.KeyPrefix != "shop:" {
		t.Errorf("cache: got %+v", cfg.Cache)
	}
	if cfg.Catalog.MinFetchInterval != 5*time.Second {
		t.Errorf("env override: expected 5s, got %v", cfg.Catalog.MinFetchInterval)
	}
	if cfg.HTTP.Port != 9090 {
		t.Errorf("env override: expected port 9090, got %d", cfg.HTTP.Port)
	}
}

func TestValidate(t *testing.T) {
	base, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"empty base url", func(c *Config) { c.Source.BaseURL = "" }, "base URL"},
		{"zero fresh ttl", func(c *Config) { c.Catalog.FreshTTL = 0 }, "fresh TTL"},
		{"bad template", func(c *Config) { c.Catalog.DescriptionTemplate = "no verb" }, "template"},
		{"bad mode", func(c *Config) { c.Catalog.ConcurrentMode = "queue" }, "concurrent mode"},
		{"bad backend", func(c *Config) { c.Cache.Backend = "memcached" }, "cache backend"},
		{"watch without redis", func(c *Config) { c.Cache.WatchDeletes = true }, "watch_deletes"},
		{"oauth without token url", func(c *Config) { c.Source.OAuth2.ClientID = "id" }, "token URL"},
		{"bad log level", func(c *Config) { c.Observability.Logging.Level = "trace" }, "log level"},
		{"bad port", func(c *Config) { c.HTTP.Port = 0 }, "HTTP port"},
		{"zero refreshes", func(c *Config) { c.HTTP.MaxConcurrentRefreshes = 0 }, "concurrent refreshes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestNormalizeAliases(t *testing.T) {
	got := NormalizeAliases(map[string]string{
		" Dark ": "Горький шоколад",
		"empty":  "  ",
		"":       "x",
	})

	if len(got) != 1 || got["dark"] != "Горький шоколад" {
		t.Errorf("unexpected aliases %v", got)
	}

	// DefaultCategoryAliases returns an independent copy
	a := DefaultCategoryAliases()
	a["dark"] = "changed"
	if DefaultCategoryAliases()["dark"] != "Горький шоколад" {
		t.Error("default alias table was mutated through a copy")
	}
}
