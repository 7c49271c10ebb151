// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/creachadair/cablerpc/config"
	"github.com/google/go-cmp/cmp"
	"github.com/juju/loggo"
)

func TestDefault(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Check(); err != nil {
		t.Errorf("Default config is invalid: %v", err)
	}
	if cfg.Host != "127.0.0.1:50051" || cfg.PoolSize != 30 || cfg.Version != "v1" {
		t.Errorf("Default: got %+v", cfg)
	}
	if cfg.WS.MaxReconnects != 10 || cfg.WS.BackoffCap != 30*time.Second {
		t.Errorf("Default WS: got %+v", cfg.WS)
	}
	if got := cfg.Level(); got != loggo.INFO {
		t.Errorf("Level: got %v, want INFO", got)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(`
host: 0.0.0.0:9000
pool_size: 5
log_level: debug
ws:
  url: ws://edge.example/_rpc
  backoff_cap: 10s
  concurrency: 8
`), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg := config.Default()
	if err := cfg.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := config.Default()
	want.Host = "0.0.0.0:9000"
	want.PoolSize = 5
	want.LogLevel = "debug"
	want.WS.URL = "ws://edge.example/_rpc"
	want.WS.BackoffCap = 10 * time.Second
	want.WS.Concurrency = 8
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("Load (-want, +got):\n%s", diff)
	}
	if got := cfg.Level(); got != loggo.DEBUG {
		t.Errorf("Level: got %v, want DEBUG", got)
	}

	t.Run("Empty", func(t *testing.T) {
		cfg := config.Default()
		if err := cfg.Parse(nil); err != nil {
			t.Errorf("Parse empty: unexpected error: %v", err)
		}
		if diff := cmp.Diff(config.Default(), cfg); diff != "" {
			t.Errorf("Parse empty (-want, +got):\n%s", diff)
		}
	})

	t.Run("UnknownField", func(t *testing.T) {
		if err := config.Default().Parse([]byte("bogus: 1\n")); err == nil {
			t.Error("Parse unknown field: got nil error")
		}
	})

	t.Run("Missing", func(t *testing.T) {
		if err := config.Default().Load(filepath.Join(t.TempDir(), "nonesuch.yaml")); err == nil {
			t.Error("Load missing file: got nil error")
		}
	})
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"CABLERPC_HOST":               "localhost:1",
		"CABLERPC_POOL_SIZE":          "7",
		"CABLERPC_SKIP_VERSION_CHECK": "true",
		"CABLERPC_WS_URL":             "ws://x",
		"CABLERPC_WS_BACKOFF_CAP":     "1m",
		"UNRELATED":                   "ignored",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	cfg := config.Default()
	if err := cfg.ApplyEnv(lookup); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	want := config.Default()
	want.Host = "localhost:1"
	want.PoolSize = 7
	want.SkipVersionCheck = true
	want.WS.URL = "ws://x"
	want.WS.BackoffCap = time.Minute
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("ApplyEnv (-want, +got):\n%s", diff)
	}

	t.Run("Invalid", func(t *testing.T) {
		bad := map[string]string{
			"CABLERPC_POOL_SIZE":          "many",
			"CABLERPC_SKIP_VERSION_CHECK": "maybe",
			"CABLERPC_WS_BACKOFF_CAP":     "soon",
		}
		err := config.Default().ApplyEnv(func(key string) (string, bool) {
			v, ok := bad[key]
			return v, ok
		})
		if err == nil {
			t.Error("ApplyEnv: got nil error for invalid values")
		}
	})
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*config.Config)
	}{
		{"EmptyHost", func(c *config.Config) { c.Host = "" }},
		{"PoolSize", func(c *config.Config) { c.PoolSize = 0 }},
		{"Version", func(c *config.Config) { c.Version = "" }},
		{"LogLevel", func(c *config.Config) { c.LogLevel = "chatty" }},
		{"BackoffCap", func(c *config.Config) { c.WS.BackoffCap = -time.Second }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.modify(cfg)
			if err := cfg.Check(); err == nil {
				t.Errorf("Check: got nil error for %+v", cfg)
			}
		})
	}
}
