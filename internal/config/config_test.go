package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing key file", func(c *Config) { c.Identity.KeyFile = " " }, "key_file"},
		{"bad identity", func(c *Config) { c.Identity.ID = "a/b" }, "identity.id"},
		{"bad port", func(c *Config) { c.P2P.ListenPort = 70000 }, "listen_port"},
		{"unknown backend", func(c *Config) { c.Signal.Backend = "smoke" }, "backend"},
		{"ws without url", func(c *Config) { c.Signal.Backend = "ws" }, "server_url"},
		{"ws bad scheme", func(c *Config) {
			c.Signal.Backend = "ws"
			c.Signal.ServerURL = "http://relay.example"
		}, "scheme"},
		{"zero ring timeout", func(c *Config) { c.Call.RingTimeoutSec = 0 }, "ring_timeout"},
		{"bad ice server", func(c *Config) { c.Call.ICEServers = []string{"https://x"} }, "ice_servers"},
		{"failed before disconnected", func(c *Config) {
			c.Call.DisconnectedTimeoutSec = 30
			c.Call.FailedTimeoutSec = 10
		}, "failed_timeout"},
		{"missing db path", func(c *Config) { c.History.DBPath = "" }, "db_path"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestEnsureCreatesAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg, created, err := Ensure(path)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected a new config file")
	}
	if cfg.Signal.Backend != "pubsub" {
		t.Fatalf("unexpected default backend %q", cfg.Signal.Backend)
	}

	cfg2, created, err := Ensure(path)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("second Ensure must reuse the file")
	}
	if cfg2.Call.RingTimeoutSec != cfg.Call.RingTimeoutSec {
		t.Fatal("reload changed values")
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	// Partial file: unspecified sections keep defaults.
	partial := `{"identity": {"display_name": "Alice"}, "call": {"ring_timeout_seconds": 10}}`
	if err := os.WriteFile(path, []byte(partial), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Identity.DisplayName != "Alice" || cfg.Call.RingTimeoutSec != 10 {
		t.Fatalf("overrides lost: %+v", cfg)
	}
	if cfg.Identity.KeyFile != "data/identity.key" || cfg.Signal.Backend != "pubsub" {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestLoadStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"identity": {"display_name": "bom"}}`)...)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Identity.DisplayName != "bom" {
		t.Fatalf("BOM handling broken: %+v", cfg.Identity)
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	ch := make(chan Config, 4)
	stop, err := Watch(path, func(c Config) { ch <- c })
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	cfg := Default()
	cfg.Call.RingTimeoutSec = 7
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-ch:
		if got.Call.RingTimeoutSec != 7 {
			t.Fatalf("stale reload: %+v", got.Call)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}

	// An invalid edit is skipped, no callback fires.
	if err := os.WriteFile(path, []byte(`{"signal": {"backend": "bogus"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-ch:
		t.Fatalf("invalid config delivered: %+v", got.Signal)
	case <-time.After(600 * time.Millisecond):
	}
}
