package config

import (
	"context"
	"os"
	"path/filepath"
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
	cases := map[string]func(*Config){
		"role":        func(c *Config) { c.Sync.Role = "leader" },
		"port":        func(c *Config) { c.Sync.Port = 0 },
		"codec":       func(c *Config) { c.Sync.Codec = "xml" },
		"backend":     func(c *Config) { c.Player.Backend = "vlc" },
		"socket":      func(c *Config) { c.Player.MpvSocket = " " },
		"echo":        func(c *Config) { c.Player.EchoSuppressMs = -1 },
		"http_addr":   func(c *Config) { c.Control.HTTPAddr = "localhost" },
		"log level":   func(c *Config) { c.Log.Level = "verbose" },
		"buffer_size": func(c *Config) { c.Log.BufferSize = 0 },
		"db_path":     func(c *Config) { c.Storage.DBPath = "" },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}

	cfg := Default()
	cfg.Sync.Role = RoleFollower // hub address may come from storage
	cfg.Control.HTTPAddr = ""
	cfg.Player.Backend = BackendMemory
	cfg.Player.MpvSocket = ""
	if err := cfg.Validate(); err != nil {
		t.Fatalf("memory backend without control API: %v", err)
	}
}

func TestLoadAcceptsComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := "\xEF\xBB\xBF" + `{
  // follow the living room box
  "sync": {
    "role": "follower",
    "hub_address": "10.0.0.2", /* default port */
    "codec": "cbor",
  },
}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Sync.Role != RoleFollower || cfg.Sync.HubAddress != "10.0.0.2" || cfg.Sync.Codec != "cbor" {
		t.Fatalf("sync = %+v", cfg.Sync)
	}
	if cfg.Sync.Port != 4885 || cfg.Log.BufferSize != 800 {
		t.Fatal("missing fields did not keep their defaults")
	}
}

func TestLoadPartialSkipsValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	_ = os.WriteFile(path, []byte(`{"sync":{"port":0}}`), 0o644)

	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted port 0")
	}
	cfg, err := LoadPartial(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Sync.Port != 0 {
		t.Fatalf("port = %d", cfg.Sync.Port)
	}
}

func TestEnsureCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")

	cfg, created, err := Ensure(path)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected a new file")
	}
	if cfg != Default() {
		t.Fatalf("cfg = %+v", cfg)
	}

	cfg.Sync.Port = 9000
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	again, created, err := Ensure(path)
	if err != nil || created {
		t.Fatalf("second Ensure: created=%v err=%v", created, err)
	}
	if again.Sync.Port != 9000 {
		t.Fatalf("port = %d", again.Sync.Port)
	}
}

func TestRoleChanged(t *testing.T) {
	a, b := Default(), Default()
	b.Log.Level = "debug"
	if RoleChanged(a.Sync, b.Sync) {
		t.Fatal("log level change should not restart the role")
	}
	b.Sync.Codec = "cbor"
	if !RoleChanged(a.Sync, b.Sync) {
		t.Fatal("codec change should restart the role")
	}
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Config, 8)
	if err := Watch(ctx, path, func(c Config) { got <- c }); err != nil {
		t.Fatal(err)
	}

	// noise in the same directory is ignored
	_ = os.WriteFile(filepath.Join(dir, "other.json"), []byte("{}"), 0o644)

	cfg := Default()
	cfg.Sync.Role = RoleHub
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case c := <-got:
			if c.Sync.Role == RoleHub {
				return
			}
		case <-deadline:
			t.Fatal("no reload after write")
		}
	}
}
