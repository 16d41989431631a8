package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Matcher.EmptyInput != "no_match" || cfg.Matcher.Scoring != "absolute" {
		t.Fatalf("unexpected matcher defaults %+v", cfg.Matcher)
	}
	if cfg.STT.PublishInterim {
		t.Fatal("interim transcripts must be off by default")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "answer.yaml")
	data := []byte(`runtime_name: kiosk
matcher:
  flow_path: ./flow.yaml
  scoring: relative
  max_input_length: 64
stt:
  enabled: true
  mode: exec
  command: whisper-json --threads 2
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RuntimeName != "kiosk" || cfg.Matcher.FlowPath != "./flow.yaml" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Matcher.Scoring != "relative" || cfg.Matcher.MaxInputLength != 64 {
		t.Fatalf("matcher values not applied: %+v", cfg.Matcher)
	}
	if !cfg.Matcher.Normalize {
		t.Fatal("unset keys must keep defaults")
	}
	if cfg.STT.Command != "whisper-json --threads 2" {
		t.Fatalf("unexpected stt command %q", cfg.STT.Command)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("LOQA_EVENT_STORE_MAX_SESSIONS", "123")
	t.Setenv("LOQA_EVENT_STORE_VACUUM_ON_START", "true")
	t.Setenv("LOQA_MATCHER_EMPTY_INPUT", "compare")
	t.Setenv("LOQA_MATCHER_MAX_INPUT_LENGTH", "32")
	t.Setenv("LOQA_STT_MOCK_TEXT", "健康です")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.EventStore.Path != "./tmp.db" {
		t.Fatalf("expected event store path override")
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store retention days override")
	}
	if cfg.EventStore.MaxSessions != 123 {
		t.Fatalf("expected event store max sessions override")
	}
	if !cfg.EventStore.VacuumOnStart {
		t.Fatalf("expected event store vacuum flag override")
	}
	if cfg.Matcher.EmptyInput != "compare" || cfg.Matcher.MaxInputLength != 32 {
		t.Fatalf("expected matcher overrides, got %+v", cfg.Matcher)
	}
	if cfg.STT.MockText != "健康です" {
		t.Fatalf("expected stt mock text override")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"port":        func(c *Config) { c.HTTP.Port = 0 },
		"log level":   func(c *Config) { c.Telemetry.LogLevel = "loud" },
		"retention":   func(c *Config) { c.EventStore.RetentionMode = "forever" },
		"scoring":     func(c *Config) { c.Matcher.Scoring = "fuzzy" },
		"empty input": func(c *Config) { c.Matcher.EmptyInput = "skip" },
		"stt command": func(c *Config) { c.STT.Enabled = true; c.STT.Mode = "exec" },
		"stt no bus":  func(c *Config) { c.STT.Enabled = true; c.Bus.Enabled = false },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := validate(cfg); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}
