package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

const sampleYAML = `
telegram:
  token: "123:abc"
  owner_user_ids: [42]
  poll_timeout: "15s"
logging:
  level: debug
  console: true
  file:
    enabled: false
    path: ""
scheduler:
  edit_interval: "90s"
pipeline:
  default_model: turbo
  default_lang: en
  timezone: UTC
whisper:
  bin_path: /usr/local/bin/whisper-cli
  model_dir: /models
resume:
  enabled: true
  lookback: "48h"
  concurrency: 5
storage:
  driver: file
  path: ./store
`

func TestLoadYAML(t *testing.T) {
	t.Parallel()

	m := NewManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Errorf("token = %q", cfg.Telegram.Token)
	}
	if got := cfg.PollTimeout(); got != 15*time.Second {
		t.Errorf("PollTimeout = %v", got)
	}
	if got := cfg.EditInterval(); got != 90*time.Second {
		t.Errorf("EditInterval = %v", got)
	}
	if got := cfg.ResumeLookback(); got != 48*time.Hour {
		t.Errorf("ResumeLookback = %v", got)
	}
	if cfg.DefaultModel() != "turbo" || cfg.DefaultLang() != "en" {
		t.Errorf("defaults = %q/%q", cfg.DefaultModel(), cfg.DefaultLang())
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "file" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if m.Get() != cfg {
		t.Error("Get should return the committed config")
	}
}

func TestDefaultsApplied(t *testing.T) {
	t.Parallel()

	m := NewManager(writeFile(t, "config.json", `{"telegram":{"token":"t"}}`))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.EditInterval(); got != 120*time.Second {
		t.Errorf("EditInterval default = %v", got)
	}
	if got := cfg.ResumeLookback(); got != 7*24*time.Hour {
		t.Errorf("ResumeLookback default = %v", got)
	}
	if got := cfg.StopGracePeriod(); got != 30*time.Minute {
		t.Errorf("StopGracePeriod default = %v", got)
	}
	if cfg.DefaultModel() != "large" || cfg.DefaultLang() != "ru" {
		t.Errorf("defaults = %q/%q", cfg.DefaultModel(), cfg.DefaultLang())
	}
	if cfg.Timezone() != "Europe/Moscow" {
		t.Errorf("Timezone default = %q", cfg.Timezone())
	}
	if cfg.WhisperBin() != "whisper-cli" || cfg.WhisperModelDir() != "./.models" {
		t.Errorf("whisper defaults = %q/%q", cfg.WhisperBin(), cfg.WhisperModelDir())
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	m := NewManager(writeFile(t, "config.yaml", "telegram:\n  token: t\n  totally_unknown: 1\n"))
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected unknown-field error")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()

	m := NewManager(writeFile(t, "config.json", `{"telegram":{"token":"t"}}{"x":1}`))
	if _, err := m.Parse(); err == nil || !strings.Contains(err.Error(), "trailing") {
		t.Fatalf("expected trailing-data error, got %v", err)
	}
}

func TestEnvTokenOverride(t *testing.T) {
	t.Setenv(EnvToken, "env-token")

	m := NewManager(writeFile(t, "config.json", `{"telegram":{"token":"file-token"}}`))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "env-token" {
		t.Errorf("token = %q, want env override", cfg.Telegram.Token)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"missing token", Config{}, true},
		{"ok", Config{Telegram: TelegramConfig{Token: "t"}}, false},
		{"bad duration", Config{Telegram: TelegramConfig{Token: "t"}, StopGrace: "soon"}, true},
		{"negative duration", Config{Telegram: TelegramConfig{Token: "t", PollTimeout: "-5s"}}, true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() err = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestSubscribePublishAndUnsubscribe(t *testing.T) {
	t.Parallel()

	m := NewManager("unused")
	ch := m.Subscribe(1)
	cfg := &Config{Telegram: TelegramConfig{Token: "t"}}
	m.publish(cfg)
	select {
	case got := <-ch:
		if got != cfg {
			t.Error("published config mismatch")
		}
	default:
		t.Fatal("expected a published config")
	}

	// A full buffer drops the oldest update and keeps the newest.
	m.publish(cfg)
	cfg2 := &Config{Telegram: TelegramConfig{Token: "t2"}}
	m.publish(cfg2)
	if got := <-ch; got != cfg2 {
		t.Error("expected newest config after overflow")
	}

	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after Unsubscribe")
	}
}

func TestHashBytesStable(t *testing.T) {
	t.Parallel()

	a := hashBytes([]byte("same"))
	if a != hashBytes([]byte("same")) {
		t.Error("hash should be deterministic")
	}
	if a == hashBytes([]byte("different")) {
		t.Error("distinct inputs should hash differently")
	}
}
