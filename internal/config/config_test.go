package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeFile(t, dir, "config.json", `{
		"telegram": {"token": "123:abc", "owner_user_ids": [42], "admin_chat": "-100200", "poll_timeout": "10s"},
		"logging": {"level": "DEBUG", "console": true, "file": {"enabled": false, "path": ""}, "telegram": {"enabled": false, "thread_id": 0, "min_level": "", "rate_per_sec": 0}},
		"api": {"rate_per_sec": 2},
		"token": {"refresh_margin": "4m30s"},
		"checker": {"interval": "2m"},
		"queue": {"timeout": "10m"},
		"booking": {"session_timeout": "10m", "conflict_policy": "terminate"},
		"health": {"failure_threshold": 3},
		"scheduler": {"timezone": "Europe/Berlin"},
		"storage": {"path": "./test.db"}
	}`)

	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if len(cfg.Telegram.OwnerUserIDs) != 1 || cfg.Telegram.OwnerUserIDs[0] != 42 {
		t.Fatalf("owners = %v", cfg.Telegram.OwnerUserIDs)
	}
	if cfg.Checker.Interval != "2m" {
		t.Fatalf("interval = %q", cfg.Checker.Interval)
	}
	if cfg.Booking.ConflictPolicy != "terminate" {
		t.Fatalf("conflict policy = %q", cfg.Booking.ConflictPolicy)
	}
	if cfg.Scheduler.Timezone != "Europe/Berlin" {
		t.Fatalf("timezone = %q", cfg.Scheduler.Timezone)
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", strings.Join([]string{
		"telegram:",
		"  token: \"123:abc\"",
		"  owner_user_ids: [7]",
		"  admin_chat: \"-100200\"",
		"  poll_timeout: 10s",
		"logging:",
		"  level: INFO",
		"  console: true",
		"  file: {enabled: false, path: \"\"}",
		"  telegram: {enabled: false, thread_id: 0, min_level: \"\", rate_per_sec: 0}",
		"api: {base_url: \"http://localhost:1\", rate_per_sec: 5}",
		"token: {}",
		"checker: {interval: 30s}",
		"queue: {}",
		"booking: {}",
		"health: {}",
		"scheduler: {}",
		"storage: {path: ./x.db}",
	}, "\n"))

	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("parse yaml: %v", err)
	}
	if cfg.API.BaseURL != "http://localhost:1" || cfg.API.RatePerSec != 5 {
		t.Fatalf("api = %+v", cfg.API)
	}
	if cfg.Checker.Interval != "30s" {
		t.Fatalf("interval = %q", cfg.Checker.Interval)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeFile(t, dir, "config.json", `{"telegram": {"token": "x", "owner_user_ids": [], "admin_chat": "", "poll_timeout": ""}, "nope": 1}`)

	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatalf("expected unknown-field error")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeFile(t, dir, "config.json", `{"storage": {"path": "a"}}{"storage": {"path": "b"}}`)

	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatalf("expected trailing-data error")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{name: "empty means zero", raw: "", want: 0},
		{name: "simple", raw: "90s", want: 90 * time.Second},
		{name: "compound", raw: "4m30s", want: 4*time.Minute + 30*time.Second},
		{name: "negative rejected", raw: "-5s", wantErr: true},
		{name: "garbage rejected", raw: "soon", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseDurationField("test.field", tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	got, err := ParseDurationOrDefault("f", "", 2*time.Minute)
	if err != nil || got != 2*time.Minute {
		t.Fatalf("default: got %v err %v", got, err)
	}
	got, err = ParseDurationOrDefault("f", "45s", 2*time.Minute)
	if err != nil || got != 45*time.Second {
		t.Fatalf("explicit: got %v err %v", got, err)
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{}
	oldCfg.Checker.Interval = "2m"
	oldCfg.Booking.ConflictPolicy = "terminate"

	newCfg := &Config{}
	newCfg.Checker.Interval = "1m"
	newCfg.Booking.ConflictPolicy = "terminate"

	changed, _ := SummarizeChange(oldCfg, newCfg)
	if len(changed) != 1 || changed[0] != "checker" {
		t.Fatalf("changed = %v", changed)
	}

	// Token presence flips should register without leaking the token.
	withTok := &Config{}
	withTok.Checker.Interval = "2m"
	withTok.Booking.ConflictPolicy = "terminate"
	withTok.Telegram.Token = "secret"
	changed, _ = SummarizeChange(oldCfg, withTok)
	found := false
	for _, c := range changed {
		if c == "telegram" {
			found = true
		}
	}
	if !found {
		t.Fatalf("telegram change not detected: %v", changed)
	}
}
