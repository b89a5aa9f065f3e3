package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/silviot/live_translation_relay_go/pkg/protocol"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Rendezvous.Interval != 1500*time.Millisecond {
		t.Errorf("interval = %v", cfg.Rendezvous.Interval)
	}
	if cfg.Bus.Kind != BusWebSocket {
		t.Errorf("bus kind = %q", cfg.Bus.Kind)
	}
	if cfg.Session.MaxAttempts != 5 {
		t.Errorf("max attempts = %d", cfg.Session.MaxAttempts)
	}
}

func TestLoadYAMLOverDefaults(t *testing.T) {
	path := writeConfig(t, `
endpoint:
  role: agent
  language: fr
  room: desk-7
bus:
  kind: redis
  redis_url: redis://cache:6379/1
rendezvous:
  interval: 500ms
webrtc:
  turn:
    - urls: ["turn:turn.example.com:3478"]
      username: u
      credential: p
translation:
  url: wss://translate.example.com/live
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	role, _ := cfg.Role()
	if role != protocol.RoleAgent {
		t.Errorf("role = %v", role)
	}
	lang, err := cfg.Language()
	if err != nil || lang.Code != "fr" {
		t.Errorf("language = %v, %v", lang, err)
	}
	if cfg.Rendezvous.Interval != 500*time.Millisecond {
		t.Errorf("interval = %v", cfg.Rendezvous.Interval)
	}
	if len(cfg.WebRTC.TURN) != 1 || cfg.WebRTC.TURN[0].Username != "u" {
		t.Errorf("turn = %+v", cfg.WebRTC.TURN)
	}
	// Untouched sections keep defaults
	if cfg.HTTP.Address != ":8080" {
		t.Errorf("http address = %q", cfg.HTTP.Address)
	}
	if err := cfg.ValidateEndpoint(); err != nil {
		t.Errorf("ValidateEndpoint: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("RELAY_ROLE", "agent")
	t.Setenv("BUS_KIND", "redis")
	t.Setenv("GEMINI_API_KEY", "from-gemini-env")
	t.Setenv("AUDIO_SAMPLE_RATE", "48000")
	t.Setenv("TURN_URL", "turn:a:3478,turns:a:5349")
	t.Setenv("TURN_USERNAME", "user")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Endpoint.Role != "agent" || cfg.Bus.Kind != BusRedis {
		t.Errorf("role/bus = %q/%q", cfg.Endpoint.Role, cfg.Bus.Kind)
	}
	if cfg.Translation.APIKey != "from-gemini-env" {
		t.Errorf("api key = %q", cfg.Translation.APIKey)
	}
	if cfg.Audio.SampleRate != 48000 {
		t.Errorf("sample rate = %d", cfg.Audio.SampleRate)
	}
	if len(cfg.WebRTC.TURN) != 1 || len(cfg.WebRTC.TURN[0].URLs) != 2 {
		t.Errorf("turn = %+v", cfg.WebRTC.TURN)
	}
}

func TestInvalidSampleRateEnv(t *testing.T) {
	t.Setenv("AUDIO_SAMPLE_RATE", "fast")
	if _, err := Load(""); err == nil {
		t.Error("expected error")
	}
}

func TestValidateEndpoint(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"bad role", func(c *Config) { c.Endpoint.Role = "observer" }, "unknown role"},
		{"bad language", func(c *Config) { c.Endpoint.Language = "xx" }, "unsupported language"},
		{"bad bus", func(c *Config) { c.Bus.Kind = "carrier-pigeon" }, "unknown bus kind"},
		{"zero interval", func(c *Config) { c.Rendezvous.Interval = 0 }, "interval must be positive"},
		{"no translation url", func(c *Config) { c.Translation.URL = "" }, "translation url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Translation.URL = "wss://example.com/live"
			tt.mutate(cfg)

			err := cfg.ValidateEndpoint()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateHub(t *testing.T) {
	cfg := Default()
	if err := cfg.ValidateHub(); err != nil {
		t.Errorf("default hub invalid: %v", err)
	}
	cfg.Hub.Path = "ws"
	if err := cfg.ValidateHub(); err == nil {
		t.Error("expected error for relative path")
	}
}
