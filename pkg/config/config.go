// Package config loads relay endpoint and hub configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/silviot/live_translation_relay_go/pkg/protocol"
	"github.com/silviot/live_translation_relay_go/pkg/webrtc"
)

// Bus backends
const (
	BusWebSocket = "websocket"
	BusRedis     = "redis"
)

// Config represents the application configuration
type Config struct {
	Endpoint    EndpointConfig    `yaml:"endpoint"`
	HTTP        HTTPConfig        `yaml:"http"`
	Bus         BusConfig         `yaml:"bus"`
	Rendezvous  RendezvousConfig  `yaml:"rendezvous"`
	Negotiation NegotiationConfig `yaml:"negotiation"`
	WebRTC      WebRTCConfig      `yaml:"webrtc"`
	Translation TranslationConfig `yaml:"translation"`
	Session     SessionConfig     `yaml:"session"`
	Audio       AudioConfig       `yaml:"audio"`
	Hub         HubConfig         `yaml:"hub"`
	Log         LogConfig         `yaml:"log"`
}

// EndpointConfig identifies the local participant
type EndpointConfig struct {
	Role     string `yaml:"role"`
	Language string `yaml:"language"` // Empty picks the role's default
	Room     string `yaml:"room"`
}

// HTTPConfig represents HTTP server configuration
type HTTPConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// BusConfig selects the signaling transport
type BusConfig struct {
	Kind         string        `yaml:"kind"`          // websocket or redis
	URL          string        `yaml:"url"`           // Hub URL for websocket
	RedisURL     string        `yaml:"redis_url"`     // redis://host:port/db
	Channel      string        `yaml:"channel"`       // Redis channel prefix; the room is appended
	PingInterval time.Duration `yaml:"ping_interval"` // WebSocket keepalive
	MinBackoff   time.Duration `yaml:"min_backoff"`
	MaxBackoff   time.Duration `yaml:"max_backoff"`
}

// RendezvousConfig tunes partner discovery
type RendezvousConfig struct {
	Interval   time.Duration `yaml:"interval"`
	StaleAfter time.Duration `yaml:"stale_after"`
}

// NegotiationConfig tunes the offer/answer engine
type NegotiationConfig struct {
	GraceDelay time.Duration `yaml:"grace_delay"`
}

// WebRTCConfig represents peer connection configuration
type WebRTCConfig struct {
	STUN                []string            `yaml:"stun"`
	TURN                []webrtc.TURNServer `yaml:"turn"`
	DisconnectedTimeout time.Duration       `yaml:"disconnected_timeout"`
	FailedTimeout       time.Duration       `yaml:"failed_timeout"`
	KeepAliveInterval   time.Duration       `yaml:"keepalive_interval"`
	VideoDir            string              `yaml:"video_dir"`    // Directory of <device>.ivf files
	VideoDevice         string              `yaml:"video_device"` // Empty sends no video
}

// TranslationConfig points at the translation service
type TranslationConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
	Voice  string `yaml:"voice"`
}

// SessionConfig tunes translation session retries
type SessionConfig struct {
	BaseDelay          time.Duration `yaml:"base_delay"`
	MaxDelay           time.Duration `yaml:"max_delay"`
	MaxAttempts        int           `yaml:"max_attempts"`
	TranslatingTimeout time.Duration `yaml:"translating_timeout"`
}

// AudioConfig selects local capture and playback
type AudioConfig struct {
	Device     string `yaml:"device"`      // Raw PCM file, "-" for stdin, empty for none
	SampleRate int    `yaml:"sample_rate"` // Capture sample rate
	Loop       bool   `yaml:"loop"`
	Playback   string `yaml:"playback"` // File for partner audio, "-" for stdout, empty to discard
}

// HubConfig configures the signaling hub binary
type HubConfig struct {
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Endpoint: EndpointConfig{
			Role: string(protocol.RoleCustomer),
			Room: "default",
		},
		HTTP: HTTPConfig{
			Address:         ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Bus: BusConfig{
			Kind:         BusWebSocket,
			URL:          "ws://localhost:8090/ws",
			RedisURL:     "redis://localhost:6379/0",
			Channel:      "live-translation",
			PingInterval: 30 * time.Second,
			MinBackoff:   500 * time.Millisecond,
			MaxBackoff:   10 * time.Second,
		},
		Rendezvous: RendezvousConfig{
			Interval: 1500 * time.Millisecond,
		},
		Negotiation: NegotiationConfig{
			GraceDelay: time.Second,
		},
		WebRTC: WebRTCConfig{
			STUN:     append([]string(nil), webrtc.DefaultSTUN...),
			VideoDir: "media",
		},
		Translation: TranslationConfig{
			Voice: "Kore",
		},
		Session: SessionConfig{
			BaseDelay:          time.Second,
			MaxDelay:           30 * time.Second,
			MaxAttempts:        5,
			TranslatingTimeout: 5 * time.Second,
		},
		Audio: AudioConfig{
			SampleRate: 16000,
		},
		Hub: HubConfig{
			Address: ":8090",
			Path:    "/ws",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path over the defaults and applies environment overrides.
// An empty path means defaults plus environment.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := applyEnvironmentOverrides(config); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnvironmentOverrides applies environment overrides
func applyEnvironmentOverrides(config *Config) error {
	setString := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				*dst = v
				return
			}
		}
	}

	setString(&config.Endpoint.Role, "RELAY_ROLE")
	setString(&config.Endpoint.Language, "RELAY_LANGUAGE")
	setString(&config.Endpoint.Room, "RELAY_ROOM")
	setString(&config.HTTP.Address, "HTTP_ADDRESS")
	setString(&config.Bus.Kind, "BUS_KIND")
	setString(&config.Bus.URL, "BUS_URL")
	setString(&config.Bus.RedisURL, "REDIS_URL")
	setString(&config.Bus.Channel, "BUS_CHANNEL")
	setString(&config.Translation.URL, "TRANSLATION_URL")
	setString(&config.Translation.APIKey, "TRANSLATION_API_KEY", "GEMINI_API_KEY", "API_KEY")
	setString(&config.Translation.Model, "TRANSLATION_MODEL")
	setString(&config.Translation.Voice, "TRANSLATION_VOICE")
	setString(&config.Audio.Device, "AUDIO_DEVICE")
	setString(&config.Audio.Playback, "AUDIO_PLAYBACK")
	setString(&config.WebRTC.VideoDir, "VIDEO_DIR")
	setString(&config.WebRTC.VideoDevice, "VIDEO_DEVICE")
	setString(&config.Hub.Address, "HUB_ADDRESS")
	setString(&config.Log.Level, "LOG_LEVEL")
	setString(&config.Log.Format, "LOG_FORMAT")

	if rate := os.Getenv("AUDIO_SAMPLE_RATE"); rate != "" {
		n, err := strconv.Atoi(rate)
		if err != nil {
			return fmt.Errorf("invalid AUDIO_SAMPLE_RATE %q: %w", rate, err)
		}
		config.Audio.SampleRate = n
	}

	// A single TURN server can come from the environment
	if turnURL := os.Getenv("TURN_URL"); turnURL != "" {
		config.WebRTC.TURN = append(config.WebRTC.TURN, webrtc.TURNServer{
			URLs:       strings.Split(turnURL, ","),
			Username:   os.Getenv("TURN_USERNAME"),
			Credential: os.Getenv("TURN_CREDENTIAL"),
		})
	}
	return nil
}

// Role parses the configured role
func (c *Config) Role() (protocol.Role, error) {
	return protocol.ParseRole(c.Endpoint.Role)
}

// Language resolves the configured language, falling back to the role default
func (c *Config) Language() (protocol.Language, error) {
	role, err := c.Role()
	if err != nil {
		return protocol.Language{}, err
	}
	if c.Endpoint.Language == "" {
		return protocol.DefaultLanguage(role), nil
	}
	lang, ok := protocol.LookupLanguage(c.Endpoint.Language)
	if !ok {
		return protocol.Language{}, fmt.Errorf("unsupported language %q", c.Endpoint.Language)
	}
	return lang, nil
}

// ValidateEndpoint checks what a relay endpoint needs
func (c *Config) ValidateEndpoint() error {
	var errs []error
	if _, err := c.Role(); err != nil {
		errs = append(errs, err)
	} else if _, err := c.Language(); err != nil {
		errs = append(errs, err)
	}
	if c.Endpoint.Room == "" {
		errs = append(errs, errors.New("room is required"))
	}

	switch c.Bus.Kind {
	case BusWebSocket:
		if c.Bus.URL == "" {
			errs = append(errs, errors.New("bus url is required for the websocket bus"))
		}
	case BusRedis:
		if c.Bus.RedisURL == "" {
			errs = append(errs, errors.New("redis url is required for the redis bus"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown bus kind %q", c.Bus.Kind))
	}

	if c.Rendezvous.Interval <= 0 {
		errs = append(errs, errors.New("rendezvous interval must be positive"))
	}
	if c.Rendezvous.StaleAfter < 0 {
		errs = append(errs, errors.New("rendezvous stale_after must not be negative"))
	}
	if c.Translation.URL == "" {
		errs = append(errs, errors.New("translation url is required"))
	}
	if c.Session.MaxAttempts < 0 {
		errs = append(errs, errors.New("session max_attempts must not be negative"))
	}
	if c.Audio.SampleRate <= 0 {
		errs = append(errs, errors.New("audio sample_rate must be positive"))
	}
	return errors.Join(errs...)
}

// ValidateHub checks what the signaling hub needs
func (c *Config) ValidateHub() error {
	if c.Hub.Address == "" {
		return errors.New("hub address is required")
	}
	if !strings.HasPrefix(c.Hub.Path, "/") {
		return fmt.Errorf("hub path %q must start with /", c.Hub.Path)
	}
	return nil
}

// ConnectionConfig converts the WebRTC section for the pion manager
func (c *Config) ConnectionConfig() webrtc.ConnectionConfig {
	return webrtc.ConnectionConfig{
		STUN:                c.WebRTC.STUN,
		TURN:                c.WebRTC.TURN,
		DisconnectedTimeout: c.WebRTC.DisconnectedTimeout,
		FailedTimeout:       c.WebRTC.FailedTimeout,
		KeepAliveInterval:   c.WebRTC.KeepAliveInterval,
	}
}
