// Package relay moves translation output between the two endpoints:
// local output is published on the bus, the partner's output is scheduled
// for gapless playback and logged.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/silviot/live_translation_relay_go/pkg/metrics"
	"github.com/silviot/live_translation_relay_go/pkg/protocol"
)

const publishTimeout = 5 * time.Second

// Publisher is the bus side the broadcaster needs
type Publisher interface {
	Publish(ctx context.Context, msg protocol.Message) error
}

// Config holds broadcaster configuration
type Config struct {
	Role        protocol.Role
	Bus         Publisher
	Transcripts *TranscriptLog // Default: new log with DefaultTranscriptCap
	Scheduler   *Scheduler     // Default: scheduler without sink
	Logger      *slog.Logger
	Metrics     metrics.Collector
}

// Broadcaster relays audio chunks and transcripts in both directions
type Broadcaster struct {
	role        protocol.Role
	bus         Publisher
	transcripts *TranscriptLog
	scheduler   *Scheduler
	logger      *slog.Logger
	metrics     metrics.Collector
}

// New creates a broadcaster
func New(cfg Config) (*Broadcaster, error) {
	if !cfg.Role.Valid() {
		return nil, fmt.Errorf("invalid role %q", cfg.Role)
	}
	if cfg.Bus == nil {
		return nil, errors.New("bus is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop()
	}
	if cfg.Transcripts == nil {
		cfg.Transcripts = NewTranscriptLog(DefaultTranscriptCap)
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = NewScheduler(nil)
	}
	return &Broadcaster{
		role:        cfg.Role,
		bus:         cfg.Bus,
		transcripts: cfg.Transcripts,
		scheduler:   cfg.Scheduler,
		logger:      cfg.Logger.With("component", "relay", "role", cfg.Role),
		metrics:     cfg.Metrics,
	}, nil
}

// RelayAudio publishes one translated chunk to the partner
func (b *Broadcaster) RelayAudio(pcm []byte, sampleRate int) {
	if len(pcm) == 0 {
		return
	}
	b.publish(&protocol.AudioChunk{SenderRole: b.role, Data: pcm, SampleRate: sampleRate})
	b.metrics.AudioRelayed("out", len(pcm))
}

// RelayTranscript logs a local transcript line and publishes it.
// isInput marks what the local speaker said; otherwise it is the translation.
func (b *Broadcaster) RelayTranscript(text string, isInput bool) {
	if text == "" {
		return
	}
	b.transcripts.Append(b.role, text, !isInput)
	b.publish(&protocol.Transcript{SenderRole: b.role, Text: text, IsTranslation: !isInput})
	b.metrics.TranscriptRelayed("out")
}

// HandleAudio schedules a chunk from the partner for playback
func (b *Broadcaster) HandleAudio(chunk *protocol.AudioChunk) {
	if chunk.SenderRole == b.role {
		b.metrics.SelfEchoDropped(string(chunk.Type()))
		return
	}
	start, end := b.scheduler.Schedule(chunk)
	b.metrics.AudioRelayed("in", len(chunk.Data))
	b.logger.Debug("scheduled partner audio", "bytes", len(chunk.Data), "start", start, "end", end)
}

// HandleTranscript logs a transcript line from the partner
func (b *Broadcaster) HandleTranscript(t *protocol.Transcript) {
	if t.SenderRole == b.role {
		b.metrics.SelfEchoDropped(string(t.Type()))
		return
	}
	b.transcripts.Append(t.SenderRole, t.Text, t.IsTranslation)
	b.metrics.TranscriptRelayed("in")
}

// Transcripts returns the transcript log
func (b *Broadcaster) Transcripts() *TranscriptLog {
	return b.transcripts
}

func (b *Broadcaster) publish(msg protocol.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := b.bus.Publish(ctx, msg); err != nil {
		b.logger.Warn("failed to relay", "type", msg.Type(), "error", err)
	}
}
