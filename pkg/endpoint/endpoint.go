// Package endpoint wires one participant together: rendezvous beacon,
// negotiation engine, translation session and relay, all fed from a single
// bus subscription.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/silviot/live_translation_relay_go/pkg/audio"
	"github.com/silviot/live_translation_relay_go/pkg/bus"
	"github.com/silviot/live_translation_relay_go/pkg/metrics"
	"github.com/silviot/live_translation_relay_go/pkg/negotiation"
	"github.com/silviot/live_translation_relay_go/pkg/protocol"
	"github.com/silviot/live_translation_relay_go/pkg/relay"
	"github.com/silviot/live_translation_relay_go/pkg/rendezvous"
	"github.com/silviot/live_translation_relay_go/pkg/session"
	"github.com/silviot/live_translation_relay_go/pkg/translation"
)

// ErrUnsupportedLanguage is returned for codes outside the catalog
var ErrUnsupportedLanguage = errors.New("unsupported language")

// Config holds endpoint configuration
type Config struct {
	Role        protocol.Role
	Language    protocol.Language // Default: the role's default language
	Bus         bus.Bus
	Translation translation.Service
	NewPeer     negotiation.PeerFactory
	Capturer    audio.Capturer // Optional
	Playback    relay.Sink     // Optional; partner audio is discarded without one
	AudioDevice string
	VideoDevice string // Empty sends no video
	Voice       string

	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
	GraceDelay        time.Duration

	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	RetryMaxAttempts   int
	TranslatingTimeout time.Duration

	Logger  *slog.Logger
	Metrics metrics.Collector
}

// Endpoint is one participant of a translated call
type Endpoint struct {
	id        string
	role      protocol.Role
	bus       bus.Bus
	beacon    *rendezvous.Beacon
	engine    *negotiation.Engine
	session   *session.Manager
	relay     *relay.Broadcaster
	scheduler *relay.Scheduler
	logger    *slog.Logger
	metrics   metrics.Collector

	events chan rendezvous.Event
	done   chan struct{} // closed by Close; unblocks pending event delivery

	mu          sync.Mutex
	started     bool
	closed      bool
	audioDevice string
	videoDevice string
	unsubscribe func()
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New creates an endpoint. Nothing is published until Start.
func New(cfg Config) (*Endpoint, error) {
	if !cfg.Role.Valid() {
		return nil, fmt.Errorf("invalid role %q", cfg.Role)
	}
	if cfg.Bus == nil {
		return nil, errors.New("bus is required")
	}
	if cfg.Translation == nil {
		return nil, errors.New("translation service is required")
	}
	if cfg.NewPeer == nil {
		return nil, errors.New("peer factory is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop()
	}
	if cfg.Language.IsZero() {
		cfg.Language = protocol.DefaultLanguage(cfg.Role)
	}

	id := uuid.NewString()
	logger := cfg.Logger.With("endpoint", id, "role", cfg.Role)

	e := &Endpoint{
		id:          id,
		role:        cfg.Role,
		bus:         cfg.Bus,
		scheduler:   relay.NewScheduler(cfg.Playback),
		logger:      logger,
		metrics:     cfg.Metrics,
		events:      make(chan rendezvous.Event, 32),
		done:        make(chan struct{}),
		audioDevice: cfg.AudioDevice,
		videoDevice: cfg.VideoDevice,
	}

	var err error
	e.beacon, err = rendezvous.New(rendezvous.Config{
		Role:       cfg.Role,
		Language:   cfg.Language,
		Bus:        cfg.Bus,
		Interval:   cfg.HeartbeatInterval,
		StaleAfter: cfg.StaleAfter,
		Logger:     logger,
		Metrics:    cfg.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create beacon: %w", err)
	}

	e.engine, err = negotiation.New(negotiation.Config{
		Role:       cfg.Role,
		Bus:        cfg.Bus,
		NewPeer:    cfg.NewPeer,
		GraceDelay: cfg.GraceDelay,
		Logger:     logger,
		Metrics:    cfg.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create negotiation engine: %w", err)
	}
	// No peer exists yet, so this only records the device for the first one
	if err := e.engine.ReplaceVideoTrack(cfg.VideoDevice); err != nil {
		e.engine.Close()
		return nil, err
	}

	e.relay, err = relay.New(relay.Config{
		Role:      cfg.Role,
		Bus:       cfg.Bus,
		Scheduler: e.scheduler,
		Logger:    logger,
		Metrics:   cfg.Metrics,
	})
	if err != nil {
		e.engine.Close()
		return nil, fmt.Errorf("failed to create relay: %w", err)
	}

	e.session, err = session.NewManager(session.Config{
		Role:               cfg.Role,
		Language:           cfg.Language,
		Service:            cfg.Translation,
		Capturer:           cfg.Capturer,
		AudioDevice:        cfg.AudioDevice,
		Voice:              cfg.Voice,
		Outbound:           e.relay,
		BaseDelay:          cfg.RetryBaseDelay,
		MaxDelay:           cfg.RetryMaxDelay,
		MaxAttempts:        cfg.RetryMaxAttempts,
		TranslatingTimeout: cfg.TranslatingTimeout,
		Logger:             logger,
		Metrics:            cfg.Metrics,
	})
	if err != nil {
		e.engine.Close()
		return nil, fmt.Errorf("failed to create session manager: %w", err)
	}

	// Events are never dropped; a full queue holds the beacon until run
	// catches up or the endpoint closes
	e.beacon.OnEvent(func(ev rendezvous.Event) {
		select {
		case e.events <- ev:
		case <-e.done:
		}
	})
	return e, nil
}

// ID returns the endpoint instance id
func (e *Endpoint) ID() string { return e.id }

// Role returns the fixed role
func (e *Endpoint) Role() protocol.Role { return e.role }

// Start subscribes to the bus and begins announcing
func (e *Endpoint) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.New("endpoint closed")
	}
	if e.started {
		return nil
	}
	e.started = true

	ctx, e.cancel = context.WithCancel(ctx)
	e.unsubscribe = e.bus.Subscribe(e.dispatch)

	e.wg.Add(1)
	go e.run(ctx)

	e.engine.SetLocalMediaReady(true)
	e.beacon.Start(ctx)

	e.logger.Info("endpoint started", "language", e.beacon.Language().Code)
	return nil
}

// dispatch is the only bus handler. Self-echo is dropped here, so no
// component acts on its own messages.
func (e *Endpoint) dispatch(msg protocol.Message) {
	if msg.Sender() == e.role {
		e.metrics.SelfEchoDropped(string(msg.Type()))
		return
	}

	switch m := msg.(type) {
	case *protocol.Ping:
		e.beacon.Handle(m)
	case *protocol.Join:
		e.beacon.Handle(m)
	case *protocol.Negotiation:
		e.engine.HandleSignal(m)
	case *protocol.AudioChunk:
		e.relay.HandleAudio(m)
	case *protocol.Transcript:
		e.relay.HandleTranscript(m)
	default:
		e.logger.Warn("unhandled message type", "type", fmt.Sprintf("%T", msg))
	}
}

// run applies rendezvous events in order, off the bus delivery path
func (e *Endpoint) run(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.events:
			e.handleEvent(ev)
		}
	}
}

func (e *Endpoint) handleEvent(ev rendezvous.Event) {
	e.logger.Info("rendezvous event", "kind", ev.Kind, "partnerLanguage", ev.Partner.Language.Code)

	switch ev.Kind {
	case rendezvous.EventResolved, rendezvous.EventLanguageChanged:
		if err := e.session.Start(ev.Partner.Language); err != nil {
			e.logger.Warn("failed to start translation", "error", err)
		}
		e.engine.PartnerResolved()
	case rendezvous.EventPartnerJoined:
		e.engine.PartnerJoined()
	case rendezvous.EventLost:
		e.session.Disconnect(true)
		e.engine.Reset()
		e.scheduler.Reset()
	}
}

// SetMuted gates local speech
func (e *Endpoint) SetMuted(muted bool) {
	e.session.SetMuted(muted)
}

// Reconnect retries the translation session after the circuit opened
func (e *Endpoint) Reconnect() error {
	return e.session.Reconnect()
}

// SetLanguage changes the local language and announces it
func (e *Endpoint) SetLanguage(code string) (protocol.Language, error) {
	lang, ok := protocol.LookupLanguage(code)
	if !ok {
		return protocol.Language{}, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, code)
	}
	e.beacon.SetLanguage(lang)
	e.session.SetLanguage(lang)
	return lang, nil
}

// SetVideoDevice swaps the outgoing video track without renegotiating
func (e *Endpoint) SetVideoDevice(deviceID string) error {
	if err := e.engine.ReplaceVideoTrack(deviceID); err != nil {
		return err
	}
	e.mu.Lock()
	e.videoDevice = deviceID
	e.mu.Unlock()
	return nil
}

// SetAudioDevice switches the capture device
func (e *Endpoint) SetAudioDevice(deviceID string) {
	e.session.SetAudioDevice(deviceID)
	e.mu.Lock()
	e.audioDevice = deviceID
	e.mu.Unlock()
}

// Transcripts returns the transcript log, oldest first
func (e *Endpoint) Transcripts() []relay.TranscriptItem {
	return e.relay.Transcripts().Items()
}

// Close tears everything down. Callbacks from the old session are dropped
// once Close returns.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	unsubscribe, cancel := e.unsubscribe, e.cancel
	e.mu.Unlock()

	close(e.done)
	if unsubscribe != nil {
		unsubscribe()
	}
	e.beacon.Stop()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()

	e.session.Close()
	err := e.engine.Close()
	e.logger.Info("endpoint closed")
	return err
}
