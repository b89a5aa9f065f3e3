// Package rendezvous discovers the partner endpoint over the signaling bus.
//
// Each endpoint announces itself with JOIN once and PING periodically. The
// first heartbeat from the opposite role resolves the partner; a heartbeat
// carrying a different language updates it; silence for StaleAfter returns
// the beacon to SEARCHING. There is no explicit leave message.
package rendezvous

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/silviot/live_translation_relay_go/pkg/metrics"
	"github.com/silviot/live_translation_relay_go/pkg/protocol"
)

// DefaultInterval is the heartbeat period
const DefaultInterval = 1500 * time.Millisecond

// State is the rendezvous state
type State int

const (
	StateSearching State = iota
	StateResolved
)

func (s State) String() string {
	switch s {
	case StateSearching:
		return "SEARCHING"
	case StateResolved:
		return "RESOLVED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText renders the state name in JSON
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// EventKind identifies what changed
type EventKind int

const (
	// EventResolved fires on SEARCHING → RESOLVED
	EventResolved EventKind = iota
	// EventLanguageChanged fires when a resolved partner announces a new language
	EventLanguageChanged
	// EventLost fires when the partner's heartbeats go stale
	EventLost
	// EventPartnerJoined fires on every JOIN from the partner, including reloads
	EventPartnerJoined
)

func (k EventKind) String() string {
	switch k {
	case EventResolved:
		return "resolved"
	case EventLanguageChanged:
		return "language_changed"
	case EventLost:
		return "lost"
	case EventPartnerJoined:
		return "partner_joined"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// HeartbeatRecord is the last heartbeat seen from the partner
type HeartbeatRecord struct {
	Role       protocol.Role     `json:"role"`
	Language   protocol.Language `json:"language"`
	LastSeenAt time.Time         `json:"lastSeenAt"`
}

// Event is delivered to the OnEvent handler
type Event struct {
	Kind    EventKind
	Partner HeartbeatRecord
}

// Publisher is the part of the bus the beacon needs
type Publisher interface {
	Publish(ctx context.Context, msg protocol.Message) error
}

// Config holds beacon configuration
type Config struct {
	Role       protocol.Role
	Language   protocol.Language
	Bus        Publisher
	Interval   time.Duration // Heartbeat period (default 1.5s)
	StaleAfter time.Duration // Partner silence before SEARCHING (default 3 × Interval)
	Logger     *slog.Logger
	Metrics    metrics.Collector
}

// Beacon announces the local endpoint and tracks the partner
type Beacon struct {
	role       protocol.Role
	bus        Publisher
	interval   time.Duration
	staleAfter time.Duration
	logger     *slog.Logger
	metrics    metrics.Collector
	now        func() time.Time

	// opMu serializes state transitions with their event delivery so
	// handlers observe events in transition order.
	opMu sync.Mutex

	mu       sync.RWMutex
	language protocol.Language
	state    State
	partner  HeartbeatRecord
	onEvent  func(Event)
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a beacon. It does not publish until Start.
func New(cfg Config) (*Beacon, error) {
	if !cfg.Role.Valid() {
		return nil, fmt.Errorf("invalid role %q", cfg.Role)
	}
	if cfg.Language.IsZero() {
		return nil, fmt.Errorf("language is required")
	}
	if cfg.Bus == nil {
		return nil, fmt.Errorf("bus is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 3 * cfg.Interval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop()
	}

	return &Beacon{
		role:       cfg.Role,
		bus:        cfg.Bus,
		interval:   cfg.Interval,
		staleAfter: cfg.StaleAfter,
		logger:     cfg.Logger.With("component", "rendezvous", "role", cfg.Role),
		metrics:    cfg.Metrics,
		now:        time.Now,
		language:   cfg.Language,
		state:      StateSearching,
	}, nil
}

// OnEvent sets the handler for rendezvous events. Set it before Start.
// The handler runs synchronously and must not call Handle or SetLanguage.
func (b *Beacon) OnEvent(fn func(Event)) {
	b.mu.Lock()
	b.onEvent = fn
	b.mu.Unlock()
}

// Start publishes JOIN and then PING every interval until Stop
func (b *Beacon) Start(ctx context.Context) {
	b.mu.Lock()
	if b.cancel != nil {
		b.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	done := b.done
	b.mu.Unlock()

	b.announce(ctx, protocol.TypeJoin)

	go b.heartbeatLoop(ctx, done)
}

func (b *Beacon) heartbeatLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.checkStale()
			b.announce(ctx, protocol.TypePing)
		}
	}
}

// Stop halts the heartbeat. The partner record is kept.
func (b *Beacon) Stop() {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (b *Beacon) announce(ctx context.Context, t protocol.MessageType) {
	lang := b.Language()

	var msg protocol.Message
	if t == protocol.TypeJoin {
		msg = &protocol.Join{SenderRole: b.role, Language: lang}
	} else {
		msg = &protocol.Ping{SenderRole: b.role, Language: lang}
	}

	if err := b.bus.Publish(ctx, msg); err != nil && ctx.Err() == nil {
		// Heartbeats are best effort; the next tick retries
		b.logger.Debug("failed to publish heartbeat", "type", t, "error", err)
	}
}

// Handle processes a PING or JOIN. Other message types and messages from
// the local role are ignored.
func (b *Beacon) Handle(msg protocol.Message) {
	var (
		lang   protocol.Language
		isJoin bool
	)
	switch m := msg.(type) {
	case *protocol.Ping:
		lang = m.Language
	case *protocol.Join:
		lang, isJoin = m.Language, true
	default:
		return
	}
	if msg.Sender() != b.role.Opposite() {
		return
	}

	b.opMu.Lock()
	defer b.opMu.Unlock()

	b.mu.Lock()
	prev := b.state
	prevLang := b.partner.Language
	b.partner = HeartbeatRecord{Role: msg.Sender(), Language: lang, LastSeenAt: b.now()}
	b.state = StateResolved
	partner := b.partner
	handler := b.onEvent
	b.mu.Unlock()

	var events []Event
	switch {
	case prev == StateSearching:
		b.logger.Info("partner resolved", "partnerLanguage", lang.Code)
		b.metrics.PartnerResolved(true)
		events = append(events, Event{Kind: EventResolved, Partner: partner})
		// Answer right away so the partner resolves without waiting a full interval
		b.announce(context.Background(), protocol.TypePing)
	case prevLang.Code != lang.Code:
		b.logger.Info("partner language changed", "from", prevLang.Code, "to", lang.Code)
		events = append(events, Event{Kind: EventLanguageChanged, Partner: partner})
	}
	if isJoin {
		events = append(events, Event{Kind: EventPartnerJoined, Partner: partner})
	}

	if handler != nil {
		for _, ev := range events {
			handler(ev)
		}
	}
}

func (b *Beacon) checkStale() {
	b.opMu.Lock()
	defer b.opMu.Unlock()

	b.mu.Lock()
	if b.state != StateResolved || b.now().Sub(b.partner.LastSeenAt) < b.staleAfter {
		b.mu.Unlock()
		return
	}
	partner := b.partner
	b.state = StateSearching
	b.partner = HeartbeatRecord{}
	handler := b.onEvent
	b.mu.Unlock()

	b.logger.Warn("partner heartbeat stale, searching again", "lastSeenAt", partner.LastSeenAt)
	b.metrics.PartnerResolved(false)

	if handler != nil {
		handler(Event{Kind: EventLost, Partner: partner})
	}
}

// SetLanguage changes the local language and re-announces with JOIN
func (b *Beacon) SetLanguage(lang protocol.Language) {
	b.mu.Lock()
	changed := b.language.Code != lang.Code
	b.language = lang
	running := b.cancel != nil
	b.mu.Unlock()

	if changed && running {
		b.announce(context.Background(), protocol.TypeJoin)
	}
}

// Language returns the local language
func (b *Beacon) Language() protocol.Language {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.language
}

// State returns the current rendezvous state
func (b *Beacon) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Partner returns the partner's last heartbeat when resolved
func (b *Beacon) Partner() (HeartbeatRecord, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.partner, b.state == StateResolved
}

// TargetLanguage is the resolved partner language
func (b *Beacon) TargetLanguage() (protocol.Language, bool) {
	p, ok := b.Partner()
	return p.Language, ok
}
