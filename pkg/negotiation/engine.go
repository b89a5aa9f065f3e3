// Package negotiation drives the offer/answer exchange for the peer video
// connection over the signaling bus.
//
// The CUSTOMER always initiates. When both sides hold a local offer (glare)
// the AGENT rolls back and answers, and the CUSTOMER ignores the competing
// offer, so the CUSTOMER's offer always wins. ICE candidates that arrive
// before a remote description are buffered and applied in arrival order.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/silviot/live_translation_relay_go/pkg/metrics"
	"github.com/silviot/live_translation_relay_go/pkg/protocol"
)

// ErrClosed is returned by operations on a closed engine
var ErrClosed = errors.New("negotiation engine closed")

// ErrOfferFailed wraps any failure to build or send a local offer
var ErrOfferFailed = errors.New("offer failed")

// DefaultGraceDelay is applied before the first offer
const DefaultGraceDelay = time.Second

const publishTimeout = 5 * time.Second

// State mirrors the standard offer/answer signaling state
type State int

const (
	StateIdle State = iota
	StateHaveLocalOffer
	StateHaveRemoteOffer
	StateStable
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateHaveLocalOffer:
		return "HAVE_LOCAL_OFFER"
	case StateHaveRemoteOffer:
		return "HAVE_REMOTE_OFFER"
	case StateStable:
		return "STABLE"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText renders the state name in JSON
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Publisher is the part of the bus the engine needs
type Publisher interface {
	Publish(ctx context.Context, msg protocol.Message) error
}

// Config holds engine configuration
type Config struct {
	Role       protocol.Role
	Bus        Publisher
	NewPeer    PeerFactory
	GraceDelay time.Duration // Delay before the first offer (default 1s)
	Logger     *slog.Logger
	Metrics    metrics.Collector
}

// Status is a point-in-time view of the engine
type Status struct {
	State           State         `json:"state"`
	HasRemote       bool          `json:"hasRemoteDescription"`
	BufferedCount   int           `json:"bufferedCandidates"`
	ConnectionState string        `json:"connectionState,omitempty"`
	RemoteTracks    []RemoteTrack `json:"remoteTracks,omitempty"`
	LocalMediaReady bool          `json:"localMediaReady"`
	PartnerKnown    bool          `json:"partnerKnown"`
	OffersSent      int           `json:"offersSent"`
	AnswersSent     int           `json:"answersSent"`
}

// Engine owns the single peer connection of an endpoint
type Engine struct {
	role       protocol.Role
	bus        Publisher
	newPeer    PeerFactory
	graceDelay time.Duration
	logger     *slog.Logger
	metrics    metrics.Collector

	// epoch invalidates peer callbacks and timers after Reset or Close
	epoch atomic.Uint64

	mu           sync.Mutex
	state        State
	peer         Peer
	hasRemote    bool
	buffer       []protocol.ICECandidate
	partnerKnown bool
	mediaReady   bool
	videoDevice  string
	graceTimer   *time.Timer
	closed       bool
	offersSent   int
	answersSent  int

	// remote media view, updated from peer callbacks
	remoteMu  sync.RWMutex
	remote    []RemoteTrack
	connState string
}

// New creates an engine
func New(cfg Config) (*Engine, error) {
	if !cfg.Role.Valid() {
		return nil, fmt.Errorf("invalid role %q", cfg.Role)
	}
	if cfg.Bus == nil {
		return nil, fmt.Errorf("bus is required")
	}
	if cfg.NewPeer == nil {
		return nil, fmt.Errorf("peer factory is required")
	}
	if cfg.GraceDelay <= 0 {
		cfg.GraceDelay = DefaultGraceDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop()
	}

	return &Engine{
		role:       cfg.Role,
		bus:        cfg.Bus,
		newPeer:    cfg.NewPeer,
		graceDelay: cfg.GraceDelay,
		logger:     cfg.Logger.With("component", "negotiation", "role", cfg.Role),
		metrics:    cfg.Metrics,
	}, nil
}

// State returns the current negotiation state
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Status returns a snapshot of the engine
func (e *Engine) Status() Status {
	e.mu.Lock()
	st := Status{
		State:           e.state,
		HasRemote:       e.hasRemote,
		BufferedCount:   len(e.buffer),
		LocalMediaReady: e.mediaReady,
		PartnerKnown:    e.partnerKnown,
		OffersSent:      e.offersSent,
		AnswersSent:     e.answersSent,
	}
	e.mu.Unlock()

	e.remoteMu.RLock()
	st.ConnectionState = e.connState
	st.RemoteTracks = append([]RemoteTrack(nil), e.remote...)
	e.remoteMu.RUnlock()

	return st
}

// RemoteTracks returns the negotiated remote stream
func (e *Engine) RemoteTracks() []RemoteTrack {
	e.remoteMu.RLock()
	defer e.remoteMu.RUnlock()
	return append([]RemoteTrack(nil), e.remote...)
}

// SetLocalMediaReady marks local media as available for the first offer
func (e *Engine) SetLocalMediaReady(ready bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mediaReady = ready
	e.maybeScheduleOfferLocked()
}

// PartnerResolved unblocks the initiator's first offer
func (e *Engine) PartnerResolved() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.partnerKnown = true
	e.maybeScheduleOfferLocked()
}

// PartnerJoined handles a fresh JOIN from the partner. A stable initiator
// re-offers with an ICE restart so a reloaded partner reconnects.
func (e *Engine) PartnerJoined() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed || !e.role.IsInitiator() || !e.mediaReady {
		return
	}
	e.partnerKnown = true

	switch e.state {
	case StateStable:
		e.logger.Info("partner rejoined, restarting ICE")
		_ = e.offerLocked(true)
	case StateIdle:
		e.maybeScheduleOfferLocked()
	}
}

func (e *Engine) maybeScheduleOfferLocked() {
	if e.closed || !e.role.IsInitiator() || !e.partnerKnown || !e.mediaReady {
		return
	}
	if e.state != StateIdle || e.graceTimer != nil {
		return
	}

	epoch := e.epoch.Load()
	e.graceTimer = time.AfterFunc(e.graceDelay, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.epoch.Load() != epoch || e.closed {
			return
		}
		e.graceTimer = nil
		if e.state == StateIdle {
			_ = e.offerLocked(false)
		}
	})
}

// Renegotiate creates and sends a fresh offer from either role
func (e *Engine) Renegotiate(iceRestart bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.state == StateHaveRemoteOffer {
		return fmt.Errorf("cannot offer while %s", e.state)
	}
	e.stopGraceLocked()
	if err := e.offerLocked(iceRestart); err != nil {
		return fmt.Errorf("%w: %w", ErrOfferFailed, err)
	}
	return nil
}

// offerLocked creates a local offer and publishes it. Errors are logged and
// counted; the state is left unchanged.
func (e *Engine) offerLocked(iceRestart bool) error {
	peer, err := e.ensurePeerLocked()
	if err != nil {
		e.fail("create_peer", err)
		return fmt.Errorf("failed to create peer: %w", err)
	}
	if err := peer.AttachLocalTracks(); err != nil {
		e.fail("attach_tracks", err)
		return fmt.Errorf("failed to attach local tracks: %w", err)
	}

	sdp, err := peer.CreateOffer(iceRestart)
	if err != nil {
		e.fail("create_offer", err)
		return fmt.Errorf("failed to create offer: %w", err)
	}

	e.state = StateHaveLocalOffer
	e.offersSent++
	e.logger.Info("sending offer", "iceRestart", iceRestart)
	e.send(&protocol.Offer{SDP: sdp})
	return nil
}

// HandleSignal applies a negotiation signal from the partner
func (e *Engine) HandleSignal(msg *protocol.Negotiation) {
	if msg == nil || msg.SenderRole == e.role {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}

	e.metrics.NegotiationSignal("in", string(msg.Signal.SignalType()))

	switch sig := msg.Signal.(type) {
	case *protocol.Offer:
		e.handleOfferLocked(sig.SDP)
	case *protocol.Answer:
		e.handleAnswerLocked(sig.SDP)
	case *protocol.Candidate:
		e.handleCandidateLocked(sig.Candidate)
	default:
		e.logger.Warn("unknown negotiation signal", "type", fmt.Sprintf("%T", sig))
	}
}

func (e *Engine) handleOfferLocked(sdp string) {
	peer, err := e.ensurePeerLocked()
	if err != nil {
		e.fail("create_peer", err)
		return
	}

	if e.state == StateHaveLocalOffer {
		if e.role.IsInitiator() {
			// Our offer takes priority; the partner rolls back
			e.logger.Info("ignoring competing offer")
			e.metrics.NegotiationError("glare_ignored")
			return
		}
		e.logger.Info("offer collision, rolling back local offer")
		if err := peer.Rollback(); err != nil {
			e.fail("rollback", err)
			return
		}
		e.state = StateIdle
		e.hasRemote = false
	}

	// A pending first offer is superseded by the partner's
	e.stopGraceLocked()

	if err := peer.SetRemoteOffer(sdp); err != nil {
		e.fail("set_remote_offer", err)
		return
	}
	e.state = StateHaveRemoteOffer
	e.hasRemote = true
	e.flushCandidatesLocked(peer)

	if err := peer.AttachLocalTracks(); err != nil {
		// Answer anyway; the partner's video still reaches us
		e.fail("attach_tracks", err)
	}

	answer, err := peer.CreateAnswer()
	if err != nil {
		e.fail("create_answer", err)
		return
	}

	e.state = StateStable
	e.answersSent++
	e.logger.Info("sending answer")
	e.send(&protocol.Answer{SDP: answer})
}

func (e *Engine) handleAnswerLocked(sdp string) {
	if e.state != StateHaveLocalOffer || e.peer == nil {
		e.logger.Debug("dropping answer not awaited", "state", e.state)
		e.metrics.NegotiationError("stale_answer")
		return
	}

	if err := e.peer.SetRemoteAnswer(sdp); err != nil {
		e.fail("set_remote_answer", err)
		return
	}
	e.state = StateStable
	e.hasRemote = true
	e.logger.Info("answer applied, negotiation stable")
	e.flushCandidatesLocked(e.peer)
}

func (e *Engine) handleCandidateLocked(c protocol.ICECandidate) {
	if !e.hasRemote || e.peer == nil {
		e.buffer = append(e.buffer, c)
		e.metrics.CandidatesBuffered(len(e.buffer))
		return
	}
	if err := e.peer.AddICECandidate(c); err != nil {
		e.fail("add_candidate", err)
	}
}

// flushCandidatesLocked applies buffered candidates in arrival order and
// clears the buffer
func (e *Engine) flushCandidatesLocked(peer Peer) {
	if len(e.buffer) == 0 {
		return
	}
	e.logger.Debug("applying buffered candidates", "count", len(e.buffer))
	for _, c := range e.buffer {
		if err := peer.AddICECandidate(c); err != nil {
			e.fail("add_candidate", err)
		}
	}
	e.buffer = nil
	e.metrics.CandidatesBuffered(0)
}

// ReplaceVideoTrack switches the outgoing video device. It never produces an offer.
func (e *Engine) ReplaceVideoTrack(deviceID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	e.videoDevice = deviceID
	if e.peer == nil {
		return nil
	}
	if err := e.peer.ReplaceVideoTrack(deviceID); err != nil {
		e.metrics.NegotiationError("replace_track")
		return fmt.Errorf("failed to replace video track: %w", err)
	}
	return nil
}

func (e *Engine) ensurePeerLocked() (Peer, error) {
	if e.peer != nil {
		return e.peer, nil
	}

	epoch := e.epoch.Load()
	peer, err := e.newPeer(PeerOptions{
		VideoDevice: e.videoDevice,
		OnICECandidate: func(c protocol.ICECandidate) {
			if e.epoch.Load() != epoch {
				return
			}
			e.send(&protocol.Candidate{Candidate: c})
		},
		OnTrack: func(t RemoteTrack) {
			if e.epoch.Load() != epoch {
				return
			}
			e.logger.Info("remote track received", "kind", t.Kind, "codec", t.Codec)
			e.remoteMu.Lock()
			e.remote = append(e.remote, t)
			e.remoteMu.Unlock()
		},
		OnConnectionState: func(state string) {
			if e.epoch.Load() != epoch {
				return
			}
			e.logger.Info("peer connection state changed", "state", state)
			e.remoteMu.Lock()
			e.connState = state
			e.remoteMu.Unlock()
		},
	})
	if err != nil {
		return nil, err
	}

	e.peer = peer
	return peer, nil
}

// send publishes a signal. Bus errors are logged; the bus is best effort.
func (e *Engine) send(sig protocol.Signal) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	err := e.bus.Publish(ctx, &protocol.Negotiation{SenderRole: e.role, Signal: sig})
	if err != nil {
		e.logger.Warn("failed to publish negotiation signal", "type", sig.SignalType(), "error", err)
		e.metrics.NegotiationError("publish")
		return
	}
	e.metrics.NegotiationSignal("out", string(sig.SignalType()))
}

func (e *Engine) fail(op string, err error) {
	e.logger.Error("negotiation error", "op", op, "state", e.state, "error", err)
	e.metrics.NegotiationError(op)
}

func (e *Engine) stopGraceLocked() {
	if e.graceTimer != nil {
		e.graceTimer.Stop()
		e.graceTimer = nil
	}
}

// Reset tears the peer connection down and returns to IDLE. Callbacks from
// the old peer are ignored from here on.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetLocked()
	e.partnerKnown = false
}

func (e *Engine) resetLocked() {
	e.epoch.Add(1)
	e.stopGraceLocked()

	if e.peer != nil {
		if err := e.peer.Close(); err != nil {
			e.logger.Debug("error closing peer", "error", err)
		}
		e.peer = nil
	}
	e.state = StateIdle
	e.hasRemote = false
	e.buffer = nil
	e.metrics.CandidatesBuffered(0)

	e.remoteMu.Lock()
	e.remote = nil
	e.connState = ""
	e.remoteMu.Unlock()
}

// Close releases the peer. The engine cannot be reused.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.resetLocked()
	e.closed = true
	return nil
}
