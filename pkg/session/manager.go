// Package session owns the lifecycle of the translation service connection:
// connect, audio capture hookup, output relay, retry with backoff, teardown.
//
// Every connection attempt runs under a generation number. Teardown bumps the
// generation, so callbacks from an abandoned session are dropped before they
// touch state.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/silviot/live_translation_relay_go/pkg/audio"
	"github.com/silviot/live_translation_relay_go/pkg/metrics"
	"github.com/silviot/live_translation_relay_go/pkg/protocol"
	"github.com/silviot/live_translation_relay_go/pkg/translation"
)

const (
	DefaultBaseDelay          = time.Second
	DefaultMaxDelay           = 30 * time.Second
	DefaultMaxAttempts        = 5
	DefaultTranslatingTimeout = 5 * time.Second

	connectTimeout = 15 * time.Second
)

var (
	// ErrCircuitOpen reports that automatic retries are exhausted
	ErrCircuitOpen = errors.New("translation retries exhausted")
	// ErrNoTarget is returned by Reconnect before a partner language is known
	ErrNoTarget = errors.New("no target language")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("session manager closed")
)

// State of the translation connection
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateBackingOff
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateBackingOff:
		return "BACKING_OFF"
	case StateFailed:
		return "FAILED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText renders the state name in JSON
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// RetryState is reset on every successful open
type RetryState struct {
	AttemptCount int
	NextDelay    time.Duration
	CircuitOpen  bool
}

// MarshalJSON reports the delay in milliseconds
func (r RetryState) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		AttemptCount int   `json:"attemptCount"`
		NextDelayMs  int64 `json:"nextDelayMs"`
		CircuitOpen  bool  `json:"circuitOpen"`
	}{r.AttemptCount, r.NextDelay.Milliseconds(), r.CircuitOpen})
}

// Outbound receives what the translation service produces for the partner
type Outbound interface {
	RelayAudio(pcm []byte, sampleRate int)
	RelayTranscript(text string, isInput bool)
}

// Status is a snapshot of the manager
type Status struct {
	State          State      `json:"state"`
	SourceLanguage string     `json:"sourceLanguage"`
	TargetLanguage string     `json:"targetLanguage,omitempty"`
	Muted          bool       `json:"muted"`
	Translating    bool       `json:"translating"`
	Retry          RetryState `json:"retry"`
	LastError      string     `json:"lastError,omitempty"`
	Warnings       []string   `json:"warnings,omitempty"`
}

// Config holds session manager configuration
type Config struct {
	Role        protocol.Role
	Language    protocol.Language // Local speaker's language
	Service     translation.Service
	Capturer    audio.Capturer // Optional; nil runs without local capture
	AudioDevice string
	Voice       string
	Outbound    Outbound

	BaseDelay          time.Duration
	MaxDelay           time.Duration
	MaxAttempts        int
	TranslatingTimeout time.Duration

	Logger  *slog.Logger
	Metrics metrics.Collector
}

// Manager runs one translation session at a time
type Manager struct {
	role        protocol.Role
	service     translation.Service
	capturer    audio.Capturer
	voice       string
	outbound    Outbound
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	translTTL   time.Duration
	logger      *slog.Logger
	metrics     metrics.Collector

	mu          sync.Mutex
	state       State
	source      protocol.Language
	target      protocol.Language
	device      string
	muted       bool
	translating bool
	retry       RetryState
	lastError   string
	warnings    []string
	generation  uint64
	sess        translation.Session
	capture     audio.Capture
	retryTimer  *time.Timer
	translTimer *time.Timer
	closed      bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a new session manager
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Service == nil {
		return nil, errors.New("translation service is required")
	}
	if cfg.Outbound == nil {
		return nil, errors.New("outbound relay is required")
	}
	if !cfg.Role.Valid() {
		return nil, fmt.Errorf("invalid role %q", cfg.Role)
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
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.TranslatingTimeout <= 0 {
		cfg.TranslatingTimeout = DefaultTranslatingTimeout
	}
	if cfg.Voice == "" {
		cfg.Voice = translation.DefaultVoice
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		role:        cfg.Role,
		service:     cfg.Service,
		capturer:    cfg.Capturer,
		voice:       cfg.Voice,
		outbound:    cfg.Outbound,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
		maxAttempts: cfg.MaxAttempts,
		translTTL:   cfg.TranslatingTimeout,
		logger:      cfg.Logger.With("component", "translation-session", "role", cfg.Role),
		metrics:     cfg.Metrics,
		source:      cfg.Language,
		device:      cfg.AudioDevice,
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Backoff returns the delay before retry number attempt (1-based)
func Backoff(base, limit time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	return d
}

// Start opens a session translating into target. It is a no-op when a
// session for the same target is already active or retrying.
func (m *Manager) Start(target protocol.Language) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if target.IsZero() {
		m.mu.Unlock()
		return ErrNoTarget
	}
	if target == m.target && m.activeLocked() {
		m.mu.Unlock()
		return nil
	}

	release := m.teardownLocked(false)
	m.target = target
	m.retry = RetryState{}
	m.lastError = ""
	m.connectLocked()
	m.mu.Unlock()

	release()
	return nil
}

// Reconnect closes the circuit and starts a fresh attempt sequence
func (m *Manager) Reconnect() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.target.IsZero() {
		m.mu.Unlock()
		return ErrNoTarget
	}
	release := m.teardownLocked(false)
	m.retry = RetryState{}
	m.lastError = ""
	m.logger.Info("manual reconnect", "target", m.target.Code)
	m.connectLocked()
	m.mu.Unlock()

	release()
	return nil
}

// SetLanguage changes the local speaker's language, restarting an active session
func (m *Manager) SetLanguage(lang protocol.Language) {
	m.mu.Lock()
	if m.closed || lang == m.source || lang.IsZero() {
		m.mu.Unlock()
		return
	}
	m.source = lang
	if !m.activeLocked() {
		m.mu.Unlock()
		return
	}
	release := m.teardownLocked(false)
	m.retry = RetryState{}
	m.connectLocked()
	m.mu.Unlock()

	release()
}

// SetAudioDevice switches capture to deviceID, reopening it when connected
func (m *Manager) SetAudioDevice(deviceID string) {
	m.mu.Lock()
	if m.device == deviceID {
		m.mu.Unlock()
		return
	}
	m.device = deviceID
	var old audio.Capture
	if m.state == StateConnected && m.sess != nil {
		old = m.capture
		m.capture = nil
		m.startCaptureLocked(m.generation, m.sess)
	}
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}
}

// SetMuted gates captured frames; muted frames are dropped, never sent
func (m *Manager) SetMuted(muted bool) {
	m.mu.Lock()
	m.muted = muted
	sess := m.sess
	m.mu.Unlock()

	if sess != nil {
		sess.SetMuted(muted)
	}
	m.logger.Info("mute changed", "muted", muted)
}

// Muted reports the mute gate
func (m *Manager) Muted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.muted
}

// Disconnect releases capture and the session. endSession also forgets the
// target so the next rendezvous starts clean.
func (m *Manager) Disconnect(endSession bool) {
	m.mu.Lock()
	release := m.teardownLocked(endSession)
	m.state = StateIdle
	m.mu.Unlock()

	release()
}

// Close disconnects and stops the manager
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	release := m.teardownLocked(true)
	m.state = StateIdle
	m.mu.Unlock()

	release()
	m.cancel()
	m.wg.Wait()
	return nil
}

// State returns the connection state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns a snapshot
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:          m.state,
		SourceLanguage: m.source.Code,
		TargetLanguage: m.target.Code,
		Muted:          m.muted,
		Translating:    m.translating,
		Retry:          m.retry,
		LastError:      m.lastError,
		Warnings:       append([]string(nil), m.warnings...),
	}
}

func (m *Manager) activeLocked() bool {
	switch m.state {
	case StateConnecting, StateConnected, StateBackingOff:
		return true
	}
	return false
}

func (m *Manager) connectLocked() {
	m.generation++
	gen := m.generation
	m.state = StateConnecting

	opts := translation.Options{
		Role:           m.role,
		SourceLanguage: m.source,
		TargetLanguage: m.target,
		Voice:          m.voice,
		OnAudioChunk:   func(pcm []byte, rate int) { m.handleAudio(gen, pcm, rate) },
		OnTranscript:   func(text string, isInput bool) { m.handleTranscript(gen, text, isInput) },
		OnClose:        func(err error) { m.handleClose(gen, err) },
		OnError:        func(err error) { m.handleError(gen, err) },
	}

	m.logger.Info("connecting to translation service",
		"source", m.source.Code, "target", m.target.Code, "attempt", m.retry.AttemptCount)

	m.wg.Add(1)
	go m.connect(gen, opts)
}

func (m *Manager) connect(gen uint64, opts translation.Options) {
	defer m.wg.Done()

	ctx, cancel := context.WithTimeout(m.ctx, connectTimeout)
	sess, err := m.service.Connect(ctx, opts)
	cancel()

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		if sess != nil {
			sess.Disconnect()
		}
		return
	}
	if err != nil {
		m.metrics.TranslationConnect("error")
		release := m.failLocked(err)
		m.mu.Unlock()
		release()
		return
	}

	m.metrics.TranslationConnect("ok")
	m.sess = sess
	m.state = StateConnected
	m.retry = RetryState{}
	m.lastError = ""
	sess.SetMuted(m.muted)
	m.startCaptureLocked(gen, sess)
	m.mu.Unlock()

	m.logger.Info("translation session connected", "target", opts.TargetLanguage.Code)
}

// startCaptureLocked opens the audio device and pumps frames into sess.
// Capture failure is a warning only; the session stays up.
func (m *Manager) startCaptureLocked(gen uint64, sess translation.Session) {
	if m.capturer == nil {
		return
	}
	capture, err := m.capturer.Open(m.ctx, m.device)
	if err != nil {
		m.warnLocked(fmt.Sprintf("audio capture unavailable: %v", err))
		return
	}
	pipeline, err := audio.NewPipeline(capture.SampleRate(), m.logger)
	if err != nil {
		capture.Close()
		m.warnLocked(fmt.Sprintf("audio pipeline: %v", err))
		return
	}
	m.capture = capture

	m.wg.Add(1)
	go m.pump(gen, capture, pipeline, sess)
}

func (m *Manager) pump(gen uint64, capture audio.Capture, pipeline *audio.Pipeline, sess translation.Session) {
	defer m.wg.Done()

	for {
		var frame []int16
		select {
		case <-m.ctx.Done():
			return
		case f, ok := <-capture.Frames():
			if !ok {
				return
			}
			frame = f
		}

		m.mu.Lock()
		current, muted := gen == m.generation && m.capture == capture, m.muted
		m.mu.Unlock()
		if !current {
			return
		}
		if muted {
			continue
		}

		out, err := pipeline.Process(frame)
		if err != nil {
			m.logger.Warn("audio processing failed", "error", err)
			continue
		}
		for _, pcm := range out {
			if err := sess.SendAudio(pcm); err != nil {
				m.logger.Debug("dropping frame", "error", err)
				break
			}
			m.metrics.AudioRelayed("capture", len(pcm))
		}
	}
}

func (m *Manager) handleAudio(gen uint64, pcm []byte, rate int) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.clearTranslatingLocked()
	m.mu.Unlock()

	m.outbound.RelayAudio(pcm, rate)
}

func (m *Manager) handleTranscript(gen uint64, text string, isInput bool) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	if isInput {
		m.translating = true
		if m.translTimer != nil {
			m.translTimer.Stop()
		}
		m.translTimer = time.AfterFunc(m.translTTL, func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if gen == m.generation {
				m.translating = false
			}
		})
	}
	m.mu.Unlock()

	m.outbound.RelayTranscript(text, isInput)
}

func (m *Manager) handleClose(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}

	var release func()
	if err == nil {
		m.logger.Info("translation service closed the session")
		release = m.teardownLocked(false)
		m.state = StateIdle
	} else {
		m.metrics.TranslationConnect("lost")
		release = m.failLocked(err)
	}
	m.mu.Unlock()

	release()
}

func (m *Manager) handleError(gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation {
		return
	}
	m.lastError = err.Error()
	m.logger.Warn("translation service error", "error", err)
}

// failLocked releases the transport and schedules a retry or opens the circuit
func (m *Manager) failLocked(err error) func() {
	release := m.teardownLocked(false)
	m.lastError = err.Error()

	if !translation.IsRetryable(err) {
		m.state = StateFailed
		m.logger.Error("translation failed permanently", "error", err)
		return release
	}

	m.retry.AttemptCount++
	if m.retry.AttemptCount > m.maxAttempts {
		m.state = StateFailed
		m.retry.CircuitOpen = true
		m.retry.NextDelay = 0
		m.lastError = fmt.Errorf("%w: %v", ErrCircuitOpen, err).Error()
		m.metrics.TranslationCircuitOpen()
		m.logger.Error("translation circuit open", "attempts", m.retry.AttemptCount-1, "error", err)
		return release
	}

	delay := Backoff(m.baseDelay, m.maxDelay, m.retry.AttemptCount)
	m.retry.NextDelay = delay
	m.state = StateBackingOff
	m.metrics.TranslationRetry(delay)
	m.logger.Warn("translation connection failed, retrying",
		"attempt", m.retry.AttemptCount, "delay", delay, "error", err)

	gen := m.generation
	m.retryTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if gen != m.generation || m.state != StateBackingOff || m.closed {
			return
		}
		m.connectLocked()
	})
	return release
}

// teardownLocked invalidates the current generation and returns the
// blocking part of the cleanup, to be run without the lock held
func (m *Manager) teardownLocked(endSession bool) func() {
	m.generation++
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.clearTranslatingLocked()

	sess, capture := m.sess, m.capture
	m.sess, m.capture = nil, nil
	if endSession {
		m.target = protocol.Language{}
		m.retry = RetryState{}
		m.lastError = ""
		m.warnings = nil
	}

	return func() {
		if capture != nil {
			capture.Close()
		}
		if sess != nil {
			if err := sess.Disconnect(); err != nil {
				m.logger.Debug("session disconnect", "error", err)
			}
		}
	}
}

func (m *Manager) clearTranslatingLocked() {
	m.translating = false
	if m.translTimer != nil {
		m.translTimer.Stop()
		m.translTimer = nil
	}
}

func (m *Manager) warnLocked(msg string) {
	m.logger.Warn(msg)
	for _, w := range m.warnings {
		if w == msg {
			return
		}
	}
	m.warnings = append(m.warnings, msg)
}
