package translation

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/silviot/live_translation_relay_go/pkg/audio"
)

const (
	// DefaultModel is the live audio model requested at setup
	DefaultModel = "gemini-2.5-flash-native-audio-preview"

	handshakeTimeout = 10 * time.Second
	readTimeout      = 60 * time.Second
	writeTimeout     = 5 * time.Second
)

// Config holds translation client configuration
type Config struct {
	URL    string       // WebSocket endpoint of the translation service
	APIKey string       // Bearer token
	Model  string       // Model requested at setup (default DefaultModel)
	Logger *slog.Logger // Logger instance
}

// Client opens translation sessions over WebSocket
type Client struct {
	url    string
	apiKey string
	model  string
	logger *slog.Logger
	dialer websocket.Dialer
}

// NewClient creates a new translation service client
func NewClient(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	return &Client{
		url:    cfg.URL,
		apiKey: cfg.APIKey,
		model:  cfg.Model,
		logger: cfg.Logger,
		dialer: websocket.Dialer{HandshakeTimeout: handshakeTimeout},
	}
}

// setupMessage is the first frame of every session
type setupMessage struct {
	Type              string `json:"type"`
	Model             string `json:"model"`
	SystemInstruction string `json:"systemInstruction"`
	Voice             string `json:"voice"`
	SourceLanguage    string `json:"sourceLanguage"`
	TargetLanguage    string `json:"targetLanguage"`
	InputSampleRate   int    `json:"inputSampleRate"`
	OutputSampleRate  int    `json:"outputSampleRate"`
	InputTranscripts  bool   `json:"inputTranscription"`
	OutputTranscripts bool   `json:"outputTranscription"`
}

// serviceEvent is any JSON event sent by the service
type serviceEvent struct {
	Type       string `json:"type"`
	Data       string `json:"data,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
	Text       string `json:"text,omitempty"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Connect dials the service and sends the session setup. The session is
// open when Connect returns.
func (c *Client) Connect(ctx context.Context, opts Options) (Session, error) {
	if c.apiKey == "" {
		return nil, ErrMissingCredentials
	}
	if c.url == "" {
		return nil, errors.New("translation service URL not configured")
	}
	if opts.SourceLanguage.IsZero() || opts.TargetLanguage.IsZero() {
		return nil, errors.New("source and target language are required")
	}
	if opts.Voice == "" {
		opts.Voice = DefaultVoice
	}

	headers := http.Header{"Authorization": {"Bearer " + c.apiKey}}
	conn, resp, err := c.dialer.DialContext(ctx, c.url, headers)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: service rejected key (%s)", ErrMissingCredentials, resp.Status)
		}
		return nil, fmt.Errorf("failed to connect to translation service: %w", err)
	}

	setup := setupMessage{
		Type:              "setup",
		Model:             c.model,
		SystemInstruction: SystemInstruction(opts.Role, opts.SourceLanguage, opts.TargetLanguage),
		Voice:             opts.Voice,
		SourceLanguage:    opts.SourceLanguage.Code,
		TargetLanguage:    opts.TargetLanguage.Code,
		InputSampleRate:   audio.ServiceSampleRate,
		OutputSampleRate:  OutputSampleRate,
		InputTranscripts:  true,
		OutputTranscripts: true,
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(setup); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send setup: %w", err)
	}

	s := &clientSession{
		conn:   conn,
		opts:   opts,
		logger: c.logger.With("role", opts.Role, "source", opts.SourceLanguage.Code, "target", opts.TargetLanguage.Code),
		done:   make(chan struct{}),
	}
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
	})
	s.wg.Add(1)
	go s.readLoop()

	s.logger.Info("translation session opened")
	return s, nil
}

type clientSession struct {
	conn   *websocket.Conn
	opts   Options
	logger *slog.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	muted     bool
	closed    bool // set by Disconnect; suppresses callbacks
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

func (s *clientSession) readLoop() {
	defer s.wg.Done()
	defer close(s.done)

	for {
		s.conn.SetReadDeadline(time.Now().Add(readTimeout))
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.finish(err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var ev serviceEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			s.logger.Warn("failed to parse service event", "error", err)
			continue
		}
		s.dispatch(ev)
	}
}

func (s *clientSession) dispatch(ev serviceEvent) {
	if s.isClosed() {
		return
	}
	switch ev.Type {
	case "audio":
		pcm, err := base64.StdEncoding.DecodeString(ev.Data)
		if err != nil {
			s.logger.Warn("invalid audio payload", "error", err)
			return
		}
		rate := ev.SampleRate
		if rate <= 0 {
			rate = OutputSampleRate
		}
		if s.opts.OnAudioChunk != nil && len(pcm) > 0 {
			s.opts.OnAudioChunk(pcm, rate)
		}
	case "input_transcript", "output_transcript":
		if s.opts.OnTranscript != nil && ev.Text != "" {
			s.opts.OnTranscript(ev.Text, ev.Type == "input_transcript")
		}
	case "error":
		err := &ServiceError{Code: ev.Code, Message: ev.Message}
		s.logger.Warn("translation service reported error", "code", ev.Code, "message", ev.Message)
		if s.opts.OnError != nil {
			s.opts.OnError(err)
		}
	case "setup_complete":
		s.logger.Debug("translation setup acknowledged")
	default:
		s.logger.Debug("ignoring service event", "type", ev.Type)
	}
}

// finish reports the end of the session unless it was ended locally
func (s *clientSession) finish(err error) {
	if s.isClosed() {
		return
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.conn.Close()

	if IsNormalClose(err) {
		s.logger.Info("translation session closed by service")
		err = nil
	} else {
		s.logger.Warn("translation session lost", "error", err)
	}
	if s.opts.OnClose != nil {
		s.opts.OnClose(err)
	}
}

func (s *clientSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SendAudio sends one PCM16 frame; frames are dropped while muted
func (s *clientSession) SendAudio(pcm []byte) error {
	s.mu.Lock()
	closed, muted := s.closed, s.muted
	s.mu.Unlock()
	if closed {
		return ErrNotConnected
	}
	if muted || len(pcm) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		return fmt.Errorf("failed to send audio: %w", err)
	}
	return nil
}

func (s *clientSession) SetMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
}

// Disconnect closes the session without invoking OnClose
func (s *clientSession) Disconnect() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		ended := s.closed
		s.closed = true
		s.mu.Unlock()
		// Already ended by the service; the read loop may be the caller
		if ended {
			return
		}

		s.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		s.writeMu.Unlock()

		select {
		case <-s.done:
		case <-time.After(time.Second):
		}
		s.conn.Close()
		s.wg.Wait()
		s.logger.Info("translation session disconnected")
	})
	return nil
}

// IsNormalClose reports whether err is an orderly close of the connection
func IsNormalClose(err error) bool {
	if err == nil {
		return false
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure)
}

var _ Service = (*Client)(nil)
