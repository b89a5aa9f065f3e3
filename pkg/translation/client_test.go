package translation

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/silviot/live_translation_relay_go/pkg/protocol"
)

// mockService simulates the translation service WebSocket endpoint
type mockService struct {
	server      *httptest.Server
	upgrader    websocket.Upgrader
	mu          sync.Mutex
	lastHeaders http.Header
	setup       *setupMessage
	received    [][]byte
	conn        *websocket.Conn
	status      int // reject the handshake with this status when non-zero
}

func newMockService() *mockService {
	m := &mockService{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

func (m *mockService) handle(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.lastHeaders = r.Header.Clone()
	status := m.status
	m.mu.Unlock()
	if status != 0 {
		http.Error(w, "rejected", status)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()

	defer conn.Close()
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		m.mu.Lock()
		switch mt {
		case websocket.TextMessage:
			var s setupMessage
			if json.Unmarshal(data, &s) == nil && s.Type == "setup" {
				m.setup = &s
			}
		case websocket.BinaryMessage:
			m.received = append(m.received, data)
		}
		m.mu.Unlock()
	}
}

func (m *mockService) wsURL() string {
	return "ws" + strings.TrimPrefix(m.server.URL, "http")
}

func (m *mockService) sendJSON(t *testing.T, msg interface{}) {
	t.Helper()
	c := m.waitConn(t)
	data, _ := json.Marshal(msg)
	if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("mock write failed: %v", err)
	}
}

func (m *mockService) waitConn(t *testing.T) *websocket.Conn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		c := m.conn
		m.mu.Unlock()
		if c != nil {
			return c
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no client connection")
	return nil
}

func (m *mockService) receivedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.received)
}

func (m *mockService) close() {
	m.mu.Lock()
	if m.conn != nil {
		m.conn.Close()
	}
	m.mu.Unlock()
	m.server.Close()
}

func testOptions() Options {
	de, _ := protocol.LookupLanguage("de")
	en, _ := protocol.LookupLanguage("en")
	return Options{
		Role:           protocol.RoleCustomer,
		SourceLanguage: de,
		TargetLanguage: en,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestConnectSendsAuthAndSetup(t *testing.T) {
	mock := newMockService()
	defer mock.close()

	client := NewClient(Config{URL: mock.wsURL(), APIKey: "key-123"})
	sess, err := client.Connect(context.Background(), testOptions())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer sess.Disconnect()

	waitFor(t, 2*time.Second, func() bool {
		mock.mu.Lock()
		defer mock.mu.Unlock()
		return mock.setup != nil
	})

	mock.mu.Lock()
	defer mock.mu.Unlock()
	if got := mock.lastHeaders.Get("Authorization"); got != "Bearer key-123" {
		t.Errorf("Authorization = %q", got)
	}
	s := mock.setup
	if s.Voice != DefaultVoice {
		t.Errorf("Voice = %q, want %q", s.Voice, DefaultVoice)
	}
	if s.SourceLanguage != "de" || s.TargetLanguage != "en" {
		t.Errorf("languages = %s→%s", s.SourceLanguage, s.TargetLanguage)
	}
	if s.InputSampleRate != 16000 || s.OutputSampleRate != 24000 {
		t.Errorf("rates = %d/%d", s.InputSampleRate, s.OutputSampleRate)
	}
	for _, want := range []string{"CUSTOMER speaking German", "Speaking English", "DO NOT engage in conversation"} {
		if !strings.Contains(s.SystemInstruction, want) {
			t.Errorf("system instruction missing %q:\n%s", want, s.SystemInstruction)
		}
	}
}

func TestConnectWithoutKey(t *testing.T) {
	client := NewClient(Config{URL: "ws://127.0.0.1:1"})
	_, err := client.Connect(context.Background(), testOptions())
	if !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("err = %v, want ErrMissingCredentials", err)
	}
	if IsRetryable(err) {
		t.Error("missing credentials must not be retryable")
	}
}

func TestConnectRejectedKey(t *testing.T) {
	mock := newMockService()
	defer mock.close()
	mock.status = http.StatusUnauthorized

	client := NewClient(Config{URL: mock.wsURL(), APIKey: "bad"})
	_, err := client.Connect(context.Background(), testOptions())
	if !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("err = %v, want ErrMissingCredentials", err)
	}
}

func TestConnectFailure(t *testing.T) {
	client := NewClient(Config{URL: "ws://127.0.0.1:1/live", APIKey: "k"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := client.Connect(ctx, testOptions())
	if err == nil {
		t.Fatal("expected connection error")
	}
	if !IsRetryable(err) {
		t.Error("network failure should be retryable")
	}
}

func TestSendAudioAndMute(t *testing.T) {
	mock := newMockService()
	defer mock.close()

	client := NewClient(Config{URL: mock.wsURL(), APIKey: "k"})
	sess, err := client.Connect(context.Background(), testOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Disconnect()

	frame := []byte{1, 0, 2, 0}
	if err := sess.SendAudio(frame); err != nil {
		t.Fatalf("SendAudio failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return mock.receivedCount() == 1 })

	sess.SetMuted(true)
	if err := sess.SendAudio(frame); err != nil {
		t.Fatalf("SendAudio while muted: %v", err)
	}
	sess.SetMuted(false)
	sess.SendAudio([]byte{3, 0})
	waitFor(t, 2*time.Second, func() bool { return mock.receivedCount() == 2 })

	mock.mu.Lock()
	defer mock.mu.Unlock()
	if got := mock.received[1]; len(got) != 2 || got[0] != 3 {
		t.Errorf("second frame = %v, muted frame leaked", got)
	}
}

func TestReceiveEvents(t *testing.T) {
	mock := newMockService()
	defer mock.close()

	var (
		mu          sync.Mutex
		chunks      [][]byte
		rates       []int
		transcripts []string
		errs        []error
	)
	opts := testOptions()
	opts.OnAudioChunk = func(pcm []byte, rate int) {
		mu.Lock()
		chunks = append(chunks, pcm)
		rates = append(rates, rate)
		mu.Unlock()
	}
	opts.OnTranscript = func(text string, isInput bool) {
		mu.Lock()
		transcripts = append(transcripts, fmt.Sprintf("%s:%v", text, isInput))
		mu.Unlock()
	}
	opts.OnError = func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	client := NewClient(Config{URL: mock.wsURL(), APIKey: "k"})
	sess, err := client.Connect(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Disconnect()

	mock.sendJSON(t, map[string]interface{}{"type": "audio", "data": base64.StdEncoding.EncodeToString([]byte{9, 9, 9, 9})})
	mock.sendJSON(t, map[string]interface{}{"type": "input_transcript", "text": "Guten Tag"})
	mock.sendJSON(t, map[string]interface{}{"type": "output_transcript", "text": "Good day"})
	mock.sendJSON(t, map[string]interface{}{"type": "error", "code": "resource_exhausted", "message": "slow down"})
	mock.sendJSON(t, map[string]interface{}{"type": "unknown_event"})

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(errs) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if len(chunks) != 1 || len(chunks[0]) != 4 || rates[0] != OutputSampleRate {
		t.Errorf("chunks = %v rates = %v", chunks, rates)
	}
	if len(transcripts) != 2 || transcripts[0] != "Guten Tag:true" || transcripts[1] != "Good day:false" {
		t.Errorf("transcripts = %v", transcripts)
	}
	var se *ServiceError
	if !errors.As(errs[0], &se) || se.Code != "resource_exhausted" {
		t.Errorf("error = %v", errs[0])
	}
	if !IsRetryable(errs[0]) {
		t.Error("resource_exhausted should be retryable")
	}
}

func TestNormalCloseReportsNil(t *testing.T) {
	mock := newMockService()
	defer mock.close()

	closed := make(chan error, 1)
	opts := testOptions()
	opts.OnClose = func(err error) { closed <- err }

	client := NewClient(Config{URL: mock.wsURL(), APIKey: "k"})
	if _, err := client.Connect(context.Background(), opts); err != nil {
		t.Fatal(err)
	}

	conn := mock.waitConn(t)
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session over"))

	select {
	case err := <-closed:
		if err != nil {
			t.Errorf("OnClose(%v), want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnClose")
	}
}

func TestAbnormalCloseReportsError(t *testing.T) {
	mock := newMockService()
	defer mock.close()

	closed := make(chan error, 1)
	opts := testOptions()
	opts.OnClose = func(err error) { closed <- err }

	client := NewClient(Config{URL: mock.wsURL(), APIKey: "k"})
	sess, err := client.Connect(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}

	mock.waitConn(t).Close()

	select {
	case err := <-closed:
		if err == nil {
			t.Error("OnClose(nil) for an abnormal close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnClose")
	}
	if err := sess.SendAudio([]byte{0, 0}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendAudio after close = %v, want ErrNotConnected", err)
	}
}

func TestDisconnectSuppressesCallbacks(t *testing.T) {
	mock := newMockService()
	defer mock.close()

	var calls int
	var mu sync.Mutex
	opts := testOptions()
	opts.OnClose = func(error) {
		mu.Lock()
		calls++
		mu.Unlock()
	}

	client := NewClient(Config{URL: mock.wsURL(), APIKey: "k"})
	sess, err := client.Connect(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}
	if err := sess.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	sess.Disconnect()

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("OnClose called %d times after Disconnect", calls)
	}
}

func TestIsNormalClose(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "normal close 1000",
			err:      &websocket.CloseError{Code: websocket.CloseNormalClosure, Text: "normal"},
			expected: true,
		},
		{
			name:     "abnormal close 1006",
			err:      &websocket.CloseError{Code: websocket.CloseAbnormalClosure, Text: "abnormal"},
			expected: false,
		},
		{
			name:     "going away 1001",
			err:      &websocket.CloseError{Code: websocket.CloseGoingAway, Text: "going away"},
			expected: false,
		},
		{
			name:     "generic error",
			err:      fmt.Errorf("some random error"),
			expected: false,
		},
		{
			name:     "nil",
			err:      nil,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNormalClose(tt.err); got != tt.expected {
				t.Errorf("IsNormalClose(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{ErrMissingCredentials, false},
		{fmt.Errorf("dial: %w", context.Canceled), false},
		{&ServiceError{Code: "unauthenticated"}, false},
		{&ServiceError{Code: "unavailable"}, true},
		{errors.New("connection reset"), true},
	}
	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
