// Package translation defines the translation service contract and a
// WebSocket client for a hosted speech-to-speech translation service.
package translation

import (
	"context"
	"errors"
	"fmt"

	"github.com/silviot/live_translation_relay_go/pkg/protocol"
)

var (
	// ErrMissingCredentials is terminal: retrying cannot succeed
	ErrMissingCredentials = errors.New("translation service credentials missing")
	// ErrNotConnected is returned when sending on a closed session
	ErrNotConnected = errors.New("translation session not connected")
)

// DefaultVoice is the prebuilt output voice
const DefaultVoice = "Kore"

// OutputSampleRate is the sample rate of translated audio
const OutputSampleRate = protocol.DefaultAudioSampleRate

// Options configure one translation session. Callbacks run on the
// session's read goroutine and stop after Disconnect.
type Options struct {
	Role           protocol.Role
	SourceLanguage protocol.Language
	TargetLanguage protocol.Language
	Voice          string

	OnAudioChunk func(pcm []byte, sampleRate int)
	// OnTranscript reports what the local speaker said (isInput) or its translation
	OnTranscript func(text string, isInput bool)
	// OnClose is called once when the service ends the session; err is nil for a normal close
	OnClose func(err error)
	// OnError reports errors the service sent without closing
	OnError func(err error)
}

// Session is an open translation session
type Session interface {
	// SendAudio sends one frame of 16 kHz PCM16 mono
	SendAudio(pcm []byte) error
	SetMuted(muted bool)
	Disconnect() error
}

// Service opens translation sessions
type Service interface {
	Connect(ctx context.Context, opts Options) (Session, error)
}

// ServiceError is an error event reported by the service
type ServiceError struct {
	Code    string
	Message string
}

func (e *ServiceError) Error() string {
	if e.Code == "" {
		return "translation service error: " + e.Message
	}
	return fmt.Sprintf("translation service error %s: %s", e.Code, e.Message)
}

// IsRetryable reports whether reconnecting may succeed after err
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrMissingCredentials) || errors.Is(err, context.Canceled) {
		return false
	}
	var se *ServiceError
	if errors.As(err, &se) {
		switch se.Code {
		case "unauthenticated", "permission_denied", "invalid_argument":
			return false
		}
	}
	return true
}

// SystemInstruction is the translator prompt sent at session setup
func SystemInstruction(role protocol.Role, source, target protocol.Language) string {
	return fmt.Sprintf(`You are a real-time voice translator.

User Context:
- Input Source: %s speaking %s.
- Target Audience: Speaking %s.

Your Task:
1. Listen to the %s audio.
2. Translate it immediately into %s.
3. Output ONLY the spoken translation.
4. DO NOT engage in conversation.
5. DO NOT translate silence or background noise.`,
		role, source.ServiceName, target.ServiceName,
		source.ServiceName, target.ServiceName)
}
