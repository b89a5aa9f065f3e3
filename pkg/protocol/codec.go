package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUnknownMessageType is returned when decoding a tag this version does not know
	ErrUnknownMessageType = errors.New("unknown message type")
	// ErrUnknownSignalType is returned for an unknown negotiation signal tag
	ErrUnknownSignalType = errors.New("unknown signal type")
)

// envelope is the wire form shared by all messages
type envelope struct {
	Type       MessageType     `json:"type"`
	SenderRole Role            `json:"senderRole"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type presencePayload struct {
	Language Language `json:"language"`
}

type audioPayload struct {
	Data       []byte `json:"data"` // base64 on the wire
	SampleRate int    `json:"sampleRate,omitempty"`
}

type transcriptPayload struct {
	Text          string `json:"text"`
	IsTranslation bool   `json:"isTranslation"`
}

type signalPayload struct {
	Type      SignalType    `json:"type"`
	SDP       string        `json:"sdp,omitempty"`
	Candidate *ICECandidate `json:"candidate,omitempty"`
}

// Encode serializes a message into its JSON wire form
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("nil message")
	}

	var payload interface{}
	switch m := msg.(type) {
	case *Ping:
		payload = presencePayload{Language: m.Language}
	case *Join:
		payload = presencePayload{Language: m.Language}
	case *AudioChunk:
		payload = audioPayload{Data: m.Data, SampleRate: m.SampleRate}
	case *Transcript:
		payload = transcriptPayload{Text: m.Text, IsTranslation: m.IsTranslation}
	case *Negotiation:
		sp, err := encodeSignal(m.Signal)
		if err != nil {
			return nil, err
		}
		payload = sp
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessageType, msg)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", msg.Type(), err)
	}

	return json.Marshal(envelope{
		Type:       msg.Type(),
		SenderRole: msg.Sender(),
		Payload:    raw,
	})
}

func encodeSignal(sig Signal) (signalPayload, error) {
	switch s := sig.(type) {
	case *Offer:
		return signalPayload{Type: SignalOffer, SDP: s.SDP}, nil
	case *Answer:
		return signalPayload{Type: SignalAnswer, SDP: s.SDP}, nil
	case *Candidate:
		c := s.Candidate
		return signalPayload{Type: SignalCandidate, Candidate: &c}, nil
	}
	return signalPayload{}, fmt.Errorf("%w: %T", ErrUnknownSignalType, sig)
}

// Decode parses a JSON wire message. Unknown tags and malformed payloads
// are errors; callers log and drop them.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if !env.SenderRole.Valid() {
		return nil, fmt.Errorf("invalid sender role %q", env.SenderRole)
	}

	switch env.Type {
	case TypePing, TypeJoin:
		var p presencePayload
		if err := decodePayload(env, &p); err != nil {
			return nil, err
		}
		if p.Language.IsZero() {
			return nil, fmt.Errorf("%s without language", env.Type)
		}
		if env.Type == TypePing {
			return &Ping{SenderRole: env.SenderRole, Language: p.Language}, nil
		}
		return &Join{SenderRole: env.SenderRole, Language: p.Language}, nil

	case TypeAudioChunk:
		var p audioPayload
		if err := decodePayload(env, &p); err != nil {
			return nil, err
		}
		if p.SampleRate == 0 {
			p.SampleRate = DefaultAudioSampleRate
		}
		return &AudioChunk{SenderRole: env.SenderRole, Data: p.Data, SampleRate: p.SampleRate}, nil

	case TypeTranscript:
		var p transcriptPayload
		if err := decodePayload(env, &p); err != nil {
			return nil, err
		}
		return &Transcript{SenderRole: env.SenderRole, Text: p.Text, IsTranslation: p.IsTranslation}, nil

	case TypeNegotiation:
		var p signalPayload
		if err := decodePayload(env, &p); err != nil {
			return nil, err
		}
		sig, err := decodeSignal(p)
		if err != nil {
			return nil, err
		}
		return &Negotiation{SenderRole: env.SenderRole, Signal: sig}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
}

func decodePayload(env envelope, dst interface{}) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%s message missing payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("malformed %s payload: %w", env.Type, err)
	}
	return nil
}

func decodeSignal(p signalPayload) (Signal, error) {
	switch p.Type {
	case SignalOffer:
		if p.SDP == "" {
			return nil, fmt.Errorf("offer without sdp")
		}
		return &Offer{SDP: p.SDP}, nil
	case SignalAnswer:
		if p.SDP == "" {
			return nil, fmt.Errorf("answer without sdp")
		}
		return &Answer{SDP: p.SDP}, nil
	case SignalCandidate:
		if p.Candidate == nil {
			return nil, fmt.Errorf("candidate signal without candidate")
		}
		return &Candidate{Candidate: *p.Candidate}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownSignalType, p.Type)
}
