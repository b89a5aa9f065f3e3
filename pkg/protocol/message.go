package protocol

import "time"

// MessageType is the wire tag of a SignalingMessage
type MessageType string

const (
	TypePing        MessageType = "PING"
	TypeJoin        MessageType = "JOIN"
	TypeAudioChunk  MessageType = "AUDIO_CHUNK"
	TypeTranscript  MessageType = "TRANSCRIPT"
	TypeNegotiation MessageType = "NEGOTIATION_SIGNAL"
)

// Message is the closed set of messages carried on the signaling bus.
// Only the types in this package implement it.
type Message interface {
	Type() MessageType
	Sender() Role
	isMessage()
}

// Ping is the periodic heartbeat announcing role and language
type Ping struct {
	SenderRole Role
	Language   Language
}

// Join is sent once when an endpoint enters the room (or re-enters after a reload)
type Join struct {
	SenderRole Role
	Language   Language
}

// DefaultAudioSampleRate is the sample rate of translated audio output
const DefaultAudioSampleRate = 24000

// AudioChunk carries one chunk of translated speech as PCM16 LE mono
type AudioChunk struct {
	SenderRole Role
	Data       []byte
	SampleRate int
}

// Duration is derived from the chunk's content, not its arrival time
func (a *AudioChunk) Duration() time.Duration {
	rate := a.SampleRate
	if rate <= 0 {
		rate = DefaultAudioSampleRate
	}
	samples := len(a.Data) / 2
	return time.Duration(samples) * time.Second / time.Duration(rate)
}

// Transcript carries one transcript fragment.
// IsTranslation is false for what the sender said, true for the translation.
type Transcript struct {
	SenderRole    Role
	Text          string
	IsTranslation bool
}

// Negotiation wraps a peer media negotiation signal
type Negotiation struct {
	SenderRole Role
	Signal     Signal
}

func (m *Ping) Type() MessageType        { return TypePing }
func (m *Join) Type() MessageType        { return TypeJoin }
func (m *AudioChunk) Type() MessageType  { return TypeAudioChunk }
func (m *Transcript) Type() MessageType  { return TypeTranscript }
func (m *Negotiation) Type() MessageType { return TypeNegotiation }

func (m *Ping) Sender() Role        { return m.SenderRole }
func (m *Join) Sender() Role        { return m.SenderRole }
func (m *AudioChunk) Sender() Role  { return m.SenderRole }
func (m *Transcript) Sender() Role  { return m.SenderRole }
func (m *Negotiation) Sender() Role { return m.SenderRole }

func (*Ping) isMessage()        {}
func (*Join) isMessage()        {}
func (*AudioChunk) isMessage()  {}
func (*Transcript) isMessage()  {}
func (*Negotiation) isMessage() {}

// SignalType is the wire tag of a negotiation Signal
type SignalType string

const (
	SignalOffer     SignalType = "OFFER"
	SignalAnswer    SignalType = "ANSWER"
	SignalCandidate SignalType = "CANDIDATE"
)

// Signal is the closed set of negotiation signals
type Signal interface {
	SignalType() SignalType
	isSignal()
}

// Offer carries an SDP offer
type Offer struct {
	SDP string
}

// Answer carries an SDP answer
type Answer struct {
	SDP string
}

// Candidate carries one trickled ICE candidate
type Candidate struct {
	Candidate ICECandidate
}

// ICECandidate mirrors RTCIceCandidateInit
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func (*Offer) SignalType() SignalType     { return SignalOffer }
func (*Answer) SignalType() SignalType    { return SignalAnswer }
func (*Candidate) SignalType() SignalType { return SignalCandidate }

func (*Offer) isSignal()     {}
func (*Answer) isSignal()    {}
func (*Candidate) isSignal() {}
