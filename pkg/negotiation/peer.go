package negotiation

import "github.com/silviot/live_translation_relay_go/pkg/protocol"

// Peer is one peer media connection. Implementations apply every call
// synchronously; the engine serializes calls.
type Peer interface {
	// CreateOffer creates an offer and applies it as the local description
	CreateOffer(iceRestart bool) (string, error)
	// CreateAnswer creates an answer to the applied remote offer and applies it locally
	CreateAnswer() (string, error)
	SetRemoteOffer(sdp string) error
	SetRemoteAnswer(sdp string) error
	// Rollback discards an outstanding local offer
	Rollback() error
	AddICECandidate(c protocol.ICECandidate) error
	// AttachLocalTracks adds local tracks once; later calls are no-ops
	AttachLocalTracks() error
	// ReplaceVideoTrack swaps the outgoing video source without renegotiating
	ReplaceVideoTrack(deviceID string) error
	Close() error
}

// RemoteTrack describes one track of the negotiated remote stream
type RemoteTrack struct {
	ID       string `json:"id"`
	StreamID string `json:"streamId"`
	Kind     string `json:"kind"`
	Codec    string `json:"codec"`
}

// PeerOptions configures a new Peer. Callbacks may run on any goroutine.
type PeerOptions struct {
	VideoDevice       string
	OnICECandidate    func(protocol.ICECandidate)
	OnTrack           func(RemoteTrack)
	OnConnectionState func(state string)
}

// PeerFactory creates a Peer
type PeerFactory func(opts PeerOptions) (Peer, error)
