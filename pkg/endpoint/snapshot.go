package endpoint

import (
	"github.com/silviot/live_translation_relay_go/pkg/negotiation"
	"github.com/silviot/live_translation_relay_go/pkg/protocol"
	"github.com/silviot/live_translation_relay_go/pkg/relay"
	"github.com/silviot/live_translation_relay_go/pkg/rendezvous"
	"github.com/silviot/live_translation_relay_go/pkg/session"
)

// Snapshot is the externally observable state of an endpoint
type Snapshot struct {
	ID          string                      `json:"id"`
	Role        protocol.Role               `json:"role"`
	Language    protocol.Language           `json:"language"`
	Rendezvous  rendezvous.State            `json:"rendezvous"`
	Partner     *rendezvous.HeartbeatRecord `json:"partner,omitempty"`
	Translation session.Status              `json:"translation"`
	Connecting  bool                        `json:"isConnecting"`
	Connected   bool                        `json:"isConnected"`
	Error       string                      `json:"error,omitempty"`
	Peer        negotiation.Status          `json:"peer"`
	Transcripts []relay.TranscriptItem      `json:"transcripts"`
	AudioDevice string                      `json:"audioDevice,omitempty"`
	VideoDevice string                      `json:"videoDevice,omitempty"`
}

// Snapshot collects the current state of every component
func (e *Endpoint) Snapshot() Snapshot {
	status := e.session.Status()

	snap := Snapshot{
		ID:          e.id,
		Role:        e.role,
		Language:    e.beacon.Language(),
		Rendezvous:  e.beacon.State(),
		Translation: status,
		Connecting:  status.State == session.StateConnecting || status.State == session.StateBackingOff,
		Connected:   status.State == session.StateConnected,
		Peer:        e.engine.Status(),
		Transcripts: e.Transcripts(),
	}
	// Only a stopped session surfaces as an error; retries are still "connecting"
	if status.State == session.StateFailed {
		snap.Error = status.LastError
	}
	if p, ok := e.beacon.Partner(); ok {
		snap.Partner = &p
	}

	e.mu.Lock()
	snap.AudioDevice = e.audioDevice
	snap.VideoDevice = e.videoDevice
	e.mu.Unlock()
	return snap
}
