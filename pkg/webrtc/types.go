package webrtc

import (
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/silviot/live_translation_relay_go/pkg/protocol"
)

// ConnectionConfig holds WebRTC configuration
type ConnectionConfig struct {
	STUN []string // STUN server URLs
	TURN []TURNServer

	// ICE timeouts; zero keeps the pion defaults
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

// TURNServer represents a TURN server
type TURNServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

// DefaultSTUN is used when no ICE server is configured
var DefaultSTUN = []string{"stun:stun.l.google.com:19302"}

func (c ConnectionConfig) iceServers() []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	for _, stunURL := range c.STUN {
		servers = append(servers, webrtc.ICEServer{URLs: []string{stunURL}})
	}
	for _, turn := range c.TURN {
		servers = append(servers, webrtc.ICEServer{
			URLs:       turn.URLs,
			Username:   turn.Username,
			Credential: turn.Credential,
		})
	}
	return servers
}

// toCandidateInit converts a wire candidate for pion
func toCandidateInit(c protocol.ICECandidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// fromCandidateInit converts a pion candidate for the wire
func fromCandidateInit(c webrtc.ICECandidateInit) protocol.ICECandidate {
	return protocol.ICECandidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
