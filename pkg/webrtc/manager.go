// Package webrtc adapts pion/webrtc to the negotiation engine's Peer contract.
// The peer connection carries live video only; translated audio travels over
// the signaling bus.
package webrtc

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/silviot/live_translation_relay_go/pkg/negotiation"
	"github.com/silviot/live_translation_relay_go/pkg/protocol"
)

var _ negotiation.Peer = (*Peer)(nil)

// Manager builds peer connections sharing one pion API
type Manager struct {
	api    *webrtc.API
	config webrtc.Configuration
	video  VideoSource
	logger *slog.Logger
	peers  atomic.Int32
}

// NewManager creates a new WebRTC manager. video may be nil for a
// receive-only endpoint.
func NewManager(cfg ConnectionConfig, video VideoSource, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetReceiveMTU(16384)
	se.SetSRTPReplayProtectionWindow(1024)
	if cfg.DisconnectedTimeout > 0 && cfg.FailedTimeout > 0 && cfg.KeepAliveInterval > 0 {
		se.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	return &Manager{
		api:    api,
		config: webrtc.Configuration{ICEServers: cfg.iceServers()},
		video:  video,
		logger: logger.With("component", "webrtc"),
	}, nil
}

// NewPeer creates a peer connection. It satisfies negotiation.PeerFactory.
func (m *Manager) NewPeer(opts negotiation.PeerOptions) (negotiation.Peer, error) {
	pc, err := m.api.NewPeerConnection(m.config)
	if err != nil {
		m.logger.Error("failed to create peer connection", "error", err)
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	p := &Peer{
		pc:          pc,
		video:       m.video,
		videoDevice: opts.VideoDevice,
		logger:      m.logger,
		closeCh:     make(chan struct{}),
		onClose:     func() { m.peers.Add(-1) },
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil || opts.OnICECandidate == nil {
			return
		}
		opts.OnICECandidate(fromCandidateInit(c.ToJSON()))
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		p.onTrack(track, opts.OnTrack)
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		m.logger.Debug("ICE connection state changed", "state", state.String())
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if opts.OnConnectionState != nil {
			opts.OnConnectionState(state.String())
		}
	})

	m.peers.Add(1)
	m.logger.Info("peer connection created")
	return p, nil
}

// PeerCount returns the number of open peer connections
func (m *Manager) PeerCount() int {
	return int(m.peers.Load())
}

// Peer wraps a pion PeerConnection
type Peer struct {
	pc     *webrtc.PeerConnection
	video  VideoSource
	logger *slog.Logger

	mu          sync.Mutex
	videoDevice string
	sender      *webrtc.RTPSender
	stopVideo   func()
	attached    bool

	closeCh   chan struct{}
	closeOnce sync.Once
	onClose   func()
	wg        sync.WaitGroup
}

// CreateOffer creates an offer and applies it locally
func (p *Peer) CreateOffer(iceRestart bool) (string, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}

	offer, err := p.pc.CreateOffer(opts)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	return offer.SDP, nil
}

// CreateAnswer creates an SDP answer to the applied remote offer
func (p *Peer) CreateAnswer() (string, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	return answer.SDP, nil
}

// SetRemoteOffer applies a remote offer
func (p *Peer) SetRemoteOffer(sdp string) error {
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("failed to set remote offer: %w", err)
	}
	return nil
}

// SetRemoteAnswer applies a remote answer
func (p *Peer) SetRemoteAnswer(sdp string) error {
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("failed to set remote answer: %w", err)
	}
	return nil
}

// Rollback discards the outstanding local offer
func (p *Peer) Rollback() error {
	if err := p.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
		return fmt.Errorf("failed to roll back: %w", err)
	}
	return nil
}

// AddICECandidate adds a remote ICE candidate
func (p *Peer) AddICECandidate(c protocol.ICECandidate) error {
	return p.pc.AddICECandidate(toCandidateInit(c))
}

// AttachLocalTracks adds the local video track, or a receive-only video
// transceiver when there is no local video
func (p *Peer) AttachLocalTracks() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.attached {
		return nil
	}
	p.attached = true

	if p.video == nil || p.videoDevice == "" {
		return p.addRecvOnly()
	}

	track, stop, err := p.video.OpenTrack(p.videoDevice)
	if err != nil {
		// Receive the partner's video even without our own
		p.logger.Warn("local video unavailable", "device", p.videoDevice, "error", err)
		return p.addRecvOnly()
	}

	sender, err := p.pc.AddTrack(track)
	if err != nil {
		stop()
		return fmt.Errorf("failed to add video track: %w", err)
	}
	p.sender = sender
	p.stopVideo = stop

	p.wg.Add(1)
	go p.drainRTCP(sender)
	return nil
}

// addRecvOnly adds a receive-only video m-line to our offer. An answerer
// already has transceivers for every line of the remote offer.
func (p *Peer) addRecvOnly() error {
	if p.pc.RemoteDescription() != nil {
		return nil
	}
	_, err := p.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	if err != nil {
		return fmt.Errorf("failed to add recvonly transceiver: %w", err)
	}
	return nil
}

// ReplaceVideoTrack swaps the outgoing track in place. No renegotiation.
func (p *Peer) ReplaceVideoTrack(deviceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.videoDevice = deviceID
	if p.sender == nil || p.video == nil {
		// Picked up by AttachLocalTracks if it has not run yet
		return nil
	}

	track, stop, err := p.video.OpenTrack(deviceID)
	if err != nil {
		return err
	}
	if err := p.sender.ReplaceTrack(track); err != nil {
		stop()
		return fmt.Errorf("failed to replace track: %w", err)
	}

	if p.stopVideo != nil {
		p.stopVideo()
	}
	p.stopVideo = stop
	p.logger.Info("video track replaced", "device", deviceID)
	return nil
}

// drainRTCP reads RTCP so interceptors (NACK, reports) keep working
func (p *Peer) drainRTCP(sender *webrtc.RTPSender) {
	defer p.wg.Done()
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// onTrack reports the remote track and drains its RTP packets
func (p *Peer) onTrack(track *webrtc.TrackRemote, report func(negotiation.RemoteTrack)) {
	if p.isClosed() {
		return
	}
	codec := track.Codec()
	p.logger.Info("track received",
		"codec", codec.MimeType,
		"clockRate", codec.ClockRate,
		"kind", track.Kind().String(),
	)

	if report != nil {
		report(negotiation.RemoteTrack{
			ID:       track.ID(),
			StreamID: track.StreamID(),
			Kind:     track.Kind().String(),
			Codec:    codec.MimeType,
		})
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		packets := 0
		for {
			if _, _, err := track.ReadRTP(); err != nil {
				if !p.isClosed() {
					p.logger.Debug("remote track ended", "kind", track.Kind().String(), "packets", packets, "error", err)
				}
				return
			}
			packets++
		}
	}()
}

func (p *Peer) isClosed() bool {
	select {
	case <-p.closeCh:
		return true
	default:
		return false
	}
}

// Close closes the peer connection and stops local video
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closeCh)

		p.mu.Lock()
		if p.stopVideo != nil {
			p.stopVideo()
			p.stopVideo = nil
		}
		p.mu.Unlock()

		err = p.pc.Close()
		p.wg.Wait()
		if p.onClose != nil {
			p.onClose()
		}
	})
	return err
}
