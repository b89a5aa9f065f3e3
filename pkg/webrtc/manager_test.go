package webrtc

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/silviot/live_translation_relay_go/pkg/audio"
	"github.com/silviot/live_translation_relay_go/pkg/bus"
	"github.com/silviot/live_translation_relay_go/pkg/negotiation"
	"github.com/silviot/live_translation_relay_go/pkg/protocol"
)

// writeIVF writes a minimal VP8 IVF file with n frames
func writeIVF(t *testing.T, dir, name string, n int) string {
	t.Helper()

	header := make([]byte, 32)
	copy(header[0:4], "DKIF")
	binary.LittleEndian.PutUint16(header[4:], 0)   // version
	binary.LittleEndian.PutUint16(header[6:], 32)  // header size
	copy(header[8:12], "VP80")
	binary.LittleEndian.PutUint16(header[12:], 64) // width
	binary.LittleEndian.PutUint16(header[14:], 48) // height
	binary.LittleEndian.PutUint32(header[16:], 30) // timebase denominator
	binary.LittleEndian.PutUint32(header[20:], 1)  // timebase numerator
	binary.LittleEndian.PutUint32(header[24:], uint32(n))

	data := header
	for i := 0; i < n; i++ {
		frame := []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, byte(i)}
		fh := make([]byte, 12)
		binary.LittleEndian.PutUint32(fh[0:], uint32(len(frame)))
		binary.LittleEndian.PutUint64(fh[4:], uint64(i))
		data = append(data, fh...)
		data = append(data, frame...)
	}

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("failed to write ivf: %v", err)
	}
	return path
}

func TestCandidateConversionRoundTrip(t *testing.T) {
	mid := "0"
	idx := uint16(0)
	in := protocol.ICECandidate{
		Candidate:     "candidate:1 1 udp 2130706431 192.168.1.2 54321 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}

	out := fromCandidateInit(toCandidateInit(in))
	if out.Candidate != in.Candidate || *out.SDPMid != mid || *out.SDPMLineIndex != idx {
		t.Errorf("conversion lost data: %+v", out)
	}
}

func TestICEServers(t *testing.T) {
	cfg := ConnectionConfig{
		STUN: []string{"stun:stun.example.org:3478"},
		TURN: []TURNServer{{URLs: []string{"turn:turn.example.org"}, Username: "u", Credential: "p"}},
	}
	servers := cfg.iceServers()
	if len(servers) != 2 {
		t.Fatalf("got %d servers, want 2", len(servers))
	}
	if servers[1].Username != "u" || servers[1].Credential != "p" {
		t.Errorf("turn credentials not carried: %+v", servers[1])
	}
}

func TestIVFSourceOpenTrack(t *testing.T) {
	dir := t.TempDir()
	writeIVF(t, dir, "cam0.ivf", 3)

	src := NewIVFSource(dir, nil)

	track, stop, err := src.OpenTrack("cam0.ivf")
	if err != nil {
		t.Fatalf("OpenTrack failed: %v", err)
	}
	defer stop()

	if track.Kind() != webrtc.RTPCodecTypeVideo {
		t.Errorf("Kind = %v, want video", track.Kind())
	}
	if !strings.Contains(track.StreamID(), "cam0") {
		t.Errorf("StreamID = %q", track.StreamID())
	}

	stop()
	stop() // idempotent
}

func TestIVFSourceMissingDevice(t *testing.T) {
	src := NewIVFSource(t.TempDir(), nil)

	if _, _, err := src.OpenTrack("nope.ivf"); !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Errorf("err = %v, want ErrDeviceUnavailable", err)
	}
	if _, _, err := src.OpenTrack(""); !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Errorf("err = %v, want ErrDeviceUnavailable", err)
	}
}

func TestIVFSourceRejectsOtherCodecs(t *testing.T) {
	dir := t.TempDir()
	path := writeIVF(t, dir, "vp9.ivf", 1)

	data, _ := os.ReadFile(path)
	copy(data[8:12], "VP90")
	os.WriteFile(path, data, 0o644)

	if _, _, err := NewIVFSource(dir, nil).OpenTrack("vp9.ivf"); err == nil {
		t.Error("expected error for VP9 file")
	}
}

func newEngine(t *testing.T, role protocol.Role, b *bus.Local, m *Manager) *negotiation.Engine {
	t.Helper()
	e, err := negotiation.New(negotiation.Config{
		Role:       role,
		Bus:        b,
		NewPeer:    m.NewPeer,
		GraceDelay: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("negotiation.New failed: %v", err)
	}
	b.Subscribe(func(msg protocol.Message) {
		if n, ok := msg.(*protocol.Negotiation); ok {
			e.HandleSignal(n)
		}
	})
	t.Cleanup(func() { e.Close() })
	return e
}

func TestPionPeersNegotiateOverBus(t *testing.T) {
	dir := t.TempDir()
	writeIVF(t, dir, "cam.ivf", 10)

	customerMgr, err := NewManager(ConnectionConfig{}, NewIVFSource(dir, nil), nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	agentMgr, err := NewManager(ConnectionConfig{}, nil, nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	b := bus.NewLocal(nil, nil)
	defer b.Close()

	customer := newEngine(t, protocol.RoleCustomer, b, customerMgr)
	agent := newEngine(t, protocol.RoleAgent, b, agentMgr)

	if err := customer.ReplaceVideoTrack("cam.ivf"); err != nil {
		t.Fatal(err)
	}
	for _, e := range []*negotiation.Engine{customer, agent} {
		e.SetLocalMediaReady(true)
		e.PartnerResolved()
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if customer.State() == negotiation.StateStable && agent.State() == negotiation.StateStable {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if customer.State() != negotiation.StateStable || agent.State() != negotiation.StateStable {
		t.Fatalf("states = %v / %v, want STABLE", customer.State(), agent.State())
	}

	if customerMgr.PeerCount() != 1 || agentMgr.PeerCount() != 1 {
		t.Errorf("peer counts = %d / %d", customerMgr.PeerCount(), agentMgr.PeerCount())
	}

	// Switching camera must not renegotiate
	writeIVF(t, dir, "cam2.ivf", 10)
	if err := customer.ReplaceVideoTrack("cam2.ivf"); err != nil {
		t.Fatalf("ReplaceVideoTrack failed: %v", err)
	}
	if customer.Status().OffersSent != 1 {
		t.Errorf("OffersSent = %d after track replace, want 1", customer.Status().OffersSent)
	}

	customer.Reset()
	if customerMgr.PeerCount() != 0 {
		t.Errorf("PeerCount = %d after reset", customerMgr.PeerCount())
	}
}

func TestPionRollbackOnGlare(t *testing.T) {
	mgr, err := NewManager(ConnectionConfig{}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	customer, _ := mgr.NewPeer(negotiation.PeerOptions{})
	agent, _ := mgr.NewPeer(negotiation.PeerOptions{})
	defer customer.Close()
	defer agent.Close()

	for _, p := range []negotiation.Peer{customer, agent} {
		if err := p.AttachLocalTracks(); err != nil {
			t.Fatalf("AttachLocalTracks failed: %v", err)
		}
	}

	offer1, err := customer.CreateOffer(false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := agent.CreateOffer(false); err != nil {
		t.Fatal(err)
	}

	if err := agent.Rollback(); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if err := agent.SetRemoteOffer(offer1); err != nil {
		t.Fatalf("SetRemoteOffer failed: %v", err)
	}
	answer, err := agent.CreateAnswer()
	if err != nil {
		t.Fatalf("CreateAnswer failed: %v", err)
	}
	if err := customer.SetRemoteAnswer(answer); err != nil {
		t.Fatalf("SetRemoteAnswer failed: %v", err)
	}

	if got := customer.(*Peer).pc.SignalingState(); got != webrtc.SignalingStateStable {
		t.Errorf("customer signaling state = %v", got)
	}
}
