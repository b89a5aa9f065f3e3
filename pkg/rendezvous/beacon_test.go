package rendezvous

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/silviot/live_translation_relay_go/pkg/bus"
	"github.com/silviot/live_translation_relay_go/pkg/protocol"
)

type fakeBus struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (f *fakeBus) Publish(_ context.Context, msg protocol.Message) error {
	f.mu.Lock()
	f.msgs = append(f.msgs, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeBus) published() []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Message(nil), f.msgs...)
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []EventKind
	for _, ev := range l.events {
		out = append(out, ev.Kind)
	}
	return out
}

func lang(t *testing.T, code string) protocol.Language {
	t.Helper()
	l, ok := protocol.LookupLanguage(code)
	if !ok {
		t.Fatalf("unknown language %q", code)
	}
	return l
}

func newBeacon(t *testing.T, role protocol.Role, code string, b Publisher) *Beacon {
	t.Helper()
	beacon, err := New(Config{Role: role, Language: lang(t, code), Bus: b, Interval: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return beacon
}

func equalKinds(a, b []EventKind) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestNewValidation(t *testing.T) {
	fb := &fakeBus{}
	tests := []struct {
		name string
		cfg  Config
	}{
		{"bad role", Config{Role: "BOSS", Language: protocol.DefaultLanguage(protocol.RoleAgent), Bus: fb}},
		{"no language", Config{Role: protocol.RoleAgent, Bus: fb}},
		{"no bus", Config{Role: protocol.RoleAgent, Language: protocol.DefaultLanguage(protocol.RoleAgent)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestStartAnnouncesJoinThenPings(t *testing.T) {
	fb := &fakeBus{}
	b := newBeacon(t, protocol.RoleCustomer, "de", fb)

	b.Start(context.Background())
	time.Sleep(70 * time.Millisecond)
	b.Stop()

	msgs := fb.published()
	if len(msgs) < 3 {
		t.Fatalf("expected JOIN and at least two PINGs, got %d messages", len(msgs))
	}
	if _, ok := msgs[0].(*protocol.Join); !ok {
		t.Errorf("first message = %T, want *Join", msgs[0])
	}
	for _, m := range msgs[1:] {
		p, ok := m.(*protocol.Ping)
		if !ok {
			t.Fatalf("expected *Ping, got %T", m)
		}
		if p.SenderRole != protocol.RoleCustomer || p.Language.Code != "de" {
			t.Errorf("unexpected ping %+v", p)
		}
	}

	// No heartbeats after Stop
	n := len(fb.published())
	time.Sleep(50 * time.Millisecond)
	if len(fb.published()) != n {
		t.Error("beacon kept publishing after Stop")
	}
}

func TestSinglePingResolves(t *testing.T) {
	fb := &fakeBus{}
	agent := newBeacon(t, protocol.RoleAgent, "en", fb)
	var log eventLog
	agent.OnEvent(log.add)

	agent.Handle(&protocol.Ping{SenderRole: protocol.RoleCustomer, Language: lang(t, "de")})

	target, ok := agent.TargetLanguage()
	if !ok || target.Code != "de" {
		t.Fatalf("TargetLanguage = %v, %v; want de", target.Code, ok)
	}
	if agent.State() != StateResolved {
		t.Errorf("State = %v, want RESOLVED", agent.State())
	}
	if !equalKinds(log.kinds(), []EventKind{EventResolved}) {
		t.Errorf("events = %v", log.kinds())
	}

	// The beacon answers at once so the partner converges quickly
	msgs := fb.published()
	if len(msgs) != 1 {
		t.Fatalf("expected an immediate reply, got %d messages", len(msgs))
	}
	if p, ok := msgs[0].(*protocol.Ping); !ok || p.Language.Code != "en" {
		t.Errorf("unexpected reply %#v", msgs[0])
	}
}

func TestRepeatedHeartbeatsAreIdempotent(t *testing.T) {
	agent := newBeacon(t, protocol.RoleAgent, "en", &fakeBus{})
	var log eventLog
	agent.OnEvent(log.add)

	for i := 0; i < 5; i++ {
		agent.Handle(&protocol.Ping{SenderRole: protocol.RoleCustomer, Language: lang(t, "fr")})
	}

	target, _ := agent.TargetLanguage()
	if target.Code != "fr" {
		t.Errorf("TargetLanguage = %q, want fr", target.Code)
	}
	if !equalKinds(log.kinds(), []EventKind{EventResolved}) {
		t.Errorf("events = %v, want a single resolve", log.kinds())
	}
}

func TestLanguageChangeUpdatesTarget(t *testing.T) {
	agent := newBeacon(t, protocol.RoleAgent, "en", &fakeBus{})
	var log eventLog
	agent.OnEvent(log.add)

	agent.Handle(&protocol.Ping{SenderRole: protocol.RoleCustomer, Language: lang(t, "de")})
	agent.Handle(&protocol.Ping{SenderRole: protocol.RoleCustomer, Language: lang(t, "tr")})

	target, _ := agent.TargetLanguage()
	if target.Code != "tr" {
		t.Errorf("TargetLanguage = %q, want tr", target.Code)
	}
	if !equalKinds(log.kinds(), []EventKind{EventResolved, EventLanguageChanged}) {
		t.Errorf("events = %v", log.kinds())
	}
}

func TestJoinAlwaysReportsPartnerJoined(t *testing.T) {
	customer := newBeacon(t, protocol.RoleCustomer, "de", &fakeBus{})
	var log eventLog
	customer.OnEvent(log.add)

	join := &protocol.Join{SenderRole: protocol.RoleAgent, Language: lang(t, "en")}
	customer.Handle(join)
	customer.Handle(join)

	want := []EventKind{EventResolved, EventPartnerJoined, EventPartnerJoined}
	if !equalKinds(log.kinds(), want) {
		t.Errorf("events = %v, want %v", log.kinds(), want)
	}
}

func TestIgnoresOwnRoleAndOtherMessages(t *testing.T) {
	customer := newBeacon(t, protocol.RoleCustomer, "de", &fakeBus{})

	customer.Handle(&protocol.Ping{SenderRole: protocol.RoleCustomer, Language: lang(t, "fr")})
	customer.Handle(&protocol.Transcript{SenderRole: protocol.RoleAgent, Text: "hi"})

	if customer.State() != StateSearching {
		t.Errorf("State = %v, want SEARCHING", customer.State())
	}
}

func TestStalePartnerReturnsToSearching(t *testing.T) {
	agent := newBeacon(t, protocol.RoleAgent, "en", &fakeBus{})
	var log eventLog
	agent.OnEvent(log.add)

	now := time.Now()
	agent.now = func() time.Time { return now }

	agent.Handle(&protocol.Ping{SenderRole: protocol.RoleCustomer, Language: lang(t, "de")})

	now = now.Add(agent.staleAfter - time.Millisecond)
	agent.checkStale()
	if agent.State() != StateResolved {
		t.Fatal("partner dropped before StaleAfter")
	}

	now = now.Add(2 * time.Millisecond)
	agent.checkStale()
	if agent.State() != StateSearching {
		t.Fatal("partner not dropped after StaleAfter")
	}
	if _, ok := agent.TargetLanguage(); ok {
		t.Error("target language still set after partner loss")
	}
	if !equalKinds(log.kinds(), []EventKind{EventResolved, EventLost}) {
		t.Errorf("events = %v", log.kinds())
	}

	// A later heartbeat resolves again
	agent.Handle(&protocol.Ping{SenderRole: protocol.RoleCustomer, Language: lang(t, "de")})
	if agent.State() != StateResolved {
		t.Error("did not re-resolve after partner returned")
	}
}

func TestSetLanguageReannounces(t *testing.T) {
	fb := &fakeBus{}
	b, err := New(Config{Role: protocol.RoleCustomer, Language: lang(t, "de"), Bus: fb, Interval: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	b.Start(context.Background())
	defer b.Stop()

	b.SetLanguage(lang(t, "es"))

	msgs := fb.published()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 announcements, got %d", len(msgs))
	}
	if j, ok := msgs[1].(*protocol.Join); !ok || j.Language.Code != "es" {
		t.Errorf("unexpected announcement %#v", msgs[1])
	}

	b.SetLanguage(lang(t, "es"))
	if len(fb.published()) != 2 {
		t.Error("unchanged language was re-announced")
	}
}

func TestTwoBeaconsConvergeOverLocalBus(t *testing.T) {
	b := bus.NewLocal(nil, nil)
	defer b.Close()

	customer := newBeacon(t, protocol.RoleCustomer, "de", b)
	agent := newBeacon(t, protocol.RoleAgent, "en", b)
	b.Subscribe(customer.Handle)
	b.Subscribe(agent.Handle)

	customer.Start(context.Background())
	defer customer.Stop()
	agent.Start(context.Background())
	defer agent.Stop()

	deadline := time.Now().Add(customer.interval * 3)
	for time.Now().Before(deadline) {
		c, cok := customer.TargetLanguage()
		a, aok := agent.TargetLanguage()
		if cok && aok && c.Code == "en" && a.Code == "de" {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("beacons did not converge")
}
