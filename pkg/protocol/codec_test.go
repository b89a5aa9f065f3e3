package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestEncodeWireShape(t *testing.T) {
	de, _ := LookupLanguage("de")
	data, err := Encode(&Ping{SenderRole: RoleCustomer, Language: de})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if raw["type"] != "PING" {
		t.Errorf("type = %v, want PING", raw["type"])
	}
	if raw["senderRole"] != "CUSTOMER" {
		t.Errorf("senderRole = %v, want CUSTOMER", raw["senderRole"])
	}
	payload, ok := raw["payload"].(map[string]interface{})
	if !ok {
		t.Fatalf("payload missing: %s", data)
	}
	lang, _ := payload["language"].(map[string]interface{})
	if lang["code"] != "de" || lang["serviceName"] != "German" {
		t.Errorf("language = %v", lang)
	}
}

func TestDecodeNegotiationCandidate(t *testing.T) {
	mid := "0"
	idx := uint16(0)
	in := &Negotiation{
		SenderRole: RoleAgent,
		Signal: &Candidate{Candidate: ICECandidate{
			Candidate:     "candidate:1 1 udp 2122260223 192.168.1.2 54321 typ host",
			SDPMid:        &mid,
			SDPMLineIndex: &idx,
		}},
	}
	data, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	msg, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	neg, ok := msg.(*Negotiation)
	if !ok {
		t.Fatalf("decoded %T, want *Negotiation", msg)
	}
	cand, ok := neg.Signal.(*Candidate)
	if !ok {
		t.Fatalf("signal %T, want *Candidate", neg.Signal)
	}
	if cand.Candidate.Candidate != in.Signal.(*Candidate).Candidate.Candidate {
		t.Errorf("candidate = %q", cand.Candidate.Candidate)
	}
	if cand.Candidate.SDPMid == nil || *cand.Candidate.SDPMid != "0" {
		t.Errorf("sdpMid not preserved")
	}
}

func TestDecodeAudioChunkDefaultsSampleRate(t *testing.T) {
	data := []byte(`{"type":"AUDIO_CHUNK","senderRole":"AGENT","payload":{"data":"AAABAAIA"}}`)
	msg, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	chunk := msg.(*AudioChunk)
	if chunk.SampleRate != DefaultAudioSampleRate {
		t.Errorf("SampleRate = %d, want %d", chunk.SampleRate, DefaultAudioSampleRate)
	}
	if len(chunk.Data) != 6 {
		t.Errorf("len(Data) = %d, want 6", len(chunk.Data))
	}
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr error
	}{
		{"not json", `not json`, nil},
		{"unknown type", `{"type":"HANGUP","senderRole":"AGENT","payload":{}}`, ErrUnknownMessageType},
		{"bad role", `{"type":"PING","senderRole":"ADMIN","payload":{"language":{"code":"en"}}}`, nil},
		{"ping without language", `{"type":"PING","senderRole":"AGENT","payload":{}}`, nil},
		{"missing payload", `{"type":"TRANSCRIPT","senderRole":"AGENT"}`, nil},
		{"unknown signal", `{"type":"NEGOTIATION_SIGNAL","senderRole":"AGENT","payload":{"type":"PRANSWER"}}`, ErrUnknownSignalType},
		{"offer without sdp", `{"type":"NEGOTIATION_SIGNAL","senderRole":"AGENT","payload":{"type":"OFFER"}}`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestAudioChunkDuration(t *testing.T) {
	// 12000 samples at 24kHz = 500ms
	chunk := &AudioChunk{Data: make([]byte, 24000), SampleRate: 24000}
	if got := chunk.Duration(); got != 500*time.Millisecond {
		t.Errorf("Duration = %v, want 500ms", got)
	}
}

func TestRoleHelpers(t *testing.T) {
	if RoleCustomer.Opposite() != RoleAgent || RoleAgent.Opposite() != RoleCustomer {
		t.Error("Opposite mismatch")
	}
	if !RoleCustomer.IsInitiator() || RoleAgent.IsInitiator() {
		t.Error("only the customer initiates")
	}
	r, err := ParseRole(" agent ")
	if err != nil || r != RoleAgent {
		t.Errorf("ParseRole = %v, %v", r, err)
	}
	if _, err := ParseRole("observer"); err == nil {
		t.Error("expected error for unknown role")
	}
	if DefaultLanguage(RoleCustomer).Code != "de" || DefaultLanguage(RoleAgent).Code != "en" {
		t.Error("unexpected default languages")
	}
}
