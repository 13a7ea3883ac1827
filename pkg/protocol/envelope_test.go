package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestNewEnvelope_RoundTrip(t *testing.T) {
	env, err := NewEnvelope(SignalOffer, Offer{SDP: "v=0 fake sdp"})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	env.From = "peer-a"
	env.To = "peer-b"

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded Envelope
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := decoded.ValidateBasic(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if decoded.Type != SignalOffer || decoded.From != "peer-a" || decoded.To != "peer-b" {
		t.Fatalf("envelope fields: %+v", decoded)
	}

	var offer Offer
	if err := decoded.DecodePayload(&offer); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if offer.SDP != "v=0 fake sdp" {
		t.Fatalf("sdp: %q", offer.SDP)
	}
}

func TestNewEnvelope_NilPayload(t *testing.T) {
	env, err := NewEnvelope(SignalPeerLeft, nil)
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if len(env.Payload) != 0 {
		t.Fatalf("payload: %q", env.Payload)
	}
	if err := env.DecodePayload(&struct{}{}); err == nil {
		t.Fatal("decoding an empty payload should fail")
	}
}

func TestValidateBasic(t *testing.T) {
	valid, err := NewEnvelope(SignalHello, Hello{PeerID: "p1"})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Envelope)
		ok     bool
	}{
		{"valid", func(*Envelope) {}, true},
		{"wrong version", func(e *Envelope) { e.V = 99 }, false},
		{"missing type", func(e *Envelope) { e.Type = "" }, false},
		{"missing msg_id", func(e *Envelope) { e.MsgID = "" }, false},
	}
	for _, tc := range cases {
		env := valid
		tc.mutate(&env)
		err := env.ValidateBasic()
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("%s: expected an error", tc.name)
		}
	}
}

func TestNewMsgID_FormatAndUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id, err := NewMsgID()
		if err != nil {
			t.Fatalf("msg id: %v", err)
		}
		if len(id) != 16 {
			t.Fatalf("length %d: %q", len(id), id)
		}
		for _, r := range id {
			if !strings.ContainsRune("0123456789abcdef", r) {
				t.Fatalf("non-hex character %q in %q", r, id)
			}
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}
