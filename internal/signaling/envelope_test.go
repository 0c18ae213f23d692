package signaling

import (
	"strings"
	"testing"
)

func TestParseEnvelope_Offer(t *testing.T) {
	data := []byte(`{"type":"offer","targetPeerId":"user_b","sdp":{"type":"offer","sdp":"v=0"}}`)
	env, err := ParseEnvelope(data)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if env.Type != TypeOffer || env.TargetPeerID != "user_b" {
		t.Fatalf("env = %+v", env)
	}
	if env.SDP == nil || env.SDP.SDP != "v=0" {
		t.Fatalf("sdp = %+v", env.SDP)
	}
}

func TestParseEnvelope_RejectsUnknownFields(t *testing.T) {
	_, err := ParseEnvelope([]byte(`{"type":"ping","bogus":1}`))
	if err == nil {
		t.Fatalf("expected unknown-field rejection")
	}
}

func TestParseEnvelope_RejectsTrailingData(t *testing.T) {
	_, err := ParseEnvelope([]byte(`{"type":"ping"}{"type":"ping"}`))
	if err == nil || !strings.Contains(err.Error(), "trailing") {
		t.Fatalf("err = %v, want trailing-data rejection", err)
	}
}

func TestParseEnvelope_RejectsUnknownType(t *testing.T) {
	_, err := ParseEnvelope([]byte(`{"type":"teleport"}`))
	if err == nil {
		t.Fatalf("expected unsupported-type rejection")
	}
}

func TestValidate_ShapeRules(t *testing.T) {
	tr := true
	cases := []struct {
		name   string
		env    Envelope
		wantOK bool
	}{
		{"ping", Envelope{Type: TypePing}, true},
		{"pong", Envelope{Type: TypePong}, true},
		{"offer without target", Envelope{Type: TypeOffer, SDP: &SDP{Type: "offer", SDP: "v=0"}}, false},
		{"offer with answer sdp", Envelope{Type: TypeOffer, TargetPeerID: "x", SDP: &SDP{Type: "answer", SDP: "v=0"}}, false},
		{"answer ok", Envelope{Type: TypeAnswer, TargetPeerID: "x", SDP: &SDP{Type: "answer", SDP: "v=0"}}, true},
		{"candidate without payload", Envelope{Type: TypeCandidate, TargetPeerID: "x"}, false},
		{"candidate ok", Envelope{Type: TypeCandidate, TargetPeerID: "x", Candidate: &Candidate{Candidate: "candidate:1"}}, true},
		{"chat without message", Envelope{Type: TypeChat}, false},
		{"chat ok", Envelope{Type: TypeChat, Message: "hello"}, true},
		{"screen-sharing without flag", Envelope{Type: TypeScreenSharing}, false},
		{"screen-sharing ok", Envelope{Type: TypeScreenSharing, Active: &tr}, true},
		{"proctoring-event without event", Envelope{Type: TypeProctoringEvent}, false},
		{"proctoring-event ok", Envelope{Type: TypeProctoringEvent, Event: "tab-switch"}, true},
		{"connect-to-peer without peer", Envelope{Type: TypeConnectToPeer}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.env.Validate()
			if (err == nil) != tc.wantOK {
				t.Fatalf("Validate() = %v, want ok=%v", err, tc.wantOK)
			}
		})
	}
}

func TestSDP_PionRoundTrip(t *testing.T) {
	wire := SDP{Type: "offer", SDP: "v=0"}
	desc, err := wire.ToPion()
	if err != nil {
		t.Fatalf("ToPion: %v", err)
	}
	if got := SDPFromPion(desc); got != wire {
		t.Fatalf("round trip = %+v, want %+v", got, wire)
	}

	if _, err := (SDP{Type: "rollback"}).ToPion(); err == nil {
		t.Fatalf("expected error for unsupported sdp type")
	}
}
