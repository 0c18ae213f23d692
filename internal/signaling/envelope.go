package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"

	"github.com/vigil-proctor/vigil/internal/room"
)

// EnvelopeType is the closed set of wire message kinds. Handlers switch over
// it exhaustively; adding a kind means touching every switch.
type EnvelopeType string

const (
	// Relay-authored.
	TypeWelcome       EnvelopeType = "welcome"
	TypeUserJoined    EnvelopeType = "user-joined"
	TypeUserLeft      EnvelopeType = "user-left"
	TypeConnectToPeer EnvelopeType = "connect-to-peer"
	TypeProctorLeft   EnvelopeType = "proctor-left"
	TypePong          EnvelopeType = "pong"

	// Client-authored, relayed with stamped sender identity.
	TypeOffer           EnvelopeType = "offer"
	TypeAnswer          EnvelopeType = "answer"
	TypeCandidate       EnvelopeType = "candidate"
	TypeChat            EnvelopeType = "chat"
	TypeScreenSharing   EnvelopeType = "screen-sharing"
	TypeProctoringEvent EnvelopeType = "proctoring-event"
	TypePing            EnvelopeType = "ping"
)

// SDP is a session description in wire form.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// Candidate is a trickled ICE candidate in wire form.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Envelope is the single wire unit exchanged over a signaling transport.
// Optional fields are pointers or omitempty; validate() pins down which
// fields each type carries.
type Envelope struct {
	Type EnvelopeType `json:"type"`

	RoomID   string `json:"roomId,omitempty"`
	UserID   string `json:"userId,omitempty"`
	UserName string `json:"userName,omitempty"`
	UserType string `json:"userType,omitempty"`

	PeerID   string `json:"peerId,omitempty"`
	PeerName string `json:"peerName,omitempty"`
	PeerType string `json:"peerType,omitempty"`

	TargetPeerID string `json:"targetPeerId,omitempty"`
	SenderID     string `json:"senderId,omitempty"`
	SenderName   string `json:"senderName,omitempty"`
	SenderType   string `json:"senderType,omitempty"`

	SDP       *SDP       `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`

	Participants     []room.Member `json:"participants,omitempty"`
	ParticipantCount int           `json:"participantCount,omitempty"`
	MaxParticipants  int           `json:"maxParticipants,omitempty"`
	Proctor          string        `json:"proctor,omitempty"`

	Active  *bool  `json:"active,omitempty"`
	Message string `json:"message,omitempty"`

	Event   string          `json:"event,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`

	// Timestamp is unix milliseconds, stamped by the author.
	Timestamp int64 `json:"timestamp,omitempty"`
}

// ParseEnvelope strictly decodes a single envelope: unknown fields and
// trailing data are rejected, and type-specific shape is validated.
func ParseEnvelope(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, err
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, fmt.Errorf("unexpected trailing data")
	}
	return env, nil
}

// Validate checks the envelope shape for its type. Sender fields are legal on
// relayed kinds in both the bare client form and the stamped relay form, so
// they are not constrained here beyond presence rules.
func (e Envelope) Validate() error {
	switch e.Type {
	case TypeWelcome:
		if e.UserID == "" || e.RoomID == "" {
			return fmt.Errorf("welcome missing userId/roomId")
		}
		if len(e.Participants) == 0 {
			return fmt.Errorf("welcome missing participants")
		}
	case TypeUserJoined:
		if e.UserID == "" {
			return fmt.Errorf("user-joined missing userId")
		}
	case TypeUserLeft:
		if e.UserID == "" {
			return fmt.Errorf("user-left missing userId")
		}
	case TypeConnectToPeer:
		if e.PeerID == "" {
			return fmt.Errorf("connect-to-peer missing peerId")
		}
	case TypeProctorLeft:
		// Message is optional.
	case TypePing, TypePong:
		// Type-only keepalive.
	case TypeOffer:
		if e.SDP == nil || e.SDP.Type != "offer" {
			return fmt.Errorf("offer missing sdp or sdp.type != offer")
		}
		if e.TargetPeerID == "" {
			return fmt.Errorf("offer missing targetPeerId")
		}
	case TypeAnswer:
		if e.SDP == nil || e.SDP.Type != "answer" {
			return fmt.Errorf("answer missing sdp or sdp.type != answer")
		}
		if e.TargetPeerID == "" {
			return fmt.Errorf("answer missing targetPeerId")
		}
	case TypeCandidate:
		if e.Candidate == nil || e.Candidate.Candidate == "" {
			return fmt.Errorf("candidate missing candidate payload")
		}
		if e.TargetPeerID == "" {
			return fmt.Errorf("candidate missing targetPeerId")
		}
	case TypeChat:
		if e.Message == "" {
			return fmt.Errorf("chat missing message")
		}
	case TypeScreenSharing:
		if e.Active == nil {
			return fmt.Errorf("screen-sharing missing active flag")
		}
	case TypeProctoringEvent:
		if e.Event == "" {
			return fmt.Errorf("proctoring-event missing event")
		}
	default:
		return fmt.Errorf("unsupported envelope type %q", e.Type)
	}
	return nil
}

// IsNegotiation reports whether the envelope is a targeted negotiation
// message the relay forwards verbatim apart from sender stamping.
func (e Envelope) IsNegotiation() bool {
	switch e.Type {
	case TypeOffer, TypeAnswer, TypeCandidate:
		return true
	default:
		return false
	}
}
