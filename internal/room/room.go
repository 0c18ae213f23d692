// Package room tracks proctoring rooms and their participants.
//
// A room holds at most one proctor plus a bounded number of exam candidates.
// The registry is the single source of truth for membership; the signaling
// layer consults it on every join, leave and relay decision.
package room

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role distinguishes the exam supervisor from the supervised candidates.
type Role string

const (
	RoleProctor   Role = "proctor"
	RoleCandidate Role = "candidate"
)

func ParseRole(raw string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleProctor:
		return RoleProctor, true
	case RoleCandidate:
		return RoleCandidate, true
	default:
		return "", false
	}
}

// Participant is a room member as seen by the registry. The signaling layer
// owns the member's connection; the registry only tracks identity.
type Participant struct {
	ID       string
	Name     string
	Role     Role
	JoinedAt time.Time

	// ScreenSharing mirrors the participant's last announced share state.
	ScreenSharing bool
}

// Room is a single proctoring session. All fields are guarded by the
// registry's lock; callers only ever see copies.
type room struct {
	id        string
	createdAt time.Time
	createdBy string

	// participants preserves join order for deterministic fan-out.
	participants []Participant

	proctorID string

	// proctorEpoch increments every time a proctor joins. Grace timers
	// capture the epoch at departure so a rejoin invalidates them.
	proctorEpoch uint64

	// emptySince is the zero value while the room has members.
	emptySince time.Time
}

func (r *room) participant(id string) (Participant, bool) {
	for _, p := range r.participants {
		if p.ID == id {
			return p, true
		}
	}
	return Participant{}, false
}

func (r *room) removeParticipant(id string) (Participant, bool) {
	for i, p := range r.participants {
		if p.ID == id {
			r.participants = append(r.participants[:i], r.participants[i+1:]...)
			return p, true
		}
	}
	return Participant{}, false
}

func (r *room) candidateCount() int {
	n := 0
	for _, p := range r.participants {
		if p.Role == RoleCandidate {
			n++
		}
	}
	return n
}

const (
	codeLength  = 6
	codeCharset = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// newRoomCode returns a short uppercase base36 code suitable for reading out
// to candidates over a call.
func newRoomCode() (string, error) {
	var buf [codeLength]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	out := make([]byte, codeLength)
	for i, b := range buf {
		out[i] = codeCharset[int(b)%len(codeCharset)]
	}
	return string(out), nil
}

// NewParticipantID mints a stable identifier for participants that did not
// bring their own.
func NewParticipantID() string {
	return "user_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
}

// DefaultDisplayName mirrors what participants see when no name was given.
func DefaultDisplayName(role Role, participantID string) string {
	if role == RoleProctor {
		return "Proctor"
	}
	suffix := strings.TrimPrefix(participantID, "user_")
	if len(suffix) > 4 {
		suffix = suffix[:4]
	}
	return "Candidate_" + suffix
}
