package room

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vigil-proctor/vigil/internal/ratelimit"
)

var (
	ErrRoomNotFound    = errors.New("room not found")
	ErrRoomFull        = errors.New("room is full")
	ErrProctorConflict = errors.New("room already has a proctor")
	ErrDuplicateID     = errors.New("participant id already present in room")
)

// RegistryConfig bounds room membership.
type RegistryConfig struct {
	// MaxCandidates is the candidate cap per room, excluding the proctor.
	MaxCandidates int

	// Clock overrides time for tests; nil means the real clock.
	Clock ratelimit.Clock
}

// Registry owns all live rooms. Every method is safe for concurrent use.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*room

	maxCandidates int
	clock         ratelimit.Clock
}

func NewRegistry(cfg RegistryConfig) *Registry {
	clock := cfg.Clock
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	return &Registry{
		rooms:         make(map[string]*room),
		maxCandidates: cfg.MaxCandidates,
		clock:         clock,
	}
}

// Summary is the external view of a room, returned by lookups and the HTTP
// API.
type Summary struct {
	RoomID    string    `json:"roomId"`
	CreatedAt time.Time `json:"createdAt"`

	// Proctor is the display name recorded at creation, present before the
	// proctor's transport has joined.
	Proctor    string `json:"proctor"`
	HasProctor bool   `json:"hasProctor"`

	Participants []Member `json:"participants"`

	// MaxParticipants is the total member cap: one proctor plus the
	// candidate limit.
	MaxParticipants int `json:"maxParticipants"`
}

// Member is a participant in wire form.
type Member struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Type          string    `json:"type"`
	ScreenSharing bool      `json:"isScreenSharing,omitempty"`
	JoinedAt      time.Time `json:"joinedAt"`
}

func memberOf(p Participant) Member {
	return Member{ID: p.ID, Name: p.Name, Type: string(p.Role), ScreenSharing: p.ScreenSharing, JoinedAt: p.JoinedAt}
}

// MembersOf converts participants to wire form, preserving order.
func MembersOf(ps []Participant) []Member {
	out := make([]Member, 0, len(ps))
	for _, p := range ps {
		out = append(out, memberOf(p))
	}
	return out
}

func (r *Registry) summaryLocked(rm *room) Summary {
	members := make([]Member, 0, len(rm.participants))
	for _, p := range rm.participants {
		members = append(members, memberOf(p))
	}
	return Summary{
		RoomID:          rm.id,
		CreatedAt:       rm.createdAt,
		Proctor:         rm.createdBy,
		HasProctor:      rm.proctorID != "",
		Participants:    members,
		MaxParticipants: 1 + r.maxCandidates,
	}
}

// CreateRoom mints a new empty room and returns its code, recording the
// creator's display name as the designated proctor. Codes are regenerated on
// the (unlikely) collision with a live room.
func (r *Registry) CreateRoom(creatorName string) (Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for attempt := 0; attempt < 10; attempt++ {
		code, err := newRoomCode()
		if err != nil {
			return Summary{}, err
		}
		if _, exists := r.rooms[code]; exists {
			continue
		}
		rm := &room{
			id:         code,
			createdAt:  r.clock.Now(),
			createdBy:  creatorName,
			emptySince: r.clock.Now(),
		}
		r.rooms[code] = rm
		return r.summaryLocked(rm), nil
	}
	return Summary{}, fmt.Errorf("could not allocate a unique room code")
}

// Lookup returns the room summary, or ErrRoomNotFound.
func (r *Registry) Lookup(roomID string) (Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return Summary{}, ErrRoomNotFound
	}
	return r.summaryLocked(rm), nil
}

// Exists reports whether the room code refers to a live room.
func (r *Registry) Exists(roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rooms[roomID]
	return ok
}

// JoinResult describes the room state right after a successful join.
type JoinResult struct {
	Joined Participant

	// Others are the participants that were already present, in join order.
	Others []Participant

	// ProctorEpoch is the room's proctor generation after the join.
	ProctorEpoch uint64
}

// Join admits a participant. The room must exist (rooms are only created via
// CreateRoom), hold no other proctor when a proctor joins, and have candidate
// headroom when a candidate joins.
func (r *Registry) Join(roomID string, p Participant) (JoinResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return JoinResult{}, ErrRoomNotFound
	}
	if _, dup := rm.participant(p.ID); dup {
		return JoinResult{}, ErrDuplicateID
	}
	switch p.Role {
	case RoleProctor:
		if rm.proctorID != "" {
			return JoinResult{}, ErrProctorConflict
		}
	case RoleCandidate:
		if rm.candidateCount() >= r.maxCandidates {
			return JoinResult{}, ErrRoomFull
		}
	default:
		return JoinResult{}, fmt.Errorf("unknown role %q", p.Role)
	}

	p.JoinedAt = r.clock.Now()
	others := make([]Participant, len(rm.participants))
	copy(others, rm.participants)

	rm.participants = append(rm.participants, p)
	rm.emptySince = time.Time{}
	if p.Role == RoleProctor {
		rm.proctorID = p.ID
		rm.proctorEpoch++
	}

	return JoinResult{
		Joined:       p,
		Others:       others,
		ProctorEpoch: rm.proctorEpoch,
	}, nil
}

// LeaveResult describes the room state right after a departure.
type LeaveResult struct {
	Left       Participant
	WasProctor bool

	// Remaining are the participants still present, in join order.
	Remaining []Participant

	// ProctorGone is set when the room has had a proctor but holds none now.
	ProctorGone bool

	// ProctorEpoch is the generation to hand to DeleteIfProctorStillGone
	// when the proctor is gone.
	ProctorEpoch uint64
}

// Leave removes a participant. Unknown rooms or members are not an error at
// this layer: disconnects race with sweeps, so the departure may already have
// been processed.
func (r *Registry) Leave(roomID, participantID string) (LeaveResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return LeaveResult{}, false
	}
	p, ok := rm.removeParticipant(participantID)
	if !ok {
		return LeaveResult{}, false
	}

	res := LeaveResult{
		Left:         p,
		WasProctor:   rm.proctorID == participantID,
		ProctorEpoch: rm.proctorEpoch,
	}
	if res.WasProctor {
		rm.proctorID = ""
	}
	res.ProctorGone = rm.proctorID == "" && rm.proctorEpoch > 0
	res.Remaining = make([]Participant, len(rm.participants))
	copy(res.Remaining, rm.participants)

	if len(rm.participants) == 0 {
		rm.emptySince = r.clock.Now()
	}
	return res, true
}

// DeleteIfProctorStillGone removes the room when the proctor that left at the
// given epoch has not returned and no other members remain. It is the target
// of the proctor-departure grace timer. A room still holding candidates is
// never destroyed; the relay re-arms the check once the last of them leaves.
func (r *Registry) DeleteIfProctorStillGone(roomID string, epoch uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	if rm.proctorID != "" || rm.proctorEpoch != epoch {
		return false
	}
	if len(rm.participants) > 0 {
		return false
	}
	delete(r.rooms, roomID)
	return true
}

// Sweep deletes rooms that have sat empty for longer than maxIdleAge and
// returns how many were removed.
func (r *Registry) Sweep(maxIdleAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	removed := 0
	for id, rm := range r.rooms {
		if len(rm.participants) > 0 || rm.emptySince.IsZero() {
			continue
		}
		if now.Sub(rm.emptySince) > maxIdleAge {
			delete(r.rooms, id)
			removed++
		}
	}
	return removed
}

// Len reports the number of live rooms.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// SetScreenSharing records a participant's announced share state.
func (r *Registry) SetScreenSharing(roomID, participantID string, active bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	for i := range rm.participants {
		if rm.participants[i].ID == participantID {
			rm.participants[i].ScreenSharing = active
			return true
		}
	}
	return false
}

// Participant returns the given member of a room, if present.
func (r *Registry) Participant(roomID, participantID string) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return Participant{}, false
	}
	return rm.participant(participantID)
}
