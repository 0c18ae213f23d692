package metrics

import "sync"

// Counter names used by the signaling relay. Kept as plain strings so the
// registry stays a simple map; the Prometheus handler exposes them as values
// of a single `event` label.
const (
	RoomCreated          = "room_created"
	RoomSwept            = "room_swept"
	ParticipantJoined    = "participant_joined"
	ParticipantLeft      = "participant_left"
	EnvelopeForwarded    = "envelope_forwarded"
	EnvelopeBroadcast    = "envelope_broadcast"
	DropMalformed        = "drop_malformed_envelope"
	DropUnknownTarget    = "drop_unknown_target"
	DropRateLimited      = "drop_rate_limited"
	JoinRejectedNotFound = "join_rejected_room_not_found"
	JoinRejectedFull     = "join_rejected_room_full"
	JoinRejectedProctor  = "join_rejected_proctor_conflict"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// It exists to keep relay enforcement logic testable without a metrics
// backend; the Prometheus handler in this package exposes the counters for
// scraping.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
