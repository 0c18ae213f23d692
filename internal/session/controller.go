package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/vigil-proctor/vigil/internal/mesh"
	"github.com/vigil-proctor/vigil/internal/room"
	"github.com/vigil-proctor/vigil/internal/signaling"
)

// ErrProctorGone ends a candidate's session when the proctor leaves and the
// relay announces it.
var ErrProctorGone = errors.New("proctor left the session")

// DefaultPingInterval is the application-level keepalive cadence.
const DefaultPingInterval = 25 * time.Second

// Relay is the signaling connection surface the controller drives; the
// concrete Transport satisfies it.
type Relay interface {
	Receive() <-chan signaling.Envelope
	Send(signaling.Envelope) error
	Err() error
	Close() error
}

// Mesh is the slice of the link orchestrator the controller needs.
type Mesh interface {
	EnsureLink(peerID string) error
	HandleOffer(peerID string, sdp webrtc.SessionDescription)
	HandleAnswer(peerID string, sdp webrtc.SessionDescription)
	HandleCandidate(peerID string, cand webrtc.ICECandidateInit)
	CloseLink(peerID string)
	CloseAll()
	ReplaceVideoTrack(track webrtc.TrackLocal) error
}

// MeshParams carry the session identity into the mesh factory. The factory
// runs once, after the relay's welcome assigns our participant ID.
type MeshParams struct {
	SelfID         string
	Signaler       mesh.Signaler
	RemoteIsMember func(peerID string) bool
	MediaActive    func() bool
}

type MeshFactory func(p MeshParams) (Mesh, error)

// Events are optional observer callbacks, invoked from the controller's
// event loop; keep them fast and do not call back into the controller.
type Events struct {
	Joined          func(roomID, userID string, roster []room.Member)
	PeerJoined      func(peer room.Member)
	PeerLeft        func(peer room.Member)
	Chat            func(senderID, senderName, message string, at time.Time)
	ScreenSharing   func(userID string, active bool)
	ProctoringEvent func(senderID, event string, details json.RawMessage)
	ProctorLeft     func(message string)
}

type Config struct {
	Relay   Relay
	NewMesh MeshFactory
	Events  Events
	Logger  *slog.Logger

	// PingInterval is the application-level keepalive cadence; zero means
	// DefaultPingInterval, negative disables it.
	PingInterval time.Duration
}

// Controller owns one participant's session: roster, mesh lifecycle, and
// the envelope loop. Run drives it; the exported operations are safe to
// call from other goroutines while Run is active.
type Controller struct {
	cfg   Config
	log   *slog.Logger
	relay Relay

	mu          sync.Mutex
	selfID      string
	roomID      string
	mesh        Mesh
	roster      map[string]room.Member
	mediaActive bool
}

func New(cfg Config) (*Controller, error) {
	if cfg.Relay == nil {
		return nil, fmt.Errorf("session: relay required")
	}
	if cfg.NewMesh == nil {
		return nil, fmt.Errorf("session: mesh factory required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	return &Controller{
		cfg:    cfg,
		log:    log,
		relay:  cfg.Relay,
		roster: make(map[string]room.Member),
	}, nil
}

// Run processes the session until the context ends, the relay connection
// dies, or the proctor leaves. A normal-closure disconnect returns nil.
func (c *Controller) Run(ctx context.Context) error {
	defer c.teardown()

	var pingC <-chan time.Time
	if c.cfg.PingInterval > 0 {
		tick := time.NewTicker(c.cfg.PingInterval)
		defer tick.Stop()
		pingC = tick.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-pingC:
			_ = c.relay.Send(signaling.Envelope{Type: signaling.TypePing})

		case env, ok := <-c.relay.Receive():
			if !ok {
				err := c.relay.Err()
				var ce *CloseError
				if errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure {
					return nil
				}
				return err
			}
			if err := c.handle(env); err != nil {
				return err
			}
		}
	}
}

func (c *Controller) teardown() {
	if m := c.currentMesh(); m != nil {
		m.CloseAll()
	}
	_ = c.relay.Close()
}

func (c *Controller) handle(env signaling.Envelope) error {
	switch env.Type {
	case signaling.TypeWelcome:
		return c.handleWelcome(env)

	case signaling.TypeUserJoined:
		peer := memberFromEnvelope(env)
		c.replaceOrUpsert(env.Participants, peer)
		// With capture running, don't wait for the relay's connect-to-peer
		// fan-out: open the link as soon as the join is announced.
		if peer.ID != "" && peer.ID != c.SelfID() && c.isMediaActive() {
			if m := c.currentMesh(); m != nil {
				if err := m.EnsureLink(peer.ID); err != nil {
					c.log.Error("link setup failed", "peer", peer.ID, "err", err)
				}
			}
		}
		if f := c.cfg.Events.PeerJoined; f != nil {
			f(peer)
		}

	case signaling.TypeConnectToPeer:
		c.handleConnectToPeer(env)

	case signaling.TypeUserLeft:
		peer := memberFromEnvelope(env)
		c.mu.Lock()
		delete(c.roster, env.UserID)
		c.setRosterLocked(env.Participants)
		c.mu.Unlock()
		if m := c.currentMesh(); m != nil {
			m.CloseLink(env.UserID)
		}
		if f := c.cfg.Events.PeerLeft; f != nil {
			f(peer)
		}

	case signaling.TypeProctorLeft:
		if f := c.cfg.Events.ProctorLeft; f != nil {
			f(env.Message)
		}
		return ErrProctorGone

	case signaling.TypeOffer:
		m := c.currentMesh()
		if m == nil || env.SenderID == "" {
			c.log.Warn("dropping offer", "sender", env.SenderID)
			return nil
		}
		desc, err := env.SDP.ToPion()
		if err != nil {
			c.log.Warn("dropping offer with bad sdp", "sender", env.SenderID, "err", err)
			return nil
		}
		m.HandleOffer(env.SenderID, desc)

	case signaling.TypeAnswer:
		m := c.currentMesh()
		if m == nil || env.SenderID == "" {
			c.log.Warn("dropping answer", "sender", env.SenderID)
			return nil
		}
		desc, err := env.SDP.ToPion()
		if err != nil {
			c.log.Warn("dropping answer with bad sdp", "sender", env.SenderID, "err", err)
			return nil
		}
		m.HandleAnswer(env.SenderID, desc)

	case signaling.TypeCandidate:
		m := c.currentMesh()
		if m == nil || env.SenderID == "" {
			return nil
		}
		m.HandleCandidate(env.SenderID, env.Candidate.ToPion())

	case signaling.TypeChat:
		if f := c.cfg.Events.Chat; f != nil {
			f(env.SenderID, env.SenderName, env.Message, time.UnixMilli(env.Timestamp))
		}

	case signaling.TypeScreenSharing:
		active := env.Active != nil && *env.Active
		c.mu.Lock()
		if peer, ok := c.roster[env.UserID]; ok {
			peer.ScreenSharing = active
			c.roster[env.UserID] = peer
		}
		c.mu.Unlock()
		if f := c.cfg.Events.ScreenSharing; f != nil {
			f(env.UserID, active)
		}

	case signaling.TypeProctoringEvent:
		if f := c.cfg.Events.ProctoringEvent; f != nil {
			f(env.SenderID, env.Event, env.Details)
		}

	case signaling.TypePong:
		// Keepalive reply, nothing to do.

	default:
		c.log.Debug("ignoring envelope", "type", string(env.Type))
	}
	return nil
}

// handleWelcome adopts the relay-assigned identity and authoritative roster,
// and brings up the mesh now that the tie-break ID is known.
func (c *Controller) handleWelcome(env signaling.Envelope) error {
	c.mu.Lock()
	c.selfID = env.UserID
	c.roomID = env.RoomID
	c.roster = make(map[string]room.Member, len(env.Participants))
	for _, m := range env.Participants {
		c.roster[m.ID] = m
	}
	needMesh := c.mesh == nil
	selfID := c.selfID
	c.mu.Unlock()

	if needMesh {
		m, err := c.cfg.NewMesh(MeshParams{
			SelfID:         selfID,
			Signaler:       relaySignaler{relay: c.relay},
			RemoteIsMember: c.isMember,
			MediaActive:    c.isMediaActive,
		})
		if err != nil {
			return fmt.Errorf("create mesh: %w", err)
		}
		c.mu.Lock()
		c.mesh = m
		c.mu.Unlock()
	}

	c.log.Info("joined room", "room", env.RoomID, "user", env.UserID,
		"participants", len(env.Participants))
	if f := c.cfg.Events.Joined; f != nil {
		f(env.RoomID, env.UserID, env.Participants)
	}
	return nil
}

func (c *Controller) handleConnectToPeer(env signaling.Envelope) {
	c.mu.Lock()
	self := c.selfID
	if env.PeerID != self {
		c.upsertLocked(room.Member{ID: env.PeerID, Name: env.PeerName, Type: env.PeerType})
	}
	c.mu.Unlock()
	if env.PeerID == self || env.PeerID == "" {
		return
	}
	m := c.currentMesh()
	if m == nil {
		return
	}
	if err := m.EnsureLink(env.PeerID); err != nil {
		c.log.Error("link setup failed", "peer", env.PeerID, "err", err)
	}
}

// SendChat posts a chat message to the room.
func (c *Controller) SendChat(message string) error {
	if message == "" {
		return fmt.Errorf("empty chat message")
	}
	return c.relay.Send(signaling.Envelope{Type: signaling.TypeChat, Message: message})
}

// ReportEvent posts a proctoring observation, e.g. a focus loss.
func (c *Controller) ReportEvent(event string, details json.RawMessage) error {
	if event == "" {
		return fmt.Errorf("empty event")
	}
	return c.relay.Send(signaling.Envelope{
		Type:    signaling.TypeProctoringEvent,
		Event:   event,
		Details: details,
	})
}

// StartMedia marks local capture active, enabling link rebuilds, and opens
// links to every peer already in the room.
func (c *Controller) StartMedia() {
	c.mu.Lock()
	c.mediaActive = true
	peers := make([]string, 0, len(c.roster))
	for id := range c.roster {
		if id != c.selfID {
			peers = append(peers, id)
		}
	}
	c.mu.Unlock()

	m := c.currentMesh()
	if m == nil {
		return
	}
	for _, id := range peers {
		if err := m.EnsureLink(id); err != nil {
			c.log.Error("link setup failed", "peer", id, "err", err)
		}
	}
}

// StopMedia marks local capture inactive. Existing links stay up but dead
// ones are no longer rebuilt.
func (c *Controller) StopMedia() {
	c.mu.Lock()
	c.mediaActive = false
	c.mu.Unlock()
}

// SetScreenSharing swaps the outgoing video source on every link and tells
// the room about the new sharing state. A nil track keeps the current
// source and only announces the state.
func (c *Controller) SetScreenSharing(active bool, track webrtc.TrackLocal) error {
	if track != nil {
		m := c.currentMesh()
		if m == nil {
			return fmt.Errorf("not joined yet")
		}
		if err := m.ReplaceVideoTrack(track); err != nil {
			return err
		}
	}
	return c.relay.Send(signaling.Envelope{Type: signaling.TypeScreenSharing, Active: &active})
}

// Roster snapshots the current membership view.
func (c *Controller) Roster() []room.Member {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]room.Member, 0, len(c.roster))
	for _, m := range c.roster {
		out = append(out, m)
	}
	return out
}

// SelfID reports the relay-assigned participant ID; empty before welcome.
func (c *Controller) SelfID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selfID
}

func (c *Controller) currentMesh() Mesh {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mesh
}

func (c *Controller) isMember(peerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.roster[peerID]
	return ok
}

func (c *Controller) isMediaActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mediaActive
}

func (c *Controller) replaceOrUpsert(roster []room.Member, peer room.Member) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(roster) > 0 {
		c.setRosterLocked(roster)
		return
	}
	c.upsertLocked(peer)
}

// setRosterLocked adopts a relay-sent membership list wholesale; the relay
// view is authoritative.
func (c *Controller) setRosterLocked(roster []room.Member) {
	if len(roster) == 0 {
		return
	}
	c.roster = make(map[string]room.Member, len(roster))
	for _, m := range roster {
		c.roster[m.ID] = m
	}
}

func (c *Controller) upsertLocked(peer room.Member) {
	if peer.ID == "" {
		return
	}
	c.roster[peer.ID] = peer
}

func memberFromEnvelope(env signaling.Envelope) room.Member {
	return room.Member{ID: env.UserID, Name: env.UserName, Type: env.UserType}
}

// relaySignaler adapts the relay connection to the mesh's signaling needs.
type relaySignaler struct {
	relay Relay
}

func (s relaySignaler) SendOffer(peerID string, sdp webrtc.SessionDescription) error {
	wire := signaling.SDPFromPion(sdp)
	return s.relay.Send(signaling.Envelope{
		Type: signaling.TypeOffer, TargetPeerID: peerID, SDP: &wire,
	})
}

func (s relaySignaler) SendAnswer(peerID string, sdp webrtc.SessionDescription) error {
	wire := signaling.SDPFromPion(sdp)
	return s.relay.Send(signaling.Envelope{
		Type: signaling.TypeAnswer, TargetPeerID: peerID, SDP: &wire,
	})
}

func (s relaySignaler) SendCandidate(peerID string, cand webrtc.ICECandidateInit) error {
	wire := signaling.CandidateFromPion(cand)
	return s.relay.Send(signaling.Envelope{
		Type: signaling.TypeCandidate, TargetPeerID: peerID, Candidate: &wire,
	})
}
