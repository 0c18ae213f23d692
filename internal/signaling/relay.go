package signaling

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vigil-proctor/vigil/internal/metrics"
	"github.com/vigil-proctor/vigil/internal/room"
)

func (s *Server) rejectJoinError(conn *websocket.Conn, roomID string, p room.Participant, err error) {
	reason := closeReasonRoomNotFound
	switch {
	case errors.Is(err, room.ErrRoomNotFound):
		reason = closeReasonRoomNotFound
		s.metrics.Inc(metrics.JoinRejectedNotFound)
	case errors.Is(err, room.ErrProctorConflict):
		reason = closeReasonProctorTaken
		s.metrics.Inc(metrics.JoinRejectedProctor)
	case errors.Is(err, room.ErrRoomFull):
		reason = closeReasonRoomFull
		s.metrics.Inc(metrics.JoinRejectedFull)
	case errors.Is(err, room.ErrDuplicateID):
		reason = closeReasonDuplicateID
	}
	s.log.Info("join rejected",
		"room", roomID, "user", p.ID, "role", string(p.Role), "reason", reason)
	rejectJoin(conn, reason)
}

// sendWelcome hands the joiner its identity plus the full membership view,
// including itself, so the client can self-identify.
func (s *Server) sendWelcome(c *client, res room.JoinResult) {
	sum, err := s.registry.Lookup(c.roomID)
	if err != nil {
		return
	}
	members := append(room.MembersOf(res.Others), room.MembersOf([]room.Participant{res.Joined})...)
	_ = c.send(Envelope{
		Type:             TypeWelcome,
		UserID:           c.self.ID,
		UserName:         c.self.Name,
		UserType:         string(c.self.Role),
		RoomID:           c.roomID,
		Participants:     members,
		ParticipantCount: len(members),
		MaxParticipants:  sum.MaxParticipants,
		Proctor:          sum.Proctor,
		Timestamp:        now(),
	})
}

func (s *Server) broadcastJoin(c *client, res room.JoinResult) {
	members := append(room.MembersOf(res.Others), room.MembersOf([]room.Participant{res.Joined})...)
	s.broadcastToOthers(c.roomID, c.self.ID, Envelope{
		Type:             TypeUserJoined,
		UserID:           c.self.ID,
		UserName:         c.self.Name,
		UserType:         string(c.self.Role),
		Participants:     members,
		ParticipantCount: len(members),
		Timestamp:        now(),
	})
}

// scheduleConnectFanOut arms the symmetric connect-to-peer fan-out after the
// settle delay: each existing member is told about the joiner, and the joiner
// is told about each existing member. Either side of a pair may then initiate
// negotiation; the client layer breaks the tie.
func (s *Server) scheduleConnectFanOut(c *client, others []room.Participant) {
	if len(others) == 0 {
		return
	}
	fan := func() {
		// The joiner may already be gone; fan out only while its
		// connection is still the registered one.
		if cur, ok := s.conns.get(c.roomID, c.self.ID); !ok || cur != c {
			return
		}
		ts := now()
		for _, other := range others {
			// Membership is re-checked at fire time: a member that left
			// during the settle delay was already announced via user-left
			// and must not be handed to the joiner as a peer.
			peer, ok := s.conns.get(c.roomID, other.ID)
			if !ok {
				continue
			}
			_ = peer.send(Envelope{
				Type:      TypeConnectToPeer,
				PeerID:    c.self.ID,
				PeerName:  c.self.Name,
				PeerType:  string(c.self.Role),
				Timestamp: ts,
			})
			_ = c.send(Envelope{
				Type:      TypeConnectToPeer,
				PeerID:    other.ID,
				PeerName:  other.Name,
				PeerType:  string(other.Role),
				Timestamp: ts,
			})
		}
	}
	if s.cfg.JoinSettleDelay <= 0 {
		fan()
		return
	}
	time.AfterFunc(s.cfg.JoinSettleDelay, fan)
}

// dispatch routes one inbound envelope from an established connection.
func (s *Server) dispatch(c *client, env Envelope) {
	switch env.Type {
	case TypePing:
		_ = c.send(Envelope{Type: TypePong, Timestamp: now()})

	case TypeOffer, TypeAnswer, TypeCandidate:
		s.forward(c, env)

	case TypeChat:
		s.broadcastToOthers(c.roomID, c.self.ID, Envelope{
			Type:       TypeChat,
			SenderID:   c.self.ID,
			SenderName: c.self.Name,
			SenderType: string(c.self.Role),
			Message:    env.Message,
			Timestamp:  now(),
		})
		s.metrics.Inc(metrics.EnvelopeBroadcast)

	case TypeScreenSharing:
		active := env.Active != nil && *env.Active
		s.registry.SetScreenSharing(c.roomID, c.self.ID, active)
		s.broadcastToOthers(c.roomID, c.self.ID, Envelope{
			Type:      TypeScreenSharing,
			UserID:    c.self.ID,
			UserName:  c.self.Name,
			Active:    &active,
			Timestamp: now(),
		})
		s.metrics.Inc(metrics.EnvelopeBroadcast)

	case TypeProctoringEvent:
		s.broadcastToOthers(c.roomID, c.self.ID, Envelope{
			Type:       TypeProctoringEvent,
			SenderID:   c.self.ID,
			SenderName: c.self.Name,
			SenderType: string(c.self.Role),
			Event:      env.Event,
			Details:    env.Details,
			Timestamp:  now(),
		})
		s.metrics.Inc(metrics.EnvelopeBroadcast)

	case TypeWelcome, TypeUserJoined, TypeUserLeft, TypeConnectToPeer, TypeProctorLeft, TypePong:
		// Relay-authored kinds are not accepted from clients.
		s.srvDropEnvelope(c, env, "relay-authored type from client")
	}
}

// forward stamps sender identity onto a negotiation envelope and delivers it
// to the addressed peer. Unknown or disconnected targets are a silent drop.
func (s *Server) forward(c *client, env Envelope) {
	env.SenderID = c.self.ID
	env.SenderName = c.self.Name
	env.SenderType = string(c.self.Role)

	target, ok := s.conns.get(c.roomID, env.TargetPeerID)
	if !ok {
		s.metrics.Inc(metrics.DropUnknownTarget)
		s.log.Debug("dropping envelope for unknown target",
			"room", c.roomID, "from", c.self.ID, "target", env.TargetPeerID, "type", string(env.Type))
		return
	}
	if err := target.send(env); err != nil {
		s.metrics.Inc(metrics.DropUnknownTarget)
		s.log.Debug("forward failed",
			"room", c.roomID, "from", c.self.ID, "target", env.TargetPeerID, "err", err)
		return
	}
	s.metrics.Inc(metrics.EnvelopeForwarded)
}

// broadcastToOthers delivers the envelope to every room member except the
// sender. Broadcasts are best-effort and not transactional.
func (s *Server) broadcastToOthers(roomID, exceptUserID string, env Envelope) {
	for _, peer := range s.conns.peersExcept(roomID, exceptUserID) {
		_ = peer.send(env)
	}
}

func (s *Server) srvDropEnvelope(c *client, env Envelope, why string) {
	s.metrics.Inc(metrics.DropMalformed)
	s.log.Warn("dropping envelope", "room", c.roomID, "user", c.self.ID,
		"type", string(env.Type), "why", why)
}

// handleLeave processes a departed connection: registry removal, user-left
// broadcast and, for proctors, the proctor-left notice plus the grace-period
// room cleanup.
func (s *Server) handleLeave(c *client) {
	if !s.conns.remove(c.roomID, c.self.ID, c) {
		return
	}
	res, ok := s.registry.Leave(c.roomID, c.self.ID)
	if !ok {
		return
	}
	s.metrics.Inc(metrics.ParticipantLeft)
	s.log.Info("participant left",
		"room", c.roomID, "user", c.self.ID, "proctor", res.WasProctor)

	s.broadcastToOthers(c.roomID, c.self.ID, Envelope{
		Type:             TypeUserLeft,
		UserID:           res.Left.ID,
		UserName:         res.Left.Name,
		UserType:         string(res.Left.Role),
		Participants:     room.MembersOf(res.Remaining),
		ParticipantCount: len(res.Remaining),
		Timestamp:        now(),
	})

	if !res.WasProctor {
		// A proctor-less room is only torn down once it empties; the grace
		// timer armed at the proctor's departure may have fired while
		// candidates were still here, so re-arm it for the last one out.
		if res.ProctorGone && len(res.Remaining) == 0 {
			s.scheduleGraceCleanup(c.roomID, res.ProctorEpoch)
		}
		return
	}
	s.broadcastToOthers(c.roomID, c.self.ID, Envelope{
		Type:      TypeProctorLeft,
		Message:   "The proctor has left the session",
		Timestamp: now(),
	})
	s.scheduleGraceCleanup(c.roomID, res.ProctorEpoch)
}

func (s *Server) scheduleGraceCleanup(roomID string, epoch uint64) {
	time.AfterFunc(s.cfg.ProctorLeaveGrace, func() {
		if s.registry.DeleteIfProctorStillGone(roomID, epoch) {
			s.metrics.Inc(metrics.RoomSwept)
			s.log.Info("room deleted after proctor grace period", "room", roomID)
		}
	})
}
