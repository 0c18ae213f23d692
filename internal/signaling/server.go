// Package signaling implements the relay that coordinates proctoring rooms:
// the HTTP room API, the WebSocket join protocol, room-wide event fan-out and
// point-to-point forwarding of negotiation envelopes.
package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/vigil-proctor/vigil/internal/httpserver"
	"github.com/vigil-proctor/vigil/internal/metrics"
	"github.com/vigil-proctor/vigil/internal/room"
	"github.com/vigil-proctor/vigil/internal/turnrest"
)

// Close reasons sent with code 1008 when a join is rejected.
const (
	closeReasonRoomRequired = "Room ID required"
	closeReasonRoomNotFound = "Room not found. Please create room first."
	closeReasonProctorTaken = "Room already has a proctor"
	closeReasonRoomFull     = "Room is full"
	closeReasonDuplicateID  = "User ID already in room"
)

// Config wires together the runtime dependencies for the relay.
type Config struct {
	Registry *room.Registry
	Metrics  *metrics.Metrics

	// TURNREST issues ephemeral TURN credentials on /webrtc/ice when set.
	TURNREST   *turnrest.Generator
	ICEServers []webrtc.ICEServer

	// PublicBaseURL is used to build candidate invite links. Empty means
	// links are relative.
	PublicBaseURL  string
	AllowedOrigins []string

	// WrapAPI guards the JSON API endpoints (typically the httpserver origin
	// policy). Nil means no wrapping.
	WrapAPI func(http.HandlerFunc) http.HandlerFunc

	JoinSettleDelay   time.Duration
	ProctorLeaveGrace time.Duration
	RoomSweepInterval time.Duration
	RoomMaxIdleAge    time.Duration

	WSIdleTimeout     time.Duration
	WSPingInterval    time.Duration
	MaxMessageBytes   int64
	MaxMessagesPerSec int
}

// Server is the signaling relay. It owns the per-room connection table; room
// membership itself lives in the registry.
type Server struct {
	log *slog.Logger
	cfg Config

	registry *room.Registry
	metrics  *metrics.Metrics

	upgrader websocket.Upgrader

	// conns maps roomID -> participantID -> live connection. Guarded by the
	// client table lock in table.go.
	conns *connTable
}

func NewServer(cfg Config, logger *slog.Logger) *Server {
	s := &Server{
		log:      logger,
		cfg:      cfg,
		registry: cfg.Registry,
		metrics:  cfg.Metrics,
		conns:    newConnTable(),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return httpserver.RequestOriginAllowed(r, cfg.AllowedOrigins)
		},
	}
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	wrap := s.cfg.WrapAPI
	if wrap == nil {
		wrap = func(h http.HandlerFunc) http.HandlerFunc { return h }
	}

	mux.HandleFunc("GET /api/create-room", wrap(s.handleCreateRoom))
	mux.HandleFunc("GET /api/rooms/{roomId}", wrap(s.handleRoomLookup))
	mux.HandleFunc("GET /api/validate-room/{roomId}", wrap(s.handleValidateRoom))
	mux.HandleFunc("GET /webrtc/ice", wrap(s.handleICEServers))
	mux.HandleFunc("GET /ws", s.handleWebSocket)
}

// Run drives the periodic sweep of long-idle empty rooms until ctx is done.
func (s *Server) Run(ctx context.Context) {
	if s.cfg.RoomSweepInterval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(s.cfg.RoomSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := s.registry.Sweep(s.cfg.RoomMaxIdleAge); removed > 0 {
				s.log.Info("swept idle rooms", "removed", removed)
				for i := 0; i < removed; i++ {
					s.metrics.Inc(metrics.RoomSwept)
				}
			}
		}
	}
}

// Close tears down every live connection. Intended for shutdown.
func (s *Server) Close() {
	for _, c := range s.conns.all() {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		c.close()
	}
}

func now() int64 {
	return time.Now().UnixMilli()
}

// handleCreateRoom mints a room on behalf of a proctor-to-be. The proctor's
// transport joins separately via /ws.
func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		userID = room.NewParticipantID()
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		name = room.DefaultDisplayName(room.RoleProctor, userID)
	}

	sum, err := s.registry.CreateRoom(name)
	if err != nil {
		s.log.Error("create room failed", "err", err)
		httpserver.WriteJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   "could not create room",
		})
		return
	}
	s.metrics.Inc(metrics.RoomCreated)
	s.log.Info("room created", "room", sum.RoomID, "proctor", name)

	httpserver.WriteJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"roomId":          sum.RoomID,
		"userId":          userID,
		"userName":        name,
		"link":            fmt.Sprintf("%s/?room=%s", s.cfg.PublicBaseURL, sum.RoomID),
		"message":         "Share this room ID with candidates",
		"maxParticipants": sum.MaxParticipants,
	})
}

func (s *Server) handleRoomLookup(w http.ResponseWriter, r *http.Request) {
	sum, err := s.registry.Lookup(r.PathValue("roomId"))
	if err != nil {
		httpserver.WriteJSON(w, http.StatusNotFound, map[string]any{
			"success": false,
			"error":   "Room not found",
		})
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"roomId":           sum.RoomID,
		"createdAt":        sum.CreatedAt,
		"proctor":          sum.Proctor,
		"participants":     sum.Participants,
		"participantCount": len(sum.Participants),
		"maxParticipants":  sum.MaxParticipants,
	})
}

func (s *Server) handleValidateRoom(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomId")
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"roomId":  roomID,
		"exists":  s.registry.Exists(roomID),
	})
}

// handleICEServers hands clients the STUN/TURN list, with per-request
// ephemeral TURN credentials when a REST secret is configured.
func (s *Server) handleICEServers(w http.ResponseWriter, r *http.Request) {
	servers := s.cfg.ICEServers
	if s.cfg.TURNREST != nil {
		creds, err := s.credentialsFor(r)
		if err != nil {
			s.log.Error("turn rest credential generation failed", "err", err)
			httpserver.WriteJSON(w, http.StatusInternalServerError, map[string]any{
				"error": "could not issue TURN credentials",
			})
			return
		}
		servers = withTURNRESTCredentials(servers, creds.Username, creds.Credential)
	}
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"iceServers": servers})
}

func (s *Server) credentialsFor(r *http.Request) (turnrest.Credentials, error) {
	if userID := r.URL.Query().Get("userId"); userID != "" {
		return s.cfg.TURNREST.Generate(userID)
	}
	return s.cfg.TURNREST.GenerateRandom()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	roomID := q.Get("room")
	userID := q.Get("userId")
	if userID == "" {
		userID = room.NewParticipantID()
	}
	role := room.RoleCandidate
	if got, ok := room.ParseRole(q.Get("type")); ok {
		role = got
	}
	name := q.Get("name")
	if name == "" {
		name = room.DefaultDisplayName(role, userID)
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	// Join rejections happen after the upgrade so the client observes a
	// proper close code and reason.
	if roomID == "" {
		rejectJoin(conn, closeReasonRoomRequired)
		return
	}

	p := room.Participant{ID: userID, Name: name, Role: role}
	res, err := s.registry.Join(roomID, p)
	if err != nil {
		s.rejectJoinError(conn, roomID, p, err)
		return
	}

	c := newClient(s, conn, roomID, res.Joined)
	s.conns.put(roomID, userID, c)
	s.metrics.Inc(metrics.ParticipantJoined)
	s.log.Info("participant joined",
		"room", roomID, "user", userID, "role", string(role), "name", name)

	s.sendWelcome(c, res)
	s.broadcastJoin(c, res)
	s.scheduleConnectFanOut(c, res.Others)

	c.run()
}
