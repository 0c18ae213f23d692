package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/vigil-proctor/vigil/internal/config"
	"github.com/vigil-proctor/vigil/internal/media"
	"github.com/vigil-proctor/vigil/internal/mesh"
	"github.com/vigil-proctor/vigil/internal/room"
	"github.com/vigil-proctor/vigil/internal/session"
)

func main() {
	cfg, err := config.LoadAgent(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewAgentLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting vigil-agent",
		"server_url", cfg.ServerURL,
		"role", cfg.Role,
		"room", cfg.RoomID,
		"max_link_attempts", cfg.MaxLinkAttempts,
		"ice_servers", len(cfg.ICEServers),
	)

	engine, err := media.NewEngine(cfg, logger)
	if err != nil {
		logger.Error("failed to configure media engine", "err", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A proctor without a room mints one first; candidates must be handed
	// an existing code.
	roomID := cfg.RoomID
	if roomID == "" {
		created, err := createRoom(ctx, cfg)
		if err != nil {
			logger.Error("failed to create room", "err", err)
			os.Exit(1)
		}
		roomID = created.RoomID
		logger.Info("room created", "room", created.RoomID, "link", created.Link)
	}

	tr, err := session.Dial(ctx, session.DialConfig{
		ServerURL: cfg.ServerURL,
		RoomID:    roomID,
		UserID:    cfg.UserID,
		Role:      cfg.Role,
		Name:      cfg.DisplayName,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("failed to reach signaling relay", "err", err)
		os.Exit(1)
	}

	ctrl, err := session.New(session.Config{
		Relay:  tr,
		Logger: logger,
		NewMesh: func(p session.MeshParams) (session.Mesh, error) {
			return mesh.NewOrchestrator(mesh.Config{
				SelfID:         p.SelfID,
				Engine:         engine,
				Signaler:       p.Signaler,
				RemoteIsMember: p.RemoteIsMember,
				MediaActive:    p.MediaActive,
				MaxAttempts:    cfg.MaxLinkAttempts,
				Logger:         logger,
				Sink:           logSink{log: logger},
			})
		},
		Events: session.Events{
			Joined: func(roomID, userID string, roster []room.Member) {
				logger.Info("session joined", "room", roomID, "user", userID, "participants", len(roster))
			},
			PeerJoined: func(peer room.Member) {
				logger.Info("peer joined", "peer", peer.ID, "name", peer.Name, "type", peer.Type)
			},
			PeerLeft: func(peer room.Member) {
				logger.Info("peer left", "peer", peer.ID, "name", peer.Name)
			},
			Chat: func(senderID, senderName, message string, at time.Time) {
				logger.Info("chat", "from", senderName, "sender", senderID, "message", message, "at", at)
			},
			ScreenSharing: func(userID string, active bool) {
				logger.Info("screen sharing", "user", userID, "active", active)
			},
			ProctoringEvent: func(senderID, event string, details json.RawMessage) {
				logger.Warn("proctoring event", "sender", senderID, "event", event, "details", string(details))
			},
			ProctorLeft: func(message string) {
				logger.Warn("proctor left", "message", message)
			},
		},
	})
	if err != nil {
		logger.Error("failed to build session controller", "err", err)
		os.Exit(2)
	}

	ctrl.StartMedia()

	switch err := ctrl.Run(ctx); {
	case err == nil, errors.Is(err, context.Canceled):
		logger.Info("session ended")
	case errors.Is(err, session.ErrProctorGone):
		logger.Info("session ended by proctor departure")
	default:
		var ce *session.CloseError
		if errors.As(err, &ce) {
			logger.Error("relay rejected session", "code", ce.Code, "reason", ce.Reason)
		} else {
			logger.Error("session failed", "err", err)
		}
		os.Exit(1)
	}
}

// logSink reports link lifecycle into the agent log.
type logSink struct {
	log *slog.Logger
}

func (s logSink) LinkStateChanged(peerID string, state mesh.LinkState) {
	s.log.Debug("link state", "peer", peerID, "state", string(state))
}

func (s logSink) LinkFailed(peerID string) {
	s.log.Error("link failed permanently", "peer", peerID)
}

type createRoomResponse struct {
	Success         bool   `json:"success"`
	RoomID          string `json:"roomId"`
	UserID          string `json:"userId"`
	UserName        string `json:"userName"`
	Link            string `json:"link"`
	Message         string `json:"message"`
	MaxParticipants int    `json:"maxParticipants"`
}

func createRoom(ctx context.Context, cfg config.AgentConfig) (createRoomResponse, error) {
	base, err := apiBaseURL(cfg.ServerURL)
	if err != nil {
		return createRoomResponse{}, err
	}
	q := url.Values{}
	if cfg.UserID != "" {
		q.Set("userId", cfg.UserID)
	}
	if cfg.DisplayName != "" {
		q.Set("name", cfg.DisplayName)
	}
	reqURL := base + "/api/create-room"
	if len(q) > 0 {
		reqURL += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return createRoomResponse{}, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return createRoomResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return createRoomResponse{}, fmt.Errorf("create-room: unexpected status %s", resp.Status)
	}
	var out createRoomResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return createRoomResponse{}, fmt.Errorf("create-room: decode response: %w", err)
	}
	if !out.Success || out.RoomID == "" {
		return createRoomResponse{}, fmt.Errorf("create-room failed: %s", out.Message)
	}
	return out, nil
}

// apiBaseURL normalizes the configured server URL to its http(s) form for
// the room API; the websocket transport does the ws(s) conversion itself.
func apiBaseURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server URL: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported server URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String(), nil
}
