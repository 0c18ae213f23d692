package signaling

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vigil-proctor/vigil/internal/metrics"
	"github.com/vigil-proctor/vigil/internal/room"
)

const testTimeout = 3 * time.Second

type relayFixture struct {
	srv      *Server
	registry *room.Registry
	http     *httptest.Server
}

func startRelay(t *testing.T, maxCandidates int) *relayFixture {
	return startRelayWithSettle(t, maxCandidates, 10*time.Millisecond)
}

func startRelayWithSettle(t *testing.T, maxCandidates int, settle time.Duration) *relayFixture {
	t.Helper()

	registry := room.NewRegistry(room.RegistryConfig{MaxCandidates: maxCandidates})
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	srv := NewServer(Config{
		Registry: registry,
		Metrics:  metrics.New(),

		JoinSettleDelay:   settle,
		ProctorLeaveGrace: 150 * time.Millisecond,
		RoomSweepInterval: time.Hour,
		RoomMaxIdleAge:    time.Hour,

		WSIdleTimeout:     10 * time.Second,
		WSPingInterval:    time.Second,
		MaxMessageBytes:   64 * 1024,
		MaxMessagesPerSec: 1000,
	}, log)

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	hs := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		hs.Close()
	})

	return &relayFixture{srv: srv, registry: registry, http: hs}
}

func (f *relayFixture) wsURL(query string) string {
	return "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws?" + query
}

func (f *relayFixture) createRoom(t *testing.T) string {
	t.Helper()
	resp, err := http.Get(f.http.URL + "/api/create-room?name=Proctor")
	if err != nil {
		t.Fatalf("create-room: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Success bool   `json:"success"`
		RoomID  string `json:"roomId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode create-room response: %v", err)
	}
	if !body.Success || body.RoomID == "" {
		t.Fatalf("create-room response = %+v", body)
	}
	return body.RoomID
}

func dial(t *testing.T, f *relayFixture, query string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL(query), nil)
	if err != nil {
		t.Fatalf("dial %s: %v", query, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(testTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	env, err := ParseEnvelope(data)
	if err != nil {
		t.Fatalf("parse %s: %v", data, err)
	}
	return env
}

// readUntil drains envelopes until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, want EnvelopeType) Envelope {
	t.Helper()
	for i := 0; i < 10; i++ {
		env := readEnvelope(t, conn)
		if env.Type == want {
			return env
		}
	}
	t.Fatalf("no %q envelope within 10 messages", want)
	return Envelope{}
}

func expectClose(t *testing.T, conn *websocket.Conn, wantCode int, wantReason string) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(testTimeout))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("read err = %v, want close error", err)
	}
	if closeErr.Code != wantCode || closeErr.Text != wantReason {
		t.Fatalf("close = (%d, %q), want (%d, %q)", closeErr.Code, closeErr.Text, wantCode, wantReason)
	}
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, env Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(testTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestJoinFlow_WelcomeAndConnectFanOut(t *testing.T) {
	f := startRelay(t, 10)
	roomID := f.createRoom(t)

	proctor := dial(t, f, "room="+roomID+"&userId=user_p&type=proctor&name=Proctor")
	welcome := readEnvelope(t, proctor)
	if welcome.Type != TypeWelcome || welcome.UserID != "user_p" || welcome.RoomID != roomID {
		t.Fatalf("welcome = %+v", welcome)
	}
	// The joiner appears in its own welcome exactly once.
	self := 0
	for _, m := range welcome.Participants {
		if m.ID == "user_p" {
			self++
		}
	}
	if self != 1 {
		t.Fatalf("welcome lists joiner %d times, want 1", self)
	}

	candidate := dial(t, f, "room="+roomID+"&userId=user_c&type=candidate&name=Alice")
	candWelcome := readEnvelope(t, candidate)
	if candWelcome.Type != TypeWelcome || candWelcome.ParticipantCount != 2 {
		t.Fatalf("candidate welcome = %+v", candWelcome)
	}

	joined := readEnvelope(t, proctor)
	if joined.Type != TypeUserJoined || joined.UserID != "user_c" || joined.UserName != "Alice" {
		t.Fatalf("user-joined = %+v", joined)
	}

	// Symmetric fan-out after the settle delay.
	connectAtProctor := readUntil(t, proctor, TypeConnectToPeer)
	if connectAtProctor.PeerID != "user_c" {
		t.Fatalf("proctor connect-to-peer = %+v", connectAtProctor)
	}
	connectAtCandidate := readUntil(t, candidate, TypeConnectToPeer)
	if connectAtCandidate.PeerID != "user_p" || connectAtCandidate.PeerType != "proctor" {
		t.Fatalf("candidate connect-to-peer = %+v", connectAtCandidate)
	}
}

func TestConnectFanOut_SkipsMembersGoneBeforeSettle(t *testing.T) {
	f := startRelayWithSettle(t, 10, 200*time.Millisecond)
	roomID := f.createRoom(t)

	proctor := dial(t, f, "room="+roomID+"&userId=user_p&type=proctor&name=Proctor")
	readEnvelope(t, proctor)
	candidate := dial(t, f, "room="+roomID+"&userId=user_c&name=Alice")
	readEnvelope(t, candidate)

	// The proctor drops out inside the settle window.
	proctor.Close()
	waitFor(t, func() bool {
		_, ok := f.registry.Participant(roomID, "user_p")
		return !ok
	})

	// Let the fan-out fire, then fence with a ping: everything queued for
	// the candidate sits before the pong, and none of it may name the
	// departed proctor as a peer.
	time.Sleep(300 * time.Millisecond)
	sendEnvelope(t, candidate, Envelope{Type: TypePing})
	sawUserLeft := false
	for i := 0; i < 10; i++ {
		env := readEnvelope(t, candidate)
		switch env.Type {
		case TypeConnectToPeer:
			if env.PeerID == "user_p" {
				t.Fatalf("connect-to-peer names departed member: %+v", env)
			}
		case TypeUserLeft:
			sawUserLeft = true
		case TypePong:
			if !sawUserLeft {
				t.Fatalf("no user-left for the departed proctor")
			}
			return
		}
	}
	t.Fatalf("no pong received")
}

func TestJoin_MissingRoomID(t *testing.T) {
	f := startRelay(t, 10)
	conn := dial(t, f, "userId=user_a")
	expectClose(t, conn, websocket.ClosePolicyViolation, closeReasonRoomRequired)
}

func TestJoin_UnknownRoom(t *testing.T) {
	f := startRelay(t, 10)
	conn := dial(t, f, "room=NOSUCH&userId=user_a")
	expectClose(t, conn, websocket.ClosePolicyViolation, closeReasonRoomNotFound)
}

func TestJoin_SecondProctorRejected(t *testing.T) {
	f := startRelay(t, 10)
	roomID := f.createRoom(t)

	first := dial(t, f, "room="+roomID+"&userId=user_p1&type=proctor")
	readEnvelope(t, first) // welcome

	second := dial(t, f, "room="+roomID+"&userId=user_p2&type=proctor")
	expectClose(t, second, websocket.ClosePolicyViolation, closeReasonProctorTaken)
}

func TestJoin_RoomFullThenSlotFrees(t *testing.T) {
	f := startRelay(t, 1)
	roomID := f.createRoom(t)

	c1 := dial(t, f, "room="+roomID+"&userId=user_c1")
	readEnvelope(t, c1) // welcome

	c2 := dial(t, f, "room="+roomID+"&userId=user_c2")
	expectClose(t, c2, websocket.ClosePolicyViolation, closeReasonRoomFull)

	c1.Close()
	waitFor(t, func() bool {
		sum, err := f.registry.Lookup(roomID)
		return err == nil && len(sum.Participants) == 0
	})

	c3 := dial(t, f, "room="+roomID+"&userId=user_c3")
	if env := readEnvelope(t, c3); env.Type != TypeWelcome {
		t.Fatalf("expected welcome after slot freed, got %+v", env)
	}
}

func TestForward_StampsSenderIdentity(t *testing.T) {
	f := startRelay(t, 10)
	roomID := f.createRoom(t)

	proctor := dial(t, f, "room="+roomID+"&userId=user_p&type=proctor&name=Proctor")
	readEnvelope(t, proctor) // welcome
	candidate := dial(t, f, "room="+roomID+"&userId=user_c&name=Alice")
	readEnvelope(t, candidate) // welcome

	sendEnvelope(t, candidate, Envelope{
		Type:         TypeOffer,
		TargetPeerID: "user_p",
		SDP:          &SDP{Type: "offer", SDP: "v=0"},
	})

	offer := readUntil(t, proctor, TypeOffer)
	if offer.SenderID != "user_c" || offer.SenderName != "Alice" || offer.SenderType != "candidate" {
		t.Fatalf("forwarded offer sender = (%q, %q, %q)", offer.SenderID, offer.SenderName, offer.SenderType)
	}
	if offer.SDP == nil || offer.SDP.SDP != "v=0" {
		t.Fatalf("forwarded offer payload altered: %+v", offer.SDP)
	}
}

func TestForward_UnknownTargetIsSilentDrop(t *testing.T) {
	f := startRelay(t, 10)
	roomID := f.createRoom(t)

	conn := dial(t, f, "room="+roomID+"&userId=user_a")
	readEnvelope(t, conn) // welcome

	sendEnvelope(t, conn, Envelope{
		Type:         TypeOffer,
		TargetPeerID: "user_ghost",
		SDP:          &SDP{Type: "offer", SDP: "v=0"},
	})

	// The connection survives; a ping still gets its pong.
	sendEnvelope(t, conn, Envelope{Type: TypePing})
	if env := readUntil(t, conn, TypePong); env.Type != TypePong {
		t.Fatalf("expected pong, got %+v", env)
	}
}

func TestMalformedEnvelopeDroppedConnectionStaysOpen(t *testing.T) {
	f := startRelay(t, 10)
	roomID := f.createRoom(t)

	conn := dial(t, f, "room="+roomID+"&userId=user_a")
	readEnvelope(t, conn) // welcome

	_ = conn.SetWriteDeadline(time.Now().Add(testTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	sendEnvelope(t, conn, Envelope{Type: TypePing})
	if env := readUntil(t, conn, TypePong); env.Type != TypePong {
		t.Fatalf("expected pong after malformed frame, got %+v", env)
	}
}

func TestChatBroadcast_ExcludesSender(t *testing.T) {
	f := startRelay(t, 10)
	roomID := f.createRoom(t)

	proctor := dial(t, f, "room="+roomID+"&userId=user_p&type=proctor")
	readEnvelope(t, proctor)
	candidate := dial(t, f, "room="+roomID+"&userId=user_c&name=Alice")
	readEnvelope(t, candidate)

	sendEnvelope(t, candidate, Envelope{Type: TypeChat, Message: "hello"})

	chat := readUntil(t, proctor, TypeChat)
	if chat.SenderID != "user_c" || chat.SenderName != "Alice" || chat.Message != "hello" {
		t.Fatalf("chat = %+v", chat)
	}

	// The sender must not get its own chat back; a ping/pong round trip
	// proves nothing else is queued for it beyond fan-out traffic.
	sendEnvelope(t, candidate, Envelope{Type: TypePing})
	for i := 0; i < 10; i++ {
		env := readEnvelope(t, candidate)
		if env.Type == TypeChat {
			t.Fatalf("sender received its own chat: %+v", env)
		}
		if env.Type == TypePong {
			return
		}
	}
	t.Fatalf("no pong received")
}

func TestScreenSharingBroadcast(t *testing.T) {
	f := startRelay(t, 10)
	roomID := f.createRoom(t)

	proctor := dial(t, f, "room="+roomID+"&userId=user_p&type=proctor")
	readEnvelope(t, proctor)
	candidate := dial(t, f, "room="+roomID+"&userId=user_c&name=Alice")
	readEnvelope(t, candidate)

	active := true
	sendEnvelope(t, candidate, Envelope{Type: TypeScreenSharing, Active: &active})

	sharing := readUntil(t, proctor, TypeScreenSharing)
	if sharing.UserID != "user_c" || sharing.Active == nil || !*sharing.Active {
		t.Fatalf("screen-sharing = %+v", sharing)
	}

	waitFor(t, func() bool {
		p, ok := f.registry.Participant(roomID, "user_c")
		return ok && p.ScreenSharing
	})
}

func TestProctoringEventBroadcast(t *testing.T) {
	f := startRelay(t, 10)
	roomID := f.createRoom(t)

	proctor := dial(t, f, "room="+roomID+"&userId=user_p&type=proctor")
	readEnvelope(t, proctor)
	candidate := dial(t, f, "room="+roomID+"&userId=user_c")
	readEnvelope(t, candidate)

	sendEnvelope(t, candidate, Envelope{
		Type:    TypeProctoringEvent,
		Event:   "tab-switch",
		Details: json.RawMessage(`{"count":3}`),
	})

	ev := readUntil(t, proctor, TypeProctoringEvent)
	if ev.Event != "tab-switch" || ev.SenderID != "user_c" {
		t.Fatalf("proctoring-event = %+v", ev)
	}
}

func TestUserLeftBroadcast(t *testing.T) {
	f := startRelay(t, 10)
	roomID := f.createRoom(t)

	proctor := dial(t, f, "room="+roomID+"&userId=user_p&type=proctor")
	readEnvelope(t, proctor)
	candidate := dial(t, f, "room="+roomID+"&userId=user_c&name=Alice")
	readEnvelope(t, candidate)

	candidate.Close()

	left := readUntil(t, proctor, TypeUserLeft)
	if left.UserID != "user_c" || left.ParticipantCount != 1 {
		t.Fatalf("user-left = %+v", left)
	}
	if !f.registry.Exists(roomID) {
		t.Fatalf("room must persist while the proctor remains")
	}
}

func TestProctorLeft_GraceCleanup(t *testing.T) {
	f := startRelay(t, 10)
	roomID := f.createRoom(t)

	proctor := dial(t, f, "room="+roomID+"&userId=user_p&type=proctor")
	readEnvelope(t, proctor)
	candidate := dial(t, f, "room="+roomID+"&userId=user_c")
	readEnvelope(t, candidate)

	proctor.Close()

	if env := readUntil(t, candidate, TypeProctorLeft); env.Type != TypeProctorLeft {
		t.Fatalf("expected proctor-left, got %+v", env)
	}

	// The grace window elapses with the candidate still connected: the room
	// must not be destroyed while it has members.
	time.Sleep(300 * time.Millisecond)
	if !f.registry.Exists(roomID) {
		t.Fatalf("room deleted while a candidate was still in it")
	}

	// The candidate leaves too; the re-armed grace timer then deletes it.
	candidate.Close()
	waitFor(t, func() bool { return !f.registry.Exists(roomID) })
}

func TestProctorLeft_RejoinWithinGraceKeepsRoom(t *testing.T) {
	f := startRelay(t, 10)
	roomID := f.createRoom(t)

	proctor := dial(t, f, "room="+roomID+"&userId=user_p&type=proctor")
	readEnvelope(t, proctor)
	proctor.Close()

	waitFor(t, func() bool {
		sum, err := f.registry.Lookup(roomID)
		return err == nil && len(sum.Participants) == 0
	})

	// Rejoin well inside the 150ms test grace window.
	again := dial(t, f, "room="+roomID+"&userId=user_p&type=proctor")
	readEnvelope(t, again)

	time.Sleep(300 * time.Millisecond)
	if !f.registry.Exists(roomID) {
		t.Fatalf("room deleted despite proctor rejoin within grace period")
	}
}

func TestRoomLookupAndValidateEndpoints(t *testing.T) {
	f := startRelay(t, 10)
	roomID := f.createRoom(t)

	t.Run("lookup known", func(t *testing.T) {
		resp, err := http.Get(f.http.URL + "/api/rooms/" + roomID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		var body struct {
			Success         bool `json:"success"`
			MaxParticipants int  `json:"maxParticipants"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !body.Success || body.MaxParticipants != 11 {
			t.Fatalf("body = %+v", body)
		}
	})

	t.Run("lookup unknown", func(t *testing.T) {
		resp, err := http.Get(f.http.URL + "/api/rooms/NOSUCH")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", resp.StatusCode)
		}
	})

	t.Run("validate", func(t *testing.T) {
		resp, err := http.Get(f.http.URL + "/api/validate-room/" + roomID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		var body struct {
			Exists bool `json:"exists"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !body.Exists {
			t.Fatalf("expected exists=true")
		}
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", testTimeout)
}
