package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vigil-proctor/vigil/internal/room"
	"github.com/vigil-proctor/vigil/internal/signaling"
)

func TestSignalingURL(t *testing.T) {
	cases := []struct {
		name    string
		cfg     DialConfig
		want    string
		wantErr bool
	}{
		{
			name: "http becomes ws",
			cfg:  DialConfig{ServerURL: "http://relay.example:8080", RoomID: "AB12CD", UserID: "user_1", Role: "candidate", Name: "Kim"},
			want: "ws://relay.example:8080/ws",
		},
		{
			name: "https becomes wss",
			cfg:  DialConfig{ServerURL: "https://relay.example", RoomID: "AB12CD"},
			want: "wss://relay.example/ws",
		},
		{
			name: "ws kept, trailing slash folded",
			cfg:  DialConfig{ServerURL: "ws://relay.example/", RoomID: "AB12CD"},
			want: "ws://relay.example/ws",
		},
		{
			name:    "unsupported scheme",
			cfg:     DialConfig{ServerURL: "ftp://relay.example"},
			wantErr: true,
		},
		{
			name:    "empty",
			cfg:     DialConfig{},
			wantErr: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := signalingURL(tc.cfg)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("signalingURL: %v", err)
			}
			u, err := url.Parse(got)
			if err != nil {
				t.Fatalf("parse result: %v", err)
			}
			if base := u.Scheme + "://" + u.Host + u.Path; base != tc.want {
				t.Fatalf("url = %q, want prefix %q", base, tc.want)
			}
			q := u.Query()
			if q.Get("room") != tc.cfg.RoomID {
				t.Fatalf("room param = %q", q.Get("room"))
			}
			if tc.cfg.UserID != "" && q.Get("userId") != tc.cfg.UserID {
				t.Fatalf("userId param = %q", q.Get("userId"))
			}
			if tc.cfg.Role != "" && q.Get("type") != tc.cfg.Role {
				t.Fatalf("type param = %q", q.Get("type"))
			}
		})
	}
}

func TestDial_ReceiveAndCloseReason(t *testing.T) {
	upgrader := websocket.Upgrader{}
	gotQuery := make(chan url.Values, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		gotQuery <- r.URL.Query()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		welcome := signaling.Envelope{
			Type:   signaling.TypeWelcome,
			RoomID: "AB12CD",
			UserID: "user_1",
			Participants: []room.Member{
				{ID: "user_1", Name: "Kim", Type: "candidate"},
			},
		}
		if err := conn.WriteJSON(welcome); err != nil {
			return
		}
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Room is full")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_, _, _ = conn.ReadMessage() // wait for the close reply
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	tr, err := Dial(ctx, DialConfig{
		ServerURL: srv.URL,
		RoomID:    "AB12CD",
		UserID:    "user_1",
		Role:      "candidate",
		Name:      "Kim",
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer tr.Close()

	q := <-gotQuery
	if q.Get("room") != "AB12CD" || q.Get("type") != "candidate" {
		t.Fatalf("query = %v", q)
	}

	env, ok := <-tr.Receive()
	if !ok || env.Type != signaling.TypeWelcome || env.UserID != "user_1" {
		t.Fatalf("welcome = %+v ok=%v", env, ok)
	}

	if _, ok := <-tr.Receive(); ok {
		t.Fatalf("expected channel close after server close frame")
	}
	var ce *CloseError
	if err := tr.Err(); !errors.As(err, &ce) {
		t.Fatalf("Err = %v, want CloseError", err)
	}
	if ce.Code != websocket.ClosePolicyViolation || ce.Reason != "Room is full" {
		t.Fatalf("close = %d %q", ce.Code, ce.Reason)
	}
}

func TestClose_UnblocksSaturatedReadLoop(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Flood well past the inbound buffer while nobody receives.
		for i := 0; i < 64; i++ {
			if err := conn.WriteJSON(signaling.Envelope{Type: signaling.TypePong}); err != nil {
				return
			}
		}
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	tr, err := Dial(ctx, DialConfig{ServerURL: srv.URL, RoomID: "AB12CD"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	// Let the read loop fill the buffer and park on the next send.
	time.Sleep(100 * time.Millisecond)
	_ = tr.Close()

	// The read loop must notice the close and shut the channel instead of
	// parking on the full buffer forever.
	timeout := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-tr.Receive():
			if !ok {
				return
			}
		case <-timeout:
			t.Fatalf("inbound channel never closed after Close")
		}
	}
}

func TestDial_GivesUpAfterBudget(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	_, err := Dial(ctx, DialConfig{
		ServerURL:  "ws://127.0.0.1:1",
		RoomID:     "AB12CD",
		DialBudget: 50 * time.Millisecond,
	})
	if err == nil {
		t.Fatalf("expected dial failure")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("dial retried past its budget: %v", elapsed)
	}
}

func TestDial_MalformedEnvelopeSkipped(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"teleport"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"pong"}`))
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	tr, err := Dial(ctx, DialConfig{ServerURL: strings.Replace(srv.URL, "http", "ws", 1), RoomID: "AB12CD"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer tr.Close()

	env, ok := <-tr.Receive()
	if !ok || env.Type != signaling.TypePong {
		t.Fatalf("env = %+v ok=%v, want pong after skipping junk", env, ok)
	}
}
