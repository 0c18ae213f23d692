// Package session runs one participant's side of a proctoring session: the
// relay connection, the room roster, and the bridge between signaling
// envelopes and the peer mesh.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/vigil-proctor/vigil/internal/signaling"
)

const (
	defaultDialBudget  = 30 * time.Second
	transportWriteWait = 5 * time.Second
)

// CloseError carries the relay's close code and reason, such as the policy
// rejections a join can end with.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("relay closed connection: %d %s", e.Code, e.Reason)
}

// DialConfig addresses one signaling connection.
type DialConfig struct {
	// ServerURL is the relay base URL; http(s) schemes are converted.
	ServerURL string

	RoomID string
	UserID string
	Role   string
	Name   string

	Logger *slog.Logger

	// DialBudget caps the total time spent retrying the initial dial.
	DialBudget time.Duration
}

// Transport is an established signaling connection. Envelopes arrive on
// Receive; the channel closes when the connection dies, after which Err
// reports why.
type Transport struct {
	conn *websocket.Conn
	log  *slog.Logger

	writeMu sync.Mutex
	inbound chan signaling.Envelope
	done    chan struct{}

	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

// Dial connects to the relay's /ws endpoint, retrying transient failures
// with exponential backoff until the dial budget runs out. A 403 means the
// origin policy rejected us and is not retried.
func Dial(ctx context.Context, cfg DialConfig) (*Transport, error) {
	wsURL, err := signalingURL(cfg)
	if err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	budget := cfg.DialBudget
	if budget <= 0 {
		budget = defaultDialBudget
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = budget

	var conn *websocket.Conn
	op := func() error {
		c, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusForbidden {
				return backoff.Permanent(fmt.Errorf("dial rejected: %w", err))
			}
			log.Warn("signaling dial failed, retrying", "err", err)
			return err
		}
		conn = c
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	t := &Transport{
		conn:    conn,
		log:     log,
		inbound: make(chan signaling.Envelope, 16),
		done:    make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

func signalingURL(cfg DialConfig) (string, error) {
	if cfg.ServerURL == "" {
		return "", fmt.Errorf("server URL required")
	}
	u, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return "", fmt.Errorf("parse server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"

	q := u.Query()
	q.Set("room", cfg.RoomID)
	if cfg.UserID != "" {
		q.Set("userId", cfg.UserID)
	}
	if cfg.Role != "" {
		q.Set("type", cfg.Role)
	}
	if cfg.Name != "" {
		q.Set("name", cfg.Name)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (t *Transport) readLoop() {
	defer close(t.inbound)
	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			t.setErr(asCloseError(err))
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		env, err := signaling.ParseEnvelope(data)
		if err != nil {
			t.log.Debug("dropping malformed envelope from relay", "err", err)
			continue
		}
		select {
		case t.inbound <- env:
		case <-t.done:
			// Nobody is receiving anymore; don't park on a full buffer.
			return
		}
	}
}

// Receive returns the inbound envelope stream. The channel closes when the
// connection is gone.
func (t *Transport) Receive() <-chan signaling.Envelope {
	return t.inbound
}

// Send writes one envelope. Safe for concurrent use.
func (t *Transport) Send(env signaling.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.SetWriteDeadline(time.Now().Add(transportWriteWait)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Err reports why the connection ended; nil while it is still up.
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Transport) setErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err == nil {
		t.err = err
	}
}

// Close sends a normal-closure frame and tears the connection down.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		t.writeMu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(transportWriteWait))
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}

func asCloseError(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return &CloseError{Code: ce.Code, Reason: ce.Text}
	}
	return err
}
