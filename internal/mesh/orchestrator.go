package mesh

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// Signaler puts local negotiation material on the wire, addressed to one
// peer. The session layer implements it on top of the relay connection.
type Signaler interface {
	SendOffer(peerID string, sdp webrtc.SessionDescription) error
	SendAnswer(peerID string, sdp webrtc.SessionDescription) error
	SendCandidate(peerID string, cand webrtc.ICECandidateInit) error
}

// Config wires an Orchestrator. Zero durations and counts fall back to the
// defaults below.
type Config struct {
	SelfID   string
	Engine   Engine
	Signaler Signaler
	Sink     EventSink
	Logger   *slog.Logger

	// SettleDelay is how long a freshly created link waits before the
	// initial offer, giving the remote side time to set up its handlers.
	SettleDelay time.Duration

	// CheckingTimeout bounds how long a link may sit in ICE checking
	// before a restart is forced.
	CheckingTimeout time.Duration

	// ICERestartDelay is the pause between an ICE failure and the
	// restart attempt.
	ICERestartDelay time.Duration

	// OfferAfterRestart is the pause between restarting ICE and putting
	// the resulting offer on the wire.
	OfferAfterRestart time.Duration

	// RebuildDelay is the pause between a connection failure and the
	// full teardown-and-recreate.
	RebuildDelay time.Duration

	// MediaRetryDelay is the single retry pause when the media engine
	// rejects offer or answer creation.
	MediaRetryDelay time.Duration

	// MaxAttempts bounds recovery attempts per link before it is
	// declared failed for good.
	MaxAttempts int

	// RemoteIsMember reports whether the peer is still in the room;
	// rebuilds are skipped for departed peers.
	RemoteIsMember func(peerID string) bool

	// MediaActive reports whether local capture is running; rebuilds
	// are pointless without media to send.
	MediaActive func() bool
}

const (
	DefaultSettleDelay       = 500 * time.Millisecond
	DefaultCheckingTimeout   = 10 * time.Second
	DefaultICERestartDelay   = 2 * time.Second
	DefaultOfferAfterRestart = 1 * time.Second
	DefaultRebuildDelay      = 3 * time.Second
	DefaultMediaRetryDelay   = 1 * time.Second
	DefaultMaxAttempts       = 5
)

type peerLink struct {
	peerID string
	link   Link
	state  LinkState

	// gen invalidates timers and engine callbacks armed for a previous
	// incarnation of this link.
	gen uint64

	// offerer is fixed by the ID tie-break: the lexicographically
	// smaller participant ID initiates every negotiation for the pair.
	offerer bool

	attempts     int
	mediaRetried bool
	timers       map[string]*time.Timer
}

// Orchestrator owns every peer link of one session and drives negotiation
// and recovery. All methods are safe for concurrent use; engine callbacks
// and timers are serialized through the same mutex.
type Orchestrator struct {
	cfg  Config
	log  *slog.Logger
	sink EventSink

	mu    sync.Mutex
	gen   uint64
	links map[string]*peerLink
}

func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.SelfID == "" {
		return nil, fmt.Errorf("mesh: self ID required")
	}
	if cfg.Engine == nil || cfg.Signaler == nil {
		return nil, fmt.Errorf("mesh: engine and signaler required")
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.CheckingTimeout <= 0 {
		cfg.CheckingTimeout = DefaultCheckingTimeout
	}
	if cfg.ICERestartDelay <= 0 {
		cfg.ICERestartDelay = DefaultICERestartDelay
	}
	if cfg.OfferAfterRestart <= 0 {
		cfg.OfferAfterRestart = DefaultOfferAfterRestart
	}
	if cfg.RebuildDelay <= 0 {
		cfg.RebuildDelay = DefaultRebuildDelay
	}
	if cfg.MediaRetryDelay <= 0 {
		cfg.MediaRetryDelay = DefaultMediaRetryDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RemoteIsMember == nil {
		cfg.RemoteIsMember = func(string) bool { return true }
	}
	if cfg.MediaActive == nil {
		cfg.MediaActive = func() bool { return true }
	}
	sink := cfg.Sink
	if sink == nil {
		sink = nopSink{}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		cfg:   cfg,
		log:   log,
		sink:  sink,
		links: make(map[string]*peerLink),
	}, nil
}

// EnsureLink creates the link to peerID if it does not exist yet. Repeat
// calls for a live link are no-ops, so connect prompts for both directions
// of a pair collapse into one link. The designated offerer schedules the
// initial offer after the settle delay; the other side waits for it.
func (o *Orchestrator) EnsureLink(peerID string) error {
	if peerID == o.cfg.SelfID || peerID == "" {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.links[peerID]; ok {
		return nil
	}
	pl, err := o.createLinkLocked(peerID)
	if err != nil {
		return err
	}
	if pl.offerer {
		o.armTimerLocked(pl, "offer", o.cfg.SettleDelay, o.sendOfferLocked)
	}
	return nil
}

func (o *Orchestrator) createLinkLocked(peerID string) (*peerLink, error) {
	o.gen++
	pl := &peerLink{
		peerID:  peerID,
		state:   StateCreated,
		gen:     o.gen,
		offerer: o.cfg.SelfID < peerID,
		timers:  make(map[string]*time.Timer),
	}
	gen := pl.gen
	link, err := o.cfg.Engine.NewLink(peerID, LinkCallbacks{
		OnLocalCandidate: func(cand webrtc.ICECandidateInit) {
			o.onLocalCandidate(peerID, gen, cand)
		},
		OnConnectivity: func(conn Connectivity) {
			o.onConnectivity(peerID, gen, conn)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create link to %s: %w", peerID, err)
	}
	pl.link = link
	o.links[peerID] = pl
	o.setStateLocked(pl, StateCreated)
	return pl, nil
}

// HandleOffer applies a remote offer and replies with an answer. A link is
// created on demand for the answering side. The designated offerer drops
// incoming offers: with the ID tie-break only one side initiates, so an
// offer arriving here is glare from a misbehaving or stale remote.
func (o *Orchestrator) HandleOffer(peerID string, sdp webrtc.SessionDescription) {
	o.mu.Lock()
	defer o.mu.Unlock()
	pl, ok := o.links[peerID]
	if !ok {
		if o.cfg.SelfID < peerID {
			o.log.Warn("dropping offer from peer we initiate to", "peer", peerID)
			return
		}
		var err error
		pl, err = o.createLinkLocked(peerID)
		if err != nil {
			o.log.Error("link creation for inbound offer failed", "peer", peerID, "err", err)
			return
		}
	}
	if pl.offerer {
		o.log.Warn("dropping glare offer", "peer", peerID, "state", string(pl.state))
		return
	}
	if pl.state == StateClosed || pl.state == StateLinkFailed {
		return
	}
	if err := pl.link.SetRemoteDescription(sdp); err != nil {
		o.log.Error("apply remote offer failed", "peer", peerID, "err", err)
		return
	}
	o.setStateLocked(pl, StateNegotiating)
	o.answerLocked(pl)
}

func (o *Orchestrator) answerLocked(pl *peerLink) {
	answer, err := pl.link.CreateAnswer()
	if err != nil {
		o.mediaFailureLocked(pl, "answer", err, o.answerLocked)
		return
	}
	pl.mediaRetried = false
	peerID := pl.peerID
	o.deliver(func() error { return o.cfg.Signaler.SendAnswer(peerID, answer) }, pl, "answer")
}

// HandleAnswer applies a remote answer to an in-flight negotiation. Answers
// for unknown links or links not negotiating are stale and dropped.
func (o *Orchestrator) HandleAnswer(peerID string, sdp webrtc.SessionDescription) {
	o.mu.Lock()
	defer o.mu.Unlock()
	pl, ok := o.links[peerID]
	if !ok || pl.state != StateNegotiating {
		o.log.Warn("dropping stale answer", "peer", peerID)
		return
	}
	if err := pl.link.SetRemoteDescription(sdp); err != nil {
		o.log.Error("apply remote answer failed", "peer", peerID, "err", err)
	}
}

// HandleCandidate feeds a remote ICE candidate into the link. Candidates
// often race link teardown; unknowns are a quiet drop.
func (o *Orchestrator) HandleCandidate(peerID string, cand webrtc.ICECandidateInit) {
	o.mu.Lock()
	defer o.mu.Unlock()
	pl, ok := o.links[peerID]
	if !ok || pl.state == StateClosed || pl.state == StateLinkFailed {
		o.log.Debug("dropping candidate for absent link", "peer", peerID)
		return
	}
	if err := pl.link.AddICECandidate(cand); err != nil {
		o.log.Debug("add remote candidate failed", "peer", peerID, "err", err)
	}
}

// CloseLink tears the link down immediately, used when the peer leaves the
// room. Unknown peers are a no-op.
func (o *Orchestrator) CloseLink(peerID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	pl, ok := o.links[peerID]
	if !ok {
		return
	}
	o.teardownLocked(pl, StateClosed)
	delete(o.links, peerID)
}

// CloseAll ends every link, used at session shutdown.
func (o *Orchestrator) CloseAll() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for peerID, pl := range o.links {
		o.teardownLocked(pl, StateClosed)
		delete(o.links, peerID)
	}
}

// ReplaceVideoTrack swaps the outgoing video source on every live link,
// e.g. webcam to screen capture. The first error is returned but the swap
// is still attempted on the remaining links.
func (o *Orchestrator) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var firstErr error
	for _, pl := range o.links {
		if pl.state == StateClosed || pl.state == StateLinkFailed {
			continue
		}
		if err := pl.link.ReplaceVideoTrack(track); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("replace track for %s: %w", pl.peerID, err)
		}
	}
	return firstErr
}

// LinkStates snapshots the state of every known link.
func (o *Orchestrator) LinkStates() map[string]LinkState {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]LinkState, len(o.links))
	for peerID, pl := range o.links {
		out[peerID] = pl.state
	}
	return out
}

func (o *Orchestrator) sendOfferLocked(pl *peerLink) {
	if pl.state == StateClosed || pl.state == StateLinkFailed {
		return
	}
	offer, err := pl.link.CreateOffer()
	if err != nil {
		o.mediaFailureLocked(pl, "offer", err, o.sendOfferLocked)
		return
	}
	pl.mediaRetried = false
	o.setStateLocked(pl, StateNegotiating)
	peerID := pl.peerID
	o.deliver(func() error { return o.cfg.Signaler.SendOffer(peerID, offer) }, pl, "offer")
}

// mediaFailureLocked handles the engine rejecting offer or answer creation:
// one retry after MediaRetryDelay, then the link is declared failed.
func (o *Orchestrator) mediaFailureLocked(pl *peerLink, what string, err error, retry func(*peerLink)) {
	if !pl.mediaRetried {
		pl.mediaRetried = true
		o.log.Warn("media engine rejected "+what+", retrying once",
			"peer", pl.peerID, "err", err)
		o.armTimerLocked(pl, "media-retry", o.cfg.MediaRetryDelay, retry)
		return
	}
	o.log.Error("media engine rejected "+what+" twice", "peer", pl.peerID, "err", err)
	o.failLocked(pl)
}

func (o *Orchestrator) failLocked(pl *peerLink) {
	o.teardownLocked(pl, StateLinkFailed)
	o.sink.LinkFailed(pl.peerID)
}

func (o *Orchestrator) teardownLocked(pl *peerLink, terminal LinkState) {
	for name, t := range pl.timers {
		t.Stop()
		delete(pl.timers, name)
	}
	pl.gen = 0 // orphan pending engine callbacks
	if pl.link != nil {
		_ = pl.link.Close()
	}
	o.setStateLocked(pl, terminal)
}

func (o *Orchestrator) setStateLocked(pl *peerLink, state LinkState) {
	pl.state = state
	o.sink.LinkStateChanged(pl.peerID, state)
}

// armTimerLocked schedules fn against the link's current incarnation; a
// same-named pending timer is replaced. The fired closure re-checks the
// generation so teardown or rebuild orphans it.
func (o *Orchestrator) armTimerLocked(pl *peerLink, name string, d time.Duration, fn func(*peerLink)) {
	if t, ok := pl.timers[name]; ok {
		t.Stop()
	}
	peerID, gen := pl.peerID, pl.gen
	pl.timers[name] = time.AfterFunc(d, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		cur, ok := o.links[peerID]
		if !ok || cur.gen != gen {
			return
		}
		delete(cur.timers, name)
		fn(cur)
	})
}

func (o *Orchestrator) onLocalCandidate(peerID string, gen uint64, cand webrtc.ICECandidateInit) {
	o.mu.Lock()
	pl, ok := o.links[peerID]
	valid := ok && pl.gen == gen && pl.state != StateClosed && pl.state != StateLinkFailed
	o.mu.Unlock()
	if !valid {
		return
	}
	if err := o.cfg.Signaler.SendCandidate(peerID, cand); err != nil {
		o.log.Debug("send local candidate failed", "peer", peerID, "err", err)
	}
}

// deliver sends one signaling payload outside state mutation concerns; a
// send failure is logged, recovery is left to the connectivity policy.
func (o *Orchestrator) deliver(send func() error, pl *peerLink, what string) {
	if err := send(); err != nil {
		o.log.Warn("send "+what+" failed", "peer", pl.peerID, "err", err)
	}
}
