// Package mesh maintains one participant's full-mesh peer links: per-link
// negotiation state machines, glare tie-breaking, and the recovery policy
// that repairs or rebuilds unhealthy links.
package mesh

import (
	"github.com/pion/webrtc/v4"
)

// Connectivity is the condensed link-health signal the engine reports.
type Connectivity string

const (
	ConnectivityChecking         Connectivity = "checking"
	ConnectivityConnected        Connectivity = "connected"
	ConnectivityICEFailed        Connectivity = "ice-failed"
	ConnectivityConnectionFailed Connectivity = "connection-failed"
	ConnectivityClosed           Connectivity = "closed"
)

// LinkCallbacks are invoked by the engine from its own goroutines; the
// orchestrator serializes them internally.
type LinkCallbacks struct {
	// OnLocalCandidate fires for each trickled local ICE candidate.
	OnLocalCandidate func(webrtc.ICECandidateInit)

	// OnConnectivity fires on link-health transitions.
	OnConnectivity func(Connectivity)
}

// Link is one direct media connection owned by the engine.
//
// CreateOffer, CreateAnswer and RestartICE also apply the returned
// description locally, so the caller only has to put it on the wire.
type Link interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error

	// RestartICE produces a new offer with fresh ICE credentials.
	RestartICE() (webrtc.SessionDescription, error)

	// ReplaceVideoTrack swaps the outgoing video source without
	// renegotiation.
	ReplaceVideoTrack(track webrtc.TrackLocal) error

	Close() error
}

// Engine abstracts the media stack (capture, encode, transport). The mesh
// layer drives it purely through this interface.
type Engine interface {
	NewLink(peerID string, cb LinkCallbacks) (Link, error)
}

// LinkState is a peer link's negotiation lifecycle position.
type LinkState string

const (
	StateCreated      LinkState = "created"
	StateNegotiating  LinkState = "negotiating"
	StateConnected    LinkState = "connected"
	StateFailed       LinkState = "failed"
	StateReconnecting LinkState = "reconnecting"
	StateClosed       LinkState = "closed"

	// StateLinkFailed is terminal: the bounded recovery budget is spent.
	StateLinkFailed LinkState = "link-failed"
)

// EventSink receives user-visible link lifecycle events. Implementations
// must not call back into the orchestrator.
type EventSink interface {
	LinkStateChanged(peerID string, state LinkState)
	LinkFailed(peerID string)
}

type nopSink struct{}

func (nopSink) LinkStateChanged(string, LinkState) {}

func (nopSink) LinkFailed(string) {}
