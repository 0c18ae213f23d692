package media

import (
	"fmt"
	"log/slog"

	"github.com/pion/webrtc/v4"

	"github.com/vigil-proctor/vigil/internal/config"
	"github.com/vigil-proctor/vigil/internal/mesh"
)

// Engine creates pion-backed peer links from one shared API instance.
type Engine struct {
	api        *webrtc.API
	log        *slog.Logger
	iceServers []webrtc.ICEServer
}

func NewEngine(cfg config.AgentConfig, log *slog.Logger) (*Engine, error) {
	api, err := NewAPI(cfg, log)
	if err != nil {
		return nil, err
	}
	return &Engine{api: api, log: log, iceServers: cfg.ICEServers}, nil
}

// NewVideoTrack builds a sample-fed video track; push encoded VP8 frames
// into it from whatever capture source is active.
func NewVideoTrack(label string) (*webrtc.TrackLocalStaticSample, error) {
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", label)
}

func NewAudioTrack(label string) (*webrtc.TrackLocalStaticSample, error) {
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", label)
}

func (e *Engine) NewLink(peerID string, cb mesh.LinkCallbacks) (mesh.Link, error) {
	pc, err := e.api.NewPeerConnection(webrtc.Configuration{ICEServers: e.iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	l := &link{pc: pc, log: e.log.With("peer", peerID)}

	video, err := NewVideoTrack("camera")
	if err == nil {
		l.videoSender, err = pc.AddTrack(video)
	}
	if err == nil {
		var audio *webrtc.TrackLocalStaticSample
		audio, err = NewAudioTrack("mic")
		if err == nil {
			_, err = pc.AddTrack(audio)
		}
	}
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("add tracks: %w", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || cb.OnLocalCandidate == nil {
			return
		}
		cb.OnLocalCandidate(c.ToJSON())
	})

	connectivity := func(cond mesh.Connectivity) {
		if cb.OnConnectivity != nil {
			cb.OnConnectivity(cond)
		}
	}
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		switch state {
		case webrtc.ICEConnectionStateChecking:
			connectivity(mesh.ConnectivityChecking)
		case webrtc.ICEConnectionStateFailed:
			connectivity(mesh.ConnectivityICEFailed)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			connectivity(mesh.ConnectivityConnected)
		case webrtc.PeerConnectionStateFailed:
			connectivity(mesh.ConnectivityConnectionFailed)
		case webrtc.PeerConnectionStateClosed:
			connectivity(mesh.ConnectivityClosed)
		}
	})

	// Drain inbound tracks so the RTCP interceptors keep running; the
	// agent itself does not render remote media.
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		l.log.Debug("remote track", "kind", track.Kind().String(), "id", track.ID())
		go drainTrack(track)
	})

	return l, nil
}

func drainTrack(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

type link struct {
	pc          *webrtc.PeerConnection
	log         *slog.Logger
	videoSender *webrtc.RTPSender
}

func (l *link) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (l *link) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (l *link) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return l.pc.SetRemoteDescription(sdp)
}

func (l *link) AddICECandidate(cand webrtc.ICECandidateInit) error {
	return l.pc.AddICECandidate(cand)
}

func (l *link) RestartICE() (webrtc.SessionDescription, error) {
	offer, err := l.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (l *link) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	return l.videoSender.ReplaceTrack(track)
}

func (l *link) Close() error {
	return l.pc.Close()
}
