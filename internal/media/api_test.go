package media

import (
	"log/slog"
	"net"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/vigil-proctor/vigil/internal/config"
)

func TestApplyNetworkSettings_PortRange(t *testing.T) {
	se := webrtc.SettingEngine{}
	err := ApplyNetworkSettings(&se, config.AgentConfig{
		UDPPortRange: &config.UDPPortRange{Min: 50000, Max: 50100},
		UDPListenIP:  "0.0.0.0",
	})
	if err != nil {
		t.Fatalf("ApplyNetworkSettings: %v", err)
	}
}

func TestApplyNetworkSettings_RejectsInvertedPortRange(t *testing.T) {
	se := webrtc.SettingEngine{}
	err := ApplyNetworkSettings(&se, config.AgentConfig{
		UDPPortRange: &config.UDPPortRange{Min: 50100, Max: 50000},
	})
	if err == nil {
		t.Fatalf("expected error for inverted port range")
	}
}

func TestApplyNetworkSettings_RejectsUnknownCandidateType(t *testing.T) {
	se := webrtc.SettingEngine{}
	err := ApplyNetworkSettings(&se, config.AgentConfig{
		NAT1To1IPs:             []string{"203.0.113.7"},
		NAT1To1IPCandidateType: "prflx",
	})
	if err == nil {
		t.Fatalf("expected error for unknown candidate type")
	}
}

func TestNewAPI(t *testing.T) {
	api, err := NewAPI(config.AgentConfig{
		UDPListenIP:            "0.0.0.0",
		NAT1To1IPCandidateType: config.NAT1To1CandidateTypeHost,
	}, slog.Default())
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	if api == nil {
		t.Fatalf("nil API")
	}
}

func TestTrackConstructors(t *testing.T) {
	video, err := NewVideoTrack("camera")
	if err != nil {
		t.Fatalf("NewVideoTrack: %v", err)
	}
	if got := video.Codec().MimeType; got != webrtc.MimeTypeVP8 {
		t.Fatalf("video mime = %s", got)
	}
	audio, err := NewAudioTrack("mic")
	if err != nil {
		t.Fatalf("NewAudioTrack: %v", err)
	}
	if got := audio.Codec().MimeType; got != webrtc.MimeTypeOpus {
		t.Fatalf("audio mime = %s", got)
	}
}

func TestSlogLoggerFactory(t *testing.T) {
	l := slogLoggerFactory{log: slog.Default()}.NewLogger("ice")
	if l == nil {
		t.Fatalf("nil logger")
	}
	l.Tracef("gathering on %v", net.IPv4zero)
}
