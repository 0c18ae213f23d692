// Package media is the pion-backed implementation of the mesh engine:
// peer connection construction, track plumbing and the network knobs that
// control where UDP sockets bind and which candidates are advertised.
package media

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/vigil-proctor/vigil/internal/config"
)

// NewAPI builds the shared webrtc.API every link is cut from: default
// codecs, default interceptors, and the agent's network settings.
func NewAPI(cfg config.AgentConfig, log *slog.Logger) (*webrtc.API, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	se := webrtc.SettingEngine{
		LoggerFactory: slogLoggerFactory{log: log},
	}
	if err := ApplyNetworkSettings(&se, cfg); err != nil {
		return nil, err
	}
	return webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	), nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, cfg config.AgentConfig) error {
	if cfg.UDPPortRange != nil {
		if err := se.SetEphemeralUDPPortRange(cfg.UDPPortRange.Min, cfg.UDPPortRange.Max); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	if len(cfg.NAT1To1IPs) > 0 {
		var candidateType webrtc.ICECandidateType
		switch cfg.NAT1To1IPCandidateType {
		case config.NAT1To1CandidateTypeHost:
			candidateType = webrtc.ICECandidateTypeHost
		case config.NAT1To1CandidateTypeSrflx:
			candidateType = webrtc.ICECandidateTypeSrflx
		default:
			return fmt.Errorf("invalid NAT 1:1 IP candidate type %q", cfg.NAT1To1IPCandidateType)
		}
		se.SetNAT1To1IPs(cfg.NAT1To1IPs, candidateType)
	}

	// SettingEngine doesn't expose a plain bind address; candidate
	// gathering and socket binding are restricted via IPFilter instead.
	if listenIP := net.ParseIP(cfg.UDPListenIP); listenIP != nil && !config.IsUnspecifiedIP(listenIP) {
		se.SetIPFilter(func(ip net.IP) bool {
			return ip.Equal(listenIP)
		})
	}

	return nil
}
