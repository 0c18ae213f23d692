package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envVarAgentServerURL = "VIGIL_AGENT_SERVER_URL"
	envVarAgentRoomID    = "VIGIL_AGENT_ROOM_ID"
	envVarAgentUserID    = "VIGIL_AGENT_USER_ID"
	envVarAgentRole      = "VIGIL_AGENT_ROLE"
	envVarAgentName      = "VIGIL_AGENT_NAME"

	envVarAgentMaxLinkAttempts = "VIGIL_AGENT_MAX_LINK_ATTEMPTS"
)

const DefaultMaxLinkAttempts = 5

// AgentConfig holds the proctoring agent's runtime configuration.
type AgentConfig struct {
	ServerURL   string
	RoomID      string
	UserID      string
	Role        string
	DisplayName string

	LogFormat LogFormat
	LogLevel  slog.Level

	// MaxLinkAttempts bounds recovery attempts per peer link before the
	// link is declared failed.
	MaxLinkAttempts int

	ICEServers []webrtc.ICEServer

	// WebRTC network restrictions applied to the media engine.
	UDPPortRange           *UDPPortRange
	NAT1To1IPs             []string
	NAT1To1IPCandidateType NAT1To1IPCandidateType
	UDPListenIP            string
}

func LoadAgent(args []string) (AgentConfig, error) {
	return loadAgent(os.LookupEnv, args)
}

func loadAgent(lookup func(string) (string, bool), args []string) (AgentConfig, error) {
	serverURL := envOrDefault(lookup, envVarAgentServerURL, "")
	roomID := envOrDefault(lookup, envVarAgentRoomID, "")
	userID := envOrDefault(lookup, envVarAgentUserID, "")
	role := envOrDefault(lookup, envVarAgentRole, "candidate")
	name := envOrDefault(lookup, envVarAgentName, "")

	logFormatStr := envOrDefault(lookup, envVarLogFormat, string(LogFormatText))
	logLevelStr := envOrDefault(lookup, envVarLogLevel, "info")

	maxLinkAttempts, err := envIntOrDefault(lookup, envVarAgentMaxLinkAttempts, DefaultMaxLinkAttempts)
	if err != nil {
		return AgentConfig{}, err
	}

	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	udpPortMinStr := envOrDefault(lookup, envVarWebRTCUDPPortMin, "")
	udpPortMaxStr := envOrDefault(lookup, envVarWebRTCUDPPortMax, "")
	nat1To1IPsStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPs, "")
	nat1To1TypeStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPCandidateType, string(NAT1To1CandidateTypeHost))
	udpListenIP := envOrDefault(lookup, envVarWebRTCUDPListenIP, DefaultWebRTCUDPListenIP)

	fs := flag.NewFlagSet("vigil-agent", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	fs.StringVar(&serverURL, "server-url", serverURL, "Signal server base URL, e.g. http://127.0.0.1:8080 (env "+envVarAgentServerURL+")")
	fs.StringVar(&roomID, "room", roomID, "Room code to join; empty with --role proctor creates a new room (env "+envVarAgentRoomID+")")
	fs.StringVar(&userID, "user-id", userID, "Stable participant identifier; generated when empty (env "+envVarAgentUserID+")")
	fs.StringVar(&role, "role", role, "Participant role: proctor or candidate (env "+envVarAgentRole+")")
	fs.StringVar(&name, "name", name, "Display name shown to other participants (env "+envVarAgentName+")")
	fs.StringVar(&logFormatStr, "log-format", logFormatStr, "Log format: text or json (env "+envVarLogFormat+")")
	fs.StringVar(&logLevelStr, "log-level", logLevelStr, "Log level: debug, info, warn, error (env "+envVarLogLevel+")")
	fs.IntVar(&maxLinkAttempts, "max-link-attempts", maxLinkAttempts, "Max recovery attempts per peer link before giving up (env "+envVarAgentMaxLinkAttempts+")")

	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config (env "+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "Comma-separated STUN URLs (env "+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "Comma-separated TURN URLs (env "+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username (env "+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential (env "+envTurnCredential+")")

	fs.StringVar(&udpPortMinStr, "webrtc-udp-port-min", udpPortMinStr, "Lower bound of the UDP port range for ICE (env "+envVarWebRTCUDPPortMin+")")
	fs.StringVar(&udpPortMaxStr, "webrtc-udp-port-max", udpPortMaxStr, "Upper bound of the UDP port range for ICE (env "+envVarWebRTCUDPPortMax+")")
	fs.StringVar(&nat1To1IPsStr, "webrtc-nat-1to1-ips", nat1To1IPsStr, "Comma-separated public IPs to advertise in ICE candidates (env "+envVarWebRTCNAT1To1IPs+")")
	fs.StringVar(&nat1To1TypeStr, "webrtc-nat-1to1-ip-candidate-type", nat1To1TypeStr, "Candidate type for NAT 1:1 IPs: host or srflx (env "+envVarWebRTCNAT1To1IPCandidateType+")")
	fs.StringVar(&udpListenIP, "webrtc-udp-listen-ip", udpListenIP, "Local IP the media engine binds UDP sockets to (env "+envVarWebRTCUDPListenIP+")")

	if err := fs.Parse(args); err != nil {
		return AgentConfig{}, err
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return AgentConfig{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return AgentConfig{}, err
	}

	role = strings.ToLower(strings.TrimSpace(role))
	if role != "proctor" && role != "candidate" {
		return AgentConfig{}, fmt.Errorf("invalid role %q (want proctor or candidate)", role)
	}
	if strings.TrimSpace(serverURL) == "" {
		return AgentConfig{}, fmt.Errorf("server URL is required (--server-url or %s)", envVarAgentServerURL)
	}
	if role == "candidate" && strings.TrimSpace(roomID) == "" {
		return AgentConfig{}, fmt.Errorf("candidates must specify a room code (--room or %s)", envVarAgentRoomID)
	}
	if maxLinkAttempts <= 0 {
		return AgentConfig{}, fmt.Errorf("%s/--max-link-attempts must be > 0", envVarAgentMaxLinkAttempts)
	}

	portRange, err := parseUDPPortRange(udpPortMinStr, udpPortMaxStr)
	if err != nil {
		return AgentConfig{}, err
	}

	nat1To1Type, err := parseNAT1To1CandidateType(nat1To1TypeStr)
	if err != nil {
		return AgentConfig{}, err
	}
	nat1To1IPs := splitCommaSeparated(nat1To1IPsStr)
	for _, ip := range nat1To1IPs {
		if net.ParseIP(ip) == nil {
			return AgentConfig{}, fmt.Errorf("%s: invalid IP %q", envVarWebRTCNAT1To1IPs, ip)
		}
	}
	if udpListenIP != "" && net.ParseIP(udpListenIP) == nil {
		return AgentConfig{}, fmt.Errorf("%s: invalid IP %q", envVarWebRTCUDPListenIP, udpListenIP)
	}

	iceServers, err := iceSources{
		serversJSON:    iceServersJSON,
		stunURLs:       stunURLs,
		turnURLs:       turnURLs,
		turnUsername:   turnUsername,
		turnCredential: turnCredential,
	}.resolve()
	if err != nil {
		return AgentConfig{}, err
	}

	return AgentConfig{
		ServerURL:   strings.TrimRight(strings.TrimSpace(serverURL), "/"),
		RoomID:      strings.TrimSpace(roomID),
		UserID:      strings.TrimSpace(userID),
		Role:        role,
		DisplayName: strings.TrimSpace(name),

		LogFormat: logFormat,
		LogLevel:  level,

		MaxLinkAttempts: maxLinkAttempts,

		ICEServers: iceServers,

		UDPPortRange:           portRange,
		NAT1To1IPs:             nat1To1IPs,
		NAT1To1IPCandidateType: nat1To1Type,
		UDPListenIP:            udpListenIP,
	}, nil
}

// NewAgentLogger constructs the agent process logger.
func NewAgentLogger(cfg AgentConfig) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	switch cfg.LogFormat {
	case LogFormatJSON:
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	case LogFormatText:
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}
}

func parseUDPPortRange(minStr, maxStr string) (*UDPPortRange, error) {
	minStr = strings.TrimSpace(minStr)
	maxStr = strings.TrimSpace(maxStr)
	if minStr == "" && maxStr == "" {
		return nil, nil
	}
	if minStr == "" || maxStr == "" {
		return nil, fmt.Errorf("%s and %s must be set together", envVarWebRTCUDPPortMin, envVarWebRTCUDPPortMax)
	}
	min, err := parsePort(minStr)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", envVarWebRTCUDPPortMin, err)
	}
	max, err := parsePort(maxStr)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", envVarWebRTCUDPPortMax, err)
	}
	if min > max {
		return nil, fmt.Errorf("%s must be <= %s", envVarWebRTCUDPPortMin, envVarWebRTCUDPPortMax)
	}
	return &UDPPortRange{Min: min, Max: max}, nil
}

func parsePort(raw string) (uint16, error) {
	n, err := strconv.ParseUint(raw, 10, 16)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid port %q", raw)
	}
	return uint16(n), nil
}

func parseNAT1To1CandidateType(raw string) (NAT1To1IPCandidateType, error) {
	switch NAT1To1IPCandidateType(strings.TrimSpace(raw)) {
	case NAT1To1CandidateTypeHost:
		return NAT1To1CandidateTypeHost, nil
	case NAT1To1CandidateTypeSrflx:
		return NAT1To1CandidateTypeSrflx, nil
	default:
		return "", fmt.Errorf("invalid NAT 1:1 candidate type %q (want host or srflx)", raw)
	}
}
