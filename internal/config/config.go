package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarListenAddr      = "VIGIL_LISTEN_ADDR"
	envVarPublicBaseURL   = "VIGIL_PUBLIC_BASE_URL"
	envVarAllowedOrigins  = "VIGIL_ALLOWED_ORIGINS"
	envVarMode            = "VIGIL_MODE"
	envVarLogFormat       = "VIGIL_LOG_FORMAT"
	envVarLogLevel        = "VIGIL_LOG_LEVEL"
	envVarShutdownTimeout = "VIGIL_SHUTDOWN_TIMEOUT"

	// Room lifecycle knobs.
	envVarMaxCandidates     = "VIGIL_MAX_CANDIDATES"
	envVarJoinSettleDelay   = "VIGIL_JOIN_SETTLE_DELAY"
	envVarProctorLeaveGrace = "VIGIL_PROCTOR_LEAVE_GRACE"
	envVarRoomSweepInterval = "VIGIL_ROOM_SWEEP_INTERVAL"
	envVarRoomMaxIdleAge    = "VIGIL_ROOM_MAX_IDLE_AGE"

	// Signaling WebSocket hardening.
	envVarWSIdleTimeout     = "VIGIL_WS_IDLE_TIMEOUT"
	envVarWSPingInterval    = "VIGIL_WS_PING_INTERVAL"
	envVarMaxMessageBytes   = "VIGIL_MAX_MESSAGE_BYTES"
	envVarMaxMessagesPerSec = "VIGIL_MAX_MESSAGES_PER_SECOND"

	// coturn TURN REST (ephemeral) credentials.
	envVarTURNRESTSharedSecret   = "VIGIL_TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "VIGIL_TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "VIGIL_TURN_REST_USERNAME_PREFIX"
	envVarTURNRESTRealm          = "VIGIL_TURN_REST_REALM"

	// WebRTC network restrictions (agent-side media engine).
	envVarWebRTCUDPPortMin             = "VIGIL_WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax             = "VIGIL_WEBRTC_UDP_PORT_MAX"
	envVarWebRTCNAT1To1IPs             = "VIGIL_WEBRTC_NAT_1TO1_IPS"
	envVarWebRTCNAT1To1IPCandidateType = "VIGIL_WEBRTC_NAT_1TO1_IP_CANDIDATE_TYPE"
	envVarWebRTCUDPListenIP            = "VIGIL_WEBRTC_UDP_LISTEN_IP"
)

const (
	DefaultListenAddr = "127.0.0.1:8080"
	DefaultShutdown   = 15 * time.Second

	DefaultMaxCandidates     = 10
	DefaultJoinSettleDelay   = 500 * time.Millisecond
	DefaultProctorLeaveGrace = 60 * time.Second
	DefaultRoomSweepInterval = 30 * time.Minute
	DefaultRoomMaxIdleAge    = time.Hour

	DefaultWSIdleTimeout     = 60 * time.Second
	DefaultWSPingInterval    = 20 * time.Second
	DefaultMaxMessageBytes   = int64(64 * 1024)
	DefaultMaxMessagesPerSec = 50

	DefaultTURNRESTTTLSeconds     int64 = 3600
	DefaultTURNRESTUsernamePrefix       = "vigil"

	DefaultWebRTCUDPListenIP = "0.0.0.0"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

const DefaultMode = ModeDev

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type NAT1To1IPCandidateType string

const (
	NAT1To1CandidateTypeHost  NAT1To1IPCandidateType = "host"
	NAT1To1CandidateTypeSrflx NAT1To1IPCandidateType = "srflx"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	Realm          string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

// Config holds the signal server's runtime configuration.
type Config struct {
	ListenAddr      string
	PublicBaseURL   string
	AllowedOrigins  []string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	// Room lifecycle.
	MaxCandidates     int
	JoinSettleDelay   time.Duration
	ProctorLeaveGrace time.Duration
	RoomSweepInterval time.Duration
	RoomMaxIdleAge    time.Duration

	// WebSocket hardening.
	WSIdleTimeout     time.Duration
	WSPingInterval    time.Duration
	MaxMessageBytes   int64
	MaxMessagesPerSec int

	ICEServers []webrtc.ICEServer
	TURNREST   TurnRESTConfig

	iceConfigErr error
}

func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	modeDefault := string(DefaultMode)
	if raw, ok := lookup(envVarMode); ok && strings.TrimSpace(raw) != "" {
		modeDefault = strings.TrimSpace(raw)
	}

	logFormatDefault := envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(modeDefault))
	logLevelDefault := envOrDefault(lookup, envVarLogLevel, defaultLogLevelForMode(modeDefault))

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	publicBaseURL := envOrDefault(lookup, envVarPublicBaseURL, "")
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")

	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	turnRESTSharedSecret := envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	turnRESTUsernamePrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)
	turnRESTRealm := envOrDefault(lookup, envVarTURNRESTRealm, "")
	turnRESTTTLSeconds := DefaultTURNRESTTTLSeconds
	if raw, ok := lookup(envVarTURNRESTTTLSeconds); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarTURNRESTTTLSeconds, raw, err)
		}
		turnRESTTTLSeconds = n
	}

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	joinSettleDelay, err := envDurationOrDefault(lookup, envVarJoinSettleDelay, DefaultJoinSettleDelay)
	if err != nil {
		return Config{}, err
	}
	proctorLeaveGrace, err := envDurationOrDefault(lookup, envVarProctorLeaveGrace, DefaultProctorLeaveGrace)
	if err != nil {
		return Config{}, err
	}
	roomSweepInterval, err := envDurationOrDefault(lookup, envVarRoomSweepInterval, DefaultRoomSweepInterval)
	if err != nil {
		return Config{}, err
	}
	roomMaxIdleAge, err := envDurationOrDefault(lookup, envVarRoomMaxIdleAge, DefaultRoomMaxIdleAge)
	if err != nil {
		return Config{}, err
	}
	wsIdleTimeout, err := envDurationOrDefault(lookup, envVarWSIdleTimeout, DefaultWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	wsPingInterval, err := envDurationOrDefault(lookup, envVarWSPingInterval, DefaultWSPingInterval)
	if err != nil {
		return Config{}, err
	}

	maxCandidates, err := envIntOrDefault(lookup, envVarMaxCandidates, DefaultMaxCandidates)
	if err != nil {
		return Config{}, err
	}
	maxMessagesPerSec, err := envIntOrDefault(lookup, envVarMaxMessagesPerSec, DefaultMaxMessagesPerSec)
	if err != nil {
		return Config{}, err
	}

	maxMessageBytes := DefaultMaxMessageBytes
	if raw, ok := lookup(envVarMaxMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxMessageBytes, raw, err)
		}
		maxMessageBytes = n
	}

	fs := flag.NewFlagSet("vigil-signal-server", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port) (env "+envVarListenAddr+")")
	fs.StringVar(&publicBaseURL, "public-base-url", publicBaseURL, "Public base URL used in candidate invite links (env "+envVarPublicBaseURL+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod (env "+envVarMode+")")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json (env "+envVarLogFormat+")")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error (env "+envVarLogLevel+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+envVarShutdownTimeout+")")

	fs.IntVar(&maxCandidates, "max-candidates", maxCandidates, "Maximum candidates per room, excluding the proctor (env "+envVarMaxCandidates+")")
	fs.DurationVar(&joinSettleDelay, "join-settle-delay", joinSettleDelay, "Delay before connect-to-peer fan-out after a join (env "+envVarJoinSettleDelay+")")
	fs.DurationVar(&proctorLeaveGrace, "proctor-leave-grace", proctorLeaveGrace, "Delete an empty room this long after its proctor leaves (env "+envVarProctorLeaveGrace+")")
	fs.DurationVar(&roomSweepInterval, "room-sweep-interval", roomSweepInterval, "How often to sweep long-idle empty rooms (env "+envVarRoomSweepInterval+")")
	fs.DurationVar(&roomMaxIdleAge, "room-max-idle-age", roomMaxIdleAge, "Empty rooms older than this are swept (env "+envVarRoomMaxIdleAge+")")

	fs.DurationVar(&wsIdleTimeout, "ws-idle-timeout", wsIdleTimeout, "Close idle signaling WebSocket connections after this duration (env "+envVarWSIdleTimeout+")")
	fs.DurationVar(&wsPingInterval, "ws-ping-interval", wsPingInterval, "Ping interval on signaling WebSocket connections (must be < --ws-idle-timeout; env "+envVarWSPingInterval+")")
	fs.Int64Var(&maxMessageBytes, "max-message-bytes", maxMessageBytes, "Max inbound signaling message size in bytes (env "+envVarMaxMessageBytes+")")
	fs.IntVar(&maxMessagesPerSec, "max-messages-per-second", maxMessagesPerSec, "Max inbound signaling messages per second per connection (env "+envVarMaxMessagesPerSec+")")

	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config (env "+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "Comma-separated STUN URLs (env "+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "Comma-separated TURN URLs (env "+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username (env "+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential (env "+envTurnCredential+")")
	fs.StringVar(&turnRESTSharedSecret, "turn-rest-shared-secret", turnRESTSharedSecret, "TURN REST shared secret (env "+envVarTURNRESTSharedSecret+")")
	fs.Int64Var(&turnRESTTTLSeconds, "turn-rest-ttl-seconds", turnRESTTTLSeconds, "TURN REST credential TTL seconds (env "+envVarTURNRESTTTLSeconds+")")
	fs.StringVar(&turnRESTUsernamePrefix, "turn-rest-username-prefix", turnRESTUsernamePrefix, "TURN REST username prefix (env "+envVarTURNRESTUsernamePrefix+")")
	fs.StringVar(&turnRESTRealm, "turn-rest-realm", turnRESTRealm, "TURN realm (env "+envVarTURNRESTRealm+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--shutdown-timeout must be > 0", envVarShutdownTimeout)
	}
	if maxCandidates <= 0 {
		return Config{}, fmt.Errorf("%s/--max-candidates must be > 0", envVarMaxCandidates)
	}
	if joinSettleDelay < 0 {
		return Config{}, fmt.Errorf("%s/--join-settle-delay must be >= 0", envVarJoinSettleDelay)
	}
	if proctorLeaveGrace <= 0 {
		return Config{}, fmt.Errorf("%s/--proctor-leave-grace must be > 0", envVarProctorLeaveGrace)
	}
	if roomSweepInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--room-sweep-interval must be > 0", envVarRoomSweepInterval)
	}
	if roomMaxIdleAge <= 0 {
		return Config{}, fmt.Errorf("%s/--room-max-idle-age must be > 0", envVarRoomMaxIdleAge)
	}
	if wsIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--ws-idle-timeout must be > 0", envVarWSIdleTimeout)
	}
	if wsPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--ws-ping-interval must be > 0", envVarWSPingInterval)
	}
	if wsPingInterval >= wsIdleTimeout {
		return Config{}, fmt.Errorf("%s/--ws-ping-interval must be < %s/--ws-idle-timeout", envVarWSPingInterval, envVarWSIdleTimeout)
	}
	if maxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-message-bytes must be > 0", envVarMaxMessageBytes)
	}
	if maxMessagesPerSec <= 0 {
		return Config{}, fmt.Errorf("%s/--max-messages-per-second must be > 0", envVarMaxMessagesPerSec)
	}
	if turnRESTSharedSecret != "" && turnRESTTTLSeconds <= 0 {
		return Config{}, fmt.Errorf("%s/--turn-rest-ttl-seconds must be > 0", envVarTURNRESTTTLSeconds)
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		PublicBaseURL:   strings.TrimRight(publicBaseURL, "/"),
		AllowedOrigins:  splitCommaSeparated(allowedOriginsStr),
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,

		MaxCandidates:     maxCandidates,
		JoinSettleDelay:   joinSettleDelay,
		ProctorLeaveGrace: proctorLeaveGrace,
		RoomSweepInterval: roomSweepInterval,
		RoomMaxIdleAge:    roomMaxIdleAge,

		WSIdleTimeout:     wsIdleTimeout,
		WSPingInterval:    wsPingInterval,
		MaxMessageBytes:   maxMessageBytes,
		MaxMessagesPerSec: maxMessagesPerSec,

		TURNREST: TurnRESTConfig{
			SharedSecret:   turnRESTSharedSecret,
			TTLSeconds:     turnRESTTTLSeconds,
			UsernamePrefix: turnRESTUsernamePrefix,
			Realm:          turnRESTRealm,
		},
	}

	iceServers, iceErr := iceSources{
		serversJSON:      iceServersJSON,
		stunURLs:         stunURLs,
		turnURLs:         turnURLs,
		turnUsername:     turnUsername,
		turnCredential:   turnCredential,
		turnRESTIssuance: cfg.TURNREST.Enabled(),
	}.resolve()
	cfg.ICEServers = iceServers
	// An invalid ICE configuration is not fatal at startup: the relay itself
	// works without STUN/TURN, so it is surfaced via /readyz instead.
	cfg.iceConfigErr = iceErr

	return cfg, nil
}

// NewLogger constructs the process logger from the configured format/level.
func NewLogger(cfg Config) (*slog.Logger, error) {
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

func IsUnspecifiedIP(ip net.IP) bool {
	return ip == nil || ip.IsUnspecified()
}

func parseMode(raw string) (Mode, error) {
	switch Mode(strings.TrimSpace(raw)) {
	case ModeDev:
		return ModeDev, nil
	case ModeProd:
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (want dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch LogFormat(strings.TrimSpace(raw)) {
	case LogFormatText:
		return LogFormatText, nil
	case LogFormatJSON:
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (want text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q", raw)
	}
}

func defaultLogFormatForMode(mode string) string {
	if Mode(mode) == ModeProd {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevelForMode(mode string) string {
	if Mode(mode) == ModeProd {
		return "info"
	}
	return "debug"
}

func envOrDefault(lookup func(string) (string, bool), key, def string) string {
	if raw, ok := lookup(key); ok && strings.TrimSpace(raw) != "" {
		return strings.TrimSpace(raw)
	}
	return def
}

func envIntOrDefault(lookup func(string) (string, bool), key string, def int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, def time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return def, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}
