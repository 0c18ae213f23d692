package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "VIGIL_ICE_SERVERS_JSON"

	envStunURLs       = "VIGIL_STUN_URLS"
	envTurnURLs       = "VIGIL_TURN_URLS"
	envTurnUsername   = "VIGIL_TURN_USERNAME"
	envTurnCredential = "VIGIL_TURN_CREDENTIAL"
)

// iceSources gathers the raw STUN/TURN inputs a loader collected from env and
// flags. A non-empty JSON blob wins over the comma-separated URL lists.
type iceSources struct {
	serversJSON string

	stunURLs       string
	turnURLs       string
	turnUsername   string
	turnCredential string

	// turnRESTIssuance relaxes the credential check on TURN entries: the
	// relay overlays ephemeral TURN REST credentials onto every /webrtc/ice
	// response, so static ones become optional. Agents resolve with this
	// off because they use the list as-is.
	turnRESTIssuance bool
}

// resolve turns the raw inputs into a validated ICE server list.
func (s iceSources) resolve() ([]webrtc.ICEServer, error) {
	servers, err := s.collect()
	if err != nil {
		return nil, err
	}
	for i, server := range servers {
		if err := s.checkServer(server); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
	}
	return servers, nil
}

func (s iceSources) collect() ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(s.serversJSON); raw != "" {
		servers, err := decodeICEServersJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}

	var servers []webrtc.ICEServer
	if stun := splitCommaSeparated(s.stunURLs); len(stun) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: stun})
	}
	if turn := splitCommaSeparated(s.turnURLs); len(turn) > 0 {
		user := strings.TrimSpace(s.turnUsername)
		cred := strings.TrimSpace(s.turnCredential)
		if (user == "") != (cred == "") {
			return nil, fmt.Errorf("%s and %s must be set together", envTurnUsername, envTurnCredential)
		}
		entry := webrtc.ICEServer{URLs: turn, Username: user}
		if cred != "" {
			entry.Credential = cred
		}
		servers = append(servers, entry)
	}
	return servers, nil
}

// checkServer enforces the schemes vigil can hand to pion and the credential
// rules for TURN entries.
func (s iceSources) checkServer(server webrtc.ICEServer) error {
	if len(server.URLs) == 0 {
		return errors.New("entry has no urls")
	}
	needsCreds := false
	for _, url := range server.URLs {
		scheme, _, found := strings.Cut(url, ":")
		if !found {
			return fmt.Errorf("malformed url %q", url)
		}
		switch scheme {
		case "stun", "stuns":
		case "turn", "turns":
			needsCreds = true
		default:
			return fmt.Errorf("unsupported url scheme in %q", url)
		}
	}
	if !needsCreds || s.turnRESTIssuance {
		return nil
	}
	if strings.TrimSpace(server.Username) == "" {
		return errors.New("turn urls need a username (or TURN REST issuance)")
	}
	if cred, _ := server.Credential.(string); strings.TrimSpace(cred) == "" {
		return errors.New("turn urls need a credential (or TURN REST issuance)")
	}
	return nil
}

// iceServerEntry mirrors the RTCIceServer dictionary: "urls" may be a single
// string or an array of strings.
type iceServerEntry struct {
	urls       []string
	username   string
	credential string
}

func (e *iceServerEntry) UnmarshalJSON(b []byte) error {
	var wire struct {
		URLs       json.RawMessage `json:"urls"`
		Username   string          `json:"username"`
		Credential string          `json:"credential"`
	}
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}
	switch {
	case len(wire.URLs) == 0:
		// Left empty; resolve reports the missing urls.
	case wire.URLs[0] == '[':
		if err := json.Unmarshal(wire.URLs, &e.urls); err != nil {
			return err
		}
	default:
		var one string
		if err := json.Unmarshal(wire.URLs, &one); err != nil {
			return err
		}
		e.urls = []string{one}
	}
	e.username = wire.Username
	e.credential = wire.Credential
	return nil
}

func decodeICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var entries []iceServerEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}

	servers := make([]webrtc.ICEServer, 0, len(entries))
	for _, entry := range entries {
		urls := make([]string, 0, len(entry.urls))
		for _, url := range entry.urls {
			if url = strings.TrimSpace(url); url != "" {
				urls = append(urls, url)
			}
		}
		server := webrtc.ICEServer{
			URLs:     urls,
			Username: strings.TrimSpace(entry.username),
		}
		if cred := strings.TrimSpace(entry.credential); cred != "" {
			server.Credential = cred
		}
		servers = append(servers, server)
	}
	return servers, nil
}

func splitCommaSeparated(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
