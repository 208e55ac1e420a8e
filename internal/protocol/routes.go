package protocol

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

const (
	ControlPathPrefix = "/v1/relay/connect/"
	SSHPathPrefix     = "/v1/relay/ssh/"
	HostsPathPrefix   = "/v1/relay/hosts/"
	SessionsPath      = "/v1/relay/sessions"
	SignedPathPrefix  = "/v1/relay/signed/"
	HealthPath        = "/health"

	// ExchangePath is served on host subdomains to trade a one-time code
	// for the relay cookie.
	ExchangePath     = "/__relay/exchange"
	RelayTokenCookie = "relay_token"

	// TCPTunnelAuthority is the CONNECT target the relay sends when it wants
	// the agent's configured TCP forward.
	TCPTunnelAuthority = "ssh-tunnel"
)

const maxHostIDLength = 63

// ValidHostID reports whether id can act as a DNS label: lowercase
// alphanumerics and inner hyphens, at most 63 characters. UUIDs qualify.
func ValidHostID(id string) bool {
	if id == "" || len(id) > maxHostIDLength {
		return false
	}
	if id[0] == '-' || id[len(id)-1] == '-' {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-':
		default:
			return false
		}
	}
	return true
}

// ExtractHostID returns the host id when host (optionally with a port) has
// the form "<id>.<baseDomain>". Matching is case-insensitive.
func ExtractHostID(host, baseDomain string) (string, bool) {
	baseDomain = strings.Trim(strings.ToLower(strings.TrimSpace(baseDomain)), ".")
	if baseDomain == "" || host == "" {
		return "", false
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	label, ok := strings.CutSuffix(host, "."+baseDomain)
	if !ok || strings.Contains(label, ".") || !ValidHostID(label) {
		return "", false
	}
	return label, true
}

// RewritePath removes prefix from path and guarantees the result starts
// with "/". The query string is carried separately and is never touched.
func RewritePath(path, prefix string) string {
	if prefix != "" {
		path = strings.TrimPrefix(path, prefix)
	}
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		return "/" + path
	}
	return path
}

// ControlURL derives the WebSocket control endpoint for hostID from a relay
// base URL. http(s) schemes map to ws(s); ws(s) are kept.
func ControlURL(base, hostID string) (string, error) {
	return endpointURL(base, ControlPathPrefix, hostID)
}

// SSHURL derives the WebSocket SSH endpoint for hostID from a relay base URL.
func SSHURL(base, hostID string) (string, error) {
	return endpointURL(base, SSHPathPrefix, hostID)
}

func endpointURL(base, prefix, hostID string) (string, error) {
	if !ValidHostID(hostID) {
		return "", fmt.Errorf("invalid host id %q", hostID)
	}
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported relay url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("relay url missing host")
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + prefix + hostID
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
