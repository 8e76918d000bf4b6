package signaling

import (
	"net"
	"net/url"
	"strings"
)

const (
	DefaultPath = "/ws"
	DefaultPort = "9000"
)

// ResolveEndpoint normalizes a configured relay address into a WebSocket
// URL. It accepts a bare host, an http(s) URL or a ws(s) URL. Anything it
// cannot interpret falls back to ws(s)://<currentHost>:9000/ws.
func ResolveEndpoint(raw, currentHost string, secure bool) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallbackEndpoint(currentHost, secure)
	}

	if !strings.Contains(raw, "://") {
		u, err := url.Parse(wsScheme(secure) + "://" + raw)
		if err != nil || u.Host == "" || u.Hostname() == "" {
			return fallbackEndpoint(currentHost, secure)
		}
		if u.Path == "" || u.Path == "/" {
			u.Path = DefaultPath
		}
		return u.String()
	}

	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return fallbackEndpoint(currentHost, secure)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
		return raw
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return fallbackEndpoint(currentHost, secure)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = DefaultPath
	}
	return u.String()
}

func fallbackEndpoint(currentHost string, secure bool) string {
	host := currentHost
	if h, _, err := net.SplitHostPort(currentHost); err == nil {
		host = h
	}
	if host == "" {
		host = "localhost"
	}
	u := url.URL{
		Scheme: wsScheme(secure),
		Host:   net.JoinHostPort(host, DefaultPort),
		Path:   DefaultPath,
	}
	return u.String()
}

func wsScheme(secure bool) string {
	if secure {
		return "wss"
	}
	return "ws"
}
