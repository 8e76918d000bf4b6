package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
)

const (
	DefaultServiceType = "_dropmesh-relay._tcp"
	DefaultDomain      = "local"
	// PathKey is the TXT record key carrying the relay's WebSocket path.
	PathKey = "path"
)

type ServiceInfo struct {
	Name   string // instance name
	Type   string // service type, e.g., "_dropmesh-relay._tcp"
	Domain string // domain, e.g., "local"
	Addr   net.IP
	Port   int
	Path   string
}

// Endpoint returns the WebSocket URL of an announced relay.
func (s ServiceInfo) Endpoint() string {
	host := "localhost"
	if s.Addr != nil {
		host = s.Addr.String()
	}
	path := s.Path
	if path == "" {
		path = "/ws"
	}
	return fmt.Sprintf("ws://%s%s", net.JoinHostPort(host, strconv.Itoa(s.Port)), path)
}

// DiscoveryResult carries either a snapshot of the services currently
// visible or a lookup error.
type DiscoveryResult struct {
	Services []ServiceInfo
	Error    error
}

type Adapter interface {
	Announce(ctx context.Context, service ServiceInfo) error
	Discover(ctx context.Context, service string) <-chan DiscoveryResult
}

// Query returns the fully qualified name browsed for a service type.
func Query(serviceType, domain string) string {
	return fmt.Sprintf("%s.%s.", serviceType, domain)
}
