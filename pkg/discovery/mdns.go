package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/brutella/dnssd"
)

var ErrNoRelay = errors.New("no relay found on the local network")

// MDNSAdapter announces and browses relays with multicast DNS.
type MDNSAdapter struct {
	Logger *slog.Logger
}

func (m *MDNSAdapter) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

func txtRecord(info ServiceInfo) map[string]string {
	txt := map[string]string{"desc": "dropmesh relay"}
	if info.Path != "" {
		txt[PathKey] = info.Path
	}
	return txt
}

// Announce advertises a relay until ctx is cancelled. The responder answers
// on every multicast interface, so no addresses are configured.
func (m *MDNSAdapter) Announce(ctx context.Context, info ServiceInfo) error {
	svc, err := dnssd.NewService(dnssd.Config{
		Name:   info.Name,
		Type:   info.Type,
		Domain: info.Domain,
		Port:   info.Port,
		Text:   txtRecord(info),
	})
	if err != nil {
		return fmt.Errorf("mdns service %q: %w", info.Name, err)
	}

	responder, err := dnssd.NewResponder()
	if err != nil {
		return fmt.Errorf("mdns responder: %w", err)
	}
	if _, err := responder.Add(svc); err != nil {
		return fmt.Errorf("mdns register %q: %w", info.Name, err)
	}

	m.logger().Info("Announcing relay", "name", info.Name, "type", info.Type, "port", info.Port)
	err = responder.Respond(ctx)
	m.logger().Info("Stopped announcing relay", "name", info.Name)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mdns respond: %w", err)
	}
	return nil
}

// relaySet tracks the browse entries currently visible.
type relaySet struct {
	mu      sync.Mutex
	entries map[string]ServiceInfo
}

func entryKey(e dnssd.BrowseEntry) string {
	return e.Name + "|" + e.Type + "|" + e.Domain
}

func (s *relaySet) add(e dnssd.BrowseEntry) []ServiceInfo {
	info := ServiceInfo{
		Name:   e.Name,
		Type:   e.Type,
		Domain: e.Domain,
		Port:   e.Port,
		Path:   e.Text[PathKey],
	}
	if len(e.IPs) > 0 {
		info.Addr = e.IPs[0]
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries == nil {
		s.entries = make(map[string]ServiceInfo)
	}
	s.entries[entryKey(e)] = info
	return s.snapshotLocked()
}

func (s *relaySet) remove(e dnssd.BrowseEntry) []ServiceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, entryKey(e))
	return s.snapshotLocked()
}

func (s *relaySet) snapshotLocked() []ServiceInfo {
	out := make([]ServiceInfo, 0, len(s.entries))
	for _, info := range s.entries {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Discover browses for service and sends a snapshot every time the set of
// visible instances changes. Snapshots are dropped while the reader lags.
// The channel closes when ctx is done.
func (m *MDNSAdapter) Discover(ctx context.Context, service string) <-chan DiscoveryResult {
	out := make(chan DiscoveryResult, 10)
	offer := func(r DiscoveryResult) {
		select {
		case out <- r:
		default:
			m.logger().Debug("Dropping discovery snapshot", "query", service)
		}
	}

	var set relaySet
	go func() {
		defer close(out)
		err := dnssd.LookupType(ctx, service,
			func(e dnssd.BrowseEntry) { offer(DiscoveryResult{Services: set.add(e)}) },
			func(e dnssd.BrowseEntry) { offer(DiscoveryResult{Services: set.remove(e)}) },
		)
		if err != nil && ctx.Err() == nil {
			offer(DiscoveryResult{Error: fmt.Errorf("mdns lookup %s: %w", service, err)})
		}
	}()
	return out
}

// FindRelay returns the endpoint of the first relay the adapter reports.
func FindRelay(ctx context.Context, adapter Adapter) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for result := range adapter.Discover(ctx, Query(DefaultServiceType, DefaultDomain)) {
		if result.Error != nil {
			return "", result.Error
		}
		if len(result.Services) > 0 {
			return result.Services[0].Endpoint(), nil
		}
	}
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return "", fmt.Errorf("%w: %v", ErrNoRelay, err)
	}
	return "", ErrNoRelay
}
