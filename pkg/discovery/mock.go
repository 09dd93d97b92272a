package discovery

import (
	"context"
	"net"
	"sync"

	"github.com/grandcat/zeroconf"
)

// MockResolver is an in-memory MDNSResolver for tests. No network I/O
// is performed; Browse and Lookup answer from registered entries.
type MockResolver struct {
	mu      sync.RWMutex
	entries []*zeroconf.ServiceEntry
}

// NewMockResolver creates an empty mock resolver.
func NewMockResolver() *MockResolver {
	return &MockResolver{}
}

// Add registers a service entry to be returned by Browse and Lookup.
func (m *MockResolver) Add(entry *zeroconf.ServiceEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
}

// AddEntity registers an entity entry with the given address.
func (m *MockResolver) AddEntity(e Entry, ip net.IP) {
	m.Add(MockServiceEntry(e, ip))
}

// Browse implements MDNSResolver. Entries are sent synchronously.
func (m *MockResolver) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	m.mu.RLock()
	snapshot := make([]*zeroconf.ServiceEntry, len(m.entries))
	copy(snapshot, m.entries)
	m.mu.RUnlock()

	for _, entry := range snapshot {
		if entry.Service != service {
			continue
		}
		select {
		case entries <- entry:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Lookup implements MDNSResolver.
func (m *MockResolver) Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	m.mu.RLock()
	snapshot := make([]*zeroconf.ServiceEntry, len(m.entries))
	copy(snapshot, m.entries)
	m.mu.RUnlock()

	for _, entry := range snapshot {
		if entry.Service != service || entry.Instance != instance {
			continue
		}
		select {
		case entries <- entry:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// MockServiceEntry builds the zeroconf service entry an advertised
// entity would produce.
func MockServiceEntry(e Entry, ip net.IP) *zeroconf.ServiceEntry {
	port := e.Port
	if port == 0 {
		port = DefaultPort
	}
	entry := &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: e.ID,
			Service:  Service,
			Domain:   DefaultDomain,
		},
		HostName: e.ID + ".local.",
		Port:     port,
		Text:     EncodeTXT(e),
	}
	if ip4 := ip.To4(); ip4 != nil {
		entry.AddrIPv4 = []net.IP{ip}
	} else if ip != nil {
		entry.AddrIPv6 = []net.IP{ip}
	}
	return entry
}

var _ MDNSResolver = (*MockResolver)(nil)
