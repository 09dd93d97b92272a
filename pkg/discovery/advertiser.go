package discovery

import (
	"fmt"
	"net"
	"sync"

	"github.com/grandcat/zeroconf"
	"github.com/pion/logging"
)

// MDNSServer is one active mDNS service registration.
// The interface allows dependency injection in tests.
type MDNSServer interface {
	// Shutdown stops the registration.
	Shutdown()
}

// MDNSServerFactory creates MDNSServer instances.
type MDNSServerFactory interface {
	Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error)
}

// zeroconfServerFactory is the production factory.
type zeroconfServerFactory struct{}

func (zeroconfServerFactory) Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error) {
	return zeroconf.Register(instance, service, domain, port, txt, ifaces)
}

// AdvertiserConfig configures an Advertiser.
type AdvertiserConfig struct {
	// Port is advertised for entries that do not name one. If zero,
	// DefaultPort is used.
	Port int

	// Interfaces restricts which network interfaces to advertise on.
	// If nil, all interfaces are used.
	Interfaces []net.Interface

	// ServerFactory creates the mDNS registrations. If nil, the
	// zeroconf factory is used.
	ServerFactory MDNSServerFactory

	// LoggerFactory is used to create loggers. If nil, logging is
	// disabled.
	LoggerFactory logging.LoggerFactory
}

// Advertiser announces simulator entities over mDNS so other simulator
// processes on the same network can find them. Each entity becomes one
// DNS-SD service instance of type Service, named by its entity ID,
// with its ID, role and version in TXT records.
//
// Thread Safety: All methods are safe for concurrent use.
type Advertiser struct {
	port    int
	ifaces  []net.Interface
	factory MDNSServerFactory
	log     logging.LeveledLogger

	mu       sync.Mutex
	services map[string]MDNSServer
	closed   bool
}

// NewAdvertiser creates an Advertiser.
func NewAdvertiser(config AdvertiserConfig) *Advertiser {
	port := config.Port
	if port <= 0 || port > 65535 {
		port = DefaultPort
	}

	factory := config.ServerFactory
	if factory == nil {
		factory = zeroconfServerFactory{}
	}

	a := &Advertiser{
		port:     port,
		ifaces:   config.Interfaces,
		factory:  factory,
		services: make(map[string]MDNSServer),
	}
	if config.LoggerFactory != nil {
		a.log = config.LoggerFactory.NewLogger("discovery")
	}
	return a
}

// Advertise starts announcing an entity.
//
// Returns ErrInvalidEntry for malformed entries, ErrAlreadyAdvertised
// if the entity is already being advertised and ErrClosed after Close.
func (a *Advertiser) Advertise(entry Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}

	port := entry.Port
	if port == 0 {
		port = a.port
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	if _, exists := a.services[entry.ID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyAdvertised, entry.ID)
	}

	server, err := a.factory.Register(entry.ID, Service, DefaultDomain, port, EncodeTXT(entry), a.ifaces)
	if err != nil {
		return fmt.Errorf("discovery: mDNS registration for %s: %w", entry.ID, err)
	}
	a.services[entry.ID] = server

	if a.log != nil {
		a.log.Infof("advertising %s as %s on port %d", entry.ID, entry.Role, port)
	}
	return nil
}

// AdvertiseDirectory announces every entity in the directory, stopping
// at the first failure.
func (a *Advertiser) AdvertiseDirectory(dir *Directory) error {
	for _, entry := range dir.List() {
		if err := a.Advertise(entry); err != nil {
			return err
		}
	}
	return nil
}

// Stop stops announcing one entity.
//
// Returns ErrNotAdvertised if the entity is not being advertised.
func (a *Advertiser) Stop(entityID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	server, exists := a.services[entityID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotAdvertised, entityID)
	}

	server.Shutdown()
	delete(a.services, entityID)
	return nil
}

// IsAdvertising reports whether the entity is currently announced.
func (a *Advertiser) IsAdvertising(entityID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, exists := a.services[entityID]
	return exists
}

// Close stops all announcements. The advertiser cannot be reused.
func (a *Advertiser) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	for _, server := range a.services {
		server.Shutdown()
	}
	a.services = nil
	a.closed = true
	return nil
}
