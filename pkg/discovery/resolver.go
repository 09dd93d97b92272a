package discovery

import (
	"context"
	"net"
	"time"

	"github.com/grandcat/zeroconf"
)

// DefaultBrowseTimeout bounds Browse when the context has no deadline.
const DefaultBrowseTimeout = 10 * time.Second

// DefaultLookupTimeout bounds Lookup when the context has no deadline.
const DefaultLookupTimeout = 5 * time.Second

// Discovered is one entity found on the network.
type Discovered struct {
	// Entry is the decoded entity entry, with Port taken from the
	// service registration.
	Entry Entry

	// HostName is the mDNS target host.
	HostName string

	// IPs are the resolved addresses, most preferred first.
	IPs []net.IP
}

// MDNSResolver is the interface to the underlying mDNS machinery.
// The interface allows dependency injection in tests.
type MDNSResolver interface {
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
	Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// zeroconfResolver is the production implementation.
type zeroconfResolver struct {
	resolver *zeroconf.Resolver
}

func newZeroconfResolver() (*zeroconfResolver, error) {
	r, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, err
	}
	return &zeroconfResolver{resolver: r}, nil
}

func (z *zeroconfResolver) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	return z.resolver.Browse(ctx, service, domain, entries)
}

func (z *zeroconfResolver) Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	return z.resolver.Lookup(ctx, instance, service, domain, entries)
}

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	// MDNSResolver is the underlying mDNS implementation. If nil, the
	// zeroconf resolver is used.
	MDNSResolver MDNSResolver

	// BrowseTimeout bounds Browse operations without a context
	// deadline. If zero, DefaultBrowseTimeout is used.
	BrowseTimeout time.Duration

	// LookupTimeout bounds Lookup operations without a context
	// deadline. If zero, DefaultLookupTimeout is used.
	LookupTimeout time.Duration
}

// Resolver finds simulator entities advertised over mDNS.
type Resolver struct {
	resolver      MDNSResolver
	browseTimeout time.Duration
	lookupTimeout time.Duration
}

// NewResolver creates a Resolver.
func NewResolver(config ResolverConfig) (*Resolver, error) {
	resolver := config.MDNSResolver
	if resolver == nil {
		zr, err := newZeroconfResolver()
		if err != nil {
			return nil, err
		}
		resolver = zr
	}

	browseTimeout := config.BrowseTimeout
	if browseTimeout == 0 {
		browseTimeout = DefaultBrowseTimeout
	}
	lookupTimeout := config.LookupTimeout
	if lookupTimeout == 0 {
		lookupTimeout = DefaultLookupTimeout
	}

	return &Resolver{
		resolver:      resolver,
		browseTimeout: browseTimeout,
		lookupTimeout: lookupTimeout,
	}, nil
}

// Browse streams entities as they are found, until the context is done
// or the browse timeout expires. Services with undecodable TXT records
// are skipped.
func (r *Resolver) Browse(ctx context.Context) (<-chan Discovered, error) {
	results := make(chan Discovered)
	entries := make(chan *zeroconf.ServiceEntry)

	cancel := func() {}
	if _, ok := ctx.Deadline(); !ok {
		ctx, cancel = context.WithTimeout(ctx, r.browseTimeout)
	}

	go func() {
		defer close(results)
		defer cancel()

		go func() {
			defer close(entries)
			r.resolver.Browse(ctx, Service, DefaultDomain, entries)
		}()

		for entry := range entries {
			found, err := entryToDiscovered(entry)
			if err != nil {
				continue
			}
			select {
			case results <- found:
			case <-ctx.Done():
				return
			}
		}
	}()

	return results, nil
}

// Entities browses and collects everything found before the context or
// browse timeout ends.
func (r *Resolver) Entities(ctx context.Context) ([]Discovered, error) {
	results, err := r.Browse(ctx)
	if err != nil {
		return nil, err
	}

	var found []Discovered
	for d := range results {
		found = append(found, d)
	}
	return found, nil
}

// Lookup finds one entity by its ID.
//
// Returns ErrServiceNotFound if no such entity answers, ErrTimeout on
// deadline.
func (r *Resolver) Lookup(ctx context.Context, entityID string) (*Discovered, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.lookupTimeout)
		defer cancel()
	}

	entries := make(chan *zeroconf.ServiceEntry)
	go func() {
		defer close(entries)
		r.resolver.Lookup(ctx, entityID, Service, DefaultDomain, entries)
	}()

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return nil, ErrServiceNotFound
			}
			found, err := entryToDiscovered(entry)
			if err != nil {
				continue
			}
			return &found, nil
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return nil, ErrTimeout
			}
			return nil, ctx.Err()
		}
	}
}

// entryToDiscovered decodes a zeroconf service entry.
func entryToDiscovered(entry *zeroconf.ServiceEntry) (Discovered, error) {
	decoded, err := ParseTXT(entry.Text)
	if err != nil {
		return Discovered{}, err
	}
	decoded.Port = entry.Port

	var ips []net.IP
	ips = append(ips, entry.AddrIPv6...)
	ips = append(ips, entry.AddrIPv4...)

	return Discovered{
		Entry:    decoded,
		HostName: entry.HostName,
		IPs:      SortIPsByPreference(ips),
	}, nil
}
