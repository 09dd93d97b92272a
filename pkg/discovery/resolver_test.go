package discovery

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func newTestResolver(t *testing.T, mock *MockResolver) *Resolver {
	t.Helper()
	r, err := NewResolver(ResolverConfig{
		MDNSResolver:  mock,
		BrowseTimeout: 200 * time.Millisecond,
		LookupTimeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewResolver failed: %v", err)
	}
	return r
}

func TestResolverEntities(t *testing.T) {
	mock := NewMockResolver()
	mock.AddEntity(Entry{ID: "sm-dp-01", Role: RoleSMDP, Version: "2.1.0"}, net.ParseIP("192.0.2.10"))
	mock.AddEntity(Entry{ID: "sm-sr-01", Role: RoleSMSR, Version: "2.1.0", Port: 8002}, net.ParseIP("192.0.2.11"))

	resolver := newTestResolver(t, mock)
	found, err := resolver.Entities(context.Background())
	if err != nil {
		t.Fatalf("Entities failed: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("expected 2 entities, got %d", len(found))
	}

	byID := make(map[string]Discovered)
	for _, d := range found {
		byID[d.Entry.ID] = d
	}

	smdp, ok := byID["sm-dp-01"]
	if !ok {
		t.Fatal("sm-dp-01 not discovered")
	}
	if smdp.Entry.Role != RoleSMDP || smdp.Entry.Port != DefaultPort {
		t.Errorf("unexpected SM-DP entry %+v", smdp.Entry)
	}
	if len(smdp.IPs) != 1 || !smdp.IPs[0].Equal(net.ParseIP("192.0.2.10")) {
		t.Errorf("unexpected SM-DP addresses %v", smdp.IPs)
	}

	if smsr := byID["sm-sr-01"]; smsr.Entry.Port != 8002 {
		t.Errorf("advertised port lost: %+v", smsr.Entry)
	}
}

func TestResolverSkipsUndecodable(t *testing.T) {
	mock := NewMockResolver()
	mock.AddEntity(Entry{ID: "euicc-1", Role: RoleEUICC}, net.ParseIP("192.0.2.12"))
	mock.Add(&zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{Instance: "stray", Service: Service, Domain: DefaultDomain},
		Text:          []string{"not-a-pair"},
	})

	resolver := newTestResolver(t, mock)
	found, err := resolver.Entities(context.Background())
	if err != nil {
		t.Fatalf("Entities failed: %v", err)
	}
	if len(found) != 1 || found[0].Entry.ID != "euicc-1" {
		t.Errorf("expected only euicc-1, got %+v", found)
	}
}

func TestResolverLookup(t *testing.T) {
	mock := NewMockResolver()
	mock.AddEntity(Entry{ID: "sm-sr-01", Role: RoleSMSR}, net.ParseIP("192.0.2.11"))

	resolver := newTestResolver(t, mock)
	found, err := resolver.Lookup(context.Background(), "sm-sr-01")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if found.Entry.ID != "sm-sr-01" || found.HostName != "sm-sr-01.local." {
		t.Errorf("unexpected result %+v", found)
	}
}

func TestResolverLookupNotFound(t *testing.T) {
	resolver := newTestResolver(t, NewMockResolver())

	_, err := resolver.Lookup(context.Background(), "missing")
	if !errors.Is(err, ErrServiceNotFound) {
		t.Errorf("expected ErrServiceNotFound, got %v", err)
	}
}

func TestResolverLookupCanceled(t *testing.T) {
	blocked, err := NewResolver(ResolverConfig{MDNSResolver: blockingResolver{}})
	if err != nil {
		t.Fatalf("NewResolver failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := blocked.Lookup(ctx, "x"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestResolverLookupTimeout(t *testing.T) {
	blocked, err := NewResolver(ResolverConfig{
		MDNSResolver:  blockingResolver{},
		LookupTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewResolver failed: %v", err)
	}

	if _, err := blocked.Lookup(context.Background(), "x"); !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

// blockingResolver answers nothing until the context ends, then lags
// its return so callers observe the context error first.
type blockingResolver struct{}

func (blockingResolver) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	<-ctx.Done()
	time.Sleep(100 * time.Millisecond)
	return ctx.Err()
}

func (blockingResolver) Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	<-ctx.Done()
	time.Sleep(100 * time.Millisecond)
	return ctx.Err()
}
