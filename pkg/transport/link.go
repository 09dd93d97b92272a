// Package transport provides the in-memory packet link used by the
// demo binary and integration tests to run entities on separate
// goroutines, plus the envelope codec framing routed messages on such
// links. Core protocol code calls entities through the router and
// never blocks on this package.
package transport

import (
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/pion/transport/v3/test"
)

// NetworkCondition configures packet-level misbehavior on a link. Use
// it to exercise abort paths under loss and latency.
type NetworkCondition struct {
	// DropRate is the probability of dropping a packet (0.0 - 1.0).
	DropRate float64

	// DelayMin is the minimum delay added to each packet.
	DelayMin time.Duration

	// DelayMax is the maximum delay added to each packet. The actual
	// delay is uniformly distributed between DelayMin and DelayMax.
	DelayMax time.Duration
}

// LinkConfig configures a Link.
type LinkConfig struct {
	// ProcessInterval is how often queued packets are delivered.
	// Default: 1ms.
	ProcessInterval time.Duration
}

// Link is a bidirectional in-memory packet pipe between two endpoints.
// Writes on one endpoint become reads on the other; a background pump
// delivers queued packets. Both endpoints support deadlines.
type Link struct {
	bridge *test.Bridge

	mu        sync.Mutex
	condition NetworkCondition
	rng       *rand.Rand
	closed    bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewLink creates a started link.
func NewLink(config LinkConfig) *Link {
	interval := config.ProcessInterval
	if interval == 0 {
		interval = time.Millisecond
	}

	l := &Link{
		bridge: test.NewBridge(),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		stopCh: make(chan struct{}),
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-l.stopCh:
				return
			case <-ticker.C:
				l.Process()
			}
		}
	}()

	return l
}

// NewLinkPair creates a started link and returns its two endpoints.
// Closing the link closes both endpoints.
func NewLinkPair() (net.Conn, net.Conn, *Link) {
	l := NewLink(LinkConfig{})
	return l.Conn0(), l.Conn1(), l
}

// Conn0 returns the endpoint for side 0.
func (l *Link) Conn0() net.Conn {
	return &condConn{Conn: l.bridge.GetConn0(), link: l}
}

// Conn1 returns the endpoint for side 1.
func (l *Link) Conn1() net.Conn {
	return &condConn{Conn: l.bridge.GetConn1(), link: l}
}

// SetCondition configures network condition simulation. Conditions
// apply to packets in both directions.
func (l *Link) SetCondition(cond NetworkCondition) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.condition = cond
}

// Condition returns the current network condition configuration.
func (l *Link) Condition() NetworkCondition {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.condition
}

// Process delivers all queued packets and returns how many were
// delivered.
func (l *Link) Process() int {
	count := 0
	for {
		n := l.bridge.Tick()
		if n == 0 {
			return count
		}
		count += n
	}
}

// Close stops the pump and closes both endpoints.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.closed = true
	close(l.stopCh)
	l.mu.Unlock()

	l.wg.Wait()

	err0 := l.bridge.GetConn0().Close()
	err1 := l.bridge.GetConn1().Close()
	if err0 != nil {
		return err0
	}
	return err1
}

// apply runs the configured condition against one packet. It reports
// whether the packet should be dropped, sleeping out any delay first.
func (l *Link) apply() bool {
	l.mu.Lock()
	cond := l.condition
	var drop bool
	var delay time.Duration
	if cond.DropRate > 0 {
		drop = l.rng.Float64() < cond.DropRate
	}
	if !drop && cond.DelayMax > 0 {
		delay = cond.DelayMin
		if cond.DelayMax > cond.DelayMin {
			delay += time.Duration(l.rng.Int63n(int64(cond.DelayMax - cond.DelayMin)))
		}
	}
	l.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	return drop
}

// condConn applies the link's network condition on writes.
type condConn struct {
	net.Conn
	link *Link
}

func (c *condConn) Write(b []byte) (int, error) {
	if c.link.apply() {
		// Dropped. The writer sees success, like UDP.
		return len(b), nil
	}
	return c.Conn.Write(b)
}
