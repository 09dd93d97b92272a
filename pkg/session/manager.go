package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/seclane/m2mrsp/pkg/crypto"
)

const (
	// DefaultTTL bounds the lifetime of a session. Provisioning completes
	// in well under this; anything older is an abandoned handshake.
	DefaultTTL = 10 * time.Minute

	// DefaultSweepInterval is how often the started Manager collects
	// expired sessions.
	DefaultSweepInterval = time.Minute
)

// Manager is a thread-safe store of key-establishment sessions, keyed by
// UUID session identifier. Every provisioning entity owns one.
type Manager struct {
	ttl           time.Duration
	sweepInterval time.Duration

	sessions map[string]*Session
	mu       sync.RWMutex

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// ManagerConfig configures a session Manager.
type ManagerConfig struct {
	// TTL bounds the lifetime of each session. Default: DefaultTTL.
	TTL time.Duration

	// SweepInterval controls how often expired sessions are collected once
	// the Manager is started. Default: DefaultSweepInterval.
	SweepInterval time.Duration
}

// NewManager creates a session manager. Start launches the expiry sweeper;
// a manager works without it, expiry is then only enforced on Get.
func NewManager(config ManagerConfig) *Manager {
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultSweepInterval
	}

	return &Manager{
		ttl:           config.TTL,
		sweepInterval: config.SweepInterval,
		sessions:      make(map[string]*Session),
		stopCh:        make(chan struct{}),
	}
}

// New creates a session with a fresh UUID and ephemeral key pair and stores
// it in the manager.
func (m *Manager) New(config Config) (*Session, error) {
	if !config.Role.IsValid() {
		return nil, ErrInvalidRole
	}
	if config.EntityID == "" || config.PeerID == "" {
		return nil, ErrMissingPeer
	}

	ephemeral, err := crypto.P256GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("session: generate ephemeral key pair: %w", err)
	}

	now := time.Now()
	s := &Session{
		id:        uuid.NewString(),
		role:      config.Role,
		entityID:  config.EntityID,
		peerID:    config.PeerID,
		isdpAID:   config.ISDPAID,
		challenge: append([]byte(nil), config.Challenge...),
		ephemeral: ephemeral,
		step:      StepInitiated,
		createdAt: now,
		expiresAt: now.Add(m.ttl),
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	return s, nil
}

// Get returns the session with the given ID. Unknown IDs return
// ErrInvalidSession; sessions past their deadline return ErrSessionExpired
// and are removed.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()

	if !ok {
		return nil, ErrInvalidSession
	}
	if time.Now().After(s.expiresAt) {
		m.Remove(id)
		return nil, ErrSessionExpired
	}

	return s, nil
}

// Complete marks a session completed and stores its derived key set. The
// ephemeral private key is released; it has no use after the shared secret
// exists.
func (m *Manager) Complete(id string, keys *KeySet) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}

	s.complete(keys)
	return nil
}

// Remove deletes a session and wipes its key material. Removing an unknown
// ID is a no-op.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if ok {
		s.wipe()
	}
}

// ExpireBefore removes all sessions whose deadline is before t and returns
// how many were removed.
func (m *Manager) ExpireBefore(t time.Time) int {
	m.mu.Lock()
	var expired []*Session
	for id, s := range m.sessions {
		if s.expiresAt.Before(t) {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		s.wipe()
	}
	return len(expired)
}

// Count returns the number of stored sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Start launches the expiry sweeper.
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.ExpireBefore(time.Now())
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop halts the sweeper and wipes all sessions. Safe to call more than
// once and without a prior Start.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.wipe()
	}
}
