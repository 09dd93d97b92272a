package isdp

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry errors.
var (
	// ErrNotFound is returned when no ISD-P with the given AID exists.
	ErrNotFound = errors.New("isdp: ISD-P not found")
	// ErrInvalidTransition is returned when a lifecycle operation is not
	// legal from the ISD-P's current state.
	ErrInvalidTransition = errors.New("isdp: invalid lifecycle transition")
	// ErrInsufficientMemory is returned when an eUICC cannot satisfy the
	// memory requirement of a new ISD-P.
	ErrInsufficientMemory = errors.New("isdp: not enough memory")
	// ErrProfileNotFound is returned when enabling an ISD-P that has no
	// profile bound.
	ErrProfileNotFound = errors.New("isdp: no profile bound")
)

// ISD-P AID layout: a fixed RID and PIX prefix followed by random
// uppercase hex digits.
const (
	// AIDPrefix is the shared prefix of every ISD-P AID.
	AIDPrefix = "A0000005591010"
	// AIDSuffixSize is the number of random bytes appended to AIDPrefix.
	AIDSuffixSize = 4
)

// DefaultMemoryUnits is the free-memory budget assumed for an eUICC
// that has not declared one.
const DefaultMemoryUnits = 512

const maxAIDAttempts = 8

// Config configures a Registry.
type Config struct {
	// DefaultMemory is the memory budget granted to eUICCs that have
	// not declared one via DeclareMemory. Default: DefaultMemoryUnits.
	DefaultMemory int
	// Rand is the entropy source for AID generation.
	// Default: crypto/rand.
	Rand io.Reader
}

// Registry tracks ISD-P records and enforces the lifecycle state
// machine and per-eUICC memory budgets.
//
// The SM-SR holds one Registry spanning every managed eUICC, which is
// what keeps AIDs globally unique; each eUICC additionally holds its
// own Registry for the ISD-Ps it owns.
//
// Thread Safety: All methods are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*ISDP // keyed by AID
	budgets map[string]int   // declared memory units per eUICC
	used    map[string]int   // allocated memory units per eUICC
	config  Config
}

// NewRegistry creates an empty registry with the given configuration.
func NewRegistry(config Config) *Registry {
	if config.DefaultMemory <= 0 {
		config.DefaultMemory = DefaultMemoryUnits
	}
	if config.Rand == nil {
		config.Rand = rand.Reader
	}

	return &Registry{
		records: make(map[string]*ISDP),
		budgets: make(map[string]int),
		used:    make(map[string]int),
		config:  config,
	}
}

// DeclareMemory records the free-memory budget an eUICC reported in its
// EIS. It replaces any previously declared budget.
func (r *Registry) DeclareMemory(euiccID string, units int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.budgets[euiccID] = units
}

// FreeMemory returns the memory units still available on the eUICC.
func (r *Registry) FreeMemory(euiccID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.budgetLocked(euiccID) - r.used[euiccID]
}

func (r *Registry) budgetLocked(euiccID string) int {
	if budget, ok := r.budgets[euiccID]; ok {
		return budget
	}
	return r.config.DefaultMemory
}

// Create allocates a new ISD-P on the eUICC in state CREATED.
//
// Returns ErrInsufficientMemory if required exceeds the eUICC's free
// memory. The new AID is AIDPrefix plus AIDSuffixSize random bytes and
// is unique within the registry.
func (r *Registry) Create(euiccID string, required int) (*ISDP, error) {
	if euiccID == "" {
		return nil, fmt.Errorf("isdp: empty eUICC ID")
	}
	if required < 0 {
		return nil, fmt.Errorf("isdp: negative memory requirement %d", required)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if required > r.budgetLocked(euiccID)-r.used[euiccID] {
		return nil, ErrInsufficientMemory
	}

	aid, err := r.newAIDLocked()
	if err != nil {
		return nil, err
	}

	rec := &ISDP{
		AID:       aid,
		EUICCID:   euiccID,
		Memory:    required,
		State:     StateCreated,
		CreatedAt: time.Now(),
	}
	r.records[aid] = rec
	r.used[euiccID] += required
	return rec.Clone(), nil
}

func (r *Registry) newAIDLocked() (string, error) {
	for attempt := 0; attempt < maxAIDAttempts; attempt++ {
		suffix := make([]byte, AIDSuffixSize)
		if _, err := io.ReadFull(r.config.Rand, suffix); err != nil {
			return "", fmt.Errorf("isdp: AID generation: %w", err)
		}
		aid := AIDPrefix + strings.ToUpper(hex.EncodeToString(suffix))
		if _, exists := r.records[aid]; !exists {
			return aid, nil
		}
	}
	return "", errors.New("isdp: AID space exhausted")
}

// Restore inserts a record as-is, preserving its AID and state. It is
// used when reloading EIS data from storage.
//
// Live records count against the owning eUICC's memory budget again.
func (r *Registry) Restore(rec *ISDP) error {
	if rec == nil || rec.AID == "" || rec.EUICCID == "" {
		return fmt.Errorf("isdp: incomplete record")
	}
	if !rec.State.IsValid() {
		return fmt.Errorf("isdp: restore with state %s", rec.State)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[rec.AID]; exists {
		return fmt.Errorf("isdp: AID %s already registered", rec.AID)
	}
	r.records[rec.AID] = rec.Clone()
	if rec.State != StateDeleted {
		r.used[rec.EUICCID] += rec.Memory
	}
	return nil
}

// Get returns a copy of the record with the given AID.
//
// Returns ErrNotFound if no such ISD-P exists.
func (r *Registry) Get(aid string) (*ISDP, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[aid]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// FindByICCID returns the ISD-P to which the profile with the given
// ICCID is bound.
//
// Returns ErrNotFound if no live ISD-P holds the profile.
func (r *Registry) FindByICCID(iccid string) (*ISDP, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rec := range r.records {
		if rec.ICCID == iccid && rec.State != StateDeleted {
			return rec.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

// Upload marks the ISD-P's profile data as received.
//
// Returns ErrInvalidTransition unless the ISD-P is in CREATED.
func (r *Registry) Upload(aid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[aid]
	if !ok {
		return ErrNotFound
	}
	if rec.State != StateCreated {
		return transitionError(rec.State, StateUploaded)
	}
	rec.State = StateUploaded
	return nil
}

// Install binds a profile to the ISD-P and moves it to INSTALLED.
//
// Returns ErrProfileNotFound if iccid is empty and ErrInvalidTransition
// unless the ISD-P is in CREATED or UPLOADED.
func (r *Registry) Install(aid, iccid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[aid]
	if !ok {
		return ErrNotFound
	}
	if rec.State != StateCreated && rec.State != StateUploaded {
		return transitionError(rec.State, StateInstalled)
	}
	if iccid == "" {
		return ErrProfileNotFound
	}
	rec.State = StateInstalled
	rec.ICCID = iccid
	return nil
}

// Enable activates the bound profile.
//
// Returns ErrProfileNotFound if no profile is bound and
// ErrInvalidTransition unless the ISD-P is in INSTALLED or DISABLED.
func (r *Registry) Enable(aid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[aid]
	if !ok {
		return ErrNotFound
	}
	if !rec.State.CanTransition(StateEnabled) {
		return transitionError(rec.State, StateEnabled)
	}
	if rec.ICCID == "" {
		return ErrProfileNotFound
	}
	rec.State = StateEnabled
	return nil
}

// Disable takes the enabled profile out of service.
//
// Returns ErrInvalidTransition unless the ISD-P is in ENABLED.
func (r *Registry) Disable(aid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[aid]
	if !ok {
		return ErrNotFound
	}
	if !rec.State.CanTransition(StateDisabled) {
		return transitionError(rec.State, StateDisabled)
	}
	rec.State = StateDisabled
	return nil
}

// Delete moves the ISD-P to DELETED and releases its memory.
//
// DELETED is terminal: deleted records accept no further transitions
// and a second Delete returns ErrInvalidTransition.
func (r *Registry) Delete(aid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[aid]
	if !ok {
		return ErrNotFound
	}
	if rec.State == StateDeleted {
		return transitionError(rec.State, StateDeleted)
	}
	rec.State = StateDeleted
	r.used[rec.EUICCID] -= rec.Memory
	return nil
}

// BindKeyset records an SCP03 keyset reference on the ISD-P security
// domain. Keysets are bound as part of profile installation.
//
// Returns ErrInvalidTransition if the ISD-P is DELETED.
func (r *Registry) BindKeyset(aid, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[aid]
	if !ok {
		return ErrNotFound
	}
	if rec.State == StateDeleted {
		return fmt.Errorf("%w: keyset bind on %s", ErrInvalidTransition, rec.State)
	}
	rec.KeysetRefs = append(rec.KeysetRefs, ref)
	return nil
}

// List returns copies of the eUICC's ISD-P records ordered by creation
// time.
func (r *Registry) List(euiccID string) []*ISDP {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*ISDP, 0)
	for _, rec := range r.records {
		if rec.EUICCID == euiccID {
			result = append(result, rec.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].AID < result[j].AID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// Count returns the number of ISD-P records owned by the eUICC.
func (r *Registry) Count(euiccID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, rec := range r.records {
		if rec.EUICCID == euiccID {
			n++
		}
	}
	return n
}

func transitionError(from, to State) error {
	return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
}
