package discovery

import (
	"sort"
	"sync"
)

// Directory is the in-process entity registry: entity ID to role and
// version. The router addresses entities by ID; the directory answers
// which IDs are present and which role each plays.
//
// Thread Safety: All methods are safe for concurrent use.
type Directory struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		entries: make(map[string]Entry),
	}
}

// Register adds an entry.
//
// Returns ErrInvalidEntry for malformed entries and ErrDuplicateEntity
// if the ID is already registered.
func (d *Directory) Register(e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.entries[e.ID]; exists {
		return ErrDuplicateEntity
	}
	d.entries[e.ID] = e
	return nil
}

// Unregister removes an entry. Removing an unknown ID is a no-op.
func (d *Directory) Unregister(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, id)
}

// Lookup returns the entry for an entity ID.
func (d *Directory) Lookup(id string) (Entry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[id]
	return e, ok
}

// ByRole returns all entries with the given role, sorted by ID.
func (d *Directory) ByRole(role Role) []Entry {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var entries []Entry
	for _, e := range d.entries {
		if e.Role == role {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries
}

// List returns all entries, sorted by ID.
func (d *Directory) List() []Entry {
	d.mu.RLock()
	defer d.mu.RUnlock()

	entries := make([]Entry, 0, len(d.entries))
	for _, e := range d.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries
}

// Count returns the number of registered entries.
func (d *Directory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}
