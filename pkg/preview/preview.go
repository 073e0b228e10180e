// Package preview collects resolved media for display collaborators.
// Entries are deduplicated by exact URL so repeated resolutions of the
// same result register once.
package preview

import (
	"sync"
	"time"

	"github.com/sorabatch/sorabatch/pkg/ledger"
)

// Entry is one resolved media reference.
type Entry struct {
	URL     string           `json:"url"`
	Type    ledger.MediaType `json:"type"`
	TaskID  int              `json:"task_id"`
	AddedAt time.Time        `json:"added_at"`
}

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	entries []Entry
	seen    map[string]bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{seen: make(map[string]bool)}
}

// Register records url once. It reports whether the entry was new.
func (r *Registry) Register(url string, mediaType ledger.MediaType, taskID int) bool {
	if url == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen[url] {
		return false
	}
	r.seen[url] = true
	r.entries = append(r.entries, Entry{
		URL:     url,
		Type:    mediaType,
		TaskID:  taskID,
		AddedAt: time.Now().UTC(),
	})
	return true
}

// Entries returns a copy in registration order.
func (r *Registry) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}
