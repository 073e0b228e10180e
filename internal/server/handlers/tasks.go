package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/sorabatch/sorabatch/pkg/ledger"
	"github.com/sorabatch/sorabatch/pkg/preview"
)

// TasksHandler exposes the ledger over JSON for dashboard embedding.
type TasksHandler struct {
	Ledger   *ledger.Ledger
	Registry *preview.Registry
}

// List serves the bounded task snapshot, newest first.
func (h *TasksHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"tasks": h.Ledger.Snapshot()})
}

// Counts serves the running/total counters used for cross-context
// dashboard aggregation.
func (h *TasksHandler) Counts(w http.ResponseWriter, r *http.Request) {
	running, total := h.Ledger.Counts()
	writeJSON(w, map[string]int{"running": running, "total": total})
}

// Previews serves the deduplicated resolved-media registry.
func (h *TasksHandler) Previews(w http.ResponseWriter, r *http.Request) {
	entries := []preview.Entry{}
	if h.Registry != nil {
		entries = h.Registry.Entries()
	}
	writeJSON(w, map[string]any{"previews": entries})
}

// VersionHandler serves build information.
type VersionHandler struct {
	Version string
	Commit  string
}

func (h *VersionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"version": h.Version, "commit": h.Commit})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
