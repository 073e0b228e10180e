// Package ledger maintains the ordered, durable record of generation
// and validation tasks.
//
// The Ledger owns all Task state. Workers mutate tasks exclusively
// through Create and Patch; observers (renderers, the dashboard
// server) read through Snapshot and are notified after every
// mutation. A bounded snapshot of the most recent tasks is persisted
// after each change so a restarted process can recover its history.
package ledger

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sorabatch/sorabatch/internal/observability"
)

// Status is the lifecycle state of a task.
//
// NOTE: These values are persisted in snapshots and are part of the
// stable on-disk contract.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusError   Status = "error"

	// StatusStalled marks a task that was queued or running when a
	// snapshot was taken and whose originating process did not survive
	// to finish it. Assigned only during Restore, never live.
	StatusStalled Status = "stalled"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError || s == StatusStalled
}

// MediaType classifies a resolved result URL.
type MediaType string

const (
	MediaVideo MediaType = "video"
	MediaImage MediaType = "image"
)

// Meta carries optional result metadata extracted from the stream.
type Meta struct {
	Resolution string `json:"resolution,omitempty"`
	Duration   string `json:"duration,omitempty"`
	Info       string `json:"info,omitempty"`
}

// Task is the ledger's record of one unit of work.
type Task struct {
	ID            int       `json:"id"`
	Status        Status    `json:"status"`
	PromptSnippet string    `json:"prompt_snippet"`
	PromptFull    string    `json:"prompt_full,omitempty"`
	URL           string    `json:"url,omitempty"`
	Type          MediaType `json:"type,omitempty"`
	Meta          *Meta     `json:"meta,omitempty"`
	Message       string    `json:"message,omitempty"`
	LogTail       string    `json:"log_tail,omitempty"`
	Progress      int       `json:"progress"`

	// NoLink flags a task that completed without producing a media
	// URL. The upstream call succeeded, so this is a warning rather
	// than an error.
	NoLink bool `json:"no_link,omitempty"`

	CreatedAt time.Time `json:"created_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// Patch is a partial update applied to a task. Nil fields are left
// untouched; set fields win over existing values (last write wins).
type Patch struct {
	Status   *Status
	URL      *string
	Type     *MediaType
	Meta     *Meta
	Message  *string
	LogTail  *string
	Progress *int
	NoLink   *bool
}

// Persister stores and loads the bounded task snapshot. Implementations
// must tolerate concurrent Save calls being serialized by the ledger.
type Persister interface {
	SaveTasks(tasks []Task) error
	LoadTasks() ([]Task, error)
}

// SnapshotLimit bounds how many tasks a snapshot retains. Matches the
// persisted-history depth of the original frontend.
const SnapshotLimit = 20

const stalledMessage = "interrupted by restart; resubmit to retry"

// Ledger is safe for concurrent use.
type Ledger struct {
	mu        sync.Mutex
	tasks     []Task // newest first
	nextID    int
	persister Persister
	observers []func()
}

// New creates an empty ledger. persister may be nil for purely
// in-memory use (tests, dry runs).
func New(persister Persister) *Ledger {
	return &Ledger{nextID: 1, persister: persister}
}

// Restore loads the persisted snapshot, if any. Tasks found in a
// mid-flight state are rewritten to stalled: the network call that was
// driving them cannot have survived the restart.
//
// A missing or unreadable snapshot degrades to an empty ledger.
func (l *Ledger) Restore() {
	if l.persister == nil {
		return
	}
	tasks, err := l.persister.LoadTasks()
	if err != nil {
		observability.CLILogger.Debug("Task snapshot unavailable, starting empty", zap.Error(err))
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.tasks = l.tasks[:0]
	for _, t := range tasks {
		if t.Status == StatusQueued || t.Status == StatusRunning {
			t.Status = StatusStalled
			t.Message = stalledMessage
			if t.Progress < 0 {
				t.Progress = 0
			}
		}
		l.tasks = append(l.tasks, t)
		if t.ID >= l.nextID {
			l.nextID = t.ID + 1
		}
	}
}

// Create inserts a new queued task at the front of the collection and
// returns its id. Ids are monotonically increasing and never reused.
func (l *Ledger) Create(promptSnippet, promptFull string) int {
	l.mu.Lock()
	now := time.Now().UTC()
	t := Task{
		ID:            l.nextID,
		Status:        StatusQueued,
		PromptSnippet: promptSnippet,
		PromptFull:    promptFull,
		Type:          MediaVideo,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	l.nextID++
	l.tasks = append([]Task{t}, l.tasks...)
	l.mu.Unlock()

	l.persistAndNotify()
	return t.ID
}

// Patch merges the set fields of p into the task with the given id.
// Unknown ids are a no-op. Progress is clamped to [0,100].
func (l *Ledger) Patch(id int, p Patch) {
	l.mu.Lock()
	changed := false
	for i := range l.tasks {
		if l.tasks[i].ID != id {
			continue
		}
		t := &l.tasks[i]
		if p.Status != nil {
			t.Status = *p.Status
		}
		if p.URL != nil {
			t.URL = *p.URL
		}
		if p.Type != nil {
			t.Type = *p.Type
		}
		if p.Meta != nil {
			t.Meta = p.Meta
		}
		if p.Message != nil {
			t.Message = *p.Message
		}
		if p.LogTail != nil {
			t.LogTail = *p.LogTail
		}
		if p.Progress != nil {
			t.Progress = clampProgress(*p.Progress)
		}
		if p.NoLink != nil {
			t.NoLink = *p.NoLink
		}
		t.UpdatedAt = time.Now().UTC()
		changed = true
		break
	}
	l.mu.Unlock()

	if changed {
		l.persistAndNotify()
	}
}

// Get returns a copy of the task with the given id.
func (l *Ledger) Get(id int) (Task, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.tasks {
		if t.ID == id {
			return t, true
		}
	}
	return Task{}, false
}

// Snapshot returns the most recent SnapshotLimit tasks, newest first.
func (l *Ledger) Snapshot() []Task {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.boundedLocked()
}

// Tasks returns a copy of every task in the current session.
func (l *Ledger) Tasks() []Task {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Task, len(l.tasks))
	copy(out, l.tasks)
	return out
}

// Counts returns the number of in-flight tasks and the total.
func (l *Ledger) Counts() (running, total int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.tasks {
		if t.Status == StatusQueued || t.Status == StatusRunning {
			running++
		}
	}
	return running, len(l.tasks)
}

// ClearTerminal removes all tasks in a terminal state.
func (l *Ledger) ClearTerminal() {
	l.clear(func(t Task) bool { return t.Status.Terminal() })
}

// ClearAll removes every task.
func (l *Ledger) ClearAll() {
	l.clear(func(Task) bool { return true })
}

func (l *Ledger) clear(drop func(Task) bool) {
	l.mu.Lock()
	kept := l.tasks[:0]
	for _, t := range l.tasks {
		if !drop(t) {
			kept = append(kept, t)
		}
	}
	l.tasks = kept
	l.mu.Unlock()

	l.persistAndNotify()
}

// Subscribe registers fn to be called after every mutation. fn must not
// call back into the ledger's mutating methods.
func (l *Ledger) Subscribe(fn func()) {
	l.mu.Lock()
	l.observers = append(l.observers, fn)
	l.mu.Unlock()
}

// persistAndNotify writes the bounded snapshot and fans out change
// notifications. Persistence failures are swallowed: the in-memory
// ledger stays the source of truth for the session.
func (l *Ledger) persistAndNotify() {
	l.mu.Lock()
	snapshot := l.boundedLocked()
	observers := make([]func(), len(l.observers))
	copy(observers, l.observers)
	p := l.persister
	l.mu.Unlock()

	if p != nil {
		if err := p.SaveTasks(snapshot); err != nil {
			observability.CLILogger.Debug("Task snapshot persist failed", zap.Error(err))
		}
	}
	for _, fn := range observers {
		fn()
	}
}

func (l *Ledger) boundedLocked() []Task {
	n := len(l.tasks)
	if n > SnapshotLimit {
		n = SnapshotLimit
	}
	out := make([]Task, n)
	copy(out, l.tasks[:n])
	return out
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
