package ledger

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memPersister is an in-memory Persister for tests.
type memPersister struct {
	mu    sync.Mutex
	saved []Task
	fail  bool
}

func (m *memPersister) SaveTasks(tasks []Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("persist failed")
	}
	m.saved = append([]Task(nil), tasks...)
	return nil
}

func (m *memPersister) LoadTasks() ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Task(nil), m.saved...), nil
}

func TestCreateAssignsMonotonicIDs(t *testing.T) {
	l := New(nil)

	id1 := l.Create("first", "first prompt")
	id2 := l.Create("second", "second prompt")

	assert.Equal(t, 1, id1)
	assert.Equal(t, 2, id2)

	tasks := l.Tasks()
	require.Len(t, tasks, 2)
	// Newest first.
	assert.Equal(t, id2, tasks[0].ID)
	assert.Equal(t, StatusQueued, tasks[0].Status)
	assert.Equal(t, id1, tasks[1].ID)
}

func TestPatchMergesOnlySetFields(t *testing.T) {
	l := New(nil)
	id := l.Create("cat", "a cat riding a bike")

	status := StatusRunning
	progress := 40
	l.Patch(id, Patch{Status: &status, Progress: &progress})

	task, ok := l.Get(id)
	require.True(t, ok)
	assert.Equal(t, StatusRunning, task.Status)
	assert.Equal(t, 40, task.Progress)
	assert.Equal(t, "cat", task.PromptSnippet, "unset fields must not change")

	url := "https://videos.example.com/a.mp4"
	l.Patch(id, Patch{URL: &url})

	task, _ = l.Get(id)
	assert.Equal(t, url, task.URL)
	assert.Equal(t, 40, task.Progress, "progress untouched by URL-only patch")
}

func TestPatchUnknownIDIsNoOp(t *testing.T) {
	l := New(nil)
	l.Create("x", "x")

	status := StatusDone
	l.Patch(999, Patch{Status: &status})

	tasks := l.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, StatusQueued, tasks[0].Status)
}

func TestPatchClampsProgress(t *testing.T) {
	l := New(nil)
	id := l.Create("x", "x")

	for _, tc := range []struct {
		in, want int
	}{
		{-5, 0},
		{0, 0},
		{55, 55},
		{100, 100},
		{250, 100},
	} {
		p := tc.in
		l.Patch(id, Patch{Progress: &p})
		task, _ := l.Get(id)
		assert.Equal(t, tc.want, task.Progress, "progress %d", tc.in)
	}
}

func TestSnapshotBounded(t *testing.T) {
	l := New(nil)
	for i := 0; i < SnapshotLimit+5; i++ {
		l.Create("p", "p")
	}

	snap := l.Snapshot()
	require.Len(t, snap, SnapshotLimit)
	// Most recent first: highest id at the front.
	assert.Equal(t, SnapshotLimit+5, snap[0].ID)
}

func TestRestoreRewritesMidFlightToStalled(t *testing.T) {
	p := &memPersister{}
	l := New(p)

	id1 := l.Create("done task", "done task")
	done := StatusDone
	hundred := 100
	l.Patch(id1, Patch{Status: &done, Progress: &hundred})

	id2 := l.Create("running task", "running task")
	running := StatusRunning
	sixty := 60
	l.Patch(id2, Patch{Status: &running, Progress: &sixty})

	recovered := New(p)
	recovered.Restore()

	tasks := recovered.Tasks()
	require.Len(t, tasks, 2)

	byID := map[int]Task{}
	for _, task := range tasks {
		byID[task.ID] = task
	}

	assert.Equal(t, StatusDone, byID[id1].Status)
	assert.Equal(t, StatusStalled, byID[id2].Status)
	assert.NotEmpty(t, byID[id2].Message)
	assert.Equal(t, 60, byID[id2].Progress, "progress preserved across recovery")

	// Ids must keep increasing after recovery.
	id3 := recovered.Create("new", "new")
	assert.Greater(t, id3, id2)
}

func TestRestoreRoundTripWithoutMidFlightIsIdentity(t *testing.T) {
	p := &memPersister{}
	l := New(p)

	id := l.Create("a", "a")
	done := StatusDone
	l.Patch(id, Patch{Status: &done})

	before := l.Snapshot()

	recovered := New(p)
	recovered.Restore()
	after := recovered.Snapshot()

	assert.Equal(t, before, after)
}

func TestPersistFailureIsSwallowed(t *testing.T) {
	p := &memPersister{fail: true}
	l := New(p)

	// Must not panic or error; the in-memory ledger stays usable.
	id := l.Create("a", "a")
	task, ok := l.Get(id)
	require.True(t, ok)
	assert.Equal(t, StatusQueued, task.Status)
}

func TestClearTerminalKeepsInFlight(t *testing.T) {
	l := New(nil)

	idDone := l.Create("done", "done")
	done := StatusDone
	l.Patch(idDone, Patch{Status: &done})

	idErr := l.Create("err", "err")
	errStatus := StatusError
	l.Patch(idErr, Patch{Status: &errStatus})

	idRun := l.Create("run", "run")
	running := StatusRunning
	l.Patch(idRun, Patch{Status: &running})

	l.ClearTerminal()

	tasks := l.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, idRun, tasks[0].ID)

	l.ClearAll()
	assert.Empty(t, l.Tasks())
}

func TestCountsAndObservers(t *testing.T) {
	l := New(nil)

	var mu sync.Mutex
	notifications := 0
	l.Subscribe(func() {
		mu.Lock()
		notifications++
		mu.Unlock()
	})

	id := l.Create("a", "a")
	running := StatusRunning
	l.Patch(id, Patch{Status: &running})

	runningCount, total := l.Counts()
	assert.Equal(t, 1, runningCount)
	assert.Equal(t, 1, total)

	done := StatusDone
	l.Patch(id, Patch{Status: &done})

	runningCount, total = l.Counts()
	assert.Equal(t, 0, runningCount)
	assert.Equal(t, 1, total)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, notifications)
}

func TestConcurrentPatchesDoNotCorrupt(t *testing.T) {
	l := New(&memPersister{})

	const n = 8
	ids := make([]int, n)
	for i := range ids {
		ids[i] = l.Create("p", "p")
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for p := 0; p <= 100; p += 10 {
				progress := p
				l.Patch(id, Patch{Progress: &progress})
			}
			done := StatusDone
			l.Patch(id, Patch{Status: &done})
		}(id)
	}
	wg.Wait()

	tasks := l.Tasks()
	require.Len(t, tasks, n)
	for _, task := range tasks {
		assert.Equal(t, StatusDone, task.Status)
		assert.Equal(t, 100, task.Progress)
	}
}
