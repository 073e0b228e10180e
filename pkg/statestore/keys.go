package statestore

import (
	"errors"

	"github.com/sorabatch/sorabatch/pkg/ledger"
)

// Fixed keys for the persisted blobs.
const (
	keyTasks     = "tasks_snapshot"
	keyFormState = "form_state"
)

// TaskPersister adapts the store to the ledger's persistence contract.
type TaskPersister struct {
	Store *Store
}

var errNoSnapshot = errors.New("no task snapshot")

// SaveTasks writes the bounded snapshot.
func (p TaskPersister) SaveTasks(tasks []ledger.Task) error {
	return p.Store.Put(keyTasks, tasks)
}

// LoadTasks reads the snapshot. Absence is an error so the ledger
// starts empty, which matches its recovery contract.
func (p TaskPersister) LoadTasks() ([]ledger.Task, error) {
	var tasks []ledger.Task
	found, err := p.Store.Get(keyTasks, &tasks)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errNoSnapshot
	}
	return tasks, nil
}

// FormState is the saved defaults blob: the last-used settings the next
// invocation picks up as flag defaults.
type FormState struct {
	BaseURL     string `json:"base_url,omitempty"`
	Model       string `json:"model,omitempty"`
	Concurrency int    `json:"concurrency,omitempty"`
	BatchMode   string `json:"batch_mode,omitempty"`
}

// LoadFormState returns the saved defaults, or the zero value when
// absent or corrupt.
func (s *Store) LoadFormState() FormState {
	var fs FormState
	if found, err := s.Get(keyFormState, &fs); err != nil || !found {
		return FormState{}
	}
	return fs
}

// SaveFormState persists the defaults for the next run.
func (s *Store) SaveFormState(fs FormState) error {
	return s.Put(keyFormState, fs)
}
