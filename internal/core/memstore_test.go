package core

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// memStore is an in-memory Store with the same compare-and-swap rules as the SQL store.
type memStore struct {
	mu     sync.Mutex
	tasks  map[string]*TaskDefinition
	execs  map[string]*ExecutionRecord
	order  []string
	claims int

	progressWrites int
}

func newMemStore(tasks ...*TaskDefinition) *memStore {
	m := &memStore{
		tasks: make(map[string]*TaskDefinition),
		execs: make(map[string]*ExecutionRecord),
	}
	for _, t := range tasks {
		m.put(t)
	}
	return m
}

func (m *memStore) put(t *TaskDefinition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	if cp.Version == 0 {
		cp.Version = 1
	}
	m.tasks[t.ID] = &cp
}

func (m *memStore) runningLocked(taskID string) *ExecutionRecord {
	for _, id := range m.order {
		if e := m.execs[id]; e.TaskID == taskID && e.Outcome == OutcomeRunning {
			return e
		}
	}
	return nil
}

func (m *memStore) snapshotLocked(t *TaskDefinition) *TaskDefinition {
	cp := *t
	cp.IsRunning = m.runningLocked(t.ID) != nil
	return &cp
}

func (m *memStore) ListSchedulable(ctx context.Context) ([]*TaskDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*TaskDefinition
	for _, t := range m.tasks {
		if t.Enabled {
			out = append(out, m.snapshotLocked(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) GetTask(ctx context.Context, id string) (*TaskDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return m.snapshotLocked(t), nil
}

func (m *memStore) ClaimTask(ctx context.Context, claim Claim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[claim.TaskID]
	if !ok || t.Version != claim.ExpectedVersion || (claim.RequireEnabled && !t.Enabled) || m.runningLocked(t.ID) != nil {
		return errors.Wrapf(ErrClaimConflict, "task %s", claim.TaskID)
	}
	t.Version++
	started := claim.Execution.StartedAt
	t.LastStartAt = &started
	t.NextRunAt = claim.NextRunAt
	rec := *claim.Execution
	m.execs[rec.ID] = &rec
	m.order = append(m.order, rec.ID)
	m.claims++
	return nil
}

func (m *memStore) UpdateProgress(ctx context.Context, executionID string, value, max int64, message *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.execs[executionID]; ok && e.Outcome == OutcomeRunning {
		e.ProgressValue, e.ProgressMax, e.ProgressMessage = value, max, message
		m.progressWrites++
	}
	return nil
}

func (m *memStore) FinishExecution(ctx context.Context, result ExecutionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.execs[result.ExecutionID]
	if !ok || e.Outcome != OutcomeRunning {
		return ErrExecutionNotFound
	}
	ended := result.EndedAt
	e.Outcome = result.Outcome
	e.EndedAt = &ended
	e.Error = result.Error
	e.ProgressValue, e.ProgressMax, e.ProgressMessage = result.ProgressValue, result.ProgressMax, result.ProgressMessage

	t := m.tasks[result.TaskID]
	outcome := result.Outcome
	t.LastEndAt = &ended
	t.LastOutcome = &outcome
	t.NextRunAt = result.NextRunAt
	t.Version++
	if outcome == OutcomeSucceeded {
		t.LastSuccessAt = &ended
	}
	if result.DisableTask {
		t.Enabled = false
	}
	return nil
}

func (m *memStore) RunningExecution(ctx context.Context, taskID string) (*ExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.runningLocked(taskID); e != nil {
		cp := *e
		return &cp, nil
	}
	return nil, ErrExecutionNotFound
}

func (m *memStore) RequestCancel(ctx context.Context, executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.execs[executionID]
	if !ok || e.Outcome != OutcomeRunning {
		return ErrNotRunning
	}
	e.CancelRequested = true
	return nil
}

func (m *memStore) ListCancelRequested(ctx context.Context, machineName string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, id := range m.order {
		e := m.execs[id]
		if e.Outcome == OutcomeRunning && e.CancelRequested && e.MachineName == machineName {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *memStore) AbandonRunning(ctx context.Context, machineName string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range m.order {
		e := m.execs[id]
		if e.Outcome == OutcomeRunning && e.MachineName == machineName {
			msg := "abandoned"
			ended := at
			e.Outcome, e.EndedAt, e.Error = OutcomeFailed, &ended, &msg
			n++
		}
	}
	return n, nil
}

func (m *memStore) task(id string) TaskDefinition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.tasks[id]
}

func (m *memStore) executions(taskID string) []ExecutionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ExecutionRecord
	for _, id := range m.order {
		if e := m.execs[id]; e.TaskID == taskID {
			out = append(out, *e)
		}
	}
	return out
}

func (m *memStore) claimCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.claims
}
