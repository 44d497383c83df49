package orchestrator

import (
	"fmt"
	"sort"
	"sync"

	"ttai-workers/internal/store"
)

// Journal is the durable record of runs and completed activities.
// *store.Store satisfies it.
type Journal interface {
	CreateRun(run store.WorkflowRun) (bool, error)
	GetRun(id string) (store.WorkflowRun, error)
	UpdateRun(run store.WorkflowRun) error
	ListOpenRuns(namespace, taskQueue string) ([]store.WorkflowRun, error)
	GetActivity(runID string, seq int) (store.ActivityRecord, bool, error)
	SaveActivity(rec store.ActivityRecord) error
}

var _ Journal = (*store.Store)(nil)

// MemoryJournal keeps the journal in process memory. Runs do not survive a restart.
type MemoryJournal struct {
	mu         sync.Mutex
	runs       map[string]store.WorkflowRun
	activities map[string]store.ActivityRecord
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{
		runs:       make(map[string]store.WorkflowRun),
		activities: make(map[string]store.ActivityRecord),
	}
}

func activityKey(runID string, seq int) string {
	return fmt.Sprintf("%s/%d", runID, seq)
}

func (j *MemoryJournal) CreateRun(run store.WorkflowRun) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.runs[run.ID]; ok {
		return false, nil
	}
	j.runs[run.ID] = run
	return true, nil
}

func (j *MemoryJournal) GetRun(id string) (store.WorkflowRun, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	run, ok := j.runs[id]
	if !ok {
		return store.WorkflowRun{}, fmt.Errorf("run %s: %w", id, store.ErrNotFound)
	}
	return run, nil
}

func (j *MemoryJournal) UpdateRun(run store.WorkflowRun) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	cur, ok := j.runs[run.ID]
	if !ok {
		return fmt.Errorf("update run %s: %w", run.ID, store.ErrNotFound)
	}
	run.CreatedAt = cur.CreatedAt
	run.Input = cur.Input
	j.runs[run.ID] = run
	return nil
}

func (j *MemoryJournal) ListOpenRuns(namespace, taskQueue string) ([]store.WorkflowRun, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []store.WorkflowRun
	for _, r := range j.runs {
		if r.Namespace == namespace && r.TaskQueue == taskQueue && store.IsOpenStatus(r.Status) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt < out[b].CreatedAt })
	return out, nil
}

func (j *MemoryJournal) GetActivity(runID string, seq int) (store.ActivityRecord, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec, ok := j.activities[activityKey(runID, seq)]
	return rec, ok, nil
}

func (j *MemoryJournal) SaveActivity(rec store.ActivityRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.activities[activityKey(rec.RunID, rec.Seq)] = rec
	return nil
}
