// Package memstore implements pipelinecore.RunStore entirely in memory,
// for tests and local development where a durable backend is overkill.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	pc "github.com/nevindra/pipelinecore"
)

type stepRunKey struct {
	runID, stepID string
	attempt       int
}

// Store is a sync.Mutex-guarded in-memory pc.RunStore. Nothing is
// persisted across process restarts.
type Store struct {
	mu       sync.Mutex
	runs     map[string]pc.Run
	leases   map[string]time.Time
	stepRuns map[stepRunKey]pc.StepRun
	logs     map[string][]pc.LogEntry
	leaseTTL time.Duration
}

// New builds an empty Store. leaseTTL of 0 defaults to one hour.
func New(leaseTTL time.Duration) *Store {
	if leaseTTL <= 0 {
		leaseTTL = time.Hour
	}
	return &Store{
		runs:     make(map[string]pc.Run),
		leases:   make(map[string]time.Time),
		stepRuns: make(map[stepRunKey]pc.StepRun),
		logs:     make(map[string][]pc.LogEntry),
		leaseTTL: leaseTTL,
	}
}

func (s *Store) CreateRun(ctx context.Context, run pc.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return &pc.StoreError{Op: "CreateRun", Err: fmt.Errorf("run %s already exists", run.ID)}
	}
	s.runs[run.ID] = run
	s.leases[run.ID] = time.Now().Add(s.leaseTTL)
	return nil
}

func (s *Store) UpdateRunState(ctx context.Context, runID string, state pc.RunState, finishedAt time.Time, errMsg string, outputs map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return &pc.StoreError{Op: "UpdateRunState", Err: fmt.Errorf("run %s not found", runID)}
	}
	run.State = state
	run.FinishedAt = finishedAt
	run.Error = errMsg
	run.Outputs = outputs
	s.runs[runID] = run
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (pc.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return pc.Run{}, &pc.StoreError{Op: "GetRun", Err: fmt.Errorf("run %s not found", runID)}
	}
	return run, nil
}

func (s *Store) PutStepRun(ctx context.Context, sr pc.StepRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stepRuns[stepRunKey{sr.RunID, sr.StepID, sr.Attempt}] = sr
	return nil
}

func (s *Store) ListStepRuns(ctx context.Context, runID string) ([]pc.StepRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []pc.StepRun
	for k, sr := range s.stepRuns {
		if k.runID == runID {
			out = append(out, sr)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StepID != out[j].StepID {
			return out[i].StepID < out[j].StepID
		}
		return out[i].Attempt > out[j].Attempt
	})
	return out, nil
}

func (s *Store) AppendLog(ctx context.Context, stepRunID string, entry pc.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[stepRunID] = append(s.logs[stepRunID], entry)
	return nil
}

func (s *Store) Heartbeat(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok || run.State != pc.RunRunning {
		return nil
	}
	s.leases[runID] = time.Now().Add(s.leaseTTL)
	return nil
}

func (s *Store) ListExpiredLeases(ctx context.Context) ([]pc.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var out []pc.Run
	for id, run := range s.runs {
		if run.State != pc.RunRunning {
			continue
		}
		if expires, ok := s.leases[id]; ok && expires.Before(now) {
			out = append(out, run)
		}
	}
	return out, nil
}

func (s *Store) Close() error { return nil }

var _ pc.RunStore = (*Store)(nil)
