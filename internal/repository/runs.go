package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/felipepmaragno/inference-trader/internal/domain"
)

type RunRepository interface {
	SaveRun(ctx context.Context, run *domain.RunResult) error
	GetRun(ctx context.Context, runID string) (*domain.RunResult, error)
	ListRuns(ctx context.Context, limit int) ([]*domain.RunResult, error)
}

const DefaultListLimit = 50

type InMemoryRunRepository struct {
	mu   sync.RWMutex
	runs map[string]*domain.RunResult
}

func NewInMemoryRunRepository() *InMemoryRunRepository {
	return &InMemoryRunRepository{
		runs: make(map[string]*domain.RunResult),
	}
}

func (r *InMemoryRunRepository) SaveRun(ctx context.Context, run *domain.RunResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.runs[run.RunID] = copyRun(run)
	return nil
}

func (r *InMemoryRunRepository) GetRun(ctx context.Context, runID string) (*domain.RunResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	run, ok := r.runs[runID]
	if !ok {
		return nil, domain.ErrRunNotFound
	}
	return copyRun(run), nil
}

// ListRuns returns the most recent runs first.
func (r *InMemoryRunRepository) ListRuns(ctx context.Context, limit int) ([]*domain.RunResult, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	r.mu.RLock()
	runs := make([]*domain.RunResult, 0, len(r.runs))
	for _, run := range r.runs {
		runs = append(runs, copyRun(run))
	}
	r.mu.RUnlock()

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func copyRun(run *domain.RunResult) *domain.RunResult {
	out := *run
	out.History = append([]domain.StateChange(nil), run.History...)
	if run.Ledger != nil {
		l := *run.Ledger
		out.Ledger = &l
	}
	return &out
}
