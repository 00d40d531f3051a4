// Package memory provides in-memory repositories with the same conflict
// semantics as the postgres implementations. Used by tests and dev mode.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/caravel-labs/caravel-go/internal/domain"
	"github.com/caravel-labs/caravel-go/internal/repo"
)

type RunStore struct {
	mu   sync.RWMutex
	runs map[string]domain.Run
}

func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]domain.Run)}
}

func (s *RunStore) CreateRun(_ context.Context, run domain.Run) error {
	if err := run.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %q already exists", run.ID)
	}
	s.runs[run.ID] = run
	return nil
}

func (s *RunStore) GetRun(_ context.Context, id string) (domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[strings.TrimSpace(id)]
	if !ok {
		return domain.Run{}, repo.ErrNotFound
	}
	return run, nil
}

func (s *RunStore) ListRuns(_ context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if filter.Pipeline != "" && run.Pipeline != filter.Pipeline {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *RunStore) UpdateRunStatus(_ context.Context, id string, status domain.RunState, endedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[strings.TrimSpace(id)]
	if !ok {
		return repo.ErrNotFound
	}
	run.Status = status
	run.EndedAt = endedAt
	s.runs[run.ID] = run
	return nil
}

type AttemptStore struct {
	mu       sync.RWMutex
	attempts map[string][]domain.StageAttempt
}

func NewAttemptStore() *AttemptStore {
	return &AttemptStore{attempts: make(map[string][]domain.StageAttempt)}
}

func (s *AttemptStore) Append(_ context.Context, attempt domain.StageAttempt) (domain.StageAttempt, bool, error) {
	if err := attempt.Validate(); err != nil {
		return domain.StageAttempt{}, false, err
	}
	if strings.TrimSpace(attempt.ID) == "" {
		attempt.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.attempts[attempt.RunID] {
		if existing.StageID == attempt.StageID && existing.Attempt == attempt.Attempt {
			return existing, false, nil
		}
	}
	s.attempts[attempt.RunID] = append(s.attempts[attempt.RunID], attempt)
	return attempt, true, nil
}

func (s *AttemptStore) ListByRun(_ context.Context, runID string) ([]domain.StageAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.StageAttempt, len(s.attempts[runID]))
	copy(out, s.attempts[runID])
	sortAttempts(out)
	return out, nil
}

func (s *AttemptStore) ListByStage(_ context.Context, runID, stageID string) ([]domain.StageAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.StageAttempt, 0)
	for _, attempt := range s.attempts[runID] {
		if attempt.StageID == stageID {
			out = append(out, attempt)
		}
	}
	sortAttempts(out)
	return out, nil
}

func sortAttempts(attempts []domain.StageAttempt) {
	sort.Slice(attempts, func(i, j int) bool {
		if attempts[i].StageID == attempts[j].StageID {
			return attempts[i].Attempt < attempts[j].Attempt
		}
		return attempts[i].StageID < attempts[j].StageID
	})
}
