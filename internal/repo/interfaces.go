package repo

import (
	"context"
	"errors"
	"time"

	"github.com/caravel-labs/caravel-go/internal/domain"
)

var ErrNotFound = errors.New("not found")

type RunFilter struct {
	Pipeline string
	Status   domain.RunState
	Limit    int
}

// RunRepository manages run records.
type RunRepository interface {
	CreateRun(ctx context.Context, run domain.Run) error
	GetRun(ctx context.Context, id string) (domain.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]domain.Run, error)
	UpdateRunStatus(ctx context.Context, id string, status domain.RunState, endedAt *time.Time) error
}

// AttemptRepository is the run ledger. Append is the only mutation; an
// attempt that already exists for (run, stage, attempt) is returned as-is
// with inserted=false, which makes replays after a crash idempotent.
type AttemptRepository interface {
	Append(ctx context.Context, attempt domain.StageAttempt) (domain.StageAttempt, bool, error)
	ListByRun(ctx context.Context, runID string) ([]domain.StageAttempt, error)
	ListByStage(ctx context.Context, runID, stageID string) ([]domain.StageAttempt, error)
}
