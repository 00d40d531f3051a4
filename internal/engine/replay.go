package engine

import (
	"context"
	"fmt"

	"github.com/caravel-labs/caravel-go/internal/domain"
)

// replayState is the per-stage view reconstructed from the run ledger.
// Stages absent from every set still owe their remaining attempts.
type replayState struct {
	completed map[string]struct{}
	failed    map[string]struct{}
	skipped   map[string]struct{}
	attempts  map[string]int
}

func newReplayState() replayState {
	return replayState{
		completed: make(map[string]struct{}),
		failed:    make(map[string]struct{}),
		skipped:   make(map[string]struct{}),
		attempts:  make(map[string]int),
	}
}

// replay folds the attempt ledger into replayState. For each stage the
// record with the highest attempt number decides: success and skipped
// are terminal; a failure is terminal once the retry budget is spent or
// the error was classified permanent, otherwise the stage resumes at the
// next attempt number.
func (e *Engine) replay(ctx context.Context, def domain.PipelineDefinition, runID string) (replayState, error) {
	records, err := e.ledger.ListByRun(ctx, runID)
	if err != nil {
		return replayState{}, fmt.Errorf("replay run %s: %w", runID, err)
	}

	state := newReplayState()
	latest := make(map[string]domain.StageAttempt, len(records))
	for _, rec := range records {
		if _, ok := def.Stage(rec.StageID); !ok {
			return replayState{}, fmt.Errorf("%w: ledger for run %s names unknown stage %q",
				ErrInvariant, runID, rec.StageID)
		}
		if prev, ok := latest[rec.StageID]; !ok || rec.Attempt > prev.Attempt {
			latest[rec.StageID] = rec
		}
		if rec.Attempt > state.attempts[rec.StageID] {
			state.attempts[rec.StageID] = rec.Attempt
		}
	}

	for stageID, rec := range latest {
		switch rec.Outcome {
		case domain.OutcomeSuccess:
			state.completed[stageID] = struct{}{}
		case domain.OutcomeSkipped:
			state.skipped[stageID] = struct{}{}
		case domain.OutcomeFailure:
			stage, _ := def.Stage(stageID)
			if rec.ErrorKind == "permanent" || rec.Attempt >= stage.Retry.MaxAttempts {
				state.failed[stageID] = struct{}{}
			}
		default:
			return replayState{}, fmt.Errorf("%w: ledger for run %s has outcome %q",
				ErrInvariant, runID, rec.Outcome)
		}
	}
	return state, nil
}
