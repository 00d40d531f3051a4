package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/caravel-labs/caravel-go/internal/domain"
)

// cacheInvalidate submits the path patterns to the CDN. The invalidator
// treats "already invalidated" and "in progress" responses as success,
// so repeating the stage cannot fail on its own earlier effect.
func (e *StageExecutor) cacheInvalidate(ctx context.Context, stage domain.StageDefinition, secrets map[string]string, rc RunContext) (Result, error) {
	if e.invalidator == nil {
		return Result{}, Permanent(fmt.Errorf("no cache invalidator configured"))
	}
	params := stage.Params.Invalidate
	if params == nil {
		return Result{}, Permanent(fmt.Errorf("stage %q has no invalidate params", stage.ID))
	}

	invalidationID, err := e.invalidator.Invalidate(ctx, params.Distribution, params.Paths, secrets["cdn-token"])
	if err != nil {
		return Result{}, err
	}

	e.logger.Info("cache invalidation requested",
		"run_id", rc.RunID, "stage_id", stage.ID,
		"distribution", params.Distribution, "invalidation_id", invalidationID)
	return Result{Diagnostic: fmt.Sprintf("invalidated %s on %s (id %s)",
		strings.Join(params.Paths, ","), params.Distribution, invalidationID)}, nil
}
