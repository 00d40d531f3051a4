package executor

import (
	"context"
	"fmt"

	"github.com/caravel-labs/caravel-go/internal/domain"
)

// buildAndPush builds an image tagged deterministically from the run
// context and pushes it. If the registry already holds the tag (a prior
// attempt pushed before failing elsewhere) both steps are skipped.
func (e *StageExecutor) buildAndPush(ctx context.Context, stage domain.StageDefinition, secrets map[string]string, rc RunContext) (Result, error) {
	if e.registry == nil {
		return Result{}, Permanent(fmt.Errorf("no registry client configured"))
	}
	params := stage.Params.Build
	if params == nil {
		return Result{}, Permanent(fmt.Errorf("stage %q has no build params", stage.ID))
	}

	tag := ImageTag(params.TagTemplate, rc)
	ref := params.Repository + ":" + tag

	exists, err := e.registry.ImageExists(ctx, ref)
	if err != nil {
		return Result{}, Transient(fmt.Errorf("check registry for %s: %w", ref, err))
	}
	if exists {
		e.logger.Info("image already in registry, skipping build and push",
			"run_id", rc.RunID, "stage_id", stage.ID, "ref", ref)
		return Result{Diagnostic: fmt.Sprintf("image %s already pushed", ref)}, nil
	}

	if err := e.registry.BuildImage(ctx, params.ContextDir, params.Dockerfile, ref); err != nil {
		return Result{}, err
	}
	if err := e.registry.PushImage(ctx, ref, secrets["registry-token"]); err != nil {
		return Result{}, err
	}

	e.logger.Info("image built and pushed", "run_id", rc.RunID, "stage_id", stage.ID, "ref", ref)
	return Result{Diagnostic: fmt.Sprintf("built and pushed %s", ref)}, nil
}
