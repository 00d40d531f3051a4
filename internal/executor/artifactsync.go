package executor

import (
	"context"
	"fmt"

	"github.com/caravel-labs/caravel-go/internal/domain"
)

// artifactSync mirrors the local tree into the bucket. The local side is
// the source of truth; the syncer uploads changed objects, skips
// unchanged ones, and removes remote objects with no local counterpart.
// Re-running against an already synced tree copies and deletes nothing.
func (e *StageExecutor) artifactSync(ctx context.Context, stage domain.StageDefinition, rc RunContext) (Result, error) {
	if e.syncer == nil {
		return Result{}, Permanent(fmt.Errorf("no object syncer configured"))
	}
	params := stage.Params.Sync
	if params == nil {
		return Result{}, Permanent(fmt.Errorf("stage %q has no sync params", stage.ID))
	}

	stats, err := e.syncer.SyncTree(ctx, params.LocalDir, params.Bucket, params.Prefix, params.DeleteStale)
	if err != nil {
		return Result{}, err
	}

	e.logger.Info("artifact tree synced",
		"run_id", rc.RunID, "stage_id", stage.ID, "bucket", params.Bucket,
		"copied", stats.Copied, "deleted", stats.Deleted, "skipped", stats.Skipped)
	return Result{Diagnostic: fmt.Sprintf("synced %s to %s: copied %d, deleted %d, skipped %d",
		params.LocalDir, params.Bucket, stats.Copied, stats.Deleted, stats.Skipped)}, nil
}
