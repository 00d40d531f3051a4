// Package executor performs the side effect of one stage attempt. Every
// kind is externally idempotent: repeating an attempt against an already
// effected remote state leaves that state unchanged.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/caravel-labs/caravel-go/internal/domain"
)

// RunContext carries the run-scoped inputs a stage may interpolate.
type RunContext struct {
	RunID    string
	Pipeline string
	RefName  string
	CommitID string
}

// Result is the opaque diagnostic payload of a successful attempt. It
// must never contain resolved secret values.
type Result struct {
	Diagnostic string
}

// Executor runs one stage's side effect given resolved inputs.
type Executor interface {
	Execute(ctx context.Context, stage domain.StageDefinition, secrets map[string]string, rc RunContext) (Result, error)
}

// RegistryClient is the narrow interface to an image build/push backend.
type RegistryClient interface {
	// ImageExists reports whether ref is already present in the remote
	// registry; used to skip a re-push after a partial failure.
	ImageExists(ctx context.Context, ref string) (bool, error)
	BuildImage(ctx context.Context, contextDir, dockerfile, ref string) error
	PushImage(ctx context.Context, ref string, authToken string) error
}

// CommandResult mirrors the remote shell outcome.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// RemoteRunner executes a script on a target host.
type RemoteRunner interface {
	RunCommand(ctx context.Context, host, script string, env map[string]string) (CommandResult, error)
}

type SyncStats struct {
	Copied  int
	Deleted int
	Skipped int
}

// ObjectSyncer mirrors a local tree into an object store bucket.
type ObjectSyncer interface {
	SyncTree(ctx context.Context, localDir, bucket, prefix string, deleteStale bool) (SyncStats, error)
}

// CacheInvalidator requests invalidation of a content-delivery cache.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, distribution string, paths []string, authToken string) (string, error)
}

// StageExecutor dispatches a stage to the backend matching its kind.
type StageExecutor struct {
	registry    RegistryClient
	runner      RemoteRunner
	syncer      ObjectSyncer
	invalidator CacheInvalidator
	logger      *slog.Logger
}

func New(registry RegistryClient, runner RemoteRunner, syncer ObjectSyncer, invalidator CacheInvalidator, logger *slog.Logger) *StageExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &StageExecutor{
		registry:    registry,
		runner:      runner,
		syncer:      syncer,
		invalidator: invalidator,
		logger:      logger,
	}
}

func (e *StageExecutor) Execute(ctx context.Context, stage domain.StageDefinition, secrets map[string]string, rc RunContext) (Result, error) {
	switch stage.Kind {
	case domain.StageKindBuildAndPush:
		return e.buildAndPush(ctx, stage, secrets, rc)
	case domain.StageKindRemoteDeploy:
		return e.remoteDeploy(ctx, stage, secrets, rc)
	case domain.StageKindArtifactSync:
		return e.artifactSync(ctx, stage, rc)
	case domain.StageKindCacheInvalidate:
		return e.cacheInvalidate(ctx, stage, secrets, rc)
	}
	return Result{}, Permanent(fmt.Errorf("unknown stage kind %q", stage.Kind))
}

// ImageTag renders the stage's tag template against the run context. Tags
// derive from immutable run inputs so a retry always produces the same
// reference.
func ImageTag(template string, rc RunContext) string {
	replacer := strings.NewReplacer(
		"{commit}", shortCommit(rc.CommitID),
		"{run}", rc.RunID,
		"{ref}", sanitizeRef(rc.RefName),
	)
	return replacer.Replace(template)
}

func shortCommit(commit string) string {
	commit = strings.TrimSpace(commit)
	if len(commit) > 12 {
		return commit[:12]
	}
	return commit
}

func sanitizeRef(ref string) string {
	ref = strings.TrimPrefix(strings.TrimSpace(ref), "refs/heads/")
	return strings.NewReplacer("/", "-", "~", "-", "^", "-").Replace(ref)
}
