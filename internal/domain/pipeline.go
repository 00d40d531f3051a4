package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// StageKind selects the side effect a stage performs.
type StageKind string

const (
	StageKindBuildAndPush    StageKind = "build-and-push"
	StageKindRemoteDeploy    StageKind = "remote-deploy"
	StageKindArtifactSync    StageKind = "artifact-sync"
	StageKindCacheInvalidate StageKind = "cache-invalidate"
)

func (k StageKind) Valid() bool {
	switch k {
	case StageKindBuildAndPush, StageKindRemoteDeploy, StageKindArtifactSync, StageKindCacheInvalidate:
		return true
	}
	return false
}

// PipelineDefinition is a reusable execution template. It is loaded once at
// configuration time and shared read-only across all runs derived from it.
type PipelineDefinition struct {
	Name   string
	Stages []StageDefinition
}

type StageDefinition struct {
	ID      string
	Kind    StageKind
	Needs   []string
	Secrets []string
	Params  StageParams
	Retry   RetryPolicy
}

// StageParams holds the kind-specific parameters. Exactly the member
// matching the stage kind is set.
type StageParams struct {
	Build      *BuildParams
	Deploy     *DeployParams
	Sync       *SyncParams
	Invalidate *InvalidateParams
}

type BuildParams struct {
	ContextDir  string
	Dockerfile  string
	Repository  string
	TagTemplate string
}

type DeployParams struct {
	Host        string
	Repository  string
	TagTemplate string
	Container   string
}

type SyncParams struct {
	LocalDir    string
	Bucket      string
	Prefix      string
	DeleteStale bool
}

type InvalidateParams struct {
	Distribution string
	Paths        []string
}

type RetryPolicy struct {
	MaxAttempts int
	Backoff     Backoff
}

type Backoff struct {
	Base   time.Duration
	Factor float64
	Cap    time.Duration
}

// DefaultRetryPolicy is applied to stages that declare no retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff: Backoff{
			Base:   time.Second,
			Factor: 2,
			Cap:    30 * time.Second,
		},
	}
}

// Delay computes the backoff delay before the given attempt (>= 2).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	d := b.Base
	for i := 2; i < attempt; i++ {
		d = time.Duration(float64(d) * b.Factor)
		if b.Cap > 0 && d >= b.Cap {
			return b.Cap
		}
	}
	if b.Cap > 0 && d > b.Cap {
		return b.Cap
	}
	return d
}

// StageIDSet returns the set of stage identifiers declared in the pipeline.
func (p PipelineDefinition) StageIDSet() map[string]struct{} {
	ids := make(map[string]struct{}, len(p.Stages))
	for _, stage := range p.Stages {
		if strings.TrimSpace(stage.ID) == "" {
			continue
		}
		ids[stage.ID] = struct{}{}
	}
	return ids
}

// Stage returns the stage definition with the given id.
func (p PipelineDefinition) Stage(id string) (StageDefinition, bool) {
	for _, stage := range p.Stages {
		if stage.ID == id {
			return stage, true
		}
	}
	return StageDefinition{}, false
}

// ValidateBasicShape performs lightweight structural checks without DAG
// traversal; the full validation lives in the definition loader.
func (p PipelineDefinition) ValidateBasicShape() error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("pipeline name is required")
	}
	if len(p.Stages) == 0 {
		return errors.New("stages must contain at least one stage")
	}
	for i, stage := range p.Stages {
		if strings.TrimSpace(stage.ID) == "" {
			return fmt.Errorf("stage[%d] id is required", i)
		}
		if !stage.Kind.Valid() {
			return fmt.Errorf("stage[%s] kind %q is unknown", stage.ID, stage.Kind)
		}
		if stage.Retry.MaxAttempts < 1 {
			return fmt.Errorf("stage[%s] retry maxAttempts must be >= 1", stage.ID)
		}
	}
	return nil
}
