package domain

import (
	"errors"
	"strings"
	"time"
)

// RunState is the lifecycle state of a run. Running is the only
// non-terminal state.
type RunState string

const (
	RunStateRunning   RunState = "running"
	RunStateSucceeded RunState = "succeeded"
	RunStateFailed    RunState = "failed"
	RunStateCancelled RunState = "cancelled"
)

func (s RunState) Terminal() bool {
	switch s {
	case RunStateSucceeded, RunStateFailed, RunStateCancelled:
		return true
	}
	return false
}

// Trigger is the inbound event that creates a run.
type Trigger struct {
	RefName  string
	CommitID string
}

// Run is one execution instance of a pipeline definition.
type Run struct {
	ID        string
	Pipeline  string
	RefName   string
	CommitID  string
	Status    RunState
	StartedAt time.Time
	EndedAt   *time.Time
}

func (r Run) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(r.Pipeline) == "" {
		return errors.New("pipeline name is required")
	}
	if strings.TrimSpace(string(r.Status)) == "" {
		return errors.New("status is required")
	}
	if r.StartedAt.IsZero() {
		return errors.New("started at is required")
	}
	return nil
}
