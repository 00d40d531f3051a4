package domain

import (
	"errors"
	"strings"
	"time"
)

// Outcome is the terminal result of one stage attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeSkipped Outcome = "skipped"
)

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomeSkipped:
		return true
	}
	return false
}

// StageAttempt is one execution of one stage within a run. Attempts are
// append-only: once recorded they are never mutated. Diagnostic never
// contains resolved secret values, only secret names may appear.
type StageAttempt struct {
	ID         string
	RunID      string
	StageID    string
	Attempt    int
	StartedAt  time.Time
	FinishedAt *time.Time
	Outcome    Outcome
	ErrorKind  string
	Diagnostic string
}

func (a StageAttempt) Validate() error {
	if strings.TrimSpace(a.RunID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(a.StageID) == "" {
		return errors.New("stage id is required")
	}
	if a.Attempt < 1 {
		return errors.New("attempt must be >= 1")
	}
	if !a.Outcome.Valid() {
		return errors.New("outcome is invalid")
	}
	if a.StartedAt.IsZero() {
		return errors.New("started at is required")
	}
	return nil
}
