package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/caravel-labs/caravel-go/internal/domain"
)

// AttemptStore is the durable run ledger. Inserts are append-only and
// idempotent on (run_id, stage_id, attempt) so a crashed engine can
// replay its loop without duplicating records.
type AttemptStore struct {
	db DB
}

const (
	insertAttemptQuery = `INSERT INTO stage_attempts (
		attempt_id,
		run_id,
		stage_id,
		attempt,
		started_at,
		finished_at,
		outcome,
		error_kind,
		diagnostic
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	ON CONFLICT (run_id, stage_id, attempt) DO NOTHING
	RETURNING attempt_id, run_id, stage_id, attempt, started_at, finished_at, outcome, error_kind, diagnostic`

	selectAttemptQuery = `SELECT attempt_id, run_id, stage_id, attempt, started_at, finished_at, outcome, error_kind, diagnostic
	 FROM stage_attempts
	 WHERE run_id = $1 AND stage_id = $2 AND attempt = $3`

	listAttemptsByRunQuery = `SELECT attempt_id, run_id, stage_id, attempt, started_at, finished_at, outcome, error_kind, diagnostic
	 FROM stage_attempts
	 WHERE run_id = $1
	 ORDER BY stage_id ASC, attempt ASC`

	listAttemptsByStageQuery = `SELECT attempt_id, run_id, stage_id, attempt, started_at, finished_at, outcome, error_kind, diagnostic
	 FROM stage_attempts
	 WHERE run_id = $1 AND stage_id = $2
	 ORDER BY attempt ASC`
)

func NewAttemptStore(db DB) *AttemptStore {
	if db == nil {
		return nil
	}
	return &AttemptStore{db: db}
}

func (s *AttemptStore) Append(ctx context.Context, attempt domain.StageAttempt) (domain.StageAttempt, bool, error) {
	if s == nil || s.db == nil {
		return domain.StageAttempt{}, false, fmt.Errorf("attempt store not initialized")
	}
	if err := attempt.Validate(); err != nil {
		return domain.StageAttempt{}, false, err
	}

	id := attempt.ID
	if strings.TrimSpace(id) == "" {
		id = uuid.NewString()
	}

	var finishedAt sql.NullTime
	if attempt.FinishedAt != nil && !attempt.FinishedAt.IsZero() {
		finishedAt = sql.NullTime{Time: attempt.FinishedAt.UTC(), Valid: true}
	}

	var inserted domain.StageAttempt
	var outcome string
	var errorKind sql.NullString
	var diagnostic sql.NullString
	err := s.db.QueryRowContext(
		ctx,
		insertAttemptQuery,
		id,
		strings.TrimSpace(attempt.RunID),
		strings.TrimSpace(attempt.StageID),
		attempt.Attempt,
		normalizeTime(attempt.StartedAt),
		finishedAt,
		string(attempt.Outcome),
		nullIfEmpty(attempt.ErrorKind),
		nullIfEmpty(attempt.Diagnostic),
	).Scan(
		&inserted.ID,
		&inserted.RunID,
		&inserted.StageID,
		&inserted.Attempt,
		&inserted.StartedAt,
		&finishedAt,
		&outcome,
		&errorKind,
		&diagnostic,
	)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return domain.StageAttempt{}, false, fmt.Errorf("insert stage attempt: %w", err)
		}
		existing, err := s.getAttempt(ctx, attempt.RunID, attempt.StageID, attempt.Attempt)
		if err != nil {
			return domain.StageAttempt{}, false, err
		}
		return existing, false, nil
	}

	inserted.Outcome = domain.Outcome(outcome)
	inserted.ErrorKind = strings.TrimSpace(errorKind.String)
	inserted.Diagnostic = strings.TrimSpace(diagnostic.String)
	if finishedAt.Valid {
		t := finishedAt.Time.UTC()
		inserted.FinishedAt = &t
	}
	return inserted, true, nil
}

func (s *AttemptStore) ListByRun(ctx context.Context, runID string) ([]domain.StageAttempt, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("attempt store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}

	rows, err := s.db.QueryContext(ctx, listAttemptsByRunQuery, runID)
	if err != nil {
		return nil, fmt.Errorf("list stage attempts: %w", err)
	}
	defer rows.Close()
	return collectAttempts(rows)
}

func (s *AttemptStore) ListByStage(ctx context.Context, runID, stageID string) ([]domain.StageAttempt, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("attempt store not initialized")
	}
	runID = strings.TrimSpace(runID)
	stageID = strings.TrimSpace(stageID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	if stageID == "" {
		return nil, fmt.Errorf("stage id is required")
	}

	rows, err := s.db.QueryContext(ctx, listAttemptsByStageQuery, runID, stageID)
	if err != nil {
		return nil, fmt.Errorf("list stage attempts: %w", err)
	}
	defer rows.Close()
	return collectAttempts(rows)
}

func (s *AttemptStore) getAttempt(ctx context.Context, runID, stageID string, attempt int) (domain.StageAttempt, error) {
	row := s.db.QueryRowContext(ctx, selectAttemptQuery, strings.TrimSpace(runID), strings.TrimSpace(stageID), attempt)
	record, err := scanAttempt(row)
	if err != nil {
		return domain.StageAttempt{}, err
	}
	return record, nil
}

func collectAttempts(rows *sql.Rows) ([]domain.StageAttempt, error) {
	attempts := make([]domain.StageAttempt, 0)
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list stage attempts: %w", err)
	}
	return attempts, nil
}

type attemptScanner interface {
	Scan(dest ...any) error
}

func scanAttempt(scanner attemptScanner) (domain.StageAttempt, error) {
	var attempt domain.StageAttempt
	var finishedAt sql.NullTime
	var outcome string
	var errorKind sql.NullString
	var diagnostic sql.NullString
	if err := scanner.Scan(
		&attempt.ID,
		&attempt.RunID,
		&attempt.StageID,
		&attempt.Attempt,
		&attempt.StartedAt,
		&finishedAt,
		&outcome,
		&errorKind,
		&diagnostic,
	); err != nil {
		return domain.StageAttempt{}, handleNotFound(err)
	}
	attempt.Outcome = domain.Outcome(outcome)
	if finishedAt.Valid {
		t := finishedAt.Time.UTC()
		attempt.FinishedAt = &t
	}
	attempt.ErrorKind = strings.TrimSpace(errorKind.String)
	attempt.Diagnostic = strings.TrimSpace(diagnostic.String)
	return attempt, nil
}
