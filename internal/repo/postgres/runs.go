package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/caravel-labs/caravel-go/internal/domain"
	"github.com/caravel-labs/caravel-go/internal/repo"
)

type RunStore struct {
	db DB
}

const (
	insertRunQuery = `INSERT INTO pipeline_runs (
		run_id,
		pipeline,
		ref_name,
		commit_id,
		status,
		started_at,
		ended_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7)`

	selectRunQuery = `SELECT run_id, pipeline, ref_name, commit_id, status, started_at, ended_at
	 FROM pipeline_runs
	 WHERE run_id = $1`

	updateRunStatusQuery = `UPDATE pipeline_runs
	 SET status = $2, ended_at = $3
	 WHERE run_id = $1`
)

func NewRunStore(db DB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db}
}

func (s *RunStore) CreateRun(ctx context.Context, run domain.Run) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if err := run.Validate(); err != nil {
		return err
	}

	var endedAt sql.NullTime
	if run.EndedAt != nil {
		endedAt = sql.NullTime{Time: run.EndedAt.UTC(), Valid: true}
	}
	_, err := s.db.ExecContext(
		ctx,
		insertRunQuery,
		strings.TrimSpace(run.ID),
		strings.TrimSpace(run.Pipeline),
		nullIfEmpty(run.RefName),
		nullIfEmpty(run.CommitID),
		string(run.Status),
		normalizeTime(run.StartedAt),
		endedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, id string) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Run{}, fmt.Errorf("run id is required")
	}

	row := s.db.QueryRowContext(ctx, selectRunQuery, id)
	return scanRun(row)
}

func (s *RunStore) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}

	query := `SELECT run_id, pipeline, ref_name, commit_id, status, started_at, ended_at
	 FROM pipeline_runs`
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 2)
	if filter.Pipeline != "" {
		args = append(args, filter.Pipeline)
		clauses = append(clauses, fmt.Sprintf("pipeline = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY started_at DESC, run_id ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]domain.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

func (s *RunStore) UpdateRunStatus(ctx context.Context, id string, status domain.RunState, endedAt *time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("run id is required")
	}

	var ended sql.NullTime
	if endedAt != nil {
		ended = sql.NullTime{Time: endedAt.UTC(), Valid: true}
	}
	result, err := s.db.ExecContext(ctx, updateRunStatusQuery, id, string(status), ended)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if affected == 0 {
		return handleNotFound(sql.ErrNoRows)
	}
	return nil
}

type runScanner interface {
	Scan(dest ...any) error
}

func scanRun(scanner runScanner) (domain.Run, error) {
	var run domain.Run
	var refName sql.NullString
	var commitID sql.NullString
	var status string
	var endedAt sql.NullTime
	if err := scanner.Scan(
		&run.ID,
		&run.Pipeline,
		&refName,
		&commitID,
		&status,
		&run.StartedAt,
		&endedAt,
	); err != nil {
		return domain.Run{}, handleNotFound(err)
	}
	run.RefName = refName.String
	run.CommitID = commitID.String
	run.Status = domain.RunState(status)
	if endedAt.Valid {
		t := endedAt.Time.UTC()
		run.EndedAt = &t
	}
	return run, nil
}
