// Package engine drives pipeline runs: it schedules ready stages onto a
// bounded worker pool, applies the retry policy, isolates failures to the
// affected branch, and records every attempt in the run ledger before a
// dependent stage can unlock.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/caravel-labs/caravel-go/internal/domain"
	"github.com/caravel-labs/caravel-go/internal/executor"
	"github.com/caravel-labs/caravel-go/internal/graph"
	"github.com/caravel-labs/caravel-go/internal/metrics"
	"github.com/caravel-labs/caravel-go/internal/repo"
)

var (
	ErrUnknownPipeline = errors.New("unknown pipeline")
	ErrAlreadyTerminal = errors.New("run already terminal")

	// ErrInvariant marks states the scheduling loop must never reach:
	// ledger corruption, unknown stage ids, a wedged graph. Fatal to the
	// run and always surfaced.
	ErrInvariant = errors.New("engine invariant violated")
)

// SecretResolver resolves secret names fresh for one stage attempt.
type SecretResolver interface {
	Resolve(ctx context.Context, names []string) (map[string]string, error)
}

type Config struct {
	MaxWorkers int
}

type Engine struct {
	defs    map[string]domain.PipelineDefinition
	runs    repo.RunRepository
	ledger  repo.AttemptRepository
	exec    executor.Executor
	secrets SecretResolver
	logger  *slog.Logger
	metrics *metrics.Metrics

	maxWorkers int
	sleep      func(context.Context, time.Duration) error
	now        func() time.Time

	// baseCtx bounds every run loop; Shutdown cancels it.
	baseCtx context.Context
	stop    context.CancelFunc

	mu     sync.Mutex
	active map[string]*runHandle
}

type runHandle struct {
	cancelRequested chan struct{}
	cancelOnce      sync.Once
	done            chan struct{}
}

func newRunHandle() *runHandle {
	return &runHandle{
		cancelRequested: make(chan struct{}),
		done:            make(chan struct{}),
	}
}

func (h *runHandle) requestCancel() {
	h.cancelOnce.Do(func() { close(h.cancelRequested) })
}

func (h *runHandle) cancelled() bool {
	select {
	case <-h.cancelRequested:
		return true
	default:
		return false
	}
}

func New(
	defs map[string]domain.PipelineDefinition,
	runs repo.RunRepository,
	ledger repo.AttemptRepository,
	exec executor.Executor,
	secrets SecretResolver,
	logger *slog.Logger,
	m *metrics.Metrics,
	cfg Config,
) (*Engine, error) {
	if len(defs) == 0 {
		return nil, errors.New("at least one pipeline definition is required")
	}
	if runs == nil {
		return nil, errors.New("run repository is required")
	}
	if ledger == nil {
		return nil, errors.New("attempt repository is required")
	}
	if exec == nil {
		return nil, errors.New("stage executor is required")
	}
	if secrets == nil {
		return nil, errors.New("secret resolver is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	maxWorkers := cfg.MaxWorkers
	if maxWorkers < 1 {
		maxWorkers = 4
	}

	baseCtx, stop := context.WithCancel(context.Background())
	return &Engine{
		defs:       defs,
		runs:       runs,
		ledger:     ledger,
		exec:       exec,
		secrets:    secrets,
		logger:     logger,
		metrics:    m,
		maxWorkers: maxWorkers,
		sleep:      sleepContext,
		now:        time.Now,
		baseCtx:    baseCtx,
		stop:       stop,
		active:     make(map[string]*runHandle),
	}, nil
}

// StartRun creates a run for the named pipeline and begins executing it.
// Execution is bound to the engine's lifetime, not the caller's context:
// a trigger request returning does not abort the run, and Shutdown
// interrupts it without finalizing.
func (e *Engine) StartRun(ctx context.Context, pipeline string, trigger domain.Trigger) (string, error) {
	def, ok := e.defs[pipeline]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPipeline, pipeline)
	}

	run := domain.Run{
		ID:        uuid.NewString(),
		Pipeline:  pipeline,
		RefName:   trigger.RefName,
		CommitID:  trigger.CommitID,
		Status:    domain.RunStateRunning,
		StartedAt: e.now().UTC(),
	}
	if err := e.runs.CreateRun(ctx, run); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}

	handle := newRunHandle()
	e.register(run.ID, handle)
	go e.execute(e.baseCtx, run, def, handle, newReplayState())

	e.logger.Info("run started",
		"run_id", run.ID, "pipeline", pipeline, "ref", trigger.RefName, "commit", trigger.CommitID)
	return run.ID, nil
}

// Resume continues a run left in the running state by a prior process.
// The ledger is replayed to reconstruct which stages already settled;
// succeeded stages are not re-invoked.
func (e *Engine) Resume(ctx context.Context, runID string) error {
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrAlreadyTerminal, run.Status)
	}
	def, ok := e.defs[run.Pipeline]
	if !ok {
		return fmt.Errorf("%w: run %s references pipeline %q", ErrInvariant, runID, run.Pipeline)
	}

	state, err := e.replay(ctx, def, runID)
	if err != nil {
		return err
	}

	handle := newRunHandle()
	e.register(run.ID, handle)
	go e.execute(e.baseCtx, run, def, handle, state)

	e.logger.Info("run resumed", "run_id", runID,
		"completed", len(state.completed), "failed", len(state.failed), "skipped", len(state.skipped))
	return nil
}

// CancelRun stops scheduling new stages for the run. Attempts already
// dispatched finish; the run settles as cancelled afterwards.
func (e *Engine) CancelRun(ctx context.Context, runID string) error {
	e.mu.Lock()
	handle := e.active[runID]
	e.mu.Unlock()
	if handle != nil {
		handle.requestCancel()
		return nil
	}

	// Not executing here: cancel directly in the store if still running.
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrAlreadyTerminal, run.Status)
	}
	endedAt := e.now().UTC()
	return e.runs.UpdateRunStatus(ctx, runID, domain.RunStateCancelled, &endedAt)
}

// Shutdown interrupts every executing run without finalizing it:
// interrupted runs stay in the running state so the next process can
// Resume them from the ledger. Blocks until the run loops have exited.
func (e *Engine) Shutdown() {
	e.stop()
	for {
		e.mu.Lock()
		var handle *runHandle
		for _, h := range e.active {
			handle = h
			break
		}
		e.mu.Unlock()
		if handle == nil {
			return
		}
		<-handle.done
	}
}

// WaitForRun blocks until the run settles or ctx is done. Runs not
// executing in this process return immediately.
func (e *Engine) WaitForRun(ctx context.Context, runID string) error {
	e.mu.Lock()
	handle := e.active[runID]
	e.mu.Unlock()
	if handle == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-handle.done:
		return nil
	}
}

// RunStatus returns the run and its recorded attempts.
func (e *Engine) RunStatus(ctx context.Context, runID string) (domain.Run, []domain.StageAttempt, error) {
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return domain.Run{}, nil, err
	}
	attempts, err := e.ledger.ListByRun(ctx, runID)
	if err != nil {
		return domain.Run{}, nil, err
	}
	return run, attempts, nil
}

func (e *Engine) register(runID string, handle *runHandle) {
	e.mu.Lock()
	e.active[runID] = handle
	e.mu.Unlock()
}

func (e *Engine) unregister(runID string) {
	e.mu.Lock()
	delete(e.active, runID)
	e.mu.Unlock()
}

type stageResult struct {
	stageID   string
	outcome   domain.Outcome
	cancelled bool
	err       error
}

func (e *Engine) execute(ctx context.Context, run domain.Run, def domain.PipelineDefinition, handle *runHandle, state replayState) {
	defer close(handle.done)
	defer e.unregister(run.ID)
	e.metrics.RunStarted()
	defer e.metrics.RunSettled()

	g, err := buildGraph(def)
	if err != nil {
		e.failRun(ctx, run, fmt.Errorf("%w: %v", ErrInvariant, err))
		return
	}

	completed := state.completed
	failed := state.failed
	skipped := state.skipped
	attempts := state.attempts

	// A resumed run may have failed stages whose dependents were not yet
	// recorded as skipped when the prior process died.
	for id := range failed {
		e.skipDependents(ctx, run, def, g, id, completed, failed, skipped, attempts)
	}

	results := make(chan stageResult)
	running := make(map[string]struct{})
	// One worker per stage is enough; the configured maximum caps it.
	workers := len(def.Stages)
	if workers > e.maxWorkers {
		workers = e.maxWorkers
	}
	sem := make(chan struct{}, workers)
	invariantErr := error(nil)

	for {
		if !handle.cancelled() && ctx.Err() == nil && invariantErr == nil {
			for _, id := range g.ReadyStages(completed) {
				if _, ok := running[id]; ok {
					continue
				}
				if _, ok := failed[id]; ok {
					continue
				}
				if _, ok := skipped[id]; ok {
					continue
				}
				stage, ok := def.Stage(id)
				if !ok {
					invariantErr = fmt.Errorf("%w: graph yielded unknown stage %q", ErrInvariant, id)
					break
				}
				running[id] = struct{}{}
				go func(stage domain.StageDefinition, startAttempt int) {
					sem <- struct{}{}
					defer func() { <-sem }()
					results <- e.runStage(ctx, run, stage, startAttempt, handle)
				}(stage, attempts[id]+1)
			}
		}

		if len(running) == 0 {
			break
		}

		res := <-results
		delete(running, res.stageID)
		if res.cancelled {
			continue
		}
		if res.err != nil && errors.Is(res.err, ErrInvariant) {
			invariantErr = res.err
			continue
		}
		switch res.outcome {
		case domain.OutcomeSuccess:
			completed[res.stageID] = struct{}{}
		case domain.OutcomeFailure:
			failed[res.stageID] = struct{}{}
			e.skipDependents(ctx, run, def, g, res.stageID, completed, failed, skipped, attempts)
		}
	}

	if ctx.Err() != nil && !handle.cancelled() {
		// Engine shutdown mid-run: leave the run in running state so a
		// later Resume can pick it up from the ledger.
		e.logger.Warn("run interrupted by shutdown", "run_id", run.ID)
		return
	}

	settled := len(completed) + len(failed) + len(skipped)
	var status domain.RunState
	switch {
	case handle.cancelled() && !g.IsComplete(completed):
		status = domain.RunStateCancelled
	case g.IsComplete(completed):
		status = domain.RunStateSucceeded
	case invariantErr != nil:
		e.logger.Error("run aborted", "run_id", run.ID, "error", invariantErr)
		status = domain.RunStateFailed
	case settled == len(def.Stages):
		status = domain.RunStateFailed
	default:
		e.logger.Error("run wedged with non-terminal stages",
			"run_id", run.ID, "settled", settled, "total", len(def.Stages), "error", ErrInvariant)
		status = domain.RunStateFailed
	}

	// The terminal status must land even when finalize races Shutdown.
	endedAt := e.now().UTC()
	if err := e.runs.UpdateRunStatus(context.WithoutCancel(ctx), run.ID, status, &endedAt); err != nil {
		e.logger.Error("record run status", "run_id", run.ID, "status", status, "error", err)
		return
	}
	e.metrics.ObserveRun(string(status), endedAt.Sub(run.StartedAt))
	e.logger.Info("run settled", "run_id", run.ID, "status", status,
		"completed", len(completed), "failed", len(failed), "skipped", len(skipped))
}

// runStage executes one stage to a terminal outcome, retrying per the
// stage's policy. Secrets are resolved fresh before every attempt. Each
// attempt is appended to the ledger before the result is reported, so a
// dependent can never unlock ahead of the record.
func (e *Engine) runStage(ctx context.Context, run domain.Run, stage domain.StageDefinition, startAttempt int, handle *runHandle) stageResult {
	rc := executor.RunContext{
		RunID:    run.ID,
		Pipeline: run.Pipeline,
		RefName:  run.RefName,
		CommitID: run.CommitID,
	}
	policy := stage.Retry

	var lastErr error
	for attempt := startAttempt; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > startAttempt {
			if handle.cancelled() {
				return stageResult{stageID: stage.ID, cancelled: true}
			}
			if err := e.sleep(ctx, policy.Backoff.Delay(attempt)); err != nil {
				return stageResult{stageID: stage.ID, cancelled: true}
			}
			if handle.cancelled() {
				return stageResult{stageID: stage.ID, cancelled: true}
			}
		}

		startedAt := e.now().UTC()
		var result executor.Result
		var errorKind string
		resolved, execErr := e.secrets.Resolve(ctx, stage.Secrets)
		if execErr != nil {
			execErr = fmt.Errorf("secret resolution: %w", execErr)
			errorKind = "secret_resolution"
		} else {
			result, execErr = e.exec.Execute(ctx, stage, resolved, rc)
			errorKind = executor.ErrorKind(execErr)
		}
		finishedAt := e.now().UTC()

		record := domain.StageAttempt{
			RunID:      run.ID,
			StageID:    stage.ID,
			Attempt:    attempt,
			StartedAt:  startedAt,
			FinishedAt: &finishedAt,
			Outcome:    domain.OutcomeSuccess,
			Diagnostic: result.Diagnostic,
		}
		if execErr != nil {
			record.Outcome = domain.OutcomeFailure
			record.ErrorKind = errorKind
			record.Diagnostic = execErr.Error()
		}
		if _, _, err := e.ledger.Append(ctx, record); err != nil {
			return stageResult{
				stageID: stage.ID,
				err:     fmt.Errorf("%w: append attempt for stage %q: %v", ErrInvariant, stage.ID, err),
			}
		}
		e.metrics.ObserveAttempt(string(stage.Kind), string(record.Outcome))

		if execErr == nil {
			return stageResult{stageID: stage.ID, outcome: domain.OutcomeSuccess}
		}
		lastErr = execErr
		e.logger.Warn("stage attempt failed",
			"run_id", run.ID, "stage_id", stage.ID, "attempt", attempt,
			"error_kind", errorKind, "error", execErr)
		if executor.IsPermanent(execErr) {
			break
		}
	}
	return stageResult{stageID: stage.ID, outcome: domain.OutcomeFailure, err: lastErr}
}

// skipDependents records a skipped attempt for every not-yet-settled
// transitive dependent of a failed stage.
func (e *Engine) skipDependents(
	ctx context.Context,
	run domain.Run,
	def domain.PipelineDefinition,
	g *graph.Graph,
	failedID string,
	completed, failed, skipped map[string]struct{},
	attempts map[string]int,
) {
	for _, id := range g.TransitiveDependents(failedID) {
		if _, ok := completed[id]; ok {
			continue
		}
		if _, ok := failed[id]; ok {
			continue
		}
		if _, ok := skipped[id]; ok {
			continue
		}

		now := e.now().UTC()
		record := domain.StageAttempt{
			RunID:      run.ID,
			StageID:    id,
			Attempt:    attempts[id] + 1,
			StartedAt:  now,
			FinishedAt: &now,
			Outcome:    domain.OutcomeSkipped,
			ErrorKind:  "dependency_failed",
			Diagnostic: fmt.Sprintf("skipped: dependency %s failed", failedID),
		}
		if _, _, err := e.ledger.Append(ctx, record); err != nil {
			e.logger.Error("record skipped stage",
				"run_id", run.ID, "stage_id", id, "error", err)
			continue
		}
		skipped[id] = struct{}{}
		attempts[id] = record.Attempt
		if stage, ok := def.Stage(id); ok {
			e.metrics.ObserveAttempt(string(stage.Kind), string(domain.OutcomeSkipped))
		}
		e.logger.Info("stage skipped",
			"run_id", run.ID, "stage_id", id, "failed_dependency", failedID)
	}
}

func (e *Engine) failRun(ctx context.Context, run domain.Run, cause error) {
	e.logger.Error("run aborted", "run_id", run.ID, "error", cause)
	endedAt := e.now().UTC()
	if err := e.runs.UpdateRunStatus(ctx, run.ID, domain.RunStateFailed, &endedAt); err != nil {
		e.logger.Error("record run status", "run_id", run.ID, "error", err)
	}
}

func buildGraph(def domain.PipelineDefinition) (*graph.Graph, error) {
	stages := make(map[string][]string, len(def.Stages))
	for _, stage := range def.Stages {
		stages[stage.ID] = stage.Needs
	}
	return graph.FromStages(stages)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
