package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/caravel-labs/caravel-go/internal/domain"
	"github.com/caravel-labs/caravel-go/internal/executor"
	"github.com/caravel-labs/caravel-go/internal/repo/memory"
)

type fakeExec struct {
	mu    sync.Mutex
	calls []string
	errs  map[string][]error
	gates map[string]chan struct{}
}

func newFakeExec() *fakeExec {
	return &fakeExec{
		errs:  make(map[string][]error),
		gates: make(map[string]chan struct{}),
	}
}

func (f *fakeExec) failNext(stageID string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[stageID] = append(f.errs[stageID], errs...)
}

func (f *fakeExec) gate(stageID string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.gates[stageID] = ch
	return ch
}

func (f *fakeExec) Execute(ctx context.Context, stage domain.StageDefinition, _ map[string]string, _ executor.RunContext) (executor.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, stage.ID)
	var err error
	if queue := f.errs[stage.ID]; len(queue) > 0 {
		err = queue[0]
		f.errs[stage.ID] = queue[1:]
	}
	gate := f.gates[stage.ID]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return executor.Result{}, executor.Transient(ctx.Err())
		}
	}
	if err != nil {
		return executor.Result{}, err
	}
	return executor.Result{Diagnostic: "done"}, nil
}

func (f *fakeExec) callCount(stageID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, id := range f.calls {
		if id == stageID {
			n++
		}
	}
	return n
}

func (f *fakeExec) firstIndex(stageID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, id := range f.calls {
		if id == stageID {
			return i
		}
	}
	return -1
}

type fakeResolver struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeResolver) Resolve(_ context.Context, names []string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]string, len(names))
	for _, name := range names {
		out[name] = "value-" + name
	}
	return out, nil
}

func stage(id string, kind domain.StageKind, needs ...string) domain.StageDefinition {
	return domain.StageDefinition{
		ID:    id,
		Kind:  kind,
		Needs: needs,
		Retry: domain.DefaultRetryPolicy(),
	}
}

// webappPipeline is build -> deploy -> invalidate, with sync on an
// independent branch.
func webappPipeline() domain.PipelineDefinition {
	return domain.PipelineDefinition{
		Name: "webapp-deploy",
		Stages: []domain.StageDefinition{
			stage("build", domain.StageKindBuildAndPush),
			stage("deploy", domain.StageKindRemoteDeploy, "build"),
			stage("invalidate", domain.StageKindCacheInvalidate, "deploy"),
			stage("sync", domain.StageKindArtifactSync),
		},
	}
}

func newTestEngine(t *testing.T, def domain.PipelineDefinition, exec executor.Executor, resolver SecretResolver) (*Engine, *memory.RunStore, *memory.AttemptStore) {
	t.Helper()
	runs := memory.NewRunStore()
	ledger := memory.NewAttemptStore()
	return newTestEngineWith(t, def, exec, resolver, runs, ledger), runs, ledger
}

func newTestEngineWith(t *testing.T, def domain.PipelineDefinition, exec executor.Executor, resolver SecretResolver, runs *memory.RunStore, ledger *memory.AttemptStore) *Engine {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng, err := New(
		map[string]domain.PipelineDefinition{def.Name: def},
		runs, ledger, exec, resolver, logger, nil, Config{MaxWorkers: 4},
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Tests must not spend real time in backoff.
	eng.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return eng
}

func startAndWait(t *testing.T, eng *Engine) string {
	t.Helper()
	runID, err := eng.StartRun(context.Background(), "webapp-deploy", domain.Trigger{
		RefName:  "refs/heads/main",
		CommitID: "0123456789abcdef0123456789abcdef01234567",
	})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	waitForRun(t, eng, runID)
	return runID
}

func waitForRun(t *testing.T, eng *Engine, runID string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := eng.WaitForRun(ctx, runID); err != nil {
		t.Fatalf("WaitForRun: %v", err)
	}
}

func runStatus(t *testing.T, runs *memory.RunStore, runID string) domain.Run {
	t.Helper()
	run, err := runs.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	return run
}

func attemptsFor(t *testing.T, ledger *memory.AttemptStore, runID, stageID string) []domain.StageAttempt {
	t.Helper()
	attempts, err := ledger.ListByStage(context.Background(), runID, stageID)
	if err != nil {
		t.Fatalf("ListByStage(%s): %v", stageID, err)
	}
	return attempts
}

func TestRunSucceedsInDependencyOrder(t *testing.T) {
	exec := newFakeExec()
	eng, runs, ledger := newTestEngine(t, webappPipeline(), exec, &fakeResolver{})

	runID := startAndWait(t, eng)

	run := runStatus(t, runs, runID)
	if run.Status != domain.RunStateSucceeded {
		t.Fatalf("run status = %s, want succeeded", run.Status)
	}
	if run.EndedAt == nil {
		t.Fatal("succeeded run has no end time")
	}
	for _, id := range []string{"build", "deploy", "invalidate", "sync"} {
		if got := exec.callCount(id); got != 1 {
			t.Errorf("stage %s executed %d times, want 1", id, got)
		}
		attempts := attemptsFor(t, ledger, runID, id)
		if len(attempts) != 1 || attempts[0].Outcome != domain.OutcomeSuccess {
			t.Errorf("stage %s attempts = %+v, want one success", id, attempts)
		}
	}
	if exec.firstIndex("build") > exec.firstIndex("deploy") {
		t.Error("deploy executed before build")
	}
	if exec.firstIndex("deploy") > exec.firstIndex("invalidate") {
		t.Error("invalidate executed before deploy")
	}
}

func TestTransientFailureRetriesWithBackoff(t *testing.T) {
	exec := newFakeExec()
	exec.failNext("build",
		executor.Transient(errors.New("registry timeout")),
		executor.Transient(errors.New("registry timeout")),
	)
	eng, runs, ledger := newTestEngine(t, webappPipeline(), exec, &fakeResolver{})

	var mu sync.Mutex
	var delays []time.Duration
	eng.sleep = func(_ context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return nil
	}

	runID := startAndWait(t, eng)

	if got := runStatus(t, runs, runID).Status; got != domain.RunStateSucceeded {
		t.Fatalf("run status = %s, want succeeded", got)
	}
	attempts := attemptsFor(t, ledger, runID, "build")
	if len(attempts) != 3 {
		t.Fatalf("build attempts = %d, want 3", len(attempts))
	}
	for i, want := range []domain.Outcome{domain.OutcomeFailure, domain.OutcomeFailure, domain.OutcomeSuccess} {
		if attempts[i].Outcome != want {
			t.Errorf("attempt %d outcome = %s, want %s", i+1, attempts[i].Outcome, want)
		}
		if attempts[i].Attempt != i+1 {
			t.Errorf("attempt %d numbered %d", i+1, attempts[i].Attempt)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(delays) != 2 || delays[0] != time.Second || delays[1] != 2*time.Second {
		t.Errorf("backoff delays = %v, want [1s 2s]", delays)
	}
}

func TestPermanentFailureExhaustsImmediately(t *testing.T) {
	exec := newFakeExec()
	exec.failNext("build", executor.Permanent(errors.New("dockerfile syntax error")))
	eng, runs, ledger := newTestEngine(t, webappPipeline(), exec, &fakeResolver{})

	runID := startAndWait(t, eng)

	if got := runStatus(t, runs, runID).Status; got != domain.RunStateFailed {
		t.Fatalf("run status = %s, want failed", got)
	}
	attempts := attemptsFor(t, ledger, runID, "build")
	if len(attempts) != 1 {
		t.Fatalf("build attempts = %d, want 1", len(attempts))
	}
	if attempts[0].ErrorKind != "permanent" {
		t.Errorf("error kind = %q, want permanent", attempts[0].ErrorKind)
	}
}

func TestFailureSkipsDependentsOnly(t *testing.T) {
	exec := newFakeExec()
	transient := executor.Transient(errors.New("host unreachable"))
	exec.failNext("deploy", transient, transient, transient)
	eng, runs, ledger := newTestEngine(t, webappPipeline(), exec, &fakeResolver{})

	runID := startAndWait(t, eng)

	if got := runStatus(t, runs, runID).Status; got != domain.RunStateFailed {
		t.Fatalf("run status = %s, want failed", got)
	}

	// The independent branch still ran to completion.
	syncAttempts := attemptsFor(t, ledger, runID, "sync")
	if len(syncAttempts) != 1 || syncAttempts[0].Outcome != domain.OutcomeSuccess {
		t.Errorf("sync attempts = %+v, want one success", syncAttempts)
	}

	// The transitive dependent never reached the executor.
	if got := exec.callCount("invalidate"); got != 0 {
		t.Errorf("invalidate executed %d times, want 0", got)
	}
	invAttempts := attemptsFor(t, ledger, runID, "invalidate")
	if len(invAttempts) != 1 {
		t.Fatalf("invalidate attempts = %d, want 1 skip record", len(invAttempts))
	}
	if invAttempts[0].Outcome != domain.OutcomeSkipped || invAttempts[0].ErrorKind != "dependency_failed" {
		t.Errorf("invalidate record = %+v, want skipped/dependency_failed", invAttempts[0])
	}
}

func TestSecretResolutionFailureIsRetriedAndRecorded(t *testing.T) {
	exec := newFakeExec()
	resolver := &fakeResolver{err: errors.New("resolve \"registry-token\": secret store unavailable")}
	def := webappPipeline()
	eng, runs, ledger := newTestEngine(t, def, exec, resolver)

	runID := startAndWait(t, eng)

	if got := runStatus(t, runs, runID).Status; got != domain.RunStateFailed {
		t.Fatalf("run status = %s, want failed", got)
	}
	attempts := attemptsFor(t, ledger, runID, "build")
	if len(attempts) != 3 {
		t.Fatalf("build attempts = %d, want full retry budget", len(attempts))
	}
	for _, att := range attempts {
		if att.ErrorKind != "secret_resolution" {
			t.Errorf("attempt %d error kind = %q, want secret_resolution", att.Attempt, att.ErrorKind)
		}
	}
	if got := exec.callCount("build"); got != 0 {
		t.Errorf("executor invoked %d times despite missing secrets", got)
	}
}

func TestCancelStopsSchedulingNewStages(t *testing.T) {
	exec := newFakeExec()
	buildGate := exec.gate("build")
	eng, runs, _ := newTestEngine(t, webappPipeline(), exec, &fakeResolver{})

	runID, err := eng.StartRun(context.Background(), "webapp-deploy", domain.Trigger{
		RefName:  "refs/heads/main",
		CommitID: "0123456789abcdef0123456789abcdef01234567",
	})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	// Wait until build is in flight, then cancel and release it.
	deadline := time.Now().Add(2 * time.Second)
	for exec.callCount("build") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("build was never dispatched")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := eng.CancelRun(context.Background(), runID); err != nil {
		t.Fatalf("CancelRun: %v", err)
	}
	close(buildGate)
	waitForRun(t, eng, runID)

	if got := runStatus(t, runs, runID).Status; got != domain.RunStateCancelled {
		t.Fatalf("run status = %s, want cancelled", got)
	}
	// The in-flight stage finished; nothing downstream was dispatched.
	if got := exec.callCount("build"); got != 1 {
		t.Errorf("build executed %d times, want 1", got)
	}
	if got := exec.callCount("deploy"); got != 0 {
		t.Errorf("deploy executed %d times after cancel, want 0", got)
	}
}

func TestCancelTerminalRun(t *testing.T) {
	exec := newFakeExec()
	eng, _, _ := newTestEngine(t, webappPipeline(), exec, &fakeResolver{})

	runID := startAndWait(t, eng)
	err := eng.CancelRun(context.Background(), runID)
	if !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("CancelRun on settled run = %v, want ErrAlreadyTerminal", err)
	}
}

func TestStartRunUnknownPipeline(t *testing.T) {
	exec := newFakeExec()
	eng, _, _ := newTestEngine(t, webappPipeline(), exec, &fakeResolver{})

	_, err := eng.StartRun(context.Background(), "no-such-pipeline", domain.Trigger{})
	if !errors.Is(err, ErrUnknownPipeline) {
		t.Fatalf("StartRun = %v, want ErrUnknownPipeline", err)
	}
}

func TestResumeDoesNotReinvokeCompletedStages(t *testing.T) {
	exec := newFakeExec()
	eng, runs, ledger := newTestEngine(t, webappPipeline(), exec, &fakeResolver{})

	// Simulate a run interrupted after build and sync succeeded.
	run := domain.Run{
		ID:        "run-interrupted",
		Pipeline:  "webapp-deploy",
		RefName:   "refs/heads/main",
		CommitID:  "0123456789abcdef0123456789abcdef01234567",
		Status:    domain.RunStateRunning,
		StartedAt: time.Now().UTC().Add(-time.Minute),
	}
	if err := runs.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	now := time.Now().UTC()
	for _, stageID := range []string{"build", "sync"} {
		_, _, err := ledger.Append(context.Background(), domain.StageAttempt{
			RunID:      run.ID,
			StageID:    stageID,
			Attempt:    1,
			StartedAt:  now,
			FinishedAt: &now,
			Outcome:    domain.OutcomeSuccess,
		})
		if err != nil {
			t.Fatalf("seed ledger: %v", err)
		}
	}

	if err := eng.Resume(context.Background(), run.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitForRun(t, eng, run.ID)

	if got := runStatus(t, runs, run.ID).Status; got != domain.RunStateSucceeded {
		t.Fatalf("run status = %s, want succeeded", got)
	}
	for _, id := range []string{"build", "sync"} {
		if got := exec.callCount(id); got != 0 {
			t.Errorf("completed stage %s re-invoked %d times", id, got)
		}
	}
	for _, id := range []string{"deploy", "invalidate"} {
		if got := exec.callCount(id); got != 1 {
			t.Errorf("stage %s executed %d times, want 1", id, got)
		}
	}
}

func TestResumeContinuesRetryBudget(t *testing.T) {
	exec := newFakeExec()
	eng, runs, ledger := newTestEngine(t, webappPipeline(), exec, &fakeResolver{})

	run := domain.Run{
		ID:        "run-mid-retry",
		Pipeline:  "webapp-deploy",
		RefName:   "refs/heads/main",
		CommitID:  "0123456789abcdef0123456789abcdef01234567",
		Status:    domain.RunStateRunning,
		StartedAt: time.Now().UTC().Add(-time.Minute),
	}
	if err := runs.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	now := time.Now().UTC()
	_, _, err := ledger.Append(context.Background(), domain.StageAttempt{
		RunID:      run.ID,
		StageID:    "build",
		Attempt:    1,
		StartedAt:  now,
		FinishedAt: &now,
		Outcome:    domain.OutcomeFailure,
		ErrorKind:  "transient",
		Diagnostic: "registry timeout",
	})
	if err != nil {
		t.Fatalf("seed ledger: %v", err)
	}

	if err := eng.Resume(context.Background(), run.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitForRun(t, eng, run.ID)

	if got := runStatus(t, runs, run.ID).Status; got != domain.RunStateSucceeded {
		t.Fatalf("run status = %s, want succeeded", got)
	}
	attempts := attemptsFor(t, ledger, run.ID, "build")
	if len(attempts) != 2 {
		t.Fatalf("build attempts = %d, want 2", len(attempts))
	}
	if attempts[1].Attempt != 2 || attempts[1].Outcome != domain.OutcomeSuccess {
		t.Errorf("resumed attempt = %+v, want success numbered 2", attempts[1])
	}
}

// countingExec tracks how many Execute calls overlap. Calls block on
// release so the test controls when they finish.
type countingExec struct {
	mu       sync.Mutex
	inflight int
	maxSeen  int
	total    int
	started  chan struct{}
	release  chan struct{}
}

func (c *countingExec) Execute(context.Context, domain.StageDefinition, map[string]string, executor.RunContext) (executor.Result, error) {
	c.mu.Lock()
	c.inflight++
	c.total++
	if c.inflight > c.maxSeen {
		c.maxSeen = c.inflight
	}
	c.mu.Unlock()
	c.started <- struct{}{}
	<-c.release
	c.mu.Lock()
	c.inflight--
	c.mu.Unlock()
	return executor.Result{Diagnostic: "done"}, nil
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	def := domain.PipelineDefinition{
		Name: "webapp-deploy",
		Stages: []domain.StageDefinition{
			stage("deploy-us-east", domain.StageKindRemoteDeploy),
			stage("deploy-us-west", domain.StageKindRemoteDeploy),
			stage("deploy-eu", domain.StageKindRemoteDeploy),
			stage("deploy-ap", domain.StageKindRemoteDeploy),
		},
	}
	exec := &countingExec{
		started: make(chan struct{}, len(def.Stages)),
		release: make(chan struct{}),
	}
	eng, runs, _ := newTestEngine(t, def, exec, &fakeResolver{})
	eng.maxWorkers = 2

	runID, err := eng.StartRun(context.Background(), "webapp-deploy", domain.Trigger{
		RefName:  "refs/heads/main",
		CommitID: "0123456789abcdef0123456789abcdef01234567",
	})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	// Two stages fill the pool; a third must not start while they hold it.
	<-exec.started
	<-exec.started
	select {
	case <-exec.started:
		t.Fatal("third stage dispatched past a two-worker pool")
	case <-time.After(100 * time.Millisecond):
	}

	close(exec.release)
	waitForRun(t, eng, runID)

	if got := runStatus(t, runs, runID).Status; got != domain.RunStateSucceeded {
		t.Fatalf("run status = %s, want succeeded", got)
	}
	exec.mu.Lock()
	defer exec.mu.Unlock()
	if exec.total != len(def.Stages) {
		t.Errorf("executed %d stages, want %d", exec.total, len(def.Stages))
	}
	if exec.maxSeen > 2 {
		t.Errorf("observed %d concurrent executions, want at most 2", exec.maxSeen)
	}
}

func TestShutdownLeavesRunResumable(t *testing.T) {
	exec := newFakeExec()
	buildGate := exec.gate("build")
	eng, runs, ledger := newTestEngine(t, webappPipeline(), exec, &fakeResolver{})

	runID, err := eng.StartRun(context.Background(), "webapp-deploy", domain.Trigger{
		RefName:  "refs/heads/main",
		CommitID: "0123456789abcdef0123456789abcdef01234567",
	})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for exec.callCount("build") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("build was never dispatched")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Stop the engine out from under the in-flight stage. The run must
	// not be finalized: it belongs to the next process.
	eng.Shutdown()
	if got := runStatus(t, runs, runID).Status; got != domain.RunStateRunning {
		t.Fatalf("interrupted run status = %s, want running", got)
	}

	close(buildGate)
	eng2 := newTestEngineWith(t, webappPipeline(), exec, &fakeResolver{}, runs, ledger)
	if err := eng2.Resume(context.Background(), runID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitForRun(t, eng2, runID)

	if got := runStatus(t, runs, runID).Status; got != domain.RunStateSucceeded {
		t.Fatalf("resumed run status = %s, want succeeded", got)
	}
	attempts := attemptsFor(t, ledger, runID, "build")
	if final := attempts[len(attempts)-1]; final.Outcome != domain.OutcomeSuccess {
		t.Errorf("final build attempt = %+v, want success", final)
	}
}

func TestResumeTerminalRun(t *testing.T) {
	exec := newFakeExec()
	eng, _, _ := newTestEngine(t, webappPipeline(), exec, &fakeResolver{})

	runID := startAndWait(t, eng)
	err := eng.Resume(context.Background(), runID)
	if !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("Resume on settled run = %v, want ErrAlreadyTerminal", err)
	}
}
