package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/caravel-labs/caravel-go/internal/domain"
	"github.com/caravel-labs/caravel-go/internal/engine"
	"github.com/caravel-labs/caravel-go/internal/executor"
	"github.com/caravel-labs/caravel-go/internal/repo/memory"
)

type nopExec struct{}

func (nopExec) Execute(context.Context, domain.StageDefinition, map[string]string, executor.RunContext) (executor.Result, error) {
	return executor.Result{Diagnostic: "ok"}, nil
}

type nopResolver struct{}

func (nopResolver) Resolve(context.Context, []string) (map[string]string, error) {
	return map[string]string{}, nil
}

func testDefs() map[string]domain.PipelineDefinition {
	return map[string]domain.PipelineDefinition{
		"webapp-deploy": {
			Name: "webapp-deploy",
			Stages: []domain.StageDefinition{
				{ID: "build", Kind: domain.StageKindBuildAndPush, Retry: domain.DefaultRetryPolicy()},
				{ID: "deploy", Kind: domain.StageKindRemoteDeploy, Needs: []string{"build"}, Retry: domain.DefaultRetryPolicy()},
			},
		},
	}
}

func newTestServer(t *testing.T) (*http.ServeMux, *engine.Engine) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	defs := testDefs()
	runs := memory.NewRunStore()
	ledger := memory.NewAttemptStore()
	eng, err := engine.New(defs, runs, ledger, nopExec{}, nopResolver{}, logger, nil, engine.Config{})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	mux := http.NewServeMux()
	New(logger, eng, runs, defs).Register(mux)
	return mux, eng
}

func triggerRun(t *testing.T, mux *http.ServeMux, eng *engine.Engine) string {
	t.Helper()
	body := `{"ref_name": "refs/heads/main", "commit_id": "0123456789abcdef0123456789abcdef01234567"}`
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/pipelines/webapp-deploy/runs", strings.NewReader(body)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("trigger status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp triggerResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode trigger response: %v", err)
	}
	if resp.RunID == "" || resp.Status != "running" {
		t.Fatalf("trigger response = %+v", resp)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := eng.WaitForRun(ctx, resp.RunID); err != nil {
		t.Fatalf("WaitForRun: %v", err)
	}
	return resp.RunID
}

func TestTriggerAndGetRun(t *testing.T) {
	mux, eng := newTestServer(t)
	runID := triggerRun(t, mux, eng)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/"+runID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get run status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp runResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	if resp.Status != "succeeded" {
		t.Errorf("run status = %s, want succeeded", resp.Status)
	}
	if len(resp.Attempts) != 2 {
		t.Errorf("attempts = %d, want 2", len(resp.Attempts))
	}
	if resp.EndedAt == nil {
		t.Error("no ended_at on settled run")
	}
}

func TestTriggerUnknownPipeline(t *testing.T) {
	mux, _ := newTestServer(t)
	body := `{"ref_name": "refs/heads/main", "commit_id": "0123456789abcdef0123456789abcdef01234567"}`
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/pipelines/nope/runs", strings.NewReader(body)))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestTriggerValidation(t *testing.T) {
	mux, _ := newTestServer(t)
	cases := []struct {
		name string
		body string
	}{
		{"missing ref", `{"commit_id": "0123456789abcdef0123456789abcdef01234567"}`},
		{"missing commit", `{"ref_name": "refs/heads/main"}`},
		{"commit not hex", `{"ref_name": "refs/heads/main", "commit_id": "not-a-commit"}`},
		{"commit too short", `{"ref_name": "refs/heads/main", "commit_id": "abc"}`},
		{"invalid json", `{"ref_name": `},
		{"unknown field", `{"ref_name": "refs/heads/main", "commit_id": "0123456789ab", "branch": "main"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/pipelines/webapp-deploy/runs", strings.NewReader(tc.body)))
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestGetRunNotFound(t *testing.T) {
	mux, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/no-such-run", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestCancelSettledRunConflicts(t *testing.T) {
	mux, eng := newTestServer(t)
	runID := triggerRun(t, mux, eng)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/runs/"+runID+"/cancel", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409: %s", rec.Code, rec.Body.String())
	}
}

func TestCancelUnknownRun(t *testing.T) {
	mux, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/runs/no-such-run/cancel", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestListRuns(t *testing.T) {
	mux, eng := newTestServer(t)
	triggerRun(t, mux, eng)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs?pipeline=webapp-deploy&status=succeeded", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Runs []runResponse `json:"runs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Runs) != 1 {
		t.Errorf("runs = %d, want 1", len(resp.Runs))
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs?limit=0", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("limit=0 status = %d, want 400", rec.Code)
	}
}

func TestListPipelines(t *testing.T) {
	mux, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/pipelines", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Pipelines []pipelineSummary `json:"pipelines"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Pipelines) != 1 || resp.Pipelines[0].Name != "webapp-deploy" {
		t.Errorf("pipelines = %+v", resp.Pipelines)
	}
}
