// Package api exposes the pipeline trigger and run inspection
// endpoints.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/caravel-labs/caravel-go/internal/domain"
	"github.com/caravel-labs/caravel-go/internal/engine"
	"github.com/caravel-labs/caravel-go/internal/platform/httpserver"
	"github.com/caravel-labs/caravel-go/internal/repo"
)

var commitPattern = regexp.MustCompile(`^[0-9a-f]{7,40}$`)

type API struct {
	logger *slog.Logger
	engine *engine.Engine
	runs   repo.RunRepository
	defs   map[string]domain.PipelineDefinition
}

func New(logger *slog.Logger, eng *engine.Engine, runs repo.RunRepository, defs map[string]domain.PipelineDefinition) *API {
	return &API{
		logger: logger,
		engine: eng,
		runs:   runs,
		defs:   defs,
	}
}

func (api *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/pipelines", api.handleListPipelines)
	mux.HandleFunc("POST /v1/pipelines/{name}/runs", api.handleTriggerRun)

	mux.HandleFunc("GET /v1/runs", api.handleListRuns)
	mux.HandleFunc("GET /v1/runs/{run_id}", api.handleGetRun)
	mux.HandleFunc("POST /v1/runs/{run_id}/cancel", api.handleCancelRun)
}

type stageSummary struct {
	ID    string   `json:"id"`
	Kind  string   `json:"kind"`
	Needs []string `json:"needs,omitempty"`
}

type pipelineSummary struct {
	Name   string         `json:"name"`
	Stages []stageSummary `json:"stages"`
}

func (api *API) handleListPipelines(w http.ResponseWriter, _ *http.Request) {
	names := make([]string, 0, len(api.defs))
	for name := range api.defs {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]pipelineSummary, 0, len(names))
	for _, name := range names {
		def := api.defs[name]
		stages := make([]stageSummary, 0, len(def.Stages))
		for _, stage := range def.Stages {
			stages = append(stages, stageSummary{
				ID:    stage.ID,
				Kind:  string(stage.Kind),
				Needs: stage.Needs,
			})
		}
		out = append(out, pipelineSummary{Name: name, Stages: stages})
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"pipelines": out})
}

type triggerRequest struct {
	RefName  string `json:"ref_name"`
	CommitID string `json:"commit_id"`
}

type triggerResponse struct {
	RunID    string `json:"run_id"`
	Pipeline string `json:"pipeline"`
	Status   string `json:"status"`
}

func (api *API) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var req triggerRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	req.RefName = strings.TrimSpace(req.RefName)
	req.CommitID = strings.ToLower(strings.TrimSpace(req.CommitID))
	if req.RefName == "" {
		api.writeError(w, r, http.StatusBadRequest, "ref_name_required")
		return
	}
	if !commitPattern.MatchString(req.CommitID) {
		api.writeError(w, r, http.StatusBadRequest, "invalid_commit_id")
		return
	}

	runID, err := api.engine.StartRun(r.Context(), name, domain.Trigger{
		RefName:  req.RefName,
		CommitID: req.CommitID,
	})
	if err != nil {
		if errors.Is(err, engine.ErrUnknownPipeline) {
			api.writeError(w, r, http.StatusNotFound, "unknown_pipeline")
			return
		}
		api.logger.Error("trigger run", "pipeline", name, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	api.writeJSON(w, http.StatusAccepted, triggerResponse{
		RunID:    runID,
		Pipeline: name,
		Status:   string(domain.RunStateRunning),
	})
}

type attemptResponse struct {
	StageID    string     `json:"stage_id"`
	Attempt    int        `json:"attempt"`
	Outcome    string     `json:"outcome"`
	ErrorKind  string     `json:"error_kind,omitempty"`
	Diagnostic string     `json:"diagnostic,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type runResponse struct {
	RunID     string            `json:"run_id"`
	Pipeline  string            `json:"pipeline"`
	RefName   string            `json:"ref_name"`
	CommitID  string            `json:"commit_id"`
	Status    string            `json:"status"`
	StartedAt time.Time         `json:"started_at"`
	EndedAt   *time.Time        `json:"ended_at,omitempty"`
	Attempts  []attemptResponse `json:"attempts,omitempty"`
}

func (api *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")

	run, attempts, err := api.engine.RunStatus(r.Context(), runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "run_not_found")
			return
		}
		api.logger.Error("get run", "run_id", runID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	api.writeJSON(w, http.StatusOK, toRunResponse(run, attempts))
}

func (api *API) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := repo.RunFilter{
		Pipeline: strings.TrimSpace(r.URL.Query().Get("pipeline")),
		Limit:    50,
	}
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		filter.Status = domain.RunState(status)
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 500 {
			api.writeError(w, r, http.StatusBadRequest, "invalid_limit")
			return
		}
		filter.Limit = limit
	}

	runs, err := api.runs.ListRuns(r.Context(), filter)
	if err != nil {
		api.logger.Error("list runs", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	out := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunResponse(run, nil))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (api *API) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")

	err := api.engine.CancelRun(r.Context(), runID)
	switch {
	case err == nil:
		api.writeJSON(w, http.StatusAccepted, map[string]any{
			"run_id": runID,
			"status": "cancelling",
		})
	case errors.Is(err, repo.ErrNotFound):
		api.writeError(w, r, http.StatusNotFound, "run_not_found")
	case errors.Is(err, engine.ErrAlreadyTerminal):
		api.writeError(w, r, http.StatusConflict, "run_already_terminal")
	default:
		api.logger.Error("cancel run", "run_id", runID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

func toRunResponse(run domain.Run, attempts []domain.StageAttempt) runResponse {
	out := runResponse{
		RunID:     run.ID,
		Pipeline:  run.Pipeline,
		RefName:   run.RefName,
		CommitID:  run.CommitID,
		Status:    string(run.Status),
		StartedAt: run.StartedAt,
		EndedAt:   run.EndedAt,
	}
	for _, att := range attempts {
		out.Attempts = append(out.Attempts, attemptResponse{
			StageID:    att.StageID,
			Attempt:    att.Attempt,
			Outcome:    string(att.Outcome),
			ErrorKind:  att.ErrorKind,
			Diagnostic: att.Diagnostic,
			StartedAt:  att.StartedAt,
			FinishedAt: att.FinishedAt,
		})
	}
	return out
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func (api *API) writeJSON(w http.ResponseWriter, status int, body any) {
	httpserver.WriteJSON(w, status, body)
}

func (api *API) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	requestID, _ := httpserver.RequestIDFromContext(r.Context())
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": requestID,
	})
}
