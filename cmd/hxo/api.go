package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/animus-labs/hypershard/internal/domain"
	"github.com/animus-labs/hypershard/internal/execution/plan"
	"github.com/animus-labs/hypershard/internal/orchestrator"
	"github.com/animus-labs/hypershard/internal/platform/httpserver"
)

const maxPlanBytes = 1 << 20

type planService interface {
	Submit(ctx context.Context, p domain.Plan) (string, error)
	Status(ctx context.Context, planID string) (domain.PlanStatus, error)
	Abort(ctx context.Context, planID string) bool
}

type planAPI struct {
	logger *slog.Logger
	plans  planService
}

func newPlanAPI(logger *slog.Logger, plans planService) *planAPI {
	return &planAPI{
		logger: logger,
		plans:  plans,
	}
}

func (api *planAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/plans", api.handleSubmit)
	mux.HandleFunc("GET /v1/plans/{plan_id}", api.handleStatus)
	mux.HandleFunc("POST /v1/plans/{plan_id}/abort", api.handleAbort)
}

type submitResponse struct {
	PlanID string `json:"plan_id"`
}

// handleSubmit accepts a plan document in JSON or YAML.
func (api *planAPI) handleSubmit(w http.ResponseWriter, r *http.Request) {
	p, err := plan.Decode(http.MaxBytesReader(w, r.Body, maxPlanBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpserver.WriteError(w, r, http.StatusRequestEntityTooLarge, "plan_too_large", err)
			return
		}
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_plan", err)
		return
	}
	if by := strings.TrimSpace(r.Header.Get("X-Submitted-By")); by != "" && p.SubmittedBy == "" {
		p.SubmittedBy = by
	}

	planID, err := api.plans.Submit(r.Context(), p)
	var unknown *domain.UnknownPolicyError
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrPlanInvalid), errors.As(err, &unknown):
		httpserver.WriteError(w, r, http.StatusBadRequest, "invalid_plan", err)
		return
	case errors.Is(err, orchestrator.ErrPlanExists):
		httpserver.WriteError(w, r, http.StatusConflict, "plan_exists", err)
		return
	case errors.Is(err, orchestrator.ErrClosed):
		httpserver.WriteError(w, r, http.StatusServiceUnavailable, "shutting_down", nil)
		return
	default:
		api.logger.Error("submit plan failed", "error", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error", nil)
		return
	}
	httpserver.WriteJSON(w, http.StatusAccepted, submitResponse{PlanID: planID})
}

func (api *planAPI) handleStatus(w http.ResponseWriter, r *http.Request) {
	planID := strings.TrimSpace(r.PathValue("plan_id"))
	status, err := api.plans.Status(r.Context(), planID)
	switch {
	case err == nil:
		httpserver.WriteJSON(w, http.StatusOK, status)
	case errors.Is(err, orchestrator.ErrUnknownPlan):
		httpserver.WriteError(w, r, http.StatusNotFound, "not_found", nil)
	default:
		api.logger.Error("plan status failed", "plan_id", planID, "error", err)
		httpserver.WriteError(w, r, http.StatusInternalServerError, "internal_error", nil)
	}
}

func (api *planAPI) handleAbort(w http.ResponseWriter, r *http.Request) {
	planID := strings.TrimSpace(r.PathValue("plan_id"))
	if !api.plans.Abort(r.Context(), planID) {
		httpserver.WriteError(w, r, http.StatusNotFound, "not_found", nil)
		return
	}
	httpserver.WriteJSON(w, http.StatusAccepted, map[string]any{"plan_id": planID, "aborted": true})
}
