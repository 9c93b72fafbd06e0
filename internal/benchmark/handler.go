package benchmark

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/ayush/open-deep-research/internal/models"
	"github.com/ayush/open-deep-research/internal/respond"
)

const maxListedRuns = 100

// Handler holds benchmark and speed comparison HTTP handlers.
type Handler struct {
	svc    *Service
	logger *zerolog.Logger
}

func NewHandler(svc *Service, logger *zerolog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Routes mounts POST/GET /api/benchmark and /api/test/speed-comparison.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/api/benchmark", h.Benchmark)
	r.Get("/api/benchmark", h.ListRuns)
	r.Get("/api/benchmark/{id}", h.GetRun)
	r.Post("/api/test/speed-comparison", h.SpeedCompare)
	r.Get("/api/test/speed-comparison", h.SpeedUsage)
}

type benchmarkResponse struct {
	Success bool `json:"success"`
	*models.BenchmarkRun
}

// Benchmark runs the model benchmark. A missing or invalid body uses the
// default model list.
func (h *Handler) Benchmark(w http.ResponseWriter, r *http.Request) {
	var req models.BenchmarkRequest
	if err := respond.Decode(w, r, &req); err != nil {
		req.Models = nil
	}

	run, err := h.svc.Benchmark(r.Context(), req.Models)
	if err != nil {
		h.logger.Error().Err(err).Msg("benchmark failed")
		respond.JSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": err.Error()})
		return
	}

	respond.JSON(w, http.StatusOK, benchmarkResponse{Success: true, BenchmarkRun: run})
}

// ListRuns returns stored benchmark runs. ?limit= caps the count.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 64)
	if limit > maxListedRuns {
		limit = maxListedRuns
	}

	runs, err := h.svc.Runs(r.Context(), limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("list benchmark runs")
		respond.Error(w, http.StatusInternalServerError, "internal error")
		return
	}

	respond.JSON(w, http.StatusOK, runs)
}

// GetRun returns one stored benchmark run.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.svc.RunByID(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, ErrRunNotFound) {
		respond.Error(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("get benchmark run")
		respond.Error(w, http.StatusInternalServerError, "internal error")
		return
	}

	respond.JSON(w, http.StatusOK, run)
}

// SpeedCompare summarizes a URL or text with two models.
func (h *Handler) SpeedCompare(w http.ResponseWriter, r *http.Request) {
	var req models.SpeedRequest
	if err := respond.Decode(w, r, &req); err != nil {
		respond.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	report, err := h.svc.SpeedCompare(r.Context(), req)
	if errors.Is(err, ErrInvalidInput) {
		respond.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("speed comparison failed")
		respond.Error(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	respond.JSON(w, http.StatusOK, report)
}

// SpeedUsage describes how to call SpeedCompare.
func (h *Handler) SpeedUsage(w http.ResponseWriter, _ *http.Request) {
	respond.JSON(w, http.StatusOK, map[string]any{
		"message": "Speed Comparison Test Endpoint",
		"usage": map[string]any{
			"method": http.MethodPost,
			"body": map[string]string{
				"url":     "https://example.com (optional, if not provided, use content)",
				"content": "Direct text content to summarize (optional, if not provided, use url)",
				"query":   "Research topic or summarization query (optional, defaults to '" + DefaultQuery + "')",
			},
			"models": []string{h.svc.opts.SummaryModel, h.svc.opts.SpeedModel},
		},
	})
}
