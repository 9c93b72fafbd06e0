package research

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/ayush/open-deep-research/internal/auth"
	"github.com/ayush/open-deep-research/internal/models"
	"github.com/ayush/open-deep-research/internal/respond"
)

// Handler holds research HTTP handlers.
type Handler struct {
	svc    *Service
	logger *zerolog.Logger
}

func NewHandler(svc *Service, logger *zerolog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Routes mounts the research endpoints. Callers wrap them in RequireAuth.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Delete("/{id}", h.Delete)
	r.Post("/{id}/answers", h.Answers)
	r.Post("/{id}/skip", h.Skip)
	r.Get("/{id}/outline", h.Outline)
	r.Get("/{id}/map", h.Map)
	r.Get("/{id}/cover", h.Cover)
	r.Get("/{id}/download", h.Download)
}

// writeErr maps service errors to status codes.
func (h *Handler) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		respond.Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		respond.Error(w, http.StatusNotFound, "research not found")
	case errors.Is(err, ErrNoReport):
		respond.Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrAlreadyStarted):
		respond.Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrUsageExceeded):
		respond.Error(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, ErrPoolBusy):
		respond.Error(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, ErrUpstream):
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("upstream failure")
		respond.Error(w, http.StatusBadGateway, err.Error())
	default:
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("research request failed")
		respond.Error(w, http.StatusInternalServerError, "internal error")
	}
}

// Create stores a new research request.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req models.CreateRequest
	if err := respond.Decode(w, r, &req); err != nil {
		respond.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.svc.Create(r.Context(), auth.UserIDFrom(r.Context()), req)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	respond.JSON(w, http.StatusCreated, map[string]string{"id": res.ID})
}

// List returns all research for the current user.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.List(r.Context(), auth.UserIDFrom(r.Context()))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	respond.JSON(w, http.StatusOK, list)
}

// Get returns a record, generating clarifying questions on first read.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Get(r.Context(), auth.UserIDFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	respond.JSON(w, http.StatusOK, view)
}

// Delete removes a record and its files.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), auth.UserIDFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
		h.writeErr(w, r, err)
		return
	}

	respond.JSON(w, http.StatusOK, map[string]string{"message": "deleted"})
}

// Answers stores the answers and starts the pipeline.
func (h *Handler) Answers(w http.ResponseWriter, r *http.Request) {
	var req models.AnswersRequest
	if err := respond.Decode(w, r, &req); err != nil {
		respond.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id := chi.URLParam(r, "id")

	if err := h.svc.StoreAnswers(r.Context(), auth.UserIDFrom(r.Context()), id, req.Answers, req.TogetherAPIKey); err != nil {
		h.writeErr(w, r, err)
		return
	}

	respond.JSON(w, http.StatusAccepted, map[string]string{"id": id, "status": models.StatusProcessing})
}

// Skip starts the pipeline without answers. The body is optional.
func (h *Handler) Skip(w http.ResponseWriter, r *http.Request) {
	var req models.AnswersRequest
	if err := respond.Decode(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		respond.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id := chi.URLParam(r, "id")

	if err := h.svc.SkipQuestions(r.Context(), auth.UserIDFrom(r.Context()), id, req.TogetherAPIKey); err != nil {
		h.writeErr(w, r, err)
		return
	}

	respond.JSON(w, http.StatusAccepted, map[string]string{"id": id, "status": models.StatusProcessing})
}

// Outline returns the report headings.
func (h *Handler) Outline(w http.ResponseWriter, r *http.Request) {
	headings, err := h.svc.Outline(r.Context(), auth.UserIDFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	respond.JSON(w, http.StatusOK, headings)
}

// Map returns the report split around its map block.
func (h *Handler) Map(w http.ResponseWriter, r *http.Request) {
	split, err := h.svc.Map(r.Context(), auth.UserIDFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	respond.JSON(w, http.StatusOK, split)
}

// Cover streams the cover image.
func (h *Handler) Cover(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := h.svc.Cover(r.Context(), auth.UserIDFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "private, max-age=86400")
	_, _ = w.Write(data)
}

// Download returns the report as a markdown attachment.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	name, data, err := h.svc.Download(r.Context(), auth.UserIDFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	_, _ = w.Write(data)
}

// Usage reports the remaining daily credits.
func (h *Handler) Usage(w http.ResponseWriter, r *http.Request) {
	usage, err := h.svc.UsageFor(r.Context(), auth.UserIDFrom(r.Context()))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	respond.JSON(w, http.StatusOK, usage)
}
