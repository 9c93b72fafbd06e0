package benchmark

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ayush/open-deep-research/internal/models"
	"github.com/ayush/open-deep-research/internal/respond"
)

func newTestRouter(env *testEnv) http.Handler {
	logger := zerolog.Nop()
	r := chi.NewRouter()
	NewHandler(env.svc, &logger).Routes(r)

	return r
}

func TestHandler(t *testing.T) {
	env := newTestEnv(t)
	h := newTestRouter(env)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/benchmark", strings.NewReader(`{}`)))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.JSONEq(t, `{"success":false,"error":"no completed research found in database"}`, rec.Body.String())

	env.records.research = &models.Research{ID: "r1", InitialUserMessage: "tea"}
	env.llm.reports["m/one"] = "report"

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/benchmark", strings.NewReader(`{"models":["m/one"]}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"success":true`)
	require.Contains(t, rec.Body.String(), `"model":"m/one"`)
	require.Contains(t, rec.Body.String(), `"reportLength":6`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/benchmark", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"topic":"tea"`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/benchmark/run-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"model":"m/one"`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/benchmark/missing", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.JSONEq(t, `{"error":"benchmark run not found"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/test/speed-comparison", strings.NewReader(`{}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "either 'url' or 'content' must be provided")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/test/speed-comparison", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "Speed Comparison Test Endpoint")
}

func TestSpeedCompare_BodyTooLarge(t *testing.T) {
	env := newTestEnv(t)
	h := newTestRouter(env)

	body := `{"content":"` + strings.Repeat("a", respond.MaxBodyBytes) + `"}`

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/test/speed-comparison", strings.NewReader(body)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Empty(t, env.llm.requests)
}
