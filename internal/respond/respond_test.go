package respond

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	JSON(rec, http.StatusCreated, map[string]string{"id": "abc"})

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.JSONEq(t, `{"id":"abc"}`, rec.Body.String())
}

func TestError(t *testing.T) {
	rec := httptest.NewRecorder()
	Error(rec, http.StatusNotFound, "research not found")

	require.Equal(t, http.StatusNotFound, rec.Code)
	require.JSONEq(t, `{"error":"research not found"}`, rec.Body.String())
}

func TestDecode(t *testing.T) {
	var body struct {
		Message string `json:"message"`
	}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"message":"hi"}`))
	require.NoError(t, Decode(httptest.NewRecorder(), req, &body))
	require.Equal(t, "hi", body.Message)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{`))
	require.Error(t, Decode(httptest.NewRecorder(), req, &body))
}

func TestDecode_BodyTooLarge(t *testing.T) {
	var body struct {
		Content string `json:"content"`
	}

	payload := `{"content":"` + strings.Repeat("a", MaxBodyBytes) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(payload))

	var tooLarge *http.MaxBytesError
	require.ErrorAs(t, Decode(httptest.NewRecorder(), req, &body), &tooLarge)
}
