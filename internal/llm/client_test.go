package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const testModel = "test/model"

type chatBody struct {
	Model          string `json:"model"`
	Stream         bool   `json:"stream"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	logger := zerolog.Nop()

	return New(Options{APIKey: "tg-test", BaseURL: srv.URL + "/v1", RPS: 100}, &logger)
}

func writeCompletion(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":     "cmpl-1",
		"object": "chat.completion",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]string{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
	})
}

func TestComplete(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer tg-test", r.Header.Get("Authorization"))

		var body chatBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, testModel, body.Model)
		require.Len(t, body.Messages, 2)
		require.Equal(t, "system", body.Messages[0].Role)
		require.Equal(t, "user", body.Messages[1].Role)
		require.Nil(t, body.ResponseFormat)

		writeCompletion(w, "  hello there \n")
	})

	got, err := c.Complete(context.Background(), Request{Model: testModel, System: "be brief", User: "hi"})
	require.NoError(t, err)
	require.Equal(t, "hello there", got)
}

func TestComplete_EmptyResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		writeCompletion(w, "   ")
	})

	_, err := c.Complete(context.Background(), Request{Model: testModel, User: "hi"})
	require.ErrorIs(t, err, ErrEmptyResponse)
}

func TestCompleteJSON_RetriesUntilDecoded(t *testing.T) {
	var calls atomic.Int32

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body chatBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.NotNil(t, body.ResponseFormat)
		require.Equal(t, "json_object", body.ResponseFormat.Type)

		if calls.Add(1) == 1 {
			writeCompletion(w, "sorry, no json today")
			return
		}

		writeCompletion(w, "```json\n{\"queries\":[\"a\",\"b\"]}\n```")
	})

	var out struct {
		Queries []string `json:"queries"`
	}

	err := c.CompleteJSON(context.Background(), Request{Model: testModel, User: "plan"}, &out, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, out.Queries)
	require.Equal(t, int32(2), calls.Load())
}

func TestCompleteJSON_GivesUp(t *testing.T) {
	var calls atomic.Int32

	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		writeCompletion(w, "not json")
	})

	var out map[string]any

	err := c.CompleteJSON(context.Background(), Request{Model: testModel, User: "plan"}, &out, 2)
	require.ErrorIs(t, err, ErrNoJSON)
	require.Equal(t, int32(3), calls.Load())
}

func TestStream(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body chatBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.True(t, body.Stream)

		w.Header().Set("Content-Type", "text/event-stream")

		for _, part := range []string{"# Report", "\n\nBody", " text"} {
			chunk, _ := json.Marshal(map[string]any{
				"id":      "chunk",
				"object":  "chat.completion.chunk",
				"choices": []map[string]any{{"index": 0, "delta": map[string]string{"content": part}}},
			})
			fmt.Fprintf(w, "data: %s\n\n", chunk)
		}

		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	got, err := c.Stream(context.Background(), Request{Model: testModel, System: "write", User: "topic", MaxTokens: 64})
	require.NoError(t, err)
	require.Equal(t, "# Report\n\nBody text", got)
}

func TestGenerateImage(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G'}

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/images/generations", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "b64_json", body["response_format"])
		require.Equal(t, "img/model", body["model"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"created": 1,
			"data":    []map[string]string{{"b64_json": base64.StdEncoding.EncodeToString(png)}},
		})
	})

	got, err := c.GenerateImage(context.Background(), "img/model", "a cover")
	require.NoError(t, err)
	require.Equal(t, png, got)
}

func TestGenerateImage_DownloadsURL(t *testing.T) {
	var srvURL string

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/files/cover.png" {
			_, _ = w.Write([]byte("image-bytes"))
			return
		}

		_ = json.NewEncoder(w).Encode(map[string]any{
			"created": 1,
			"data":    []map[string]string{{"url": srvURL + "/files/cover.png"}},
		})
	})
	srvURL = c.opts.BaseURL[:len(c.opts.BaseURL)-len("/v1")]

	got, err := c.GenerateImage(context.Background(), "img/model", "a cover")
	require.NoError(t, err)
	require.Equal(t, []byte("image-bytes"), got)
}

func TestCircuitBreakerOpens(t *testing.T) {
	var calls atomic.Int32

	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
	})

	for range circuitBreakerThreshold {
		_, err := c.Complete(context.Background(), Request{Model: testModel, User: "hi"})
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrCircuitBreakerOpen)
	}

	_, err := c.Complete(context.Background(), Request{Model: testModel, User: "hi"})
	require.ErrorIs(t, err, ErrCircuitBreakerOpen)
	require.Equal(t, int32(circuitBreakerThreshold), calls.Load())

	personal := c.WithAPIKey("user-key")
	require.NotSame(t, c, personal)

	_, err = personal.Complete(context.Background(), Request{Model: testModel, User: "hi"})
	require.NotErrorIs(t, err, ErrCircuitBreakerOpen)
}

func TestWithAPIKey(t *testing.T) {
	var gotAuth atomic.Value

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		writeCompletion(w, "ok")
	})

	require.Same(t, c, c.WithAPIKey(""))
	require.Same(t, c, c.WithAPIKey("tg-test"))

	_, err := c.WithAPIKey(" personal ").Complete(context.Background(), Request{Model: testModel, User: "hi"})
	require.NoError(t, err)
	require.Equal(t, "Bearer personal", gotAuth.Load())
}

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    []string
		wantErr bool
	}{
		{name: "plain", in: `{"queries":["a"]}`, want: []string{"a"}},
		{name: "fenced", in: "```json\n{\"queries\":[\"a\",\"b\"]}\n```", want: []string{"a", "b"}},
		{name: "prose around", in: `Here you go: {"queries":["x"]} hope it helps`, want: []string{"x"}},
		{name: "no braces", in: "nothing", wantErr: true},
		{name: "broken", in: `{"queries": [}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out struct {
				Queries []string `json:"queries"`
			}

			err := DecodeJSON(tt.in, &out)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrNoJSON)
				return
			}

			require.NoError(t, err)
			require.Equal(t, tt.want, out.Queries)
		})
	}
}
