package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentbridge/backend"
	"github.com/hupe1980/agentbridge/core"
)

func newTestBackend(t *testing.T, h http.Handler) *Backend {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(func(o *Options) {
		o.APIKey = "test-key"
		o.BaseURL = srv.URL + "/v1/"
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestBackend_RunRequiresAction(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/threads/th_1/runs", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "asst_1", body["assistant_id"])
		writeJSON(w, map[string]any{
			"id": "run_1", "object": "thread.run", "thread_id": "th_1", "assistant_id": "asst_1",
			"status": "requires_action", "created_at": 1700000000,
			"required_action": map[string]any{
				"type": "submit_tool_outputs",
				"submit_tool_outputs": map[string]any{
					"tool_calls": []map[string]any{
						{"id": "call_1", "type": "function", "function": map[string]any{"name": "web_search", "arguments": `{"query":"go"}`}},
						{"id": "call_2", "type": "function", "function": map[string]any{"name": "directory_lookup", "arguments": `{"name":"ada"}`}},
					},
				},
			},
		})
	})

	b := newTestBackend(t, mux)
	run, err := b.CreateRun(context.Background(), "th_1", "asst_1")
	require.NoError(t, err)
	assert.Equal(t, "run_1", run.ID)
	assert.Equal(t, core.RunStatusRequiresAction, run.Status)
	require.Len(t, run.ToolCalls, 2)
	assert.Equal(t, core.ToolCall{ID: "call_1", Name: "web_search", Arguments: `{"query":"go"}`}, run.ToolCalls[0])
	assert.Nil(t, run.LastError)
}

func TestBackend_SubmitToolOutputs(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/threads/th_1/runs/run_1/submit_tool_outputs", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ToolOutputs []struct {
				ToolCallID string `json:"tool_call_id"`
				Output     string `json:"output"`
			} `json:"tool_outputs"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.ToolOutputs, 2)
		assert.Equal(t, "call_2", body.ToolOutputs[1].ToolCallID)
		writeJSON(w, map[string]any{
			"id": "run_1", "object": "thread.run", "thread_id": "th_1", "status": "failed",
			"last_error": map[string]any{"code": "server_error", "message": "boom"},
		})
	})

	b := newTestBackend(t, mux)
	run, err := b.SubmitToolOutputs(context.Background(), "th_1", "run_1", []core.ToolOutput{
		{CallID: "call_1", Output: "a"},
		{CallID: "call_2", Output: "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusFailed, run.Status)
	require.NotNil(t, run.LastError)
	assert.Equal(t, "server_error", run.LastError.Code)
	assert.Empty(t, run.ToolCalls)
}

func TestBackend_ListMessagesCollectsFiles(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/threads/th_1/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "desc", r.URL.Query().Get("order"))
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		writeJSON(w, map[string]any{
			"object": "list",
			"data": []map[string]any{{
				"id": "msg_2", "object": "thread.message", "thread_id": "th_1", "run_id": "run_1",
				"role": "assistant", "created_at": 1700000001,
				"content": []map[string]any{
					{"type": "text", "text": map[string]any{
						"value": "see chart",
						"annotations": []map[string]any{
							{"type": "file_path", "text": "sandbox:/chart.png", "start_index": 0, "end_index": 1, "file_path": map[string]any{"file_id": "file_1"}},
						},
					}},
					{"type": "image_file", "image_file": map[string]any{"file_id": "file_1"}},
					{"type": "image_file", "image_file": map[string]any{"file_id": "file_2"}},
				},
			}},
			"has_more": false,
		})
	})

	b := newTestBackend(t, mux)
	msgs, err := b.ListMessages(context.Background(), "th_1", 5)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, core.RoleAssistant, msgs[0].Role)
	assert.Equal(t, "run_1", msgs[0].RunID)
	assert.Equal(t, []string{"see chart"}, msgs[0].Text)
	assert.Equal(t, []core.FileRef{{FileID: "file_1"}, {FileID: "file_2"}}, msgs[0].Files)
}

func TestBackend_StatusErrorsClassify(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/threads", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"slow down","type":"rate_limit"}}`)
	})
	mux.HandleFunc("GET /v1/threads/th_1/runs/run_x", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":{"message":"no such run","type":"invalid_request_error"}}`)
	})

	b := newTestBackend(t, mux)
	_, err := b.CreateThread(context.Background())
	require.Error(t, err)
	assert.Equal(t, http.StatusTooManyRequests, backend.StatusCode(err))
	assert.True(t, backend.IsTransient(err))

	_, err = b.GetRun(context.Background(), "th_1", "run_x")
	require.Error(t, err)
	assert.False(t, backend.IsTransient(err))
}

func TestBackend_OpenFile(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/files/file_1", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"id": "file_1", "object": "file", "filename": "chart.png", "bytes": 3, "purpose": "assistants_output", "created_at": 1})
	})
	mux.HandleFunc("GET /v1/files/file_1/content", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "png")
	})

	b := newTestBackend(t, mux)
	body, name, err := b.OpenFile(context.Background(), "file_1")
	require.NoError(t, err)
	defer body.Close()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "chart.png", name)
	assert.Equal(t, "png", string(data))
}
