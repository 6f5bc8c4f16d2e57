package builtin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentbridge/core"
	"github.com/hupe1980/agentbridge/tool"
)

func TestWebSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key-1", r.Header.Get("Ocp-Apim-Subscription-Key"))
		assert.Equal(t, "golang", r.URL.Query().Get("q"))
		assert.Equal(t, "3", r.URL.Query().Get("count"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"webPages": map[string]any{"value": []map[string]any{
				{"name": "The Go Programming Language", "url": "https://go.dev", "snippet": "Go is..."},
			}},
		})
	}))
	defer srv.Close()

	ws := NewWebSearch("key-1", func(o *WebSearchOptions) {
		o.Endpoint = srv.URL
		o.Client = srv.Client()
	})
	res, err := ws.Call(context.Background(), &tool.Invocation{}, map[string]any{"query": "golang", "count": 3.0})
	require.NoError(t, err)

	m := res.(map[string]any)
	results := m["results"].([]SearchResult)
	require.Len(t, results, 1)
	assert.Equal(t, "https://go.dev", results[0].URL)
}

func TestWebSearch_Unconfigured(t *testing.T) {
	_, err := NewWebSearch("").Call(context.Background(), &tool.Invocation{}, map[string]any{"query": "x"})
	assert.Error(t, err)
}

func TestDirectoryLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users", r.URL.Path)
		assert.Equal(t, "Bearer graph-token", r.Header.Get("Authorization"))
		assert.Equal(t, "eventual", r.Header.Get("ConsistencyLevel"))
		assert.Equal(t, `"displayName:Ada"`, r.URL.Query().Get("$search"))
		_ = json.NewEncoder(w).Encode(map[string]any{"value": []Person{{DisplayName: "Ada Lovelace", Mail: "ada@example.com"}}})
	}))
	defer srv.Close()

	dl := NewDirectoryLookup(func(o *DirectoryOptions) {
		o.BaseURL = srv.URL + "/"
		o.Client = srv.Client()
	})
	assert.Equal(t, ResourceGraph, dl.Resource())

	reg, err := tool.NewRegistry([]tool.Tool{dl})
	require.NoError(t, err)
	d := tool.NewDispatcher(reg)

	tok := &core.IdentityToken{Resource: ResourceGraph, Value: "graph-token", ExpiresAt: time.Now().Add(time.Hour)}
	out := d.Invoke(context.Background(), core.ToolCall{ID: "c1", Name: "directory_lookup", Arguments: `{"name":"Ada"}`}, tok)
	require.False(t, out.IsError, out.Output)
	assert.JSONEq(t, `{"people":[{"displayName":"Ada Lovelace","mail":"ada@example.com"}],"count":1}`, out.Output)

	out = d.Invoke(context.Background(), core.ToolCall{ID: "c2", Name: "directory_lookup", Arguments: `{"name":"Ada"}`}, nil)
	assert.True(t, out.IsError)
}
