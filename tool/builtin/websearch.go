// Package builtin contains the tool handlers that ship with the bridge.
package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/hupe1980/agentbridge/tool"
)

// WebSearchOptions configures the web search tool.
type WebSearchOptions struct {
	Endpoint string
	// Count is the default number of results when the call does not say.
	Count  int
	Client *http.Client
}

// WebSearch queries a Bing-style web search API authenticated with a
// subscription key header.
type WebSearch struct {
	apiKey string
	opts   WebSearchOptions
}

// NewWebSearch creates the web_search tool.
func NewWebSearch(apiKey string, optFns ...func(o *WebSearchOptions)) *WebSearch {
	opts := WebSearchOptions{
		Endpoint: "https://api.bing.microsoft.com/v7.0/search",
		Count:    5,
		Client:   http.DefaultClient,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &WebSearch{apiKey: apiKey, opts: opts}
}

// Name implements tool.Tool.
func (w *WebSearch) Name() string { return "web_search" }

// Description implements tool.Tool.
func (w *WebSearch) Description() string {
	return "Search the public web and return the top results with title, url and snippet."
}

// Parameters implements tool.Tool.
func (w *WebSearch) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string", "description": "Search query"},
			"count": map[string]any{"type": "integer", "description": "Number of results (1-10)"},
		},
		"required": []any{"query"},
	}
}

// SearchResult is one web search hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

type bingResponse struct {
	WebPages struct {
		Value []struct {
			Name    string `json:"name"`
			URL     string `json:"url"`
			Snippet string `json:"snippet"`
		} `json:"value"`
	} `json:"webPages"`
}

// Call implements tool.Tool.
func (w *WebSearch) Call(ctx context.Context, _ *tool.Invocation, args map[string]any) (any, error) {
	if w.apiKey == "" {
		return nil, errors.New("web search is not configured")
	}
	query, _ := args["query"].(string)
	count := w.opts.Count
	if c, ok := args["count"].(float64); ok && c >= 1 && c <= 10 {
		count = int(c)
	}

	u, err := url.Parse(w.opts.Endpoint)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("count", strconv.Itoa(count))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", w.apiKey)

	resp, err := w.opts.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("web search returned %s", resp.Status)
	}

	var body bingResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding web search response: %w", err)
	}

	results := make([]SearchResult, 0, len(body.WebPages.Value))
	for _, v := range body.WebPages.Value {
		results = append(results, SearchResult{Title: v.Name, URL: v.URL, Snippet: v.Snippet})
	}
	return map[string]any{"query": query, "results": results}, nil
}
