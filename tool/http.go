package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxResponseBytes = 1 << 20

// HTTPTool invokes a downstream HTTP endpoint with the call arguments. GET
// and DELETE requests carry the arguments as query parameters, other methods
// as a JSON body. Tools bound to a resource send the identity token as a
// bearer Authorization header.
type HTTPTool struct {
	name        string
	description string
	parameters  map[string]any
	endpoint    Endpoint
	timeout     time.Duration
	client      *http.Client
}

// NewHTTPTool builds an HTTPTool from a descriptor with an endpoint.
func NewHTTPTool(d Descriptor, client *http.Client) (*HTTPTool, error) {
	if d.Endpoint == nil {
		return nil, fmt.Errorf("%s: descriptor has no endpoint", d.Source)
	}
	if _, err := url.Parse(d.Endpoint.URL); err != nil {
		return nil, fmt.Errorf("%s: invalid endpoint url: %w", d.Source, err)
	}
	timeout, err := parseTimeout(d.Endpoint.Timeout)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid endpoint timeout: %w", d.Source, err)
	}
	if client == nil {
		client = http.DefaultClient
	}
	ep := *d.Endpoint
	ep.Method = strings.ToUpper(ep.Method)
	if ep.Method == "" {
		ep.Method = http.MethodPost
	}
	return &HTTPTool{
		name:        d.Function.Name,
		description: d.Function.Description,
		parameters:  d.Function.Parameters,
		endpoint:    ep,
		timeout:     timeout,
		client:      client,
	}, nil
}

// Name implements Tool.
func (t *HTTPTool) Name() string { return t.name }

// Description implements Tool.
func (t *HTTPTool) Description() string { return t.description }

// Parameters implements Tool.
func (t *HTTPTool) Parameters() map[string]any { return t.parameters }

// Resource implements Authenticated.
func (t *HTTPTool) Resource() string { return t.endpoint.Resource }

// Call performs the request and decodes a JSON response when the server
// declares one; any other body is returned as text.
func (t *HTTPTool) Call(ctx context.Context, inv *Invocation, args map[string]any) (any, error) {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	req, err := t.newRequest(ctx, args)
	if err != nil {
		return nil, NewToolError(t.name, err.Error(), CodeExecution)
	}
	for k, v := range t.endpoint.Headers {
		req.Header.Set(k, v)
	}
	if t.endpoint.Resource != "" {
		if inv == nil || inv.Token == nil {
			return nil, NewToolError(t.name, "identity token required for "+t.endpoint.Resource, CodeAuthRequired)
		}
		req.Header.Set("Authorization", "Bearer "+inv.Token.Value)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ToolError{
			Tool:    t.name,
			Message: fmt.Sprintf("endpoint returned %s", resp.Status),
			Code:    CodeExecution,
			Details: map[string]any{"status": resp.StatusCode, "body": truncate(string(body), 512)},
		}
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "json") && len(body) > 0 {
		var decoded any
		if err := json.Unmarshal(body, &decoded); err == nil {
			return decoded, nil
		}
	}
	return string(body), nil
}

func (t *HTTPTool) newRequest(ctx context.Context, args map[string]any) (*http.Request, error) {
	switch t.endpoint.Method {
	case http.MethodGet, http.MethodDelete:
		u, err := url.Parse(t.endpoint.URL)
		if err != nil {
			return nil, err
		}
		q := u.Query()
		for k, v := range args {
			q.Set(k, fmt.Sprint(v))
		}
		u.RawQuery = q.Encode()
		return http.NewRequestWithContext(ctx, t.endpoint.Method, u.String(), nil)
	default:
		payload, err := json.Marshal(args)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, t.endpoint.Method, t.endpoint.URL, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
