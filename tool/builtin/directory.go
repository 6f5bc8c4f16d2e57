package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/hupe1980/agentbridge/tool"
)

// ResourceGraph is the resource name directory lookups authenticate against.
const ResourceGraph = "graph"

// DirectoryOptions configures the directory lookup tool.
type DirectoryOptions struct {
	BaseURL string
	Top     int
	Client  *http.Client
}

// DirectoryLookup searches the organisation's user directory on behalf of
// the signed-in user using a Graph-style /users?$search= query.
type DirectoryLookup struct {
	opts DirectoryOptions
}

// NewDirectoryLookup creates the directory_lookup tool.
func NewDirectoryLookup(optFns ...func(o *DirectoryOptions)) *DirectoryLookup {
	opts := DirectoryOptions{
		BaseURL: "https://graph.microsoft.com/v1.0",
		Top:     10,
		Client:  http.DefaultClient,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &DirectoryLookup{opts: opts}
}

func (d *DirectoryLookup) Name() string { return "directory_lookup" }

func (d *DirectoryLookup) Description() string {
	return "Look up people in the organisation directory by name, returning display name, email, job title and department."
}

func (d *DirectoryLookup) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name": map[string]any{"type": "string", "description": "Full or partial display name"},
		},
		"required": []any{"name"},
	}
}

// Resource implements tool.Authenticated.
func (d *DirectoryLookup) Resource() string { return ResourceGraph }

// Person is one directory entry.
type Person struct {
	DisplayName string `json:"displayName"`
	Mail        string `json:"mail,omitempty"`
	JobTitle    string `json:"jobTitle,omitempty"`
	Department  string `json:"department,omitempty"`
}

func (d *DirectoryLookup) Call(ctx context.Context, inv *tool.Invocation, args map[string]any) (any, error) {
	if inv == nil || inv.Token == nil {
		return nil, tool.NewToolError(d.Name(), "identity token required", tool.CodeAuthRequired)
	}
	name, _ := args["name"].(string)
	name = strings.ReplaceAll(name, `"`, "")

	q := url.Values{}
	q.Set("$search", fmt.Sprintf(`"displayName:%s"`, name))
	q.Set("$select", "displayName,mail,jobTitle,department")
	q.Set("$top", fmt.Sprint(d.opts.Top))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.opts.BaseURL+"/users?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+inv.Token.Value)
	req.Header.Set("ConsistencyLevel", "eventual")

	resp, err := d.opts.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("directory returned %s", resp.Status)
	}

	var body struct {
		Value []Person `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding directory response: %w", err)
	}
	return map[string]any{"people": body.Value, "count": len(body.Value)}, nil
}
