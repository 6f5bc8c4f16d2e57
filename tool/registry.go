package tool

import (
	"fmt"
	"slices"
	"sort"
)

// HostedKind names a tool that runs inside the agent backend rather than in
// this process (code interpreter, file search). Hosted tools never show up as
// requires_action calls; they only need to be declared on the agent.
type HostedKind string

const (
	HostedCodeInterpreter HostedKind = "code_interpreter"
	HostedFileSearch      HostedKind = "file_search"
)

// Definition is the backend facing declaration of one tool, shaped like the
// function tool format of the Assistants API.
type Definition struct {
	Type     string              `json:"type" yaml:"type"`
	Function *FunctionDefinition `json:"function,omitempty" yaml:"function,omitempty"`
}

// FunctionDefinition describes a local function tool.
type FunctionDefinition struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	Hosted []HostedKind
}

// Registry maps tool names to handlers. It is populated once at construction
// and read-only afterwards, so concurrent lookups need no locking.
type Registry struct {
	tools  map[string]Tool
	names  []string
	hosted []HostedKind
}

// NewRegistry builds a registry from tools. Duplicate or empty names are
// rejected.
func NewRegistry(tools []Tool, optFns ...func(o *RegistryOptions)) (*Registry, error) {
	opts := RegistryOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}

	r := &Registry{tools: make(map[string]Tool, len(tools)), hosted: slices.Clone(opts.Hosted)}
	for _, t := range tools {
		if t == nil {
			return nil, fmt.Errorf("tool registry: nil tool")
		}
		name := t.Name()
		if name == "" {
			return nil, fmt.Errorf("tool registry: tool with empty name")
		}
		if _, dup := r.tools[name]; dup {
			return nil, fmt.Errorf("tool registry: duplicate tool %q", name)
		}
		r.tools[name] = t
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)
	return r, nil
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string { return slices.Clone(r.names) }

// Len returns the number of local tools.
func (r *Registry) Len() int { return len(r.tools) }

// ResourceFor returns the downstream resource the named tool needs an identity
// token for, or "" when it needs none or is unknown.
func (r *Registry) ResourceFor(name string) string {
	t, ok := r.tools[name]
	if !ok {
		return ""
	}
	if a, ok := t.(Authenticated); ok {
		return a.Resource()
	}
	return ""
}

// Manifest lists hosted tool kinds followed by every local function tool.
// Provisioning uses it to assemble the agent definition.
func (r *Registry) Manifest() []Definition {
	defs := make([]Definition, 0, len(r.hosted)+len(r.names))
	for _, h := range r.hosted {
		defs = append(defs, Definition{Type: string(h)})
	}
	for _, name := range r.names {
		t := r.tools[name]
		defs = append(defs, Definition{
			Type: "function",
			Function: &FunctionDefinition{
				Name:        name,
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}
