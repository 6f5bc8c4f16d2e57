package tool

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Endpoint describes how a declarative tool reaches its downstream service.
type Endpoint struct {
	URL      string            `json:"url" yaml:"url"`
	Method   string            `json:"method,omitempty" yaml:"method,omitempty"`
	Resource string            `json:"resource,omitempty" yaml:"resource,omitempty"`
	Headers  map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Timeout  string            `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Descriptor is one declarative tool file. The shape matches the function
// tool declaration of the agent backend plus an optional endpoint block:
//
//	{
//	  "type": "function",
//	  "function": {"name": "...", "description": "...", "parameters": {...}},
//	  "endpoint": {"url": "https://...", "method": "POST", "resource": "graph"}
//	}
//
// A descriptor without endpoint must name a built-in handler.
type Descriptor struct {
	Definition `yaml:",inline"`
	Endpoint   *Endpoint `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`

	// Source is the file the descriptor was read from.
	Source string `json:"-" yaml:"-"`
}

// Name returns the declared function name.
func (d Descriptor) Name() string {
	if d.Function == nil {
		return ""
	}
	return d.Function.Name
}

func (d Descriptor) validate() error {
	if d.Type != "" && d.Type != "function" {
		return fmt.Errorf("%s: unsupported tool type %q", d.Source, d.Type)
	}
	if d.Name() == "" {
		return fmt.Errorf("%s: function name is required", d.Source)
	}
	if d.Endpoint != nil && d.Endpoint.URL == "" {
		return fmt.Errorf("%s: endpoint url is required", d.Source)
	}
	return nil
}

// LoadDescriptors reads every *.json, *.yaml and *.yml file in dir. Values
// in endpoint URLs and headers may reference environment variables as
// ${VAR}. A missing directory yields no descriptors.
func LoadDescriptors(dir string) ([]Descriptor, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading tools directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var out []Descriptor
	for _, name := range names {
		path := filepath.Join(dir, name)
		var d Descriptor
		switch strings.ToLower(filepath.Ext(name)) {
		case ".json":
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("reading %s: %w", path, err)
			}
			if err := json.Unmarshal(data, &d); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
		case ".yaml", ".yml":
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("reading %s: %w", path, err)
			}
			if err := yaml.Unmarshal(data, &d); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
		default:
			continue
		}
		d.Source = path
		if err := d.validate(); err != nil {
			return nil, err
		}
		if d.Endpoint != nil {
			d.Endpoint.URL = os.ExpandEnv(d.Endpoint.URL)
			for k, v := range d.Endpoint.Headers {
				d.Endpoint.Headers[k] = os.ExpandEnv(v)
			}
		}
		out = append(out, d)
	}
	return out, nil
}

// BuildTools turns descriptors into tools. A descriptor naming one of
// builtins redeclares that built-in's description and schema; any other
// descriptor becomes an HTTPTool. Built-ins without a descriptor are kept
// as they are.
func BuildTools(descs []Descriptor, builtins []Tool, client *http.Client) ([]Tool, error) {
	byName := make(map[string]Tool, len(builtins))
	for _, b := range builtins {
		byName[b.Name()] = b
	}

	tools := make([]Tool, 0, len(descs)+len(builtins))
	seen := make(map[string]struct{}, len(descs))
	for _, d := range descs {
		name := d.Name()
		seen[name] = struct{}{}

		if b, ok := byName[name]; ok {
			desc, params := d.Function.Description, d.Function.Parameters
			if desc == "" {
				desc = b.Description()
			}
			if params == nil {
				params = b.Parameters()
			}
			tools = append(tools, &withDefinition{Tool: b, description: desc, parameters: params})
			continue
		}

		if d.Endpoint == nil {
			return nil, fmt.Errorf("%s: tool %q has no endpoint and no built-in handler", d.Source, name)
		}
		t, err := NewHTTPTool(d, client)
		if err != nil {
			return nil, err
		}
		tools = append(tools, t)
	}

	for _, b := range builtins {
		if _, ok := seen[b.Name()]; !ok {
			tools = append(tools, b)
		}
	}
	return tools, nil
}

func parseTimeout(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	return time.ParseDuration(raw)
}
