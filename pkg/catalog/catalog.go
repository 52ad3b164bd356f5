// Package catalog holds the registry of launchable tools. Each tool entry
// describes the command to spawn and how the session identity is handed to
// it, either as command line flags or as a single JSON configuration
// argument. The invocation mode is resolved when the catalog is loaded so
// the spawn path never branches on it.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"regexp"
	"slices"
	"sort"
	"sync"

	"github.com/goccy/go-yaml"
)

// Invocation modes for Tool.Invocation.
const (
	InvocationFlags  = "flags"
	InvocationConfig = "config"
)

// Event source modes for Tool.Events.
const (
	EventsStdout   = "stdout"
	EventsEndpoint = "endpoint"
)

var ErrUnknownTool = errors.New("unknown tool")

var toolNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// Tool is one catalog entry.
type Tool struct {
	Name        string   `json:"name" yaml:"-"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Command     []string `json:"command" yaml:"command"`
	Invocation  string   `json:"invocation,omitempty" yaml:"invocation,omitempty"`
	Events      string   `json:"events,omitempty" yaml:"events,omitempty"`
	Env         []string `json:"env,omitempty" yaml:"env,omitempty"`
	WorkDir     string   `json:"workdir,omitempty" yaml:"workdir,omitempty"`

	invoke Invoker
}

// Invoker turns a session identity into the extra arguments appended to the
// tool's command line.
type Invoker interface {
	Args(sessionID string, metadata map[string]string) ([]string, error)
}

// flagsInvoker passes the identity as individual flags: --session-id first,
// then each metadata key as --<key> <value> in sorted order.
type flagsInvoker struct{}

func (flagsInvoker) Args(sessionID string, metadata map[string]string) ([]string, error) {
	args := []string{"--session-id", sessionID}
	for _, key := range slices.Sorted(maps.Keys(metadata)) {
		args = append(args, "--"+key, metadata[key])
	}
	return args, nil
}

// configInvoker passes the identity as one JSON argument.
type configInvoker struct{}

func (configInvoker) Args(sessionID string, metadata map[string]string) ([]string, error) {
	blob, err := json.Marshal(struct {
		SessionID string            `json:"session_id"`
		Metadata  map[string]string `json:"metadata,omitempty"`
	}{SessionID: sessionID, Metadata: metadata})
	if err != nil {
		return nil, fmt.Errorf("failed to encode invocation config: %w", err)
	}
	return []string{string(blob)}, nil
}

// BuildArgs returns the full argv for launching the tool on behalf of the
// given session. The first element is the executable.
func (t *Tool) BuildArgs(sessionID string, metadata map[string]string) ([]string, error) {
	extra, err := t.invoke.Args(sessionID, metadata)
	if err != nil {
		return nil, err
	}
	argv := make([]string, 0, len(t.Command)+len(extra))
	argv = append(argv, t.Command...)
	argv = append(argv, extra...)
	return argv, nil
}

func (t *Tool) validate(name string) error {
	if !toolNamePattern.MatchString(name) {
		return fmt.Errorf("tool name %q contains characters outside [a-zA-Z0-9._-]", name)
	}
	if len(t.Command) == 0 || t.Command[0] == "" {
		return fmt.Errorf("tool %q: command must not be empty", name)
	}

	switch t.Invocation {
	case "":
		t.Invocation = InvocationFlags
		t.invoke = flagsInvoker{}
	case InvocationFlags:
		t.invoke = flagsInvoker{}
	case InvocationConfig:
		t.invoke = configInvoker{}
	default:
		return fmt.Errorf("tool %q: invocation %q is not supported, use %q or %q", name, t.Invocation, InvocationFlags, InvocationConfig)
	}

	switch t.Events {
	case "":
		t.Events = EventsStdout
	case EventsStdout, EventsEndpoint:
	default:
		return fmt.Errorf("tool %q: events %q is not supported, use %q or %q", name, t.Events, EventsStdout, EventsEndpoint)
	}

	t.Name = name
	return nil
}

type file struct {
	Tools map[string]*Tool `json:"tools" yaml:"tools"`
}

// Parse decodes and validates a catalog document.
func Parse(data []byte) (map[string]*Tool, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if len(f.Tools) == 0 {
		return nil, fmt.Errorf("catalog declares no tools")
	}

	for name, tool := range f.Tools {
		if tool == nil {
			return nil, fmt.Errorf("tool %q has no definition", name)
		}
		if err := tool.validate(name); err != nil {
			return nil, err
		}
	}
	return f.Tools, nil
}

// Registry is the live tool catalog. Reload swaps the whole table
// atomically, so a half-written or invalid file never replaces a good one.
type Registry struct {
	mu    sync.RWMutex
	path  string
	tools map[string]*Tool
}

// Load reads the catalog file at path into a new Registry.
func Load(path string) (*Registry, error) {
	r := &Registry{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the catalog file. On any error the previous catalog stays
// in effect.
func (r *Registry) Reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("failed to read catalog file: %w", err)
	}
	tools, err := Parse(data)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.tools = tools
	r.mu.Unlock()
	return nil
}

// Path returns the catalog file backing the registry.
func (r *Registry) Path() string {
	return r.path
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return tool, nil
}

// List returns all tools sorted by name.
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		out = append(out, tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
