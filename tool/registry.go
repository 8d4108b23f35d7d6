package tool

import (
	"context"
	"fmt"
	"sync"

	operator "github.com/aiop/operator"
)

// ErrDuplicateTool is returned by Register when a name is already taken.
var ErrDuplicateTool = fmt.Errorf("duplicate tool name")

// ErrUnknownTool is returned by Run when no tool is registered under name.
// It wraps operator.ErrUnknownTool so worker/orchestrator error
// classification sees a tool.call against an unregistered name the same way
// it sees any other unknown-tool failure.
var ErrUnknownTool = fmt.Errorf("%w: unknown tool", operator.ErrUnknownTool)

// Registry holds the set of named tools available to the orchestrator's
// tool turn and the worker's tool.call handler. It is a process-wide
// singleton created once at startup.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]Spec
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]Spec)}
}

// Register adds spec to the registry. It fails with ErrDuplicateTool if the
// name is already present.
func (r *Registry) Register(spec Spec) error {
	if spec.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if spec.Handler == nil {
		return fmt.Errorf("tool %q: handler cannot be nil", spec.Name)
	}
	if err := spec.Schema.Validate(); err != nil {
		return fmt.Errorf("tool %q: %w", spec.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.specs[spec.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, spec.Name)
	}
	r.specs[spec.Name] = spec
	return nil
}

// Get returns the spec registered under name.
func (r *Registry) Get(name string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[name]
	return spec, ok
}

// List returns the names of every registered tool.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	return names
}

// Run looks up name (ErrUnknownTool if absent), validates args against its
// schema (InvalidArgument-class failure on mismatch), and invokes the
// handler, returning its structured result unchanged.
func (r *Registry) Run(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	spec, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	if args == nil {
		args = map[string]any{}
	}
	if err := ValidateArgs(spec.Schema, args); err != nil {
		return nil, fmt.Errorf("invalid arguments for tool %q: %w", name, err)
	}

	return spec.Handler(ctx, args)
}
