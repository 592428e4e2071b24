package workflow

import "fmt"

// Registry is the closed tagged-union of workflow types the engine may
// instantiate. Prefer registering a fixed set of {metadata, factory} pairs
// over open inheritance: every workflow variant is a known tag, not a
// dynamically discovered plugin.
type Registry struct {
	types map[string]Metadata
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]Metadata)}
}

// Register adds a workflow type. Re-registering the same name overwrites
// the previous entry, which is only ever exercised by tests.
func (r *Registry) Register(meta Metadata) {
	r.types[meta.Name] = meta
}

// Lookup returns the metadata for a registered type name.
func (r *Registry) Lookup(name string) (Metadata, bool) {
	meta, ok := r.types[name]
	return meta, ok
}

// Names returns every registered type name, used to render the
// WORKFLOW_SELECTION template section of the coordinator's input assembly.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	return names
}

// New instantiates a fresh Instance for the named type.
func (r *Registry) New(name, id, sessionID string, input any, config map[string]any) (Instance, error) {
	meta, ok := r.types[name]
	if !ok {
		return nil, fmt.Errorf("unknown workflow type %q", name)
	}
	return meta.Factory(id, sessionID, input, config), nil
}

// Well-known workflow type tags named in the data model.
const (
	TypeTaskImplementation = "task_implementation"
	TypeErrorResolution    = "error_resolution"
	TypeContextGathering   = "context_gathering"
	TypePlanningRevision   = "planning_revision"
)
