// Package agentproc runs the agent-execution and repair collaborators as
// external processes speaking a JSON-line protocol over stdio.
package agentproc

import (
	"sort"
	"sync"
	"time"

	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/domain"
)

// RepairName is the registry name of the repair collaborator.
const RepairName = "repair"

// DefaultTimeout bounds a collaborator process that sets no timeout.
const DefaultTimeout = 5 * time.Minute

// Spec describes how to launch one collaborator process.
type Spec struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
	Dir     string
	Timeout time.Duration
}

// Registry is a thread-safe set of collaborator specs keyed by name. Agent
// specs are named after their role.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]Spec
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]Spec)}
}

// Register adds a spec. Names are unique and a command is required.
func (r *Registry) Register(spec Spec) error {
	if spec.Name == "" || spec.Command == "" {
		return domain.Wrap(domain.ErrConfigInvalid, "collaborator spec needs a name and a command", nil)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.specs[spec.Name]; exists {
		return domain.Wrap(domain.ErrConfigInvalid, "collaborator "+spec.Name+" already registered", nil)
	}
	if spec.Timeout <= 0 {
		spec.Timeout = DefaultTimeout
	}
	r.specs[spec.Name] = spec
	return nil
}

// Get returns the spec registered under name.
func (r *Registry) Get(name string) (Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	spec, ok := r.specs[name]
	if !ok {
		return Spec{}, domain.Wrap(domain.ErrCollaboratorFailure, "no collaborator registered for "+name, nil)
	}
	return spec, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
