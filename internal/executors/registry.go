package executors

import (
	"sort"
	"sync"

	"github.com/floehq/floe/pkg/schema"
)

// Registry is a thread-safe lookup of executors by node kind.
type Registry struct {
	mu        sync.RWMutex
	executors map[schema.NodeKind]Executor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[schema.NodeKind]Executor),
	}
}

// Register adds an executor. Returns error on duplicate kind.
func (r *Registry) Register(ex Executor) error {
	if ex == nil {
		return schema.NewError(schema.ErrCodeValidation, "executor is nil")
	}
	kind := ex.Kind()
	if kind == "" {
		return schema.NewError(schema.ErrCodeValidation, "executor kind is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executors[kind]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "executor for kind %q already registered", kind)
	}

	r.executors[kind] = ex
	return nil
}

// Get retrieves the executor for a node kind.
func (r *Registry) Get(kind schema.NodeKind) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ex, ok := r.executors[kind]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "no executor registered for kind %q", kind)
	}
	return ex, nil
}

// Has checks whether a kind is registered.
func (r *Registry) Has(kind schema.NodeKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[kind]
	return ok
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []schema.NodeKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]schema.NodeKind, 0, len(r.executors))
	for k := range r.executors {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// DefaultRegistry wires every built-in executor with the shared deps.
func DefaultRegistry(deps Deps) (*Registry, error) {
	r := NewRegistry()
	all := []Executor{
		NewTriggerExecutor(),
		NewMpesaExecutor(deps),
		NewAfricasTalkingExecutor(deps),
		NewWhatsAppExecutor(deps),
		NewEmailExecutor(deps),
		NewEtrExecutor(deps),
		NewConditionExecutor(),
		NewTransformExecutor(),
	}
	for _, ex := range all {
		if err := r.Register(ex); err != nil {
			return nil, err
		}
	}
	return r, nil
}
