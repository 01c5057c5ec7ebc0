package jobs

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/santif/jobsched/observability"
)

// Registry maps configuration kinds to the factories that build their jobs
type Registry struct {
	mu        sync.RWMutex
	factories map[Kind]Factory
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[Kind]Factory)}
}

// DefaultRegistry returns a registry with the built-in kinds
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(KindRunProgram, NewRunProgramJob)
	return r
}

// Register binds kind to factory. Two factories cannot claim the same kind.
func (r *Registry) Register(kind Kind, factory Factory) error {
	if kind == "" || factory == nil {
		return errors.New("job kind and factory are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[kind]; exists {
		return errors.Wrapf(ErrDuplicateJobKind, "kind %q", kind)
	}
	r.factories[kind] = factory
	return nil
}

// MustRegister is like Register but panics on error
func (r *Registry) MustRegister(kind Kind, factory Factory) {
	if err := r.Register(kind, factory); err != nil {
		panic(err)
	}
}

// Supports reports whether kind has a factory
func (r *Registry) Supports(kind Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[kind]
	return ok
}

// Kinds lists the registered kinds in order
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]Kind, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Create builds the job for config. Unsupported kinds are logged and
// reported as ErrUnknownJobKind.
func (r *Registry) Create(logger observability.Logger, config *JobConfiguration) (Job, error) {
	r.mu.RLock()
	factory, ok := r.factories[config.Kind]
	r.mu.RUnlock()

	if !ok {
		err := errors.Wrapf(ErrUnknownJobKind, "kind %q of job %q", config.Kind, config.Name)
		logger.Error("Job kind not supported", err, observability.NewField("kind", string(config.Kind)))
		return nil, err
	}

	job, err := factory(logger, config)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create job %q", config.Name)
	}
	return job, nil
}
