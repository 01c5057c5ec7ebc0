package config

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/santif/jobsched/observability"
	"gopkg.in/yaml.v3"
)

// FieldError describes one failed validation rule
type FieldError struct {
	Field   string
	Tag     string
	Message string
}

// ValidationErrors lists every field that failed validation
type ValidationErrors []FieldError

func (e ValidationErrors) Error() string {
	var b strings.Builder
	b.WriteString("configuration validation failed:")
	for _, f := range e {
		fmt.Fprintf(&b, "\n  - %s: %s", f.Field, f.Message)
	}
	return b.String()
}

// Manager loads a configuration struct from prioritized sources. The
// struct passed to Load carries the defaults; each source overrides it in
// ascending priority order.
type Manager struct {
	logger   observability.Logger
	validate *validator.Validate

	mu       sync.Mutex
	sources  []Source
	watchers []func(interface{})
	defaults []byte
	dest     interface{}
	cancel   context.CancelFunc
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithSource adds a configuration source
func WithSource(source Source) ManagerOption {
	return func(m *Manager) { m.sources = append(m.sources, source) }
}

// WithLogger sets the logger used to report reload failures
func WithLogger(logger observability.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithCustomValidator registers an additional validation tag
func WithCustomValidator(tag string, fn validator.Func) ManagerOption {
	return func(m *Manager) {
		_ = m.validate.RegisterValidation(tag, fn)
	}
}

// NewManager creates a manager; field names in validation errors use yaml tags
func NewManager(opts ...ManagerOption) *Manager {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})

	m := &Manager{
		logger:   observability.NoOpLogger(),
		validate: validate,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddSource adds a source after construction, e.g. once the config file path is known
func (m *Manager) AddSource(source Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources = append(m.sources, source)
}

// Load applies every source to dest and validates the result. dest must be
// a pointer to a struct already holding the defaults.
func (m *Manager) Load(ctx context.Context, dest interface{}) error {
	v := reflect.ValueOf(dest)
	if dest == nil || v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return errors.New("destination must be a pointer to a struct")
	}

	m.mu.Lock()
	if m.defaults == nil {
		defaults, err := yaml.Marshal(dest)
		if err != nil {
			m.mu.Unlock()
			return errors.Wrap(err, "failed to snapshot defaults")
		}
		m.defaults = defaults
	}
	sources := append([]Source(nil), m.sources...)
	m.mu.Unlock()

	merged, err := m.mergeSources(ctx, sources)
	if err != nil {
		return err
	}
	if err := decode(merged, dest); err != nil {
		return err
	}
	return m.Validate(dest)
}

func (m *Manager) mergeSources(ctx context.Context, sources []Source) (map[string]interface{}, error) {
	sort.SliceStable(sources, func(i, j int) bool {
		return sources[i].Priority() < sources[j].Priority()
	})

	merged := make(map[string]interface{})
	for _, source := range sources {
		data, err := source.Load(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "loading %s", source.Name())
		}
		merge(merged, data)
	}
	return merged, nil
}

// decode round-trips the merged map through yaml so durations and other
// textual values use the same rules as configuration files
func decode(merged map[string]interface{}, dest interface{}) error {
	if len(merged) == 0 {
		return nil
	}
	data, err := yaml.Marshal(merged)
	if err != nil {
		return errors.Wrap(err, "failed to encode merged configuration")
	}
	return errors.Wrap(yaml.Unmarshal(data, dest), "failed to decode configuration")
}

// Validate runs the struct validation rules on config
func (m *Manager) Validate(config interface{}) error {
	err := m.validate.Struct(config)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return errors.Wrap(err, "validation")
	}

	out := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		out = append(out, FieldError{Field: field, Tag: fe.Tag(), Message: validationMessage(fe)})
	}
	return out
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "this field is required"
	case "min", "gte":
		return "value must be greater than or equal to " + fe.Param()
	case "max", "lte":
		return "value must be less than or equal to " + fe.Param()
	case "oneof":
		return "value must be one of " + fe.Param()
	case "url":
		return "invalid URL format"
	default:
		return fmt.Sprintf("failed on the '%s' rule", fe.Tag())
	}
}

// Watch registers a callback invoked with dest after each successful reload
func (m *Manager) Watch(callback func(interface{})) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchers = append(m.watchers, callback)
}

// StartWatching reloads dest whenever a watchable source changes, until
// ctx is done or StopWatching is called
func (m *Manager) StartWatching(ctx context.Context, dest interface{}) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.dest = dest
	sources := append([]Source(nil), m.sources...)
	m.mu.Unlock()

	for _, source := range sources {
		err := source.Watch(ctx, func() {
			if err := m.reload(ctx); err != nil {
				m.logger.Error("Failed to reload configuration", err, observability.NewField("source", source.Name()))
			}
		})
		if err != nil {
			cancel()
			return errors.Wrapf(err, "watching %s", source.Name())
		}
	}
	return nil
}

// StopWatching stops all source watchers
func (m *Manager) StopWatching() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

// reload builds a fresh value from the defaults so keys removed from a
// file fall back to their default, then swaps it into dest
func (m *Manager) reload(ctx context.Context) error {
	m.mu.Lock()
	dest, defaults := m.dest, m.defaults
	sources := append([]Source(nil), m.sources...)
	m.mu.Unlock()
	if dest == nil {
		return errors.New("nothing to reload")
	}

	fresh := reflect.New(reflect.TypeOf(dest).Elem())
	if err := yaml.Unmarshal(defaults, fresh.Interface()); err != nil {
		return errors.Wrap(err, "failed to restore defaults")
	}
	merged, err := m.mergeSources(ctx, sources)
	if err != nil {
		return err
	}
	if err := decode(merged, fresh.Interface()); err != nil {
		return err
	}
	if err := m.Validate(fresh.Interface()); err != nil {
		return err
	}

	m.mu.Lock()
	reflect.ValueOf(dest).Elem().Set(fresh.Elem())
	watchers := append([]func(interface{}){}, m.watchers...)
	m.mu.Unlock()

	m.logger.Info("Configuration reloaded")
	for _, w := range watchers {
		w(dest)
	}
	return nil
}
