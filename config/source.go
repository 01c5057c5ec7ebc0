package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Source produces a nested configuration map
type Source interface {
	Name() string

	Load(ctx context.Context) (map[string]interface{}, error)

	// Priority orders sources; higher values override lower ones
	Priority() int

	// Watch calls callback when the source changes. Sources that cannot
	// change return nil without calling it.
	Watch(ctx context.Context, callback func()) error
}

const (
	PriorityFile = 200
	PriorityEnv  = 300
	PriorityFlag = 400
)

// ErrSourceNotFound is returned by a FileSource whose file does not exist
var ErrSourceNotFound = errors.New("configuration source not found")

// EnvSource reads PREFIX_SECTION__KEY variables. A double underscore
// separates nesting levels and the remaining name is lower-cased, so
// JOBSCHED_SCHEDULER__POLL_INTERVAL maps to scheduler.poll_interval.
// Values are parsed as YAML scalars or flow sequences ("[a, b]").
type EnvSource struct {
	prefix  string
	environ func() []string
}

// NewEnvSource creates a source for variables starting with prefix
func NewEnvSource(prefix string) *EnvSource {
	return &EnvSource{prefix: prefix, environ: os.Environ}
}

func (s *EnvSource) Name() string { return "environment" }

func (s *EnvSource) Priority() int { return PriorityEnv }

func (s *EnvSource) Load(context.Context) (map[string]interface{}, error) {
	result := make(map[string]interface{})
	for _, env := range s.environ() {
		key, value, ok := strings.Cut(env, "=")
		if !ok || !strings.HasPrefix(key, s.prefix) {
			continue
		}
		key = strings.TrimPrefix(strings.TrimPrefix(key, s.prefix), "_")
		if key == "" {
			continue
		}
		path := strings.Split(strings.ToLower(key), "__")
		setPath(result, path, parseScalar(value))
	}
	return result, nil
}

func (s *EnvSource) Watch(context.Context, func()) error { return nil }

// FileSource loads a yaml, json or toml file
type FileSource struct {
	path     string
	format   string
	optional bool
	watch    bool

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// FileSourceOption configures a FileSource
type FileSourceOption func(*FileSource)

// WithWatcher enables reloading when the file changes
func WithWatcher(enabled bool) FileSourceOption {
	return func(s *FileSource) { s.watch = enabled }
}

// Optional makes a missing file load as empty
func Optional() FileSourceOption {
	return func(s *FileSource) { s.optional = true }
}

// NewFileSource creates a file source. An empty format is taken from the
// file extension.
func NewFileSource(path string, format string, opts ...FileSourceOption) *FileSource {
	if format == "" {
		format = strings.TrimPrefix(filepath.Ext(path), ".")
	}
	s := &FileSource{path: path, format: strings.ToLower(format)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *FileSource) Name() string { return "file(" + s.path + ")" }

func (s *FileSource) Priority() int { return PriorityFile }

func (s *FileSource) Load(context.Context) (map[string]interface{}, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			if s.optional {
				return map[string]interface{}{}, nil
			}
			return nil, errors.Mark(errors.Wrapf(err, "configuration file %s", s.path), ErrSourceNotFound)
		}
		return nil, errors.Wrapf(err, "failed to read configuration file %s", s.path)
	}
	return decodeDocument(data, s.format)
}

func decodeDocument(data []byte, format string) (map[string]interface{}, error) {
	result := make(map[string]interface{})
	var err error
	switch format {
	case "yaml", "yml":
		err = yaml.Unmarshal(data, &result)
	case "json":
		err = json.Unmarshal(data, &result)
	case "toml":
		err = toml.Unmarshal(data, &result)
	default:
		return nil, errors.Newf("unsupported configuration format %q", format)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s configuration", format)
	}
	return normalize(result).(map[string]interface{}), nil
}

// Watch watches the directory of the file so editors that replace the
// file on save are still noticed. Events are debounced.
func (s *FileSource) Watch(ctx context.Context, callback func()) error {
	if !s.watch {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create file watcher")
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return errors.Wrapf(err, "failed to watch %s", filepath.Dir(s.path))
	}
	s.watcher = watcher
	go s.watchLoop(ctx, watcher, callback)
	return nil
}

func (s *FileSource) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, callback func()) {
	const debounce = 100 * time.Millisecond
	name := filepath.Clean(s.path)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
		_ = s.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != name || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, callback)
		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Close stops watching
func (s *FileSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher == nil {
		return nil
	}
	err := s.watcher.Close()
	s.watcher = nil
	return err
}

// FlagSource exposes flags the user actually set. Flag names are mapped
// to configuration paths through keys; unmapped flags use their name with
// dashes turned into underscores and dots as separators.
type FlagSource struct {
	flags *pflag.FlagSet
	keys  map[string]string
}

// NewFlagSource creates a source over flags
func NewFlagSource(flags *pflag.FlagSet, keys map[string]string) *FlagSource {
	return &FlagSource{flags: flags, keys: keys}
}

func (s *FlagSource) Name() string { return "flags" }

func (s *FlagSource) Priority() int { return PriorityFlag }

func (s *FlagSource) Load(context.Context) (map[string]interface{}, error) {
	result := make(map[string]interface{})
	if s.flags == nil {
		return result, nil
	}
	s.flags.Visit(func(f *pflag.Flag) {
		key, ok := s.keys[f.Name]
		if !ok {
			key = strings.ReplaceAll(f.Name, "-", "_")
		}
		if key == "" {
			return
		}
		setPath(result, strings.Split(key, "."), parseScalar(f.Value.String()))
	})
	return result, nil
}

func (s *FlagSource) Watch(context.Context, func()) error { return nil }

// parseScalar interprets a raw string the way a YAML document would
func parseScalar(raw string) interface{} {
	var v interface{}
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil {
		return raw
	}
	switch v.(type) {
	case map[string]interface{}:
		return raw
	}
	return normalize(v)
}

func setPath(m map[string]interface{}, path []string, value interface{}) {
	for _, key := range path[:len(path)-1] {
		next, ok := m[key].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			m[key] = next
		}
		m = next
	}
	m[path[len(path)-1]] = value
}

// normalize converts map[interface{}]interface{} nodes to string keys
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, inner := range t {
			t[k] = normalize(inner)
		}
		return t
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, inner := range t {
			out[strings.TrimSpace(toString(k))] = normalize(inner)
		}
		return out
	case []interface{}:
		for i := range t {
			t[i] = normalize(t[i])
		}
		return t
	default:
		return v
	}
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, _ := json.Marshal(v)
	return string(b)
}

// merge copies src into dst, descending into nested maps
func merge(dst, src map[string]interface{}) {
	for k, v := range src {
		if sm, ok := v.(map[string]interface{}); ok {
			if dm, ok := dst[k].(map[string]interface{}); ok {
				merge(dm, sm)
				continue
			}
			copied := make(map[string]interface{}, len(sm))
			merge(copied, sm)
			dst[k] = copied
			continue
		}
		dst[k] = v
	}
}
