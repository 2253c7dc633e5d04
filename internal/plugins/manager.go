package plugins

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"

	"github.com/Ashfaaq98/analyzerkit/internal/analyzer"
	"github.com/Ashfaaq98/analyzerkit/internal/worker"
)

var (
	// ErrUnknownPlugin is returned when no analyzer is registered under a name.
	ErrUnknownPlugin = errors.New("unknown analyzer")

	// ErrDuplicatePlugin is returned when a name is registered twice.
	ErrDuplicatePlugin = errors.New("analyzer already registered")
)

// Registry maps analyzer names (case-insensitive) to plugins.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
	logger  *log.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Registry{
		plugins: make(map[string]Plugin),
		logger:  logger,
	}
}

// Register adds a plugin. The plugin needs a manifest with a name and a factory.
func (r *Registry) Register(p Plugin) error {
	if p.Definition == nil || p.Name() == "" {
		return fmt.Errorf("plugin has no definition")
	}
	if p.New == nil {
		return fmt.Errorf("plugin %s has no factory", p.Name())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	k := key(p.Name())
	if _, exists := r.plugins[k]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicatePlugin, p.Name())
	}
	r.plugins[k] = p
	r.logger.Printf("Registered analyzer %s %s (%v)", p.Name(), p.Definition.Version, p.Definition.DataTypes)
	return nil
}

// MustRegister is Register for built-ins, panicking on error.
func (r *Registry) MustRegister(plugins ...Plugin) *Registry {
	for _, p := range plugins {
		if err := r.Register(p); err != nil {
			panic(err)
		}
	}
	return r
}

// Get returns the plugin registered under name.
func (r *Registry) Get(name string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[key(name)]
	return p, ok
}

// List returns all plugins sorted by name.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return key(out[i].Name()) < key(out[j].Name()) })
	return out
}

// ForDataType returns the plugins that accept dataType, sorted by name.
func (r *Registry) ForDataType(dataType string) []Plugin {
	var out []Plugin
	for _, p := range r.List() {
		if p.Definition.Supports(dataType) {
			out = append(out, p)
		}
	}
	return out
}

// Run executes the named analyzer against the job described by opts. The
// plugin's manifest is applied as opts.Definition.
func (r *Registry) Run(ctx context.Context, name string, env Env, opts worker.Options) (*analyzer.Outcome, error) {
	p, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlugin, name)
	}

	env = env.WithDefaults()
	opts.Definition = p.Definition
	if opts.Logger == nil {
		opts.Logger = env.Logger
	}
	return analyzer.Run(ctx, p.New(env), opts)
}
