// Package plugins holds the registry of built-in analyzers. Each analyzer
// is a manifest plus a factory producing an analyzer.Implementation.
package plugins

import (
	"io"
	"log"
	"strings"
	"time"

	"github.com/Ashfaaq98/analyzerkit/internal/analyzer"
	"github.com/Ashfaaq98/analyzerkit/internal/cache"
	"github.com/Ashfaaq98/analyzerkit/internal/worker"
)

// Env carries shared services into analyzer factories.
type Env struct {
	Cache    cache.Cache
	CacheTTL time.Duration
	Logger   *log.Logger
}

// WithDefaults fills unset fields with usable defaults.
func (e Env) WithDefaults() Env {
	if e.Logger == nil {
		e.Logger = log.New(io.Discard, "", 0)
	}
	if e.Cache == nil {
		e.Cache = cache.NewMemoryCache(cache.DefaultSize, e.Logger)
	}
	if e.CacheTTL <= 0 {
		e.CacheTTL = cache.DefaultTTL
	}
	return e
}

// Factory builds a fresh implementation for one job.
type Factory func(env Env) analyzer.Implementation

// Plugin is a registered analyzer.
type Plugin struct {
	Definition *worker.Definition
	New        Factory
}

// Name returns the analyzer name from its manifest.
func (p Plugin) Name() string {
	if p.Definition == nil {
		return ""
	}
	return p.Definition.Name
}

// Summary returns a one-line description for listings.
func (p Plugin) Summary() string {
	if p.Definition == nil {
		return ""
	}
	return strings.TrimSpace(p.Definition.Description)
}

func key(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
