// Package opencti is the built-in OpenCTI observable lookup analyzer.
package opencti

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Ashfaaq98/analyzerkit/internal/analyzer"
	"github.com/Ashfaaq98/analyzerkit/internal/cache"
	"github.com/Ashfaaq98/analyzerkit/internal/plugins"
	"github.com/Ashfaaq98/analyzerkit/internal/worker"
)

//go:embed opencti.yaml
var definitionFS embed.FS

const namespace = "OpenCTI"

// Plugin returns the analyzer for registration in a plugins.Registry.
func Plugin() plugins.Plugin {
	return plugins.Plugin{
		Definition: worker.MustLoadDefinition(definitionFS, "opencti.yaml"),
		New: func(env plugins.Env) analyzer.Implementation {
			return New(env)
		},
	}
}

// Analyzer runs one OpenCTI lookup.
type Analyzer struct {
	env plugins.Env
	cfg Config

	retryBackoff time.Duration
}

// New creates an analyzer.
func New(env plugins.Env) *Analyzer {
	return &Analyzer{env: env.WithDefaults()}
}

// Run searches OpenCTI for the observable.
func (o *Analyzer) Run(ctx context.Context, a *analyzer.Analyzer) error {
	value, err := a.DataString()
	if err != nil {
		return err
	}
	value = strings.TrimSpace(value)

	if err := a.DecodeConfig(&o.cfg); err != nil {
		return err
	}

	key := cache.Key("opencti", a.DataType(), strings.ToLower(value))
	var result Result
	if cache.GetJSON(ctx, o.env.Cache, key, &result) {
		a.Logger().Printf("OpenCTI cache hit for %s", value)
		return a.Report(result)
	}

	client, err := NewClient(o.cfg, a.HTTPClient(a.ParamDuration("config.timeout", 30*time.Second)), a.Logger())
	if err != nil {
		return err
	}
	if o.retryBackoff > 0 {
		client.backoff = o.retryBackoff
	}

	nodes, err := client.SearchObservables(ctx, value, o.cfg.MaxResults)
	if err != nil {
		return err
	}

	result = buildResult(a.DataType(), value, nodes)
	if err := cache.SetJSON(ctx, o.env.Cache, key, result, o.env.CacheTTL); err != nil {
		a.Logger().Printf("Failed to cache OpenCTI result for %s: %v", value, err)
	}
	return a.Report(result)
}

// level maps a score onto the taxonomy levels using the configured thresholds.
func (o *Analyzer) level(score int) string {
	switch {
	case o.cfg.MaliciousScore > 0 && score >= o.cfg.MaliciousScore:
		return "malicious"
	case o.cfg.SuspiciousScore > 0 && score >= o.cfg.SuspiciousScore:
		return "suspicious"
	default:
		return "info"
	}
}

// Summary reports whether the observable is known and its highest score.
func (o *Analyzer) Summary(full interface{}) (map[string]interface{}, error) {
	r, ok := full.(Result)
	if !ok {
		return nil, fmt.Errorf("unexpected report type %T", full)
	}
	if r.Hits == 0 {
		return analyzer.TaxonomySummary(
			analyzer.BuildTaxonomy("info", namespace, "Found", "false"),
		), nil
	}

	taxonomies := []analyzer.Taxonomy{
		analyzer.BuildTaxonomy(o.level(r.Score), namespace, "Score", r.Score),
	}
	if len(r.Indicators) > 0 {
		taxonomies = append(taxonomies, analyzer.BuildTaxonomy(o.level(r.Score), namespace, "Indicators", len(r.Indicators)))
	}
	return analyzer.TaxonomySummary(taxonomies...), nil
}

// Operations tags observables scored at least suspicious.
func (o *Analyzer) Operations(full interface{}) ([]analyzer.Operation, error) {
	r, ok := full.(Result)
	if !ok {
		return nil, fmt.Errorf("unexpected report type %T", full)
	}
	if r.Hits == 0 || o.cfg.Tag == "" || o.level(r.Score) == "info" {
		return nil, nil
	}
	return []analyzer.Operation{
		analyzer.BuildOperation(analyzer.OpAddTagToArtifact, map[string]interface{}{"tag": o.cfg.Tag}),
	}, nil
}

func buildResult(dataType, value string, nodes []observableNode) Result {
	r := Result{
		Value:       value,
		DataType:    dataType,
		Hits:        len(nodes),
		Observables: []Observable{},
		Indicators:  []Indicator{},
		Labels:      []string{},
	}

	labels := make(map[string]bool)
	seenIndicators := make(map[string]bool)
	for _, n := range nodes {
		obs := Observable{
			ID:         n.ID,
			StandardID: n.StandardID,
			EntityType: n.EntityType,
			Value:      n.ObservableValue,
			Score:      n.Score,
			Labels:     n.Labels.values(),
			CreatedAt:  n.CreatedAt,
			UpdatedAt:  n.UpdatedAt,
		}
		if n.Score != nil && *n.Score > r.Score {
			r.Score = *n.Score
		}
		for _, l := range obs.Labels {
			labels[l] = true
		}
		r.Observables = append(r.Observables, obs)

		for _, edge := range n.Indicators.Edges {
			ind := edge.Node
			if seenIndicators[ind.ID] {
				continue
			}
			seenIndicators[ind.ID] = true
			r.Indicators = append(r.Indicators, Indicator{
				ID:         ind.ID,
				Name:       ind.Name,
				Pattern:    ind.Pattern,
				Confidence: ind.Confidence,
				ValidFrom:  ind.ValidFrom,
				ValidUntil: ind.ValidUntil,
				Labels:     ind.Labels.values(),
			})
			for _, l := range ind.Labels.values() {
				labels[l] = true
			}
		}
	}

	for l := range labels {
		r.Labels = append(r.Labels, l)
	}
	sort.Strings(r.Labels)
	return r
}
