// Package misp is the built-in MISP lookup analyzer.
package misp

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Ashfaaq98/analyzerkit/internal/analyzer"
	"github.com/Ashfaaq98/analyzerkit/internal/cache"
	"github.com/Ashfaaq98/analyzerkit/internal/plugins"
	"github.com/Ashfaaq98/analyzerkit/internal/worker"
)

//go:embed misp.yaml
var definitionFS embed.FS

const namespace = "MISP"

// Plugin returns the analyzer for registration in a plugins.Registry.
func Plugin() plugins.Plugin {
	return plugins.Plugin{
		Definition: worker.MustLoadDefinition(definitionFS, "misp.yaml"),
		New: func(env plugins.Env) analyzer.Implementation {
			return New(env)
		},
	}
}

// Analyzer runs one MISP lookup.
type Analyzer struct {
	env plugins.Env
	cfg Config

	// retryBackoff overrides the client's first retry delay when set.
	retryBackoff time.Duration
}

// New creates an analyzer.
func New(env plugins.Env) *Analyzer {
	return &Analyzer{env: env.WithDefaults()}
}

// Run searches MISP for the observable.
func (m *Analyzer) Run(ctx context.Context, a *analyzer.Analyzer) error {
	value, err := a.DataString()
	if err != nil {
		return err
	}
	value = strings.TrimSpace(value)
	if a.DataType() == "hash" && attributeTypes("hash", value) == nil {
		return worker.Fail(fmt.Sprintf("Unsupported hash length: %d", len(value)))
	}

	if err := a.DecodeConfig(&m.cfg); err != nil {
		return err
	}

	key := cache.Key("misp", a.DataType(), strings.ToLower(value))
	var result Result
	if cache.GetJSON(ctx, m.env.Cache, key, &result) {
		a.Logger().Printf("MISP cache hit for %s", value)
		return a.Report(result)
	}

	client, err := NewClient(m.cfg, a.HTTPClient(a.ParamDuration("config.timeout", 30*time.Second)), a.Logger())
	if err != nil {
		return err
	}
	if m.retryBackoff > 0 {
		client.backoff = m.retryBackoff
	}

	attributes, err := client.SearchAttributes(ctx, a.DataType(), value, m.cfg)
	if err != nil {
		return err
	}

	result = buildResult(a.DataType(), value, attributes)
	if err := cache.SetJSON(ctx, m.env.Cache, key, result, m.env.CacheTTL); err != nil {
		a.Logger().Printf("Failed to cache MISP result for %s: %v", value, err)
	}
	return a.Report(result)
}

// Summary reports the number of hits, with the level derived from the
// highest threat level among the matching events.
func (m *Analyzer) Summary(full interface{}) (map[string]interface{}, error) {
	r, ok := full.(Result)
	if !ok {
		return nil, fmt.Errorf("unexpected report type %T", full)
	}

	if r.Hits == 0 {
		return analyzer.TaxonomySummary(
			analyzer.BuildTaxonomy("safe", namespace, "Hits", 0),
		), nil
	}

	level := "suspicious"
	if r.ThreatLevel == "HIGH" {
		level = "malicious"
	}
	return analyzer.TaxonomySummary(
		analyzer.BuildTaxonomy(level, namespace, "Hits", r.Hits),
		analyzer.BuildTaxonomy(level, namespace, "ThreatLevel", r.ThreatLevel),
	), nil
}

// Operations tags observables that MISP knows about.
func (m *Analyzer) Operations(full interface{}) ([]analyzer.Operation, error) {
	r, ok := full.(Result)
	if !ok {
		return nil, fmt.Errorf("unexpected report type %T", full)
	}
	if r.Hits == 0 || m.cfg.Tag == "" {
		return nil, nil
	}

	ops := []analyzer.Operation{
		analyzer.BuildOperation(analyzer.OpAddTagToArtifact, map[string]interface{}{"tag": m.cfg.Tag}),
	}
	if r.ThreatLevel == "HIGH" {
		ops = append(ops, analyzer.BuildOperation(analyzer.OpAddTagToCase, map[string]interface{}{
			"tag": "misp:threat-level=\"high\"",
		}))
	}
	return ops, nil
}

func buildResult(dataType, value string, attributes []Attribute) Result {
	r := Result{
		Value:         value,
		DataType:      dataType,
		Hits:          len(attributes),
		ThreatLevel:   calculateThreatLevel(attributes),
		Events:        []EventResult{},
		Tags:          []string{},
		Categories:    []string{},
		Organizations: []string{},
	}

	seenEvents := make(map[string]bool)
	var tags, categories, orgs []string
	for _, attr := range attributes {
		if attr.ToIDS {
			r.ToIDS = true
		}
		categories = append(categories, attr.Category)
		for _, t := range attr.Tags {
			tags = append(tags, t.Name)
		}

		ev := attr.Event
		if ev == nil || seenEvents[ev.ID] {
			continue
		}
		seenEvents[ev.ID] = true

		er := EventResult{
			ID:          ev.ID,
			UUID:        ev.UUID,
			Info:        ev.Info,
			Date:        ev.Date,
			ThreatLevel: threatLevelName(ev.ThreatLevelID),
			Analysis:    analysisName(ev.Analysis),
		}
		if org := ev.Orgc; org != nil {
			er.Org = org.Name
		} else if org := ev.Org; org != nil {
			er.Org = org.Name
		}
		if er.Org != "" {
			orgs = append(orgs, er.Org)
		}
		r.Events = append(r.Events, er)
	}

	r.Tags = append(r.Tags, dedupe(tags)...)
	r.Categories = append(r.Categories, dedupe(categories)...)
	r.Organizations = append(r.Organizations, dedupe(orgs)...)

	if first, last := calculateTimeRange(attributes); !first.IsZero() {
		r.FirstSeen = first.Format(time.RFC3339)
		r.LastSeen = last.Format(time.RFC3339)
	}
	return r
}

// calculateThreatLevel returns the highest threat level of the events the
// attributes belong to.
func calculateThreatLevel(attributes []Attribute) string {
	if len(attributes) == 0 {
		return "INFORMATIONAL"
	}

	highest := 4
	for _, attr := range attributes {
		if attr.Event == nil {
			continue
		}
		if level, err := strconv.Atoi(attr.Event.ThreatLevelID); err == nil && level >= 1 && level < highest {
			highest = level
		}
	}
	return threatLevelName(strconv.Itoa(highest))
}

// calculateTimeRange returns the first and last sighting from attribute
// timestamps and event dates.
func calculateTimeRange(attributes []Attribute) (time.Time, time.Time) {
	var first, last time.Time
	observe := func(t time.Time) {
		if first.IsZero() || t.Before(first) {
			first = t
		}
		if last.IsZero() || t.After(last) {
			last = t
		}
	}

	for _, attr := range attributes {
		if ts, err := strconv.ParseInt(attr.Timestamp, 10, 64); err == nil {
			observe(time.Unix(ts, 0).UTC())
		}
		if attr.Event != nil && attr.Event.Date != "" {
			if t, err := time.Parse("2006-01-02", attr.Event.Date); err == nil {
				observe(t)
			}
		}
	}
	return first, last
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	var out []string
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
