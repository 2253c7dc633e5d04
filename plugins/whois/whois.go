// Package whois is the built-in WHOIS analyzer for domain and fqdn jobs.
package whois

import (
	"context"
	"embed"
	"fmt"
	"net/url"
	"strings"
	"time"

	whoisclient "github.com/likexian/whois"
	"golang.org/x/net/publicsuffix"

	"github.com/Ashfaaq98/analyzerkit/internal/analyzer"
	"github.com/Ashfaaq98/analyzerkit/internal/cache"
	"github.com/Ashfaaq98/analyzerkit/internal/plugins"
	"github.com/Ashfaaq98/analyzerkit/internal/worker"
)

//go:embed whois.yaml
var definitionFS embed.FS

const namespace = "Whois"

// LookupFunc fetches the raw WHOIS text for domain.
type LookupFunc func(ctx context.Context, domain, server string, timeout time.Duration) (string, error)

// Plugin returns the analyzer for registration in a plugins.Registry.
func Plugin() plugins.Plugin {
	return plugins.Plugin{
		Definition: worker.MustLoadDefinition(definitionFS, "whois.yaml"),
		New: func(env plugins.Env) analyzer.Implementation {
			return New(env, nil)
		},
	}
}

// Analyzer runs one WHOIS job.
type Analyzer struct {
	env    plugins.Env
	lookup LookupFunc
	now    func() time.Time

	youngDays int
	tag       string
}

// New creates an analyzer. A nil lookup queries WHOIS servers directly.
func New(env plugins.Env, lookup LookupFunc) *Analyzer {
	if lookup == nil {
		lookup = Query
	}
	return &Analyzer{
		env:    env.WithDefaults(),
		lookup: lookup,
		now:    time.Now,
	}
}

// Run looks up the registered domain of the observable and reports its record.
func (w *Analyzer) Run(ctx context.Context, a *analyzer.Analyzer) error {
	data, err := a.DataString()
	if err != nil {
		return err
	}
	domain, ok := registeredDomain(data)
	if !ok {
		return worker.Fail(fmt.Sprintf("Invalid domain: %s", data))
	}

	w.youngDays = a.ParamInt("config.young_domain_days", 30)
	w.tag = a.ParamString("config.tag", "whois:young-domain")

	key := cache.Key("whois", domain)
	var rec Record
	if cache.GetJSON(ctx, w.env.Cache, key, &rec) {
		a.Logger().Printf("Whois cache hit for %s", domain)
	} else {
		raw, err := w.fetch(ctx, a, domain)
		if err != nil {
			return err
		}
		rec = ParseRecord(domain, raw)
		if err := cache.SetJSON(ctx, w.env.Cache, key, rec, w.env.CacheTTL); err != nil {
			a.Logger().Printf("Failed to cache whois record for %s: %v", domain, err)
		}
	}

	rec.Query = data
	rec.setAge(w.now())
	return a.Report(rec)
}

func (w *Analyzer) fetch(ctx context.Context, a *analyzer.Analyzer, domain string) (string, error) {
	server := a.ParamString("config.server", "")
	timeout := a.ParamDuration("config.timeout", 10*time.Second)
	attempts := a.ParamInt("config.retries", 3)
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(100*(1<<attempt)) * time.Millisecond
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}

		raw, err := w.lookup(ctx, domain, server, timeout)
		if err == nil {
			a.Logger().Printf("Whois lookup for %s returned %d bytes", domain, len(raw))
			return raw, nil
		}
		lastErr = err
		a.Logger().Printf("Whois lookup for %s failed (attempt %d/%d): %v", domain, attempt+1, attempts, err)
	}
	return "", worker.Fail(fmt.Sprintf("Whois lookup failed for %s: %v", domain, lastErr))
}

// Summary reports the registrar and, when known, the domain age.
func (w *Analyzer) Summary(full interface{}) (map[string]interface{}, error) {
	rec, ok := full.(Record)
	if !ok {
		return nil, fmt.Errorf("unexpected report type %T", full)
	}

	if !rec.Found {
		return analyzer.TaxonomySummary(
			analyzer.BuildTaxonomy("info", namespace, "Status", "not registered"),
		), nil
	}

	var taxonomies []analyzer.Taxonomy
	if rec.Registrar != "" {
		taxonomies = append(taxonomies, analyzer.BuildTaxonomy("info", namespace, "Registrar", rec.Registrar))
	}
	if rec.AgeDays != nil {
		level := "info"
		if w.young(rec) {
			level = "suspicious"
		}
		taxonomies = append(taxonomies, analyzer.BuildTaxonomy(level, namespace, "Age", fmt.Sprintf("%d days", *rec.AgeDays)))
	}
	if rec.Expired {
		taxonomies = append(taxonomies, analyzer.BuildTaxonomy("suspicious", namespace, "Status", "expired"))
	}
	return analyzer.TaxonomySummary(taxonomies...), nil
}

// Operations tags young domains.
func (w *Analyzer) Operations(full interface{}) ([]analyzer.Operation, error) {
	rec, ok := full.(Record)
	if !ok {
		return nil, fmt.Errorf("unexpected report type %T", full)
	}
	if !w.young(rec) || w.tag == "" {
		return nil, nil
	}
	return []analyzer.Operation{
		analyzer.BuildOperation(analyzer.OpAddTagToArtifact, map[string]interface{}{"tag": w.tag}),
	}, nil
}

func (w *Analyzer) young(rec Record) bool {
	return rec.Found && rec.AgeDays != nil && *rec.AgeDays < w.youngDays
}

// Query performs a live WHOIS lookup. The underlying client is not
// context-aware, so cancellation abandons the pending query.
func Query(ctx context.Context, domain, server string, timeout time.Duration) (string, error) {
	client := whoisclient.NewClient().SetTimeout(timeout)

	type result struct {
		raw string
		err error
	}
	done := make(chan result, 1)
	go func() {
		var servers []string
		if server != "" {
			servers = append(servers, server)
		}
		raw, err := client.Whois(domain, servers...)
		done <- result{raw: raw, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-done:
		return r.raw, r.err
	}
}

// registeredDomain normalizes s (a domain, host name or URL) to the
// registrable domain that WHOIS servers know about.
func registeredDomain(s string) (string, bool) {
	host := strings.ToLower(strings.TrimSpace(s))
	if strings.Contains(host, "://") {
		u, err := url.Parse(host)
		if err == nil && u.Hostname() != "" {
			host = u.Hostname()
		}
	}
	host = strings.TrimSuffix(host, ".")
	host = strings.TrimPrefix(host, "www.")
	if host == "" || !strings.Contains(host, ".") {
		return "", false
	}

	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return "", false
	}
	return domain, true
}
