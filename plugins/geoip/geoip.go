// Package geoip is the built-in IP geolocation analyzer.
package geoip

import (
	"context"
	"embed"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/Ashfaaq98/analyzerkit/internal/analyzer"
	"github.com/Ashfaaq98/analyzerkit/internal/cache"
	"github.com/Ashfaaq98/analyzerkit/internal/plugins"
	"github.com/Ashfaaq98/analyzerkit/internal/worker"
)

//go:embed geoip.yaml
var definitionFS embed.FS

const namespace = "GeoIP"

// Plugin returns the analyzer for registration in a plugins.Registry.
func Plugin() plugins.Plugin {
	return plugins.Plugin{
		Definition: worker.MustLoadDefinition(definitionFS, "geoip.yaml"),
		New: func(env plugins.Env) analyzer.Implementation {
			return New(env)
		},
	}
}

// Data is the location of one IP address.
type Data struct {
	IP           string  `json:"ip"`
	Country      string  `json:"country"`
	CountryCode  string  `json:"country_code"`
	Region       string  `json:"region"`
	City         string  `json:"city"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	ISP          string  `json:"isp"`
	Organization string  `json:"organization"`
	ASN          string  `json:"asn"`
	Timezone     string  `json:"timezone"`
	Private      bool    `json:"private,omitempty"`
}

type config struct {
	URL                 string   `mapstructure:"url"`
	Key                 string   `mapstructure:"key"`
	SuspiciousCountries []string `mapstructure:"suspicious_countries"`
}

// Analyzer runs one GeoIP job.
type Analyzer struct {
	env plugins.Env
	cfg config
}

// New creates an analyzer.
func New(env plugins.Env) *Analyzer {
	return &Analyzer{env: env.WithDefaults()}
}

// Run geolocates the job's IP address.
func (g *Analyzer) Run(ctx context.Context, a *analyzer.Analyzer) error {
	data, err := a.DataString()
	if err != nil {
		return err
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(data))
	if err != nil {
		return worker.Fail(fmt.Sprintf("Invalid IP address: %s", data))
	}
	addr = addr.Unmap()

	if err := a.DecodeConfig(&g.cfg); err != nil {
		return err
	}

	if isPrivate(addr) {
		a.Logger().Printf("GeoIP lookup skipped for private address %s", addr)
		return a.Report(privateData(addr.String()))
	}

	key := cache.Key("geoip", addr.String())
	var geo Data
	if cache.GetJSON(ctx, g.env.Cache, key, &geo) {
		a.Logger().Printf("GeoIP cache hit for %s", addr)
		return a.Report(geo)
	}

	provider := &Provider{
		BaseURL:  g.cfg.URL,
		APIKey:   g.cfg.Key,
		Client:   a.HTTPClient(a.ParamDuration("config.timeout", 5*time.Second)),
		Attempts: a.ParamInt("config.retries", 3),
		Logger:   a.Logger(),
	}
	looked, err := provider.Lookup(ctx, addr.String())
	if err != nil {
		return err
	}
	if err := cache.SetJSON(ctx, g.env.Cache, key, looked, g.env.CacheTTL); err != nil {
		a.Logger().Printf("Failed to cache GeoIP data for %s: %v", addr, err)
	}
	return a.Report(*looked)
}

// Summary reports the country and the autonomous system.
func (g *Analyzer) Summary(full interface{}) (map[string]interface{}, error) {
	geo, ok := full.(Data)
	if !ok {
		return nil, fmt.Errorf("unexpected report type %T", full)
	}

	if geo.Private {
		return analyzer.TaxonomySummary(
			analyzer.BuildTaxonomy("info", namespace, "Location", "Private Network"),
		), nil
	}

	level := "info"
	for _, cc := range g.cfg.SuspiciousCountries {
		if strings.EqualFold(cc, geo.CountryCode) {
			level = "suspicious"
			break
		}
	}

	location := geo.Country
	if geo.City != "" {
		location = geo.City + ", " + geo.Country
	}
	taxonomies := []analyzer.Taxonomy{
		analyzer.BuildTaxonomy(level, namespace, "Location", location),
	}
	if geo.ASN != "" {
		taxonomies = append(taxonomies, analyzer.BuildTaxonomy("info", namespace, "ASN", geo.ASN))
	}
	return analyzer.TaxonomySummary(taxonomies...), nil
}

// Artifacts lists nothing: the report only restates the job's own address.
func (g *Analyzer) Artifacts(a *analyzer.Analyzer, full interface{}) ([]analyzer.Artifact, error) {
	return nil, nil
}

func isPrivate(addr netip.Addr) bool {
	return addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsUnspecified()
}

func privateData(ip string) Data {
	return Data{
		IP:           ip,
		Country:      "Private Network",
		CountryCode:  "XX",
		Region:       "Private",
		City:         "Private",
		ISP:          "Private Network",
		Organization: "Private Network",
		ASN:          "AS0",
		Timezone:     "UTC",
		Private:      true,
	}
}
