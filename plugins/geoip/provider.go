package geoip

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cast"

	"github.com/Ashfaaq98/analyzerkit/internal/worker"
)

// DefaultBaseURL is the public ipapi service.
const DefaultBaseURL = "https://ipapi.co"

// Provider looks addresses up in an ipapi compatible service.
type Provider struct {
	BaseURL  string
	APIKey   string
	Client   *http.Client
	Attempts int
	Logger   *log.Logger

	// Backoff is the first retry delay; it doubles per attempt.
	Backoff time.Duration
}

// Lookup fetches the location of ip, retrying on rate limiting and server errors.
func (p *Provider) Lookup(ctx context.Context, ip string) (*Data, error) {
	baseURL := strings.TrimRight(p.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := p.Backoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(1<<(attempt-1))*backoff + time.Duration(rand.Intn(100))*time.Millisecond
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		geo, retry, err := p.fetch(ctx, client, baseURL, ip)
		if err == nil {
			return geo, nil
		}
		if !retry {
			return nil, err
		}
		lastErr = err
		p.logf("GeoIP lookup for %s failed (attempt %d/%d): %v", ip, attempt+1, attempts, err)
	}
	return nil, worker.Fail(fmt.Sprintf("GeoIP lookup failed for %s: %v", ip, lastErr))
}

func (p *Provider) fetch(ctx context.Context, client *http.Client, baseURL, ip string) (*Data, bool, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/%s/json/", baseURL, ip), nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if p.APIKey != "" {
		req.Header.Set("X-API-Key", p.APIKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("status=%d body=%s", resp.StatusCode, truncate(string(body), 200))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, worker.Fail(fmt.Sprintf("GeoIP service returned status %d: %s", resp.StatusCode, truncate(string(body), 200)))
	}

	var j map[string]interface{}
	if err := json.Unmarshal(body, &j); err != nil {
		return nil, false, fmt.Errorf("failed to decode GeoIP response: %w", err)
	}
	if cast.ToBool(j["error"]) {
		return nil, false, worker.Fail(fmt.Sprintf("GeoIP service error: %s", cast.ToString(j["reason"])))
	}

	geo := &Data{
		IP:           ip,
		Country:      cast.ToString(j["country_name"]),
		CountryCode:  cast.ToString(j["country"]),
		Region:       firstNonEmpty(cast.ToString(j["region"]), cast.ToString(j["region_code"])),
		City:         cast.ToString(j["city"]),
		Latitude:     cast.ToFloat64(j["latitude"]),
		Longitude:    cast.ToFloat64(j["longitude"]),
		Timezone:     cast.ToString(j["timezone"]),
		ISP:          cast.ToString(j["org"]),
		Organization: cast.ToString(j["org"]),
		ASN:          cast.ToString(j["asn"]),
	}
	p.logf("GeoIP lookup ip=%s status=%d latency_ms=%d", ip, resp.StatusCode, time.Since(start).Milliseconds())
	return geo, false, nil
}

func (p *Provider) logf(format string, args ...interface{}) {
	if p.Logger != nil {
		p.Logger.Printf(format, args...)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
