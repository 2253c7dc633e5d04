package misp

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/Ashfaaq98/analyzerkit/internal/worker"
)

const userAgent = "analyzerkit-misp/2.1"

// Client talks to the MISP REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *log.Logger

	attempts int
	backoff  time.Duration
}

// NewClient creates a client. httpClient may be nil; when cfg.VerifyTLS is
// false its transport skips certificate verification.
func NewClient(cfg Config, httpClient *http.Client, logger *log.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, worker.Fail("MISP base URL is required")
	}
	if cfg.Key == "" {
		return nil, worker.Fail("MISP API key is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	if !cfg.VerifyTLS {
		var tr *http.Transport
		if t, ok := httpClient.Transport.(*http.Transport); ok {
			tr = t.Clone()
		} else {
			tr = http.DefaultTransport.(*http.Transport).Clone()
		}
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		httpClient = &http.Client{Timeout: httpClient.Timeout, Transport: tr}
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.Key,
		httpClient: httpClient,
		logger:     logger,
		attempts:   3,
		backoff:    time.Second,
	}, nil
}

// makeRequest sends an authenticated request, retrying transport failures,
// rate limiting and server errors with exponential backoff.
func (c *Client) makeRequest(ctx context.Context, method, endpoint string, body interface{}) (*http.Response, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * c.backoff
			if backoff > 10*time.Second {
				backoff = 10 * time.Second
			}
			c.logger.Printf("MISP request failed, retrying in %v: %v", backoff, lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", c.apiKey)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", userAgent)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("HTTP request failed: %w", err)
			continue
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("transient error: status %d", resp.StatusCode)
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("request failed after %d attempts: %w", c.attempts, lastErr)
}

// HealthCheck verifies that the instance answers and accepts the key.
func (c *Client) HealthCheck(ctx context.Context) error {
	resp, err := c.makeRequest(ctx, http.MethodGet, "/servers/getVersion", nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return worker.Fail("MISP rejected the API key")
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("health check failed with status %d: %s", resp.StatusCode, string(body))
	}
}

// SearchAttributes returns the attributes matching value, minus those from
// excluded organisations.
func (c *Client) SearchAttributes(ctx context.Context, dataType, value string, cfg Config) ([]Attribute, error) {
	req := AttributeSearchRequest{
		ReturnFormat: "json",
		Value:        value,
		Type:         attributeTypes(dataType, value),
		WithContext:  cfg.IncludeContext,
		Limit:        cfg.MaxResults,
		Tags:         cfg.RequiredTags,
	}
	if cfg.DaysBack > 0 {
		req.Last = fmt.Sprintf("%dd", cfg.DaysBack)
	}
	if cfg.OnlyToIDS {
		toIDS := true
		req.ToIDS = &toIDS
	}

	resp, err := c.makeRequest(ctx, http.MethodPost, "/attributes/restSearch", req)
	if err != nil {
		return nil, fmt.Errorf("search attributes request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, worker.Fail("MISP rejected the API key")
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("search attributes failed with status %d: %s", resp.StatusCode, string(body))
	}

	var result AttributeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	attributes := filterAttributesByOrg(result.Response.Attribute, cfg.ExcludedOrgs)
	c.logger.Printf("Found %d MISP attribute(s) for %s: %s", len(attributes), dataType, value)
	return attributes, nil
}

// attributeTypes maps an observable data type to the MISP attribute types
// searched for it. Hashes are typed by length.
func attributeTypes(dataType, value string) []string {
	switch dataType {
	case "ip":
		return []string{"ip-src", "ip-dst"}
	case "domain", "fqdn":
		return []string{"domain", "hostname"}
	case "url":
		return []string{"url", "uri", "link"}
	case "mail":
		return []string{"email", "email-src", "email-dst", "whois-registrant-email"}
	case "hash":
		switch len(value) {
		case 32:
			return []string{"md5"}
		case 40:
			return []string{"sha1"}
		case 64:
			return []string{"sha256"}
		case 128:
			return []string{"sha512"}
		}
	}
	return nil
}

func filterAttributesByOrg(attributes []Attribute, excludedOrgs []string) []Attribute {
	if len(excludedOrgs) == 0 {
		return attributes
	}

	exclude := make(map[string]bool, len(excludedOrgs))
	for _, org := range excludedOrgs {
		exclude[strings.ToLower(org)] = true
	}

	var filtered []Attribute
	for _, attr := range attributes {
		if attr.Event != nil && attr.Event.Org != nil && exclude[strings.ToLower(attr.Event.Org.Name)] {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}

func threatLevelName(id string) string {
	switch id {
	case ThreatLevelHigh:
		return "HIGH"
	case ThreatLevelMedium:
		return "MEDIUM"
	case ThreatLevelLow:
		return "LOW"
	case ThreatLevelUndefined:
		return "UNDEFINED"
	default:
		return "UNKNOWN"
	}
}

func analysisName(id string) string {
	switch id {
	case AnalysisInitial:
		return "INITIAL"
	case AnalysisOngoing:
		return "ONGOING"
	case AnalysisCompleted:
		return "COMPLETED"
	default:
		return "UNKNOWN"
	}
}
