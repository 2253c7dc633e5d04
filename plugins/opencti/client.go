package opencti

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/Ashfaaq98/analyzerkit/internal/worker"
)

const userAgent = "analyzerkit-opencti/1.0"

const observablesQuery = `
query Observables($first: Int, $filters: FilterGroup) {
  stixCyberObservables(first: $first, filters: $filters) {
    edges {
      node {
        id
        standard_id
        entity_type
        observable_value
        x_opencti_score
        created_at
        updated_at
        objectLabel { edges { node { value } } }
        indicators {
          edges {
            node {
              id
              name
              pattern
              confidence
              valid_from
              valid_until
              objectLabel { edges { node { value } } }
            }
          }
        }
      }
    }
  }
}`

// Client talks to the OpenCTI GraphQL API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *log.Logger

	attempts int
	backoff  time.Duration
}

// NewClient creates a client. httpClient may be nil.
func NewClient(cfg Config, httpClient *http.Client, logger *log.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, worker.Fail("OpenCTI URL is required")
	}
	if cfg.Token == "" {
		return nil, worker.Fail("OpenCTI API token is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		token:      cfg.Token,
		httpClient: httpClient,
		logger:     logger,
		attempts:   3,
		backoff:    time.Second,
	}, nil
}

// do posts a GraphQL request, retrying transport failures, rate limiting and
// server errors with exponential backoff.
func (c *Client) do(ctx context.Context, body graphQLRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * c.backoff
			if backoff > 10*time.Second {
				backoff = 10 * time.Second
			}
			c.logger.Printf("OpenCTI request failed, retrying in %v: %v", backoff, lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/graphql", bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
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

// SearchObservables returns the observables whose value equals value.
func (c *Client) SearchObservables(ctx context.Context, value string, first int) ([]observableNode, error) {
	if first <= 0 {
		first = 10
	}
	resp, err := c.do(ctx, graphQLRequest{
		Query: observablesQuery,
		Variables: map[string]interface{}{
			"first": first,
			"filters": map[string]interface{}{
				"mode": "and",
				"filters": []map[string]interface{}{
					{"key": "value", "values": []string{value}},
				},
				"filterGroups": []interface{}{},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("search observables request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, worker.Fail("OpenCTI rejected the API token")
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("search observables failed with status %d: %s", resp.StatusCode, string(body))
	}

	var result observablesResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, graphQLFailure(result.Errors)
	}

	nodes := make([]observableNode, 0, len(result.Data.StixCyberObservables.Edges))
	for _, edge := range result.Data.StixCyberObservables.Edges {
		nodes = append(nodes, edge.Node)
	}
	c.logger.Printf("Found %d OpenCTI observable(s) for %s", len(nodes), value)
	return nodes, nil
}

func graphQLFailure(errs []APIError) error {
	messages := make([]string, 0, len(errs))
	for _, e := range errs {
		if e.Extensions.Code == "AUTH_REQUIRED" || e.Extensions.Code == "FORBIDDEN_ACCESS" {
			return worker.Fail("OpenCTI rejected the API token")
		}
		messages = append(messages, e.Message)
	}
	return worker.Fail("OpenCTI query failed: " + strings.Join(messages, "; "))
}
