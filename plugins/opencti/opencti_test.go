package opencti

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ashfaaq98/analyzerkit/internal/analyzer"
	"github.com/Ashfaaq98/analyzerkit/internal/plugins"
	"github.com/Ashfaaq98/analyzerkit/internal/worker"
)

const testToken = "test-token"

func labels(values ...string) map[string]interface{} {
	edges := make([]map[string]interface{}, 0, len(values))
	for _, v := range values {
		edges = append(edges, map[string]interface{}{"node": map[string]interface{}{"value": v}})
	}
	return map[string]interface{}{"edges": edges}
}

func mockObservable(value string, score int) map[string]interface{} {
	return map[string]interface{}{
		"id":               "observable-123",
		"standard_id":      "ipv4-addr--5b4c1e3a-7d3b-5a6e-9c2f-1f0e2d3c4b5a",
		"entity_type":      "IPv4-Addr",
		"observable_value": value,
		"x_opencti_score":  score,
		"created_at":       "2024-01-01T00:00:00.000Z",
		"updated_at":       "2024-02-01T00:00:00.000Z",
		"objectLabel":      labels("malicious-activity", "c2"),
		"indicators": map[string]interface{}{
			"edges": []map[string]interface{}{
				{"node": map[string]interface{}{
					"id":          "indicator-123",
					"name":        "C2 beacon to evil.example",
					"pattern":     "[ipv4-addr:value = '" + value + "']",
					"confidence":  80,
					"valid_from":  "2024-01-01T00:00:00.000Z",
					"valid_until": "2025-01-01T00:00:00.000Z",
					"objectLabel": labels("apt-mock"),
				}},
			},
		},
	}
}

// newMockOpenCTIServer answers the observables query with one observable for
// 203.0.113.7 (score 85), one for 198.51.100.9 (score 40) and none otherwise.
func newMockOpenCTIServer(t *testing.T, searches *int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/graphql", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(searches, 1)
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		var req struct {
			Query     string `json:"query"`
			Variables struct {
				First   int `json:"first"`
				Filters struct {
					Mode    string `json:"mode"`
					Filters []struct {
						Key    string   `json:"key"`
						Values []string `json:"values"`
					} `json:"filters"`
				} `json:"filters"`
			} `json:"variables"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		assert.Contains(t, req.Query, "stixCyberObservables")
		assert.Equal(t, 10, req.Variables.First)
		if !assert.Len(t, req.Variables.Filters.Filters, 1) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		assert.Equal(t, "value", req.Variables.Filters.Filters[0].Key)

		edges := []map[string]interface{}{}
		switch value := req.Variables.Filters.Filters[0].Values[0]; value {
		case "203.0.113.7":
			edges = append(edges, map[string]interface{}{"node": mockObservable(value, 85)})
		case "198.51.100.9":
			edges = append(edges, map[string]interface{}{"node": mockObservable(value, 40)})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{
				"stixCyberObservables": map[string]interface{}{"edges": edges},
			},
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func runJob(t *testing.T, impl *Analyzer, input map[string]interface{}) (*analyzer.Outcome, map[string]interface{}, error) {
	t.Helper()
	data, err := json.Marshal(input)
	require.NoError(t, err)

	var out bytes.Buffer
	outcome, err := analyzer.Run(context.Background(), impl, worker.Options{
		Stdin:      bytes.NewReader(data),
		Stdout:     &out,
		Definition: Plugin().Definition,
	})
	require.NotNil(t, outcome)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	return outcome, decoded, err
}

func job(dataType, value, url string) map[string]interface{} {
	return map[string]interface{}{
		"dataType": dataType,
		"data":     value,
		"config":   map[string]interface{}{"url": url, "token": testToken},
	}
}

func TestNewClient(t *testing.T) {
	_, err := NewClient(Config{Token: testToken}, nil, nil)
	assert.EqualError(t, err, "OpenCTI URL is required")
	_, err = NewClient(Config{URL: "https://opencti.example"}, nil, nil)
	assert.EqualError(t, err, "OpenCTI API token is required")

	c, err := NewClient(Config{URL: "https://opencti.example/", Token: testToken}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "https://opencti.example", c.baseURL)
	assert.Equal(t, 3, c.attempts)
}

func TestClientRetriesTransientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"data":{"stixCyberObservables":{"edges":[]}}}`))
	}))
	defer srv.Close()

	c, err := NewClient(Config{URL: srv.URL, Token: testToken}, nil, nil)
	require.NoError(t, err)
	c.backoff = time.Millisecond

	nodes, err := c.SearchObservables(context.Background(), "example.com", 5)
	require.NoError(t, err)
	assert.Empty(t, nodes)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClientGraphQLErrors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		message string
	}{
		{"auth", `{"errors":[{"message":"You must be logged in","extensions":{"code":"AUTH_REQUIRED"}}]}`, "OpenCTI rejected the API token"},
		{"other", `{"errors":[{"message":"bad filter"},{"message":"bad key"}]}`, "OpenCTI query failed: bad filter; bad key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c, err := NewClient(Config{URL: srv.URL, Token: testToken}, nil, nil)
			require.NoError(t, err)
			_, err = c.SearchObservables(context.Background(), "example.com", 5)
			assert.EqualError(t, err, tt.message)
		})
	}
}

func TestBuildResult(t *testing.T) {
	low, high := 20, 60
	var first, second observableNode
	raw := []byte(`{"id":"a","observable_value":"x","objectLabel":{"edges":[{"node":{"value":"b"}},{"node":{"value":"a"}}]},
		"indicators":{"edges":[{"node":{"id":"i1","objectLabel":{"edges":[{"node":{"value":"c"}}]}}}]}}`)
	require.NoError(t, json.Unmarshal(raw, &first))
	second = first
	first.Score = &low
	second.ID = "b"
	second.Score = &high

	r := buildResult("domain", "x", []observableNode{first, second})
	assert.Equal(t, 2, r.Hits)
	assert.Equal(t, 60, r.Score)
	assert.Len(t, r.Observables, 2)
	assert.Len(t, r.Indicators, 1)
	assert.Equal(t, []string{"a", "b", "c"}, r.Labels)

	empty := buildResult("domain", "x", nil)
	assert.Equal(t, 0, empty.Score)
	assert.NotNil(t, empty.Observables)
	assert.NotNil(t, empty.Labels)
}

func TestRunMalicious(t *testing.T) {
	var searches int32
	srv := newMockOpenCTIServer(t, &searches)
	env := plugins.Env{}.WithDefaults()

	outcome, out, err := runJob(t, New(env), job("ip", "203.0.113.7", srv.URL))
	require.NoError(t, err)
	assert.True(t, outcome.Success)

	taxonomies := out["summary"].(map[string]interface{})["taxonomies"].([]interface{})
	require.Len(t, taxonomies, 2)
	assert.Equal(t, map[string]interface{}{
		"level": "malicious", "namespace": "OpenCTI", "predicate": "Score", "value": float64(85),
	}, taxonomies[0])

	ops := out["operations"].([]interface{})
	require.Len(t, ops, 1)
	assert.Equal(t, map[string]interface{}{"type": "AddTagToArtifact", "tag": "opencti:known"}, ops[0])

	full := out["full"].(map[string]interface{})
	assert.Equal(t, []interface{}{"apt-mock", "c2", "malicious-activity"}, full["labels"])

	var found []string
	for _, a := range out["artifacts"].([]interface{}) {
		art := a.(map[string]interface{})
		found = append(found, art["dataType"].(string)+":"+art["data"].(string))
	}
	assert.Contains(t, found, "domain:evil.example")
	assert.NotContains(t, found, "ip:203.0.113.7")

	_, _, err = runJob(t, New(env), job("ip", "203.0.113.7", srv.URL))
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&searches))
}

func TestRunScoreThresholds(t *testing.T) {
	var searches int32
	srv := newMockOpenCTIServer(t, &searches)

	_, out, err := runJob(t, New(plugins.Env{}), job("ip", "198.51.100.9", srv.URL))
	require.NoError(t, err)
	taxonomies := out["summary"].(map[string]interface{})["taxonomies"].([]interface{})
	assert.Equal(t, "suspicious", taxonomies[0].(map[string]interface{})["level"])
	assert.Len(t, out["operations"], 1)

	input := job("ip", "198.51.100.9", srv.URL)
	input["config"].(map[string]interface{})["suspicious_score"] = 50
	_, out, err = runJob(t, New(plugins.Env{}), input)
	require.NoError(t, err)
	taxonomies = out["summary"].(map[string]interface{})["taxonomies"].([]interface{})
	assert.Equal(t, "info", taxonomies[0].(map[string]interface{})["level"])
	assert.Empty(t, out["operations"])
}

func TestRunUnknownObservable(t *testing.T) {
	var searches int32
	srv := newMockOpenCTIServer(t, &searches)

	_, out, err := runJob(t, New(plugins.Env{}), job("domain", "clean.example", srv.URL))
	require.NoError(t, err)

	taxonomies := out["summary"].(map[string]interface{})["taxonomies"].([]interface{})
	require.Len(t, taxonomies, 1)
	assert.Equal(t, map[string]interface{}{
		"level": "info", "namespace": "OpenCTI", "predicate": "Found", "value": "false",
	}, taxonomies[0])
	assert.Empty(t, out["operations"])
}

func TestRunFailures(t *testing.T) {
	var searches int32
	srv := newMockOpenCTIServer(t, &searches)

	missingToken := job("ip", "203.0.113.7", srv.URL)
	delete(missingToken["config"].(map[string]interface{}), "token")

	badToken := job("ip", "203.0.113.7", srv.URL)
	badToken["config"].(map[string]interface{})["token"] = "wrong"

	tests := []struct {
		name    string
		input   map[string]interface{}
		message string
	}{
		{"missing token", missingToken, "Missing configuration item: token"},
		{"rejected token", badToken, "OpenCTI rejected the API token"},
		{"unsupported type", job("registry", "HKLM", srv.URL), "This datatype is not supported by this analyzer."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome, out, err := runJob(t, New(plugins.Env{}), tt.input)
			require.Error(t, err)
			assert.Equal(t, false, out["success"])
			assert.Equal(t, tt.message, outcome.ErrorMessage)
		})
	}
}

func TestRunRetriesExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	impl := New(plugins.Env{})
	impl.retryBackoff = time.Millisecond

	outcome, _, err := runJob(t, impl, job("url", "http://evil.example/x", srv.URL))
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(outcome.ErrorMessage, "Unexpected Error: search observables request failed"), outcome.ErrorMessage)
}
