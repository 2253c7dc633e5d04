package opencti

// Config is the analyzer's configuration section.
type Config struct {
	URL             string `mapstructure:"url"`
	Token           string `mapstructure:"token"`
	MaxResults      int    `mapstructure:"max_results"`
	SuspiciousScore int    `mapstructure:"suspicious_score"`
	MaliciousScore  int    `mapstructure:"malicious_score"`
	Tag             string `mapstructure:"tag"`
}

// graphQLRequest is the body posted to /graphql.
type graphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

// APIError is one entry of a GraphQL "errors" array.
type APIError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

// observablesResponse is the body returned for observablesQuery.
type observablesResponse struct {
	Data struct {
		StixCyberObservables struct {
			Edges []struct {
				Node observableNode `json:"node"`
			} `json:"edges"`
		} `json:"stixCyberObservables"`
	} `json:"data"`
	Errors []APIError `json:"errors"`
}

type labelConnection struct {
	Edges []struct {
		Node struct {
			Value string `json:"value"`
		} `json:"node"`
	} `json:"edges"`
}

func (c labelConnection) values() []string {
	out := make([]string, 0, len(c.Edges))
	for _, e := range c.Edges {
		if e.Node.Value != "" {
			out = append(out, e.Node.Value)
		}
	}
	return out
}

type observableNode struct {
	ID              string          `json:"id"`
	StandardID      string          `json:"standard_id"`
	EntityType      string          `json:"entity_type"`
	ObservableValue string          `json:"observable_value"`
	Score           *int            `json:"x_opencti_score"`
	CreatedAt       string          `json:"created_at"`
	UpdatedAt       string          `json:"updated_at"`
	Labels          labelConnection `json:"objectLabel"`
	Indicators      struct {
		Edges []struct {
			Node indicatorNode `json:"node"`
		} `json:"edges"`
	} `json:"indicators"`
}

type indicatorNode struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Pattern    string          `json:"pattern"`
	Confidence int             `json:"confidence"`
	ValidFrom  string          `json:"valid_from"`
	ValidUntil string          `json:"valid_until"`
	Labels     labelConnection `json:"objectLabel"`
}

// Result is the full report.
type Result struct {
	Value       string       `json:"value"`
	DataType    string       `json:"dataType"`
	Hits        int          `json:"hits"`
	Score       int          `json:"score"`
	Observables []Observable `json:"observables"`
	Indicators  []Indicator  `json:"indicators"`
	Labels      []string     `json:"labels"`
}

// Observable is a matching STIX cyber observable.
type Observable struct {
	ID         string   `json:"id"`
	StandardID string   `json:"standard_id"`
	EntityType string   `json:"entity_type"`
	Value      string   `json:"value"`
	Score      *int     `json:"score,omitempty"`
	Labels     []string `json:"labels"`
	CreatedAt  string   `json:"created_at,omitempty"`
	UpdatedAt  string   `json:"updated_at,omitempty"`
}

// Indicator is an indicator based on a matching observable.
type Indicator struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Pattern    string   `json:"pattern"`
	Confidence int      `json:"confidence"`
	ValidFrom  string   `json:"valid_from,omitempty"`
	ValidUntil string   `json:"valid_until,omitempty"`
	Labels     []string `json:"labels"`
}
