package misp

// Config is the analyzer's configuration section.
type Config struct {
	URL            string   `mapstructure:"url"`
	Key            string   `mapstructure:"key"`
	VerifyTLS      bool     `mapstructure:"verify_tls"`
	DaysBack       int      `mapstructure:"days_back"`
	OnlyToIDS      bool     `mapstructure:"only_to_ids"`
	IncludeContext bool     `mapstructure:"include_context"`
	MaxResults     int      `mapstructure:"max_results"`
	ExcludedOrgs   []string `mapstructure:"excluded_orgs"`
	RequiredTags   []string `mapstructure:"required_tags"`
	Tag            string   `mapstructure:"tag"`
}

// AttributeResponse is the body of /attributes/restSearch.
type AttributeResponse struct {
	Response struct {
		Attribute []Attribute `json:"Attribute"`
	} `json:"response"`
}

// Attribute is a MISP attribute.
type Attribute struct {
	ID           string     `json:"id"`
	Type         string     `json:"type"`
	Category     string     `json:"category"`
	Value        string     `json:"value"`
	ToIDS        bool       `json:"to_ids"`
	UUID         string     `json:"uuid"`
	Timestamp    string     `json:"timestamp"`
	Distribution string     `json:"distribution"`
	Comment      string     `json:"comment"`
	Deleted      bool       `json:"deleted"`
	EventID      string     `json:"event_id"`
	Event        *EventInfo `json:"Event,omitempty"`
	Tags         []Tag      `json:"Tag,omitempty"`
}

// EventInfo is the event context MISP attaches to an attribute.
type EventInfo struct {
	ID            string        `json:"id"`
	UUID          string        `json:"uuid"`
	Info          string        `json:"info"`
	Date          string        `json:"date"`
	ThreatLevelID string        `json:"threat_level_id"`
	Analysis      string        `json:"analysis"`
	Org           *Organization `json:"Org,omitempty"`
	Orgc          *Organization `json:"Orgc,omitempty"`
}

// Organization is a MISP organisation.
type Organization struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	UUID string `json:"uuid"`
}

// Tag is a MISP tag.
type Tag struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Colour string `json:"colour"`
}

// AttributeSearchRequest is the body sent to /attributes/restSearch.
type AttributeSearchRequest struct {
	ReturnFormat string   `json:"returnFormat"`
	Value        string   `json:"value"`
	Type         []string `json:"type,omitempty"`
	ToIDS        *bool    `json:"to_ids,omitempty"`
	Last         string   `json:"last,omitempty"`
	WithContext  bool     `json:"includeContext,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	Limit        int      `json:"limit,omitempty"`
}

// Result is the analyzer's full report.
type Result struct {
	Value         string        `json:"value"`
	DataType      string        `json:"data_type"`
	Hits          int           `json:"hits"`
	ThreatLevel   string        `json:"threat_level"`
	ToIDS         bool          `json:"to_ids"`
	Events        []EventResult `json:"events"`
	Tags          []string      `json:"tags"`
	Categories    []string      `json:"categories"`
	Organizations []string      `json:"organizations"`
	FirstSeen     string        `json:"first_seen,omitempty"`
	LastSeen      string        `json:"last_seen,omitempty"`
}

// EventResult summarizes one event holding a matching attribute.
type EventResult struct {
	ID          string `json:"id"`
	UUID        string `json:"uuid"`
	Info        string `json:"info"`
	Date        string `json:"date"`
	ThreatLevel string `json:"threat_level"`
	Analysis    string `json:"analysis"`
	Org         string `json:"org,omitempty"`
}

// Threat level ids.
const (
	ThreatLevelHigh      = "1"
	ThreatLevelMedium    = "2"
	ThreatLevelLow       = "3"
	ThreatLevelUndefined = "4"
)

// Analysis ids.
const (
	AnalysisInitial   = "0"
	AnalysisOngoing   = "1"
	AnalysisCompleted = "2"
)
