package analyzer

// Level is the verdict carried by a taxonomy entry.
type Level string

const (
	LevelInfo       Level = "info"
	LevelSafe       Level = "safe"
	LevelSuspicious Level = "suspicious"
	LevelMalicious  Level = "malicious"
)

// ParseLevel maps s to a canonical level. Anything else, including other
// casings and the empty string, is LevelInfo.
func ParseLevel(s string) Level {
	switch Level(s) {
	case LevelInfo, LevelSafe, LevelSuspicious, LevelMalicious:
		return Level(s)
	default:
		return LevelInfo
	}
}

// Taxonomy is a short structured verdict shown in report summaries.
type Taxonomy struct {
	Level     Level       `json:"level"`
	Namespace string      `json:"namespace"`
	Predicate string      `json:"predicate"`
	Value     interface{} `json:"value"`
}

// BuildTaxonomy returns a taxonomy entry with level normalized by ParseLevel.
func BuildTaxonomy(level, namespace, predicate string, value interface{}) Taxonomy {
	return Taxonomy{
		Level:     ParseLevel(level),
		Namespace: namespace,
		Predicate: predicate,
		Value:     value,
	}
}

// TaxonomySummary wraps entries in the conventional {"taxonomies": [...]} summary.
func TaxonomySummary(taxonomies ...Taxonomy) map[string]interface{} {
	if taxonomies == nil {
		taxonomies = []Taxonomy{}
	}
	return map[string]interface{}{"taxonomies": taxonomies}
}
