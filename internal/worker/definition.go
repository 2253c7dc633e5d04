package worker

import (
	"bytes"
	"fmt"
	"io/fs"

	"gopkg.in/yaml.v3"
)

// Definition describes an analyzer: the data types it accepts and the
// configuration items it understands. Definitions are plain YAML (JSON is
// accepted too, being a subset).
type Definition struct {
	Name               string       `yaml:"name" json:"name"`
	Version            string       `yaml:"version" json:"version"`
	Author             string       `yaml:"author" json:"author"`
	License            string       `yaml:"license" json:"license"`
	URL                string       `yaml:"url" json:"url"`
	Description        string       `yaml:"description" json:"description"`
	DataTypes          []string     `yaml:"dataTypeList" json:"dataTypeList"`
	ConfigurationItems []ConfigItem `yaml:"configurationItems" json:"configurationItems"`
}

// ConfigItem is one entry of a definition's configurationItems list.
type ConfigItem struct {
	Name         string      `yaml:"name" json:"name"`
	Description  string      `yaml:"description" json:"description"`
	Type         string      `yaml:"type" json:"type"` // string, number, boolean
	Multi        bool        `yaml:"multi" json:"multi"`
	Required     bool        `yaml:"required" json:"required"`
	DefaultValue interface{} `yaml:"defaultValue" json:"defaultValue,omitempty"`
}

// ParseDefinition decodes a single definition document. Unknown keys are rejected.
func ParseDefinition(data []byte) (*Definition, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	var def Definition
	if err := decoder.Decode(&def); err != nil {
		return nil, fmt.Errorf("failed to parse analyzer definition: %w", err)
	}
	if def.Name == "" {
		return nil, fmt.Errorf("analyzer definition has no name")
	}
	if len(def.DataTypes) == 0 {
		return nil, fmt.Errorf("analyzer definition %s has an empty dataTypeList", def.Name)
	}
	return &def, nil
}

// LoadDefinition reads and parses a definition file from fsys.
func LoadDefinition(fsys fs.FS, path string) (*Definition, error) {
	data, err := fs.ReadFile(fsys, path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return ParseDefinition(data)
}

// MustLoadDefinition is LoadDefinition for embedded definitions known at build time.
func MustLoadDefinition(fsys fs.FS, path string) *Definition {
	def, err := LoadDefinition(fsys, path)
	if err != nil {
		panic(err)
	}
	return def
}

// Supports reports whether dataType is in the definition's dataTypeList.
func (d *Definition) Supports(dataType string) bool {
	for _, dt := range d.DataTypes {
		if dt == dataType {
			return true
		}
	}
	return false
}

// applyConfig fills absent configuration items with their defaults and
// returns an error for required items that are still missing.
func (d *Definition) applyConfig(config map[string]interface{}) error {
	for _, item := range d.ConfigurationItems {
		if v, ok := config[item.Name]; ok && v != nil {
			continue
		}
		if item.DefaultValue != nil {
			config[item.Name] = normalizeYAML(item.DefaultValue)
			continue
		}
		if item.Required {
			return newError(ErrMissingParam, "Missing configuration item: "+item.Name)
		}
	}
	return nil
}

// normalizeYAML converts yaml.v3 decoded values into the shapes produced by
// encoding/json so lookups behave the same for both sources.
func normalizeYAML(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalizeYAML(val)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	default:
		return v
	}
}
