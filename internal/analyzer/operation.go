package analyzer

import (
	"bytes"
	"encoding/json"
)

// Common operation types understood by case management front ends.
const (
	OpAddTagToArtifact = "AddTagToArtifact"
	OpAddTagToCase     = "AddTagToCase"
	OpCreateTask       = "CreateTask"
	OpAddCustomFields  = "AddCustomFields"
	OpMarkAlertAsRead  = "MarkAlertAsRead"
)

// Operation asks the caller to act on the case or observable after the
// report, e.g. tag the artifact.
type Operation struct {
	Type   string
	Params map[string]interface{}
}

// BuildOperation returns an operation of the given type.
func BuildOperation(opType string, params map[string]interface{}) Operation {
	return Operation{Type: opType, Params: copyExtra(params)}
}

// MarshalJSON flattens Params next to "type"; "type" wins.
func (o Operation) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{}, len(o.Params)+1)
	for k, v := range o.Params {
		m[k] = v
	}
	m["type"] = o.Type
	return marshalFlat(m)
}

// marshalFlat encodes m without HTML escaping, matching the report encoder.
func marshalFlat(m map[string]interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(m); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
