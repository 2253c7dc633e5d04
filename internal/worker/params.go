package worker

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cast"
)

// lookup walks a dotted path ("config.proxy.http") through nested maps.
// A nil value anywhere on the path counts as absent.
func lookup(source map[string]interface{}, name string) (interface{}, bool) {
	if name == "" {
		return source, true
	}

	var current interface{} = source
	for _, part := range strings.Split(name, ".") {
		m, ok := asMap(current)
		if !ok {
			return nil, false
		}
		next, ok := m[part]
		if !ok || next == nil {
			return nil, false
		}
		current = next
	}
	return current, true
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out, true
	default:
		return nil, false
	}
}

// GetParam looks up a parameter in the job input using a dotted path.
// When the parameter is absent and message is non-empty, a *Error wrapping
// ErrMissingParam is returned; otherwise def is returned.
func (w *Worker) GetParam(name string, def interface{}, message string) (interface{}, error) {
	if v, ok := lookup(w.input, name); ok {
		return v, nil
	}
	if message != "" {
		return nil, newError(ErrMissingParam, message)
	}
	return def, nil
}

// Param is the optional form of GetParam.
func (w *Worker) Param(name string, def interface{}) interface{} {
	v, _ := w.GetParam(name, def, "")
	return v
}

// ParamString returns the parameter coerced to a string.
func (w *Worker) ParamString(name, def string) string {
	v, ok := lookup(w.input, name)
	if !ok {
		return def
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return def
	}
	return s
}

// ParamBool returns the parameter coerced to a bool ("false", 0 and false are false).
func (w *Worker) ParamBool(name string, def bool) bool {
	v, ok := lookup(w.input, name)
	if !ok {
		return def
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return def
	}
	return b
}

// ParamInt returns the parameter coerced to an int.
func (w *Worker) ParamInt(name string, def int) int {
	v, ok := lookup(w.input, name)
	if !ok {
		return def
	}
	i, err := cast.ToIntE(v)
	if err != nil {
		return def
	}
	return i
}

// ParamDuration accepts Go duration strings ("30s") or a number of seconds.
func (w *Worker) ParamDuration(name string, def time.Duration) time.Duration {
	v, ok := lookup(w.input, name)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return time.Duration(n * float64(time.Second))
	case int:
		return time.Duration(n) * time.Second
	}
	d, err := cast.ToDurationE(v)
	if err != nil {
		return def
	}
	return d
}

// DecodeConfig decodes the job's config section into out, which must be a
// pointer to a struct tagged with `mapstructure`.
func (w *Worker) DecodeConfig(out interface{}) error {
	cfg, _ := lookup(w.input, "config")
	if cfg == nil {
		cfg = map[string]interface{}{}
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("failed to create config decoder: %w", err)
	}
	if err := decoder.Decode(cfg); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}
	return nil
}
