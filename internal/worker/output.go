package worker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"unicode/utf16"
	"unicode/utf8"
)

// redactedKeys are config entries replaced in the echoed input of error envelopes.
var redactedKeys = []string{"password", "key", "apikey", "api_key"}

func encodeJSON(v interface{}, ensureASCII bool) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	out := bytes.TrimRight(buf.Bytes(), "\n")
	if ensureASCII {
		out = escapeNonASCII(out)
	}
	return out, nil
}

// escapeNonASCII rewrites every non-ASCII rune as a \u escape. Such runes can
// only occur inside JSON strings, so the document stays valid.
func escapeNonASCII(data []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(len(data))
	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		data = data[size:]
		if r < utf8.RuneSelf {
			buf.WriteByte(byte(r))
			continue
		}
		if r > 0xFFFF {
			hi, lo := utf16.EncodeRune(r)
			fmt.Fprintf(&buf, `\u%04x\u%04x`, hi, lo)
			continue
		}
		fmt.Fprintf(&buf, `\u%04x`, r)
	}
	return buf.Bytes()
}

// redactInput returns a copy of input with secret config values removed.
func redactInput(input map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(input))
	for k, v := range input {
		out[k] = v
	}

	cfg, ok := input["config"].(map[string]interface{})
	if !ok {
		return out
	}
	cfgCopy := make(map[string]interface{}, len(cfg))
	for k, v := range cfg {
		cfgCopy[k] = v
	}
	for _, key := range redactedKeys {
		if _, ok := cfgCopy[key]; ok {
			cfgCopy[key] = "REMOVED"
		}
	}
	out["config"] = cfgCopy
	return out
}
