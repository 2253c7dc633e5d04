package worker

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeJob lays out {dir}/input/input.json and returns dir.
func writeJob(t *testing.T, input map[string]interface{}) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "input"), 0755))
	data, err := json.Marshal(input)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "input", "input.json"), data, 0644))
	return dir
}

func stdinWorker(t *testing.T, input string, opts Options) (*Worker, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	opts.Stdin = strings.NewReader(input)
	opts.Stdout = &out
	return New(opts), &out
}

func TestLoadFromJobDir(t *testing.T) {
	dir := writeJob(t, map[string]interface{}{
		"dataType": "ip",
		"data":     "8.8.8.8",
		"tlp":      1,
		"config": map[string]interface{}{
			"proxy": map[string]interface{}{"https": "http://proxy.local:3128"},
		},
	})

	w := New(Options{JobDir: dir})
	require.NoError(t, w.Load())

	assert.Equal(t, "ip", w.DataType())
	assert.Equal(t, 1, w.TLP())
	assert.Equal(t, 2, w.PAP())
	assert.Equal(t, filepath.Join(dir, "output"), w.OutputDir())

	data, err := w.GetData()
	require.NoError(t, err)
	assert.Equal(t, "8.8.8.8", data)
	assert.Equal(t, "http://proxy.local:3128", w.ParamString("config.proxy.https", ""))
}

func TestLoadMissingInputFile(t *testing.T) {
	w := New(Options{JobDir: t.TempDir()})
	err := w.Load()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoInput))
	assert.Equal(t, "Input file doesn't exist", err.Error())
}

func TestLoadMissingDataType(t *testing.T) {
	w, _ := stdinWorker(t, `{"data": "x"}`, Options{})
	err := w.Load()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingParam))
	assert.Equal(t, "Missing dataType field", err.Error())
}

func TestGetParam(t *testing.T) {
	w, _ := stdinWorker(t, `{
		"dataType": "domain",
		"data": "example.com",
		"config": {"username": "bob", "nested": {"depth": 3}, "empty": null, "flag": "false"}
	}`, Options{})
	require.NoError(t, w.Load())

	v, err := w.GetParam("config.username", nil, "")
	require.NoError(t, err)
	assert.Equal(t, "bob", v)

	assert.Equal(t, 3, w.ParamInt("config.nested.depth", 0))
	assert.Equal(t, "fallback", w.Param("config.missing", "fallback"))
	assert.Equal(t, "fallback", w.Param("config.empty", "fallback"), "null counts as absent")
	assert.Equal(t, "fallback", w.Param("config.username.deeper", "fallback"), "scalar has no children")
	assert.False(t, w.ParamBool("config.flag", true))

	_, err = w.GetParam("config.password", nil, "Missing password")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingParam))
	assert.Equal(t, "Missing password", err.Error())
}

func TestParamDuration(t *testing.T) {
	w, _ := stdinWorker(t, `{"dataType": "ip", "config": {"a": "1m30s", "b": 5}}`, Options{})
	require.NoError(t, w.Load())

	assert.Equal(t, 90*time.Second, w.ParamDuration("config.a", 0))
	assert.Equal(t, 5*time.Second, w.ParamDuration("config.b", 0))
	assert.Equal(t, time.Hour, w.ParamDuration("config.c", time.Hour))
}

func TestTLPCheck(t *testing.T) {
	w, _ := stdinWorker(t, `{"dataType": "ip", "tlp": 3, "config": {"check_tlp": true, "max_tlp": 2}}`, Options{})
	err := w.Load()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTLPTooHigh))
	assert.Equal(t, "TLP is higher than allowed.", err.Error())

	w, _ = stdinWorker(t, `{"dataType": "ip", "tlp": 3, "config": {"check_tlp": false, "max_tlp": 2}}`, Options{})
	assert.NoError(t, w.Load())
}

func TestPAPCheck(t *testing.T) {
	w, _ := stdinWorker(t, `{"dataType": "ip", "pap": 3, "config": {"check_pap": true, "max_pap": 1}}`, Options{})
	err := w.Load()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPAPTooHigh))
}

const testDefinition = `
name: Example
version: "1.0"
author: analyst
license: AGPL-V3
description: example analyzer
dataTypeList: ["ip", "domain"]
configurationItems:
  - name: key
    description: API key
    type: string
    required: true
  - name: timeout
    type: number
    defaultValue: 30
`

func TestDefinition(t *testing.T) {
	fsys := fstest.MapFS{"example.yaml": &fstest.MapFile{Data: []byte(testDefinition)}}
	def, err := LoadDefinition(fsys, "example.yaml")
	require.NoError(t, err)
	assert.Equal(t, "Example", def.Name)
	assert.True(t, def.Supports("domain"))
	assert.False(t, def.Supports("file"))

	t.Run("Unsupported", func(t *testing.T) {
		w, _ := stdinWorker(t, `{"dataType": "file", "config": {"key": "k"}}`, Options{Definition: def})
		err := w.Load()
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNotSupported))
		assert.Equal(t, "This datatype is not supported by this analyzer.", err.Error())
	})

	t.Run("RequiredMissing", func(t *testing.T) {
		w, _ := stdinWorker(t, `{"dataType": "ip"}`, Options{Definition: def})
		err := w.Load()
		require.Error(t, err)
		assert.Equal(t, "Missing configuration item: key", err.Error())
	})

	t.Run("Defaults", func(t *testing.T) {
		w, _ := stdinWorker(t, `{"dataType": "ip", "config": {"key": "k"}}`, Options{Definition: def})
		require.NoError(t, w.Load())
		assert.Equal(t, 30, w.ParamInt("config.timeout", 0))
	})

	t.Run("BaseConfigSatisfiesRequired", func(t *testing.T) {
		w, _ := stdinWorker(t, `{"dataType": "ip"}`, Options{
			Definition: def,
			BaseConfig: map[string]interface{}{"key": "from-file"},
		})
		require.NoError(t, w.Load())
		assert.Equal(t, "from-file", w.ParamString("config.key", ""))
	})
}

func TestParseDefinitionRejectsUnknownKeys(t *testing.T) {
	_, err := ParseDefinition([]byte("name: x\ndataTypeList: [ip]\nbogus: 1\n"))
	assert.Error(t, err)

	_, err = ParseDefinition([]byte("name: x\n"))
	assert.Error(t, err)
}

func TestBaseConfigJobWins(t *testing.T) {
	w, _ := stdinWorker(t, `{"dataType": "ip", "config": {"region": "eu"}}`, Options{
		BaseConfig: map[string]interface{}{"region": "us", "retries": 3},
	})
	require.NoError(t, w.Load())
	assert.Equal(t, "eu", w.ParamString("config.region", ""))
	assert.Equal(t, 3, w.ParamInt("config.retries", 0))
}

func TestDecodeConfig(t *testing.T) {
	w, _ := stdinWorker(t, `{"dataType": "ip", "config": {"url": "https://misp.local", "max_results": "25", "timeout": "10s"}}`, Options{})
	require.NoError(t, w.Load())

	var cfg struct {
		URL        string        `mapstructure:"url"`
		MaxResults int           `mapstructure:"max_results"`
		Timeout    time.Duration `mapstructure:"timeout"`
	}
	require.NoError(t, w.DecodeConfig(&cfg))
	assert.Equal(t, "https://misp.local", cfg.URL)
	assert.Equal(t, 25, cfg.MaxResults)
	assert.Equal(t, 10*time.Second, cfg.Timeout)
}

func TestReportToJobDir(t *testing.T) {
	dir := writeJob(t, map[string]interface{}{"dataType": "ip", "data": "1.1.1.1"})
	w := New(Options{JobDir: dir})
	require.NoError(t, w.Load())

	require.NoError(t, w.Report(map[string]interface{}{"success": true, "full": "<ok>"}, false))
	assert.True(t, w.Reported())
	assert.False(t, w.Failed())

	data, err := os.ReadFile(filepath.Join(dir, "output", "output.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"success": true, "full": "<ok>"}`, string(data))
	assert.Contains(t, string(data), "<ok>", "HTML characters are not escaped")

	err = w.Report(map[string]interface{}{"success": true}, false)
	assert.ErrorIs(t, err, ErrAlreadyReported)
}

func TestReportEncoding(t *testing.T) {
	w, out := stdinWorker(t, `{"dataType": "ip"}`, Options{})
	require.NoError(t, w.Load())
	require.NoError(t, w.Report(map[string]string{"city": "Zürich", "emoji": "😀"}, false))
	assert.Contains(t, out.String(), "Zürich")

	w, out = stdinWorker(t, `{"dataType": "ip"}`, Options{})
	require.NoError(t, w.Load())
	require.NoError(t, w.Report(map[string]string{"city": "Zürich", "emoji": "😀"}, true))
	assert.Contains(t, out.String(), `Z\u00fcrich`)
	assert.Contains(t, out.String(), `\ud83d\ude00`)
	assert.NotContains(t, out.String(), "ü")

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	assert.Equal(t, "Zürich", decoded["city"])
	assert.Equal(t, "😀", decoded["emoji"])
}

func TestErrorEnvelope(t *testing.T) {
	w, out := stdinWorker(t, `{"dataType": "ip", "data": "1.2.3.4", "config": {"key": "secret", "api_key": "secret", "user": "bob"}}`, Options{})
	require.NoError(t, w.Load())

	err := w.Error("Something broke")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFailed))
	assert.True(t, w.Failed())

	var envelope struct {
		Success      bool                   `json:"success"`
		ErrorMessage string                 `json:"errorMessage"`
		Input        map[string]interface{} `json:"input"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &envelope))
	assert.False(t, envelope.Success)
	assert.Equal(t, "Something broke", envelope.ErrorMessage)

	cfg := envelope.Input["config"].(map[string]interface{})
	assert.Equal(t, "REMOVED", cfg["key"])
	assert.Equal(t, "REMOVED", cfg["api_key"])
	assert.Equal(t, "bob", cfg["user"])

	assert.Equal(t, "secret", w.ParamString("config.key", ""), "redaction works on a copy")
}

func TestErrorBeforeLoad(t *testing.T) {
	w, out := stdinWorker(t, `not json`, Options{})
	loadErr := w.Load()
	require.Error(t, loadErr)

	err := w.Error(loadErr.Error())
	require.Error(t, err)
	assert.Contains(t, out.String(), `"success":false`)
}

func TestHTTPClientProxy(t *testing.T) {
	w, _ := stdinWorker(t, `{"dataType": "url", "config": {"proxy": {"http": "http://p1:8080", "https": "http://p2:8443"}}}`, Options{})
	require.NoError(t, w.Load())

	client := w.HTTPClient(5 * time.Second)
	assert.Equal(t, 5*time.Second, client.Timeout)

	transport := client.Transport.(*http.Transport)
	req, _ := http.NewRequest(http.MethodGet, "https://example.com", nil)
	proxy, err := transport.Proxy(req)
	require.NoError(t, err)
	assert.Equal(t, "p2:8443", proxy.Host)

	req, _ = http.NewRequest(http.MethodGet, "http://example.com", nil)
	proxy, err = transport.Proxy(req)
	require.NoError(t, err)
	assert.Equal(t, "p1:8080", proxy.Host)
}
