package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	inputFileName  = "input.json"
	outputFileName = "output.json"

	defaultTLP = 2
	defaultPAP = 2
)

// Options configures where a Worker reads its job and writes its output.
type Options struct {
	// JobDir holds input/input.json and receives output/output.json.
	// When empty the job is read from Stdin and the output goes to Stdout.
	JobDir string

	// OutputDir overrides the artifact output area (default JobDir/output).
	OutputDir string

	Stdin  io.Reader
	Stdout io.Writer

	// Definition, when set, restricts data types and supplies config defaults.
	Definition *Definition

	// BaseConfig is merged under the job's config section; job values win.
	BaseConfig map[string]interface{}

	Logger *log.Logger
}

// Worker parses one job description and owns its single output.
type Worker struct {
	opts   Options
	logger *log.Logger

	input    map[string]interface{}
	dataType string
	tlp      int
	pap      int

	httpProxy  string
	httpsProxy string

	mu      sync.Mutex
	emitted []byte
	failed  bool
}

// New creates a worker. No I/O happens until Load.
func New(opts Options) *Worker {
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.OutputDir == "" && opts.JobDir != "" {
		opts.OutputDir = filepath.Join(opts.JobDir, "output")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	return &Worker{
		opts:   opts,
		logger: logger,
		input:  make(map[string]interface{}),
		tlp:    defaultTLP,
		pap:    defaultPAP,
	}
}

// Load reads the job input and validates dataType, definition and TLP/PAP.
func (w *Worker) Load() error {
	input, err := w.readInput()
	if err != nil {
		return err
	}
	w.input = input
	w.mergeBaseConfig()

	dataType, err := w.GetParam("dataType", nil, "Missing dataType field")
	if err != nil {
		return err
	}
	w.dataType = fmt.Sprint(dataType)

	w.tlp = w.ParamInt("tlp", defaultTLP)
	w.pap = w.ParamInt("pap", defaultPAP)

	if def := w.opts.Definition; def != nil {
		if !def.Supports(w.dataType) {
			return NotSupported()
		}
		if err := def.applyConfig(w.config()); err != nil {
			return err
		}
	}

	if w.ParamBool("config.check_tlp", false) && w.tlp > w.ParamInt("config.max_tlp", defaultTLP) {
		return newError(ErrTLPTooHigh, "TLP is higher than allowed.")
	}
	if w.ParamBool("config.check_pap", false) && w.pap > w.ParamInt("config.max_pap", defaultPAP) {
		return newError(ErrPAPTooHigh, "PAP is higher than allowed.")
	}

	w.httpProxy = w.ParamString("config.proxy.http", "")
	w.httpsProxy = w.ParamString("config.proxy.https", "")

	w.logger.Printf("Loaded job (dataType=%s, tlp=%d, pap=%d)", w.dataType, w.tlp, w.pap)
	return nil
}

func (w *Worker) readInput() (map[string]interface{}, error) {
	var r io.Reader = w.opts.Stdin
	if w.opts.JobDir != "" {
		path := filepath.Join(w.opts.JobDir, "input", inputFileName)
		f, err := os.Open(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, newError(ErrNoInput, "Input file doesn't exist")
			}
			return nil, fmt.Errorf("failed to open input file: %w", err)
		}
		defer f.Close()
		r = f
	}

	var input map[string]interface{}
	if err := json.NewDecoder(r).Decode(&input); err != nil {
		return nil, newError(ErrNoInput, fmt.Sprintf("Invalid input: %v", err))
	}
	if input == nil {
		input = make(map[string]interface{})
	}
	return input, nil
}

// config returns the job's config map, creating it if absent.
func (w *Worker) config() map[string]interface{} {
	if cfg, ok := w.input["config"].(map[string]interface{}); ok {
		return cfg
	}
	cfg := make(map[string]interface{})
	w.input["config"] = cfg
	return cfg
}

func (w *Worker) mergeBaseConfig() {
	if len(w.opts.BaseConfig) == 0 {
		return
	}
	cfg := w.config()
	for k, v := range w.opts.BaseConfig {
		if existing, ok := cfg[k]; ok && existing != nil {
			continue
		}
		cfg[k] = normalizeYAML(v)
	}
}

// DataType returns the job's dataType.
func (w *Worker) DataType() string { return w.dataType }

// TLP returns the job's traffic light protocol level.
func (w *Worker) TLP() int { return w.tlp }

// PAP returns the job's permissible actions protocol level.
func (w *Worker) PAP() int { return w.pap }

// JobDir returns the job directory, or "" in stdin mode.
func (w *Worker) JobDir() string { return w.opts.JobDir }

// OutputDir returns the artifact output area, or "" when none is configured.
func (w *Worker) OutputDir() string { return w.opts.OutputDir }

// Logger returns the worker's logger.
func (w *Worker) Logger() *log.Logger { return w.logger }

// GetData returns the observable value of the job.
func (w *Worker) GetData() (interface{}, error) {
	return w.GetParam("data", nil, "Missing data field")
}

// HTTPClient returns a client that honours config.proxy.http and
// config.proxy.https, falling back to the environment.
func (w *Worker) HTTPClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if w.httpProxy != "" || w.httpsProxy != "" {
		transport.Proxy = w.proxyFor
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}

func (w *Worker) proxyFor(req *http.Request) (*url.URL, error) {
	raw := w.httpProxy
	if req.URL.Scheme == "https" {
		raw = w.httpsProxy
	}
	if raw == "" {
		return nil, nil
	}
	return url.Parse(raw)
}

// Report writes v as the job's output. HTML characters are not escaped and
// non-ASCII text is kept literal unless ensureASCII is set.
func (w *Worker) Report(v interface{}, ensureASCII bool) error {
	data, err := encodeJSON(v, ensureASCII)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return w.emit(data, false)
}

// Error writes the failure envelope and returns an error wrapping ErrFailed.
// Secrets in the echoed input's config are replaced by "REMOVED".
func (w *Worker) Error(message string) error {
	envelope := map[string]interface{}{
		"success":      false,
		"input":        redactInput(w.input),
		"errorMessage": message,
	}
	data, err := encodeJSON(envelope, false)
	if err != nil {
		return fmt.Errorf("failed to encode error report: %w", err)
	}
	if err := w.emit(data, true); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrFailed, message)
}

func (w *Worker) emit(data []byte, failed bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.emitted != nil {
		return ErrAlreadyReported
	}

	if w.opts.JobDir != "" {
		dir := filepath.Join(w.opts.JobDir, "output")
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory %s: %w", dir, err)
		}
		if err := os.WriteFile(filepath.Join(dir, outputFileName), data, 0644); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
	} else {
		if _, err := w.opts.Stdout.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
	}

	w.emitted = data
	w.failed = failed
	return nil
}

// Emitted returns the raw JSON output, or nil if nothing was written yet.
func (w *Worker) Emitted() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.emitted
}

// Reported reports whether an output (success or failure) has been written.
func (w *Worker) Reported() bool {
	return w.Emitted() != nil
}

// Failed reports whether the written output is a failure envelope.
func (w *Worker) Failed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failed
}
