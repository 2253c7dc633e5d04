// Package analyzer turns a worker job into an analyzer report: it runs an
// Implementation, composes the success envelope from its optional hooks,
// auto-extracts artifacts from the full report and converts every failure
// into the worker's error envelope.
package analyzer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/cast"

	"github.com/Ashfaaq98/analyzerkit/internal/extractor"
	"github.com/Ashfaaq98/analyzerkit/internal/worker"
)

// Implementation is the analyzer-specific logic. Run must finish by calling
// a.Report (success) or by returning an error (failure).
type Implementation interface {
	Run(ctx context.Context, a *Analyzer) error
}

// RunFunc adapts a function to Implementation.
type RunFunc func(ctx context.Context, a *Analyzer) error

// Run calls f(ctx, a).
func (f RunFunc) Run(ctx context.Context, a *Analyzer) error { return f(ctx, a) }

// Summarizer is implemented by analyzers that provide a short summary,
// usually TaxonomySummary(...).
type Summarizer interface {
	Summary(full interface{}) (map[string]interface{}, error)
}

// ArtifactLister replaces automatic artifact extraction.
type ArtifactLister interface {
	Artifacts(a *Analyzer, full interface{}) ([]Artifact, error)
}

// Operator is implemented by analyzers that request follow-up operations.
type Operator interface {
	Operations(full interface{}) ([]Operation, error)
}

// Analyzer is handed to an Implementation. It embeds the worker so
// parameters, TLP/PAP and the HTTP client are available directly.
type Analyzer struct {
	*worker.Worker

	impl        Implementation
	autoExtract bool

	mu       sync.Mutex
	skipped  []SkippedArtifact
	envelope *Envelope
}

func newAnalyzer(w *worker.Worker, impl Implementation) *Analyzer {
	return &Analyzer{Worker: w, impl: impl, autoExtract: true}
}

// resolveAutoExtract reads config.auto_extract, falling back to the legacy
// config.auto_extract_artifacts key and then to true. The first key present
// decides; a value that is not a bool leaves extraction on.
func (a *Analyzer) resolveAutoExtract() {
	a.autoExtract = true
	for _, key := range []string{"config.auto_extract", "config.auto_extract_artifacts"} {
		v := a.Param(key, nil)
		if v == nil {
			continue
		}
		b, err := cast.ToBoolE(v)
		if err != nil {
			a.Logger().Printf("Ignoring %s=%v: not a bool", key, v)
			return
		}
		a.autoExtract = b
		return
	}
}

// AutoExtract reports whether artifacts are extracted from the full report.
func (a *Analyzer) AutoExtract() bool { return a.autoExtract }

// GetParam behaves like the worker's GetParam, except that for file jobs
// run from a job directory the "file" parameter resolves to the path of the
// file under <job>/input. A file that is not there fails with
// worker.ErrFileNotFound.
func (a *Analyzer) GetParam(name string, def interface{}, message string) (interface{}, error) {
	v, err := a.Worker.GetParam(name, def, message)
	if err != nil || v == nil || name != "file" || a.DataType() != DataTypeFile || a.JobDir() == "" {
		return v, err
	}

	path := filepath.Join(a.JobDir(), "input", fmt.Sprint(v))
	if info, statErr := os.Stat(path); statErr == nil && !info.IsDir() {
		return path, nil
	}
	return nil, &worker.Error{
		Message: fmt.Sprintf("File not found: %v", v),
		Err:     worker.ErrFileNotFound,
	}
}

// GetData returns the observable: the original file name for file jobs,
// the data field otherwise.
func (a *Analyzer) GetData() (interface{}, error) {
	if a.DataType() == DataTypeFile {
		return a.GetParam("filename", nil, "Missing filename.")
	}
	return a.Worker.GetData()
}

// DataString returns GetData formatted as a string.
func (a *Analyzer) DataString() (string, error) {
	v, err := a.GetData()
	if err != nil {
		return "", err
	}
	return fmt.Sprint(v), nil
}

// FilePath returns the local path of the job's file observable.
func (a *Analyzer) FilePath() (string, error) {
	v, err := a.GetParam("file", nil, "Missing file field")
	if err != nil {
		return "", err
	}
	return fmt.Sprint(v), nil
}

// ExtractArtifacts returns the observables found in full as artifacts,
// excluding the job's own observable. It returns an empty list when
// auto-extraction is disabled.
func (a *Analyzer) ExtractArtifacts(full interface{}) []Artifact {
	if !a.autoExtract {
		return []Artifact{}
	}

	ignore := ""
	if data, err := a.GetData(); err == nil && data != nil {
		ignore = fmt.Sprint(data)
	}

	found := extractor.New(ignore).CheckIterable(full)
	out := make([]Artifact, 0, len(found))
	for _, obs := range found {
		out = append(out, Artifact{DataType: obs.DataType, Data: obs.Data})
	}
	return out
}
