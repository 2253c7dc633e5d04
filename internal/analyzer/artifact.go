package analyzer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// DataTypeFile is the dataType of file observables and file artifacts.
const DataTypeFile = "file"

var (
	// ErrArtifactSourceMissing is returned by BuildArtifact when a file
	// artifact's source does not exist. The artifact is skipped, not fatal.
	ErrArtifactSourceMissing = errors.New("artifact source file not found")

	// ErrNoOutputArea is returned when a file artifact is requested but the
	// job has no output directory.
	ErrNoOutputArea = errors.New("no artifact output area configured")
)

// Artifact is an observable attached to a report. File artifacts carry the
// output-area handle in File and the original base name in Filename; other
// artifacts carry the value in Data. Extra attributes (tags, message, tlp...)
// are flattened into the JSON object.
type Artifact struct {
	DataType string
	Data     string
	File     string
	Filename string
	Extra    map[string]interface{}
}

// MarshalJSON flattens Extra next to the canonical keys; canonical keys win.
func (a Artifact) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{}, len(a.Extra)+3)
	for k, v := range a.Extra {
		m[k] = v
	}
	m["dataType"] = a.DataType
	if a.DataType == DataTypeFile {
		m["file"] = a.File
		m["filename"] = a.Filename
		delete(m, "data")
	} else {
		m["data"] = a.Data
	}
	return marshalFlat(m)
}

// SkippedArtifact records a file artifact that could not be attached.
type SkippedArtifact struct {
	Source string `json:"source"`
	Reason string `json:"reason"`
}

// BuildArtifact creates an artifact record. For dataType "file", data is a
// path: the file is copied into the output area under a fresh random name
// and made read-only. A missing source returns ErrArtifactSourceMissing and
// is recorded as skipped.
func (a *Analyzer) BuildArtifact(dataType, data string, extra map[string]interface{}) (Artifact, error) {
	art := Artifact{DataType: dataType, Extra: copyExtra(extra)}
	if dataType != DataTypeFile {
		art.Data = data
		return art, nil
	}

	info, err := os.Stat(data)
	if err != nil || info.IsDir() {
		a.skip(data, "source file does not exist")
		return Artifact{}, fmt.Errorf("%w: %s", ErrArtifactSourceMissing, data)
	}

	dir := a.OutputDir()
	if dir == "" {
		a.skip(data, "no output area")
		return Artifact{}, ErrNoOutputArea
	}

	name, err := copyToOutput(data, dir)
	if err != nil {
		a.skip(data, err.Error())
		return Artifact{}, err
	}

	art.File = name
	art.Filename = filepath.Base(data)
	return art, nil
}

func copyExtra(extra map[string]interface{}) map[string]interface{} {
	if len(extra) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(extra))
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// copyToOutput streams src into a new, exclusively created file in dir and
// strips write permission from it. It returns the new file's base name.
func copyToOutput(src, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory %s: %w", dir, err)
	}

	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("failed to open artifact source: %w", err)
	}
	defer in.Close()

	name := uuid.NewString()
	path := filepath.Join(dir, name)
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to create artifact file: %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(path)
		return "", fmt.Errorf("failed to copy artifact: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to close artifact file: %w", err)
	}

	if err := os.Chmod(path, 0444); err != nil {
		return "", fmt.Errorf("failed to make artifact read-only: %w", err)
	}
	return name, nil
}

func (a *Analyzer) skip(source, reason string) {
	a.mu.Lock()
	a.skipped = append(a.skipped, SkippedArtifact{Source: source, Reason: reason})
	a.mu.Unlock()
	a.Logger().Printf("Skipping artifact %s: %s", source, reason)
}

// Skipped returns the file artifacts that could not be attached so far.
func (a *Analyzer) Skipped() []SkippedArtifact {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]SkippedArtifact, len(a.skipped))
	copy(out, a.skipped)
	return out
}
