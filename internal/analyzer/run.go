package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Ashfaaq98/analyzerkit/internal/worker"
)

// Outcome summarizes one finished job for callers that archive or publish
// results. Output holds the exact JSON that was written.
type Outcome struct {
	JobID        string            `json:"jobId"`
	Analyzer     string            `json:"analyzer"`
	JobDir       string            `json:"jobDir,omitempty"`
	DataType     string            `json:"dataType"`
	Data         string            `json:"data"`
	Success      bool              `json:"success"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
	Envelope     *Envelope         `json:"-"`
	Output       json.RawMessage   `json:"output"`
	Skipped      []SkippedArtifact `json:"skipped,omitempty"`
	StartedAt    time.Time         `json:"startedAt"`
	FinishedAt   time.Time         `json:"finishedAt"`
}

// Run executes impl against the job described by opts and writes exactly
// one output. Failures are written as the error envelope and also returned
// (wrapping worker.ErrFailed) together with the Outcome.
func Run(ctx context.Context, impl Implementation, opts worker.Options) (*Outcome, error) {
	started := time.Now().UTC()
	a := newAnalyzer(worker.New(opts), impl)

	outcome := &Outcome{
		JobID:     uuid.NewString(),
		JobDir:    opts.JobDir,
		StartedAt: started,
	}
	if opts.Definition != nil {
		outcome.Analyzer = opts.Definition.Name
	}

	runErr := a.execute(ctx)
	if runErr == nil && !a.Reported() {
		runErr = worker.Fail("Analyzer finished without a report")
	}

	var err error
	if runErr != nil {
		outcome.ErrorMessage = failureMessage(runErr)
		err = a.fail(outcome.ErrorMessage, runErr)
	}

	a.fill(outcome)
	return outcome, err
}

func (a *Analyzer) execute(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()

	if err := a.Load(); err != nil {
		return err
	}
	a.resolveAutoExtract()

	if err := ctx.Err(); err != nil {
		return err
	}
	return a.impl.Run(ctx, a)
}

// fail writes the error envelope. When a success report is already out the
// original error is logged and returned as is.
func (a *Analyzer) fail(message string, cause error) error {
	if a.Reported() {
		a.Logger().Printf("Analyzer failed after reporting: %v", cause)
		return cause
	}
	a.Logger().Printf("Analyzer failed: %s", message)
	return a.Error(message)
}

func (a *Analyzer) fill(o *Outcome) {
	o.FinishedAt = time.Now().UTC()
	o.DataType = a.DataType()
	if data, err := a.DataString(); err == nil {
		o.Data = data
	}
	o.Output = json.RawMessage(a.Emitted())
	o.Success = a.Reported() && !a.Failed()
	o.Envelope = a.Envelope()
	o.Skipped = a.Skipped()
}

// failureMessage reports worker errors verbatim and anything else as an
// unexpected error.
func failureMessage(err error) string {
	var werr *worker.Error
	if errors.As(err, &werr) {
		return werr.Message
	}
	return "Unexpected Error: " + err.Error()
}
