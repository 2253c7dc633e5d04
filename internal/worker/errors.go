package worker

import "errors"

var (
	// ErrMissingParam is wrapped by errors returned for absent required parameters.
	ErrMissingParam = errors.New("missing parameter")

	// ErrNotSupported is wrapped when the job's dataType is not handled by the analyzer.
	ErrNotSupported = errors.New("datatype not supported")

	// ErrFileNotFound is wrapped when a file parameter does not resolve to a file in the input area.
	ErrFileNotFound = errors.New("input file not found")

	// ErrTLPTooHigh and ErrPAPTooHigh are returned by Load when sensitivity checks fail.
	ErrTLPTooHigh = errors.New("tlp too high")
	ErrPAPTooHigh = errors.New("pap too high")

	// ErrFailed is wrapped by the error returned from (*Worker).Error after the
	// failure envelope has been written.
	ErrFailed = errors.New("analyzer failed")

	// ErrAlreadyReported is returned when a worker is asked to emit a second output.
	ErrAlreadyReported = errors.New("output already written")

	// ErrNoInput is returned by Load when neither a job directory nor stdin is available.
	ErrNoInput = errors.New("input file doesn't exist")
)

// Error is a user-facing failure. Its Message is reported verbatim in the
// error envelope.
type Error struct {
	Message string
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind error, message string) *Error {
	return &Error{Message: message, Err: kind}
}

// NotSupported returns the standard error for an unsupported dataType.
func NotSupported() error {
	return newError(ErrNotSupported, "This datatype is not supported by this analyzer.")
}

// Fail returns an error reported verbatim, without the "Unexpected Error" prefix.
func Fail(message string) error {
	return &Error{Message: message}
}
