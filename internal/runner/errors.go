package runner

import (
	"errors"
	"fmt"
	"time"
)

// ErrCanceled reports a run torn down by an external cancel request.
var ErrCanceled = errors.New("runner: canceled")

// SpawnError means the subprocess never started: binary missing, not
// executable, bad working directory.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("runner: start %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// TimeoutError means the run exceeded its wall-clock limit and the process
// group was terminated.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("runner: timed out after %s", e.After)
}

// ExitError reports a non-zero exit. Tail holds the last output lines for
// error messages; the full log went through the sink.
type ExitError struct {
	Code int
	Tail []string
}

func (e *ExitError) Error() string {
	if len(e.Tail) > 0 {
		return fmt.Sprintf("runner: exited with code %d: %s", e.Code, e.Tail[len(e.Tail)-1])
	}
	return fmt.Sprintf("runner: exited with code %d", e.Code)
}
