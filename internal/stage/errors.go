package stage

import (
	"errors"
	"fmt"
	"strings"
)

// EnvironmentError reports that a stage's base environment is unavailable.
type EnvironmentError struct {
	Stage string
	Ref   string
	Err   error
}

func (e *EnvironmentError) Error() string {
	return fmt.Sprintf("stage %q: base environment %q unavailable: %v", e.Stage, e.Ref, e.Err)
}

func (e *EnvironmentError) Unwrap() error { return e.Err }

// StepFailure reports a step that exited abnormally.
type StepFailure struct {
	Stage    string
	Index    int
	Step     string
	ExitCode int    // -1 when the step never produced an exit status
	Output   []byte // combined stdout and stderr of run steps
	Err      error
}

func (e *StepFailure) Error() string {
	msg := fmt.Sprintf("stage %q step %d (%s) failed", e.Stage, e.Index, e.Step)
	if e.ExitCode > 0 {
		msg += fmt.Sprintf(" with exit code %d", e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if tail := outputTail(e.Output, 5); tail != "" {
		msg += "\n" + tail
	}
	return msg
}

func (e *StepFailure) Unwrap() error { return e.Err }

// DeclarationViolation reports changes outside the declared outputs, or
// declared outputs that were never produced.
type DeclarationViolation struct {
	Stage string
	// Index of the offending step; -1 when the violation is about missing
	// outputs after the last step.
	Index   int
	Paths   []string
	Missing []string
}

func (e *DeclarationViolation) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("stage %q: declared outputs not produced: %s", e.Stage, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("stage %q step %d: touched undeclared paths: %s", e.Stage, e.Index, strings.Join(e.Paths, ", "))
}

// IsEnvironmentError reports whether err wraps an EnvironmentError.
func IsEnvironmentError(err error) bool {
	var e *EnvironmentError
	return errors.As(err, &e)
}

// IsStepFailure reports whether err wraps a StepFailure.
func IsStepFailure(err error) bool {
	var e *StepFailure
	return errors.As(err, &e)
}

// IsDeclarationViolation reports whether err wraps a DeclarationViolation.
func IsDeclarationViolation(err error) bool {
	var e *DeclarationViolation
	return errors.As(err, &e)
}

// outputTail returns the last n non-empty lines of out.
func outputTail(out []byte, n int) string {
	lines := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return ""
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
