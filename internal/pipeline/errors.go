package pipeline

import (
	"errors"
	"fmt"
)

// Build phases reported by BuildError.
const (
	PhaseStage   = "stage"
	PhaseBundle  = "bundle"
	PhasePublish = "publish"
)

// BuildError reports the first failure of a build. Nothing was published.
type BuildError struct {
	Phase string
	Stage string
	// Index of the failing stage; -1 for failures after the last stage.
	Index int
	Err   error
}

func (e *BuildError) Error() string {
	switch e.Phase {
	case PhaseStage:
		return fmt.Sprintf("build failed at stage %d (%q): %v", e.Index, e.Stage, e.Err)
	default:
		return fmt.Sprintf("build failed during %s of stage %q: %v", e.Phase, e.Stage, e.Err)
	}
}

func (e *BuildError) Unwrap() error { return e.Err }

// IsBuildError reports whether err wraps a BuildError.
func IsBuildError(err error) bool {
	var e *BuildError
	return errors.As(err, &e)
}
