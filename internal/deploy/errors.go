package deploy

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/stevedore/internal/ir"
)

// Problem is one validation failure of a desired state.
type Problem struct {
	Field   string
	Message string
}

// ValidationError lists everything wrong with a desired state.
type ValidationError struct {
	Workload string
	Problems []Problem
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		msgs[i] = p.Field + ": " + p.Message
	}
	return fmt.Sprintf("invalid desired state for %s: %s", e.Workload, strings.Join(msgs, "; "))
}

// StaleTagError reports that the runtime already holds different content
// under the desired tag. Applying would run the cached image.
type StaleTagError struct {
	Workload string
	Ref      ir.ImageRef
	Runtime  string
	Held     string
	Desired  string
}

func (e *StaleTagError) Error() string {
	return fmt.Sprintf("workload %s: runtime %s holds %s as %s but %s was requested; mint a new tag",
		e.Workload, e.Runtime, e.Ref, short(e.Held), short(e.Desired))
}

// ReconciliationTimeoutError reports an attempt that did not converge in
// time.
type ReconciliationTimeoutError struct {
	Workload string
	Attempt  int
	Elapsed  time.Duration
	Ready    int
	Replicas int
}

func (e *ReconciliationTimeoutError) Error() string {
	return fmt.Sprintf("workload %s: attempt %d not ready after %s (%d/%d ready)",
		e.Workload, e.Attempt, e.Elapsed, e.Ready, e.Replicas)
}

// ApplyError reports an apply that exhausted its retry budget. Instances
// that were Ready before the apply are left running.
type ApplyError struct {
	Workload string
	Attempts int
	Err      error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply %s failed after %d attempts: %v", e.Workload, e.Attempts, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// IsStaleTag reports whether err is a *StaleTagError.
func IsStaleTag(err error) bool {
	var e *StaleTagError
	return errors.As(err, &e)
}

// IsReconciliationTimeout reports whether err contains a
// *ReconciliationTimeoutError.
func IsReconciliationTimeout(err error) bool {
	var e *ReconciliationTimeoutError
	return errors.As(err, &e)
}

// IsApplyError reports whether err is an *ApplyError.
func IsApplyError(err error) bool {
	var e *ApplyError
	return errors.As(err, &e)
}

func short(digest string) string {
	if i := strings.IndexByte(digest, ':'); i >= 0 && len(digest) > i+13 {
		return digest[:i+13]
	}
	return digest
}
