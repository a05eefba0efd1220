package registry

import (
	"errors"
	"fmt"

	"github.com/roach88/stevedore/internal/ir"
)

// ErrNotFound is returned when a reference is not bound to any image.
var ErrNotFound = errors.New("image not found")

// TagConflictError reports a tag already bound to different content.
// Callers must mint a new tag.
type TagConflictError struct {
	Ref       ir.ImageRef
	Existing  string
	Attempted string
	// Target names the runtime store when the conflict was found there
	// rather than in the registry.
	Target string
}

func (e *TagConflictError) Error() string {
	where := "registry"
	if e.Target != "" {
		where = "runtime " + e.Target
	}
	return fmt.Sprintf("tag conflict: %s is bound to %s in %s, refusing %s; publish under a new tag",
		e.Ref, short(e.Existing), where, short(e.Attempted))
}

// IsTagConflict reports whether err wraps a TagConflictError.
func IsTagConflict(err error) bool {
	var e *TagConflictError
	return errors.As(err, &e)
}

// InvalidRefError reports a malformed or mutable image reference.
type InvalidRefError struct {
	Ref    ir.ImageRef
	Reason string
}

func (e *InvalidRefError) Error() string {
	return fmt.Sprintf("invalid image reference %q: %s", e.Ref.String(), e.Reason)
}

func short(digest string) string {
	if len(digest) > 12 {
		return digest[:12]
	}
	return digest
}
