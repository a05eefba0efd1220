package registry

import (
	"regexp"

	"github.com/roach88/stevedore/internal/ir"
)

var (
	nameRe = regexp.MustCompile(`^[a-z0-9]+(?:[._-][a-z0-9]+)*(?::[0-9]+)?(?:/[a-z0-9]+(?:[._-][a-z0-9]+)*)*$`)
	tagRe  = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]{0,127}$`)
)

// MutableTag is refused everywhere: a runtime that caches by tag would
// keep serving whatever it first saw under it.
const MutableTag = "latest"

// ValidateRef checks ref is a well-formed, immutable reference.
func ValidateRef(ref ir.ImageRef) error {
	switch {
	case ref.Name == "":
		return &InvalidRefError{Ref: ref, Reason: "name is empty"}
	case !nameRe.MatchString(ref.Name):
		return &InvalidRefError{Ref: ref, Reason: "name must be lowercase alphanumerics separated by '.', '_', '-' or '/'"}
	case ref.Tag == "":
		return &InvalidRefError{Ref: ref, Reason: "tag is empty; every build needs its own tag"}
	case ref.Tag == MutableTag:
		return &InvalidRefError{Ref: ref, Reason: `tag "latest" is mutable; mint a unique tag per build`}
	case !tagRe.MatchString(ref.Tag):
		return &InvalidRefError{Ref: ref, Reason: "tag must match [A-Za-z0-9_][A-Za-z0-9_.-]{0,127}"}
	}
	return nil
}
