package secrets

import (
	"errors"
	"fmt"
	"strings"
)

// MissingSecretError reports a required name with no non-empty value.
type MissingSecretError struct {
	Name string
	// Empty is set when some source had the name but with an empty value.
	Empty bool
}

func (e *MissingSecretError) Error() string {
	if e.Empty {
		return fmt.Sprintf("missing secret %s: value is empty", e.Name)
	}
	return fmt.Sprintf("missing secret %s", e.Name)
}

// InvalidValueError reports a value that does not have the required type.
type InvalidValueError struct {
	Name   string
	Value  string
	Reason string
}

func (e *InvalidValueError) Error() string {
	return fmt.Sprintf("invalid value for %s: %q %s", e.Name, e.Value, e.Reason)
}

// ResolveError aggregates every problem found by one Resolve call.
// Missing and Invalid are sorted by name.
type ResolveError struct {
	Missing []*MissingSecretError
	Invalid []*InvalidValueError
}

func (e *ResolveError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing required values: "+strings.Join(e.MissingNames(), ", "))
	}
	for _, inv := range e.Invalid {
		parts = append(parts, inv.Error())
	}
	return strings.Join(parts, "; ")
}

// Unwrap exposes each individual error to errors.Is and errors.As.
func (e *ResolveError) Unwrap() []error {
	errs := make([]error, 0, len(e.Missing)+len(e.Invalid))
	for _, m := range e.Missing {
		errs = append(errs, m)
	}
	for _, i := range e.Invalid {
		errs = append(errs, i)
	}
	return errs
}

// MissingNames returns the names that did not resolve.
func (e *ResolveError) MissingNames() []string {
	names := make([]string, len(e.Missing))
	for i, m := range e.Missing {
		names[i] = m.Name
	}
	return names
}

// IsMissingSecret reports whether err contains a MissingSecretError.
func IsMissingSecret(err error) bool {
	var e *MissingSecretError
	return errors.As(err, &e)
}

// IsInvalidValue reports whether err contains an InvalidValueError.
func IsInvalidValue(err error) bool {
	var e *InvalidValueError
	return errors.As(err, &e)
}
