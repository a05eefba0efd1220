package cluster

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for objects the cluster does not hold.
	ErrNotFound = errors.New("not found")

	// ErrImageNotPresent means the pull policy forbids pulling and the
	// image is not in the node-local store.
	ErrImageNotPresent = errors.New("image not present in runtime and pull policy is Never")

	// ErrRegistryUnreachable means the runtime tried to pull. The runtime
	// has no registry access, so every pull fails.
	ErrRegistryUnreachable = errors.New("registry unreachable")
)

// InvalidObjectError rejects a malformed object before it is stored.
type InvalidObjectError struct {
	Kind   string
	Key    string
	Reason string
}

func (e *InvalidObjectError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Kind, e.Key, e.Reason)
}

// InstanceError explains why an instance failed.
type InstanceError struct {
	ID  string
	Err error
}

func (e *InstanceError) Error() string {
	return fmt.Sprintf("instance %s: %v", e.ID, e.Err)
}

func (e *InstanceError) Unwrap() error { return e.Err }

func notFound(kind, key string) error {
	return fmt.Errorf("%s %s: %w", kind, key, ErrNotFound)
}
