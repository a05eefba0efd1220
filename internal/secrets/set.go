package secrets

import (
	"fmt"
	"slices"
	"strconv"
)

// SecretSet is a fully resolved, validated set of values.
type SecretSet struct {
	values map[string]string
}

// Names returns the resolved names in byte order.
func (s SecretSet) Names() []string {
	names := make([]string, 0, len(s.values))
	for n := range s.values {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Len returns the number of resolved values.
func (s SecretSet) Len() int {
	return len(s.values)
}

// Lookup returns the value of name.
func (s SecretSet) Lookup(name string) (string, bool) {
	v, ok := s.values[name]
	return v, ok
}

// String returns the value of name, failing if it was not resolved.
func (s SecretSet) String(name string) (string, error) {
	v, ok := s.values[name]
	if !ok {
		return "", &MissingSecretError{Name: name}
	}
	return v, nil
}

// Int returns the value of name as an integer.
func (s SecretSet) Int(name string) (int, error) {
	v, err := s.String(name)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &InvalidValueError{Name: name, Value: v, Reason: "is not a base-10 integer"}
	}
	return n, nil
}

// Port returns the value of name as a port number in [0, MaxPort).
func (s SecretSet) Port(name string) (int, error) {
	n, err := s.Int(name)
	if err != nil {
		return 0, err
	}
	if n < 0 || n >= MaxPort {
		return 0, &InvalidValueError{Name: name, Value: strconv.Itoa(n), Reason: fmt.Sprintf("is outside the port range [0, %d)", MaxPort)}
	}
	return n, nil
}

// Environ renders the set as NAME=value pairs in name order.
func (s SecretSet) Environ() []string {
	env := make([]string, 0, len(s.values))
	for _, n := range s.Names() {
		env = append(env, n+"="+s.values[n])
	}
	return env
}
