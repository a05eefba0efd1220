// Package secrets resolves the named values a workload needs at startup.
//
// Resolution fails closed: a required name without a non-empty value is a
// MissingSecretError, and a value declared numeric that does not parse is
// an InvalidValueError. Resolve never returns a partially populated set,
// and no value is ever coerced to a placeholder number.
package secrets

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// MaxPort is the exclusive upper bound of a port number.
const MaxPort = 65536

// Provider resolves names against its sources in order; the first source
// with a non-empty value wins.
type Provider struct {
	Sources []Source
	// Numeric names must hold base-10 integers.
	Numeric []string
	// Ports must hold integers in [0, MaxPort). Names that are PORT or
	// end in _PORT are ports even when not listed.
	Ports []string
}

// IsPortName reports whether name is conventionally a port.
func IsPortName(name string) bool {
	return name == "PORT" || strings.HasSuffix(name, "_PORT")
}

// Lookup returns the first non-empty value for name.
func (p *Provider) Lookup(name string) (string, bool) {
	for _, s := range p.Sources {
		if v, ok := s.Lookup(name); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

// Resolve returns a SecretSet holding every required name, or a
// *ResolveError listing every missing and invalid one.
func (p *Provider) Resolve(required []string) (SecretSet, error) {
	names := slices.Clone(required)
	slices.Sort(names)
	names = slices.Compact(names)

	var (
		values = make(map[string]string, len(names))
		rerr   ResolveError
	)
	for _, name := range names {
		v, ok := p.Lookup(name)
		if !ok {
			rerr.Missing = append(rerr.Missing, &MissingSecretError{Name: name, Empty: p.seenEmpty(name)})
			continue
		}
		if err := p.check(name, v); err != nil {
			rerr.Invalid = append(rerr.Invalid, err)
			continue
		}
		values[name] = v
	}
	if len(rerr.Missing) > 0 || len(rerr.Invalid) > 0 {
		return SecretSet{}, &rerr
	}
	return SecretSet{values: values}, nil
}

func (p *Provider) seenEmpty(name string) bool {
	for _, s := range p.Sources {
		if _, ok := s.Lookup(name); ok {
			return true
		}
	}
	return false
}

func (p *Provider) check(name, value string) *InvalidValueError {
	port := IsPortName(name) || slices.Contains(p.Ports, name)
	if !port && !slices.Contains(p.Numeric, name) {
		return nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return &InvalidValueError{Name: name, Value: value, Reason: "is not a base-10 integer"}
	}
	if port && (n < 0 || n >= MaxPort) {
		return &InvalidValueError{Name: name, Value: value, Reason: fmt.Sprintf("is outside the port range [0, %d)", MaxPort)}
	}
	return nil
}
