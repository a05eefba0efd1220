package config

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

// ErrNoValue is returned for a path that is absent from the configuration.
var ErrNoValue = errors.New("no value")

// TypeError reports a value that does not have the requested type.
type TypeError struct {
	Path  string
	Want  string
	Value any
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("%s: expected %s, got %T %v", e.Path, e.Want, e.Value, e.Value)
}

// IsTypeError reports whether err is a *TypeError.
func IsTypeError(err error) bool {
	var e *TypeError
	return errors.As(err, &e)
}

// SchemaError reports a configuration that does not satisfy a CUE schema.
type SchemaError struct {
	Err error
}

func (e *SchemaError) Error() string { return "config schema: " + e.Err.Error() }
func (e *SchemaError) Unwrap() error { return e.Err }

// Config is a fully interpolated configuration tree.
type Config struct {
	tree map[string]any
}

// FromMap wraps an already resolved tree.
func FromMap(tree map[string]any) *Config {
	if tree == nil {
		tree = map[string]any{}
	}
	return &Config{tree: tree}
}

// Get returns the value at a dotted path such as "backend.listen.port".
func (c *Config) Get(path string) (any, bool) {
	var cur any = c.tree
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// String returns the scalar at path rendered as a string.
func (c *Config) String(path string) (string, error) {
	v, ok := c.Get(path)
	if !ok {
		return "", fmt.Errorf("%s: %w", path, ErrNoValue)
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case int, int64, uint64, bool, float64:
		return fmt.Sprint(x), nil
	default:
		return "", &TypeError{Path: path, Want: "scalar", Value: v}
	}
}

// Int returns the integer at path. Strings are accepted when they are a
// base-10 integer; floats and anything else are a *TypeError.
func (c *Config) Int(path string) (int, error) {
	v, ok := c.Get(path)
	if !ok {
		return 0, fmt.Errorf("%s: %w", path, ErrNoValue)
	}
	switch x := v.(type) {
	case int:
		return x, nil
	case int64:
		if x >= math.MinInt && x <= math.MaxInt {
			return int(x), nil
		}
	case uint64:
		if x <= math.MaxInt {
			return int(x), nil
		}
	case string:
		if n, err := strconv.Atoi(x); err == nil {
			return n, nil
		}
	}
	return 0, &TypeError{Path: path, Want: "integer", Value: v}
}

// Map returns the mapping at path.
func (c *Config) Map(path string) (map[string]any, error) {
	v, ok := c.Get(path)
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrNoValue)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, &TypeError{Path: path, Want: "mapping", Value: v}
	}
	return m, nil
}

// Tree returns the underlying tree. Callers must not modify it.
func (c *Config) Tree() map[string]any {
	return c.tree
}

// YAML renders the configuration with sorted keys.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c.tree)
}

// ValidateSchema unifies the configuration with a CUE schema and requires
// the result to be concrete.
func ValidateSchema(cfg *Config, schema []byte) error {
	ctx := cuecontext.New()
	s := ctx.CompileBytes(schema, cue.Filename("config-schema.cue"))
	if err := s.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	v := ctx.Encode(cfg.tree)
	if err := v.Err(); err != nil {
		return &SchemaError{Err: err}
	}
	if err := s.Unify(v).Validate(cue.Concrete(true)); err != nil {
		return &SchemaError{Err: err}
	}
	return nil
}
