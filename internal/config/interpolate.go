package config

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var placeholderRe = regexp.MustCompile(`\$\$\{|\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// Placeholder is one ${...} reference in the template.
type Placeholder struct {
	Path       string
	Name       string
	HasDefault bool
	Default    string
}

// UnresolvedError reports a placeholder with no value and no default.
type UnresolvedError struct {
	Path string
	Name string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("%s: unresolved placeholder ${%s}", e.Path, e.Name)
}

// InterpolationError aggregates every UnresolvedError of one pass.
type InterpolationError struct {
	Unresolved []*UnresolvedError
}

func (e *InterpolationError) Error() string {
	msgs := make([]string, len(e.Unresolved))
	for i, u := range e.Unresolved {
		msgs[i] = u.Error()
	}
	return strings.Join(msgs, "; ")
}

// Unwrap exposes each UnresolvedError.
func (e *InterpolationError) Unwrap() []error {
	errs := make([]error, len(e.Unresolved))
	for i, u := range e.Unresolved {
		errs[i] = u
	}
	return errs
}

// IsUnresolved reports whether err contains an UnresolvedError.
func IsUnresolved(err error) bool {
	var e *UnresolvedError
	return errors.As(err, &e)
}

// Placeholders lists every reference in the template, ordered by path.
func (t *Template) Placeholders() []Placeholder {
	var out []Placeholder
	walk(t.tree, "", func(path, s string) {
		for _, m := range placeholderRe.FindAllStringSubmatch(s, -1) {
			if m[0] == "$${" {
				continue
			}
			out = append(out, Placeholder{Path: path, Name: m[1], HasDefault: m[2] != "", Default: m[3]})
		}
	})
	slices.SortStableFunc(out, func(a, b Placeholder) int { return strings.Compare(a.Path, b.Path) })
	return out
}

// RequiredNames lists the placeholder names without a default, sorted and
// without duplicates. These must all resolve before the workload starts.
func (t *Template) RequiredNames() []string {
	var names []string
	for _, p := range t.Placeholders() {
		if !p.HasDefault {
			names = append(names, p.Name)
		}
	}
	slices.Sort(names)
	return slices.Compact(names)
}

// Interpolate expands every placeholder through lookup. All unresolved
// placeholders are reported together as an *InterpolationError.
func (t *Template) Interpolate(lookup func(name string) (string, bool)) (*Config, error) {
	var ierr InterpolationError
	tree := expand(t.tree, "", lookup, &ierr).(map[string]any)
	if len(ierr.Unresolved) > 0 {
		slices.SortStableFunc(ierr.Unresolved, func(a, b *UnresolvedError) int { return strings.Compare(a.Path, b.Path) })
		return nil, &ierr
	}
	return &Config{tree: tree}, nil
}

func expand(v any, path string, lookup func(string) (string, bool), ierr *InterpolationError) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, child := range x {
			out[k] = expand(child, join(path, k), lookup, ierr)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, child := range x {
			out[i] = expand(child, path+"["+strconv.Itoa(i)+"]", lookup, ierr)
		}
		return out
	case string:
		return expandString(x, path, lookup, ierr)
	default:
		return v
	}
}

func expandString(s, path string, lookup func(string) (string, bool), ierr *InterpolationError) any {
	matches := placeholderRe.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		last = m[1]
		if s[m[0]:m[1]] == "$${" {
			b.WriteString("${")
			continue
		}
		name := s[m[2]:m[3]]
		v, ok := lookup(name)
		if v == "" {
			ok = false
		}
		if !ok && m[4] >= 0 {
			v, ok = s[m[6]:m[7]], true
		}
		if !ok {
			ierr.Unresolved = append(ierr.Unresolved, &UnresolvedError{Path: path, Name: name})
			continue
		}
		b.WriteString(v)
	}
	b.WriteString(s[last:])
	out := b.String()

	whole := len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) && s != "$${"
	if whole {
		return retype(out)
	}
	return out
}

// retype applies YAML scalar resolution to a value that replaced a whole
// placeholder, so "5432" becomes 5432 and "true" becomes true.
func retype(s string) any {
	var node yaml.Node
	if err := yaml.Unmarshal([]byte(s), &node); err != nil || len(node.Content) != 1 {
		return s
	}
	scalar := node.Content[0]
	if scalar.Kind != yaml.ScalarNode || scalar.Style != 0 {
		return s
	}
	var v any
	if err := scalar.Decode(&v); err != nil || v == nil {
		return s
	}
	return v
}

func walk(v any, path string, visit func(path, s string)) {
	switch x := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			walk(x[k], join(path, k), visit)
		}
	case []any:
		for i, child := range x {
			walk(child, path+"["+strconv.Itoa(i)+"]", visit)
		}
	case string:
		visit(path, x)
	}
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}
