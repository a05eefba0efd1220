package deploy

import (
	"fmt"
	"regexp"

	"github.com/roach88/stevedore/internal/ir"
	"github.com/roach88/stevedore/internal/registry"
)

var labelRe = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]{0,61}[a-z0-9])?$`)

// Normalize fills defaults: an empty pull policy means Never, since images
// are loaded into the runtime rather than pulled.
func Normalize(d ir.DesiredState) ir.DesiredState {
	if d.PullPolicy == "" {
		d.PullPolicy = ir.PullNever
	}
	return d
}

// Validate checks a desired state and reports every problem at once.
func Validate(d ir.DesiredState) error {
	var problems []Problem
	add := func(field, format string, args ...any) {
		problems = append(problems, Problem{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if !labelRe.MatchString(d.Namespace) {
		add("namespace", "%q is not a valid name", d.Namespace)
	}
	if !labelRe.MatchString(d.Name) {
		add("name", "%q is not a valid name", d.Name)
	}
	if err := registry.ValidateRef(d.Image); err != nil {
		add("image", "%v", err)
	}
	if d.Replicas < 0 {
		add("replicas", "must not be negative, got %d", d.Replicas)
	}
	switch d.PullPolicy {
	case ir.PullNever, ir.PullIfNotPresent, ir.PullAlways:
	default:
		add("pullPolicy", "unknown policy %q", d.PullPolicy)
	}

	seen := map[string]bool{}
	for i, p := range d.Ports {
		field := fmt.Sprintf("ports[%d]", i)
		if p.Name == "" {
			add(field, "name is empty")
		} else if seen[p.Name] {
			add(field, "duplicate port name %q", p.Name)
		}
		seen[p.Name] = true
		if p.ContainerPort < 1 || p.ContainerPort > 65535 {
			add(field, "containerPort %d out of range", p.ContainerPort)
		}
		if p.ServicePort < 1 || p.ServicePort > 65535 {
			add(field, "servicePort %d out of range", p.ServicePort)
		}
	}
	for i, ref := range d.SecretRefs {
		if !labelRe.MatchString(ref) {
			add(fmt.Sprintf("secretRefs[%d]", i), "%q is not a valid name", ref)
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Workload: d.Key(), Problems: problems}
	}
	return nil
}
