// Package manifest renders a workload's desired state as Kubernetes-style
// YAML and reads it back.
//
// The rendered set is a Namespace, one Secret per referenced secret that
// has data, a Deployment and, when the workload has ports, a Service.
// Fields with no Kubernetes equivalent travel as annotations on the
// Deployment.
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/stevedore/internal/ir"
)

// Annotation keys carried on the Deployment.
const (
	AnnotationTemplateHash = "stevedore.io/template-hash"
	AnnotationImageDigest  = "stevedore.io/image-digest"
	AnnotationRequiredEnv  = "stevedore.io/required-env"
	AnnotationNumericEnv   = "stevedore.io/numeric-env"

	appLabel = "app.kubernetes.io/name"
)

// Document is a parsed manifest set.
type Document struct {
	State ir.DesiredState
	// Secrets maps secret name to its data.
	Secrets map[string]map[string]string
}

// ParseError locates a problem in a multi-document manifest.
type ParseError struct {
	Index int
	Kind  string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("manifest document %d (%s): %v", e.Index, e.Kind, e.Err)
	}
	return fmt.Sprintf("manifest document %d: %v", e.Index, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ErrUnsupportedKind is wrapped by ParseError for kinds Parse does not read.
var ErrUnsupportedKind = errors.New("unsupported kind")

// Render writes the manifest set for state. Secrets are rendered in name
// order and only for names state references.
func Render(state ir.DesiredState, secrets map[string]map[string]string) ([]byte, error) {
	hash, err := state.TemplateHash()
	if err != nil {
		return nil, err
	}
	labels := map[string]string{appLabel: state.Name}

	docs := []any{namespaceObject{
		APIVersion: "v1",
		Kind:       "Namespace",
		Metadata:   metadata{Name: state.Namespace},
	}}

	refs := slices.Clone(state.SecretRefs)
	slices.Sort(refs)
	for _, name := range slices.Compact(refs) {
		data, ok := secrets[name]
		if !ok {
			continue
		}
		docs = append(docs, secretObject{
			APIVersion: "v1",
			Kind:       "Secret",
			Metadata:   metadata{Name: name, Namespace: state.Namespace},
			Type:       "Opaque",
			StringData: data,
		})
	}

	annotations := map[string]string{AnnotationTemplateHash: hash}
	if state.ImageDigest != "" {
		annotations[AnnotationImageDigest] = state.ImageDigest
	}
	if len(state.RequiredEnv) > 0 {
		annotations[AnnotationRequiredEnv] = strings.Join(state.RequiredEnv, ",")
	}
	if len(state.NumericEnv) > 0 {
		annotations[AnnotationNumericEnv] = strings.Join(state.NumericEnv, ",")
	}

	c := container{
		Name:            state.Name,
		Image:           state.Image.String(),
		ImagePullPolicy: string(state.PullPolicy),
	}
	for _, p := range state.Ports {
		c.Ports = append(c.Ports, containerPort{Name: p.Name, ContainerPort: p.ContainerPort})
	}
	for _, ref := range state.SecretRefs {
		c.EnvFrom = append(c.EnvFrom, envFrom{SecretRef: secretRef{Name: ref}})
	}
	docs = append(docs, deploymentObject{
		APIVersion: "apps/v1",
		Kind:       "Deployment",
		Metadata:   metadata{Name: state.Name, Namespace: state.Namespace, Labels: labels, Annotations: annotations},
		Spec: deploymentSpec{
			Replicas: state.Replicas,
			Selector: labelSelector{MatchLabels: labels},
			Template: podTemplate{
				Metadata: metadata{Name: state.Name, Labels: labels},
				Spec:     podSpec{Containers: []container{c}},
			},
		},
	})

	if len(state.Ports) > 0 {
		svc := serviceObject{
			APIVersion: "v1",
			Kind:       "Service",
			Metadata:   metadata{Name: state.Name, Namespace: state.Namespace, Labels: labels},
			Spec:       serviceSpec{Selector: labels},
		}
		for _, p := range state.Ports {
			svc.Spec.Ports = append(svc.Spec.Ports, servicePort{Name: p.Name, Port: p.ServicePort, TargetPort: p.ContainerPort})
		}
		docs = append(docs, svc)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	for _, d := range docs {
		if err := enc.Encode(d); err != nil {
			return nil, fmt.Errorf("render manifest: %w", err)
		}
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("render manifest: %w", err)
	}
	return buf.Bytes(), nil
}

// Parse reads a manifest set produced by Render or written by hand in the
// same shape. Exactly one Deployment is required.
func Parse(data []byte) (Document, error) {
	doc := Document{Secrets: map[string]map[string]string{}}
	var (
		deployment *deploymentObject
		service    *serviceObject
		namespace  string
	)

	dec := yaml.NewDecoder(bytes.NewReader(data))
	for i := 0; ; i++ {
		var node yaml.Node
		err := dec.Decode(&node)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Document{}, &ParseError{Index: i, Err: err}
		}
		if isEmpty(&node) {
			continue
		}
		var h header
		if err := node.Decode(&h); err != nil {
			return Document{}, &ParseError{Index: i, Err: err}
		}

		switch h.Kind {
		case "Namespace":
			var ns namespaceObject
			if err := node.Decode(&ns); err != nil {
				return Document{}, &ParseError{Index: i, Kind: h.Kind, Err: err}
			}
			namespace = ns.Metadata.Name
		case "Secret":
			var s secretObject
			if err := node.Decode(&s); err != nil {
				return Document{}, &ParseError{Index: i, Kind: h.Kind, Err: err}
			}
			if s.StringData == nil {
				s.StringData = map[string]string{}
			}
			doc.Secrets[s.Metadata.Name] = s.StringData
		case "Deployment":
			if deployment != nil {
				return Document{}, &ParseError{Index: i, Kind: h.Kind, Err: errors.New("more than one Deployment")}
			}
			deployment = &deploymentObject{}
			if err := node.Decode(deployment); err != nil {
				return Document{}, &ParseError{Index: i, Kind: h.Kind, Err: err}
			}
		case "Service":
			service = &serviceObject{}
			if err := node.Decode(service); err != nil {
				return Document{}, &ParseError{Index: i, Kind: h.Kind, Err: err}
			}
		default:
			return Document{}, &ParseError{Index: i, Kind: h.Kind, Err: ErrUnsupportedKind}
		}
	}

	if deployment == nil {
		return Document{}, errors.New("manifest has no Deployment")
	}
	state, err := fromDeployment(deployment, service)
	if err != nil {
		return Document{}, err
	}
	if state.Namespace == "" {
		state.Namespace = namespace
	}
	doc.State = state
	return doc, nil
}

func fromDeployment(d *deploymentObject, svc *serviceObject) (ir.DesiredState, error) {
	if len(d.Spec.Template.Spec.Containers) != 1 {
		return ir.DesiredState{}, fmt.Errorf("deployment %s: expected one container, found %d", d.Metadata.Name, len(d.Spec.Template.Spec.Containers))
	}
	c := d.Spec.Template.Spec.Containers[0]
	ref, err := ir.ParseImageRef(c.Image)
	if err != nil {
		return ir.DesiredState{}, fmt.Errorf("deployment %s: %w", d.Metadata.Name, err)
	}

	state := ir.DesiredState{
		Namespace:   d.Metadata.Namespace,
		Name:        d.Metadata.Name,
		Image:       ref,
		ImageDigest: d.Metadata.Annotations[AnnotationImageDigest],
		Replicas:    d.Spec.Replicas,
		PullPolicy:  ir.PullPolicy(c.ImagePullPolicy),
		RequiredEnv: splitList(d.Metadata.Annotations[AnnotationRequiredEnv]),
		NumericEnv:  splitList(d.Metadata.Annotations[AnnotationNumericEnv]),
	}
	for _, ef := range c.EnvFrom {
		state.SecretRefs = append(state.SecretRefs, ef.SecretRef.Name)
	}

	servicePorts := map[string]int{}
	if svc != nil {
		for _, p := range svc.Spec.Ports {
			servicePorts[p.Name] = p.Port
		}
	}
	for _, p := range c.Ports {
		state.Ports = append(state.Ports, ir.Port{Name: p.Name, ContainerPort: p.ContainerPort, ServicePort: servicePorts[p.Name]})
	}
	return state, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func isEmpty(n *yaml.Node) bool {
	if n.Kind == yaml.DocumentNode {
		if len(n.Content) == 0 {
			return true
		}
		n = n.Content[0]
	}
	return n.Kind == yaml.ScalarNode && n.Tag == "!!null"
}
