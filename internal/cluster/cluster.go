package cluster

import (
	"cmp"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/roach88/stevedore/internal/ident"
	"github.com/roach88/stevedore/internal/ir"
	"github.com/roach88/stevedore/internal/registry"
)

// Operation kinds recorded in the log.
const (
	OpEnsureNamespace   = "ensure-namespace"
	OpApplySecret       = "apply-secret"
	OpApplyService      = "apply-service"
	OpCreateDeployment  = "create-deployment"
	OpRollout           = "rollout"
	OpScale             = "scale"
	OpImportImage       = "import-image"
	OpCreateInstance    = "create-instance"
	OpInstancePhase     = "instance-phase"
	OpRecycleInstance   = "recycle-instance"
	OpRemoveInstance    = "remove-instance"
	OpTerminateOutdated = "terminate-outdated"
)

// Op is one entry of the operation log.
type Op struct {
	Seq    int64  `json:"seq"`
	Kind   string `json:"kind"`
	Object string `json:"object"`
	Detail string `json:"detail,omitempty"`
}

// Secret is a named set of key/value pairs exposed as environment.
type Secret struct {
	Namespace string
	Name      string
	Data      map[string]string
}

// Service exposes a workload's ports.
type Service struct {
	Namespace string
	Name      string
	Ports     []ir.Port
}

// Deployment is the cluster's record of a workload template.
type Deployment struct {
	Template     ir.DesiredState
	TemplateHash string
	Replicas     int
	Revision     int
}

// Key returns "namespace/name".
func (d Deployment) Key() string {
	return d.Template.Key()
}

// Instance is one running copy of a deployment revision.
type Instance struct {
	ID        string   `json:"id"`
	Namespace string   `json:"namespace"`
	Workload  string   `json:"workload"`
	Revision  int      `json:"revision"`
	Image     string   `json:"image"`
	Digest    string   `json:"digest,omitempty"`
	Phase     ir.Phase `json:"phase"`
	Reason    string   `json:"reason,omitempty"`
	Err       error    `json:"-"`
	Seq       int64    `json:"seq"`
}

// BootSpec is what an instance starts with.
type BootSpec struct {
	Image    ir.Image
	Template ir.DesiredState
	// Env holds the referenced secrets in template order.
	Env    []map[string]string
	Logger *slog.Logger
}

// BootFunc runs an instance's startup checks. A nil error makes the
// instance Ready. It is called with the cluster locked and must not call
// back into the cluster.
type BootFunc func(spec BootSpec) error

// Options configures a Cluster.
type Options struct {
	// Name identifies the runtime in errors and logs.
	Name string
	// IDs generates instance IDs. Defaults to "<name>-N".
	IDs ident.Generator
	// Boot defaults to DefaultBoot.
	Boot   BootFunc
	Logger *slog.Logger
}

// Cluster is an in-process runtime.
//
// Thread-safety: all methods are safe for concurrent use.
type Cluster struct {
	name   string
	ids    ident.Generator
	boot   BootFunc
	logger *slog.Logger
	seq    *Sequence

	mu          sync.Mutex
	images      map[string]ir.Image
	namespaces  map[string]bool
	secrets     map[string]Secret
	services    map[string]Service
	deployments map[string]*Deployment
	instances   map[string]*Instance
	ops         []Op
}

// New creates an empty cluster.
func New(opts Options) *Cluster {
	name := opts.Name
	if name == "" {
		name = "local"
	}
	ids := opts.IDs
	if ids == nil {
		ids = ident.NewSequenceGenerator(name)
	}
	boot := opts.Boot
	if boot == nil {
		boot = DefaultBoot
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Cluster{
		name:        name,
		ids:         ids,
		boot:        boot,
		logger:      logger.With("runtime", name),
		seq:         NewSequenceAt(0),
		images:      make(map[string]ir.Image),
		namespaces:  make(map[string]bool),
		secrets:     make(map[string]Secret),
		services:    make(map[string]Service),
		deployments: make(map[string]*Deployment),
		instances:   make(map[string]*Instance),
	}
}

// Name implements registry.RuntimeStore.
func (c *Cluster) Name() string { return c.name }

// Lookup implements registry.RuntimeStore.
func (c *Cluster) Lookup(ref ir.ImageRef) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	img, ok := c.images[ref.String()]
	return img.Digest, ok
}

// Import implements registry.RuntimeStore. A tag already bound to a
// different digest is refused.
func (c *Cluster) Import(img ir.Image) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := img.Ref.String()
	if held, ok := c.images[key]; ok {
		if held.Digest == img.Digest {
			return nil
		}
		return &registry.TagConflictError{Ref: img.Ref, Existing: held.Digest, Attempted: img.Digest, Target: c.name}
	}
	c.images[key] = img
	c.record(OpImportImage, key, img.Digest)
	return nil
}

// Image returns the image held under ref.
func (c *Cluster) Image(ref ir.ImageRef) (ir.Image, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	img, ok := c.images[ref.String()]
	return img, ok
}

// Evict drops an image from the node-local store.
func (c *Cluster) Evict(ref ir.ImageRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.images, ref.String())
}

// EnsureNamespace creates ns if needed and reports whether it did.
func (c *Cluster) EnsureNamespace(ns string) (bool, error) {
	if ns == "" {
		return false, &InvalidObjectError{Kind: "namespace", Key: ns, Reason: "name is empty"}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.namespaces[ns] {
		return false, nil
	}
	c.namespaces[ns] = true
	c.record(OpEnsureNamespace, ns, "")
	return true, nil
}

// HasNamespace reports whether ns exists.
func (c *Cluster) HasNamespace(ns string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.namespaces[ns]
}

// ApplySecret stores s and reports whether its data changed.
func (c *Cluster) ApplySecret(s Secret) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := s.Namespace + "/" + s.Name
	if s.Name == "" {
		return false, &InvalidObjectError{Kind: "secret", Key: key, Reason: "name is empty"}
	}
	if !c.namespaces[s.Namespace] {
		return false, notFound("namespace", s.Namespace)
	}
	if old, ok := c.secrets[key]; ok && maps.Equal(old.Data, s.Data) {
		return false, nil
	}
	c.secrets[key] = Secret{Namespace: s.Namespace, Name: s.Name, Data: maps.Clone(s.Data)}
	c.record(OpApplySecret, key, fmt.Sprintf("%d keys", len(s.Data)))
	return true, nil
}

// Secret returns a copy of the named secret.
func (c *Cluster) Secret(ns, name string) (Secret, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.secrets[ns+"/"+name]
	s.Data = maps.Clone(s.Data)
	return s, ok
}

// ApplyService stores s and reports whether its ports changed.
func (c *Cluster) ApplyService(s Service) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := s.Namespace + "/" + s.Name
	if s.Name == "" {
		return false, &InvalidObjectError{Kind: "service", Key: key, Reason: "name is empty"}
	}
	if !c.namespaces[s.Namespace] {
		return false, notFound("namespace", s.Namespace)
	}
	if old, ok := c.services[key]; ok && slices.Equal(old.Ports, s.Ports) {
		return false, nil
	}
	c.services[key] = Service{Namespace: s.Namespace, Name: s.Name, Ports: slices.Clone(s.Ports)}
	c.record(OpApplyService, key, fmt.Sprintf("%d ports", len(s.Ports)))
	return true, nil
}

// Service returns a copy of the named service.
func (c *Cluster) Service(ns, name string) (Service, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.services[ns+"/"+name]
	s.Ports = slices.Clone(s.Ports)
	return s, ok
}

// Change describes what ApplyDeployment did.
type Change string

const (
	ChangeNone    Change = "none"
	ChangeCreated Change = "created"
	ChangeRollout Change = "rollout"
	ChangeScaled  Change = "scaled"
)

// ApplyDeployment stores the template. A different template hash starts a
// new revision; a replica-only change scales the current one.
func (c *Cluster) ApplyDeployment(d ir.DesiredState) (Change, error) {
	hash, err := d.TemplateHash()
	if err != nil {
		return ChangeNone, err
	}
	if d.Replicas < 0 {
		return ChangeNone, &InvalidObjectError{Kind: "deployment", Key: d.Key(), Reason: "replicas must not be negative"}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.namespaces[d.Namespace] {
		return ChangeNone, notFound("namespace", d.Namespace)
	}

	key := d.Key()
	dep, ok := c.deployments[key]
	var change Change
	switch {
	case !ok:
		dep = &Deployment{Template: d, TemplateHash: hash, Replicas: d.Replicas, Revision: 1}
		c.deployments[key] = dep
		c.record(OpCreateDeployment, key, fmt.Sprintf("revision 1, %d replicas, image %s", d.Replicas, d.Image))
		change = ChangeCreated
	case dep.TemplateHash != hash:
		dep.Template, dep.TemplateHash, dep.Replicas = d, hash, d.Replicas
		dep.Revision++
		c.record(OpRollout, key, fmt.Sprintf("revision %d, %d replicas, image %s", dep.Revision, d.Replicas, d.Image))
		change = ChangeRollout
	case dep.Replicas != d.Replicas:
		c.record(OpScale, key, fmt.Sprintf("%d -> %d", dep.Replicas, d.Replicas))
		dep.Template, dep.Replicas = d, d.Replicas
		change = ChangeScaled
	default:
		return ChangeNone, nil
	}
	c.reconcile(dep)
	return change, nil
}

// Deployment returns a copy of the named deployment.
func (c *Cluster) Deployment(ns, name string) (Deployment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dep, ok := c.deployments[ns+"/"+name]
	if !ok {
		return Deployment{}, false
	}
	return *dep, true
}

// Instances returns the workload's instances in creation order.
func (c *Cluster) Instances(ns, name string) []Instance {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Instance
	for _, inst := range c.ordered() {
		if inst.Namespace == ns && inst.Workload == name {
			out = append(out, *inst)
		}
	}
	return out
}

// Ops returns the operation log after seq.
func (c *Cluster) Ops(after int64) []Op {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, _ := slices.BinarySearchFunc(c.ops, after+1, func(op Op, seq int64) int { return cmp.Compare(op.Seq, seq) })
	return slices.Clone(c.ops[i:])
}

// LastSeq returns the sequence of the latest operation.
func (c *Cluster) LastSeq() int64 {
	return c.seq.Current()
}

// record appends to the log. c.mu must be held.
func (c *Cluster) record(kind, object, detail string) {
	op := Op{Seq: c.seq.Next(), Kind: kind, Object: object, Detail: detail}
	c.ops = append(c.ops, op)
	c.logger.Debug("cluster op", "seq", op.Seq, "kind", kind, "object", object, "detail", detail)
}

// ordered returns instances by creation sequence. c.mu must be held.
func (c *Cluster) ordered() []*Instance {
	out := slices.Collect(maps.Values(c.instances))
	slices.SortFunc(out, func(a, b *Instance) int { return cmp.Compare(a.Seq, b.Seq) })
	return out
}
