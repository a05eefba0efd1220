package cluster

import (
	"fmt"
	"slices"

	"github.com/roach88/stevedore/internal/ir"
)

// Observe advances every instance by one lifecycle step, then brings each
// deployment's instance set toward its desired revision and replica count.
func (c *Cluster) Observe() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, inst := range c.ordered() {
		switch inst.Phase {
		case ir.PhaseTerminating:
			delete(c.instances, inst.ID)
			c.record(OpRemoveInstance, inst.ID, "")
		case ir.PhasePending:
			if err := c.pull(inst); err != nil {
				c.fail(inst, err)
				continue
			}
			c.setPhase(inst, ir.PhaseStarting, "")
		case ir.PhaseStarting:
			if err := c.start(inst); err != nil {
				c.fail(inst, err)
				continue
			}
			c.setPhase(inst, ir.PhaseReady, "")
		}
	}

	keys := make([]string, 0, len(c.deployments))
	for k := range c.deployments {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		c.reconcile(c.deployments[k])
	}
}

// Recycle terminates a failed instance; its replacement is created at once.
func (c *Cluster) Recycle(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	inst, ok := c.instances[id]
	if !ok {
		return notFound("instance", id)
	}
	if inst.Phase != ir.PhaseFailed {
		return fmt.Errorf("recycle %s: instance is %s, not %s", id, inst.Phase, ir.PhaseFailed)
	}
	inst.Phase = ir.PhaseTerminating
	c.record(OpRecycleInstance, id, inst.Reason)
	if dep, ok := c.deployments[inst.Namespace+"/"+inst.Workload]; ok {
		c.reconcile(dep)
	}
	return nil
}

// pull checks the node-local store against the pull policy.
func (c *Cluster) pull(inst *Instance) error {
	dep := c.deployments[inst.Namespace+"/"+inst.Workload]
	img, ok := c.images[inst.Image]
	if ok {
		inst.Digest = img.Digest
		return nil
	}
	if dep != nil && dep.Template.PullPolicy == ir.PullNever {
		return fmt.Errorf("%s: %w", inst.Image, ErrImageNotPresent)
	}
	return fmt.Errorf("pull %s: %w", inst.Image, ErrRegistryUnreachable)
}

// start runs the boot check with the referenced secrets as environment.
func (c *Cluster) start(inst *Instance) error {
	dep, ok := c.deployments[inst.Namespace+"/"+inst.Workload]
	if !ok {
		return notFound("deployment", inst.Namespace+"/"+inst.Workload)
	}
	img, ok := c.images[inst.Image]
	if !ok {
		return fmt.Errorf("%s: %w", inst.Image, ErrImageNotPresent)
	}
	spec := BootSpec{Image: img, Template: dep.Template, Logger: c.logger.With("instance", inst.ID)}
	for _, ref := range dep.Template.SecretRefs {
		s, ok := c.secrets[inst.Namespace+"/"+ref]
		if !ok {
			return notFound("secret", inst.Namespace+"/"+ref)
		}
		spec.Env = append(spec.Env, s.Data)
	}
	return c.boot(spec)
}

func (c *Cluster) setPhase(inst *Instance, phase ir.Phase, reason string) {
	inst.Phase, inst.Reason = phase, reason
	c.record(OpInstancePhase, inst.ID, string(phase))
}

func (c *Cluster) fail(inst *Instance, err error) {
	inst.Err = &InstanceError{ID: inst.ID, Err: err}
	c.logger.Warn("instance failed", "instance", inst.ID, "workload", inst.Namespace+"/"+inst.Workload, "error", err)
	c.setPhase(inst, ir.PhaseFailed, err.Error())
}

// reconcile creates or terminates instances of dep. c.mu must be held.
func (c *Cluster) reconcile(dep *Deployment) {
	key := dep.Key()
	var current, outdated []*Instance
	for _, inst := range c.ordered() {
		if inst.Namespace+"/"+inst.Workload != key || inst.Phase == ir.PhaseTerminating {
			continue
		}
		if inst.Revision == dep.Revision {
			current = append(current, inst)
		} else {
			outdated = append(outdated, inst)
		}
	}

	// Outdated instances that are not serving are stopped at once.
	for _, inst := range outdated {
		if inst.Phase != ir.PhaseReady {
			c.terminate(inst, "superseded")
		}
	}

	switch {
	case len(current) < dep.Replicas:
		for range dep.Replicas - len(current) {
			current = append(current, c.create(dep))
		}
	case len(current) > dep.Replicas:
		// Least useful first: failed, then not yet started, newest first.
		slices.SortStableFunc(current, func(a, b *Instance) int {
			if ra, rb := phaseRank(a.Phase), phaseRank(b.Phase); ra != rb {
				return ra - rb
			}
			return int(b.Seq - a.Seq)
		})
		for _, inst := range current[:len(current)-dep.Replicas] {
			c.terminate(inst, "scaled down")
		}
		current = current[len(current)-dep.Replicas:]
	}

	ready := 0
	for _, inst := range current {
		if inst.Phase == ir.PhaseReady {
			ready++
		}
	}
	if ready < dep.Replicas {
		return
	}
	for _, inst := range outdated {
		if inst.Phase == ir.PhaseReady {
			c.terminate(inst, "replaced")
		}
	}
}

func (c *Cluster) create(dep *Deployment) *Instance {
	inst := &Instance{
		ID:        c.ids.Generate(),
		Namespace: dep.Template.Namespace,
		Workload:  dep.Template.Name,
		Revision:  dep.Revision,
		Image:     dep.Template.Image.String(),
		Phase:     ir.PhasePending,
	}
	inst.Seq = c.seq.Next()
	c.instances[inst.ID] = inst
	c.ops = append(c.ops, Op{Seq: inst.Seq, Kind: OpCreateInstance, Object: inst.ID, Detail: fmt.Sprintf("%s revision %d", dep.Key(), dep.Revision)})
	return inst
}

func (c *Cluster) terminate(inst *Instance, why string) {
	inst.Phase = ir.PhaseTerminating
	c.record(OpTerminateOutdated, inst.ID, why)
}

func phaseRank(p ir.Phase) int {
	switch p {
	case ir.PhaseFailed:
		return 0
	case ir.PhasePending:
		return 1
	case ir.PhaseStarting:
		return 2
	default:
		return 3
	}
}

// Status summarizes a deployment's rollout.
type Status struct {
	Namespace string     `json:"namespace"`
	Name      string     `json:"name"`
	Revision  int        `json:"revision"`
	Replicas  int        `json:"replicas"`
	Ready     int        `json:"ready"`
	Updated   int        `json:"updated"`
	Outdated  int        `json:"outdated"`
	Serving   int        `json:"serving"`
	Failed    []Instance `json:"failed,omitempty"`
}

// Converged reports whether exactly the desired replicas of the current
// revision are Ready and nothing older remains.
func (s Status) Converged() bool {
	return s.Ready == s.Replicas && s.Updated == s.Replicas && s.Outdated == 0
}

// Status reports the named deployment.
func (c *Cluster) Status(ns, name string) (Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := ns + "/" + name
	dep, ok := c.deployments[key]
	if !ok {
		return Status{}, notFound("deployment", key)
	}
	st := Status{Namespace: ns, Name: name, Revision: dep.Revision, Replicas: dep.Replicas}
	for _, inst := range c.ordered() {
		if inst.Namespace != ns || inst.Workload != name {
			continue
		}
		if inst.Phase == ir.PhaseReady {
			st.Serving++
		}
		if inst.Revision != dep.Revision {
			st.Outdated++
			continue
		}
		switch inst.Phase {
		case ir.PhaseTerminating:
			continue
		case ir.PhaseReady:
			st.Ready++
		case ir.PhaseFailed:
			st.Failed = append(st.Failed, *inst)
		}
		st.Updated++
	}
	return st, nil
}
