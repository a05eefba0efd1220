// Package deploy reconciles a runtime toward a workload's desired state.
//
// Apply compares desired and observed state, issues the minimal set of
// mutations, then polls until the current revision is fully Ready. Failed
// instances are recycled against a bounded retry budget; when the budget
// runs out the apply fails and whatever was serving before keeps serving.
package deploy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/roach88/stevedore/internal/cluster"
	"github.com/roach88/stevedore/internal/ir"
	"github.com/roach88/stevedore/internal/manifest"
	"github.com/roach88/stevedore/internal/store"
)

// Runtime is the cluster surface the manager reads and mutates.
type Runtime interface {
	Name() string
	Lookup(ref ir.ImageRef) (string, bool)
	HasNamespace(ns string) bool
	EnsureNamespace(ns string) (bool, error)
	Secret(ns, name string) (cluster.Secret, bool)
	ApplySecret(s cluster.Secret) (bool, error)
	Service(ns, name string) (cluster.Service, bool)
	ApplyService(s cluster.Service) (bool, error)
	Deployment(ns, name string) (cluster.Deployment, bool)
	ApplyDeployment(d ir.DesiredState) (cluster.Change, error)
	Observe()
	Status(ns, name string) (cluster.Status, error)
	Recycle(id string) error
}

// WorkloadStore persists applied desired states.
type WorkloadStore interface {
	SaveWorkload(ctx context.Context, rec store.WorkloadRecord) error
}

// OpKind names a mutation issued by Apply.
type OpKind string

const (
	OpEnsureNamespace OpKind = "EnsureNamespace"
	OpApplySecret     OpKind = "ApplySecret"
	OpApplyService    OpKind = "ApplyService"
	OpApplyDeployment OpKind = "ApplyDeployment"
)

// Op is one planned mutation.
type Op struct {
	Kind   OpKind `json:"kind"`
	Object string `json:"object"`
	Detail string `json:"detail,omitempty"`
}

func (o Op) String() string {
	if o.Detail != "" {
		return fmt.Sprintf("%s %s (%s)", o.Kind, o.Object, o.Detail)
	}
	return fmt.Sprintf("%s %s", o.Kind, o.Object)
}

// Result reports what an apply did.
type Result struct {
	Workload string   `json:"workload"`
	Ops      []Op     `json:"ops"`
	NoOp     bool     `json:"no_op"`
	Ready    bool     `json:"ready"`
	Attempts int      `json:"attempts"`
	Revision int      `json:"revision"`
	Recycled []string `json:"recycled,omitempty"`
}

// Options configures a Manager.
type Options struct {
	// Store, when set, records every apply.
	Store WorkloadStore
	// Policy defaults to DefaultPolicy when zero.
	Policy Policy
	Clock  Clock
	Logger *slog.Logger
}

// Manager applies desired states to one runtime.
//
// Thread-safety: applies to different workloads run concurrently; applies
// to the same workload are serialized.
type Manager struct {
	rt     Runtime
	store  WorkloadStore
	policy Policy
	clock  Clock
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a manager for rt.
func New(rt Runtime, opts Options) *Manager {
	policy := DefaultPolicy()
	if opts.Policy != (Policy{}) {
		policy = opts.Policy.withDefaults()
	}
	clock := opts.Clock
	if clock == nil {
		clock = realClock{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		rt:     rt,
		store:  opts.Store,
		policy: policy,
		clock:  clock,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

// Apply drives the runtime to desired.
func (m *Manager) Apply(ctx context.Context, desired ir.DesiredState) (Result, error) {
	return m.ApplyDocument(ctx, manifest.Document{State: desired})
}

// ApplyDocument applies a desired state together with the data of the
// secrets it references.
func (m *Manager) ApplyDocument(ctx context.Context, doc manifest.Document) (Result, error) {
	d := Normalize(doc.State)
	res := Result{Workload: d.Key()}
	if err := Validate(d); err != nil {
		return res, err
	}

	lock := m.lockFor(d.Key())
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("apply %s: %w", d.Key(), err)
	}

	ops, err := m.Plan(d, doc.Secrets)
	if err != nil {
		return res, err
	}
	hash := d.MustTemplateHash()
	m.save(ctx, d, hash, store.WorkloadApplying, "", 0)

	logger := m.logger.With("workload", d.Key(), "image", d.Image.String())
	for _, op := range ops {
		if err := m.execute(d, doc.Secrets, op); err != nil {
			m.save(ctx, d, hash, store.WorkloadFailed, err.Error(), 0)
			return res, fmt.Errorf("apply %s: %s: %w", d.Key(), op, err)
		}
		res.Ops = append(res.Ops, op)
		logger.Info("applied", "op", string(op.Kind), "object", op.Object)
	}

	if len(ops) == 0 {
		if st, err := m.rt.Status(d.Namespace, d.Name); err == nil && st.Converged() {
			res.NoOp, res.Ready, res.Revision = true, true, st.Revision
			logger.Info("no changes", "revision", st.Revision)
			m.save(ctx, d, hash, store.WorkloadReady, "unchanged", st.Revision)
			return res, nil
		}
	}

	err = m.wait(ctx, d, &res, logger)
	res.NoOp = len(res.Ops) == 0 && len(res.Recycled) == 0
	switch {
	case err == nil:
		logger.Info("ready", "revision", res.Revision, "attempts", res.Attempts)
		m.save(ctx, d, hash, store.WorkloadReady, "", res.Revision)
	case ctx.Err() != nil:
		m.save(context.WithoutCancel(ctx), d, hash, store.WorkloadApplying, "interrupted", res.Revision)
	default:
		m.save(ctx, d, hash, store.WorkloadFailed, err.Error(), res.Revision)
	}
	return res, err
}

// Plan returns the mutations that would bring the runtime to d.
func (m *Manager) Plan(d ir.DesiredState, secrets map[string]map[string]string) ([]Op, error) {
	key := d.Key()
	if d.ImageDigest != "" {
		if held, ok := m.rt.Lookup(d.Image); ok && held != d.ImageDigest {
			return nil, &StaleTagError{Workload: key, Ref: d.Image, Runtime: m.rt.Name(), Held: held, Desired: d.ImageDigest}
		}
	}

	var ops []Op
	if !m.rt.HasNamespace(d.Namespace) {
		ops = append(ops, Op{Kind: OpEnsureNamespace, Object: d.Namespace})
	}

	refs := slices.Clone(d.SecretRefs)
	slices.Sort(refs)
	for _, name := range slices.Compact(refs) {
		data, ok := secrets[name]
		if !ok {
			continue
		}
		if held, ok := m.rt.Secret(d.Namespace, name); ok && maps.Equal(held.Data, data) {
			continue
		}
		ops = append(ops, Op{Kind: OpApplySecret, Object: d.Namespace + "/" + name, Detail: fmt.Sprintf("%d keys", len(data))})
	}

	if len(d.Ports) > 0 {
		if svc, ok := m.rt.Service(d.Namespace, d.Name); !ok || !slices.Equal(svc.Ports, d.Ports) {
			ops = append(ops, Op{Kind: OpApplyService, Object: key})
		}
	}

	dep, ok := m.rt.Deployment(d.Namespace, d.Name)
	switch {
	case !ok:
		ops = append(ops, Op{Kind: OpApplyDeployment, Object: key, Detail: "create"})
	case dep.TemplateHash != d.MustTemplateHash():
		ops = append(ops, Op{Kind: OpApplyDeployment, Object: key, Detail: "rollout"})
	case dep.Replicas != d.Replicas:
		ops = append(ops, Op{Kind: OpApplyDeployment, Object: key, Detail: fmt.Sprintf("scale %d -> %d", dep.Replicas, d.Replicas)})
	}
	return ops, nil
}

func (m *Manager) execute(d ir.DesiredState, secrets map[string]map[string]string, op Op) error {
	var err error
	switch op.Kind {
	case OpEnsureNamespace:
		_, err = m.rt.EnsureNamespace(d.Namespace)
	case OpApplySecret:
		name := op.Object[len(d.Namespace)+1:]
		_, err = m.rt.ApplySecret(cluster.Secret{Namespace: d.Namespace, Name: name, Data: secrets[name]})
	case OpApplyService:
		_, err = m.rt.ApplyService(cluster.Service{Namespace: d.Namespace, Name: d.Name, Ports: d.Ports})
	case OpApplyDeployment:
		_, err = m.rt.ApplyDeployment(d)
	default:
		err = fmt.Errorf("unknown op %q", op.Kind)
	}
	return err
}

// wait polls until d's current revision converges, recycling failed
// instances within the retry budget.
func (m *Manager) wait(ctx context.Context, d ir.DesiredState, res *Result, logger *slog.Logger) error {
	p := m.policy
	key := d.Key()
	res.Attempts = 1
	retries := 0
	delay := p.Initial
	started := m.clock.Now()

	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("apply %s interrupted: %w", key, err)
		}

		m.rt.Observe()
		st, err := m.rt.Status(d.Namespace, d.Name)
		if err != nil {
			return fmt.Errorf("apply %s: %w", key, err)
		}
		res.Revision = st.Revision
		if st.Converged() {
			res.Ready = true
			return nil
		}
		logger.Debug("waiting", "ready", st.Ready, "replicas", st.Replicas, "outdated", st.Outdated, "delay", delay)

		now := m.clock.Now()
		switch {
		case len(st.Failed) > 0:
			for _, inst := range st.Failed {
				if retries >= p.RetryBudget {
					return &ApplyError{Workload: key, Attempts: res.Attempts, Err: inst.Err}
				}
				retries++
				logger.Warn("recycling failed instance", "instance", inst.ID, "reason", inst.Reason, "retry", retries)
				if err := m.rt.Recycle(inst.ID); err != nil {
					return fmt.Errorf("apply %s: %w", key, err)
				}
				res.Recycled = append(res.Recycled, inst.ID)
			}
			res.Attempts++
			started, delay = now, p.Initial
		case now.Sub(started) > p.AttemptTimeout:
			terr := &ReconciliationTimeoutError{
				Workload: key,
				Attempt:  res.Attempts,
				Elapsed:  now.Sub(started),
				Ready:    st.Ready,
				Replicas: st.Replicas,
			}
			if retries >= p.RetryBudget {
				return &ApplyError{Workload: key, Attempts: res.Attempts, Err: terr}
			}
			retries++
			logger.Warn("attempt timed out", "attempt", res.Attempts, "elapsed", terr.Elapsed)
			res.Attempts++
			started, delay = now, p.Initial
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("apply %s interrupted: %w", key, ctx.Err())
		case <-m.clock.After(delay):
		}
		delay = p.next(delay)
	}
}

func (m *Manager) save(ctx context.Context, d ir.DesiredState, hash string, status store.WorkloadStatus, msg string, revision int) {
	if m.store == nil {
		return
	}
	rec := store.WorkloadRecord{Desired: d, TemplateHash: hash, Status: status, Message: msg, Revision: int64(revision)}
	if err := m.store.SaveWorkload(ctx, rec); err != nil {
		m.logger.Warn("failed to record workload", "workload", d.Key(), "error", err)
	}
}

func (m *Manager) lockFor(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}
