package deploy

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/stevedore/internal/cluster"
	"github.com/roach88/stevedore/internal/ident"
	"github.com/roach88/stevedore/internal/ir"
	"github.com/roach88/stevedore/internal/manifest"
	"github.com/roach88/stevedore/internal/secrets"
	"github.com/roach88/stevedore/internal/store"
	"github.com/roach88/stevedore/internal/testutil"
)

const appConfig = `
backend:
  listen:
    port: ${PORT}
  database:
    connection:
      host: ${POSTGRES_HOST}
      port: ${POSTGRES_PORT}
      user: ${POSTGRES_USER}
      password: ${POSTGRES_PASSWORD}
`

func image(tag, digest string) ir.Image {
	return ir.Image{
		Ref:         ir.ImageRef{Name: "backstage", Tag: tag},
		Digest:      digest,
		ConfigFiles: []ir.ConfigFile{{Name: "app-config.yaml", Data: []byte(appConfig)}},
	}
}

func desired(tag string, replicas int) ir.DesiredState {
	return ir.DesiredState{
		Namespace:  "backstage",
		Name:       "backstage",
		Image:      ir.ImageRef{Name: "backstage", Tag: tag},
		Replicas:   replicas,
		Ports:      []ir.Port{{Name: "http", ContainerPort: 7007, ServicePort: 80}},
		SecretRefs: []string{"postgres-secrets"},
		PullPolicy: ir.PullNever,
	}
}

func secretData() map[string]map[string]string {
	return map[string]map[string]string{"postgres-secrets": {
		"PORT":              "7007",
		"POSTGRES_HOST":     "db",
		"POSTGRES_PORT":     "5432",
		"POSTGRES_USER":     "backstage",
		"POSTGRES_PASSWORD": "pw",
	}}
}

type fixture struct {
	cluster *cluster.Cluster
	clock   *testutil.FakeClock
	store   *store.Store
	manager *Manager
}

func newFixture(t *testing.T, policy Policy) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	c := cluster.New(cluster.Options{Name: "kind", IDs: ident.NewSequenceGenerator("pod"), Logger: testutil.Logger()})
	clock := testutil.NewFakeClock()
	return &fixture{
		cluster: c,
		clock:   clock,
		store:   st,
		manager: New(c, Options{Store: st, Policy: policy, Clock: clock, Logger: testutil.Logger()}),
	}
}

func doc(d ir.DesiredState) manifest.Document {
	return manifest.Document{State: d, Secrets: secretData()}
}

func kinds(ops []Op) []OpKind {
	out := make([]OpKind, len(ops))
	for i, op := range ops {
		out[i] = op.Kind
	}
	return out
}

func TestApply_ReachesReadyThenIdempotent(t *testing.T) {
	f := newFixture(t, Policy{})
	ctx := context.Background()
	require.NoError(t, f.cluster.Import(image("v1", "sha256:aaa")))

	res, err := f.manager.ApplyDocument(ctx, doc(desired("v1", 1)))
	require.NoError(t, err)
	assert.True(t, res.Ready)
	assert.False(t, res.NoOp)
	assert.Equal(t, 1, res.Revision)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, []OpKind{OpEnsureNamespace, OpApplySecret, OpApplyService, OpApplyDeployment}, kinds(res.Ops))

	before := f.cluster.LastSeq()
	res, err = f.manager.ApplyDocument(ctx, doc(desired("v1", 1)))
	require.NoError(t, err)
	assert.True(t, res.NoOp)
	assert.True(t, res.Ready)
	assert.Empty(t, res.Ops)
	assert.Equal(t, before, f.cluster.LastSeq(), "no-op apply must not touch the runtime")

	rec, err := f.store.GetWorkload(ctx, "backstage", "backstage")
	require.NoError(t, err)
	assert.Equal(t, store.WorkloadReady, rec.Status)
	assert.Equal(t, int64(1), rec.Revision)

	events, err := f.store.WorkloadEvents(ctx, "backstage", "backstage")
	require.NoError(t, err)
	assert.Len(t, events, 4)
}

func TestApply_SameReferenceNoRestart(t *testing.T) {
	f := newFixture(t, Policy{})
	ctx := context.Background()
	require.NoError(t, f.cluster.Import(image("v1", "sha256:aaa")))

	_, err := f.manager.ApplyDocument(ctx, doc(desired("v1", 1)))
	require.NoError(t, err)
	pods := f.cluster.Instances("backstage", "backstage")

	// Dropping the secret data from the request does not change the template.
	res, err := f.manager.Apply(ctx, desired("v1", 1))
	require.NoError(t, err)
	assert.True(t, res.NoOp)
	assert.Equal(t, pods, f.cluster.Instances("backstage", "backstage"))
}

func TestApply_NewTagRollsOut(t *testing.T) {
	f := newFixture(t, Policy{})
	ctx := context.Background()
	require.NoError(t, f.cluster.Import(image("v1", "sha256:aaa")))
	require.NoError(t, f.cluster.Import(image("v2", "sha256:bbb")))

	_, err := f.manager.ApplyDocument(ctx, doc(desired("v1", 2)))
	require.NoError(t, err)

	res, err := f.manager.ApplyDocument(ctx, doc(desired("v2", 2)))
	require.NoError(t, err)
	assert.Equal(t, []Op{{Kind: OpApplyDeployment, Object: "backstage/backstage", Detail: "rollout"}}, res.Ops)
	assert.Equal(t, 2, res.Revision)

	for _, inst := range f.cluster.Instances("backstage", "backstage") {
		assert.Equal(t, 2, inst.Revision)
		assert.Equal(t, ir.PhaseReady, inst.Phase)
		assert.Equal(t, "backstage:v2", inst.Image)
	}
}

func TestApply_ScaleOnly(t *testing.T) {
	f := newFixture(t, Policy{})
	ctx := context.Background()
	require.NoError(t, f.cluster.Import(image("v1", "sha256:aaa")))

	_, err := f.manager.ApplyDocument(ctx, doc(desired("v1", 1)))
	require.NoError(t, err)
	res, err := f.manager.ApplyDocument(ctx, doc(desired("v1", 3)))
	require.NoError(t, err)
	assert.Equal(t, []Op{{Kind: OpApplyDeployment, Object: "backstage/backstage", Detail: "scale 1 -> 3"}}, res.Ops)
	assert.Equal(t, 1, res.Revision)
	assert.Len(t, f.cluster.Instances("backstage", "backstage"), 3)
}

func TestApply_StaleTag(t *testing.T) {
	f := newFixture(t, Policy{})
	require.NoError(t, f.cluster.Import(image("v1", "sha256:aaa")))

	d := desired("v1", 1)
	d.ImageDigest = "sha256:bbb"
	_, err := f.manager.ApplyDocument(context.Background(), doc(d))
	require.Error(t, err)
	assert.True(t, IsStaleTag(err))
	assert.Contains(t, err.Error(), "mint a new tag")
	assert.False(t, f.cluster.HasNamespace("backstage"), "nothing is applied for a stale tag")
}

func TestApply_ValidationRejectsBeforeTouchingRuntime(t *testing.T) {
	f := newFixture(t, Policy{})
	d := desired("latest", -1)
	d.Ports = append(d.Ports, ir.Port{Name: "http", ContainerPort: 70000, ServicePort: 80})

	_, err := f.manager.Apply(context.Background(), d)
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	fields := make([]string, len(verr.Problems))
	for i, p := range verr.Problems {
		fields[i] = p.Field
	}
	assert.Equal(t, []string{"image", "replicas", "ports[1]", "ports[1]"}, fields)
	assert.Equal(t, int64(0), f.cluster.LastSeq())
}

func TestApply_MissingImageExhaustsBudget(t *testing.T) {
	f := newFixture(t, Policy{Initial: time.Second, Max: 4 * time.Second, Multiplier: 2, AttemptTimeout: time.Minute, RetryBudget: 2})

	res, err := f.manager.ApplyDocument(context.Background(), doc(desired("v1", 1)))
	require.Error(t, err)
	assert.True(t, IsApplyError(err))
	assert.ErrorIs(t, err, cluster.ErrImageNotPresent)
	assert.Contains(t, err.Error(), "backstage/backstage")
	assert.Equal(t, 3, res.Attempts)
	assert.Len(t, res.Recycled, 2)
	assert.False(t, res.Ready)

	rec, err := f.store.GetWorkload(context.Background(), "backstage", "backstage")
	require.NoError(t, err)
	assert.Equal(t, store.WorkloadFailed, rec.Status)
}

func TestApply_FailedRolloutKeepsOldServing(t *testing.T) {
	f := newFixture(t, Policy{Initial: time.Second, Max: time.Second, Multiplier: 1, AttemptTimeout: time.Minute, RetryBudget: 1})
	ctx := context.Background()
	require.NoError(t, f.cluster.Import(image("v1", "sha256:aaa")))
	require.NoError(t, f.cluster.Import(image("v2", "sha256:bbb")))

	_, err := f.manager.ApplyDocument(ctx, doc(desired("v1", 1)))
	require.NoError(t, err)

	// v2 requires a value the secret does not carry.
	d := desired("v2", 1)
	d.RequiredEnv = []string{"AUTH_GITHUB_CLIENT_SECRET"}
	_, err = f.manager.ApplyDocument(ctx, doc(d))
	require.Error(t, err)
	assert.True(t, secrets.IsMissingSecret(err))
	assert.Contains(t, err.Error(), "AUTH_GITHUB_CLIENT_SECRET")

	st, err := f.cluster.Status("backstage", "backstage")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Serving, "v1 keeps serving")
	assert.Equal(t, 1, st.Outdated)
}

// frozenRuntime never advances instance lifecycles.
type frozenRuntime struct {
	*cluster.Cluster
}

func (frozenRuntime) Observe() {}

func TestApply_TimeoutConsumesBudget(t *testing.T) {
	c := cluster.New(cluster.Options{Logger: testutil.Logger()})
	require.NoError(t, c.Import(image("v1", "sha256:aaa")))
	clock := testutil.NewFakeClock()
	m := New(frozenRuntime{c}, Options{
		Policy: Policy{Initial: time.Second, Max: 8 * time.Second, Multiplier: 2, AttemptTimeout: 10 * time.Second, RetryBudget: 1},
		Clock:  clock,
		Logger: testutil.Logger(),
	})

	res, err := m.ApplyDocument(context.Background(), doc(desired("v1", 1)))
	require.Error(t, err)
	assert.True(t, IsApplyError(err))
	assert.True(t, IsReconciliationTimeout(err))
	assert.Equal(t, 2, res.Attempts)

	// Backoff doubles to the cap and restarts after the timed-out attempt.
	sleeps := clock.Sleeps()
	require.GreaterOrEqual(t, len(sleeps), 5)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, time.Second}, sleeps[:5])
}

type cancelOnObserve struct {
	*cluster.Cluster
	cancel context.CancelFunc
}

func (r cancelOnObserve) Observe() {
	r.Cluster.Observe()
	r.cancel()
}

func TestApply_CancelAtPollBoundary(t *testing.T) {
	c := cluster.New(cluster.Options{Logger: testutil.Logger()})
	require.NoError(t, c.Import(image("v1", "sha256:aaa")))
	ctx, cancel := context.WithCancel(context.Background())
	m := New(cancelOnObserve{Cluster: c, cancel: cancel}, Options{Clock: testutil.NewFakeClock(), Logger: testutil.Logger()})

	_, err := m.ApplyDocument(ctx, doc(desired("v1", 1)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	seq := c.LastSeq()

	// Resuming with a fresh context converges without redoing the plan.
	m2 := New(c, Options{Clock: testutil.NewFakeClock(), Logger: testutil.Logger()})
	res, err := m2.ApplyDocument(context.Background(), doc(desired("v1", 1)))
	require.NoError(t, err)
	assert.Empty(t, res.Ops)
	assert.True(t, res.Ready)
	assert.Greater(t, c.LastSeq(), seq)
}

func TestApply_CancelledBeforeStart(t *testing.T) {
	f := newFixture(t, Policy{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.manager.Apply(ctx, desired("v1", 1))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(0), f.cluster.LastSeq())
}

func TestPlan_SecretChangeOnly(t *testing.T) {
	f := newFixture(t, Policy{})
	require.NoError(t, f.cluster.Import(image("v1", "sha256:aaa")))
	_, err := f.manager.ApplyDocument(context.Background(), doc(desired("v1", 1)))
	require.NoError(t, err)

	changed := secretData()
	changed["postgres-secrets"]["POSTGRES_PASSWORD"] = "rotated"
	ops, err := f.manager.Plan(desired("v1", 1), changed)
	require.NoError(t, err)
	assert.Equal(t, []Op{{Kind: OpApplySecret, Object: "backstage/postgres-secrets", Detail: "5 keys"}}, ops)
}

func TestNormalize_DefaultsPullPolicy(t *testing.T) {
	d := desired("v1", 1)
	d.PullPolicy = ""
	assert.Equal(t, ir.PullNever, Normalize(d).PullPolicy)
}

func TestPolicy_Next(t *testing.T) {
	p := Policy{Initial: time.Second, Max: 3 * time.Second, Multiplier: 2}
	assert.Equal(t, 2*time.Second, p.next(time.Second))
	assert.Equal(t, 3*time.Second, p.next(2*time.Second))
	assert.Equal(t, 3*time.Second, p.next(3*time.Second))
}
