package cluster

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/stevedore/internal/ident"
	"github.com/roach88/stevedore/internal/ir"
	"github.com/roach88/stevedore/internal/registry"
)

const appConfig = `
backend:
  listen:
    port: ${PORT}
  database:
    connection:
      host: ${POSTGRES_HOST}
      port: ${POSTGRES_PORT}
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
		SecretRefs: []string{"postgres"},
		PullPolicy: ir.PullNever,
	}
}

func goodSecret() Secret {
	return Secret{Namespace: "backstage", Name: "postgres", Data: map[string]string{
		"PORT":          "7007",
		"POSTGRES_HOST": "db",
		"POSTGRES_PORT": "5432",
	}}
}

func newCluster(t *testing.T) *Cluster {
	t.Helper()
	c := New(Options{Name: "kind", IDs: ident.NewSequenceGenerator("pod")})
	_, err := c.EnsureNamespace("backstage")
	require.NoError(t, err)
	_, err = c.ApplySecret(goodSecret())
	require.NoError(t, err)
	return c
}

func observe(c *Cluster, n int) {
	for range n {
		c.Observe()
	}
}

func phases(insts []Instance) []string {
	out := make([]string, len(insts))
	for i, inst := range insts {
		out[i] = inst.ID + "=" + string(inst.Phase)
	}
	return out
}

func TestImport_SameDigestIdempotentDifferentRefused(t *testing.T) {
	c := New(Options{Name: "kind"})
	require.NoError(t, c.Import(image("v1", "sha256:aaa")))
	require.NoError(t, c.Import(image("v1", "sha256:aaa")))

	err := c.Import(image("v1", "sha256:bbb"))
	require.Error(t, err)
	assert.True(t, registry.IsTagConflict(err))

	d, ok := c.Lookup(ir.ImageRef{Name: "backstage", Tag: "v1"})
	require.True(t, ok)
	assert.Equal(t, "sha256:aaa", d)

	imports := 0
	for _, op := range c.Ops(0) {
		if op.Kind == OpImportImage {
			imports++
		}
	}
	assert.Equal(t, 1, imports)
}

func TestLifecycle_ReachesReady(t *testing.T) {
	c := newCluster(t)
	require.NoError(t, c.Import(image("v1", "sha256:aaa")))

	change, err := c.ApplyDeployment(desired("v1", 2))
	require.NoError(t, err)
	assert.Equal(t, ChangeCreated, change)
	assert.Equal(t, []string{"pod-1=Pending", "pod-2=Pending"}, phases(c.Instances("backstage", "backstage")))

	c.Observe()
	assert.Equal(t, []string{"pod-1=Starting", "pod-2=Starting"}, phases(c.Instances("backstage", "backstage")))

	c.Observe()
	assert.Equal(t, []string{"pod-1=Ready", "pod-2=Ready"}, phases(c.Instances("backstage", "backstage")))

	st, err := c.Status("backstage", "backstage")
	require.NoError(t, err)
	assert.True(t, st.Converged())
	assert.Equal(t, 2, st.Serving)
}

func TestLifecycle_PullNeverWithoutImage(t *testing.T) {
	c := newCluster(t)
	_, err := c.ApplyDeployment(desired("v1", 1))
	require.NoError(t, err)

	c.Observe()
	insts := c.Instances("backstage", "backstage")
	require.Len(t, insts, 1)
	assert.Equal(t, ir.PhaseFailed, insts[0].Phase)
	assert.ErrorIs(t, insts[0].Err, ErrImageNotPresent)
}

func TestLifecycle_OtherPoliciesHitUnreachableRegistry(t *testing.T) {
	for _, policy := range []ir.PullPolicy{ir.PullIfNotPresent, ir.PullAlways} {
		t.Run(string(policy), func(t *testing.T) {
			c := newCluster(t)
			d := desired("v1", 1)
			d.PullPolicy = policy
			_, err := c.ApplyDeployment(d)
			require.NoError(t, err)

			c.Observe()
			insts := c.Instances("backstage", "backstage")
			require.Len(t, insts, 1)
			assert.ErrorIs(t, insts[0].Err, ErrRegistryUnreachable)
		})
	}
}

func TestLifecycle_MissingSecretValueFailsBoot(t *testing.T) {
	c := newCluster(t)
	require.NoError(t, c.Import(image("v1", "sha256:aaa")))
	s := goodSecret()
	delete(s.Data, "POSTGRES_PORT")
	_, err := c.ApplySecret(s)
	require.NoError(t, err)

	_, err = c.ApplyDeployment(desired("v1", 1))
	require.NoError(t, err)
	observe(c, 2)

	insts := c.Instances("backstage", "backstage")
	require.Len(t, insts, 1)
	assert.Equal(t, ir.PhaseFailed, insts[0].Phase)
	assert.Contains(t, insts[0].Reason, "POSTGRES_PORT")
}

func TestLifecycle_MissingSecretObjectFailsBoot(t *testing.T) {
	c := New(Options{Name: "kind"})
	_, err := c.EnsureNamespace("backstage")
	require.NoError(t, err)
	require.NoError(t, c.Import(image("v1", "sha256:aaa")))
	_, err = c.ApplyDeployment(desired("v1", 1))
	require.NoError(t, err)
	observe(c, 2)

	insts := c.Instances("backstage", "backstage")
	require.Len(t, insts, 1)
	assert.ErrorIs(t, insts[0].Err, ErrNotFound)
}

func TestRollout_OldServesUntilNewReady(t *testing.T) {
	c := newCluster(t)
	require.NoError(t, c.Import(image("v1", "sha256:aaa")))
	require.NoError(t, c.Import(image("v2", "sha256:bbb")))

	_, err := c.ApplyDeployment(desired("v1", 1))
	require.NoError(t, err)
	observe(c, 2)

	change, err := c.ApplyDeployment(desired("v2", 1))
	require.NoError(t, err)
	assert.Equal(t, ChangeRollout, change)
	assert.Equal(t, []string{"pod-1=Ready", "pod-2=Pending"}, phases(c.Instances("backstage", "backstage")))

	c.Observe()
	assert.Equal(t, []string{"pod-1=Ready", "pod-2=Starting"}, phases(c.Instances("backstage", "backstage")))

	c.Observe()
	assert.Equal(t, []string{"pod-1=Terminating", "pod-2=Ready"}, phases(c.Instances("backstage", "backstage")))

	c.Observe()
	assert.Equal(t, []string{"pod-2=Ready"}, phases(c.Instances("backstage", "backstage")))

	dep, ok := c.Deployment("backstage", "backstage")
	require.True(t, ok)
	assert.Equal(t, 2, dep.Revision)
}

func TestRollout_FailedRevisionKeepsOldServing(t *testing.T) {
	c := newCluster(t)
	require.NoError(t, c.Import(image("v1", "sha256:aaa")))

	_, err := c.ApplyDeployment(desired("v1", 1))
	require.NoError(t, err)
	observe(c, 2)

	// v2 was never loaded.
	_, err = c.ApplyDeployment(desired("v2", 1))
	require.NoError(t, err)
	observe(c, 3)

	st, err := c.Status("backstage", "backstage")
	require.NoError(t, err)
	assert.False(t, st.Converged())
	assert.Equal(t, 1, st.Serving)
	assert.Equal(t, 1, st.Outdated)
	require.Len(t, st.Failed, 1)
	assert.Equal(t, "pod-2", st.Failed[0].ID)
}

func TestScale_NoRestart(t *testing.T) {
	c := newCluster(t)
	require.NoError(t, c.Import(image("v1", "sha256:aaa")))
	_, err := c.ApplyDeployment(desired("v1", 1))
	require.NoError(t, err)
	observe(c, 2)

	change, err := c.ApplyDeployment(desired("v1", 3))
	require.NoError(t, err)
	assert.Equal(t, ChangeScaled, change)
	observe(c, 2)
	assert.Equal(t, []string{"pod-1=Ready", "pod-2=Ready", "pod-3=Ready"}, phases(c.Instances("backstage", "backstage")))

	change, err = c.ApplyDeployment(desired("v1", 1))
	require.NoError(t, err)
	assert.Equal(t, ChangeScaled, change)
	c.Observe()
	// Newest instances go first.
	assert.Equal(t, []string{"pod-1=Ready"}, phases(c.Instances("backstage", "backstage")))

	dep, _ := c.Deployment("backstage", "backstage")
	assert.Equal(t, 1, dep.Revision)
}

func TestApplyDeployment_Unchanged(t *testing.T) {
	c := newCluster(t)
	_, err := c.ApplyDeployment(desired("v1", 1))
	require.NoError(t, err)
	before := c.LastSeq()

	change, err := c.ApplyDeployment(desired("v1", 1))
	require.NoError(t, err)
	assert.Equal(t, ChangeNone, change)
	assert.Equal(t, before, c.LastSeq())
}

func TestApplyDeployment_RequiresNamespace(t *testing.T) {
	c := New(Options{})
	_, err := c.ApplyDeployment(desired("v1", 1))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecycle(t *testing.T) {
	c := newCluster(t)
	_, err := c.ApplyDeployment(desired("v1", 1))
	require.NoError(t, err)
	c.Observe()

	require.Error(t, c.Recycle("pod-404"))

	// Loading the image after the failure lets the replacement start.
	require.NoError(t, c.Import(image("v1", "sha256:aaa")))
	require.NoError(t, c.Recycle("pod-1"))
	assert.Equal(t, []string{"pod-1=Terminating", "pod-2=Pending"}, phases(c.Instances("backstage", "backstage")))

	observe(c, 2)
	assert.Equal(t, []string{"pod-2=Ready"}, phases(c.Instances("backstage", "backstage")))

	err = c.Recycle("pod-2")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestSecretAndServiceChangeDetection(t *testing.T) {
	c := newCluster(t)

	changed, err := c.ApplySecret(goodSecret())
	require.NoError(t, err)
	assert.False(t, changed)

	svc := Service{Namespace: "backstage", Name: "backstage", Ports: []ir.Port{{Name: "http", ContainerPort: 7007, ServicePort: 80}}}
	changed, err = c.ApplyService(svc)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = c.ApplyService(svc)
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = c.ApplyService(Service{Namespace: "other", Name: "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOps_MonotonicSequence(t *testing.T) {
	c := newCluster(t)
	require.NoError(t, c.Import(image("v1", "sha256:aaa")))
	_, err := c.ApplyDeployment(desired("v1", 2))
	require.NoError(t, err)
	observe(c, 2)

	ops := c.Ops(0)
	require.NotEmpty(t, ops)
	for i := 1; i < len(ops); i++ {
		assert.Greater(t, ops[i].Seq, ops[i-1].Seq)
	}
	assert.Equal(t, ops[len(ops)-1].Seq, c.LastSeq())

	tail := c.Ops(ops[2].Seq)
	assert.Equal(t, ops[3:], tail)
}

func TestDefaultBoot_LaterLayerWins(t *testing.T) {
	img := ir.Image{
		Ref: ir.ImageRef{Name: "backstage", Tag: "v1"},
		ConfigFiles: []ir.ConfigFile{
			{Name: "defaults.yaml", Data: []byte("backend:\n  listen: 127.0.0.1:notaport\n")},
			{Name: "app.yaml", Data: []byte("backend:\n  listen: 127.0.0.1:${PORT}\n")},
		},
	}
	spec := BootSpec{
		Image:    img,
		Template: desired("v1", 1),
		Env:      []map[string]string{{"PORT": "7007"}},
	}
	require.NoError(t, DefaultBoot(spec))

	img.ConfigFiles[0], img.ConfigFiles[1] = img.ConfigFiles[1], img.ConfigFiles[0]
	spec.Image = img
	assert.Error(t, DefaultBoot(spec), "the invalid layer is now last and must win")
}

func TestDefaultBoot_NoConfigChecksRequiredNames(t *testing.T) {
	tmpl := desired("v1", 1)
	tmpl.RequiredEnv = []string{"POSTGRES_PASSWORD"}

	err := DefaultBoot(BootSpec{Image: ir.Image{}, Template: tmpl, Env: []map[string]string{{"PORT": "7007"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "POSTGRES_PASSWORD")

	tmpl.RequiredEnv = []string{"PORT"}
	assert.NoError(t, DefaultBoot(BootSpec{Image: ir.Image{}, Template: tmpl, Env: []map[string]string{{"PORT": "7007"}}}))
}

func TestCustomBoot(t *testing.T) {
	var seen BootSpec
	c := New(Options{Boot: func(spec BootSpec) error {
		seen = spec
		return errors.New("boom")
	}})
	_, err := c.EnsureNamespace("backstage")
	require.NoError(t, err)
	_, err = c.ApplySecret(goodSecret())
	require.NoError(t, err)
	require.NoError(t, c.Import(image("v1", "sha256:aaa")))
	_, err = c.ApplyDeployment(desired("v1", 1))
	require.NoError(t, err)
	observe(c, 2)

	assert.Equal(t, "sha256:aaa", seen.Image.Digest)
	require.Len(t, seen.Env, 1)
	assert.Equal(t, "db", seen.Env[0]["POSTGRES_HOST"])
	insts := c.Instances("backstage", "backstage")
	assert.Equal(t, "boom", errors.Unwrap(insts[0].Err).Error())
}
