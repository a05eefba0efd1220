package store

import (
	"path/filepath"
	"testing"

	"github.com/roach88/stevedore/internal/ir"
)

// createTestStore creates a new file-backed store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestImage creates an image with small literal archives.
func createTestImage(name, tag, content string) ir.Image {
	skeleton := []byte("skeleton:" + content)
	payload := []byte("payload:" + content)
	config := []ir.ConfigFile{
		{Name: "app-config.yaml", Data: []byte("app: " + content)},
		{Name: "app-config.production.yaml", Data: []byte("env: " + content)},
	}
	digest, err := ir.ImageDigest("node:20-slim", ir.ContentDigest(skeleton), ir.ContentDigest(payload), config)
	if err != nil {
		panic(err)
	}
	return ir.Image{
		Ref:            ir.ImageRef{Name: name, Tag: tag},
		Digest:         digest,
		Runtime:        "node:20-slim",
		Skeleton:       skeleton,
		Payload:        payload,
		SkeletonDigest: ir.ContentDigest(skeleton),
		PayloadDigest:  ir.ContentDigest(payload),
		ConfigFiles:    config,
	}
}

// createTestDesired creates a single-replica desired state.
func createTestDesired(name, tag string) ir.DesiredState {
	return ir.DesiredState{
		Namespace:  "backstage",
		Name:       name,
		Image:      ir.ImageRef{Name: name, Tag: tag},
		Replicas:   1,
		Ports:      []ir.Port{{Name: "http", ContainerPort: 7007, ServicePort: 80}},
		SecretRefs: []string{"postgres-secrets"},
		PullPolicy: ir.PullNever,
	}
}
