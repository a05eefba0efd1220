package bundle

import (
	"fmt"
	"log/slog"
	"path"

	"github.com/roach88/stevedore/internal/ir"
)

// DefaultManifests are the basenames treated as dependency manifests when
// a pipeline does not name its own.
var DefaultManifests = []string{
	"package.json",
	"yarn.lock",
	"package-lock.json",
	"pnpm-lock.yaml",
	".yarnrc.yml",
	"go.mod",
	"go.sum",
	"requirements.txt",
	"poetry.lock",
	"pyproject.toml",
	"Cargo.toml",
	"Cargo.lock",
	"Gemfile",
	"Gemfile.lock",
}

// Bundler partitions a build output into skeleton and payload.
type Bundler struct {
	// Manifests are basename glob patterns (path.Match syntax).
	// Empty means DefaultManifests.
	Manifests []string

	Logger *slog.Logger
}

// New returns a Bundler for the given manifest patterns.
func New(manifests []string) (*Bundler, error) {
	for _, m := range manifests {
		if _, err := path.Match(m, ""); err != nil {
			return nil, fmt.Errorf("manifest pattern %q: %w", m, err)
		}
	}
	return &Bundler{Manifests: manifests}, nil
}

// IsManifest reports whether the file at p belongs to the skeleton.
func (b *Bundler) IsManifest(p string) bool {
	patterns := b.Manifests
	if len(patterns) == 0 {
		patterns = DefaultManifests
	}
	base := path.Base(p)
	for _, pat := range patterns {
		if ok, _ := path.Match(pat, base); ok {
			return true
		}
	}
	return false
}

// Split partitions out without packing.
func (b *Bundler) Split(out ir.Snapshot) (skeleton, payload ir.Snapshot) {
	skeleton = out.Select(b.IsManifest)
	payload = out.Select(func(p string) bool { return !b.IsManifest(p) })
	return skeleton, payload
}

// Bundle splits out and packs both halves.
func (b *Bundler) Bundle(out ir.Snapshot) (ir.Bundle, error) {
	if out.Len() == 0 {
		return ir.Bundle{}, fmt.Errorf("bundle: build output is empty")
	}
	skeleton, payload := b.Split(out)

	skeletonArchive, err := Pack(skeleton)
	if err != nil {
		return ir.Bundle{}, fmt.Errorf("bundle skeleton: %w", err)
	}
	payloadArchive, err := Pack(payload)
	if err != nil {
		return ir.Bundle{}, fmt.Errorf("bundle payload: %w", err)
	}

	bundle := ir.Bundle{
		Skeleton:       skeletonArchive,
		Payload:        payloadArchive,
		SkeletonDigest: ir.ContentDigest(skeletonArchive),
		PayloadDigest:  ir.ContentDigest(payloadArchive),
		SkeletonPaths:  skeleton.Paths(),
		PayloadPaths:   payload.Paths(),
	}
	b.logger().Debug("bundled build output",
		"skeleton_files", len(bundle.SkeletonPaths),
		"payload_files", len(bundle.PayloadPaths),
		"skeleton_digest", bundle.SkeletonDigest[:12])
	return bundle, nil
}

func (b *Bundler) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}
