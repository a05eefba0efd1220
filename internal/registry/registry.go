// Package registry binds image tags to immutable content.
//
// A tag, once published, is never rebound to different content: Publish
// fails with TagConflictError instead. Load copies an image into a target
// runtime's local store without any remote contact, and refuses to
// replace a different image the runtime already holds under that tag.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/stevedore/internal/ir"
	"github.com/roach88/stevedore/internal/store"
)

// RuntimeStore is the local image store of a target runtime, keyed by tag.
type RuntimeStore interface {
	Name() string
	// Lookup returns the digest held under ref.
	Lookup(ref ir.ImageRef) (digest string, ok bool)
	Import(img ir.Image) error
}

// PublishRequest carries everything that goes into an image.
type PublishRequest struct {
	Ref         ir.ImageRef
	Runtime     string
	Bundle      ir.Bundle
	// ConfigFiles are the config layers in merge order.
	ConfigFiles []ir.ConfigFile
}

// Registry is safe for concurrent use; the store serialises tag binding.
type Registry struct {
	store  *store.Store
	logger *slog.Logger
}

// New creates a registry over st.
func New(st *store.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: st, logger: logger}
}

// Publish stores the image and binds its tag.
//
// Re-publishing identical content under the same tag is an idempotent
// success. Different content under a bound tag is a TagConflictError and
// nothing is written.
func (r *Registry) Publish(ctx context.Context, req PublishRequest) (ir.Image, error) {
	if err := ValidateRef(req.Ref); err != nil {
		return ir.Image{}, err
	}
	if req.Runtime == "" {
		return ir.Image{}, fmt.Errorf("publish %s: runtime environment is required", req.Ref)
	}

	digest, err := ir.ImageDigest(req.Runtime, req.Bundle.SkeletonDigest, req.Bundle.PayloadDigest, req.ConfigFiles)
	if err != nil {
		return ir.Image{}, fmt.Errorf("publish %s: %w", req.Ref, err)
	}
	img := ir.Image{
		Ref:            req.Ref,
		Digest:         digest,
		Runtime:        req.Runtime,
		Skeleton:       req.Bundle.Skeleton,
		Payload:        req.Bundle.Payload,
		SkeletonDigest: req.Bundle.SkeletonDigest,
		PayloadDigest:  req.Bundle.PayloadDigest,
		ConfigFiles:    req.ConfigFiles,
	}

	binding, bound, err := r.store.PublishImage(ctx, img)
	if err != nil {
		return ir.Image{}, fmt.Errorf("publish %s: %w", req.Ref, err)
	}
	if binding.Digest != digest {
		return ir.Image{}, &TagConflictError{Ref: req.Ref, Existing: binding.Digest, Attempted: digest}
	}
	img.Seq = binding.Seq

	if bound {
		r.logger.Info("image published", "image", req.Ref.String(), "digest", short(digest))
	} else {
		r.logger.Info("image already published", "image", req.Ref.String(), "digest", short(digest))
	}
	return img, nil
}

// Resolve loads the image bound to ref.
func (r *Registry) Resolve(ctx context.Context, ref ir.ImageRef) (ir.Image, error) {
	img, err := r.store.ReadImage(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		return ir.Image{}, fmt.Errorf("%s: %w", ref, ErrNotFound)
	}
	if err != nil {
		return ir.Image{}, fmt.Errorf("resolve %s: %w", ref, err)
	}
	return img, nil
}

// List returns tag bindings in publish order. An empty name lists all.
func (r *Registry) List(ctx context.Context, name string) ([]store.TagBinding, error) {
	return r.store.ListTags(ctx, name)
}

// Load copies the image bound to ref into target.
//
// Loading an image the target already holds under the same tag is a no-op.
// If the target holds a different digest under that tag the load is
// refused, because the runtime would keep serving its cached copy.
func (r *Registry) Load(ctx context.Context, ref ir.ImageRef, target RuntimeStore) error {
	img, err := r.Resolve(ctx, ref)
	if err != nil {
		return err
	}
	if held, ok := target.Lookup(ref); ok {
		if held == img.Digest {
			r.logger.Debug("image already loaded", "image", ref.String(), "runtime", target.Name())
			return nil
		}
		return &TagConflictError{Ref: ref, Existing: held, Attempted: img.Digest, Target: target.Name()}
	}
	if err := target.Import(img); err != nil {
		return fmt.Errorf("load %s into %s: %w", ref, target.Name(), err)
	}
	r.logger.Info("image loaded", "image", ref.String(), "runtime", target.Name(), "digest", short(img.Digest))
	return nil
}

// LoadAll loads several images concurrently and returns the first error.
func (r *Registry) LoadAll(ctx context.Context, refs []ir.ImageRef, target RuntimeStore) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, ref := range refs {
		g.Go(func() error {
			return r.Load(ctx, ref, target)
		})
	}
	return g.Wait()
}
