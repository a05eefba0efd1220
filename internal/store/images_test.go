package store

import (
	"context"
	"errors"
	"testing"

	"github.com/roach88/stevedore/internal/ir"
)

func TestPublishImage_BindsTag(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	img := createTestImage("backstage", "v1", "one")

	binding, bound, err := s.PublishImage(ctx, img)
	if err != nil {
		t.Fatalf("PublishImage: %v", err)
	}
	if !bound {
		t.Error("first publish should bind the tag")
	}
	if binding.Digest != img.Digest {
		t.Errorf("binding digest = %s, want %s", binding.Digest, img.Digest)
	}

	got, err := s.ReadImage(ctx, img.Ref)
	if err != nil {
		t.Fatalf("ReadImage: %v", err)
	}
	if string(got.Payload) != "payload:one" || string(got.Skeleton) != "skeleton:one" {
		t.Errorf("archives not round-tripped: %q / %q", got.Skeleton, got.Payload)
	}
	if len(got.ConfigFiles) != 2 {
		t.Fatalf("config files = %d, want 2", len(got.ConfigFiles))
	}
	for i, want := range img.ConfigFiles {
		if got.ConfigFiles[i].Name != want.Name || string(got.ConfigFiles[i].Data) != string(want.Data) {
			t.Errorf("config file %d = %s %q, want %s %q", i, got.ConfigFiles[i].Name, got.ConfigFiles[i].Data, want.Name, want.Data)
		}
	}
	if got.Runtime != "node:20-slim" {
		t.Errorf("runtime = %q", got.Runtime)
	}
}

func TestPublishImage_SameContentIsIdempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	img := createTestImage("backstage", "v1", "one")

	if _, _, err := s.PublishImage(ctx, img); err != nil {
		t.Fatal(err)
	}
	binding, bound, err := s.PublishImage(ctx, img)
	if err != nil {
		t.Fatalf("second PublishImage: %v", err)
	}
	if bound {
		t.Error("re-publishing the same content should not rebind")
	}
	if binding.Digest != img.Digest {
		t.Errorf("binding digest = %s, want %s", binding.Digest, img.Digest)
	}
}

func TestPublishImage_DifferentContentKeepsExistingBinding(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	first := createTestImage("backstage", "v1", "one")
	second := createTestImage("backstage", "v1", "two")

	if _, _, err := s.PublishImage(ctx, first); err != nil {
		t.Fatal(err)
	}
	binding, bound, err := s.PublishImage(ctx, second)
	if err != nil {
		t.Fatalf("PublishImage: %v", err)
	}
	if bound {
		t.Error("tag must not be rebound to different content")
	}
	if binding.Digest != first.Digest {
		t.Errorf("binding digest = %s, want original %s", binding.Digest, first.Digest)
	}

	// The rejected publish leaves nothing behind.
	if _, err := s.GetBlob(ctx, second.PayloadDigest); !errors.Is(err, ErrNotFound) {
		t.Errorf("rejected payload should not be stored, err=%v", err)
	}
}

func TestListTagsAndLookup(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, img := range []ir.Image{
		createTestImage("backstage", "v1", "one"),
		createTestImage("backstage", "v2", "two"),
		createTestImage("other", "v1", "three"),
	} {
		if _, _, err := s.PublishImage(ctx, img); err != nil {
			t.Fatal(err)
		}
	}

	tags, err := s.ListTags(ctx, "backstage")
	if err != nil {
		t.Fatal(err)
	}
	if len(tags) != 2 || tags[0].Ref.Tag != "v1" || tags[1].Ref.Tag != "v2" {
		t.Errorf("ListTags(backstage) = %+v", tags)
	}

	all, err := s.ListTags(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("ListTags(all) returned %d, want 3", len(all))
	}

	if _, err := s.LookupTag(ctx, ir.ImageRef{Name: "backstage", Tag: "v9"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("LookupTag(v9) error = %v, want ErrNotFound", err)
	}
}
