package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
)

// Domain prefixes for content-addressed identity.
// The version suffix allows migrating an algorithm without collisions.
const (
	DomainCacheKey = "stevedore/cachekey/v1"
	DomainSnapshot = "stevedore/snapshot/v1"
	DomainImage    = "stevedore/image/v1"
	DomainTemplate = "stevedore/template/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null byte keeps domain and data from running into each other.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ComputeCacheKey derives the key of a stage execution.
//
// baseIdentity is the digest of the stage's base environment and inputs is
// the snapshot of the stage's declared inputs, already filtered. Files the
// stage does not declare must not be in inputs, otherwise unrelated edits
// would invalidate the entry.
func ComputeCacheKey(baseIdentity string, stage Stage, inputs Snapshot) (CacheKey, error) {
	obj := map[string]any{
		"base_identity": baseIdentity,
		"stage":         stage.definition(),
		"inputs":        inputs.Digest(),
		"schema":        SchemaVersion,
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("cache key for stage %q: %w", stage.Name, err)
	}
	return CacheKey(hashWithDomain(DomainCacheKey, canonical)), nil
}

// ImageDigest computes the content identity of an image.
func ImageDigest(runtime, skeletonDigest, payloadDigest string, configFiles []ConfigFile) (string, error) {
	configs := make([]any, len(configFiles))
	for i, f := range configFiles {
		configs[i] = map[string]any{"name": f.Name, "digest": ContentDigest(f.Data)}
	}
	obj := map[string]any{
		"runtime":  runtime,
		"skeleton": skeletonDigest,
		"payload":  payloadDigest,
		"config":   configs,
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("image digest: %w", err)
	}
	return hashWithDomain(DomainImage, canonical), nil
}

// TemplateHash identifies everything about a workload that forces its
// instances to be replaced. Replica count is excluded: scaling never
// restarts running instances.
func (d DesiredState) TemplateHash() (string, error) {
	ports := make([]any, len(d.Ports))
	for i, p := range d.Ports {
		ports[i] = map[string]any{"name": p.Name, "container_port": p.ContainerPort}
	}
	obj := map[string]any{
		"image":        d.Image.String(),
		"ports":        ports,
		"secret_refs":  append([]string{}, d.SecretRefs...),
		"required_env": sortedCopy(d.RequiredEnv),
		"numeric_env":  sortedCopy(d.NumericEnv),
		"pull_policy":  string(d.PullPolicy),
	}
	if d.ImageDigest != "" {
		obj["image_digest"] = d.ImageDigest
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("template hash for %s: %w", d.Key(), err)
	}
	return hashWithDomain(DomainTemplate, canonical), nil
}

// MustTemplateHash is like TemplateHash but panics on error.
// Use only in tests or when inputs are known to be valid.
func (d DesiredState) MustTemplateHash() string {
	h, err := d.TemplateHash()
	if err != nil {
		panic(err)
	}
	return h
}

func sortedCopy(in []string) []string {
	out := append([]string{}, in...)
	sortStrings(out)
	return out
}

func sortStrings(s []string) {
	sort.Strings(s)
}
