package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"slices"
	"strings"
)

// DefaultFileMode is applied to files created without explicit permissions.
const DefaultFileMode uint32 = 0o644

// File is one regular file inside a Snapshot.
// Only permission bits are kept; ownership and timestamps never are.
type File struct {
	Mode uint32 `json:"mode"`
	Data []byte `json:"data"`
}

// Snapshot is an immutable filesystem tree: relative slash paths to files.
// Directories are implicit. The zero value is an empty snapshot.
type Snapshot struct {
	files map[string]File
}

// NewSnapshot validates and cleans paths, copying the input map.
// Absolute paths and paths escaping the root are rejected.
func NewSnapshot(files map[string]File) (Snapshot, error) {
	out := make(map[string]File, len(files))
	for p, f := range files {
		clean, err := CleanPath(p)
		if err != nil {
			return Snapshot{}, err
		}
		mode := f.Mode & 0o777
		if mode == 0 {
			mode = DefaultFileMode
		}
		out[clean] = File{Mode: mode, Data: slices.Clone(f.Data)}
	}
	return Snapshot{files: out}, nil
}

// MustSnapshot is like NewSnapshot but panics on error.
// Use only in tests or with literal paths.
func MustSnapshot(files map[string]File) Snapshot {
	s, err := NewSnapshot(files)
	if err != nil {
		panic(err)
	}
	return s
}

// SnapshotOf builds a snapshot of 0644 files from path -> content pairs.
func SnapshotOf(contents map[string]string) Snapshot {
	files := make(map[string]File, len(contents))
	for p, c := range contents {
		files[p] = File{Data: []byte(c)}
	}
	return MustSnapshot(files)
}

// CleanPath normalizes a snapshot path. It fails for empty, absolute or
// root-escaping paths.
func CleanPath(p string) (string, error) {
	p = strings.ReplaceAll(p, "\\", "/")
	if p == "" {
		return "", fmt.Errorf("empty path")
	}
	if strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("absolute path not allowed: %s", p)
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("path escapes snapshot root: %s", p)
	}
	return clean, nil
}

// Within reports whether p equals one of the prefixes or lives below one.
// The prefix "." matches everything.
func Within(p string, prefixes []string) bool {
	for _, pre := range prefixes {
		pre = strings.TrimSuffix(pre, "/")
		if pre == "." || pre == "" || p == pre || strings.HasPrefix(p, pre+"/") {
			return true
		}
	}
	return false
}

// Len returns the number of files.
func (s Snapshot) Len() int {
	return len(s.files)
}

// Paths returns all file paths in byte order.
func (s Snapshot) Paths() []string {
	paths := make([]string, 0, len(s.files))
	for p := range s.files {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	return paths
}

// File returns the file at p.
func (s Snapshot) File(p string) (File, bool) {
	f, ok := s.files[p]
	return f, ok
}

// Files returns a copy of the underlying map.
func (s Snapshot) Files() map[string]File {
	out := make(map[string]File, len(s.files))
	for p, f := range s.files {
		out[p] = f
	}
	return out
}

// Filter keeps the files that lie within any of the prefixes.
func (s Snapshot) Filter(prefixes []string) Snapshot {
	out := make(map[string]File)
	for p, f := range s.files {
		if Within(p, prefixes) {
			out[p] = f
		}
	}
	return Snapshot{files: out}
}

// Select keeps the files for which keep returns true.
func (s Snapshot) Select(keep func(p string) bool) Snapshot {
	out := make(map[string]File)
	for p, f := range s.files {
		if keep(p) {
			out[p] = f
		}
	}
	return Snapshot{files: out}
}

// Merge overlays other on top of s; files in other win.
func (s Snapshot) Merge(other Snapshot) Snapshot {
	out := make(map[string]File, len(s.files)+len(other.files))
	for p, f := range s.files {
		out[p] = f
	}
	for p, f := range other.files {
		out[p] = f
	}
	return Snapshot{files: out}
}

// SnapshotDiff lists the paths that differ between two snapshots.
type SnapshotDiff struct {
	Added    []string
	Modified []string
	Removed  []string
}

// Empty reports whether nothing changed.
func (d SnapshotDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Removed) == 0
}

// All returns every changed path, sorted.
func (d SnapshotDiff) All() []string {
	all := make([]string, 0, len(d.Added)+len(d.Modified)+len(d.Removed))
	all = append(all, d.Added...)
	all = append(all, d.Modified...)
	all = append(all, d.Removed...)
	slices.Sort(all)
	return all
}

// Diff compares s (before) with after.
func (s Snapshot) Diff(after Snapshot) SnapshotDiff {
	var d SnapshotDiff
	for p, f := range after.files {
		old, ok := s.files[p]
		switch {
		case !ok:
			d.Added = append(d.Added, p)
		case old.Mode != f.Mode || !slices.Equal(old.Data, f.Data):
			d.Modified = append(d.Modified, p)
		}
	}
	for p := range s.files {
		if _, ok := after.files[p]; !ok {
			d.Removed = append(d.Removed, p)
		}
	}
	slices.Sort(d.Added)
	slices.Sort(d.Modified)
	slices.Sort(d.Removed)
	return d
}

// Digest returns the content address of the snapshot. It covers paths,
// permission bits and file contents, nothing else.
func (s Snapshot) Digest() string {
	entries := make([]any, 0, len(s.files))
	for _, p := range s.Paths() {
		f := s.files[p]
		entries = append(entries, map[string]any{
			"path":   p,
			"mode":   f.Mode,
			"sha256": ContentDigest(f.Data),
		})
	}
	canonical, err := MarshalCanonical(entries)
	if err != nil {
		// Entries hold only strings and integers.
		panic(fmt.Sprintf("snapshot digest: %v", err))
	}
	return hashWithDomain(DomainSnapshot, canonical)
}

// ContentDigest is the plain SHA-256 hex of data.
func ContentDigest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
