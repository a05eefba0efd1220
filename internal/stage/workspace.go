package stage

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/roach88/stevedore/internal/ir"
)

// SkipFunc decides whether a path (slash-separated, relative to the tree
// root) is left out of a ReadTree result. Returning true for a directory
// prunes it.
type SkipFunc func(rel string, isDir bool) bool

// ReadTree captures the regular files below root. Symlinks and other
// special files are not part of snapshots and are left out.
func ReadTree(root string, skip SkipFunc) (ir.Snapshot, error) {
	info, err := os.Stat(root)
	if err != nil {
		return ir.Snapshot{}, fmt.Errorf("read tree: %w", err)
	}
	if !info.IsDir() {
		return ir.Snapshot{}, fmt.Errorf("read tree: %s is not a directory", root)
	}

	files := map[string]ir.File{}
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if skip != nil && skip(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		files[rel] = ir.File{Mode: uint32(fi.Mode().Perm()), Data: data}
		return nil
	})
	if err != nil {
		return ir.Snapshot{}, fmt.Errorf("read tree %s: %w", root, err)
	}
	return ir.NewSnapshot(files)
}

// Materialize writes snap below dir, creating parent directories.
func Materialize(dir string, snap ir.Snapshot) error {
	for _, p := range snap.Paths() {
		f, _ := snap.File(p)
		target := filepath.Join(dir, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("materialize %s: %w", p, err)
		}
		if err := os.WriteFile(target, f.Data, fs.FileMode(f.Mode)); err != nil {
			return fmt.Errorf("materialize %s: %w", p, err)
		}
		// WriteFile is subject to umask.
		if err := os.Chmod(target, fs.FileMode(f.Mode)); err != nil {
			return fmt.Errorf("materialize %s: %w", p, err)
		}
	}
	return nil
}

// resolveIn maps a snapshot-relative path into dir, refusing escapes.
func resolveIn(dir, p string) (string, error) {
	clean, err := ir.CleanPath(p)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, filepath.FromSlash(clean)), nil
}
