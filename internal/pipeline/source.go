package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/moby/patternmatcher"
	"github.com/moby/patternmatcher/ignorefile"

	"github.com/roach88/stevedore/internal/ir"
	"github.com/roach88/stevedore/internal/stage"
)

// IgnoreFile is read from the source root. It uses .dockerignore syntax.
const IgnoreFile = ".stevedoreignore"

// LoadSource reads the source tree at root, leaving out everything the
// ignore file excludes. Ignored paths never reach any stage, so they can
// never influence a cache key.
func LoadSource(root string) (ir.Snapshot, error) {
	patterns, err := readIgnore(filepath.Join(root, IgnoreFile))
	if err != nil {
		return ir.Snapshot{}, err
	}
	pm, err := patternmatcher.New(patterns)
	if err != nil {
		return ir.Snapshot{}, fmt.Errorf("%s: %w", IgnoreFile, err)
	}

	var walkErr error
	snap, err := stage.ReadTree(root, func(rel string, isDir bool) bool {
		ignored, err := pm.MatchesOrParentMatches(filepath.FromSlash(rel))
		if err != nil {
			walkErr = err
			return true
		}
		if !ignored {
			return false
		}
		// With negations, a child of an ignored directory may be
		// re-included, so the directory must still be walked.
		return !isDir || !pm.Exclusions()
	})
	if err != nil {
		return ir.Snapshot{}, fmt.Errorf("load source: %w", err)
	}
	if walkErr != nil {
		return ir.Snapshot{}, fmt.Errorf("load source: %s: %w", IgnoreFile, walkErr)
	}
	return snap, nil
}

func readIgnore(path string) ([]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", IgnoreFile, err)
	}
	defer f.Close()
	patterns, err := ignorefile.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", IgnoreFile, err)
	}
	return patterns, nil
}
