package stage

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/stevedore/internal/ir"
)

// Scratch is the always-available empty base environment.
const Scratch = "scratch"

// Environment is a resolved base environment.
type Environment struct {
	Ref string
	// Identity is the content address of Root. Stages on the same content
	// share cache entries regardless of the name used to reach it.
	Identity string
	Root     ir.Snapshot
}

// EnvironmentResolver maps a base-environment reference to its content.
type EnvironmentResolver interface {
	Resolve(ctx context.Context, ref string) (Environment, error)
}

// Environments is an in-process registry of base environments, either
// registered snapshots or directories read on demand.
//
// Thread-safety: safe for concurrent use.
type Environments struct {
	mu    sync.RWMutex
	snaps map[string]ir.Snapshot
	dirs  map[string]string
}

// NewEnvironments returns a registry holding only Scratch.
func NewEnvironments() *Environments {
	return &Environments{
		snaps: map[string]ir.Snapshot{Scratch: {}},
		dirs:  map[string]string{},
	}
}

// Register binds ref to a fixed snapshot.
func (e *Environments) Register(ref string, root ir.Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.dirs, ref)
	e.snaps[ref] = root
}

// RegisterDir binds ref to a directory read at each Resolve.
func (e *Environments) RegisterDir(ref, dir string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.snaps, ref)
	e.dirs[ref] = dir
}

// Resolve implements EnvironmentResolver.
func (e *Environments) Resolve(ctx context.Context, ref string) (Environment, error) {
	if err := ctx.Err(); err != nil {
		return Environment{}, err
	}
	e.mu.RLock()
	snap, okSnap := e.snaps[ref]
	dir, okDir := e.dirs[ref]
	e.mu.RUnlock()

	switch {
	case okSnap:
	case okDir:
		var err error
		snap, err = ReadTree(dir, nil)
		if err != nil {
			return Environment{}, err
		}
	default:
		return Environment{}, fmt.Errorf("unknown environment %q", ref)
	}
	return Environment{Ref: ref, Identity: snap.Digest(), Root: snap}, nil
}
