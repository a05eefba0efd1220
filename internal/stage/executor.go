package stage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"time"

	"github.com/roach88/stevedore/internal/ir"
)

// DefaultPath is the PATH run steps see unless the executor overrides it.
const DefaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// Identity is a numeric user and group.
type Identity struct {
	UID uint32
	GID uint32
}

// Nobody is the identity run steps drop to when the executor runs as root
// and no other identity is configured.
var Nobody = Identity{UID: 65534, GID: 65534}

// Executor runs stages in throwaway workspaces.
//
// Thread-safety: an Executor holds no per-run state; concurrent Run calls
// each get their own workspace.
type Executor struct {
	Environments EnvironmentResolver

	// TempDir is the parent of workspaces. Empty means os.TempDir().
	TempDir string

	// Identity is used for run steps when the process is root.
	// Nil means Nobody.
	Identity *Identity

	// Path is the PATH given to run steps. Empty means DefaultPath.
	Path string

	Logger *slog.Logger
}

// NewExecutor creates an executor resolving bases through envs.
func NewExecutor(envs EnvironmentResolver) *Executor {
	return &Executor{Environments: envs}
}

// Base resolves the base environment of st.
func (e *Executor) Base(ctx context.Context, st ir.Stage) (Environment, error) {
	env, err := e.Environments.Resolve(ctx, st.Base)
	if err != nil {
		if ctx.Err() != nil {
			return Environment{}, ctx.Err()
		}
		return Environment{}, &EnvironmentError{Stage: st.Name, Ref: st.Base, Err: err}
	}
	return env, nil
}

// Run executes st against its base environment plus inputs.
//
// inputs must already be restricted to the stage's declared inputs; Run
// exposes exactly what it is given. The returned artifact holds the
// workspace filtered to the declared outputs. Key and Cached are left for
// the caller.
func (e *Executor) Run(ctx context.Context, st ir.Stage, inputs ir.Snapshot) (ir.Artifact, error) {
	env, err := e.Base(ctx, st)
	if err != nil {
		return ir.Artifact{}, err
	}
	log := e.logger().With("stage", st.Name)

	ws, err := os.MkdirTemp(e.TempDir, "stevedore-ws-")
	if err != nil {
		return ir.Artifact{}, fmt.Errorf("stage %q: create workspace: %w", st.Name, err)
	}
	defer os.RemoveAll(ws)
	home, err := os.MkdirTemp(e.TempDir, "stevedore-home-")
	if err != nil {
		return ir.Artifact{}, fmt.Errorf("stage %q: create home: %w", st.Name, err)
	}
	defer os.RemoveAll(home)

	if err := Materialize(ws, env.Root.Merge(inputs)); err != nil {
		return ir.Artifact{}, fmt.Errorf("stage %q: %w", st.Name, err)
	}
	id := e.identity()
	if err := handOver(id, ws, home); err != nil {
		return ir.Artifact{}, fmt.Errorf("stage %q: hand over workspace: %w", st.Name, err)
	}

	prev, err := ReadTree(ws, nil)
	if err != nil {
		return ir.Artifact{}, fmt.Errorf("stage %q: %w", st.Name, err)
	}

	for i, step := range st.Steps {
		if err := ctx.Err(); err != nil {
			return ir.Artifact{}, fmt.Errorf("stage %q cancelled before step %d: %w", st.Name, i, err)
		}
		start := time.Now()
		log.Debug("step started", "step", i, "kind", step.Kind)

		if err := e.apply(ctx, st.Name, i, step, ws, home, id); err != nil {
			return ir.Artifact{}, err
		}

		cur, err := ReadTree(ws, nil)
		if err != nil {
			return ir.Artifact{}, fmt.Errorf("stage %q step %d: %w", st.Name, i, err)
		}
		var undeclared []string
		for _, p := range prev.Diff(cur).All() {
			if !ir.Within(p, st.Outputs) {
				undeclared = append(undeclared, p)
			}
		}
		if len(undeclared) > 0 {
			return ir.Artifact{}, &DeclarationViolation{Stage: st.Name, Index: i, Paths: undeclared}
		}
		prev = cur
		log.Debug("step finished", "step", i, "kind", step.Kind, "duration", time.Since(start))
	}

	out := prev.Filter(st.Outputs)
	var missing []string
	for _, o := range st.Outputs {
		if out.Filter([]string{o}).Len() == 0 {
			missing = append(missing, o)
		}
	}
	if len(missing) > 0 {
		return ir.Artifact{}, &DeclarationViolation{Stage: st.Name, Index: -1, Missing: missing}
	}

	log.Info("stage executed", "files", out.Len(), "digest", out.Digest()[:12])
	return ir.Artifact{Stage: st.Name, Snapshot: out}, nil
}

func (e *Executor) apply(ctx context.Context, stageName string, index int, step ir.Step, ws, home string, id *Identity) error {
	fail := func(err error) error {
		return &StepFailure{Stage: stageName, Index: index, Step: step.String(), ExitCode: -1, Err: err}
	}

	switch step.Kind {
	case ir.StepWrite:
		target, err := resolveIn(ws, step.Path)
		if err != nil {
			return fail(err)
		}
		mode := fs.FileMode(step.Mode & 0o777)
		if mode == 0 {
			mode = fs.FileMode(ir.DefaultFileMode)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fail(err)
		}
		if err := os.WriteFile(target, []byte(step.Content), mode); err != nil {
			return fail(err)
		}
		if err := os.Chmod(target, mode); err != nil {
			return fail(err)
		}
		return handOverOrFail(id, ws, fail)

	case ir.StepCopy:
		src, err := resolveIn(ws, step.Src)
		if err != nil {
			return fail(err)
		}
		dst, err := resolveIn(ws, step.Dst)
		if err != nil {
			return fail(err)
		}
		if err := copyPath(src, dst); err != nil {
			return fail(err)
		}
		return handOverOrFail(id, ws, fail)

	case ir.StepRemove:
		target, err := resolveIn(ws, step.Path)
		if err != nil {
			return fail(err)
		}
		if err := os.RemoveAll(target); err != nil {
			return fail(err)
		}
		return nil

	case ir.StepRun:
		if len(step.Command) == 0 {
			return fail(errors.New("empty command"))
		}
		return e.run(ctx, stageName, index, step, ws, home, id)

	default:
		return fail(fmt.Errorf("unknown step kind %q", step.Kind))
	}
}

func (e *Executor) run(ctx context.Context, stageName string, index int, step ir.Step, ws, home string, id *Identity) error {
	cmd := exec.CommandContext(ctx, step.Command[0], step.Command[1:]...)
	cmd.Dir = ws
	cmd.Env = e.environ(step, home)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	isolate(cmd, id)

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("stage %q step %d cancelled: %w", stageName, index, ctx.Err())
	}
	failure := &StepFailure{
		Stage:    stageName,
		Index:    index,
		Step:     step.String(),
		ExitCode: -1,
		Output:   output.Bytes(),
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		failure.ExitCode = exitErr.ExitCode()
	} else {
		failure.Err = err
	}
	return failure
}

// environ builds the allowlisted environment of a run step: PATH, HOME and
// TMPDIR, then the step's own variables in name order.
func (e *Executor) environ(step ir.Step, home string) []string {
	path := e.Path
	if path == "" {
		path = DefaultPath
	}
	env := []string{"PATH=" + path, "HOME=" + home, "TMPDIR=" + home}
	names := make([]string, 0, len(step.Env))
	for k := range step.Env {
		names = append(names, k)
	}
	slices.Sort(names)
	for _, k := range names {
		env = append(env, k+"="+step.Env[k])
	}
	return env
}

func (e *Executor) identity() *Identity {
	if e.Identity != nil {
		return e.Identity
	}
	id := Nobody
	return &id
}

func (e *Executor) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func handOverOrFail(id *Identity, ws string, fail func(error) error) error {
	if err := handOver(id, ws); err != nil {
		return fail(err)
	}
	return nil
}

// copyPath copies a file or directory tree from src to dst, keeping
// permission bits. Existing files at the destination are overwritten.
func copyPath(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return copyFile(src, dst, info.Mode().Perm())
	}
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(p, target, fi.Mode().Perm())
	})
}

func copyFile(src, dst string, mode fs.FileMode) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(dst, data, mode); err != nil {
		return err
	}
	return os.Chmod(dst, mode)
}
