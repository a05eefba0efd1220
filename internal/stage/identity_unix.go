//go:build unix

package stage

import (
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
)

// isolate puts the command in its own process group, so cancellation
// reaches every child, and drops to id when running as root.
func isolate(cmd *exec.Cmd, id *Identity) {
	attr := &syscall.SysProcAttr{Setpgid: true}
	if id != nil && os.Geteuid() == 0 && id.UID != 0 {
		attr.Credential = &syscall.Credential{Uid: id.UID, Gid: id.GID}
	}
	cmd.SysProcAttr = attr
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}

// handOver makes the trees below dirs owned by id when running as root.
func handOver(id *Identity, dirs ...string) error {
	if id == nil || os.Geteuid() != 0 || id.UID == 0 {
		return nil
	}
	for _, dir := range dirs {
		err := filepath.WalkDir(dir, func(p string, _ fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			return os.Lchown(p, int(id.UID), int(id.GID))
		})
		if err != nil {
			return err
		}
	}
	return nil
}
