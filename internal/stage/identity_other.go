//go:build !unix

package stage

import "os/exec"

func isolate(cmd *exec.Cmd, id *Identity) {}

func handOver(id *Identity, dirs ...string) error { return nil }
