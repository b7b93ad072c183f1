//go:build !linux

package sandbox

import (
	"os/exec"
	"syscall"

	"github.com/vk/gridforge/internal/dag"
)

// gate starts the command directly; only the wall-time limit is enforced
// outside linux.
type gate struct{}

func newGate() (*gate, error) { return &gate{}, nil }

func (g *gate) command(path string, args []string, l dag.Limits) *exec.Cmd {
	return exec.Command(path, args...)
}

func (g *gate) open(pid int, l dag.Limits) error { return nil }

func (g *gate) close() {}

func rssKiB(pid int) uint64 { return 0 }

func maxRSSKiB(ru *syscall.Rusage) uint64 {
	return uint64(ru.Maxrss) / 1024
}
