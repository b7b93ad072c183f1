//go:build linux

package sandbox

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/vk/gridforge/internal/dag"
	"golang.org/x/sys/unix"
)

// gate holds a freshly started child in a tiny shell until its limits are
// in place. The shell blocks reading fd 3 and only then execs the command,
// so the command never runs unconfined.
type gate struct {
	r, w *os.File
}

func newGate() (*gate, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	return &gate{r: r, w: w}, nil
}

func (g *gate) command(path string, args []string, l dag.Limits) *exec.Cmd {
	var script strings.Builder
	script.WriteString("read -r go <&3 || exit 127\nexec 3<&-\n")
	if l.OpenFiles > 0 {
		// Set by the shell itself: its own redirections need spare
		// descriptors, which a tight limit would not leave.
		fmt.Fprintf(&script, "ulimit -n %d || exit 127\n", l.OpenFiles)
	}
	script.WriteString(`exec "$0" "$@"`)

	cmd := exec.Command("/bin/sh", append([]string{"-c", script.String(), path}, args...)...)
	cmd.ExtraFiles = []*os.File{g.r}
	return cmd
}

// open applies l to the waiting child and lets it exec.
func (g *gate) open(pid int, l dag.Limits) error {
	g.r.Close()
	if err := applyLimits(pid, l); err != nil {
		return err
	}
	_, err := g.w.Write([]byte("\n"))
	return err
}

func (g *gate) close() {
	g.r.Close()
	g.w.Close()
}

func applyLimits(pid int, l dag.Limits) error {
	set := func(name string, resource int, value uint64) error {
		if value == 0 {
			return nil
		}
		lim := unix.Rlimit{Cur: value, Max: value}
		if err := unix.Prlimit(pid, resource, &lim, nil); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	}

	if l.CPUTime > 0 {
		// Whole seconds, rounded up. The soft limit delivers SIGXCPU, the
		// hard one a second later SIGKILL.
		secs := uint64((l.CPUTime + 999_999_999) / 1_000_000_000)
		lim := unix.Rlimit{Cur: secs, Max: secs + 1}
		if err := unix.Prlimit(pid, unix.RLIMIT_CPU, &lim, nil); err != nil {
			return fmt.Errorf("cpu: %w", err)
		}
	}
	// RLIMIT_NPROC counts every process of the user and the kernel does not
	// apply it to root.
	if err := set("processes", unix.RLIMIT_NPROC, l.Processes); err != nil {
		return err
	}
	if err := set("file size", unix.RLIMIT_FSIZE, l.FileSize*1024); err != nil {
		return err
	}
	return set("stack", unix.RLIMIT_STACK, l.Stack*1024)
}

// rssKiB returns the current resident set of pid, or 0 when it cannot be
// read.
func rssKiB(pid int) uint64 {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/statm")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return 0
	}
	pages, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return pages * uint64(os.Getpagesize()) / 1024
}

// maxRSSKiB returns the peak resident set; Linux already reports KiB.
func maxRSSKiB(ru *syscall.Rusage) uint64 {
	return uint64(ru.Maxrss)
}
