// Package sandbox runs one command as a child process under resource limits
// and reports how it ended.
//
// The child gets its own process group so that a limit violation or a
// cancellation kills everything it spawned. Limits the kernel enforces (CPU
// time, processes, open files, file size, stack) are in place before the
// command is exec'd. Memory is the resident set: a watchdog kills the
// process once it grows past the limit, and the peak reported by the kernel
// catches what the watchdog missed. Wall-clock time is enforced by a timer.
// Failures of the sandbox itself are reported as ErrInternal and never as a
// program outcome.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/vk/gridforge/internal/dag"
	"github.com/vk/gridforge/internal/job"
	"golang.org/x/sys/unix"
)

// ErrInternal marks errors of the sandbox rather than of the program.
var ErrInternal = errors.New("sandbox internal error")

const defaultPath = "/usr/local/bin:/usr/bin:/bin"

// memoryPoll is how often the resident set is sampled.
const memoryPoll = 10 * time.Millisecond

// Config describes one sandboxed run. Stdin, Stdout and Stderr are paths on
// the host; empty means /dev/null.
type Config struct {
	Dir     string
	Command string
	Args    []string
	Env     map[string]string
	Stdin   string
	Stdout  string
	Stderr  string
	Limits  dag.Limits
}

// Result is the classified end of a run.
type Result struct {
	Outcome   job.Outcome
	ExitCode  int
	Signal    int
	Message   string
	Resources job.Resources
}

func internal(format string, args ...any) (Result, error) {
	err := fmt.Errorf("%w: %s", ErrInternal, fmt.Sprintf(format, args...))
	return Result{Outcome: job.InternalError, Message: err.Error()}, err
}

// Run executes cfg and waits for it to end. Cancelling ctx kills the process
// group.
func Run(ctx context.Context, cfg Config) (Result, error) {
	path, err := resolve(cfg.Dir, cfg.Command)
	if err != nil {
		return internal("resolve command %q: %v", cfg.Command, err)
	}

	g, err := newGate()
	if err != nil {
		return internal("create gate: %v", err)
	}
	defer g.close()
	cmd := g.command(path, cfg.Args, cfg.Limits)
	cmd.Dir = cfg.Dir
	cmd.Env = environ(cfg.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var files []io.Closer
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()
	if cfg.Stdin != "" {
		f, err := os.Open(cfg.Stdin)
		if err != nil {
			return internal("open stdin: %v", err)
		}
		files = append(files, f)
		cmd.Stdin = f
	}
	if cfg.Stdout != "" {
		f, err := os.Create(cfg.Stdout)
		if err != nil {
			return internal("create stdout: %v", err)
		}
		files = append(files, f)
		cmd.Stdout = f
	}
	if cfg.Stderr != "" {
		f, err := os.Create(cfg.Stderr)
		if err != nil {
			return internal("create stderr: %v", err)
		}
		files = append(files, f)
		cmd.Stderr = f
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return internal("start %s: %v", cfg.Command, err)
	}
	pid := cmd.Process.Pid
	if err := g.open(pid, cfg.Limits); err != nil {
		killGroup(pid)
		_ = cmd.Wait()
		return internal("apply limits: %v", err)
	}

	var wallKilled, memKilled, cancelled atomic.Bool
	done := make(chan struct{})
	var timer *time.Timer
	if cfg.Limits.WallTime > 0 {
		timer = time.AfterFunc(cfg.Limits.WallTime, func() {
			wallKilled.Store(true)
			killGroup(pid)
		})
	}
	go func() {
		var sample <-chan time.Time
		if cfg.Limits.Memory > 0 {
			ticker := time.NewTicker(memoryPoll)
			defer ticker.Stop()
			sample = ticker.C
		}
		for {
			select {
			case <-ctx.Done():
				cancelled.Store(true)
				killGroup(pid)
				return
			case <-done:
				return
			case <-sample:
				if rssKiB(pid) > cfg.Limits.Memory {
					memKilled.Store(true)
					killGroup(pid)
					return
				}
			}
		}
	}()

	waitErr := cmd.Wait()
	wall := time.Since(start)
	close(done)
	if timer != nil {
		timer.Stop()
	}
	// Reap whatever the command left behind in its group.
	killGroup(pid)

	state := cmd.ProcessState
	if state == nil {
		return internal("wait: %v", waitErr)
	}
	res := Result{Resources: job.Resources{
		CPUTime:  state.UserTime(),
		SysTime:  state.SystemTime(),
		WallTime: wall,
	}}
	if ru, ok := state.SysUsage().(*syscall.Rusage); ok {
		res.Resources.MemoryKiB = maxRSSKiB(ru)
	}
	ws, _ := state.Sys().(syscall.WaitStatus)
	classify(&res, ws, cfg.Limits, kills{wall: wallKilled.Load(), memory: memKilled.Load(), cancelled: cancelled.Load()})
	return res, nil
}

// kills records which watcher killed the process group.
type kills struct {
	wall, memory, cancelled bool
}

func classify(res *Result, ws syscall.WaitStatus, l dag.Limits, k kills) {
	used := res.Resources
	switch {
	case k.cancelled:
		res.Outcome = job.Signal
		res.Signal = int(syscall.SIGKILL)
		res.Message = "cancelled"
	case l.CPUTime > 0 && used.CPUTime+used.SysTime > l.CPUTime:
		res.Outcome = job.TimeLimitExceeded
		res.Message = "cpu time exceeded"
	case k.wall || (l.WallTime > 0 && used.WallTime > l.WallTime):
		res.Outcome = job.WallTimeLimitExceeded
		res.Message = "wall time exceeded"
	case l.Memory > 0 && (k.memory || used.MemoryKiB > l.Memory):
		res.Outcome = job.MemoryLimitExceeded
		res.Message = "memory limit exceeded"
	case ws.Signaled():
		sig := ws.Signal()
		res.Signal = int(sig)
		switch sig {
		case syscall.SIGXFSZ:
			res.Outcome = job.FileSizeLimitExceeded
			res.Message = "output size exceeded"
		case syscall.SIGXCPU:
			res.Outcome = job.TimeLimitExceeded
			res.Message = "cpu time exceeded"
		default:
			res.Outcome = job.Signal
			res.Message = sig.String()
		}
	case ws.ExitStatus() != 0:
		res.Outcome = job.ReturnCode
		res.ExitCode = ws.ExitStatus()
	default:
		res.Outcome = job.Success
	}
}

func resolve(dir, command string) (string, error) {
	if command == "" {
		return "", errors.New("empty command")
	}
	if !strings.Contains(command, "/") {
		return exec.LookPath(command)
	}
	path := command
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, command)
	}
	fi, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if fi.IsDir() || fi.Mode().Perm()&0o111 == 0 {
		return "", fmt.Errorf("%s is not executable", command)
	}
	return filepath.Abs(path)
}

func environ(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	if _, ok := env["PATH"]; !ok {
		out = append(out, "PATH="+defaultPath)
	}
	return out
}

func killGroup(pid int) {
	_ = unix.Kill(-pid, unix.SIGKILL)
}
