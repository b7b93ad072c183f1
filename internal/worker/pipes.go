package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/vk/gridforge/internal/job"
	"golang.org/x/sys/unix"
)

// Pipes hands out the named pipes of group dispatches. Workers that may run
// members of the same group on one host must share a Pipes.
type Pipes struct {
	root string

	mu     sync.Mutex
	groups map[string]*pipeDir
}

type pipeDir struct {
	path string
	left int
}

// NewPipes creates pipe directories under root; empty means os.TempDir().
func NewPipes(root string) *Pipes {
	return &Pipes{root: root, groups: map[string]*pipeDir{}}
}

// acquire returns the directory holding the pipes of g. The first member to
// arrive creates it.
func (p *Pipes) acquire(g *job.FIFOGroup) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d, ok := p.groups[g.ID]; ok {
		return d.path, nil
	}
	if p.root != "" {
		if err := os.MkdirAll(p.root, 0o755); err != nil {
			return "", err
		}
	}
	dir, err := os.MkdirTemp(p.root, "pipes-*")
	if err != nil {
		return "", err
	}
	for _, name := range g.Names {
		if err := unix.Mkfifo(filepath.Join(dir, name), 0o666); err != nil {
			os.RemoveAll(dir)
			return "", fmt.Errorf("mkfifo %s: %w", name, err)
		}
	}
	p.groups[g.ID] = &pipeDir{path: dir, left: max(g.Members, 1)}
	return dir, nil
}

// release is called once by every member; the last one removes the pipes.
func (p *Pipes) release(g *job.FIFOGroup) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.groups[g.ID]
	if !ok {
		return
	}
	d.left--
	if d.left > 0 {
		return
	}
	delete(p.groups, g.ID)
	os.RemoveAll(d.path)
}

// Len is the number of pipe directories alive.
func (p *Pipes) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.groups)
}
