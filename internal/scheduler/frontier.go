package scheduler

import "github.com/vk/gridforge/internal/dag"

// Frontier tracks unmet input files per group.
type Frontier struct {
	pending   []int
	consumers map[dag.FileID][]dag.GroupID
	ready     map[dag.FileID]bool
}

// NewFrontier counts the distinct input files of every group of d. Files
// produced inside a group never count against it.
func NewFrontier(d *dag.DAG) *Frontier {
	f := &Frontier{
		pending:   make([]int, len(d.Groups())),
		consumers: map[dag.FileID][]dag.GroupID{},
		ready:     map[dag.FileID]bool{},
	}
	for _, g := range d.Groups() {
		seen := map[dag.FileID]bool{}
		for _, id := range g.Members {
			for _, file := range d.Execution(id).InputFiles() {
				if seen[file] {
					continue
				}
				seen[file] = true
				f.pending[g.ID]++
				f.consumers[file] = append(f.consumers[file], g.ID)
			}
		}
	}
	return f
}

// Initial returns the groups that have no inputs at all.
func (f *Frontier) Initial() []dag.GroupID {
	var out []dag.GroupID
	for g, n := range f.pending {
		if n == 0 {
			out = append(out, dag.GroupID(g))
		}
	}
	return out
}

// FileReady records that file is materialised and returns the groups whose
// last missing input it was. Repeated calls for the same file are ignored.
func (f *Frontier) FileReady(file dag.FileID) []dag.GroupID {
	if f.ready[file] {
		return nil
	}
	f.ready[file] = true
	var out []dag.GroupID
	for _, g := range f.consumers[file] {
		f.pending[g]--
		if f.pending[g] == 0 {
			out = append(out, g)
		}
	}
	return out
}

// IsReady reports whether file has been materialised.
func (f *Frontier) IsReady(file dag.FileID) bool {
	return f.ready[file]
}

// Consumers returns the groups reading file.
func (f *Frontier) Consumers(file dag.FileID) []dag.GroupID {
	return f.consumers[file]
}
