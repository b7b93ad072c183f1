package dag

import (
	"errors"
	"sort"
	"strings"
)

// Validate checks the whole graph: every input has a producer or is
// provided, and no chain of groups depends on itself. All problems are
// reported at once.
func (d *DAG) Validate() error {
	var errs []error
	for _, e := range d.executions {
		for _, f := range sortedFiles(e.InputFiles()) {
			file := d.files[f]
			if !file.Provided && file.Producer == NoExecution {
				errs = append(errs, newError(ErrMissingDependency, e.Description, "%s has no producer and is not provided", file))
			}
		}
	}
	if err := d.detectCycles(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// groupDeps returns, for every group, the groups producing its inputs.
func (d *DAG) groupDeps() [][]GroupID {
	deps := make([][]GroupID, len(d.groups))
	for _, g := range d.groups {
		seen := map[GroupID]bool{}
		for _, id := range g.Members {
			for _, f := range d.executions[id].InputFiles() {
				p := d.files[f].Producer
				if p == NoExecution {
					continue
				}
				pg := d.executions[p].Group
				if !seen[pg] {
					seen[pg] = true
					deps[g.ID] = append(deps[g.ID], pg)
				}
			}
		}
		sort.Slice(deps[g.ID], func(i, j int) bool { return deps[g.ID][i] < deps[g.ID][j] })
	}
	return deps
}

// detectCycles walks the group dependency graph depth-first with temporary
// and permanent marks and reports the first cycle it finds as a path.
func (d *DAG) detectCycles() error {
	deps := d.groupDeps()
	permanent := make([]bool, len(d.groups))
	temporary := make([]bool, len(d.groups))
	var stack []GroupID

	var visit func(g GroupID) []GroupID
	visit = func(g GroupID) []GroupID {
		if permanent[g] {
			return nil
		}
		if temporary[g] {
			for i, s := range stack {
				if s == g {
					return append(append([]GroupID{}, stack[i:]...), g)
				}
			}
			return []GroupID{g, g}
		}
		temporary[g] = true
		stack = append(stack, g)
		for _, dep := range deps[g] {
			if cycle := visit(dep); cycle != nil {
				return cycle
			}
		}
		stack = stack[:len(stack)-1]
		temporary[g] = false
		permanent[g] = true
		return nil
	}

	for _, g := range d.groups {
		if cycle := visit(g.ID); cycle != nil {
			names := make([]string, len(cycle))
			for i, id := range cycle {
				names[i] = d.groups[id].Name
			}
			return newError(ErrCycle, names[0], "%s", strings.Join(names, " -> "))
		}
	}
	return nil
}

func sortedFiles(files []FileID) []FileID {
	sort.Slice(files, func(i, j int) bool { return files[i] < files[j] })
	return files
}
