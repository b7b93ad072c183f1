package dag

import (
	"fmt"
	"path"
	"slices"
	"strings"
)

// FIFODir is where group pipes appear in every member's sandbox.
const FIFODir = "fifo"

// DAG owns every File, Execution and Group of one submission.
type DAG struct {
	Config Config

	files      []*File
	executions []*Execution
	groups     []*Group
}

// New returns an empty DAG with DefaultConfig.
func New() *DAG {
	return &DAG{Config: DefaultConfig()}
}

// AddFile declares a file that some execution will produce.
func (d *DAG) AddFile(description string) FileID {
	id := FileID(len(d.files))
	d.files = append(d.files, &File{ID: id, Description: description, Producer: NoExecution})
	return id
}

// ProvideContent declares a file whose content is supplied now.
func (d *DAG) ProvideContent(description string, content []byte) FileID {
	id := d.AddFile(description)
	f := d.files[id]
	f.Provided = true
	f.Content = append([]byte{}, content...)
	return id
}

// ProvideLocalFile declares a file read from path when the run starts.
func (d *DAG) ProvideLocalFile(description, path string) FileID {
	id := d.AddFile(description)
	f := d.files[id]
	f.Provided = true
	f.LocalPath = path
	return id
}

// ProvideDigest declares a provided file known only by its content key.
func (d *DAG) ProvideDigest(description, digest string) FileID {
	id := d.AddFile(description)
	f := d.files[id]
	f.Provided = true
	f.Digest = digest
	return id
}

// AddExecution registers e as a group of its own.
func (d *DAG) AddExecution(e *Execution) (ExecutionID, error) {
	if _, err := d.AddExecutionGroup(e.Description, e); err != nil {
		return NoExecution, err
	}
	return e.ID, nil
}

// AddExecutionGroup registers members as one group. Either every member is
// added or, on error, none is.
func (d *DAG) AddExecutionGroup(name string, members ...*Execution) (GroupID, error) {
	if len(members) == 0 {
		return -1, newError(ErrInvalid, name, "group has no members")
	}

	claimed := map[FileID]*Execution{}
	for _, e := range members {
		if e == nil {
			return -1, newError(ErrInvalid, name, "nil execution")
		}
		if e.owner != nil {
			return -1, newError(ErrInvalid, e.Description, "execution is already part of a DAG")
		}
		if e.Command == "" {
			return -1, newError(ErrInvalid, e.Description, "empty command")
		}
		if n := uint64(len(e.Outputs)); e.Limits.Outputs > 0 && n > e.Limits.Outputs {
			return -1, newError(ErrInvalid, e.Description, "declares %d outputs but may leave only %d", n, e.Limits.Outputs)
		}
		for _, f := range e.InputFiles() {
			if !d.validFile(f) {
				return -1, newError(ErrUnknownNode, e.Description, "input file %d does not exist", f)
			}
		}
		for _, f := range e.OutputFiles() {
			if !d.validFile(f) {
				return -1, newError(ErrUnknownNode, e.Description, "output file %d does not exist", f)
			}
			file := d.files[f]
			switch {
			case file.Provided:
				return -1, newError(ErrDuplicateOutput, e.Description, "%s is provided and cannot be produced", file)
			case file.Producer != NoExecution:
				return -1, newError(ErrDuplicateOutput, e.Description, "%s is already produced by %s", file, d.executions[file.Producer])
			}
			if other, ok := claimed[f]; ok {
				return -1, newError(ErrDuplicateOutput, e.Description, "%s is also produced by %q", file, other.Description)
			}
			claimed[f] = e
		}
	}

	for _, e := range members {
		for _, f := range e.InputFiles() {
			producer, ok := claimed[f]
			if !ok {
				continue
			}
			if producer == e {
				return -1, newError(ErrCycle, e.Description, "%s is both input and output", d.files[f])
			}
			return -1, newError(ErrInvalid, e.Description, "%s is produced by %q in the same group", d.files[f], producer.Description)
		}
	}

	g := &Group{ID: GroupID(len(d.groups)), Name: name}
	for _, e := range members {
		e.ID = ExecutionID(len(d.executions))
		e.Group = g.ID
		e.owner = d
		d.executions = append(d.executions, e)
		g.Members = append(g.Members, e.ID)
		for _, f := range e.OutputFiles() {
			d.files[f].Producer = e.ID
		}
	}
	d.groups = append(d.groups, g)
	return g.ID, nil
}

// AddFIFO declares a named pipe shared by the members of group g. The name is
// a plain file name; no member may bind files under fifo/ itself.
func (d *DAG) AddFIFO(g GroupID, name string) error {
	if g < 0 || int(g) >= len(d.groups) {
		return newError(ErrUnknownNode, fmt.Sprintf("group %d", g), "group does not exist")
	}
	group := d.groups[g]
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return newError(ErrInvalid, group.Name, "invalid fifo name %q", name)
	}
	if slices.Contains(group.FIFOs, name) {
		return newError(ErrInvalid, group.Name, "fifo %q declared twice", name)
	}
	for _, id := range group.Members {
		e := d.executions[id]
		for _, p := range e.sandboxPaths() {
			if underFIFODir(p) {
				return newError(ErrInvalid, e.Description, "%s clashes with the fifo directory", p)
			}
		}
	}
	group.FIFOs = append(group.FIFOs, name)
	return nil
}

func underFIFODir(p string) bool {
	first, _, _ := strings.Cut(path.Clean(p), "/")
	return first == FIFODir
}

func (d *DAG) validFile(f FileID) bool {
	return f >= 0 && int(f) < len(d.files)
}

// File returns the file with the given id. It panics on an unknown id.
func (d *DAG) File(id FileID) *File {
	return d.files[id]
}

// Execution returns the execution with the given id. It panics on an unknown
// id.
func (d *DAG) Execution(id ExecutionID) *Execution {
	return d.executions[id]
}

// Group returns the group with the given id. It panics on an unknown id.
func (d *DAG) Group(id GroupID) *Group {
	return d.groups[id]
}

func (d *DAG) Files() []*File           { return d.files }
func (d *DAG) Executions() []*Execution { return d.executions }
func (d *DAG) Groups() []*Group         { return d.groups }

func (d *DAG) String() string {
	return fmt.Sprintf("dag(%d files, %d executions, %d groups)", len(d.files), len(d.executions), len(d.groups))
}
