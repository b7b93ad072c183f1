package protocol

import (
	"context"
	"fmt"

	"github.com/vk/gridforge/internal/dag"
	"github.com/vk/gridforge/internal/store"
)

// WireDAG is a DAG as submitted to a server. Provided files travel as
// digests; their content is served on request by the submitting client.
type WireDAG struct {
	Config     dag.Config      `msgpack:"config"`
	Files      []WireFile      `msgpack:"files"`
	Groups     []WireGroup     `msgpack:"groups"`
	Executions []WireExecution `msgpack:"executions"`
}

type WireFile struct {
	Description string `msgpack:"description"`
	Provided    bool   `msgpack:"provided"`
	Digest      string `msgpack:"digest,omitempty"`
}

type WireGroup struct {
	Name    string            `msgpack:"name"`
	Members []dag.ExecutionID `msgpack:"members"`
}

type WireInput struct {
	File       dag.FileID `msgpack:"file"`
	Executable bool       `msgpack:"executable,omitempty"`
}

type WireExecution struct {
	Description  string                `msgpack:"description"`
	Command      string                `msgpack:"command"`
	Args         []string              `msgpack:"args"`
	Env          map[string]string     `msgpack:"env"`
	Inputs       map[string]WireInput  `msgpack:"inputs"`
	Outputs      map[string]dag.FileID `msgpack:"outputs"`
	Stdin        *dag.FileID           `msgpack:"stdin,omitempty"`
	Stdout       *dag.FileID           `msgpack:"stdout,omitempty"`
	Stderr       *dag.FileID           `msgpack:"stderr,omitempty"`
	Limits       dag.Limits            `msgpack:"limits"`
	Priority     int                   `msgpack:"priority"`
	Cacheable    bool                  `msgpack:"cacheable"`
	AllowFailure bool                  `msgpack:"allow_failure"`
	Tag          string                `msgpack:"tag,omitempty"`
	CaptureBytes int                   `msgpack:"capture_bytes,omitempty"`
}

// EncodeDAG stores every provided file of d in st and returns the wire form
// together with leases keeping those blobs alive while the run lasts.
func EncodeDAG(ctx context.Context, d *dag.DAG, st *store.Store) (WireDAG, *store.Leases, error) {
	leases := store.NewLeases()
	w := WireDAG{Config: d.Config}
	for _, f := range d.Files() {
		wf := WireFile{Description: f.Description, Provided: f.Provided}
		if f.Provided {
			h, err := provide(ctx, f, st)
			if err != nil {
				leases.ReleaseAll()
				return WireDAG{}, nil, fmt.Errorf("provide %s: %w", f, err)
			}
			leases.Add(h)
			wf.Digest = h.Key().String()
		}
		w.Files = append(w.Files, wf)
	}
	for _, g := range d.Groups() {
		w.Groups = append(w.Groups, WireGroup{Name: g.Name, Members: g.Members})
	}
	for _, e := range d.Executions() {
		we := WireExecution{
			Description:  e.Description,
			Command:      e.Command,
			Args:         e.Args,
			Env:          e.Env,
			Inputs:       make(map[string]WireInput, len(e.Inputs)),
			Outputs:      e.Outputs,
			Stdin:        e.Stdin,
			Stdout:       e.Stdout,
			Stderr:       e.Stderr,
			Limits:       e.Limits,
			Priority:     e.Priority,
			Cacheable:    e.Cacheable,
			AllowFailure: e.AllowFailure,
			Tag:          e.Tag,
			CaptureBytes: e.CaptureBytes,
		}
		for path, in := range e.Inputs {
			we.Inputs[path] = WireInput{File: in.File, Executable: in.Executable}
		}
		w.Executions = append(w.Executions, we)
	}
	return w, leases, nil
}

func provide(ctx context.Context, f *dag.File, st *store.Store) (*store.Handle, error) {
	switch {
	case f.Digest != "":
		key, err := store.ParseKey(f.Digest)
		if err != nil {
			return nil, err
		}
		return st.Get(ctx, key)
	case f.LocalPath != "":
		return st.StoreFile(ctx, f.LocalPath)
	}
	return st.StoreBytes(ctx, f.Content)
}

// DecodeDAG rebuilds a DAG with the same file and execution ids as the one
// that was encoded.
func DecodeDAG(w WireDAG) (*dag.DAG, error) {
	d := dag.New()
	d.Config = w.Config
	for _, f := range w.Files {
		if f.Provided {
			d.ProvideDigest(f.Description, f.Digest)
		} else {
			d.AddFile(f.Description)
		}
	}
	next := dag.ExecutionID(0)
	for _, g := range w.Groups {
		members := make([]*dag.Execution, 0, len(g.Members))
		for _, id := range g.Members {
			if id != next || int(id) >= len(w.Executions) {
				return nil, fmt.Errorf("%w: group %q lists execution %d out of order", ErrMalformed, g.Name, id)
			}
			next++
			members = append(members, decodeExecution(w.Executions[id]))
		}
		if _, err := d.AddExecutionGroup(g.Name, members...); err != nil {
			return nil, err
		}
	}
	if int(next) != len(w.Executions) {
		return nil, fmt.Errorf("%w: %d executions belong to no group", ErrMalformed, len(w.Executions)-int(next))
	}
	return d, nil
}

func decodeExecution(we WireExecution) *dag.Execution {
	e := dag.NewExecution(we.Description, we.Command, we.Args...)
	for k, v := range we.Env {
		e.Env[k] = v
	}
	for path, in := range we.Inputs {
		e.Input(path, in.File, in.Executable)
	}
	for path, f := range we.Outputs {
		e.Output(path, f)
	}
	e.Stdin, e.Stdout, e.Stderr = we.Stdin, we.Stdout, we.Stderr
	e.Limits = we.Limits
	e.Priority = we.Priority
	e.Cacheable = we.Cacheable
	e.AllowFailure = we.AllowFailure
	e.Tag = we.Tag
	e.CaptureBytes = we.CaptureBytes
	return e
}
