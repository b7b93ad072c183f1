package cache

import (
	"encoding/binary"
	"encoding/hex"
	"hash"
	"sort"

	"github.com/vk/gridforge/internal/job"
	"golang.org/x/crypto/blake2b"
)

const keyDomain = "gridforge-cache-v1"

// Key fingerprints an execution (or a group of them).
type Key [blake2b.Size256]byte

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

type fingerprint struct {
	h hash.Hash
}

func newFingerprint(kind string) *fingerprint {
	h, _ := blake2b.New256(nil)
	f := &fingerprint{h: h}
	f.str(keyDomain)
	f.str(kind)
	return f
}

// str writes a length-prefixed string so adjacent fields cannot run into
// each other.
func (f *fingerprint) str(s string) {
	f.uint(uint64(len(s)))
	f.h.Write([]byte(s))
}

func (f *fingerprint) bytes(b []byte) {
	f.uint(uint64(len(b)))
	f.h.Write(b)
}

func (f *fingerprint) uint(v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	f.h.Write(buf[:])
}

func (f *fingerprint) bool(b bool) {
	if b {
		f.uint(1)
	} else {
		f.uint(0)
	}
}

func (f *fingerprint) sum() Key {
	var k Key
	copy(k[:], f.h.Sum(nil))
	return k
}

// KeyFor derives the cache key of a single execution from everything that
// can influence its outputs: command, arguments, environment, input content
// in sandbox path order, stdin, declared outputs, limits and the group's
// pipes.
func KeyFor(spec *job.Spec) Key {
	f := newFingerprint("execution")
	f.str(spec.Command)

	f.uint(uint64(len(spec.Args)))
	for _, a := range spec.Args {
		f.str(a)
	}

	envKeys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)
	f.uint(uint64(len(envKeys)))
	for _, k := range envKeys {
		f.str(k)
		f.str(spec.Env[k])
	}

	paths := make([]string, 0, len(spec.Inputs))
	for p := range spec.Inputs {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	f.uint(uint64(len(paths)))
	for _, p := range paths {
		in := spec.Inputs[p]
		f.str(p)
		f.bytes(in.Key[:])
		f.bool(in.Executable)
	}

	f.bool(spec.Stdin != nil)
	if spec.Stdin != nil {
		f.bytes(spec.Stdin[:])
	}

	outputs := append([]string{}, spec.Outputs...)
	sort.Strings(outputs)
	f.uint(uint64(len(outputs)))
	for _, o := range outputs {
		f.str(o)
	}
	f.bool(spec.KeepStdout)
	f.bool(spec.KeepStderr)

	l := spec.Limits
	f.uint(uint64(l.CPUTime))
	f.uint(uint64(l.WallTime))
	f.uint(l.Memory)
	f.uint(l.Processes)
	f.uint(l.OpenFiles)
	f.uint(l.FileSize)
	f.uint(l.Stack)
	f.uint(l.Outputs)
	f.bool(spec.AllowFailure)

	var fifos []string
	if spec.FIFOs != nil {
		fifos = spec.FIFOs.Names
	}
	f.uint(uint64(len(fifos)))
	for _, name := range fifos {
		f.str(name)
	}
	return f.sum()
}

// GroupKey combines member keys, in group order, into the key of a group.
func GroupKey(members []Key) Key {
	f := newFingerprint("group")
	f.uint(uint64(len(members)))
	for _, m := range members {
		f.bytes(m[:])
	}
	return f.sum()
}
