// Package protocol defines the messages exchanged between the coordinator,
// its remote workers and remote clients, and the websocket connection that
// carries them.
//
// Every message travels as a msgpack Envelope holding its Kind and the
// encoded payload. A connection starts with Hello and is answered with
// Welcome or Reject; a peer speaking another Version is rejected at once.
package protocol

import (
	"time"

	"github.com/vk/gridforge/internal/executor"
	"github.com/vk/gridforge/internal/job"
	"github.com/vk/gridforge/internal/store"
)

// Version is bumped on every incompatible change of the messages below.
const Version = 1

type Kind string

const (
	KindHello       Kind = "hello"
	KindWelcome     Kind = "welcome"
	KindReject      Kind = "reject"
	KindHeartbeat   Kind = "heartbeat"
	KindAssign      Kind = "assign"
	KindCancel      Kind = "cancel"
	KindJobStarted  Kind = "job_started"
	KindResult      Kind = "result"
	KindAck         Kind = "ack"
	KindAskFile     Kind = "ask_file"
	KindFileChunk   Kind = "file_chunk"
	KindFileMissing Kind = "file_missing"
	KindSubmit      Kind = "submit"
	KindEvent       Kind = "event"
	KindStatusQuery Kind = "status_query"
	KindStatus      Kind = "status"
	KindStop        Kind = "stop"
	KindDone        Kind = "done"
	KindError       Kind = "error"
)

type Role string

const (
	RoleWorker Role = "worker"
	RoleClient Role = "client"
)

type Hello struct {
	Version   int    `msgpack:"version"`
	Role      Role   `msgpack:"role"`
	Name      string `msgpack:"name"`
	Slots     int    `msgpack:"slots"`
	MemoryKiB uint64 `msgpack:"memory_kib"`
}

type Welcome struct {
	ID                string        `msgpack:"id"`
	HeartbeatInterval time.Duration `msgpack:"heartbeat_interval"`
}

// Reject refuses a Hello. Version is the version the rejecting side speaks.
type Reject struct {
	Reason  string `msgpack:"reason"`
	Version int    `msgpack:"version"`
}

type Heartbeat struct {
	Running int `msgpack:"running"`
}

// Assign hands one job to a worker.
type Assign struct {
	JobID string   `msgpack:"job_id"`
	Spec  job.Spec `msgpack:"spec"`
}

type Cancel struct {
	JobID string `msgpack:"job_id"`
}

type JobStarted struct {
	JobID string `msgpack:"job_id"`
}

// Result reports a finished job. The worker keeps every blob it refers to
// until the matching Ack arrives.
type Result struct {
	JobID  string     `msgpack:"job_id"`
	Result job.Result `msgpack:"result"`
}

type Ack struct {
	JobID string `msgpack:"job_id"`
}

// AskFile requests the content of Key starting at Offset.
type AskFile struct {
	Key    store.Key `msgpack:"key"`
	Offset int64     `msgpack:"offset"`
}

// FileChunk carries zstd-compressed bytes of a blob starting at Offset.
type FileChunk struct {
	Key    store.Key `msgpack:"key"`
	Offset int64     `msgpack:"offset"`
	Data   []byte    `msgpack:"data"`
	Last   bool      `msgpack:"last"`
}

type FileMissing struct {
	Key store.Key `msgpack:"key"`
}

// Submit starts a DAG on the server.
type Submit struct {
	DAG WireDAG `msgpack:"dag"`
}

type Event struct {
	Event executor.Event `msgpack:"event"`
}

type StatusQuery struct{}

type Status struct {
	Snapshot executor.Snapshot `msgpack:"snapshot"`
}

type Stop struct{}

type Done struct {
	Summary executor.Summary `msgpack:"summary"`
}

type Error struct {
	Message string `msgpack:"message"`
}

func newMessage(k Kind) any {
	switch k {
	case KindHello:
		return &Hello{}
	case KindWelcome:
		return &Welcome{}
	case KindReject:
		return &Reject{}
	case KindHeartbeat:
		return &Heartbeat{}
	case KindAssign:
		return &Assign{}
	case KindCancel:
		return &Cancel{}
	case KindJobStarted:
		return &JobStarted{}
	case KindResult:
		return &Result{}
	case KindAck:
		return &Ack{}
	case KindAskFile:
		return &AskFile{}
	case KindFileChunk:
		return &FileChunk{}
	case KindFileMissing:
		return &FileMissing{}
	case KindSubmit:
		return &Submit{}
	case KindEvent:
		return &Event{}
	case KindStatusQuery:
		return &StatusQuery{}
	case KindStatus:
		return &Status{}
	case KindStop:
		return &Stop{}
	case KindDone:
		return &Done{}
	case KindError:
		return &Error{}
	}
	return nil
}

// KindOf returns the kind of a message value or pointer.
func KindOf(msg any) (Kind, bool) {
	switch msg.(type) {
	case Hello, *Hello:
		return KindHello, true
	case Welcome, *Welcome:
		return KindWelcome, true
	case Reject, *Reject:
		return KindReject, true
	case Heartbeat, *Heartbeat:
		return KindHeartbeat, true
	case Assign, *Assign:
		return KindAssign, true
	case Cancel, *Cancel:
		return KindCancel, true
	case JobStarted, *JobStarted:
		return KindJobStarted, true
	case Result, *Result:
		return KindResult, true
	case Ack, *Ack:
		return KindAck, true
	case AskFile, *AskFile:
		return KindAskFile, true
	case FileChunk, *FileChunk:
		return KindFileChunk, true
	case FileMissing, *FileMissing:
		return KindFileMissing, true
	case Submit, *Submit:
		return KindSubmit, true
	case Event, *Event:
		return KindEvent, true
	case StatusQuery, *StatusQuery:
		return KindStatusQuery, true
	case Status, *Status:
		return KindStatus, true
	case Stop, *Stop:
		return KindStop, true
	case Done, *Done:
		return KindDone, true
	case Error, *Error:
		return KindError, true
	}
	return "", false
}
