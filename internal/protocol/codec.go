package protocol

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrVersionMismatch = errors.New("protocol version mismatch")
	ErrMalformed       = errors.New("malformed message")
	ErrConnectionLost  = errors.New("connection lost")
	// ErrRejected is returned when the peer answers Hello with Reject.
	ErrRejected = errors.New("rejected by peer")
)

// Envelope is the unit written to the wire.
type Envelope struct {
	Kind    Kind               `msgpack:"kind"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// Encode wraps msg in an Envelope.
func Encode(msg any) ([]byte, error) {
	kind, ok := KindOf(msg)
	if !ok {
		return nil, fmt.Errorf("%w: unknown message type %T", ErrMalformed, msg)
	}
	payload, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", kind, err)
	}
	return msgpack.Marshal(&Envelope{Kind: kind, Payload: payload})
}

// Decode returns a pointer to the message held by data.
func Decode(data []byte) (any, error) {
	var env Envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	msg := newMessage(env.Kind)
	if msg == nil {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformed, env.Kind)
	}
	if err := msgpack.Unmarshal(env.Payload, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Kind, err)
	}
	return msg, nil
}

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

// Compress is applied to FileChunk.Data.
func Compress(data []byte) []byte {
	return encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
}

func Decompress(data []byte) ([]byte, error) {
	out, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: chunk: %v", ErrMalformed, err)
	}
	return out, nil
}
