package store

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Key is the blake2b-256 digest of a blob's content.
type Key [blake2b.Size256]byte

// KeyOf returns the key of data.
func KeyOf(data []byte) Key {
	return Key(blake2b.Sum256(data))
}

// ParseKey decodes the hexadecimal form produced by Key.String.
func ParseKey(s string) (Key, error) {
	var k Key
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("parse key %q: %w", s, err)
	}
	if len(b) != len(k) {
		return k, fmt.Errorf("parse key %q: want %d bytes, got %d", s, len(k), len(b))
	}
	copy(k[:], b)
	return k, nil
}

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// Short is an abbreviated form for logs.
func (k Key) Short() string {
	return k.String()[:12]
}

func (k Key) IsZero() bool {
	return k == Key{}
}
