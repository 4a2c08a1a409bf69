// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

package journal

import (
	"crypto/subtle"

	"github.com/zeebo/blake3"

	"github.com/devit-dev/devitd/lib/codec"
)

// DigestSize is the size in bytes of a record's tag and of the
// previous-digest field that chains to it.
const DigestSize = 32

// GenesisDigest is the constant previous-digest value for the first
// record in a journal, spec §3's "genesis record uses a constant."
var GenesisDigest = [DigestSize]byte{}

// Record is a single journal entry: the sequence number, timestamp,
// actor, event kind and payload, the previous record's digest, and
// this record's authentication tag.
type Record struct {
	Sequence       uint64           `cbor:"sequence"`
	Timestamp      int64            `cbor:"timestamp"`
	Actor          string           `cbor:"actor"`
	Kind           string           `cbor:"kind"`
	Payload        codec.RawMessage `cbor:"payload"`
	PreviousDigest []byte           `cbor:"previous_digest"`
	Tag            []byte           `cbor:"tag"`
}

// taggedFields is the canonical structure hashed to produce a
// record's tag. It excludes the tag itself; including it would make
// the hash depend on its own output.
type taggedFields struct {
	Sequence       uint64          `cbor:"sequence"`
	Timestamp      int64           `cbor:"timestamp"`
	Actor          string          `cbor:"actor"`
	Kind           string          `cbor:"kind"`
	Payload        codec.RawMessage `cbor:"payload"`
	PreviousDigest []byte          `cbor:"previous_digest"`
}

// computeTag derives the authentication tag for a record given the
// journal's BLAKE3 subkey.
func computeTag(subkey []byte, sequence uint64, timestamp int64, actor, kind string, payload codec.RawMessage, previousDigest []byte) ([]byte, error) {
	canonical, err := codec.Marshal(taggedFields{
		Sequence:       sequence,
		Timestamp:      timestamp,
		Actor:          actor,
		Kind:           kind,
		Payload:        payload,
		PreviousDigest: previousDigest,
	})
	if err != nil {
		return nil, err
	}

	hasher, err := blake3.NewKeyed(subkey)
	if err != nil {
		return nil, err
	}
	hasher.Write(canonical)
	return hasher.Sum(nil), nil
}

// digest returns the BLAKE3 digest of the record's tag, used as the
// next record's previous-digest. Chaining on the tag (rather than a
// separate unkeyed hash of the whole record) means an attacker who
// does not hold the shared secret cannot forge a valid successor even
// if they can predict a record's plaintext fields.
func (r Record) digest() []byte {
	sum := blake3.Sum256(r.Tag)
	return sum[:]
}

// verifyTag recomputes r's tag under subkey and reports whether it
// matches the tag stored on the record, using a constant-time
// comparison.
func (r Record) verifyTag(subkey []byte) (bool, error) {
	want, err := computeTag(subkey, r.Sequence, r.Timestamp, r.Actor, r.Kind, r.Payload, r.PreviousDigest)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(want, r.Tag) == 1, nil
}
