// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

// Package journal implements devitd's durable, tamper-evident event
// log: an append-only chain of records, each authenticated and linked
// to the digest of the record before it.
//
// [Open] attaches to (or creates) a directory of segment files and
// verifies the chain of the active segment before returning. [Append]
// is ordered, atomic, and synchronous: it does not return until the
// record is fsync'd to the segment file. [Tail] returns the most
// recent records for debugging. [VerifyChain] recomputes the chain
// over an arbitrary slice of records, independent of any open
// Journal, so the property that "record[n].previous_digest =
// digest(record[n-1])" is directly testable.
//
// Every record's authentication tag is a BLAKE3 keyed hash under a
// subkey HKDF-derived from the daemon's shared secret (domain-
// separated with the info string "devitd.journal.v1", the same
// convention lib/artifactstore/encrypt.go uses for artifact keys).
// Unlike the minimal description in the distilled specification, the
// tag here covers the full canonical record — sequence, timestamp,
// actor, kind, payload, and previous digest — not just the first four
// fields, matching the original Rust journal's inclusion of the event
// metadata in its HMAC (see devitd/src/journal.rs). This closes a gap
// where an attacker could otherwise tamper with a record's payload
// without invalidating its tag.
//
// Closed segments are compressed with klauspost/compress/zstd on
// rotation; the first record of the next segment carries the digest
// of the last record of the segment it follows, so the chain survives
// rotation.
package journal
