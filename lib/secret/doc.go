// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret provides a memory-safe buffer for sensitive data such
// as the daemon's shared secret, HKDF-derived subkeys, and worker
// tokens.
//
// [Buffer] allocates memory outside the Go heap via mmap(MAP_ANONYMOUS),
// locks it into physical RAM via mlock (preventing swap), and marks it
// excluded from core dumps via madvise(MADV_DONTDUMP). On Close, the
// memory is zeroed, unlocked, and unmapped. Because the memory lives
// outside the Go heap, the garbage collector cannot copy or relocate
// it, guaranteeing secret material does not persist after release.
//
// Constructors:
//
//   - [New] -- allocates a zero-filled buffer of a given size
//   - [NewFromBytes] -- copies into protected memory, zeros the source
//   - [ReadFromPath] -- reads a secret from a file or stdin ("-"),
//     trimming surrounding whitespace
//
// Access via [Buffer.Bytes] (slice into mmap region) or
// [Buffer.String] (heap copy for API boundaries). [Zero] scrubs a
// plaintext slice once its contents have been copied into a Buffer.
// After Close, any access panics. Close is idempotent.
//
// Depends on golang.org/x/sys/unix. No devitd-internal dependencies.
// Imported by lib/envelope and lib/journal to hold the shared secret
// and its HKDF-derived subkeys off the Go heap for the daemon's
// lifetime.
package secret
