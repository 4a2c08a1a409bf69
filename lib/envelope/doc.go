// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

// Package envelope implements devitd's authenticated wire envelope:
// every frame on every transport (Unix socket, HTTP+SSE) carries a
// message id, a nonce, a timestamp, an authentication tag, and a
// typed payload.
//
// [Seal] builds and authenticates an envelope for a given payload.
// [Verify] checks an envelope's tag, timestamp skew, and — via a
// caller-supplied [replay.Cache] — its nonce, in one call: replay
// enforcement is mandatory here, not an optional extra the caller can
// skip, resolving an inconsistency in the distilled specification
// this package was built from (some of its source material treats
// enforcement as planned rather than implemented).
//
// The authentication tag is a BLAKE3 keyed hash under an HKDF subkey
// derived from the daemon's shared secret with the domain-separating
// info string "devitd.envelope.v1" — the same construction
// lib/journal uses for its own tag, with a different info string so
// the two subkeys never collide, following
// lib/artifactstore/encrypt.go's convention.
package envelope
