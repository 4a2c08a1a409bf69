// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides devitd's standard CBOR encoding configuration.
//
// devitd uses two serialization formats with a clear boundary:
//
//   - JSON for external interfaces: CLI output tooling, and any HTTP
//     transport response bodies consumed by non-devitd clients.
//   - CBOR for internal protocols: the message envelope on both the
//     Unix-socket and HTTP transports, the journal's on-disk record
//     format, and the daemon↔worker child-protocol handshake.
//
// This package provides the shared CBOR encoding and decoding modes so
// every devitd package encodes identically without duplicating
// configuration. The encoder uses Core Deterministic Encoding (RFC 8949
// §4.2): sorted map keys, smallest integer encoding, no
// indefinite-length items. Same logical data always produces identical
// bytes — required because authentication tags are computed over the
// canonical serialisation of their payload.
//
// For buffer-oriented operations (files, tokens):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (sockets, IPC):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// # Struct Tag Rules
//
// Every wire type in devitd uses a `cbor` struct tag. There is no
// dual JSON/CBOR convention here (unlike the teacher this package was
// adapted from) — devitd has a single internal wire format, and JSON
// is reserved for the small number of human-facing tools (journal
// diagnostics, CLI wrappers) that live outside this module.
package codec
