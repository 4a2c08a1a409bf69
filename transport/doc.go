// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport frames, authenticates, and dispatches envelopes
// between devitd and its clients, on either of two listeners that
// share one dispatch core: a persistent Unix socket connection (one
// [Session] per accepted connection, REGISTER once, then any number
// of REQ/RESP/NOTIFY frames in order) or HTTP+SSE (POST /message for
// request/response, GET /sse for server-pushed NOTIFY frames).
//
// Both listeners are adapted from lib/service/socket.go and
// lib/service/http.go's accept-loop and graceful-shutdown patterns,
// generalized from a one-shot request/response cycle into the
// persistent, ordered session spec.md §4.4 describes. Session state
// (declared version, capabilities, default approval level, rate
// limiting) lives in [Session], addressed by connection, never by a
// long-lived object graph — a closed connection destroys its Session.
package transport
