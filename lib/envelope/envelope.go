// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

package envelope

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/hkdf"

	"github.com/devit-dev/devitd/lib/clock"
	"github.com/devit-dev/devitd/lib/codec"
	"github.com/devit-dev/devitd/lib/failure"
	"github.com/devit-dev/devitd/lib/replay"
	"github.com/devit-dev/devitd/lib/secret"
)

// hkdfInfoSubkey domain-separates the envelope subkey from every
// other subkey derived from the same shared secret. lib/journal uses
// "devitd.journal.v1"; the two subkeys never collide.
const hkdfInfoSubkey = "devitd.envelope.v1"

// NonceSize is the length in bytes of a generated nonce. Spec
// requires 16 or more; devitd always generates exactly 16.
const NonceSize = 16

// Type names the eight wire message types.
type Type string

const (
	TypeRegister Type = "REGISTER"
	TypeRequest  Type = "REQ"
	TypeResponse Type = "RESP"
	TypeNotify   Type = "NOTIFY"
	TypeAck      Type = "ACK"
	TypeError    Type = "ERR"
	TypePing     Type = "PING"
	TypePong     Type = "PONG"
)

// Envelope is the outer authenticated record every wire message
// travels in, on every transport.
type Envelope struct {
	Type      Type             `cbor:"type"`
	MessageID string           `cbor:"message_id"`
	Nonce     []byte           `cbor:"nonce"`
	Timestamp int64            `cbor:"timestamp"`
	Tag       []byte           `cbor:"tag"`
	Payload   codec.RawMessage `cbor:"payload"`
}

// taggedFields is the canonical structure hashed to produce an
// envelope's tag. Type and MessageID are not authenticated: they
// route the frame but carry no security-relevant meaning of their
// own, matching spec's tag definition of "payload + nonce +
// timestamp" exactly.
type taggedFields struct {
	Payload   codec.RawMessage `cbor:"payload"`
	Nonce     []byte           `cbor:"nonce"`
	Timestamp int64            `cbor:"timestamp"`
}

// DeriveSubkey derives the envelope authentication subkey from the
// daemon's shared secret. Callers hold the result in a secret.Buffer
// for the lifetime of the transport.
func DeriveSubkey(sharedSecret *secret.Buffer) (*secret.Buffer, error) {
	reader := hkdf.New(sha256.New, sharedSecret.Bytes(), nil, []byte(hkdfInfoSubkey))
	derived := make([]byte, 32)
	if _, err := io.ReadFull(reader, derived); err != nil {
		return nil, err
	}
	defer secret.Zero(derived)

	return secret.NewFromBytes(derived)
}

// Seal builds and authenticates an envelope of the given type and
// message id, wrapping payload.
func Seal(subkey []byte, clk clock.Clock, typ Type, messageID string, payload any) (Envelope, error) {
	payloadRaw, err := codec.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: marshaling payload: %w", err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, fmt.Errorf("envelope: generating nonce: %w", err)
	}

	timestamp := clk.Now().Unix()

	tag, err := computeTag(subkey, payloadRaw, nonce, timestamp)
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: computing tag: %w", err)
	}

	return Envelope{
		Type:      typ,
		MessageID: messageID,
		Nonce:     nonce,
		Timestamp: timestamp,
		Tag:       tag,
		Payload:   payloadRaw,
	}, nil
}

func computeTag(subkey []byte, payload codec.RawMessage, nonce []byte, timestamp int64) ([]byte, error) {
	canonical, err := codec.Marshal(taggedFields{Payload: payload, Nonce: nonce, Timestamp: timestamp})
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

// Reason names why Verify rejected an envelope.
type Reason int

const (
	// ReasonTagInvalid means the authentication tag does not verify
	// under the transport's subkey.
	ReasonTagInvalid Reason = iota

	// ReasonTimestampSkew means the envelope's timestamp falls outside
	// the configured skew window.
	ReasonTimestampSkew

	// ReasonReplay means the envelope's nonce was already seen within
	// the replay window.
	ReasonReplay
)

func (r Reason) String() string {
	switch r {
	case ReasonTagInvalid:
		return "tag_invalid"
	case ReasonTimestampSkew:
		return "timestamp_skew"
	case ReasonReplay:
		return "replay"
	default:
		return "unknown"
	}
}

// RejectError reports why Verify rejected an envelope.
type RejectError struct {
	Reason Reason
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("envelope: rejected: %s", e.Reason)
}

// Class reports that every rejection reason is a security failure:
// an invalid tag, a stale timestamp, and a replayed nonce are all
// authentication-layer rejections, never retried.
func (e *RejectError) Class() failure.Class { return failure.Security }

var errNilCache = errors.New("envelope: replay cache is required")

// Verify checks env's tag, timestamp skew, and nonce uniqueness, in
// that order, and records the nonce in cache on success. A nil cache
// is a caller error, not a degraded pass: replay enforcement is
// mandatory for every envelope devitd accepts.
func Verify(subkey []byte, cache *replay.Cache, now int64, skew int64, env Envelope) error {
	if cache == nil {
		return errNilCache
	}

	want, err := computeTag(subkey, env.Payload, env.Nonce, env.Timestamp)
	if err != nil {
		return fmt.Errorf("envelope: computing tag: %w", err)
	}
	if subtle.ConstantTimeCompare(want, env.Tag) != 1 {
		return &RejectError{Reason: ReasonTagInvalid}
	}

	delta := now - env.Timestamp
	if delta < -skew || delta > skew {
		return &RejectError{Reason: ReasonTimestampSkew}
	}

	if !cache.Admit(env.Nonce, env.Timestamp) {
		return &RejectError{Reason: ReasonReplay}
	}

	return nil
}
