// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/devit-dev/devitd/lib/codec"
	"github.com/devit-dev/devitd/lib/envelope"
)

// fakeDispatcher echoes the request payload back as the response
// payload, recording every envelope it saw so tests can assert
// ordering.
type fakeDispatcher struct {
	seen   []string
	closed bool
}

func (f *fakeDispatcher) HandleRegister(env envelope.Envelope) (*Session, envelope.Envelope) {
	f.seen = append(f.seen, "register")
	session := &Session{ID: "sess-1"}
	return session, envelope.Envelope{Type: envelope.TypeRegister, MessageID: env.MessageID}
}

func (f *fakeDispatcher) Handle(_ context.Context, _ *Session, env envelope.Envelope) envelope.Envelope {
	f.seen = append(f.seen, env.MessageID)
	return envelope.Envelope{Type: envelope.TypeResponse, MessageID: env.MessageID, Payload: env.Payload}
}

func (f *fakeDispatcher) Closed(*Session) {
	f.closed = true
}

func TestSocketConnRegisterThenOrderedRequests(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	dispatcher := &fakeDispatcher{}
	listener := &SocketListener{dispatcher: dispatcher, logger: discardLogger()}

	done := make(chan struct{})
	go func() {
		listener.serveConn(context.Background(), serverConn)
		close(done)
	}()

	if err := writeEnvelope(clientConn, envelope.Envelope{Type: envelope.TypeRegister, MessageID: "r0"}); err != nil {
		t.Fatalf("writing register: %v", err)
	}
	regResp, err := readEnvelope(clientConn)
	if err != nil {
		t.Fatalf("reading register response: %v", err)
	}
	if regResp.Type != envelope.TypeRegister {
		t.Fatalf("expected REGISTER response, got %v", regResp.Type)
	}

	for _, id := range []string{"m1", "m2", "m3"} {
		if err := writeEnvelope(clientConn, envelope.Envelope{Type: envelope.TypeRequest, MessageID: id}); err != nil {
			t.Fatalf("writing request %s: %v", id, err)
		}
		resp, err := readEnvelope(clientConn)
		if err != nil {
			t.Fatalf("reading response for %s: %v", id, err)
		}
		if resp.MessageID != id {
			t.Fatalf("expected response for %s, got %s (responses must be in order)", id, resp.MessageID)
		}
	}

	clientConn.Close()
	<-done

	want := []string{"register", "m1", "m2", "m3"}
	if len(dispatcher.seen) != len(want) {
		t.Fatalf("seen = %v, want %v", dispatcher.seen, want)
	}
	for i, id := range want {
		if dispatcher.seen[i] != id {
			t.Fatalf("seen[%d] = %q, want %q", i, dispatcher.seen[i], id)
		}
	}
	if !dispatcher.closed {
		t.Fatal("expected Closed to be called once the connection closed")
	}
}

func TestEnvelopeFrameRoundTrip(t *testing.T) {
	payload, err := codec.Marshal(map[string]any{"method": "status"})
	if err != nil {
		t.Fatalf("marshaling payload: %v", err)
	}
	original := envelope.Envelope{
		Type:      envelope.TypeRequest,
		MessageID: "abc",
		Nonce:     []byte("0123456789abcdef"),
		Timestamp: 1700000000,
		Tag:       []byte("tag"),
		Payload:   payload,
	}

	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- writeEnvelope(clientConn, original) }()

	got, err := readEnvelope(serverConn)
	if err != nil {
		t.Fatalf("readEnvelope: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("writeEnvelope: %v", err)
	}

	if got.MessageID != original.MessageID || got.Timestamp != original.Timestamp {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, original)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
