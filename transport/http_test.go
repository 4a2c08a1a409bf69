// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/devit-dev/devitd/lib/codec"
	"github.com/devit-dev/devitd/lib/envelope"
)

func TestHTTPListenerMessageRegisterThenDispatch(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	listener := NewHTTPListener("127.0.0.1:0", dispatcher, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveDone := make(chan error, 1)
	go func() { serveDone <- listener.Serve(ctx) }()

	select {
	case <-listener.Ready():
	case err := <-serveDone:
		t.Fatalf("listener exited before becoming ready: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for listener to become ready")
	}
	base := "http://" + listener.Addr().String()

	regBody, err := codec.Marshal(envelope.Envelope{Type: envelope.TypeRegister, MessageID: "r0"})
	if err != nil {
		t.Fatalf("marshaling register envelope: %v", err)
	}
	resp, err := http.Post(base+"/message", contentType, bytes.NewReader(regBody))
	if err != nil {
		t.Fatalf("posting register: %v", err)
	}
	sessionID := resp.Header.Get(sessionHeader)
	if sessionID == "" {
		t.Fatal("expected a session id header on the register response")
	}
	var regResp envelope.Envelope
	if err := decodeBody(resp, &regResp); err != nil {
		t.Fatalf("decoding register response: %v", err)
	}
	if regResp.Type != envelope.TypeRegister {
		t.Fatalf("expected REGISTER response, got %v", regResp.Type)
	}

	reqBody, err := codec.Marshal(envelope.Envelope{Type: envelope.TypeRequest, MessageID: "m1"})
	if err != nil {
		t.Fatalf("marshaling request envelope: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, base+"/message", bytes.NewReader(reqBody))
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(sessionHeader, sessionID)

	msgResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("posting message: %v", err)
	}
	var dispatched envelope.Envelope
	if err := decodeBody(msgResp, &dispatched); err != nil {
		t.Fatalf("decoding message response: %v", err)
	}
	if dispatched.MessageID != "m1" {
		t.Fatalf("expected dispatched response for m1, got %s", dispatched.MessageID)
	}

	cancel()
	if err := <-serveDone; err != nil {
		t.Fatalf("Serve returned an error after shutdown: %v", err)
	}
}

func TestHTTPListenerMessageUnknownSession(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	listener := NewHTTPListener("127.0.0.1:0", dispatcher, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveDone := make(chan error, 1)
	go func() { serveDone <- listener.Serve(ctx) }()

	select {
	case <-listener.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for listener to become ready")
	}
	base := "http://" + listener.Addr().String()

	reqBody, err := codec.Marshal(envelope.Envelope{Type: envelope.TypeRequest, MessageID: "m1"})
	if err != nil {
		t.Fatalf("marshaling request envelope: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, base+"/message", bytes.NewReader(reqBody))
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(sessionHeader, "no-such-session")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("posting message: %v", err)
	}
	var env envelope.Envelope
	if err := decodeBody(resp, &env); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if env.Type != envelope.TypeError {
		t.Fatalf("expected ERR for an unregistered session, got %v", env.Type)
	}

	cancel()
	<-serveDone
}

func decodeBody(resp *http.Response, env *envelope.Envelope) error {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return codec.Unmarshal(body, env)
}
