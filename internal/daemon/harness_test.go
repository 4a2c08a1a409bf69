// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

package daemon

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/devit-dev/devitd/lib/approval"
	"github.com/devit-dev/devitd/lib/clock"
	"github.com/devit-dev/devitd/lib/codec"
	"github.com/devit-dev/devitd/lib/envelope"
	"github.com/devit-dev/devitd/lib/journal"
	"github.com/devit-dev/devitd/lib/pathsandbox"
	"github.com/devit-dev/devitd/lib/policy"
	"github.com/devit-dev/devitd/lib/replay"
	"github.com/devit-dev/devitd/lib/secret"
	"github.com/devit-dev/devitd/lib/task"
	"github.com/devit-dev/devitd/lib/worker"
	"github.com/devit-dev/devitd/transport"
	"github.com/google/uuid"
)

// testHarness wires a Daemon against a temp workspace, a fake clock,
// and an in-memory-equivalent journal, the way cmd/devitd's startup
// sequence would, minus any real transport listener. Every scenario
// test drives the Daemon's Dispatcher methods directly, the same
// entry points transport/socket.go and transport/http.go call.
type testHarness struct {
	t       *testing.T
	daemon  *Daemon
	clk     *clock.FakeClock
	subkey  []byte
	seq     int
	workers map[string]worker.Definition
	drivers map[worker.Kind]worker.Driver
}

func newHarness(t *testing.T, configure func(*Config)) *testHarness {
	t.Helper()

	workspace := t.TempDir()
	root, err := pathsandbox.NewRoot(workspace)
	if err != nil {
		t.Fatalf("pathsandbox.NewRoot: %v", err)
	}
	screenshotRoot, err := pathsandbox.NewRoot(t.TempDir())
	if err != nil {
		t.Fatalf("pathsandbox.NewRoot (screenshots): %v", err)
	}

	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	secretBytes := make([]byte, 32)
	for i := range secretBytes {
		secretBytes[i] = byte(i + 1)
	}
	sharedSecret, err := secret.NewFromBytes(append([]byte{}, secretBytes...))
	if err != nil {
		t.Fatalf("secret.NewFromBytes: %v", err)
	}
	t.Cleanup(func() { sharedSecret.Close() })

	subkeyBuf, err := envelope.DeriveSubkey(sharedSecret)
	if err != nil {
		t.Fatalf("envelope.DeriveSubkey: %v", err)
	}
	t.Cleanup(func() { subkeyBuf.Close() })
	subkey := append([]byte{}, subkeyBuf.Bytes()...)

	jrnl, err := journal.Open(t.TempDir(), sharedSecret, clk, journal.Options{})
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	t.Cleanup(func() { jrnl.Close() })

	cfg := Config{
		Logger:                slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:                 clk,
		Journal:                jrnl,
		EnvelopeSubkey:        subkey,
		ReplayCache:           replay.NewCache(5*time.Minute, time.Minute, clk),
		SkewWindow:            5 * time.Minute,
		Protected:             policy.NewProtectedPathSet(nil),
		WorkspaceRoot:         root,
		ApprovalBroker:        approval.NewBroker(clk),
		ApprovalTimeout:       time.Minute,
		ApproverTarget:        "client:approver",
		Workers:               map[string]worker.Definition{},
		Drivers:               map[worker.Kind]worker.Driver{},
		AckTimeout:            5 * time.Second,
		RateLimit:             0,
		RateWindow:            time.Minute,
		ExpectedWorkerVersion: "",
		MinimumClientVersion:  "",
		ScreenshotEnabled:     false,
		ScreenshotRoot:        screenshotRoot,
		ScreenshotHelper:      "",
		DefaultLeaseTimeout:   30 * time.Second,
		IdleShutdown:          0,
		PoolWorkers:           2,
		PoolQueue:             16,
	}
	if configure != nil {
		configure(&cfg)
	}

	d := New(cfg)
	t.Cleanup(d.Close)

	return &testHarness{t: t, daemon: d, clk: clk, subkey: subkey, workers: cfg.Workers, drivers: cfg.Drivers}
}

// seal wraps payload in an authenticated envelope, mimicking a
// client's outbound frame.
func (h *testHarness) seal(typ envelope.Type, payload any) envelope.Envelope {
	h.t.Helper()
	h.seq++
	env, err := envelope.Seal(h.subkey, h.clk, typ, uuid.New().String(), payload)
	if err != nil {
		h.t.Fatalf("envelope.Seal: %v", err)
	}
	return env
}

// register performs REGISTER and returns the resulting Session.
func (h *testHarness) register(level policy.Level, workerMode bool, capabilities []string) *transport.Session {
	h.t.Helper()
	env := h.seal(envelope.TypeRegister, registerRequest{
		Version: "test", Level: level.String(), WorkerMode: workerMode, Capabilities: capabilities,
	})
	session, resp := h.daemon.HandleRegister(env)
	if resp.Type == envelope.TypeError {
		h.t.Fatalf("register failed: %s", decodeErrorBody(h.t, resp))
	}
	if session == nil {
		h.t.Fatalf("register returned a nil session with no error")
	}
	return session
}

// sealRequest flattens req's fields into a single CBOR map alongside
// the top-level "method" key Daemon.Handle's dispatch switch requires,
// then seals the result the same way a real client frame would be.
// req's own cbor tags are preserved since Marshal/Unmarshal round trip
// through the same struct tags a bare h.seal(typ, req) would use.
func (h *testHarness) sealRequest(method string, req any) envelope.Envelope {
	h.t.Helper()
	raw, err := codec.Marshal(req)
	if err != nil {
		h.t.Fatalf("marshaling request %q: %v", method, err)
	}
	var fields map[string]any
	if err := codec.Unmarshal(raw, &fields); err != nil {
		h.t.Fatalf("flattening request %q: %v", method, err)
	}
	if fields == nil {
		fields = make(map[string]any)
	}
	fields["method"] = method
	return h.seal(envelope.TypeRequest, fields)
}

// approverSession registers a session declaring target as a
// capability and captures the ApprovalID of every approval request
// notifyApprover pushes to it, so a scenario test can resolve a
// pending approval without any way to enumerate the broker's internal
// state from outside the daemon package.
func (h *testHarness) approverSession(target string) (*transport.Session, <-chan string) {
	h.t.Helper()
	session := h.register(policy.Privileged, false, []string{target})
	ids := make(chan string, 8)
	session.Notify = func(env envelope.Envelope) error {
		var req notifyRequest
		if err := codec.Unmarshal(env.Payload, &req); err != nil {
			return err
		}
		if req.ApprovalID != "" {
			ids <- req.ApprovalID
		}
		return nil
	}
	return session, ids
}

// waitForTaskState polls the registry until taskID reaches want or
// timeout (real wall-clock time) elapses, sleeping in small real-time
// steps without advancing h.clk, since the daemon's own background
// goroutines run on real goroutines even though they read time from
// h.clk.
func waitForTaskState(t *testing.T, h *testHarness, taskID, want string, timeout time.Duration) task.Task {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		current, ok := h.daemon.tasks.Get(taskID)
		if ok && current.State.String() == want {
			return current
		}
		if time.Now().After(deadline) {
			if ok {
				t.Fatalf("task %q state = %q, want %q (timed out waiting)", taskID, current.State.String(), want)
			}
			t.Fatalf("task %q not found, want state %q (timed out waiting)", taskID, want)
		}
		time.Sleep(time.Millisecond)
	}
}

func decodeErrorBody(t *testing.T, env envelope.Envelope) string {
	t.Helper()
	var payload errorPayload
	if err := codec.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("decoding error payload: %v", err)
	}
	return payload.Error.Code + ": " + payload.Error.Message
}

func decodeResponse[T any](t *testing.T, env envelope.Envelope) T {
	t.Helper()
	var out T
	if err := codec.Unmarshal(env.Payload, &out); err != nil {
		t.Fatalf("decoding response payload: %v", err)
	}
	return out
}
