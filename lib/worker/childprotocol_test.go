// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"io"
	"os"
	"testing"

	"github.com/devit-dev/devitd/lib/codec"
)

// fakeChildProcess connects the driver's stdin/stdout to an in-memory
// pipe pair, letting the test play the role of the child process
// without spawning a real one.
type fakeChildProcess struct {
	stdinWriter  io.WriteCloser
	stdinReader  io.ReadCloser
	stdoutWriter io.WriteCloser
	stdoutReader io.ReadCloser
	waitCh       chan struct{}
}

func newFakeChildProcess() *fakeChildProcess {
	stdinReader, stdinWriter := io.Pipe()
	stdoutReader, stdoutWriter := io.Pipe()
	return &fakeChildProcess{
		stdinWriter:  stdinWriter,
		stdinReader:  stdinReader,
		stdoutWriter: stdoutWriter,
		stdoutReader: stdoutReader,
		waitCh:       make(chan struct{}),
	}
}

func (p *fakeChildProcess) Stdin() io.WriteCloser      { return p.stdinWriter }
func (p *fakeChildProcess) Stdout() io.ReadCloser      { return p.stdoutReader }
func (p *fakeChildProcess) Signal(sig os.Signal) error { return nil }
func (p *fakeChildProcess) Wait() error {
	<-p.waitCh
	return nil
}

type fakeChildSpawner struct {
	process *fakeChildProcess
}

func (s *fakeChildSpawner) Spawn(ctx context.Context, executable, dir string, env []string) (ChildProcess, error) {
	return s.process, nil
}

// runFakeChild reads frames from the driver (via stdinReader) and
// replies with well-formed handshake responses, ending with a
// call_tool response carrying summary.
func runFakeChild(t *testing.T, process *fakeChildProcess, summary string) {
	t.Helper()
	decoder := codec.NewDecoder(process.stdinReader)
	encoder := codec.NewEncoder(process.stdoutWriter)

	for i := 0; i < 3; i++ {
		var msg Message
		if err := decoder.Decode(&msg); err != nil {
			t.Errorf("fake child: decoding frame %d: %v", i, err)
			return
		}
		var reply Message
		switch msg.Type {
		case MessageInitialize:
			reply = Message{Type: MessageResponse, MessageID: msg.MessageID}
		case MessageListTools:
			reply = Message{Type: MessageResponse, MessageID: msg.MessageID}
		case MessageCallTool:
			payload, _ := codec.Marshal(responsePayload{Summary: summary, Details: map[string]any{"ok": true}})
			reply = Message{Type: MessageResponse, MessageID: msg.MessageID, Payload: payload}
		}
		if err := encoder.Encode(reply); err != nil {
			t.Errorf("fake child: encoding reply %d: %v", i, err)
			return
		}
	}
}

func TestChildProtocolDriver_HandshakeReturnsSummary(t *testing.T) {
	process := newFakeChildProcess()
	spawner := &fakeChildSpawner{process: process}
	driver := NewChildProtocolDriver(spawner)

	go runFakeChild(t, process, "task complete")

	handle, err := driver.Start(context.Background(), InvocationParams{
		Definition: Definition{Identifier: "child-worker", Kind: KindChildProtocol},
		Goal:       "do the thing",
		TaskID:     "task-1",
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	close(process.waitCh)
	result, err := handle.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if result.Summary != "task complete" {
		t.Errorf("Summary = %q, want %q", result.Summary, "task complete")
	}
	if result.Details["ok"] != true {
		t.Errorf("Details[ok] = %v, want true", result.Details["ok"])
	}
}

func TestChildProtocolDriver_ErrorFrameFailsWait(t *testing.T) {
	process := newFakeChildProcess()
	spawner := &fakeChildSpawner{process: process}
	driver := NewChildProtocolDriver(spawner)

	go func() {
		decoder := codec.NewDecoder(process.stdinReader)
		encoder := codec.NewEncoder(process.stdoutWriter)
		for i := 0; i < 3; i++ {
			var msg Message
			if err := decoder.Decode(&msg); err != nil {
				return
			}
			if msg.Type == MessageCallTool {
				payload, _ := codec.Marshal(errorPayload{Message: "tool exploded"})
				encoder.Encode(Message{Type: MessageError, MessageID: msg.MessageID, Payload: payload})
				return
			}
			encoder.Encode(Message{Type: MessageResponse, MessageID: msg.MessageID})
		}
	}()

	handle, err := driver.Start(context.Background(), InvocationParams{
		Definition: Definition{Identifier: "child-worker", Kind: KindChildProtocol},
		Goal:       "do the thing",
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	close(process.waitCh)
	if _, err := handle.Wait(context.Background()); err == nil {
		t.Fatal("Wait() expected an error for an error frame, got nil")
	}
}

func TestChildProtocolDriver_ExtraArgumentsAndContextMerge(t *testing.T) {
	process := newFakeChildProcess()
	spawner := &fakeChildSpawner{process: process}
	driver := NewChildProtocolDriver(spawner)

	seenArguments := make(chan map[string]any, 1)
	go func() {
		decoder := codec.NewDecoder(process.stdinReader)
		encoder := codec.NewEncoder(process.stdoutWriter)
		for i := 0; i < 3; i++ {
			var msg Message
			if err := decoder.Decode(&msg); err != nil {
				return
			}
			if msg.Type == MessageCallTool {
				var call callToolPayload
				codec.Unmarshal(msg.Payload, &call)
				seenArguments <- call.Arguments
			}
			encoder.Encode(Message{Type: MessageResponse, MessageID: msg.MessageID})
		}
	}()

	handle, err := driver.Start(context.Background(), InvocationParams{
		Definition: Definition{
			Identifier:     "child-worker",
			Kind:           KindChildProtocol,
			ExtraArguments: map[string]any{"extra_flag": true},
		},
		Goal:         "goal text",
		TaskID:       "task-9",
		ExtraContext: map[string]any{"branch": "main"},
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	close(process.waitCh)
	handle.Wait(context.Background())

	arguments := <-seenArguments
	if arguments["goal"] != "goal text" {
		t.Errorf("arguments[goal] = %v", arguments["goal"])
	}
	if arguments["extra_flag"] != true {
		t.Errorf("arguments[extra_flag] = %v, want true", arguments["extra_flag"])
	}
	if arguments["branch"] != "main" {
		t.Errorf("arguments[branch] = %v, want %q", arguments["branch"], "main")
	}
}
