// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/devit-dev/devitd/lib/codec"
)

// MessageType names a child-protocol frame's role, mirroring
// envelope.Type's vocabulary restricted to what the handshake uses.
type MessageType string

const (
	MessageInitialize MessageType = "initialize"
	MessageListTools  MessageType = "list_tools"
	MessageCallTool   MessageType = "call_tool"
	MessageResponse   MessageType = "response"
	MessageError      MessageType = "error"
)

// Message is one frame of the child-protocol handshake, CBOR-encoded
// directly onto the child's stdin/stdout with no length prefix — CBOR
// is self-delimiting, so codec.NewDecoder's streaming Decode loop
// (the same one lib/journal and lib/envelope's callers use) finds
// each frame's boundary without one.
type Message struct {
	Type      MessageType
	MessageID string
	Payload   codec.RawMessage
}

type initializePayload struct {
	ProtocolVersion string `cbor:"protocol_version"`
}

type callToolPayload struct {
	Name      string         `cbor:"name"`
	Arguments map[string]any `cbor:"arguments"`
}

type responsePayload struct {
	Summary string         `cbor:"summary"`
	Details map[string]any `cbor:"details"`
}

type errorPayload struct {
	Message string `cbor:"message"`
}

// ProtocolVersion is the child-protocol handshake version devitd
// speaks.
const ProtocolVersion = "devitd-child-v1"

// childProtocolDriver implements Driver for KindChildProtocol
// workers.
type childProtocolDriver struct {
	spawner ChildSpawner
}

// ChildSpawner abstracts spawning a child-protocol worker process,
// exposing its stdio pipes, so tests can substitute an in-memory pipe
// pair for a real subprocess.
type ChildSpawner interface {
	Spawn(ctx context.Context, executable, dir string, env []string) (ChildProcess, error)
}

// ChildProcess is a running child-protocol worker.
type ChildProcess interface {
	Stdin() io.WriteCloser
	Stdout() io.ReadCloser
	Wait() error
	Signal(sig os.Signal) error
}

// NewChildProtocolDriver returns a Driver that speaks the
// initialize/list_tools/call_tool handshake over spawner's stdio
// pipes.
func NewChildProtocolDriver(spawner ChildSpawner) Driver {
	return &childProtocolDriver{spawner: spawner}
}

func (d *childProtocolDriver) Start(ctx context.Context, params InvocationParams) (Handle, error) {
	def := params.Definition
	dir := params.WorkingDirectory
	if dir == "" {
		dir = params.WorkspaceRoot
	}

	process, err := d.spawner.Spawn(ctx, def.Executable, dir, os.Environ())
	if err != nil {
		return nil, fmt.Errorf("worker: spawning child-protocol worker %q: %w", def.Identifier, err)
	}

	encoder := codec.NewEncoder(process.Stdin())
	decoder := codec.NewDecoder(process.Stdout())

	resultCh := make(chan Result, 1)
	errCh := make(chan error, 1)

	go func() {
		result, err := runHandshake(encoder, decoder, def, params)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- result
	}()

	return &childProtocolHandle{process: process, resultCh: resultCh, errCh: errCh}, nil
}

// runHandshake performs initialize -> list_tools -> call_tool and
// returns the parsed response.
func runHandshake(encoder *codec.Encoder, decoder *codec.Decoder, def Definition, params InvocationParams) (Result, error) {
	if err := sendAndExpect(encoder, decoder, Message{
		Type:      MessageInitialize,
		MessageID: "1",
		Payload:   mustMarshal(initializePayload{ProtocolVersion: ProtocolVersion}),
	}); err != nil {
		return Result{}, fmt.Errorf("worker: initialize handshake: %w", err)
	}

	if err := sendAndExpect(encoder, decoder, Message{
		Type:      MessageListTools,
		MessageID: "2",
	}); err != nil {
		return Result{}, fmt.Errorf("worker: list_tools: %w", err)
	}

	arguments := map[string]any{"goal": params.Goal, "task_id": params.TaskID}
	if params.Model != "" {
		arguments["model"] = params.Model
	}
	for k, v := range def.ExtraArguments {
		arguments[k] = v
	}
	for k, v := range params.ExtraContext {
		arguments[k] = v
	}

	response, err := sendAndReceive(encoder, decoder, Message{
		Type:      MessageCallTool,
		MessageID: "3",
		Payload: mustMarshal(callToolPayload{
			Name:      def.EffectiveToolName(),
			Arguments: arguments,
		}),
	})
	if err != nil {
		return Result{}, fmt.Errorf("worker: call_tool: %w", err)
	}

	if response.Type == MessageError {
		var errPayload errorPayload
		if err := codec.Unmarshal(response.Payload, &errPayload); err != nil {
			return Result{}, fmt.Errorf("worker: call_tool returned an error frame with an unparseable payload: %w", err)
		}
		return Result{}, fmt.Errorf("worker: call_tool: %s", errPayload.Message)
	}

	var payload responsePayload
	if err := codec.Unmarshal(response.Payload, &payload); err != nil {
		return Result{}, fmt.Errorf("worker: parsing call_tool response: %w", err)
	}
	return Result{Summary: payload.Summary, Details: payload.Details}, nil
}

func sendAndExpect(encoder *codec.Encoder, decoder *codec.Decoder, msg Message) error {
	_, err := sendAndReceive(encoder, decoder, msg)
	return err
}

func sendAndReceive(encoder *codec.Encoder, decoder *codec.Decoder, msg Message) (Message, error) {
	if err := encoder.Encode(msg); err != nil {
		return Message{}, fmt.Errorf("sending %s: %w", msg.Type, err)
	}
	var reply Message
	if err := decoder.Decode(&reply); err != nil {
		return Message{}, fmt.Errorf("receiving reply to %s: %w", msg.Type, err)
	}
	return reply, nil
}

func mustMarshal(v any) codec.RawMessage {
	data, err := codec.Marshal(v)
	if err != nil {
		panic("worker: marshalling static handshake payload: " + err.Error())
	}
	return data
}

type childProtocolHandle struct {
	process  ChildProcess
	resultCh chan Result
	errCh    chan error

	mu   sync.Mutex
	done bool
}

func (h *childProtocolHandle) Wait(ctx context.Context) (Result, error) {
	select {
	case result := <-h.resultCh:
		h.terminate()
		return result, nil
	case err := <-h.errCh:
		h.terminate()
		return Result{}, err
	case <-ctx.Done():
		h.terminate()
		return Result{}, ctx.Err()
	}
}

func (h *childProtocolHandle) Cancel(grace time.Duration) error {
	if err := h.process.Signal(syscall.SIGTERM); err != nil {
		return h.process.Signal(syscall.SIGKILL)
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	<-timer.C
	return h.process.Signal(syscall.SIGKILL)
}

// terminate closes stdin (signaling EOF to the child) and reaps the
// process, once.
func (h *childProtocolHandle) terminate() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return
	}
	h.done = true
	h.process.Stdin().Close()
	go h.process.Wait()
}

// execChildSpawner spawns real OS processes with piped stdio for the
// child-protocol driver.
type execChildSpawner struct{}

// NewExecChildSpawner returns the production [ChildSpawner].
func NewExecChildSpawner() ChildSpawner { return execChildSpawner{} }

func (execChildSpawner) Spawn(ctx context.Context, executable, dir string, env []string) (ChildProcess, error) {
	cmd := exec.CommandContext(ctx, executable)
	cmd.Dir = dir
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execChildProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

type execChildProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (p *execChildProcess) Stdin() io.WriteCloser      { return p.stdin }
func (p *execChildProcess) Stdout() io.ReadCloser      { return p.stdout }
func (p *execChildProcess) Wait() error                { return p.cmd.Wait() }
func (p *execChildProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }
