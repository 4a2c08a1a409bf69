// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/devit-dev/devitd/lib/codec"
	"github.com/devit-dev/devitd/lib/envelope"
)

// maxFrameBytes bounds a single length-prefixed frame, comfortably
// above the patch engine's 1 MiB diff ceiling plus envelope overhead,
// per spec.md §4.4's "oversize payload rejection before deserialization"
// requirement.
const maxFrameBytes = 4 << 20

// Dispatcher is implemented by internal/daemon.Daemon. The socket and
// HTTP listeners are agnostic to what a method does: Dispatcher owns
// envelope verification, policy evaluation, and every subsystem call.
type Dispatcher interface {
	// HandleRegister authenticates and processes the first substantive
	// message on a new connection, which must be of type REGISTER. It
	// returns the Session to associate with the connection (nil on
	// failure, in which case the connection is closed after the
	// response is sent) and the REGISTER response or ERR envelope.
	HandleRegister(env envelope.Envelope) (*Session, envelope.Envelope)

	// Handle authenticates and dispatches a REQ envelope on an
	// already-registered session, returning the RESP or ERR envelope
	// to send back. Handle never blocks past its own request-level
	// timeout.
	Handle(ctx context.Context, session *Session, env envelope.Envelope) envelope.Envelope

	// Closed notifies the dispatcher that session's connection has
	// gone away, so in-progress work tied to it (but not delegated
	// tasks — spec.md §4.4 only cancels transport-scoped requests) can
	// be released.
	Closed(session *Session)
}

// SocketListener serves devitd's session protocol on a Unix socket;
// there is no named-pipe listener.
// Adapted from lib/service/socket.go's accept loop, generalized from a
// one-shot request/response cycle to REGISTER-once-then-many-frames.
type SocketListener struct {
	path       string
	dispatcher Dispatcher
	logger     *slog.Logger

	activeConnections sync.WaitGroup
}

// NewSocketListener returns a listener bound to path once Serve is
// called.
func NewSocketListener(path string, dispatcher Dispatcher, logger *slog.Logger) *SocketListener {
	return &SocketListener{path: path, dispatcher: dispatcher, logger: logger}
}

// Serve accepts connections until ctx is cancelled, then waits for
// in-flight connections to finish their current frame before
// returning. Any stale socket file at path is removed first.
func (l *SocketListener) Serve(ctx context.Context) error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("transport: removing stale socket %s: %w", l.path, err)
	}

	listener, err := net.Listen("unix", l.path)
	if err != nil {
		return fmt.Errorf("transport: listening on %s: %w", l.path, err)
	}
	defer func() {
		listener.Close()
		os.Remove(l.path)
	}()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	l.logger.Info("socket transport listening", "path", l.path)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			l.logger.Error("accept failed", "error", err)
			continue
		}

		l.activeConnections.Add(1)
		go func() {
			defer l.activeConnections.Done()
			l.serveConn(ctx, conn)
		}()
	}

	l.activeConnections.Wait()
	return nil
}

// serveConn implements the per-connection protocol: the first frame
// must be REGISTER; every subsequent frame is processed strictly in
// order, with its response written before the next frame is read, so
// spec.md §5's per-session ordering guarantee holds without any
// per-connection queue.
func (l *SocketListener) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var writeMu sync.Mutex
	writeFrame := func(env envelope.Envelope) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return writeEnvelope(conn, env)
	}

	registerEnv, err := readEnvelope(conn)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			l.logger.Debug("reading register frame", "error", err)
		}
		return
	}

	session, response := l.dispatcher.HandleRegister(registerEnv)
	if err := writeFrame(response); err != nil {
		l.logger.Debug("writing register response", "error", err)
		return
	}
	if session == nil {
		return
	}
	session.Notify = writeFrame
	defer l.dispatcher.Closed(session)

	for {
		env, err := readEnvelope(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				l.logger.Debug("reading frame", "session", session.ID, "error", err)
			}
			return
		}

		resp := l.dispatcher.Handle(ctx, session, env)
		if err := writeFrame(resp); err != nil {
			l.logger.Debug("writing response", "session", session.ID, "error", err)
			return
		}
	}
}

// readEnvelope reads one length-prefixed CBOR envelope from r.
func readEnvelope(r io.Reader) (envelope.Envelope, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return envelope.Envelope{}, err
	}
	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length == 0 || length > maxFrameBytes {
		return envelope.Envelope{}, fmt.Errorf("transport: frame length %d exceeds bounds", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return envelope.Envelope{}, err
	}

	var env envelope.Envelope
	if err := codec.Unmarshal(body, &env); err != nil {
		return envelope.Envelope{}, fmt.Errorf("transport: decoding envelope: %w", err)
	}
	return env, nil
}

// writeEnvelope writes env to w as one length-prefixed CBOR frame.
func writeEnvelope(w io.Writer, env envelope.Envelope) error {
	body, err := codec.Marshal(env)
	if err != nil {
		return fmt.Errorf("transport: encoding envelope: %w", err)
	}
	if len(body) > maxFrameBytes {
		return fmt.Errorf("transport: outgoing frame length %d exceeds bounds", len(body))
	}

	var lengthBuf [4]byte
	binary.BigEndian.PutUint32(lengthBuf[:], uint32(len(body)))
	if _, err := w.Write(lengthBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}
