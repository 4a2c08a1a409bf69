// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/devit-dev/devitd/lib/codec"
	"github.com/devit-dev/devitd/lib/envelope"
)

// sessionHeader carries the session id an HTTP client received from
// its REGISTER response, on every subsequent /message request (/sse
// takes the same id as its `session` query parameter). HTTP has no persistent connection to hang a Session off
// of, so devitd tracks HTTP sessions in an explicit table instead.
const sessionHeader = "X-DevIt-Session"

// contentType is the wire content type for CBOR-encoded envelopes on
// the HTTP transport, mirroring the CBOR framing used on the socket
// transport so both transports share one wire format end to end.
const contentType = "application/cbor"

// HTTPListener serves devitd's /message (request/response) and /sse
// (server-push) endpoints on the same dispatch core as
// [SocketListener], grounded on lib/service/http.go's
// graceful-shutdown HTTPServer pattern.
type HTTPListener struct {
	address    string
	dispatcher Dispatcher
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	addr net.Addr
	// ready is closed once the listener is bound.
	ready chan struct{}
}

// NewHTTPListener returns a listener that will bind address once Serve
// is called.
func NewHTTPListener(address string, dispatcher Dispatcher, logger *slog.Logger) *HTTPListener {
	return &HTTPListener{
		address:    address,
		dispatcher: dispatcher,
		logger:     logger,
		sessions:   make(map[string]*Session),
		ready:      make(chan struct{}),
	}
}

// Ready returns a channel closed once the listener is bound and
// accepting connections. Addr is only valid after Ready closes.
func (l *HTTPListener) Ready() <-chan struct{} { return l.ready }

// Addr returns the resolved listen address.
func (l *HTTPListener) Addr() net.Addr { return l.addr }

// Serve binds address, serves /message and /sse, and blocks until ctx
// is cancelled, then performs a graceful shutdown.
func (l *HTTPListener) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", l.address)
	if err != nil {
		return fmt.Errorf("transport: listening on %s: %w", l.address, err)
	}
	l.addr = listener.Addr()
	close(l.ready)

	mux := http.NewServeMux()
	mux.HandleFunc("/message", l.handleMessage)
	mux.HandleFunc("/sse", l.handleSSE)

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	l.logger.Info("http transport listening", "address", l.addr.String())

	serveDone := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveDone <- err
			return
		}
		close(serveDone)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveDone:
		if err != nil {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// handleMessage implements POST /message: one envelope in, one
// envelope out. A REGISTER envelope allocates a session id the client
// must echo back on every subsequent call via sessionHeader; any other
// type requires an already-registered session.
func (l *HTTPListener) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxFrameBytes))
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}

	var env envelope.Envelope
	if err := codec.Unmarshal(body, &env); err != nil {
		http.Error(w, "decoding envelope", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")

	if env.Type == envelope.TypeRegister {
		session, response := l.dispatcher.HandleRegister(env)
		if session != nil {
			l.mu.Lock()
			l.sessions[session.ID] = session
			l.mu.Unlock()
			session.Notify = func(envelope.Envelope) error { return nil } // overwritten per-SSE-subscriber below
			w.Header().Set(sessionHeader, session.ID)
		}
		l.writeEnvelope(w, response)
		return
	}

	sessionID := r.Header.Get(sessionHeader)
	l.mu.Lock()
	session, ok := l.sessions[sessionID]
	l.mu.Unlock()
	if !ok {
		l.writeEnvelope(w, errorEnvelope(env.MessageID, "no such session"))
		return
	}

	resp := l.dispatcher.Handle(r.Context(), session, env)
	l.writeEnvelope(w, resp)
}

// handleSSE implements GET /sse: an initial "ready" event, periodic
// heartbeats, and every NOTIFY frame the dispatcher pushes for this
// session, with compression disabled and a flush after every event so
// the stream reaches the client immediately (HTTP/1.1 chunked,
// end-to-end, per spec.md §6).
func (l *HTTPListener) handleSSE(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	l.mu.Lock()
	session, ok := l.sessions[sessionID]
	l.mu.Unlock()
	if !ok {
		http.Error(w, "no such session", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Content-Encoding", "identity")
	w.WriteHeader(http.StatusOK)

	writeEvent(w, "ready", nil)
	flusher.Flush()

	events := make(chan envelope.Envelope, 16)
	session.Notify = func(env envelope.Envelope) error {
		select {
		case events <- env:
			return nil
		default:
			return fmt.Errorf("transport: sse subscriber for session %s is not draining", session.ID)
		}
	}

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			writeEvent(w, "heartbeat", nil)
			flusher.Flush()
		case env := <-events:
			body, err := codec.Marshal(env)
			if err != nil {
				continue
			}
			writeEvent(w, "notify", []byte(base64.StdEncoding.EncodeToString(body)))
			flusher.Flush()
		}
	}
}

func writeEvent(w io.Writer, event string, data []byte) {
	fmt.Fprintf(w, "event: %s\n", event)
	if len(data) > 0 {
		fmt.Fprintf(w, "data: %s\n", data)
	}
	fmt.Fprint(w, "\n")
}

func (l *HTTPListener) writeEnvelope(w http.ResponseWriter, env envelope.Envelope) {
	body, err := codec.Marshal(env)
	if err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
		return
	}
	w.Write(body)
}

func errorEnvelope(messageID, message string) envelope.Envelope {
	return envelope.Envelope{
		Type:      envelope.TypeError,
		MessageID: messageID,
		Payload:   mustRaw(map[string]any{"ok": false, "error": map[string]any{"code": "internal", "message": message}}),
	}
}

func mustRaw(v any) codec.RawMessage {
	raw, err := codec.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
