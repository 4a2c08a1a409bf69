// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/devit-dev/devitd/lib/approval"
	"github.com/devit-dev/devitd/lib/clock"
	"github.com/devit-dev/devitd/lib/codec"
	"github.com/devit-dev/devitd/lib/envelope"
	"github.com/devit-dev/devitd/lib/failure"
	"github.com/devit-dev/devitd/lib/journal"
	"github.com/devit-dev/devitd/lib/patch"
	"github.com/devit-dev/devitd/lib/pathsandbox"
	"github.com/devit-dev/devitd/lib/policy"
	"github.com/devit-dev/devitd/lib/replay"
	"github.com/devit-dev/devitd/lib/task"
	"github.com/devit-dev/devitd/lib/version"
	"github.com/devit-dev/devitd/lib/worker"
	"github.com/devit-dev/devitd/transport"
)

// Config holds everything New needs to assemble a Daemon. Every field
// is supplied by cmd/devitd's startup sequence; Config itself performs
// no I/O.
type Config struct {
	Logger *slog.Logger
	Clock  clock.Clock

	Journal        *journal.Journal
	EnvelopeSubkey []byte
	ReplayCache    *replay.Cache
	SkewWindow     time.Duration

	Protected     *policy.ProtectedPathSet
	WorkspaceRoot *pathsandbox.Root

	ApprovalBroker  *approval.Broker
	ApprovalTimeout time.Duration
	ApproverTarget  string

	Workers map[string]worker.Definition
	Drivers map[worker.Kind]worker.Driver

	Hook       *task.Hook
	AckTimeout time.Duration

	RateLimit  int
	RateWindow time.Duration

	ExpectedWorkerVersion string
	MinimumClientVersion  string

	ScreenshotEnabled bool
	ScreenshotRoot    *pathsandbox.Root
	ScreenshotHelper  string

	DefaultLeaseTimeout time.Duration
	IdleShutdown        time.Duration

	PoolWorkers int
	PoolQueue   int
}

// Daemon is devitd's dispatch core. It satisfies transport.Dispatcher;
// every method on the wire protocol is handled by exactly one handler
// function (in methods.go, notify.go, or run.go), reached through
// dispatch.
type Daemon struct {
	logger *slog.Logger
	clk    clock.Clock

	journal        *journal.Journal
	envelopeSubkey []byte
	replayCache    *replay.Cache
	skew           time.Duration

	protected     *policy.ProtectedPathSet
	workspaceRoot *pathsandbox.Root
	patchEngine   *patch.Engine

	approvalBroker  *approval.Broker
	approvalTimeout time.Duration
	approverTarget  string

	tasks   *task.Registry
	workers map[string]worker.Definition
	drivers map[worker.Kind]worker.Driver

	leaseMu       sync.Mutex
	leaseCancel   map[string]context.CancelFunc
	leaseTimers   map[string]*clock.Timer
	activeHandles map[string]worker.Handle

	hook       *task.Hook
	ackTimeout time.Duration

	sessionsMu sync.Mutex
	sessions   map[string]*transport.Session

	pollMu     sync.Mutex
	pollQueues map[string]chan task.Task

	rateLimit  int
	rateWindow time.Duration

	expectedWorkerVersion string
	minimumClientVersion  string

	screenshotEnabled bool
	screenshotRoot    *pathsandbox.Root
	screenshotHelper  string

	defaultLeaseTimeout time.Duration
	idleShutdown        time.Duration

	activityMu   sync.Mutex
	lastActivity time.Time
	activeConns  int

	pool *Pool

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New assembles a Daemon from cfg. It does not start any background
// goroutine; call Run to start the reaper and idle-shutdown loops.
// Lease timeouts are per-task timers started by runTask.
func New(cfg Config) *Daemon {
	d := &Daemon{
		logger:                cfg.Logger,
		clk:                   cfg.Clock,
		journal:               cfg.Journal,
		envelopeSubkey:        cfg.EnvelopeSubkey,
		replayCache:           cfg.ReplayCache,
		skew:                  cfg.SkewWindow,
		protected:             cfg.Protected,
		workspaceRoot:         cfg.WorkspaceRoot,
		patchEngine:           patch.NewEngine(cfg.WorkspaceRoot),
		approvalBroker:        cfg.ApprovalBroker,
		approvalTimeout:       cfg.ApprovalTimeout,
		approverTarget:        cfg.ApproverTarget,
		tasks:                 task.NewRegistry(),
		workers:               cfg.Workers,
		drivers:               cfg.Drivers,
		leaseCancel:           make(map[string]context.CancelFunc),
		leaseTimers:           make(map[string]*clock.Timer),
		activeHandles:         make(map[string]worker.Handle),
		hook:                  cfg.Hook,
		ackTimeout:            cfg.AckTimeout,
		sessions:              make(map[string]*transport.Session),
		pollQueues:            make(map[string]chan task.Task),
		rateLimit:             cfg.RateLimit,
		rateWindow:            cfg.RateWindow,
		expectedWorkerVersion: cfg.ExpectedWorkerVersion,
		minimumClientVersion:  cfg.MinimumClientVersion,
		screenshotEnabled:     cfg.ScreenshotEnabled,
		screenshotRoot:        cfg.ScreenshotRoot,
		screenshotHelper:      cfg.ScreenshotHelper,
		defaultLeaseTimeout:   cfg.DefaultLeaseTimeout,
		idleShutdown:          cfg.IdleShutdown,
		shutdownCh:            make(chan struct{}),
	}
	poolWorkers, poolQueue := cfg.PoolWorkers, cfg.PoolQueue
	if poolWorkers <= 0 {
		poolWorkers = 4
	}
	if poolQueue <= 0 {
		poolQueue = 64
	}
	d.pool = NewPool(poolWorkers, poolQueue)
	d.lastActivity = d.clk.Now()
	return d
}

// HandleRegister implements transport.Dispatcher. It is the only entry
// point that runs before a Session exists.
func (d *Daemon) HandleRegister(env envelope.Envelope) (*transport.Session, envelope.Envelope) {
	d.touch()

	if err := d.verify(env); err != nil {
		return nil, d.errorEnvelope(env.MessageID, err)
	}
	if env.Type != envelope.TypeRegister {
		return nil, d.errorEnvelope(env.MessageID, errNoSuchSession)
	}

	var req registerRequest
	if err := codec.Unmarshal(env.Payload, &req); err != nil {
		return nil, d.errorEnvelope(env.MessageID, errInvalidDiff(err.Error()))
	}

	if d.minimumClientVersion != "" && req.Version != d.minimumClientVersion {
		return nil, d.errorEnvelope(env.MessageID, errVersionMismatch(d.minimumClientVersion, req.Version))
	}

	level := policy.Moderate
	if req.Level != "" {
		if parsed, ok := policy.ParseLevel(req.Level); ok {
			level = parsed
		}
	}

	session := transport.NewSession(level, d.clk, d.rateLimit, d.rateWindow)
	session.ClientVersion = req.Version
	session.Capabilities = req.Capabilities
	session.ProcessID = req.PID
	session.WorkerMode = req.WorkerMode

	d.sessionsMu.Lock()
	d.sessions[session.ID] = session
	d.sessionsMu.Unlock()

	d.activityMu.Lock()
	d.activeConns++
	d.activityMu.Unlock()

	resp := registerResponse{OK: true, DaemonVersion: version.Short(), ExpectedWorkerVersion: d.expectedWorkerVersion}
	return session, d.responseEnvelope(env.MessageID, resp)
}

// Handle implements transport.Dispatcher for every message after
// REGISTER.
func (d *Daemon) Handle(ctx context.Context, session *transport.Session, env envelope.Envelope) envelope.Envelope {
	d.touch()

	if err := d.verify(env); err != nil {
		return d.errorEnvelope(env.MessageID, err)
	}

	var methodEnvelope struct {
		Method string `cbor:"method"`
	}
	if err := codec.Unmarshal(env.Payload, &methodEnvelope); err != nil {
		return d.errorEnvelope(env.MessageID, errInvalidDiff(err.Error()))
	}

	if !session.Allow(methodEnvelope.Method) {
		return d.errorEnvelope(env.MessageID, errRateLimited)
	}

	resp, err := d.dispatch(ctx, session, methodEnvelope.Method, env.Payload)
	if err != nil {
		return d.errorEnvelope(env.MessageID, err)
	}
	return d.responseEnvelope(env.MessageID, resp)
}

// Closed implements transport.Dispatcher.
func (d *Daemon) Closed(session *transport.Session) {
	d.sessionsMu.Lock()
	delete(d.sessions, session.ID)
	d.sessionsMu.Unlock()

	d.activityMu.Lock()
	d.activeConns--
	d.lastActivity = d.clk.Now()
	d.activityMu.Unlock()
}

func (d *Daemon) dispatch(ctx context.Context, session *transport.Session, method string, payload []byte) (any, error) {
	switch method {
	case "delegate":
		return d.handleDelegate(ctx, session, payload)
	case "notify":
		return d.handleNotify(payload)
	case "status":
		return d.handleStatus(payload)
	case "task":
		return d.handleTask(payload)
	case "patch_apply":
		return d.handlePatchApply(ctx, session, payload)
	case "capabilities_get":
		return d.handleCapabilitiesGet(), nil
	case "poll_tasks":
		return d.handlePollTasks(ctx, session, payload)
	case "screenshot":
		return d.handleScreenshot(ctx, session)
	default:
		return nil, errUnknownMethod(method)
	}
}

// verify authenticates env against the daemon's subkey, replay cache,
// and skew window. It is the one place every inbound envelope passes
// through, REGISTER included.
func (d *Daemon) verify(env envelope.Envelope) error {
	return envelope.Verify(d.envelopeSubkey, d.replayCache, d.clk.Now().Unix(), int64(d.skew.Seconds()), env)
}

func (d *Daemon) responseEnvelope(messageID string, payload any) envelope.Envelope {
	return envelope.Envelope{
		Type:      envelope.TypeResponse,
		MessageID: messageID,
		Timestamp: d.clk.Now().Unix(),
		Payload:   mustRaw(payload),
	}
}

func (d *Daemon) errorEnvelope(messageID string, err error) envelope.Envelope {
	code, hint := wireCode(err)
	if classify(err) == failure.Security {
		d.logger.Warn("request rejected by security check", "message_id", messageID, "code", code, "error", err)
	} else {
		d.logger.Debug("request failed", "message_id", messageID, "code", code, "error", err)
	}
	return envelope.Envelope{
		Type:      envelope.TypeError,
		MessageID: messageID,
		Timestamp: d.clk.Now().Unix(),
		Payload: mustRaw(errorPayload{
			Error: errorBody{Code: code, Message: err.Error(), Hint: hint},
		}),
	}
}

func (d *Daemon) touch() {
	d.activityMu.Lock()
	d.lastActivity = d.clk.Now()
	d.activityMu.Unlock()
}

// resolveWorkingDir validates a task's requested working directory
// against the workspace root, per spec.md §4.7's "refuses with
// escape_root if invalid" rule. An empty input resolves to the root
// itself.
func (d *Daemon) resolveWorkingDir(input string) (string, error) {
	if input == "" {
		return d.workspaceRoot.Path(), nil
	}
	resolved, err := d.workspaceRoot.Resolve(input, pathsandbox.ResolveOptions{MustExist: true})
	if err != nil {
		return "", fmt.Errorf("daemon: resolving working directory: %w", err)
	}
	return resolved, nil
}

// Close stops the daemon's background pool. It does not close the
// journal or replay cache, which outlive the Daemon value in
// cmd/devitd's shutdown sequence.
func (d *Daemon) Close() {
	d.shutdownOnce.Do(func() { close(d.shutdownCh) })
	d.pool.Close()
}
