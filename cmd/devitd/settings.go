// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tidwall/jsonc"
)

// settings is cmd/devitd's runtime settings file shape, written as
// JSON with comments (JSONC) so an operator can annotate a deployed
// config in place. The path, approver-target and secret-source fields
// mirror a command-line flag of the same purpose, and a flag
// explicitly set on the command line overrides the value loaded from
// the settings file; the remaining fields (timeouts, rate limit, pool
// sizing, screenshot and version settings) are read only from here.
type settings struct {
	SocketPath         string `json:"socket_path"`
	HTTPAddress        string `json:"http_address"`
	WorkspaceRoot      string `json:"workspace_root"`
	JournalDir         string `json:"journal_dir"`
	ReplaySnapshot     string `json:"replay_snapshot"`
	WorkerDefinitions  string `json:"worker_definitions"`
	ProtectedPaths     string `json:"protected_paths"`
	ApproverTarget     string `json:"approver_target"`
	SecretEnv          string `json:"secret_env"`
	SecretFile         string `json:"secret_file"`
	MinimumClientVersion string `json:"minimum_client_version"`
	ScreenshotHelper   string `json:"screenshot_helper"`
	ScreenshotRoot     string `json:"screenshot_root"`

	SkewWindowSeconds        int `json:"skew_window_seconds"`
	ApprovalTimeoutSeconds   int `json:"approval_timeout_seconds"`
	AckTimeoutSeconds        int `json:"ack_timeout_seconds"`
	DefaultLeaseTimeoutSeconds int `json:"default_lease_timeout_seconds"`
	IdleShutdownSeconds      int `json:"idle_shutdown_seconds"`
	RateLimit                int `json:"rate_limit"`
	RateWindowSeconds        int `json:"rate_window_seconds"`
	PoolWorkers              int `json:"pool_workers"`
	PoolQueue                int `json:"pool_queue"`

	ScreenshotEnabled bool `json:"screenshot_enabled"`
}

// loadSettings reads a JSONC settings file, stripping comments and
// trailing commas before unmarshaling, matching
// lib/pipelinedef.Parse's JSONC-handling convention.
func loadSettings(path string) (settings, error) {
	var s settings
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("reading settings file %s: %w", path, err)
	}
	stripped := jsonc.ToJSON(data)
	if err := json.Unmarshal(stripped, &s); err != nil {
		return s, fmt.Errorf("parsing settings file %s: %w", path, err)
	}
	return s, nil
}

func secondsOrDefault(seconds int, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

// defaultSocketPath, defaultJournalDir, and defaultReplaySnapshot are
// used when neither the settings file nor a flag names one. The
// workspace root falls back to the current working directory instead.
const (
	defaultSocketPath    = "/run/devitd/devitd.sock"
	defaultJournalDir    = "/var/lib/devitd/journal"
	defaultReplaySnapshot = "/var/lib/devitd/replay.snapshot"
)

// mergeSettings layers f's explicitly-set flags over cfg (the parsed
// settings file), then fills in any field still empty with a
// hard-coded default. A flag wins over the settings file because it
// is the more specific, more recently stated intent.
func mergeSettings(cfg settings, f flags) settings {
	if f.socketPath != "" {
		cfg.SocketPath = f.socketPath
	}
	if f.httpAddress != "" {
		cfg.HTTPAddress = f.httpAddress
	}
	if f.workspaceRoot != "" {
		cfg.WorkspaceRoot = f.workspaceRoot
	}
	if f.journalDir != "" {
		cfg.JournalDir = f.journalDir
	}
	if f.replaySnapshot != "" {
		cfg.ReplaySnapshot = f.replaySnapshot
	}
	if f.workerDefinitions != "" {
		cfg.WorkerDefinitions = f.workerDefinitions
	}
	if f.protectedPaths != "" {
		cfg.ProtectedPaths = f.protectedPaths
	}
	if f.approverTarget != "" {
		cfg.ApproverTarget = f.approverTarget
	}
	if f.secretEnv != "" {
		cfg.SecretEnv = f.secretEnv
	}
	if f.secretFile != "" {
		cfg.SecretFile = f.secretFile
	}

	if cfg.SocketPath == "" {
		cfg.SocketPath = defaultSocketPath
	}
	if cfg.JournalDir == "" {
		cfg.JournalDir = defaultJournalDir
	}
	if cfg.ReplaySnapshot == "" {
		cfg.ReplaySnapshot = defaultReplaySnapshot
	}
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot, _ = os.Getwd()
	}
	return cfg
}
