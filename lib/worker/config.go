// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// configFile is the on-disk TOML shape of a worker definition registry,
// one [[worker]] table per entry, mirroring devitd/src/worker_executor.rs's
// WorkerConfig: a worker_type/binary/args/timeout_secs/parse_mode core
// plus the optional MCP and model-selection fields.
type configFile struct {
	Worker []workerConfig `toml:"worker"`
}

type workerConfig struct {
	Identifier string `toml:"identifier"`
	Type       string `toml:"type"`

	Binary       string   `toml:"binary"`
	Args         []string `toml:"args"`
	TimeoutSecs  int64    `toml:"timeout_secs"`
	ParseMode    string   `toml:"parse_mode"`
	WorkingDir   string   `toml:"working_dir"`
	MaxResponse  int64    `toml:"max_response_chars"`
	PollDispatch bool     `toml:"poll_dispatch"`

	MCPTool      string         `toml:"mcp_tool"`
	MCPArguments map[string]any `toml:"mcp_arguments"`

	DefaultModel  string   `toml:"default_model"`
	AllowedModels []string `toml:"allowed_models"`
}

// defaultTimeoutSecs mirrors the original executor's DEFAULT_TIMEOUT_SECS.
const defaultTimeoutSecs = 300

// LoadDefinitions reads a TOML worker definition registry from path,
// returning a map keyed by each entry's Identifier. type = "cli"
// becomes [KindSubprocessCLI]; type = "mcp" becomes
// [KindChildProtocol]. parse_mode = "text" becomes [ParseRaw];
// anything else (including the default, "json") becomes
// [ParseStructured].
func LoadDefinitions(path string) (map[string]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("worker: reading definitions %q: %w", path, err)
	}

	var file configFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("worker: parsing definitions %q: %w", path, err)
	}

	definitions := make(map[string]Definition, len(file.Worker))
	for _, entry := range file.Worker {
		if entry.Identifier == "" {
			return nil, fmt.Errorf("worker: definitions %q: entry missing identifier", path)
		}
		if _, exists := definitions[entry.Identifier]; exists {
			return nil, fmt.Errorf("worker: definitions %q: duplicate identifier %q", path, entry.Identifier)
		}

		kind, err := parseKind(entry.Type)
		if err != nil {
			return nil, fmt.Errorf("worker: definitions %q: %q: %w", path, entry.Identifier, err)
		}

		if !entry.PollDispatch && entry.Binary == "" {
			return nil, fmt.Errorf("worker: definitions %q: %q: binary is required unless poll_dispatch is set", path, entry.Identifier)
		}

		timeoutSecs := entry.TimeoutSecs
		if timeoutSecs == 0 {
			timeoutSecs = defaultTimeoutSecs
		}

		definitions[entry.Identifier] = Definition{
			Identifier:       entry.Identifier,
			Kind:             kind,
			Executable:       entry.Binary,
			ArgumentTemplate: entry.Args,
			ParseMode:        parseParseMode(entry.ParseMode),
			ToolName:         entry.MCPTool,
			ExtraArguments:   entry.MCPArguments,
			Timeout:          time.Duration(timeoutSecs) * time.Second,
			WorkingDirectory: entry.WorkingDir,
			MaxResponseSize:  entry.MaxResponse,
			DefaultModel:     entry.DefaultModel,
			AllowedModels:    entry.AllowedModels,
			PollDispatch:     entry.PollDispatch,
		}
	}
	return definitions, nil
}

func parseKind(worktype string) (Kind, error) {
	switch worktype {
	case "cli", "":
		return KindSubprocessCLI, nil
	case "mcp":
		return KindChildProtocol, nil
	default:
		return 0, fmt.Errorf("unknown worker type %q (want \"cli\" or \"mcp\")", worktype)
	}
}

func parseParseMode(mode string) ParseMode {
	if mode == "text" {
		return ParseRaw
	}
	return ParseStructured
}
