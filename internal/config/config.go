// Package config resolves the daemon's tunables from environment variables
// with defaults.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every environment-resolved tunable for the daemon.
type Config struct {
	// Transport
	Port      int
	StaticDir string

	// Session Manager
	MaxSessions int

	// Process Supervisor
	SubprocessTimeout time.Duration
	GracefulTimeout   time.Duration
	MaxLineBytes      int

	// Adapter parse-failure escalation
	UnparsedRateThreshold int
	UnparsedRateWindow    int

	// Shared Agent Server Manager
	SharedServerPortRangeStart int
	SharedServerPortRangeEnd   int
	SharedServerStartTimeout   time.Duration
	SharedServerHealthPeriod   time.Duration

	// Process/PTY Manager
	ProcessLogDir      string
	PTYGracefulTimeout time.Duration
	MaxPTYSubscribers  int

	// Agent binary resolution: the caller supplies a resolved path per
	// agent kind rather than this package discovering one on PATH.
	ClaudeBinary   string
	CodexBinary    string
	AmpBinary      string
	CodebuffBinary string
	OpenCodeBinary string
	GeminiBinary   string
}

// Load resolves Config from the process environment, falling back to the
// defaults below for anything unset.
func Load() Config {
	cfg := Config{
		Port:      8420,
		StaticDir: "",

		MaxSessions: 10,

		SubprocessTimeout: 5 * time.Minute,
		GracefulTimeout:   2 * time.Second,
		MaxLineBytes:      1024 * 1024,

		UnparsedRateThreshold: 5,
		UnparsedRateWindow:    10,

		SharedServerPortRangeStart: 41000,
		SharedServerPortRangeEnd:   41999,
		SharedServerStartTimeout:   15 * time.Second,
		SharedServerHealthPeriod:   5 * time.Second,

		ProcessLogDir:      "/tmp/agentd/processes",
		PTYGracefulTimeout: 2 * time.Second,
		MaxPTYSubscribers:  256,

		ClaudeBinary:   "claude",
		CodexBinary:    "codex",
		AmpBinary:      "amp",
		CodebuffBinary: "codebuff",
		OpenCodeBinary: "opencode",
		GeminiBinary:   "gemini",
	}

	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("STATIC_DIR"); v != "" {
		cfg.StaticDir = v
	}
	if v := os.Getenv("MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxSessions = n
		}
	}
	if v := os.Getenv("SUBPROCESS_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SubprocessTimeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("GRACEFUL_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.GracefulTimeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("MAX_LINE_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxLineBytes = n
		}
	}
	if v := os.Getenv("UNPARSED_RATE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.UnparsedRateThreshold = n
		}
	}
	if v := os.Getenv("UNPARSED_RATE_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.UnparsedRateWindow = n
		}
	}
	if v := os.Getenv("SHARED_SERVER_PORT_RANGE_START"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SharedServerPortRangeStart = n
		}
	}
	if v := os.Getenv("SHARED_SERVER_PORT_RANGE_END"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SharedServerPortRangeEnd = n
		}
	}
	if v := os.Getenv("SHARED_SERVER_START_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SharedServerStartTimeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("PROCESS_LOG_DIR"); v != "" {
		cfg.ProcessLogDir = v
	}
	if v := os.Getenv("PTY_GRACEFUL_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PTYGracefulTimeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("MAX_PTY_SUBSCRIBERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxPTYSubscribers = n
		}
	}
	if v := os.Getenv("CLAUDE_BINARY"); v != "" {
		cfg.ClaudeBinary = v
	}
	if v := os.Getenv("CODEX_BINARY"); v != "" {
		cfg.CodexBinary = v
	}
	if v := os.Getenv("AMP_BINARY"); v != "" {
		cfg.AmpBinary = v
	}
	if v := os.Getenv("CODEBUFF_BINARY"); v != "" {
		cfg.CodebuffBinary = v
	}
	if v := os.Getenv("OPENCODE_BINARY"); v != "" {
		cfg.OpenCodeBinary = v
	}
	if v := os.Getenv("GEMINI_BINARY"); v != "" {
		cfg.GeminiBinary = v
	}

	return cfg
}
