// Package config loads the layered YAML configuration shared by all four
// services, grounded on Generativebots-ocx-backend-go-svc's nested
// yaml-tagged section structs (internal/config/config.go) and
// ashita-ai-akashi's env-override-after-defaults loading style.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Service identifies the running binary in logs and health responses.
type Service struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// Server holds the HTTP listener configuration.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Logging controls the shared logging middleware's verbosity.
type Logging struct {
	Level     string `yaml:"level"`
	Directory string `yaml:"directory"`
}

// Database points at this service's own SQLite file.
type Database struct {
	Path string `yaml:"path"`
}

// ClientConfig configures an outbound HTTP client to a collaborator service.
type ClientConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// Platform names the distinguished platform agent authorized for
// privileged Bank and Court calls (spec.md §4.2 "Platform-signed").
type Platform struct {
	AgentID        string `yaml:"agent_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
}

// Registration configures the Identity service's own registration gate,
// kept separate from the Identity ClientConfig section other services use
// to reach it. A bcrypt hash gates agent registration; empty leaves
// registration open.
type Registration struct {
	SecretHash string `yaml:"secret_hash"`
}

// Limits holds the max_body_size setting; httpkit.DecodeJSON applies its
// own fixed cap and does not read it.
type Limits struct {
	MaxBodyBytes int64 `yaml:"max_body_size"`
}

// Deadlines holds minimum/maximum bounds for task deadline seconds.
type Deadlines struct {
	MinSeconds int `yaml:"min_seconds"`
	MaxSeconds int `yaml:"max_seconds"`
}

// Assets bounds asset upload size and count (Task Board only).
type Assets struct {
	MaxFileBytes int64  `yaml:"max_file_bytes"`
	MaxPerTask   int    `yaml:"max_per_task"`
	StorageDir   string `yaml:"storage_dir"`
}

// Disputes configures the Court's rebuttal window default.
type Disputes struct {
	RebuttalWindowSeconds int `yaml:"rebuttal_window_seconds"`
}

// Judges configures the Court's evaluation panel.
type Judges struct {
	PanelSize int    `yaml:"panel_size"`
	Kind      string `yaml:"kind"` // "mock" or "llm"
}

// Feedback configures Court->Reputation side-effect thresholds.
type Feedback struct {
	SatisfiedThreshold          int `yaml:"satisfied_threshold"`
	ExtremelySatisfiedThreshold int `yaml:"extremely_satisfied_threshold"`
}

// Request holds per-request HTTP limits.
type Request struct {
	MaxBodySize int64 `yaml:"max_body_size"`
}

// Root is the full configuration document; each service loads a subset of
// these sections (unknown top-level keys are rejected, spec.md §6).
type Root struct {
	Service      Service      `yaml:"service"`
	Server       Server       `yaml:"server"`
	Logging      Logging      `yaml:"logging"`
	Database     Database     `yaml:"database"`
	Identity     ClientConfig `yaml:"identity"`
	CentralBank  ClientConfig `yaml:"central_bank"`
	TaskBoard    ClientConfig `yaml:"task_board"`
	Reputation   ClientConfig `yaml:"reputation"`
	Platform     Platform     `yaml:"platform"`
	Registration Registration `yaml:"registration"`
	Disputes     Disputes     `yaml:"disputes"`
	Judges       Judges       `yaml:"judges"`
	Assets       Assets       `yaml:"assets"`
	Feedback     Feedback     `yaml:"feedback"`
	Deadlines    Deadlines    `yaml:"deadlines"`
	Limits       Limits       `yaml:"limits"`
	Request      Request      `yaml:"request"`
}

// Load reads path as strict YAML (unknown fields rejected) and layers
// environment overrides onto the result. A missing file is not an error;
// defaults from the zero Root plus env overrides and caller-applied
// defaults still produce a usable configuration, matching the teacher
// pack's "defaults first, explicit override second" convention.
func Load(path string, defaults Root) (Root, error) {
	cfg := defaults
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Root{}, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else {
			dec := yaml.NewDecoder(strings.NewReader(string(data)))
			dec.SetStrict(true)
			if err := dec.Decode(&cfg); err != nil {
				return Root{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Root) {
	cfg.Server.Host = envStr("SERVER_HOST", cfg.Server.Host)
	cfg.Server.Port = envInt("SERVER_PORT", cfg.Server.Port)
	cfg.Database.Path = envStr("DATABASE_PATH", cfg.Database.Path)
	cfg.Logging.Level = envStr("LOG_LEVEL", cfg.Logging.Level)
	cfg.Platform.AgentID = envStr("PLATFORM_AGENT_ID", cfg.Platform.AgentID)
	cfg.Platform.PrivateKeyPath = envStr("PLATFORM_PRIVATE_KEY_PATH", cfg.Platform.PrivateKeyPath)
	cfg.Identity.BaseURL = envStr("IDENTITY_BASE_URL", cfg.Identity.BaseURL)
	cfg.CentralBank.BaseURL = envStr("CENTRAL_BANK_BASE_URL", cfg.CentralBank.BaseURL)
	cfg.TaskBoard.BaseURL = envStr("TASK_BOARD_BASE_URL", cfg.TaskBoard.BaseURL)
	cfg.Reputation.BaseURL = envStr("REPUTATION_BASE_URL", cfg.Reputation.BaseURL)
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
