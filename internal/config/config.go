package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"shellgate/internal/domain"
)

// Config is the root configuration for shellgate.
type Config struct {
	General  GeneralConfig  `json:"general"`
	Policy   PolicyConfig   `json:"policy"`
	Session  SessionConfig  `json:"session"`
	Approval ApprovalConfig `json:"approval"`
	Audit    AuditConfig    `json:"audit"`
	Metrics  MetricsConfig  `json:"metrics"`
}

type GeneralConfig struct {
	RootDir  string `json:"rootDir"` // sandbox root; every session cwd stays under it
	LogLevel string `json:"logLevel"`
	LogFile  string `json:"logFile,omitempty"` // optional log file path
}

// PolicyConfig is the command policy. It is treated as immutable once loaded.
type PolicyConfig struct {
	EnforceMode            string      `json:"enforceMode"` // "strict" | "advisory"
	AutoApproveAllowlisted bool        `json:"autoApproveAllowlisted"`
	EnforceRootJail        bool        `json:"enforceRootJail"`
	MaxCommandLen          int         `json:"maxCommandLen"`
	DeniedPatterns         []string    `json:"deniedPatterns"` // regexes, shared by both shells
	RulePacksDir           string      `json:"rulePacksDir,omitempty"`
	Bash                   ShellPolicy `json:"bash"`
	PowerShell             ShellPolicy `json:"powershell"`
}

// ShellPolicy holds the verb lists for one shell kind.
type ShellPolicy struct {
	Allowed []string `json:"allowed" yaml:"allowed"`
	Denied  []string `json:"denied" yaml:"denied"`
}

// ForShell returns the verb lists for kind.
func (p PolicyConfig) ForShell(kind domain.ShellKind) ShellPolicy {
	if kind == domain.ShellPowerShell {
		return p.PowerShell
	}
	return p.Bash
}

type SessionConfig struct {
	DefaultShell       string   `json:"defaultShell"` // "bash" | "powershell"
	TimeoutMs          int      `json:"timeoutMs"`
	IdleTimeoutSeconds int      `json:"idleTimeoutSeconds"` // 0 = never reap idle sessions
	MaxOutputBytes     int      `json:"maxOutputBytes"`
	MaxSessions        int      `json:"maxSessions"`
	ContinueOnError    bool     `json:"continueOnError"`
	StartupCommands    []string `json:"startupCommands"`
	BashPath           string   `json:"bashPath,omitempty"`
	PowerShellPath     string   `json:"powershellPath,omitempty"`
}

// Timeout returns the per-command timeout.
func (s SessionConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// IdleTimeout returns the idle reap interval, zero when disabled.
func (s SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutSeconds) * time.Second
}

type ApprovalConfig struct {
	TimeoutSeconds int `json:"timeoutSeconds"` // 0 = wait forever
	MaxEditRounds  int `json:"maxEditRounds"`
}

type AuditConfig struct {
	Enabled       bool   `json:"enabled"`
	DBPath        string `json:"dbPath"`
	RetentionDays int    `json:"retentionDays"`
}

// MetricsConfig configures the Prometheus endpoint served by `shellgate shell`.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Listen   string `json:"listen"`
	Endpoint string `json:"endpoint"`
}

// DefaultConfigDir returns the default config directory (~/.shellgate).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".shellgate"
	}
	return filepath.Join(home, ".shellgate")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads the config at path, merges it over Defaults, loads rule packs and validates.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.RootDir = ExpandPath(cfg.General.RootDir)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Audit.DBPath = ExpandPath(cfg.Audit.DBPath)
	cfg.Policy.RulePacksDir = ExpandPath(cfg.Policy.RulePacksDir)

	if cfg.Policy.RulePacksDir != "" {
		packs, err := LoadRulePacks(cfg.Policy.RulePacksDir)
		if err != nil {
			return nil, err
		}
		ApplyRulePacks(cfg, packs)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values. All problems are reported at once.
func Validate(cfg *Config) error {
	var errs []string

	if strings.TrimSpace(cfg.General.RootDir) == "" {
		errs = append(errs, "general.rootDir is required")
	}
	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	switch domain.EnforceMode(cfg.Policy.EnforceMode) {
	case domain.EnforceStrict, domain.EnforceAdvisory:
	default:
		errs = append(errs, "policy.enforceMode must be one of: strict, advisory")
	}
	if cfg.Policy.MaxCommandLen < 1 {
		errs = append(errs, "policy.maxCommandLen must be >= 1")
	}
	for i, p := range cfg.Policy.DeniedPatterns {
		if _, err := regexp.Compile(p); err != nil {
			errs = append(errs, fmt.Sprintf("policy.deniedPatterns[%d]: invalid regex %q: %v", i, p, err))
		}
	}

	if _, err := domain.ParseShellKind(cfg.Session.DefaultShell); err != nil {
		errs = append(errs, "session.defaultShell must be one of: bash, powershell")
	}
	if cfg.Session.TimeoutMs < 1 {
		errs = append(errs, "session.timeoutMs must be >= 1")
	}
	if cfg.Session.IdleTimeoutSeconds < 0 {
		errs = append(errs, "session.idleTimeoutSeconds must be >= 0")
	}
	if cfg.Session.MaxOutputBytes < 1 {
		errs = append(errs, "session.maxOutputBytes must be >= 1")
	}
	if cfg.Session.MaxSessions < 1 {
		errs = append(errs, "session.maxSessions must be >= 1")
	}

	if cfg.Approval.TimeoutSeconds < 0 {
		errs = append(errs, "approval.timeoutSeconds must be >= 0")
	}
	if cfg.Approval.MaxEditRounds < 1 || cfg.Approval.MaxEditRounds > 10 {
		errs = append(errs, "approval.maxEditRounds must be between 1 and 10")
	}

	if cfg.Audit.Enabled {
		if cfg.Audit.DBPath == "" {
			errs = append(errs, "audit.dbPath is required when audit is enabled")
		}
		if cfg.Audit.RetentionDays < 1 {
			errs = append(errs, "audit.retentionDays must be >= 1")
		}
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		errs = append(errs, "metrics.listen is required when metrics are enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
