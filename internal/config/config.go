package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"execguard/internal/domain"
)

// Config is the root configuration for execguard.
type Config struct {
	General GeneralConfig `json:"general"`
	Policy  PolicyConfig  `json:"policy"`
	Rules   RulesConfig   `json:"rules"`
	Cache   CacheConfig   `json:"cache"`
	Events  EventsConfig  `json:"events"`
	Server  ServerConfig  `json:"server"`
	Metrics MetricsConfig `json:"metrics"`
	Sync    SyncConfig    `json:"sync"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel"`
	LogFile  string `json:"logFile,omitempty"` // optional log file path
}

// PolicyConfig drives the decision engine. Changes take effect on reload.
type PolicyConfig struct {
	Mode             string   `json:"mode"` // "monitor" | "lockdown" | "standalone"
	TransitiveRules  bool     `json:"transitiveRules"`
	AllowedPaths     []string `json:"allowedPaths,omitempty"`
	BlockedPaths     []string `json:"blockedPaths,omitempty"`
	HoldPolicy       string   `json:"holdPolicy"` // "poll" | "hold"
	PendingTimeoutMs int      `json:"pendingTimeoutMs"`
	// EvaluationTimeoutMs bounds a single evaluation before it fails safe.
	EvaluationTimeoutMs int `json:"evaluationTimeoutMs"`
}

type RulesConfig struct {
	DBPath    string `json:"dbPath"`
	ImportDir string `json:"importDir,omitempty"` // YAML rule files loaded at startup
}

type CacheConfig struct {
	MaxEntries int `json:"maxEntries"`
}

type EventsConfig struct {
	LogType       string `json:"logType"` // "syslog" | "filelog" | "json" | "null"
	LogFile       string `json:"logFile,omitempty"`
	BundleAction  string `json:"bundleAction"` // "drop" | "store" | "send"
	RetentionDays int    `json:"retentionDays"`
	PersistAllows bool   `json:"persistAllows,omitempty"`
}

type ServerConfig struct {
	Socket     string `json:"socket"`
	PIDFile    string `json:"pidFile"`
	WatchPeers bool   `json:"watchPeers"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Listen  string `json:"listen"`
	Path    string `json:"path"`
}

// SyncConfig describes the remote sync server. execguard does not sync
// itself; the section is validated so collaborators and `status` can report
// readiness.
type SyncConfig struct {
	BaseURL         string `json:"baseUrl,omitempty"`
	MachineID       string `json:"machineId,omitempty"`
	APIKey          string `json:"apiKey,omitempty"`
	ContentEncoding string `json:"contentEncoding"`
	CleanSync       string `json:"cleanSync"` // "normal" | "clean" | "clean_all"
}

// DefaultConfigDir returns the default config directory (~/.execguard).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".execguard"
	}
	return filepath.Join(home, ".execguard")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

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

	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Rules.DBPath = ExpandPath(cfg.Rules.DBPath)
	cfg.Rules.ImportDir = ExpandPath(cfg.Rules.ImportDir)
	cfg.Events.LogFile = ExpandPath(cfg.Events.LogFile)
	cfg.Server.Socket = ExpandPath(cfg.Server.Socket)
	cfg.Server.PIDFile = ExpandPath(cfg.Server.PIDFile)

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
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if _, err := domain.ParseClientMode(cfg.Policy.Mode); err != nil {
		errs = append(errs, "policy.mode must be one of: monitor, lockdown, standalone")
	}
	switch cfg.Policy.HoldPolicy {
	case "poll", "hold":
		// valid
	default:
		errs = append(errs, "policy.holdPolicy must be one of: poll, hold")
	}
	if cfg.Policy.PendingTimeoutMs < 1 || cfg.Policy.PendingTimeoutMs > 60000 {
		errs = append(errs, "policy.pendingTimeoutMs must be between 1 and 60000")
	}
	if cfg.Policy.EvaluationTimeoutMs < 1 || cfg.Policy.EvaluationTimeoutMs > 60000 {
		errs = append(errs, "policy.evaluationTimeoutMs must be between 1 and 60000")
	}
	for _, p := range cfg.Policy.AllowedPaths {
		if err := checkPattern(p); err != nil {
			errs = append(errs, fmt.Sprintf("policy.allowedPaths: %v", err))
		}
	}
	for _, p := range cfg.Policy.BlockedPaths {
		if err := checkPattern(p); err != nil {
			errs = append(errs, fmt.Sprintf("policy.blockedPaths: %v", err))
		}
	}

	if cfg.Rules.DBPath == "" {
		errs = append(errs, "rules.dbPath is required")
	}
	if cfg.Cache.MaxEntries < 1 {
		errs = append(errs, "cache.maxEntries must be >= 1")
	}

	logType, err := domain.ParseEventLogType(cfg.Events.LogType)
	switch {
	case err != nil:
		errs = append(errs, "events.logType must be one of: syslog, filelog, json, null")
	case logType == domain.EventLogTypeProtobuf:
		errs = append(errs, "events.logType protobuf is not supported")
	case logType == domain.EventLogTypeFilelog && cfg.Events.LogFile == "":
		errs = append(errs, "events.logFile is required when events.logType is filelog")
	}
	if _, err := domain.ParseBundleEventAction(cfg.Events.BundleAction); err != nil {
		errs = append(errs, "events.bundleAction must be one of: drop, store, send")
	}
	if cfg.Events.RetentionDays < 1 {
		errs = append(errs, "events.retentionDays must be >= 1")
	}

	if cfg.Server.Socket == "" {
		errs = append(errs, "server.socket is required")
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		errs = append(errs, "metrics.listen is required when metrics are enabled")
	}

	if _, err := domain.ParseSyncContentEncoding(cfg.Sync.ContentEncoding); err != nil {
		errs = append(errs, "sync.contentEncoding must be one of: none, deflate, gzip")
	}
	if _, err := ParseSyncType(cfg.Sync.CleanSync); err != nil {
		errs = append(errs, "sync.cleanSync must be one of: normal, clean, clean_all")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func checkPattern(p string) error {
	if _, err := regexp.Compile(p); err != nil {
		return fmt.Errorf("pattern %q: %w", p, err)
	}
	return nil
}

// SyncStatus reports whether the sync section is complete enough for a sync
// client to start.
func SyncStatus(cfg *Config) domain.SyncStatusType {
	switch {
	case cfg.Sync.BaseURL == "":
		return domain.SyncStatusTypeMissingSyncBaseURL
	case cfg.Sync.MachineID == "":
		return domain.SyncStatusTypeMissingMachineID
	}
	return domain.SyncStatusTypeSuccess
}

// ParseSyncType accepts the names produced by domain.SyncType.String.
func ParseSyncType(s string) (domain.SyncType, error) {
	if s == "" {
		return domain.SyncTypeNormal, nil
	}
	for t := domain.SyncTypeNormal; t <= domain.SyncTypeCleanAll; t++ {
		if t.String() == strings.ToLower(s) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown sync type %q", s)
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
