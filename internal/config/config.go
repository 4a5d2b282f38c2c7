package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Orchestrator OrchestratorRuntimeConfig `toml:"orchestrator"`
	Providers    map[string]ProviderCommand `toml:"providers"`
	API          APIConfig                  `toml:"api"`
	OAuth        map[string]OAuthConfig     `toml:"oauth"`
	Departments  DepartmentsConfig          `toml:"departments"`
	Agents       []AgentEntry               `toml:"agents"`
	Projects     []ProjectEntry             `toml:"projects"`
	Raw          map[string]any             `toml:"-"`
	Path         string                     `toml:"-"`
}

type OrchestratorRuntimeConfig struct {
	Addr                string `toml:"addr"`
	DBPath              string `toml:"db_path"`
	LogsRoot            string `toml:"logs_root"`
	WatchdogIntervalMS  int    `toml:"watchdog_interval_ms"`
	AckDelayMinMS       int    `toml:"ack_delay_min_ms"`
	AckDelayMaxMS       int    `toml:"ack_delay_max_ms"`
	InterBatchMinMS     int    `toml:"inter_batch_min_ms"`
	InterBatchMaxMS     int    `toml:"inter_batch_max_ms"`
	ReviewFinishDelayMS int    `toml:"review_finish_delay_ms"`
	Language            string `toml:"language"`
	MaxHints            int    `toml:"max_hints"`
}

// ProviderCommand overrides how a local CLI worker is started.
type ProviderCommand struct {
	Binary    string            `toml:"binary"`
	ExtraArgs []string          `toml:"extra_args"`
	Env       map[string]string `toml:"env"`
}

type APIConfig struct {
	Endpoint        string `toml:"endpoint"`
	Model           string `toml:"model"`
	ReasoningEffort string `toml:"reasoning_effort"`
	AuthTokenEnv    string `toml:"auth_token_env"`
	TimeoutMS       int    `toml:"timeout_ms"`
	Retries         int    `toml:"retries"`
}

type OAuthConfig struct {
	Endpoint       string   `toml:"endpoint"`
	Model          string   `toml:"model"`
	Accounts       []string `toml:"accounts"`
	TokenEnvPrefix string   `toml:"token_env_prefix"`
	TimeoutMS      int      `toml:"timeout_ms"`
}

type DepartmentsConfig struct {
	Priority map[string]int    `toml:"priority"`
	List     []DepartmentEntry `toml:"list"`
}

// DepartmentEntry, AgentEntry and ProjectEntry describe the roster seeded
// into the store at startup.
type DepartmentEntry struct {
	ID        string `toml:"id"`
	Name      string `toml:"name"`
	SortOrder int    `toml:"sort_order"`
}

type AgentEntry struct {
	ID             string `toml:"id"`
	Name           string `toml:"name"`
	Role           string `toml:"role"`
	Department     string `toml:"department"`
	Provider       string `toml:"provider"`
	Model          string `toml:"model"`
	ReasoningLevel string `toml:"reasoning_level"`
	OAuthAccount   string `toml:"oauth_account"`
}

type ProjectEntry struct {
	ID             string   `toml:"id"`
	Name           string   `toml:"name"`
	Path           string   `toml:"path"`
	AssignmentMode string   `toml:"assignment_mode"`
	Agents         []string `toml:"agents"`
}

func Load(path string) (Config, error) {
	resolved := path
	if resolved == "" {
		resolved = defaultConfigPath()
	}
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(resolved, "~")
		trimmed = strings.TrimPrefix(trimmed, "\\")
		trimmed = strings.TrimPrefix(trimmed, "/")
		resolved = filepath.Join(home, trimmed)
	}
	resolved = filepath.Clean(resolved)

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}
	return Parse(string(bytes), resolved)
}

// Parse decodes config text; path is recorded for display only.
func Parse(text string, path string) (Config, error) {
	var cfg Config
	if _, err := toml.Decode(text, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	var raw map[string]any
	if _, err := toml.Decode(text, &raw); err != nil {
		return Config{}, fmt.Errorf("decode raw config: %w", err)
	}
	cfg.Raw = raw
	cfg.Path = path
	return cfg, nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".organ_dispatch/config.toml"
	}
	return filepath.Join(home, ".organ_dispatch", "config.toml")
}
