package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file.
// A directory path is accepted and resolved to <dir>/config.yaml.
func Load(configPath string) (*Config, error) {
	absPath, err := resolveConfigFile(configPath)
	if err != nil {
		return nil, err
	}

	// Hash-verify when a manifest sits next to the config.
	if err := VerifyChecksumsIfPresent(absPath); err != nil {
		return nil, err
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}
	cfg.SourcePath = absPath

	cfg = applyConfigDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func resolveConfigFile(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

// DiscoverConfig finds the config file by checking standard locations.
// Priority order: $TICKETD_CONFIG, ~/.config/ticketd/config.yaml, ./config.yaml
func DiscoverConfig() (string, error) {
	if p := os.Getenv("TICKETD_CONFIG"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfig := filepath.Join(homeDir, ".config", "ticketd", "config.yaml")
		if _, err := os.Stat(userConfig); err == nil {
			return userConfig, nil
		}
	}

	if _, err := os.Stat("./config.yaml"); err == nil {
		return "./config.yaml", nil
	}

	return "", fmt.Errorf("no config found (checked: $TICKETD_CONFIG, ~/.config/ticketd/config.yaml, ./config.yaml)")
}

// loadConfigFile loads and parses a single config file on top of the defaults.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	interpolated := interpolateEnv(string(data))

	// Decode on top of the defaults; yaml.v3 replaces sequences wholesale.
	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	return cfg, nil
}

// applyConfigDefaults fills zero values left behind by explicit empty keys.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.PollInterval == 0 {
		cfg.Service.PollInterval = defaults.Service.PollInterval
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}
	cfg.Service.LogLevel = strings.ToLower(cfg.Service.LogLevel)

	if cfg.Tracker.Kind == "" {
		cfg.Tracker.Kind = defaults.Tracker.Kind
	}
	if cfg.Tracker.Endpoint == "" {
		cfg.Tracker.Endpoint = defaults.Tracker.Endpoint
	}
	if cfg.Tracker.PickupStatus == "" {
		cfg.Tracker.PickupStatus = defaults.Tracker.PickupStatus
	}
	if cfg.Tracker.RequestTimeout == 0 {
		cfg.Tracker.RequestTimeout = defaults.Tracker.RequestTimeout
	}
	fillString(&cfg.Tracker.States.Backlog, defaults.Tracker.States.Backlog)
	fillString(&cfg.Tracker.States.Todo, defaults.Tracker.States.Todo)
	fillString(&cfg.Tracker.States.InProgress, defaults.Tracker.States.InProgress)
	fillString(&cfg.Tracker.States.InReview, defaults.Tracker.States.InReview)
	fillString(&cfg.Tracker.States.Done, defaults.Tracker.States.Done)
	fillString(&cfg.Tracker.States.Canceled, defaults.Tracker.States.Canceled)

	if len(cfg.Workflow.StartArgs) == 0 {
		cfg.Workflow.StartArgs = defaults.Workflow.StartArgs
	}
	if len(cfg.Workflow.StatusArgs) == 0 {
		cfg.Workflow.StatusArgs = defaults.Workflow.StatusArgs
	}
	if len(cfg.Workflow.CancelArgs) == 0 {
		cfg.Workflow.CancelArgs = defaults.Workflow.CancelArgs
	}
	fillString(&cfg.Workflow.RunIDPattern, defaults.Workflow.RunIDPattern)
	if cfg.Workflow.PollInterval == 0 {
		cfg.Workflow.PollInterval = defaults.Workflow.PollInterval
	}
	if cfg.Workflow.Timeout == 0 {
		cfg.Workflow.Timeout = defaults.Workflow.Timeout
	}
	if cfg.Workflow.CommandTimeout == 0 {
		cfg.Workflow.CommandTimeout = defaults.Workflow.CommandTimeout
	}
	if cfg.Workflow.MaxDescriptionBytes == 0 {
		cfg.Workflow.MaxDescriptionBytes = defaults.Workflow.MaxDescriptionBytes
	}
	if cfg.Workflow.MaxOutputBytes == 0 {
		cfg.Workflow.MaxOutputBytes = defaults.Workflow.MaxOutputBytes
	}

	if cfg.State.Backend == "" {
		cfg.State.Backend = defaults.State.Backend
	}
	cfg.State.Backend = strings.ToLower(cfg.State.Backend)
	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}
	if cfg.State.HistoryLimit == 0 {
		cfg.State.HistoryLimit = defaults.State.HistoryLimit
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	fillString(&cfg.Webhook.Path, defaults.Webhook.Path)
	fillString(&cfg.Webhook.SignatureHeader, defaults.Webhook.SignatureHeader)
	if cfg.Webhook.MaxAge == 0 {
		cfg.Webhook.MaxAge = defaults.Webhook.MaxAge
	}

	return cfg
}

func fillString(dst *string, def string) {
	if strings.TrimSpace(*dst) == "" {
		*dst = def
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]

		if value, exists := os.LookupEnv(varName); exists {
			return value
		}

		// If not found, leave the placeholder (will fail validation if required)
		return match
	})
}

// UnresolvedEnvVar returns the variable name of a ${VAR} placeholder left in
// value, or "" when the value is fully resolved.
func UnresolvedEnvVar(value string) string {
	matches := envVarPattern.FindStringSubmatch(value)
	if len(matches) > 1 {
		return matches[1]
	}
	return ""
}

// validate performs structural validation. Operational checks that need the
// environment (credentials, binaries) live in the doctor package.
func validate(cfg *Config) error {
	if cfg.Service.PollInterval <= 0 {
		return fmt.Errorf("service.poll_interval must be positive")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	if cfg.Tracker.Kind != "linear" {
		return fmt.Errorf("tracker.kind must be \"linear\" (got %q)", cfg.Tracker.Kind)
	}
	if cfg.Tracker.RequestTimeout <= 0 {
		return fmt.Errorf("tracker.request_timeout must be positive")
	}

	if cfg.Workflow.PollInterval <= 0 {
		return fmt.Errorf("workflow.poll_interval must be positive")
	}
	if cfg.Workflow.Timeout <= 0 {
		return fmt.Errorf("workflow.timeout must be positive")
	}
	if cfg.Workflow.PollInterval >= cfg.Workflow.Timeout {
		return fmt.Errorf("workflow.poll_interval (%s) must be shorter than workflow.timeout (%s)",
			cfg.Workflow.PollInterval, cfg.Workflow.Timeout)
	}
	if cfg.Workflow.MaxDescriptionBytes < 0 || cfg.Workflow.MaxOutputBytes < 0 {
		return fmt.Errorf("workflow byte limits must not be negative")
	}
	if !containsPlaceholder(cfg.Workflow.StartArgs, "{task}") {
		return fmt.Errorf("workflow.start_args must contain the {task} placeholder")
	}
	if !containsPlaceholder(cfg.Workflow.StatusArgs, "{run_id}") {
		return fmt.Errorf("workflow.status_args must contain the {run_id} placeholder")
	}
	if !containsPlaceholder(cfg.Workflow.CancelArgs, "{run_id}") {
		return fmt.Errorf("workflow.cancel_args must contain the {run_id} placeholder")
	}
	if _, err := regexp.Compile(cfg.Workflow.RunIDPattern); err != nil {
		return fmt.Errorf("workflow.run_id_pattern: %w", err)
	}

	switch cfg.State.Backend {
	case BackendJSON, BackendSQLite:
	default:
		return fmt.Errorf("state.backend must be one of: json, sqlite (got %q)", cfg.State.Backend)
	}
	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if cfg.State.HistoryLimit < 1 {
		return fmt.Errorf("state.history_limit must be at least 1")
	}

	if cfg.Retry.MaxRetries < 1 {
		return fmt.Errorf("retry.max_retries must be at least 1")
	}

	if cfg.Webhook.Enabled {
		if !cfg.API.Enabled {
			return fmt.Errorf("webhook.enabled requires api.enabled (the webhook is served by the API listener)")
		}
		if !strings.HasPrefix(cfg.Webhook.Path, "/") {
			return fmt.Errorf("webhook.path must start with '/' (got %q)", cfg.Webhook.Path)
		}
	}

	return nil
}

func containsPlaceholder(args []string, placeholder string) bool {
	for _, a := range args {
		if strings.Contains(a, placeholder) {
			return true
		}
	}
	return false
}

// LockPath returns the PID lock location that sits beside the state file.
func (c *Config) LockPath() string {
	return filepath.Join(filepath.Dir(c.State.Path), "ticketd.lock")
}
