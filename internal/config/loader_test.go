package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "minimal config gets defaults",
			yaml: `
tracker:
  api_key: lin_api_test
  team_id: team-1
  agent_user_id: agent-1
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Service.PollInterval != 60*time.Second {
					t.Errorf("poll_interval default = %v", cfg.Service.PollInterval)
				}
				if cfg.Workflow.PollInterval != 30*time.Second || cfg.Workflow.Timeout != 45*time.Minute {
					t.Errorf("workflow timing defaults = %v / %v", cfg.Workflow.PollInterval, cfg.Workflow.Timeout)
				}
				if cfg.State.Backend != BackendJSON || cfg.State.HistoryLimit != 100 {
					t.Errorf("state defaults = %+v", cfg.State)
				}
				if cfg.Retry.MaxRetries != 3 {
					t.Errorf("max_retries default = %d", cfg.Retry.MaxRetries)
				}
				if cfg.Tracker.States.InProgress != "In Progress" {
					t.Errorf("state name default = %q", cfg.Tracker.States.InProgress)
				}
				if !cfg.Workflow.ShouldCancelOrphans() {
					t.Error("cancel_orphans should default to true")
				}
				if cfg.SourcePath == "" {
					t.Error("SourcePath not recorded")
				}
			},
		},
		{
			name: "env var interpolation",
			yaml: `
tracker:
  api_key: ${TICKETD_TEST_KEY}
  team_id: ${TICKETD_TEST_TEAM}
state:
  path: ${TICKETD_TEST_STATE}
`,
			env: map[string]string{
				"TICKETD_TEST_KEY":   "secret123",
				"TICKETD_TEST_TEAM":  "team-xyz",
				"TICKETD_TEST_STATE": "/tmp/ticketd/state.json",
			},
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Tracker.APIKey != "secret123" {
					t.Errorf("api_key = %q", cfg.Tracker.APIKey)
				}
				if cfg.Tracker.TeamID != "team-xyz" {
					t.Errorf("team_id = %q", cfg.Tracker.TeamID)
				}
				if cfg.State.Path != "/tmp/ticketd/state.json" {
					t.Errorf("state.path = %q", cfg.State.Path)
				}
			},
		},
		{
			name: "unset env var is left in place",
			yaml: `
tracker:
  api_key: ${TICKETD_TEST_DEFINITELY_UNSET}
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if got := UnresolvedEnvVar(cfg.Tracker.APIKey); got != "TICKETD_TEST_DEFINITELY_UNSET" {
					t.Errorf("UnresolvedEnvVar = %q", got)
				}
			},
		},
		{
			name: "explicit workflow args replace defaults",
			yaml: `
workflow:
  binary: /usr/local/bin/runner
  start_args: ["launch", "{task}"]
  poll_interval: 5s
  timeout: 10m
  cancel_orphans: false
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if len(cfg.Workflow.StartArgs) != 2 || cfg.Workflow.StartArgs[0] != "launch" {
					t.Errorf("start_args = %v", cfg.Workflow.StartArgs)
				}
				if cfg.Workflow.StatusArgs[0] != "status" {
					t.Errorf("status_args default lost: %v", cfg.Workflow.StatusArgs)
				}
				if cfg.Workflow.ShouldCancelOrphans() {
					t.Error("cancel_orphans=false not honoured")
				}
			},
		},
		{
			name: "poll interval must be shorter than timeout",
			yaml: `
workflow:
  poll_interval: 10m
  timeout: 5m
`,
			wantErr: "must be shorter than workflow.timeout",
		},
		{
			name: "start args need task placeholder",
			yaml: `
workflow:
  start_args: ["start"]
`,
			wantErr: "{task}",
		},
		{
			name: "unknown backend",
			yaml: `
state:
  backend: postgres
`,
			wantErr: "state.backend",
		},
		{
			name: "invalid log level",
			yaml: `
service:
  log_level: chatty
`,
			wantErr: "service.log_level",
		},
		{
			name: "webhook without api",
			yaml: `
webhook:
  enabled: true
  secret: s3cret
`,
			wantErr: "requires api.enabled",
		},
		{
			name:    "malformed yaml",
			yaml:    "service: [unterminated",
			wantErr: "failed to parse YAML",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := writeConfig(t, t.TempDir(), tt.yaml)

			cfg, err := Load(path)
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("expected error containing %q, got nil", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("error %q does not contain %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			tt.checkFn(t, cfg)
		})
	}
}

func TestLoadAcceptsDirectory(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "service:\n  name: from-dir\n")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load(dir) error = %v", err)
	}
	if cfg.Service.Name != "from-dir" {
		t.Errorf("service.name = %q", cfg.Service.Name)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "config file not found") {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestDiscoverConfigPrefersEnv(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "service:\n  name: x\n")
	t.Setenv("TICKETD_CONFIG", path)

	got, err := DiscoverConfig()
	if err != nil {
		t.Fatalf("DiscoverConfig() error = %v", err)
	}
	if got != path {
		t.Errorf("DiscoverConfig() = %q, want %q", got, path)
	}
}

func TestLockPathBesideState(t *testing.T) {
	cfg := Defaults()
	cfg.State.Path = "/var/lib/ticketd/state.json"
	if got := cfg.LockPath(); got != "/var/lib/ticketd/ticketd.lock" {
		t.Errorf("LockPath() = %q", got)
	}
}
