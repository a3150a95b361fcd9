package config

import "time"

// Config represents the complete ticketd configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Tracker  TrackerConfig  `yaml:"tracker"`
	Workflow WorkflowConfig `yaml:"workflow"`
	State    StateConfig    `yaml:"state"`
	Retry    RetryConfig    `yaml:"retry"`
	API      APIConfig      `yaml:"api,omitempty"`
	Webhook  WebhookConfig  `yaml:"webhook,omitempty"`

	// SourcePath is the absolute path the config was loaded from.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name         string        `yaml:"name"`
	PollInterval time.Duration `yaml:"poll_interval"`
	LogLevel     string        `yaml:"log_level"`
	LogFormat    string        `yaml:"log_format"`
	// DryRun selects and logs but never mutates the tracker or starts a job.
	DryRun bool `yaml:"dry_run"`
}

// TrackerConfig defines how to reach the issue tracker.
type TrackerConfig struct {
	Kind           string        `yaml:"kind"`
	Endpoint       string        `yaml:"endpoint"`
	APIKey         string        `yaml:"api_key"`
	TeamID         string        `yaml:"team_id"`
	AgentUserID    string        `yaml:"agent_user_id"`
	PickupStatus   string        `yaml:"pickup_status"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	States         StateNames    `yaml:"states"`
}

// StateNames maps ticketd statuses onto the tracker's workflow state names.
type StateNames struct {
	Backlog    string `yaml:"backlog"`
	Todo       string `yaml:"todo"`
	InProgress string `yaml:"in_progress"`
	InReview   string `yaml:"in_review"`
	Done       string `yaml:"done"`
	Canceled   string `yaml:"canceled"`
}

// WorkflowConfig defines the external execution tool invocation.
type WorkflowConfig struct {
	Binary              string        `yaml:"binary"`
	StartArgs           []string      `yaml:"start_args"`
	StatusArgs          []string      `yaml:"status_args"`
	CancelArgs          []string      `yaml:"cancel_args"`
	RunIDPattern        string        `yaml:"run_id_pattern"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	Timeout             time.Duration `yaml:"timeout"`
	CommandTimeout      time.Duration `yaml:"command_timeout"`
	MaxDescriptionBytes int           `yaml:"max_description_bytes"`
	MaxOutputBytes      int           `yaml:"max_output_bytes"`
	// CancelOrphans attempts a best-effort cancel of the last known run id
	// when an orphaned job is recovered at startup.
	CancelOrphans *bool `yaml:"cancel_orphans,omitempty"`
}

// ShouldCancelOrphans reports the effective cancel_orphans setting.
func (w WorkflowConfig) ShouldCancelOrphans() bool {
	return w.CancelOrphans == nil || *w.CancelOrphans
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Backend      string `yaml:"backend"` // "json" or "sqlite"
	Path         string `yaml:"path"`
	HistoryLimit int    `yaml:"history_limit"`
}

// RetryConfig defines retry behavior for failed dispatches.
type RetryConfig struct {
	MaxRetries int `yaml:"max_retries"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	APIKey string `yaml:"api_key"`
}

// WebhookConfig defines the tracker webhook listener mounted on the API server.
type WebhookConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Secret  string `yaml:"secret"`
	// SignatureHeader carries the hex HMAC-SHA256 of the body.
	SignatureHeader string `yaml:"signature_header"`
	// MaxBodySize accepts plain bytes or a KB/MB/GB suffix.
	MaxBodySize string `yaml:"max_body_size,omitempty"`
	// MaxAge rejects deliveries whose webhookTimestamp is older than this.
	MaxAge time.Duration `yaml:"max_age"`
}

const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
)

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	cancelOrphans := true
	return &Config{
		Service: ServiceConfig{
			Name:         "ticketd",
			PollInterval: 60 * time.Second,
			LogLevel:     "info",
			LogFormat:    "json",
		},
		Tracker: TrackerConfig{
			Kind:           "linear",
			Endpoint:       "https://api.linear.app/graphql",
			PickupStatus:   "Todo",
			RequestTimeout: 15 * time.Second,
			States: StateNames{
				Backlog:    "Backlog",
				Todo:       "Todo",
				InProgress: "In Progress",
				InReview:   "In Review",
				Done:       "Done",
				Canceled:   "Canceled",
			},
		},
		Workflow: WorkflowConfig{
			Binary:              "maestro",
			StartArgs:           []string{"start", "--detach", "--task", "{task}"},
			StatusArgs:          []string{"status", "{run_id}"},
			CancelArgs:          []string{"cancel", "{run_id}"},
			RunIDPattern:        `(?i)run[ _-]?id[:=\s]+([A-Za-z0-9._-]+)`,
			PollInterval:        30 * time.Second,
			Timeout:             45 * time.Minute,
			CommandTimeout:      60 * time.Second,
			MaxDescriptionBytes: 4000,
			MaxOutputBytes:      2000,
			CancelOrphans:       &cancelOrphans,
		},
		State: StateConfig{
			Backend:      BackendJSON,
			Path:         "./data/state.json",
			HistoryLimit: 100,
		},
		Retry: RetryConfig{
			MaxRetries: 3,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8088",
		},
		Webhook: WebhookConfig{
			Path:            "/webhooks/linear",
			SignatureHeader: "Linear-Signature",
			MaxAge:          time.Minute,
		},
	}
}
