// Package doctor validates a loaded ticketd configuration against the
// environment it will run in.
package doctor

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/mattjoyce/ticketd/internal/config"
	"github.com/mattjoyce/ticketd/internal/storage"
	"github.com/mattjoyce/ticketd/internal/webhook"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates configuration against the local environment.
type Doctor struct {
	cfg      *config.Config
	lookPath func(string) (string, error)
	fsCheck  func(string) error
}

// Option configures a Doctor.
type Option func(*Doctor)

// WithLookPath overrides binary resolution.
func WithLookPath(fn func(string) (string, error)) Option {
	return func(d *Doctor) { d.lookPath = fn }
}

// WithFilesystemCheck overrides the network filesystem probe.
func WithFilesystemCheck(fn func(string) error) Option {
	return func(d *Doctor) { d.fsCheck = fn }
}

// New creates a Doctor from a loaded config.
func New(cfg *config.Config, opts ...Option) *Doctor {
	d := &Doctor{cfg: cfg, lookPath: exec.LookPath, fsCheck: storage.CheckLocalFilesystem}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateIntegrity(r)
	d.validateTracker(r)
	d.validateWorkflow(r)
	d.validateState(r)
	d.validateAPIConfig(r)
	d.validateWebhook(r)
	d.warnMissingEnvVars(r)
	d.warnSuspiciousTiming(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateIntegrity checks the config file against its BLAKE3 manifest.
func (d *Doctor) validateIntegrity(r *Result) {
	if d.cfg.SourcePath == "" {
		return
	}
	if err := config.VerifyChecksumsIfPresent(d.cfg.SourcePath); err != nil {
		d.addError(r, "integrity", "", err.Error())
	}
}

// validateTracker checks the credentials needed to talk to Linear.
func (d *Doctor) validateTracker(r *Result) {
	t := d.cfg.Tracker
	requireSet := func(field, value string) {
		switch {
		case strings.TrimSpace(value) == "":
			d.addError(r, "tracker", field, field+" is required")
		case config.UnresolvedEnvVar(value) != "":
			d.addError(r, "tracker", field,
				fmt.Sprintf("environment variable ${%s} not set", config.UnresolvedEnvVar(value)))
		}
	}
	requireSet("tracker.api_key", t.APIKey)
	requireSet("tracker.team_id", t.TeamID)
	requireSet("tracker.agent_user_id", t.AgentUserID)

	u, err := url.Parse(t.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		d.addError(r, "tracker", "tracker.endpoint", fmt.Sprintf("endpoint %q is not an http(s) URL", t.Endpoint))
	} else if u.Scheme == "http" {
		d.addWarning(r, "tracker", "tracker.endpoint", "endpoint is plain http; the API key is sent unencrypted")
	}
}

// validateWorkflow checks the external tool can be found and its output parsed.
func (d *Doctor) validateWorkflow(r *Result) {
	w := d.cfg.Workflow
	if w.Binary == "" {
		d.addError(r, "workflow", "workflow.binary", "workflow.binary is required")
	} else if _, err := d.lookPath(w.Binary); err != nil {
		msg := fmt.Sprintf("binary %q not found on PATH", w.Binary)
		if d.cfg.Service.DryRun {
			d.addWarning(r, "workflow", "workflow.binary", msg)
		} else {
			d.addError(r, "workflow", "workflow.binary", msg)
		}
	}

	re, err := regexp.Compile(w.RunIDPattern)
	if err != nil {
		d.addError(r, "workflow", "workflow.run_id_pattern", err.Error())
		return
	}
	if re.NumSubexp() == 0 {
		d.addWarning(r, "workflow", "workflow.run_id_pattern",
			"pattern has no capture group; the whole match is used as the run id")
	}
}

// validateState checks the state location is usable.
func (d *Doctor) validateState(r *Result) {
	dir := filepath.Dir(d.cfg.State.Path)
	info, err := os.Stat(dir)
	switch {
	case os.IsNotExist(err):
		d.addWarning(r, "state", "state.path", fmt.Sprintf("directory %s does not exist yet; it will be created", dir))
	case err != nil:
		d.addError(r, "state", "state.path", err.Error())
	case !info.IsDir():
		d.addError(r, "state", "state.path", fmt.Sprintf("%s is not a directory", dir))
	}

	if err := d.fsCheck(d.cfg.State.Path); err != nil {
		d.addWarning(r, "state", "state.path", err.Error())
	}
}

// validateAPIConfig checks API server settings.
func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
	}
	if d.cfg.API.Auth.APIKey == "" {
		d.addWarning(r, "api", "api.auth.api_key", "no API key configured; every protected route will answer 401")
	}
}

func (d *Doctor) validateWebhook(r *Result) {
	if !d.cfg.Webhook.Enabled {
		return
	}
	if _, err := webhook.FromGlobalConfig(d.cfg.Webhook); err != nil {
		d.addError(r, "webhook", "webhook", err.Error())
	}
}

// warnMissingEnvVars warns about ${VAR} references where VAR is not set.
// Tracker fields and the webhook secret are reported as errors elsewhere.
func (d *Doctor) warnMissingEnvVars(r *Result) {
	fields := []struct{ name, value string }{
		{"api.auth.api_key", d.cfg.API.Auth.APIKey},
		{"workflow.binary", d.cfg.Workflow.Binary},
		{"state.path", d.cfg.State.Path},
	}
	for _, f := range fields {
		if name := config.UnresolvedEnvVar(f.value); name != "" {
			d.addWarning(r, "env_vars", f.name, fmt.Sprintf("environment variable ${%s} not set", name))
		}
	}
}

// warnSuspiciousTiming flags settings that are legal but likely mistakes.
func (d *Doctor) warnSuspiciousTiming(r *Result) {
	if d.cfg.Service.PollInterval < 10*time.Second {
		d.addWarning(r, "timing", "service.poll_interval",
			fmt.Sprintf("poll interval %s is very short and may hit tracker rate limits", d.cfg.Service.PollInterval))
	}
	if d.cfg.Workflow.Timeout < time.Minute {
		d.addWarning(r, "timing", "workflow.timeout",
			fmt.Sprintf("workflow timeout %s is shorter than a minute", d.cfg.Workflow.Timeout))
	}
	if d.cfg.Service.DryRun {
		d.addWarning(r, "service", "service.dry_run", "dry run is enabled; tickets are selected but never dispatched")
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
