package workflow

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/mattjoyce/ticketd/internal/config"
)

const (
	// terminationGracePeriod is how long a timed-out command gets between
	// SIGTERM and SIGKILL.
	terminationGracePeriod = 5 * time.Second

	defaultCommandTimeout = 60 * time.Second

	// outputDrainDelay bounds how long Wait holds on to output pipes that a
	// detached grandchild may have inherited.
	outputDrainDelay = 2 * time.Second

	placeholderTask  = "{task}"
	placeholderRunID = "{run_id}"
)

// statusTokens maps words the tool may print onto a RunStatus.
var statusTokens = map[string]RunStatus{
	"completed":   RunCompleted,
	"complete":    RunCompleted,
	"succeeded":   RunCompleted,
	"success":     RunCompleted,
	"done":        RunCompleted,
	"failed":      RunFailed,
	"failure":     RunFailed,
	"error":       RunFailed,
	"errored":     RunFailed,
	"cancelled":   RunCancelled,
	"canceled":    RunCancelled,
	"running":     RunRunning,
	"pending":     RunRunning,
	"queued":      RunRunning,
	"in_progress": RunRunning,
	"in-progress": RunRunning,
	"started":     RunRunning,
}

var (
	statusFieldRe = regexp.MustCompile(`(?i)\b(?:status|state)\b"?\s*[:=]?\s*"?([a-z_-]+)`)
	wordRe        = regexp.MustCompile(`[A-Za-z_-]+`)
)

// ExecRunner implements Runner by invoking the tool's CLI. It is the only
// place in ticketd that interprets the tool's text output.
type ExecRunner struct {
	binary         string
	startArgs      []string
	statusArgs     []string
	cancelArgs     []string
	runIDPattern   *regexp.Regexp
	commandTimeout time.Duration
	logger         *slog.Logger
}

var _ Runner = (*ExecRunner)(nil)

// NewExecRunner builds a runner from the workflow section of the config.
func NewExecRunner(cfg config.WorkflowConfig, logger *slog.Logger) (*ExecRunner, error) {
	if cfg.Binary == "" {
		return nil, fmt.Errorf("workflow binary is not configured")
	}
	pattern := cfg.RunIDPattern
	if pattern == "" {
		pattern = config.Defaults().Workflow.RunIDPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile run_id_pattern: %w", err)
	}
	timeout := cfg.CommandTimeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRunner{
		binary:         cfg.Binary,
		startArgs:      cfg.StartArgs,
		statusArgs:     cfg.StatusArgs,
		cancelArgs:     cfg.CancelArgs,
		runIDPattern:   re,
		commandTimeout: timeout,
		logger:         logger.With("component", "workflow"),
	}, nil
}

// CheckBinary resolves the configured binary on PATH.
func (r *ExecRunner) CheckBinary() (string, error) {
	path, err := exec.LookPath(r.binary)
	if err != nil {
		return "", fmt.Errorf("workflow binary %q not found: %w", r.binary, err)
	}
	return path, nil
}

// Start implements Runner.
func (r *ExecRunner) Start(ctx context.Context, task string) (string, error) {
	args := expandArgs(r.startArgs, map[string]string{placeholderTask: task})
	stdout, stderr, err := r.run(ctx, args)
	if err != nil {
		return "", fmt.Errorf("start run: %w%s", err, diagnostic(stderr))
	}
	runID := ParseRunID(r.runIDPattern, stdout)
	if runID == "" {
		return "", fmt.Errorf("start run: %w%s", ErrEmptyRunID, diagnostic(stderr))
	}
	return runID, nil
}

// Poll implements Runner. A failed status command yields RunUnknown along
// with the error; the caller keeps polling.
func (r *ExecRunner) Poll(ctx context.Context, runID string) (RunStatus, string, error) {
	args := expandArgs(r.statusArgs, map[string]string{placeholderRunID: runID})
	stdout, stderr, err := r.run(ctx, args)
	output := joinOutput(stdout, stderr)
	if err != nil {
		return RunUnknown, output, fmt.Errorf("status of run %s: %w", runID, err)
	}
	return ParseRunStatus(stdout), output, nil
}

// Cancel implements Runner.
func (r *ExecRunner) Cancel(ctx context.Context, runID string) error {
	args := expandArgs(r.cancelArgs, map[string]string{placeholderRunID: runID})
	if _, stderr, err := r.run(ctx, args); err != nil {
		return fmt.Errorf("cancel run %s: %w%s", runID, err, diagnostic(stderr))
	}
	return nil
}

// run executes the binary with args, enforcing the command timeout. On
// timeout or cancellation the process gets SIGTERM, then SIGKILL after a
// grace period.
func (r *ExecRunner) run(ctx context.Context, args []string) (string, string, error) {
	timer := time.NewTimer(r.commandTimeout)
	defer timer.Stop()

	cmd := exec.Command(r.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = outputDrainDelay

	r.logger.Debug("running workflow command", "binary", r.binary, "command", firstArg(args))

	if err := cmd.Start(); err != nil {
		return "", "", fmt.Errorf("start process: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var stopReason error
	select {
	case err := <-waitErr:
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				return stdout.String(), stderr.String(), fmt.Errorf("%s exited with status %d", r.binary, exitErr.ExitCode())
			}
			return stdout.String(), stderr.String(), fmt.Errorf("wait for process: %w", err)
		}
		return stdout.String(), stderr.String(), nil
	case <-timer.C:
		stopReason = fmt.Errorf("%s did not finish within %s: %w", r.binary, r.commandTimeout, context.DeadlineExceeded)
	case <-ctx.Done():
		stopReason = ctx.Err()
	}

	r.logger.Warn("workflow command did not finish, sending SIGTERM", "command", firstArg(args), "reason", stopReason)
	if cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			r.logger.Error("failed to send SIGTERM", "error", err)
		}
	}

	grace := time.NewTimer(terminationGracePeriod)
	defer grace.Stop()

	select {
	case <-waitErr:
	case <-grace.C:
		r.logger.Warn("workflow command ignored SIGTERM, sending SIGKILL")
		if cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil {
				r.logger.Error("failed to send SIGKILL", "error", err)
			}
		}
		<-waitErr
	}
	return stdout.String(), stderr.String(), stopReason
}

// expandArgs substitutes placeholders in each argument template. The
// substituted value stays a single argv element; nothing goes through a shell.
func expandArgs(tmpl []string, vars map[string]string) []string {
	out := make([]string, len(tmpl))
	for i, a := range tmpl {
		for k, v := range vars {
			a = strings.ReplaceAll(a, k, v)
		}
		out[i] = a
	}
	return out
}

// ParseRunID extracts a run id from start output: the first capture group
// of re, else the last non-empty line.
func ParseRunID(re *regexp.Regexp, output string) string {
	if re != nil {
		if m := re.FindStringSubmatch(output); m != nil {
			id := m[0]
			if len(m) > 1 {
				id = m[1]
			}
			if id = strings.TrimSpace(id); id != "" {
				return id
			}
		}
	}
	lines := strings.Split(output, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

// ParseRunStatus reads a run status from status output. An explicit
// "status: <word>" field wins; otherwise the first recognised word does.
func ParseRunStatus(output string) RunStatus {
	for _, m := range statusFieldRe.FindAllStringSubmatch(output, -1) {
		if s, ok := statusTokens[strings.ToLower(m[1])]; ok {
			return s
		}
	}
	for _, w := range wordRe.FindAllString(output, -1) {
		if s, ok := statusTokens[strings.ToLower(w)]; ok {
			return s
		}
	}
	return RunUnknown
}

func joinOutput(stdout, stderr string) string {
	stdout = strings.TrimRight(stdout, "\n")
	stderr = strings.TrimRight(stderr, "\n")
	switch {
	case stderr == "":
		return stdout
	case stdout == "":
		return stderr
	default:
		return stdout + "\n" + stderr
	}
}

func diagnostic(stderr string) string {
	s := strings.TrimSpace(stderr)
	if s == "" {
		return ""
	}
	return ": " + TruncateTail(s, 512)
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

// TruncateTail keeps the last n bytes of s, cut on a rune boundary, marking
// the cut with a leading ellipsis. n <= 0 disables truncation.
func TruncateTail(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	cut := len(s) - n
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return "…" + s[cut:]
}
