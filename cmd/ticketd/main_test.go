package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang/mock/gomock"

	"github.com/mattjoyce/ticketd/internal/config"
	"github.com/mattjoyce/ticketd/internal/dispatch"
	"github.com/mattjoyce/ticketd/internal/inspect"
	"github.com/mattjoyce/ticketd/internal/lock"
	"github.com/mattjoyce/ticketd/internal/log"
	"github.com/mattjoyce/ticketd/internal/scheduler"
	"github.com/mattjoyce/ticketd/internal/selector"
	"github.com/mattjoyce/ticketd/internal/state"
	"github.com/mattjoyce/ticketd/internal/tracker"
	"github.com/mattjoyce/ticketd/internal/tracker/mocks"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes, _ := io.ReadAll(stdoutR)
	stderrBytes, _ := io.ReadAll(stderrR)

	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func setVersionMetadataForTest(t *testing.T, v, commit, built string) {
	t.Helper()

	origVersion := version
	origCommit := gitCommit
	origBuildDate := buildDate

	version = v
	gitCommit = commit
	buildDate = built

	t.Cleanup(func() {
		version = origVersion
		gitCommit = origCommit
		buildDate = origBuildDate
	})
}

// writeTestConfig writes a minimal valid config into dir and returns its path.
func writeTestConfig(t *testing.T, dir, trackerYAML string) string {
	t.Helper()
	if trackerYAML == "" {
		trackerYAML = `
tracker:
  api_key: lin_api_test
  team_id: team-1
  agent_user_id: agent-1
`
	}
	body := `
service:
  log_level: error
` + trackerYAML + `
workflow:
  binary: sh
state:
  path: ` + filepath.Join(dir, "state.json") + `
`
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunCLIUnknownCommand(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"frobnicate"})
	})
	if code != 1 {
		t.Fatalf("code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Unknown command: frobnicate") {
		t.Fatalf("stderr = %q", stderr)
	}
}

func TestRunCLINounHelp(t *testing.T) {
	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"system", "help"})
	})
	if code != 0 {
		t.Fatalf("code = %d, want 0", code)
	}
	if !strings.Contains(stdout, "start, once, status, watch") {
		t.Fatalf("stdout = %q", stdout)
	}

	code, _, _ = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config"})
	})
	if code != 1 {
		t.Fatalf("bare noun code = %d, want 1", code)
	}
}

func TestRunVersionJSON(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.3", "0123456789abcdef0123", "2026-01-02T03:04:05+02:00")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"version", "--json"})
	})
	if code != 0 {
		t.Fatalf("code = %d, stderr: %s", code, stderr)
	}

	var info versionInfo
	if err := json.Unmarshal([]byte(stdout), &info); err != nil {
		t.Fatalf("invalid JSON %q: %v", stdout, err)
	}
	if info.Version != "1.2.3" {
		t.Fatalf("version = %q", info.Version)
	}
	if info.Commit != "0123456789ab" {
		t.Fatalf("commit = %q, want shortened hash", info.Commit)
	}
	if info.BuildTime != "2026-01-02T01:04:05Z" {
		t.Fatalf("build_time = %q, want UTC", info.BuildTime)
	}
}

func TestRunConfigCheckValid(t *testing.T) {
	path := writeTestConfig(t, t.TempDir(), "")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config", "check", "--config", path})
	})
	if code != 0 {
		t.Fatalf("code = %d, stdout: %s stderr: %s", code, stdout, stderr)
	}
	if !strings.Contains(stdout, "Configuration valid") {
		t.Fatalf("stdout = %q", stdout)
	}
}

func TestRunConfigCheckMissingCredentials(t *testing.T) {
	path := writeTestConfig(t, t.TempDir(), `
tracker:
  team_id: team-1
  agent_user_id: agent-1
`)

	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config", "check", "--config", path, "--json"})
	})
	if code != 1 {
		t.Fatalf("code = %d, want 1", code)
	}

	var result struct {
		Valid  bool `json:"valid"`
		Errors []struct {
			Field string `json:"field"`
		} `json:"errors"`
	}
	if err := json.Unmarshal([]byte(stdout), &result); err != nil {
		t.Fatalf("invalid JSON %q: %v", stdout, err)
	}
	if result.Valid || len(result.Errors) == 0 || result.Errors[0].Field != "tracker.api_key" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestRunConfigLockDetectsTampering(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, "")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config", "lock", "--config", path})
	})
	if code != 0 {
		t.Fatalf("lock code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "WROTE "+filepath.Join(dir, config.ChecksumFile)) {
		t.Fatalf("stdout = %q", stdout)
	}

	code, _, _ = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config", "check", "--config", path})
	})
	if code != 0 {
		t.Fatalf("check after lock code = %d, want 0", code)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString("\nretry:\n  max_retries: 9\n")
	_ = f.Close()

	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config", "check", "--config", path})
	})
	if code != 1 {
		t.Fatalf("check after tamper code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "hash mismatch") {
		t.Fatalf("stderr = %q", stderr)
	}
}

func TestRunConfigShowMasksSecrets(t *testing.T) {
	path := writeTestConfig(t, t.TempDir(), "")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config", "show", "--config", path})
	})
	if code != 0 {
		t.Fatalf("code = %d, stderr: %s", code, stderr)
	}
	if strings.Contains(stdout, "lin_api_test") {
		t.Fatalf("tracker key leaked: %s", stdout)
	}
	if !strings.Contains(stdout, "binary: sh") {
		t.Fatalf("stdout missing workflow binary: %s", stdout)
	}

	code, stdout, _ = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config", "show", "--config", path, "--json", "tracker.team_id"})
	})
	if code != 0 || strings.TrimSpace(stdout) != `"team-1"` {
		t.Fatalf("code = %d, stdout = %q", code, stdout)
	}
}

func TestRunStatusEmptyState(t *testing.T) {
	path := writeTestConfig(t, t.TempDir(), "")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"status", "--config", path, "--json"})
	})
	if code != 0 {
		t.Fatalf("code = %d, stderr: %s", code, stderr)
	}

	var report inspect.Report
	if err := json.Unmarshal([]byte(stdout), &report); err != nil {
		t.Fatalf("invalid JSON %q: %v", stdout, err)
	}
	if report.Daemon.Running {
		t.Fatal("no daemon should be reported running")
	}
	if report.CurrentJob != nil || len(report.History) != 0 {
		t.Fatalf("expected empty report, got %+v", report)
	}
}

func TestRunStatusShowsCurrentJobAndDaemon(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, "")

	backend, err := state.NewFileBackend(filepath.Join(dir, "state.json"))
	if err != nil {
		t.Fatal(err)
	}
	st := state.NewStore(backend)
	ctx := context.Background()
	if _, err := st.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := st.StartJob(ctx, state.JobSeed{TicketRef: "issue-7", HumanID: "ENG-7", Title: "Fix the flaky import"}); err != nil {
		t.Fatal(err)
	}

	pidLock, err := lock.AcquirePIDLock(filepath.Join(dir, "ticketd.lock"))
	if err != nil {
		t.Fatal(err)
	}
	defer pidLock.Release()

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"system", "status", "--config", path})
	})
	if code != 0 {
		t.Fatalf("code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "ENG-7 Fix the flaky import") {
		t.Fatalf("stdout missing current job: %s", stdout)
	}
	if !strings.Contains(stdout, "running (pid") {
		t.Fatalf("stdout missing daemon line: %s", stdout)
	}
}

func onceConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load(writeTestConfig(t, t.TempDir(), ""))
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func todo(id, humanID string, number int, title string) tracker.Ticket {
	return tracker.Ticket{
		ID: id, HumanID: humanID, Number: number, Title: title,
		Description: "Details for " + humanID, Status: tracker.StatusTodo, AssigneeID: "agent-1",
	}
}

func TestRunOnceDryRunSelectsLowestTicket(t *testing.T) {
	cfg := onceConfig(t)
	cfg.Service.DryRun = true

	blocked := todo("c", "ENG-2", 2, "Blocked")
	blocked.UnresolvedBlockers = []tracker.Ref{{ID: "x", HumanID: "ENG-1"}}

	ctrl := gomock.NewController(t)
	tc := mocks.NewMockClient(ctrl)
	tc.EXPECT().FetchActionableTickets(gomock.Any()).Return([]tracker.Ticket{
		todo("b", "ENG-9", 9, "Later"),
		todo("a", "ENG-4", 4, "Earlier"),
		blocked,
	}, nil)

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runOnceWith(cfg, tc)
	})
	if code != 0 {
		t.Fatalf("code = %d, stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "dispatched ENG-4: dry_run") {
		t.Fatalf("stdout = %q", stdout)
	}
	if !strings.Contains(stdout, "ENG-2: blocked") {
		t.Fatalf("stdout missing exclusion: %q", stdout)
	}

	held, _, err := lock.Holder(cfg.LockPath())
	if err != nil {
		t.Fatal(err)
	}
	if held {
		t.Fatal("PID lock should be released after the cycle")
	}
}

func TestRunOnceDryRunLeavesOrphanedJob(t *testing.T) {
	cfg := onceConfig(t)
	cfg.Service.DryRun = true

	ctx := context.Background()
	backend, err := state.OpenBackend(ctx, cfg.State)
	if err != nil {
		t.Fatal(err)
	}
	st := state.NewStore(backend, state.WithLogger(log.Discard()))
	if _, err := st.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := st.StartJob(ctx, state.JobSeed{TicketRef: "t-7", HumanID: "ENG-7", Title: "Half done"}); err != nil {
		t.Fatal(err)
	}
	if err := st.SetExternalRunID(ctx, "run-7"); err != nil {
		t.Fatal(err)
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	// Any tracker call would fail the mock.
	tc := mocks.NewMockClient(gomock.NewController(t))

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runOnceWith(cfg, tc)
	})
	if code != 0 {
		t.Fatalf("code = %d, stderr: %s", code, stderr)
	}
	if strings.Contains(stdout, "Recovered orphaned job") {
		t.Fatalf("dry run must not recover the orphan: %q", stdout)
	}
	if !strings.Contains(stdout, "skipped: job in flight") {
		t.Fatalf("stdout = %q", stdout)
	}

	report, err := gatherReport(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if report.CurrentJob == nil || report.CurrentJob.Ticket != "ENG-7" {
		t.Fatalf("orphaned job should still be recorded, got %+v", report.CurrentJob)
	}
}

func TestRunOnceRefusesWhileAnotherInstanceRuns(t *testing.T) {
	cfg := onceConfig(t)

	pidLock, err := lock.AcquirePIDLock(cfg.LockPath())
	if err != nil {
		t.Fatal(err)
	}
	defer pidLock.Release()

	ctrl := gomock.NewController(t)
	tc := mocks.NewMockClient(ctrl)

	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runOnceWith(cfg, tc)
	})
	if code != 1 {
		t.Fatalf("code = %d, want 1", code)
	}
	if !strings.Contains(stderr, lock.ErrLocked.Error()) {
		t.Fatalf("stderr = %q", stderr)
	}
}

func TestFormatCycle(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		report scheduler.CycleReport
		want   []string
	}{
		{
			name:   "job in flight",
			report: scheduler.CycleReport{At: at, SkipReason: scheduler.SkipJobInFlight},
			want:   []string{"Cycle at 2026-03-01T09:00:00Z", "skipped: job in flight"},
		},
		{
			name:   "fetch failed",
			report: scheduler.CycleReport{At: at, SkipReason: scheduler.SkipFetchFailed, Err: errors.New("linear returned 502")},
			want:   []string{"skipped: fetch failed (linear returned 502)"},
		},
		{
			name: "nothing eligible",
			report: scheduler.CycleReport{
				At: at, Candidates: 1, SkipReason: scheduler.SkipNoTicket,
				Excluded: []selector.Exclusion{{HumanID: "ENG-3", Reason: selector.ReasonRetriesExhausted}},
			},
			want: []string{"candidates: 1, excluded: 1", "ENG-3: " + string(selector.ReasonRetriesExhausted), "no eligible ticket"},
		},
		{
			name: "dispatched",
			report: scheduler.CycleReport{
				At: at, Candidates: 1, Selected: "ENG-5",
				Outcome: &dispatch.Outcome{Ticket: "ENG-5", Result: dispatch.ResultSucceeded, RunID: "r-42", Duration: 90 * time.Second},
			},
			want: []string{"dispatched ENG-5: succeeded (run r-42, 1m30s)"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := formatCycle(tt.report)
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Fatalf("formatCycle() = %q, missing %q", got, w)
				}
			}
		})
	}
}

func TestWatchOptionsFromConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.API.Enabled = true
	cfg.API.Listen = ":8088"
	cfg.API.Auth.APIKey = "from-config"

	opts := watchOptions(cfg, time.Second, "", "")
	if opts.APIURL != "http://127.0.0.1:8088" {
		t.Fatalf("APIURL = %q", opts.APIURL)
	}
	if opts.APIKey != "from-config" {
		t.Fatalf("APIKey = %q", opts.APIKey)
	}

	opts = watchOptions(cfg, time.Second, "http://remote:1", "flag-key")
	if opts.APIURL != "http://remote:1" || opts.APIKey != "flag-key" {
		t.Fatalf("flags should win, got %+v", opts)
	}

	cfg.API.Enabled = false
	cfg.API.Auth.APIKey = ""
	opts = watchOptions(cfg, time.Second, "", "")
	if opts.APIURL != "" {
		t.Fatalf("APIURL = %q, want empty when the API is disabled", opts.APIURL)
	}
}
