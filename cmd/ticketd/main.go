package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/ticketd/internal/api"
	"github.com/mattjoyce/ticketd/internal/config"
	"github.com/mattjoyce/ticketd/internal/dispatch"
	"github.com/mattjoyce/ticketd/internal/doctor"
	"github.com/mattjoyce/ticketd/internal/events"
	"github.com/mattjoyce/ticketd/internal/inspect"
	"github.com/mattjoyce/ticketd/internal/lock"
	"github.com/mattjoyce/ticketd/internal/log"
	"github.com/mattjoyce/ticketd/internal/scheduler"
	"github.com/mattjoyce/ticketd/internal/state"
	"github.com/mattjoyce/ticketd/internal/tracker"
	"github.com/mattjoyce/ticketd/internal/tui/watch"
	"github.com/mattjoyce/ticketd/internal/webhook"
	"github.com/mattjoyce/ticketd/internal/workflow"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	// --- NOUNS ---
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)

	// --- ROOT ALIASES ---
	case "start":
		return runStart(args)
	case "once":
		return runOnce(args)
	case "status":
		return runStatus(args)
	case "watch":
		return runWatch(args)
	case "doctor":
		return runConfigCheck(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("ticketd %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = readBuildSetting("vcs.revision")
	}
	if commit != "" {
		info.Commit = commit[:min(len(commit), 12)]
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = readBuildSetting("vcs.time")
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return strings.TrimSpace(setting.Value)
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`ticketd - dispatches Linear tickets to an external workflow, one at a time

Usage:
  ticketd <noun> <action> [flags]

System Commands:
  system start      Run the poll loop in the foreground (alias: start)
  system once       Run a single poll cycle and exit (alias: once)
  system status     Show the current job, retries and history (alias: status)
  system watch      Live monitoring TUI (alias: watch)

Config Commands:
  config check      Validate configuration and environment
  config lock       Record the config file's BLAKE3 hash in .checksums
  config show       Print the resolved configuration with secrets masked

General:
  version           Show version information
  help              Show this help message

Use 'ticketd <noun> help' for action lists and '<action> --help' for flags.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		return runStart(actionArgs)
	case "once":
		return runOnce(actionArgs)
	case "status":
		return runStatus(actionArgs)
	case "watch":
		return runWatch(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		return runConfigCheck(actionArgs)
	case "lock":
		return runConfigLock(actionArgs)
	case "show":
		return runConfigShow(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func printSystemNounHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: ticketd system <action>")
	fmt.Fprintln(w, "Actions: start, once, status, watch")
}

func printConfigNounHelp(w io.Writer) {
	fmt.Fprintln(w, "Usage: ticketd config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, lock, show")
}

// --- ACTION IMPLEMENTATIONS ---

func newFlagSet(name, usage string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: ticketd %s\n", usage)
		fs.PrintDefaults()
	}
	return fs
}

// parseFlags returns an exit code when the caller should stop: 0 for
// --help, 1 for a parse error.
func parseFlags(fs *flag.FlagSet, args []string) (int, bool) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0, true
		}
		return 1, true
	}
	return 0, false
}

// resolveConfigPath applies discovery when no --config was given.
func resolveConfigPath(configPath string) (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	return config.DiscoverConfig()
}

func loadConfig(configPath string) (*config.Config, error) {
	path, err := resolveConfigPath(configPath)
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}

// checkEnvironment runs the doctor and prints its findings to stderr.
// It returns false when the daemon must not start.
func checkEnvironment(cfg *config.Config) bool {
	result := doctor.New(cfg).Validate()
	if !result.Valid {
		fmt.Fprint(os.Stderr, doctor.FormatHuman(result))
		return false
	}
	for _, w := range result.Warnings {
		slog.Warn("configuration warning", "category", w.Category, "field", w.Field, "message", w.Message)
	}
	return true
}

// daemon holds the components shared by start and once.
type daemon struct {
	cfg     *config.Config
	lock    *lock.PIDLock
	store   *state.Store
	hub     *events.Hub
	sched   *scheduler.Scheduler
	logger  *slog.Logger
	closeFn []func() error
}

// openDaemon takes the single-instance lock, loads state and wires the
// tracker, workflow runner, dispatcher and scheduler.
func openDaemon(ctx context.Context, cfg *config.Config, tc tracker.Client) (*daemon, error) {
	d := &daemon{cfg: cfg, logger: log.WithComponent("main")}

	pidLock, err := lock.AcquirePIDLock(cfg.LockPath())
	if err != nil {
		return nil, fmt.Errorf("acquire PID lock %s: %w", cfg.LockPath(), err)
	}
	d.lock = pidLock
	d.closeFn = append(d.closeFn, pidLock.Release)
	d.logger.Info("acquired PID lock", "path", pidLock.Path())

	backend, err := state.OpenBackend(ctx, cfg.State)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("open state backend: %w", err)
	}
	d.store = state.NewStore(backend,
		state.WithHistoryLimit(cfg.State.HistoryLimit),
		state.WithLogger(log.Get()))
	d.closeFn = append([]func() error{d.store.Close}, d.closeFn...)
	if _, err := d.store.Load(ctx); err != nil {
		d.Close()
		return nil, fmt.Errorf("load state: %w", err)
	}
	d.logger.Info("state loaded", "backend", d.store.Describe())

	runner, err := workflow.NewExecRunner(cfg.Workflow, log.WithComponent("workflow"))
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("configure workflow runner: %w", err)
	}
	if path, err := runner.CheckBinary(); err != nil {
		if !cfg.Service.DryRun {
			d.Close()
			return nil, err
		}
		d.logger.Warn("workflow binary not found; continuing in dry-run mode", "error", err)
	} else {
		d.logger.Info("workflow binary resolved", "path", path)
	}

	if tc == nil {
		tc = tracker.NewLinearClient(cfg.Tracker)
	}
	d.hub = events.NewHub(256)
	disp := dispatch.New(cfg, tc, runner, d.store,
		dispatch.WithLogger(log.WithComponent("dispatch")),
		dispatch.WithEvents(d.hub))
	d.sched = scheduler.New(cfg, tc, disp, runner, d.store, d.hub, log.Get())
	return d, nil
}

// Close releases the state backend and the PID lock.
func (d *daemon) Close() {
	for _, fn := range d.closeFn {
		if err := fn(); err != nil {
			d.logger.Warn("close failed", "error", err)
		}
	}
	d.closeFn = nil
}

func runStart(args []string) int {
	fs := newFlagSet("system start", "system start [--config PATH] [--dry-run]")
	configPath := fs.String("config", "", "Path to configuration file or directory")
	dryRun := fs.Bool("dry-run", false, "Select and log tickets without dispatching")
	if code, stop := parseFlags(fs, args); stop {
		return code
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *dryRun {
		cfg.Service.DryRun = true
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	if !checkEnvironment(cfg) {
		return 1
	}
	logger.Info("ticketd starting", "version", version, "config", cfg.SourcePath, "dry_run", cfg.Service.DryRun)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := openDaemon(ctx, cfg, nil)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer d.Close()

	if _, err := d.sched.RecoverOrphans(ctx); err != nil {
		logger.Error("orphan recovery failed", "error", err)
		return 1
	}

	var srv *api.Server
	if cfg.API.Enabled {
		srv, err = newAPIServer(cfg, d)
		if err != nil {
			logger.Error("failed to configure API server", "error", err)
			return 1
		}
		logger.Info("API server enabled", "listen", cfg.API.Listen, "webhook", cfg.Webhook.Enabled)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.sched.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		d.sched.RequestShutdown()
		return nil
	})
	if srv != nil {
		g.Go(func() error {
			if err := srv.Start(gctx); err != nil {
				return fmt.Errorf("api: %w", err)
			}
			return nil
		})
	}

	logger.Info("ticketd running (press Ctrl+C to stop)")
	if err := g.Wait(); err != nil {
		logger.Error("component failed", "error", err)
		return 1
	}

	logger.Info("ticketd stopped")
	return 0
}

// newAPIServer builds the status API, with the webhook mounted when enabled.
func newAPIServer(cfg *config.Config, d *daemon) (*api.Server, error) {
	var opts []api.Option
	if cfg.Webhook.Enabled {
		whCfg, err := webhook.FromGlobalConfig(cfg.Webhook)
		if err != nil {
			return nil, err
		}
		h := webhook.New(whCfg, d.sched, d.hub, log.WithComponent("webhook"))
		opts = append(opts, api.WithWebhook(whCfg.Path, h))
	}
	return api.New(api.Config{
		Listen:       cfg.API.Listen,
		APIKey:       cfg.API.Auth.APIKey,
		MaxRetries:   cfg.Retry.MaxRetries,
		HistoryLimit: cfg.State.HistoryLimit,
	}, d.store, d.sched, d.hub, log.Get(), opts...), nil
}

func runOnce(args []string) int {
	fs := newFlagSet("system once", "system once [--config PATH] [--dry-run]")
	configPath := fs.String("config", "", "Path to configuration file or directory")
	dryRun := fs.Bool("dry-run", false, "Select and log tickets without dispatching")
	if code, stop := parseFlags(fs, args); stop {
		return code
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *dryRun {
		cfg.Service.DryRun = true
	}
	return runOnceWith(cfg, nil)
}

// runOnceWith runs recovery plus one cycle. tc overrides the Linear client
// when non-nil.
func runOnceWith(cfg *config.Config, tc tracker.Client) int {
	log.SetupWriter(os.Stderr, cfg.Service.LogLevel, cfg.Service.LogFormat)
	if !checkEnvironment(cfg) {
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := openDaemon(ctx, cfg, tc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Startup failed: %v\n", err)
		return 1
	}
	defer d.Close()

	orphan, err := d.sched.RecoverOrphans(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Orphan recovery failed: %v\n", err)
		return 1
	}
	if orphan != nil {
		fmt.Printf("Recovered orphaned job %s (%s)\n", orphan.ID, orphan.HumanID)
	}

	report := d.sched.RunOnce(ctx)
	fmt.Print(formatCycle(report))
	return 0
}

// formatCycle renders a cycle report for the once command.
func formatCycle(r scheduler.CycleReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Cycle at %s\n", r.At.Format(time.RFC3339))

	if r.SkipReason == scheduler.SkipJobInFlight || r.SkipReason == scheduler.SkipFetchFailed {
		fmt.Fprintf(&b, "  skipped: %s", r.SkipReason)
		if r.Err != nil {
			fmt.Fprintf(&b, " (%v)", r.Err)
		}
		b.WriteString("\n")
		return b.String()
	}

	fmt.Fprintf(&b, "  candidates: %d, excluded: %d\n", r.Candidates, len(r.Excluded))
	for _, ex := range r.Excluded {
		if ex.Detail != "" {
			fmt.Fprintf(&b, "    %s: %s (%s)\n", ex.HumanID, ex.Reason, ex.Detail)
		} else {
			fmt.Fprintf(&b, "    %s: %s\n", ex.HumanID, ex.Reason)
		}
	}

	if r.Outcome == nil {
		fmt.Fprintf(&b, "  %s\n", r.SkipReason)
		return b.String()
	}
	o := r.Outcome
	fmt.Fprintf(&b, "  dispatched %s: %s", o.Ticket, o.Result)
	if o.RunID != "" {
		fmt.Fprintf(&b, " (run %s, %s)", o.RunID, o.Duration.Round(time.Second))
	}
	if o.Reason != "" {
		fmt.Fprintf(&b, ": %s", o.Reason)
	}
	b.WriteString("\n")
	return b.String()
}

// gatherReport reads the persisted state without taking the PID lock.
func gatherReport(ctx context.Context, cfg *config.Config) (inspect.Report, error) {
	backend, err := state.OpenBackend(ctx, cfg.State)
	if err != nil {
		return inspect.Report{}, fmt.Errorf("open state backend: %w", err)
	}
	st := state.NewStore(backend,
		state.WithHistoryLimit(cfg.State.HistoryLimit),
		state.WithLogger(log.Discard()))
	defer st.Close()

	doc, err := st.Load(ctx)
	if err != nil {
		return inspect.Report{}, fmt.Errorf("load state: %w", err)
	}

	held, pid, err := lock.Holder(cfg.LockPath())
	if err != nil {
		return inspect.Report{}, fmt.Errorf("probe PID lock: %w", err)
	}

	return inspect.Gather(doc, inspect.Options{
		Backend:      st.Describe(),
		Daemon:       inspect.Daemon{Running: held, PID: pid},
		MaxRetries:   cfg.Retry.MaxRetries,
		HistoryLimit: cfg.State.HistoryLimit,
	}), nil
}

func runStatus(args []string) int {
	fs := newFlagSet("system status", "system status [--config PATH] [--json]")
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if code, stop := parseFlags(fs, args); stop {
		return code
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	report, err := gatherReport(context.Background(), cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		out, err := inspect.BuildJSONReport(report)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
		return 0
	}
	fmt.Print(inspect.BuildReport(report))
	return 0
}

func runWatch(args []string) int {
	fs := newFlagSet("system watch", "system watch [--config PATH] [--interval DUR] [--api-url URL] [--api-key KEY]")
	configPath := fs.String("config", "", "Path to configuration file or directory")
	interval := fs.Duration("interval", 2*time.Second, "State refresh interval")
	apiURL := fs.String("api-url", "", "API URL for the live event stream (default: from config when api.enabled)")
	apiKey := fs.String("api-key", os.Getenv("TICKETD_API_KEY"), "API bearer token (or TICKETD_API_KEY)")
	if code, stop := parseFlags(fs, args); stop {
		return code
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	opts := watchOptions(cfg, *interval, *apiURL, *apiKey)
	source := func(ctx context.Context) (inspect.Report, error) {
		return gatherReport(ctx, cfg)
	}

	p := tea.NewProgram(watch.New(source, opts), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

// watchOptions fills the event stream endpoint from config when the flags
// leave it unset.
func watchOptions(cfg *config.Config, interval time.Duration, apiURL, apiKey string) watch.Options {
	if apiURL == "" && cfg.API.Enabled {
		listen := cfg.API.Listen
		if strings.HasPrefix(listen, ":") {
			listen = "127.0.0.1" + listen
		}
		apiURL = "http://" + listen
	}
	if apiKey == "" {
		apiKey = cfg.API.Auth.APIKey
	}
	return watch.Options{Interval: interval, APIURL: apiURL, APIKey: apiKey}
}

func runConfigCheck(args []string) int {
	var configPath, format string
	var strict, jsonOut bool

	fs := newFlagSet("config check", "config check [--config PATH] [--format human|json] [--json] [--strict]")
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	fs.StringVar(&format, "format", "human", "Output format (human, json)")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if code, stop := parseFlags(fs, args); stop {
		return code
	}
	if jsonOut {
		format = "json"
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	result := doctor.New(cfg).Validate()

	switch format {
	case "json":
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	default:
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	if strict && len(result.Warnings) > 0 {
		return 2
	}
	return 0
}

func runConfigLock(args []string) int {
	fs := newFlagSet("config lock", "config lock [--config PATH]")
	configPath := fs.String("config", "", "Path to configuration")
	if code, stop := parseFlags(fs, args); stop {
		return code
	}

	path, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}

	report, err := config.LockConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}

	fmt.Printf("Locked %s\n", report.ConfigPath)
	fmt.Printf("  HASH %s\n", report.Hash)
	fmt.Printf("  WROTE %s\n", report.ChecksumPath)

	if _, err := config.Load(report.ConfigPath); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: locked config does not load: %v\n", err)
	}
	return 0
}

func runConfigShow(args []string) int {
	fs := newFlagSet("config show", "config show [--config PATH] [--json] [path]")
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if code, stop := parseFlags(fs, args); stop {
		return code
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	val, err := cfg.Redacted().GetPath(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, err := json.MarshalIndent(val, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}
	data, err := yaml.Marshal(val)
	if err != nil {
		fmt.Fprintf(os.Stderr, "YAML format error: %v\n", err)
		return 1
	}
	fmt.Print(string(data))
	return 0
}
