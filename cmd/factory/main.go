package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ytakagi/factory/internal/contract"
	"github.com/ytakagi/factory/internal/controller"
	"github.com/ytakagi/factory/internal/events"
	"github.com/ytakagi/factory/internal/gate"
	"github.com/ytakagi/factory/internal/logging"
	"github.com/ytakagi/factory/internal/model"
	"github.com/ytakagi/factory/internal/pause"
	"github.com/ytakagi/factory/internal/queue"
	"github.com/ytakagi/factory/internal/review"
	"github.com/ytakagi/factory/internal/setup"
	"github.com/ytakagi/factory/internal/ship"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "loop":
		runLoop(os.Args[2:])
	case "queue":
		runQueue(os.Args[2:])
	case "pause":
		runPause(os.Args[2:])
	case "resume":
		runResume(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "contract":
		runContract(os.Args[2:])
	case "version":
		fmt.Printf("factory %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runInit(args []string) {
	dir := "."
	name := ""
	rest := args
	for len(rest) > 0 {
		switch rest[0] {
		case "--name":
			if len(rest) < 2 {
				fmt.Fprintln(os.Stderr, "usage: factory init [dir] [--name <project>]")
				os.Exit(1)
			}
			name = rest[1]
			rest = rest[2:]
		default:
			dir = rest[0]
			rest = rest[1:]
		}
	}

	if err := setup.Run(dir, name); err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("initialized %s\n", filepath.Join(dir, ".factory"))
}

func runLoop(args []string) {
	once := false
	daemonMode := false
	for _, a := range args {
		switch a {
		case "--once":
			once = true
		case "--daemon":
			daemonMode = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: factory loop [--once|--daemon]\n", a)
			os.Exit(1)
		}
	}
	if once && daemonMode {
		fmt.Fprintln(os.Stderr, "loop: --once and --daemon are mutually exclusive")
		os.Exit(1)
	}

	factoryDir, cfg := mustLoad()

	logger, closeLog, err := openLogger(factoryDir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loop: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	ctrl, closeSinks, err := buildController(factoryDir, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loop: %v\n", err)
		os.Exit(1)
	}
	defer closeSinks()

	if daemonMode {
		d := controller.NewDaemon(factoryDir, cfg, ctrl, logger)
		if err := d.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "loop: %v\n", err)
			os.Exit(1)
		}
		return
	}

	result := ctrl.Run(context.Background(), once)
	if result.Err != nil {
		fmt.Fprintf(os.Stderr, "loop: %v\n", result.Err)
	}
	fmt.Printf("loop finished: %s after %d iteration(s)\n", result.StopReason, result.Iterations)
	closeSinks()
	closeLog()
	os.Exit(result.ExitCode())
}

func runQueue(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: factory queue <add|list> [options]")
		os.Exit(1)
	}
	switch args[0] {
	case "add":
		runQueueAdd(args[1:])
	case "list":
		runQueueList(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown queue subcommand: %s\n", args[0])
		fmt.Fprintln(os.Stderr, "usage: factory queue <add|list> [options]")
		os.Exit(1)
	}
}

func runQueueAdd(args []string) {
	factoryDir, cfg := mustLoad()

	spec := queue.AddSpec{
		ShipMode:     cfg.Ship.DefaultMode,
		RiskTier:     model.RiskTierMedium,
		TargetBranch: cfg.Ship.DefaultBranch,
	}

	i := 0
	next := func(flag string) string {
		if i+1 >= len(args) {
			fmt.Fprintf(os.Stderr, "%s requires a value\n", flag)
			os.Exit(1)
		}
		i++
		return args[i]
	}
	for ; i < len(args); i++ {
		switch args[i] {
		case "--description":
			spec.Description = next("--description")
		case "--priority":
			v, err := strconv.Atoi(next("--priority"))
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid --priority: %v\n", err)
				os.Exit(1)
			}
			spec.Priority = v
		case "--ship-mode":
			spec.ShipMode = model.ShipMode(next("--ship-mode"))
		case "--risk-tier":
			spec.RiskTier = model.RiskTier(next("--risk-tier"))
		case "--target-branch":
			spec.TargetBranch = next("--target-branch")
		case "--max-attempts":
			v, err := strconv.Atoi(next("--max-attempts"))
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid --max-attempts: %v\n", err)
				os.Exit(1)
			}
			spec.MaxAttempts = v
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", args[i])
			os.Exit(1)
		}
	}

	if spec.Description == "" {
		fmt.Fprintln(os.Stderr, "queue add: --description is required")
		os.Exit(1)
	}
	if !spec.ShipMode.Valid() {
		fmt.Fprintf(os.Stderr, "queue add: invalid ship mode %q\n", spec.ShipMode)
		os.Exit(1)
	}
	if !spec.RiskTier.Valid() {
		fmt.Fprintf(os.Stderr, "queue add: invalid risk tier %q\n", spec.RiskTier)
		os.Exit(1)
	}

	store := queue.NewStore(factoryDir, cfg, cliLogger(cfg))
	task, err := store.Add(spec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "queue add: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(task.ID)
}

func runQueueList(args []string) {
	jsonOutput := false
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: factory queue list [--json]\n", a)
			os.Exit(1)
		}
	}

	factoryDir, cfg := mustLoad()
	store := queue.NewStore(factoryDir, cfg, cliLogger(cfg))
	tasks, err := store.List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "queue list: %v\n", err)
		os.Exit(1)
	}

	if jsonOutput {
		out, err := json.MarshalIndent(tasks, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "queue list: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(out))
		return
	}

	fmt.Printf("%-26s %-12s %3s %8s %-8s %-18s %s\n", "ID", "STATUS", "PRI", "ATTEMPTS", "TIER", "MODE", "DESCRIPTION")
	for _, t := range tasks {
		fmt.Printf("%-26s %-12s %3d %4d/%-3d %-8s %-18s %s\n",
			t.ID, t.Status, t.Priority, t.Attempts, t.MaxAttempts, t.RiskTier, t.ShipMode, t.Description)
	}
}

func runPause(args []string) {
	factoryDir, _ := mustLoad()

	reason := "manual pause"
	if len(args) > 0 {
		reason = args[0]
	}

	flag := pause.NewFlag(factoryDir)
	if err := flag.Set(reason); err != nil {
		fmt.Fprintf(os.Stderr, "pause: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("paused (%s)\n", flag.Path())
}

func runResume(args []string) {
	factoryDir, _ := mustLoad()

	flag := pause.NewFlag(factoryDir)
	if err := flag.Clear(); err != nil {
		fmt.Fprintf(os.Stderr, "resume: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("resumed")
}

type statusSummary struct {
	Paused     bool           `json:"paused"`
	Tasks      map[string]int `json:"tasks"`
	Total      int            `json:"total"`
	ShipEvents int            `json:"ship_events"`
}

func runStatus(args []string) {
	jsonOutput := false
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: factory status [--json]\n", a)
			os.Exit(1)
		}
	}

	factoryDir, cfg := mustLoad()

	store := queue.NewStore(factoryDir, cfg, cliLogger(cfg))
	tasks, err := store.List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}

	summary := statusSummary{
		Paused: pause.NewFlag(factoryDir).IsSet(),
		Tasks:  map[string]int{},
		Total:  len(tasks),
	}
	for _, t := range tasks {
		summary.Tasks[string(t.Status)]++
	}
	if records, err := ship.NewHistory(factoryDir).Records(); err == nil {
		summary.ShipEvents = len(records)
	}

	if jsonOutput {
		out, err := json.MarshalIndent(summary, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "status: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(out))
		return
	}

	state := "running"
	if summary.Paused {
		state = "paused"
	}
	fmt.Printf("state: %s\n", state)
	fmt.Printf("tasks: %d total\n", summary.Total)
	for _, s := range []model.Status{
		model.StatusPending, model.StatusInProgress, model.StatusFailed,
		model.StatusCompleted, model.StatusNeedsHuman, model.StatusDeadLetter,
	} {
		if n := summary.Tasks[string(s)]; n > 0 {
			fmt.Printf("  %-12s %d\n", s, n)
		}
	}
	fmt.Printf("ship events: %d\n", summary.ShipEvents)
}

func runContract(args []string) {
	if len(args) < 1 || args[0] != "validate" {
		fmt.Fprintln(os.Stderr, "usage: factory contract validate [path]")
		os.Exit(1)
	}

	var contractPath string
	if len(args) > 1 {
		contractPath = args[1]
	} else {
		factoryDir, cfg := mustLoad()
		contractPath = resolveContractPath(factoryDir, cfg)
	}

	abs, err := filepath.Abs(contractPath)
	if err == nil {
		contractPath = abs
	}

	result := map[string]any{
		"contract": contractPath,
		"status":   "failed",
	}

	c, err := contract.Load(contractPath)
	if err != nil {
		result["error"] = err.Error()
	} else {
		result["status"] = "passed"
		result["schema_version"] = c.SchemaVersion
		result["risk_tier_count"] = len(c.RiskTiers)
	}

	out, merr := json.Marshal(result)
	if merr != nil {
		fmt.Fprintf(os.Stderr, "contract validate: %v\n", merr)
		os.Exit(1)
	}
	fmt.Println(string(out))
	if err != nil {
		os.Exit(1)
	}
}

// buildController wires the loop's collaborators from one config.
func buildController(factoryDir string, cfg model.Config, logger *logging.Logger) (*controller.Controller, func(), error) {
	store := queue.NewStore(factoryDir, cfg, logger.WithComponent("queue"))
	flag := pause.NewFlag(factoryDir)
	history := ship.NewHistory(factoryDir)

	g := gate.New(
		resolveContractPath(factoryDir, cfg),
		filepath.Join(factoryDir, "reports"),
		nil,
		logger.WithComponent("gate"),
		cfg.Gate.CheckTimeoutSec,
	)

	reviewer := review.NewReviewer(
		&review.CommandPort{Command: cfg.Review.Command, Dir: cfg.Project.RepoRoot},
		secondsOrZero(cfg.Review.TimeoutSec),
		logger.WithComponent("review"),
	)

	override, _ := ship.ResolveModeOverride()
	backend := &ship.CommandBackend{
		BranchPRCommand:  cfg.Ship.BranchPRCommand,
		AutoMergeCommand: cfg.Ship.AutoMergeCommand,
		Dir:              cfg.Project.RepoRoot,
	}
	executor := ship.NewExecutor(cfg.Ship, override, backend, history, flag, logger.WithComponent("ship"))

	implementer := &controller.ExecImplementer{
		Command:    cfg.Implement.Command,
		RepoRoot:   cfg.Project.RepoRoot,
		TimeoutSec: cfg.Implement.TimeoutSec,
	}

	trace, err := events.NewSink(filepath.Join(factoryDir, "logs", "trace.jsonl"), 0)
	if err != nil {
		return nil, nil, fmt.Errorf("open trace sink: %w", err)
	}
	heartbeat, err := events.NewSink(filepath.Join(factoryDir, "logs", "heartbeat.jsonl"), 0)
	if err != nil {
		trace.Close()
		return nil, nil, fmt.Errorf("open heartbeat sink: %w", err)
	}
	closeSinks := func() {
		trace.Close()
		heartbeat.Close()
	}

	ctrl := controller.New(cfg, controller.Deps{
		Store:       store,
		Gate:        g,
		Reviewer:    reviewer,
		Executor:    executor,
		Implementer: implementer,
		PauseFlag:   flag,
		Heartbeat:   heartbeat,
		Trace:       trace,
		Logger:      logger.WithComponent("loop"),
	})
	return ctrl, closeSinks, nil
}

func openLogger(factoryDir string, cfg model.Config) (*logging.Logger, func(), error) {
	logPath := filepath.Join(factoryDir, "logs", "factory.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, nil, fmt.Errorf("create logs dir: %w", err)
	}
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", logPath, err)
	}
	w := io.MultiWriter(file, os.Stderr)
	logger := logging.New(w, "factory", logging.ParseLevel(cfg.Logging.Level))
	return logger, func() { file.Close() }, nil
}

// cliLogger writes to stderr only; one-shot commands keep the log file
// for the loop.
func cliLogger(cfg model.Config) *logging.Logger {
	return logging.New(os.Stderr, "factory", logging.ParseLevel(cfg.Logging.Level))
}

func resolveContractPath(factoryDir string, cfg model.Config) string {
	p := cfg.Gate.Contract
	if p == "" {
		p = "factory-contract.yaml"
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(factoryDir, p)
	}
	return p
}

func secondsOrZero(sec int) time.Duration {
	if sec <= 0 {
		return 0
	}
	return time.Duration(sec) * time.Second
}

func mustLoad() (string, model.Config) {
	factoryDir := findFactoryDir()
	if factoryDir == "" {
		fmt.Fprintln(os.Stderr, "error: .factory/ directory not found. Run 'factory init' first.")
		os.Exit(1)
	}
	cfg, err := loadConfig(factoryDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	return factoryDir, cfg
}

// findFactoryDir searches for .factory/ in the current directory and ancestors.
func findFactoryDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, ".factory")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func loadConfig(factoryDir string) (model.Config, error) {
	data, err := os.ReadFile(filepath.Join(factoryDir, "config.yaml"))
	if err != nil {
		return model.Config{}, fmt.Errorf("read config.yaml: %w", err)
	}
	var cfg model.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse config.yaml: %w", err)
	}
	return cfg, nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `factory %s - autonomous task queue for one repository

Usage: factory <command> [options]

Project:
  init [dir] [--name <project>]   Initialize .factory/ directory

Loop:
  loop                Drain the queue, then exit
  loop --once         Process at most one task
  loop --daemon       Watch the queue and drain continuously

Queue:
  queue add --description <text> [--priority N] [--ship-mode M]
            [--risk-tier T] [--target-branch B] [--max-attempts N]
  queue list [--json]

Control:
  pause [reason]      Set the pause sentinel
  resume              Clear the pause sentinel
  status [--json]     Show queue and loop state

Contract:
  contract validate [path]   Validate the contract, print a JSON result

  version             Print version
`, version)
}
