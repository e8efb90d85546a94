// Command colonyrt runs the autonomous agent runtime daemon: it loads
// configuration, opens the store, wires the Task Graph, Compression
// Engine, Messaging, and Orchestrator together, and ticks the
// Orchestrator until interrupted.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/colonyrt/runtime/internal/audit"
	"github.com/colonyrt/runtime/internal/bus"
	"github.com/colonyrt/runtime/internal/channels"
	"github.com/colonyrt/runtime/internal/compression"
	"github.com/colonyrt/runtime/internal/config"
	"github.com/colonyrt/runtime/internal/cron"
	"github.com/colonyrt/runtime/internal/eventstream"
	"github.com/colonyrt/runtime/internal/funding"
	"github.com/colonyrt/runtime/internal/inference"
	"github.com/colonyrt/runtime/internal/messaging"
	"github.com/colonyrt/runtime/internal/orchestrator"
	rtotel "github.com/colonyrt/runtime/internal/otel"
	"github.com/colonyrt/runtime/internal/pricing"
	"github.com/colonyrt/runtime/internal/shared"
	"github.com/colonyrt/runtime/internal/store"
	"github.com/colonyrt/runtime/internal/taskgraph"
	"github.com/colonyrt/runtime/internal/telemetry"
	"github.com/colonyrt/runtime/internal/worker"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                 Run the daemon (ticks the orchestrator until interrupted)
  %s status          Show current goal/orchestrator state
  %s doctor [-json]  Run diagnostic checks

ENVIRONMENT VARIABLES:
  COLONYRT_HOME           Data directory (default: ~/.colonyrt)
  COLONYRT_BIND_ADDR      Reserved for a future network transport
  COLONYRT_LOG_LEVEL      debug | info | warn | error
  COLONYRT_DB_PATH        Override the SQLite database path
  COLONYRT_WORKSPACE      Override the plan/checkpoint workspace directory
  COLONYRT_SELF_ADDRESS   Orchestrator's own messaging address
  COLONYRT_MAX_REPLANS    Override orchestrator.max_replans
  GOOGLE_API_KEY          Required for the google inference provider
  ANTHROPIC_API_KEY       Required for the anthropic inference provider
  TELEGRAM_TOKEN          Bot token for the telegram messaging transport

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir)

	otelProvider, err := rtotel.Init(ctx, rtotel.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		SampleRate:     cfg.Telemetry.SampleRate,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	metrics, err := rtotel.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	s, err := store.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer s.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db_path", cfg.DBPath)

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(logger, "E_AUDIT_INIT", err)
	}
	defer audit.Close()
	audit.SetDB(s.DB())

	if err := os.MkdirAll(cfg.Workspace, 0o755); err != nil {
		fatalStartup(logger, "E_WORKSPACE_MKDIR", err)
	}

	events := eventstream.New(s)
	graph := taskgraph.New(s)

	infer, err := newInferenceClient(cfg)
	if err != nil {
		fatalStartup(logger, "E_INFERENCE_INIT", err)
	}

	executor, err := newWorkerExecutor(cfg, infer)
	if err != nil {
		fatalStartup(logger, "E_WORKER_INIT", err)
	}
	ledger := funding.NewLedger(cfg.FundingStartingBalanceCents)
	directory := orchestrator.NewAgentDirectory()

	var telegramChannel *channels.TelegramChannel
	transport := &hybridTransport{selfAddress: cfg.SelfAddress}
	if cfg.Telegram.Enabled && cfg.Telegram.Token != "" {
		telegramChannel = channels.NewTelegramChannel(cfg.Telegram.Token, cfg.Telegram.AllowedIDs, s, events, logger)
		transport.telegram = telegramChannel
	}
	messenger := messaging.New(s, events, transport)
	transport.messenger = messenger

	wsChannel := channels.NewWebSocketChannel(cfg.SelfAddress, messenger, directory, logger)
	transport.websocket = wsChannel
	go func() {
		if err := wsChannel.ListenAndServe(ctx, cfg.BindAddr); err != nil {
			logger.Error("websocket channel stopped", "error", err)
		}
	}()

	orchCfg := orchestrator.Config{
		ApprovalMode:             orchestrator.ApprovalMode(cfg.Orchestrator.ApprovalMode),
		AutoBudgetThresholdCents: cfg.Orchestrator.AutoBudgetThresholdCents,
		MaxReplans:               cfg.Orchestrator.MaxReplans,
		DefaultTaskFundingCents:  cfg.Orchestrator.DefaultTaskFundingCents,
		Workspace:                cfg.Workspace,
	}
	orch := orchestrator.New(s, graph, events, messenger, infer, executor, ledger, directory, cfg.SelfAddress, orchCfg)
	orch.SetTelemetry(otelProvider.Tracer, metrics)
	orch.SetSpawnAgent(newSpawnAgent(executor, messenger, cfg.SelfAddress, logger))
	orch.SetBus(bus.NewWithLogger(logger))

	engine := compression.New(s, events, infer, cfg.Workspace)

	schedules := make([]cron.Schedule, 0, len(cfg.ScheduledGoals))
	for _, sg := range cfg.ScheduledGoals {
		schedules = append(schedules, cron.Schedule{
			Name: sg.Name, CronExpr: sg.Cron, Title: sg.Title, Description: sg.Description,
		})
	}
	scheduler := cron.NewScheduler(cron.Config{Store: s, Logger: logger, Schedules: schedules})
	scheduler.Start(ctx)
	defer scheduler.Stop()

	if telegramChannel != nil {
		go func() {
			if err := telegramChannel.Start(ctx); err != nil {
				logger.Error("telegram channel stopped", "error", err)
			}
		}()
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed to start", "error", err)
	}

	logger.Info("colonyrt daemon started", "version", Version, "self_address", cfg.SelfAddress)
	runDaemonLoop(ctx, logger, orch, engine, directory, events, watcher.Events())
	logger.Info("colonyrt daemon stopped")
}

// runDaemonLoop ticks the Orchestrator on a fixed interval, sweeping the
// Compression Engine over every known agent each tick, until ctx is
// canceled.
func runDaemonLoop(
	ctx context.Context,
	logger *slog.Logger,
	orch *orchestrator.Orchestrator,
	engine *compression.Engine,
	directory *orchestrator.AgentDirectory,
	events *eventstream.Stream,
	reloads <-chan config.ReloadEvent,
) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state, err := orch.Tick(ctx)
			if err != nil {
				logger.Error("orchestrator tick failed", "error", err)
				continue
			}
			logger.Debug("tick", "phase", state.Phase, "goal_id", state.GoalID)
			sweepCompression(ctx, logger, engine, directory, events)
		case ev, ok := <-reloads:
			if !ok {
				reloads = nil
				continue
			}
			logger.Info("config file changed, restart required to apply", "path", ev.Path)
		}
	}
}

// contextBudgetTokens is the soft per-agent token budget the
// compression sweep measures utilization against.
const contextBudgetTokens = 50_000

func sweepCompression(ctx context.Context, logger *slog.Logger, engine *compression.Engine, directory *orchestrator.AgentDirectory, events *eventstream.Stream) {
	for _, addr := range directory.Addresses() {
		recent, err := events.GetRecent(ctx, addr, 100000)
		if err != nil {
			logger.Warn("compression sweep: failed to read events", "agent", addr, "error", err)
			continue
		}
		total := 0
		for _, ev := range recent {
			total += ev.TokenCount
		}
		utilization := 100 * float64(total) / float64(contextBudgetTokens)
		plan := engine.Evaluate(addr, compression.Utilization{UtilizationPercent: utilization})
		if plan.MaxStage == compression.StageNone {
			continue
		}
		result, err := engine.Execute(ctx, plan)
		if err != nil {
			logger.Error("compression execute failed", "agent", addr, "error", err)
			continue
		}
		logger.Info("compression ran", "agent", addr, "stage", result.Stage.String(), "ratio", result.CompressionRatio)
	}
}

// newInferenceClient selects and constructs the configured provider's
// InferenceClient binding.
func newInferenceClient(cfg config.Config) (inference.Client, error) {
	apiKey := cfg.ProviderAPIKey(cfg.LLM.Provider)
	switch cfg.LLM.Provider {
	case "anthropic":
		return inference.NewAnthropicClient(apiKey, cfg.LLM.Model)
	default:
		return inference.NewGenkitClient(context.Background(), apiKey, cfg.LLM.Model)
	}
}

// newWorkerExecutor selects the remote-task sandbox named by
// cfg.Worker.Kind. "docker" runs each assignment in an ephemeral,
// auto-removed container; anything else (including the unset default)
// falls back to the in-process, no-isolation executor.
func newWorkerExecutor(cfg config.Config, infer inference.Client) (worker.Executor, error) {
	switch cfg.Worker.Kind {
	case "docker":
		return worker.NewDocker(cfg.Worker.DockerImage, cfg.Worker.DockerMemoryMB, cfg.Worker.DockerNetwork, cfg.Worker.DockerWorkspace)
	default:
		return worker.NewInProcess(inferenceBackedWorkerFunc(infer, cfg.LLM.Model)), nil
	}
}

// inferenceBackedWorkerFunc is the default in-process worker body for
// single-binary deployments with no external sandbox configured: it
// asks the InferenceClient to carry out the task description directly.
func inferenceBackedWorkerFunc(infer inference.Client, model string) worker.Func {
	return func(ctx context.Context, a worker.Assignment) (worker.Result, error) {
		resp, err := infer.Complete(ctx, inference.Request{
			Prompt:       a.Description,
			SystemPrompt: fmt.Sprintf("You are acting in the role of %q. Carry out the task and report the result.", a.AgentRole),
			MaxTokens:    4096,
		})
		if err != nil {
			return worker.Result{Success: false, Output: err.Error()}, nil
		}
		costCents := int64(pricing.EstimateCost(model, resp.InputTokens, resp.OutputTokens) * 100)
		return worker.Result{Success: true, Output: resp.Text, CostCents: costCents}, nil
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = shared.Redact(err.Error())
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, "startup failure [%s]: %s\n", reasonCode, message)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
