package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/KafClaw/SocialClaw/internal/breaker"
	"github.com/KafClaw/SocialClaw/internal/bus"
	"github.com/KafClaw/SocialClaw/internal/channels"
	"github.com/KafClaw/SocialClaw/internal/config"
	"github.com/KafClaw/SocialClaw/internal/dedup"
	"github.com/KafClaw/SocialClaw/internal/executor"
	"github.com/KafClaw/SocialClaw/internal/history"
	"github.com/KafClaw/SocialClaw/internal/inference"
	"github.com/KafClaw/SocialClaw/internal/memory"
	"github.com/KafClaw/SocialClaw/internal/orchestrator"
	"github.com/KafClaw/SocialClaw/internal/policy"
	"github.com/KafClaw/SocialClaw/internal/provider"
	"github.com/KafClaw/SocialClaw/internal/provider/middleware"
	"github.com/KafClaw/SocialClaw/internal/scheduler"
	"github.com/KafClaw/SocialClaw/internal/telemetry"
	"github.com/KafClaw/SocialClaw/internal/tools"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
)

// Settings written by a running gateway and read by `socialclaw status`.
const (
	settingGatewayPID     = "gateway.pid"
	settingGatewayStarted = "gateway.started_at"
	settingGatewayStopped = "gateway.stopped_at"
)

const (
	shutdownTimeout  = 15 * time.Second
	slackHTTPTimeout = 20 * time.Second
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the gateway (channels, orchestrator, scheduler)",
	RunE:  runGateway,
}

var gatewaySignalNotify = signal.NotifyContext

func runGateway(cmd *cobra.Command, args []string) error {
	printHeader("🌐 SocialClaw Gateway")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.Providers.OpenAI.APIKey == "" && cfg.Providers.OpenAI.APIBase == "" {
		return errors.New("no LLM configured: set OPENAI_API_KEY or providers.openai.apiBase")
	}

	ctx, stop := gatewaySignalNotify(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	llm := provider.NewOpenAIProvider(cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.APIBase, cfg.Model.Name)
	gw, err := newGateway(ctx, cfg, llm)
	if err != nil {
		return err
	}
	return gw.run(ctx)
}

// gateway owns every long-running component of the process.
type gateway struct {
	cfg   *config.Config
	bus   *bus.Bus
	store *history.Store

	telemetryShutdown func(context.Context) error

	registry   *tools.Registry
	executor   *executor.Executor
	inference  *inference.Service
	memory     *memory.ShortTerm
	summarizer *memory.Summarizer
	orch       *orchestrator.Orchestrator
	channels   []channels.Channel
	scheduler  *scheduler.Scheduler
}

// newGateway wires the components. Nothing is started until run.
func newGateway(ctx context.Context, cfg *config.Config, llm provider.LLMProvider) (*gateway, error) {
	if err := config.EnsureDir(cfg.Paths.DataDir); err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}
	store, err := history.Open(cfg.Paths.HistoryDB)
	if err != nil {
		return nil, err
	}
	mp, telemetryShutdown, err := telemetry.Setup(ctx, cfg.Telemetry, version)
	if err != nil {
		store.Close()
		return nil, err
	}
	meter := mp.Meter("github.com/KafClaw/SocialClaw")

	g := &gateway{
		cfg:               cfg,
		bus:               bus.New(),
		store:             store,
		telemetryShutdown: telemetryShutdown,
		registry:          tools.NewRegistry(),
	}
	if err := g.wire(llm, meter); err != nil {
		g.close(context.Background())
		return nil, err
	}
	return g, nil
}

func (g *gateway) wire(llm provider.LLMProvider, meter metric.Meter) error {
	cfg := g.cfg
	guard := dedup.New(g.store)
	llm = middleware.Wrap(llm, cfg.Guard, meter)

	g.registry.Register(tools.NewReplyTextTool(g.bus, guard))
	g.registry.Register(tools.NewScheduleActionTool(g.store, g.registry))

	if cfg.Channels.Slack.Enabled {
		client, err := channels.NewSlackClient(cfg.Channels.Slack, &http.Client{Timeout: slackHTTPTimeout})
		if err != nil {
			return fmt.Errorf("slack: %w", err)
		}
		g.registry.Register(tools.NewSlackReplyTool(client, guard))
		g.registry.Register(tools.NewSlackReactTool(client, guard))
		g.channels = append(g.channels, channels.NewSlackChannel(cfg.Channels.Slack, g.bus, client))
	}
	if cfg.Channels.WhatsApp.Enabled {
		wa := channels.NewWhatsAppChannel(cfg.Channels.WhatsApp, g.bus)
		g.registry.Register(tools.NewWhatsAppSendTool(wa, guard))
		g.channels = append(g.channels, wa)
	}
	if cfg.Kafka.Enabled {
		kb, err := channels.NewKafkaBridge(cfg.Kafka, g.bus)
		if err != nil {
			return err
		}
		g.channels = append(g.channels, kb)
	}

	g.executor = executor.New(executor.Options{
		Registry: g.registry,
		Breaker: breaker.New(breaker.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			TimeWindow:       cfg.Breaker.TimeWindow,
			ResetTimeout:     cfg.Breaker.ResetTimeout,
		}),
		Recorder:      g.store,
		Publisher:     g.bus,
		Meter:         meter,
		ActionTimeout: cfg.Orchestrator.ActionTimeout,
	})

	g.inference = inference.NewService(g.bus, llm, inference.ServiceConfig{
		Model:       cfg.Model.Name,
		MaxTokens:   cfg.Model.MaxTokens,
		Temperature: cfg.Model.Temperature,
		Timeout:     cfg.Bus.RequestTimeout,
	})
	client := inference.NewClient(g.bus, cfg.Bus.RequestTimeout)

	g.memory = memory.NewShortTerm(cfg.Orchestrator.MemoryCapacity, cfg.Orchestrator.SummaryThreshold, g.store)
	g.summarizer = memory.NewSummarizer(g.bus, llm, g.memory, g.store)

	var analyzer inference.FeedbackAnalyzer
	if cfg.Orchestrator.FollowUpEnabled {
		analyzer = client
	}
	orch, err := orchestrator.New(orchestrator.Options{
		Config: orchestrator.Config{
			Debounce:          cfg.Orchestrator.Debounce,
			RetryDelay:        cfg.Orchestrator.RetryDelay,
			PhaseTimeout:      cfg.Orchestrator.PhaseTimeout,
			ActionTimeout:     cfg.Orchestrator.ActionTimeout,
			MaxFollowUpPhases: cfg.Orchestrator.MaxFollowUpPhases,
			FollowUpEnabled:   cfg.Orchestrator.FollowUpEnabled,
		},
		Bus:      g.bus,
		Thinker:  client,
		Planner:  client,
		Analyzer: analyzer,
		Executor: g.executor,
		Memory:   g.memory,
		Registry: g.registry,
		Policy:   newPolicyEngine(cfg.Policy),
		Meter:    meter,
	})
	if err != nil {
		return err
	}
	g.orch = orch

	exec := g.executor
	g.scheduler = scheduler.New(scheduler.Config{
		Enabled:       cfg.Scheduler.Enabled,
		TickInterval:  cfg.Scheduler.TickInterval,
		MaxConcurrent: cfg.Scheduler.MaxConcurrent,
		BatchSize:     cfg.Scheduler.BatchSize,
		LockPath:      filepath.Join(cfg.Paths.DataDir, "scheduler.lock"),
	}, g.store, func(ctx context.Context, rec history.ActionRecord) string {
		return string(exec.ExecuteScheduled(ctx, rec).Status)
	})
	return nil
}

func newPolicyEngine(cfg config.PolicyConfig) *policy.DefaultEngine {
	engine := policy.NewDefaultEngine()
	if cfg.MaxAutoTier > 0 {
		engine.MaxAutoTier = cfg.MaxAutoTier
	}
	if cfg.ExternalMaxTier > 0 {
		engine.ExternalMaxTier = cfg.ExternalMaxTier
	}
	if len(cfg.AllowedSenders) > 0 {
		engine.AllowedSenders = make(map[string]bool, len(cfg.AllowedSenders))
		for _, s := range cfg.AllowedSenders {
			engine.AllowedSenders[s] = true
		}
	}
	return engine
}

// run starts every component, blocks until ctx is cancelled or a component
// fails, then shuts down in reverse order.
func (g *gateway) run(ctx context.Context) error {
	if err := g.memory.Restore(ctx); err != nil {
		slog.Warn("Short-term memory not restored", "error", err)
	}

	g.inference.Start(ctx)
	g.summarizer.Start()
	if err := g.orch.Start(ctx); err != nil {
		g.shutdown(nil)
		return err
	}

	var started []channels.Channel
	for _, ch := range g.channels {
		if err := ch.Start(ctx); err != nil {
			g.shutdown(started)
			return fmt.Errorf("start %s channel: %w", ch.Name(), err)
		}
		started = append(started, ch)
	}

	g.markStarted()
	fmt.Printf("Gateway running: %d capabilities, channels %v. Press Ctrl+C to stop.\n", len(g.registry.List()), channelNames(started))

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return g.scheduler.Run(gctx) })
	err := group.Wait()

	slog.Info("Gateway shutting down")
	g.shutdown(started)
	return err
}

func (g *gateway) shutdown(started []channels.Channel) {
	for i := len(started) - 1; i >= 0; i-- {
		if err := started[i].Stop(); err != nil {
			slog.Warn("Channel stop failed", "channel", started[i].Name(), "error", err)
		}
	}
	g.orch.Stop()
	g.summarizer.Stop()
	g.inference.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := g.bus.Shutdown(ctx); err != nil {
		slog.Warn("Event bus did not drain", "error", err)
	}
	_ = g.store.SetSetting(settingGatewayStopped, time.Now().UTC().Format(time.RFC3339))
	g.close(ctx)
}

func (g *gateway) close(ctx context.Context) {
	if g.telemetryShutdown != nil {
		if err := g.telemetryShutdown(ctx); err != nil {
			slog.Debug("Telemetry shutdown", "error", err)
		}
	}
	if err := g.store.Close(); err != nil {
		slog.Warn("History store close failed", "error", err)
	}
}

func (g *gateway) markStarted() {
	if err := g.store.SetSetting(settingGatewayPID, strconv.Itoa(os.Getpid())); err != nil {
		slog.Warn("Gateway state not recorded", "error", err)
		return
	}
	_ = g.store.SetSetting(settingGatewayStarted, time.Now().UTC().Format(time.RFC3339))
	_ = g.store.SetSetting(settingGatewayStopped, "")
}

func channelNames(chs []channels.Channel) []string {
	names := make([]string, 0, len(chs))
	for _, ch := range chs {
		names = append(names, ch.Name())
	}
	return names
}
