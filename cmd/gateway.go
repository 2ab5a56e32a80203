package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/parlolabs/parlo/internal/agent"
	"github.com/parlolabs/parlo/internal/bus"
	"github.com/parlolabs/parlo/internal/channels"
	"github.com/parlolabs/parlo/internal/channels/whatsapp"
	"github.com/parlolabs/parlo/internal/config"
	"github.com/parlolabs/parlo/internal/dedup"
	"github.com/parlolabs/parlo/internal/events"
	"github.com/parlolabs/parlo/internal/flows"
	"github.com/parlolabs/parlo/internal/handoff"
	"github.com/parlolabs/parlo/internal/identity"
	"github.com/parlolabs/parlo/internal/locker"
	"github.com/parlolabs/parlo/internal/providers"
	"github.com/parlolabs/parlo/internal/router"
	"github.com/parlolabs/parlo/internal/scheduler"
	"github.com/parlolabs/parlo/internal/scheduling"
	"github.com/parlolabs/parlo/internal/store/pg"
	"github.com/parlolabs/parlo/internal/telemetry"
	"github.com/parlolabs/parlo/internal/tools"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the message gateway",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func runGateway() {
	if err := gateway(); err != nil {
		slog.Error("gateway exited", "error", err)
		os.Exit(1)
	}
}

func gateway() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(cfg)

	if cfg.Database.PostgresDSN == "" {
		return fmt.Errorf("PARLO_POSTGRES_DSN is not set")
	}
	if cfg.LLM.APIKey == "" {
		return fmt.Errorf("PARLO_ANTHROPIC_API_KEY is not set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			log.Warn("tracing shutdown failed", "error", err)
		}
	}()

	pool, err := pg.Open(ctx, cfg.Database.PostgresDSN)
	if err != nil {
		return err
	}
	defer pool.Close()
	stores := pg.New(pool)

	notifier := events.Multi{events.NewLogNotifier(log)}
	if len(cfg.Kafka.Brokers) > 0 {
		kn := events.NewKafkaNotifier(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		defer kn.Close()
		notifier = append(notifier, kn)
		log.Info("kafka notifier enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	engine := scheduling.NewEngine(stores, log).WithNotifier(notifier)
	ledger := dedup.NewLedger(stores.Dedup, cfg.DedupRetention(), log)
	flowMgr := flows.NewManager(stores, engine, log)

	var locks locker.Locker = locker.NewKeyed()
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		locks = locker.NewRedis(client, cfg.Redis.LockPrefix)
		log.Info("redis conversation lock enabled", "addr", cfg.Redis.Addr)
	}

	provider := providers.NewAnthropicProvider(cfg.LLM.APIKey,
		providers.WithAnthropicModel(cfg.LLM.Model),
		providers.WithAnthropicMaxTokens(cfg.LLM.MaxTokens),
		providers.WithAnthropicTimeout(cfg.LLM.RequestTimeout),
	)
	loop := agent.New(agent.Config{
		Provider:      provider,
		Model:         cfg.LLM.Model,
		MaxIterations: cfg.LLM.MaxToolIterations,
		Log:           log,
	})

	msgBus := bus.New(cfg.Gateway.QueueSize, log)
	defer msgBus.Close()

	sched := scheduler.New(log)
	defer sched.Close()
	if err := sched.Every("dedup-prune", cfg.Dedup.PruneSchedule, ledger.Prune); err != nil {
		return err
	}

	// The tool deps and the router are built before the handoff manager: the
	// manager sends through the router, the tools activate the manager.
	deps := &tools.Deps{Stores: stores, Engine: engine, Flows: flowMgr, Log: log}
	rt := router.New(router.Config{
		Stores:       stores,
		Dedup:        ledger,
		Identity:     identity.NewResolver(stores, log),
		Flows:        flowMgr,
		Loop:         loop,
		ToolDeps:     deps,
		Bus:          msgBus,
		Locks:        locks,
		Notifier:     notifier,
		Log:          log,
		HistoryLimit: cfg.Gateway.HistoryLimit,
	})
	handoffMgr := handoff.NewManager(stores, sched, rt, notifier, cfg.HandoffTimeout(), log)
	deps.Handoff = handoffMgr
	rt.BindHandoff(handoffMgr)

	wa, err := whatsapp.New(whatsapp.Config{
		BridgeURL:     cfg.WhatsApp.BridgeURL,
		SendPerMinute: cfg.WhatsApp.SendPerMinute,
		SendBurst:     cfg.WhatsApp.SendBurst,
	}, msgBus, log)
	if err != nil {
		return err
	}
	chanMgr := channels.NewManager(msgBus, log)
	chanMgr.Register(wa)
	if err := chanMgr.StartAll(ctx); err != nil {
		return err
	}

	if err := config.Watch(ctx, resolveConfigPath(), log, func(next *config.Config) {
		// Only live-safe settings apply without a restart.
		logLevel.Set(parseLevel(next.LogLevel))
	}); err != nil {
		log.Warn("config watcher unavailable", "error", err)
	}

	log.Info("gateway started", "workers", cfg.Gateway.Workers, "bridge", cfg.WhatsApp.BridgeURL, "version", Version)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rt.Run(gctx, cfg.Gateway.Workers)
		return nil
	})
	g.Go(func() error {
		sched.Start(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return chanMgr.StopAll(stopCtx)
	})

	err = g.Wait()
	log.Info("gateway stopped")
	return err
}
