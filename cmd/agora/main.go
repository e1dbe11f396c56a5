// Command agora runs the agent commerce marketplace: negotiation engine,
// reputation ledger, settlement orchestrator, WebSocket gateway, and MCP
// server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"agora/internal/adapter/discovery"
	"agora/internal/adapter/gateway"
	"agora/internal/adapter/mcpserver"
	"agora/internal/adapter/pricing"
	"agora/internal/adapter/rail"
	"agora/internal/adapter/store"
	"agora/internal/domain"
	"agora/internal/infra/config"
	"agora/internal/infra/logger"
	"agora/internal/infra/tracer"
	"agora/internal/usecase/coordinator"
	"agora/internal/usecase/eventbus"
	"agora/internal/usecase/negotiation"
	"agora/internal/usecase/reputation"
	"agora/internal/usecase/scheduling"
	"agora/internal/usecase/settlement"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := run(false); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "run":
		if err := run(false); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
	case "mcp":
		if err := run(true); err != nil {
			fmt.Fprintf(os.Stderr, "mcp: %v\n", err)
			os.Exit(1)
		}
	case "check":
		if err := runCheck(); err != nil {
			fmt.Fprintf(os.Stderr, "check: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'agora --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`agora - Agent commerce marketplace

USAGE:
    agora [COMMAND] [FLAGS]

COMMANDS:
    run         Run the marketplace (gateway + scheduler); also the default
    mcp         Serve marketplace tools over MCP stdio
    check       Validate the configuration and exit

FLAGS:
    -h, --help         Show this help message
    --config PATH      Specify config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: AGORA_* variables override config

EXAMPLES:
    agora                    # Run with config.yaml
    agora --config /path/to/config.yaml
    agora check              # Validate configuration
    agora mcp                # Expose tools to an MCP client`)
}

// configPath extracts --config from os.Args, defaulting to ./config.yaml.
func configPath() string {
	for i := 1; i < len(os.Args); i++ {
		switch {
		case os.Args[i] == "--config" && i+1 < len(os.Args):
			return os.Args[i+1]
		case strings.HasPrefix(os.Args[i], "--config="):
			return strings.TrimPrefix(os.Args[i], "--config=")
		}
	}
	return "config.yaml"
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func runCheck() error {
	if _, err := loadConfig(); err != nil {
		return err
	}
	fmt.Println("configuration OK")
	return nil
}

// runtime holds the wired marketplace components.
type runtime struct {
	cfg        *config.Config
	log        *slog.Logger
	db         *store.SQLiteStore
	bus        *eventbus.Bus
	engine     *negotiation.Engine
	settlement *settlement.Orchestrator
	reputation *reputation.Service
	discovery  domain.Discovery
	scheduler  *scheduling.Scheduler
	closers    []func() error
}

func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.log.Warn("shutdown error", "error", err)
		}
	}
}

func buildRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	rt := &runtime{cfg: cfg}

	log, logClose, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, err
	}
	rt.log = log
	rt.closers = append(rt.closers, logClose)

	traceShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.closers = append(rt.closers, func() error { return traceShutdown(context.Background()) })

	db, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.db = db
	rt.closers = append(rt.closers, db.Close)

	rt.bus = eventbus.New(log)
	rt.closers = append(rt.closers, func() error { rt.bus.Close(); return nil })

	locks := coordinator.New(cfg.Market.LockWait)
	rt.reputation = reputation.New(db, rt.bus, log, cfg.Reputation.DefaultScore, cfg.Reputation.CacheTTL)

	if cfg.Discovery.BaseURL != "" {
		rt.discovery = discovery.NewClient(cfg.Discovery, log)
	} else {
		log.Warn("no discovery base_url configured, using empty static registry")
		rt.discovery = discovery.NewStaticRegistry()
	}

	fallback := negotiation.NewConcessionPolicy(cfg.Market.Concession)
	var policy domain.PricePolicy = fallback
	if cfg.Pricing.Policy == "bedrock" {
		bp, err := pricing.NewBedrockPolicy(cfg.Pricing.Bedrock, fallback, log)
		if err != nil {
			rt.close()
			return nil, fmt.Errorf("bedrock pricing: %w", err)
		}
		policy = bp
	}

	rt.engine = negotiation.New(negotiation.Config{
		MaxRounds:               cfg.Market.MaxRounds,
		QuoteTTL:                cfg.Market.QuoteTTL,
		CounterQuoteTTL:         cfg.Market.CounterQuoteTTL,
		Concession:              cfg.Market.Concession,
		MinBuyerScore:           cfg.Market.MinBuyerScore,
		PenalizeSellerRejection: cfg.Market.PenalizeSellerRejection,
		DefaultRail:             domain.RailKind(cfg.Market.DefaultRail),
	}, db, rt.discovery, rt.reputation, policy, locks, rt.bus, log)

	rt.settlement = settlement.New(settlement.Config{
		EscrowHold:    cfg.Settlement.EscrowHold,
		ConfirmWindow: cfg.Settlement.ConfirmWindow,
		MaxAttempts:   cfg.Settlement.MaxAttempts,
		RetryBackoff:  cfg.Settlement.RetryBackoff,
	}, db, db, rt.reputation, locks, rt.bus, log)

	rt.settlement.RegisterRail(rail.NewMockRail(log))
	rt.settlement.RegisterRail(rail.NewEscrowRail(log))
	if cfg.Rails.Card.BaseURL != "" {
		rt.settlement.RegisterRail(rail.NewCardRail(cfg.Rails.Card, log))
	}
	if cfg.Rails.Ledger.BaseURL != "" {
		rt.settlement.RegisterRail(rail.NewLedgerRail(cfg.Rails.Ledger, log))
	}
	rt.engine.SetSettlement(rt.settlement)

	if cfg.Scheduler.Enabled {
		sched := scheduling.NewScheduler(log)
		sched.RegisterAction(scheduling.ActionNegotiationSweep, func(ctx context.Context) error {
			_, err := rt.engine.SweepExpired(ctx)
			return err
		})
		sched.RegisterAction(scheduling.ActionSettlementRecover, func(ctx context.Context) error {
			_, err := rt.settlement.SweepUnsettled(ctx)
			return err
		})
		sched.RegisterAction(scheduling.ActionLedgerConfirm, func(ctx context.Context) error {
			_, err := rt.settlement.SweepConfirmations(ctx)
			return err
		})
		sched.RegisterAction(scheduling.ActionEscrowSweep, func(ctx context.Context) error {
			_, err := rt.settlement.SweepHolds(ctx)
			return err
		})
		sched.RegisterAction(scheduling.ActionReputationPurge, func(ctx context.Context) error {
			rt.reputation.PurgeCache()
			return nil
		})
		for _, task := range cfg.Scheduler.Tasks {
			if err := sched.AddTask(scheduling.ScheduledTask{
				Name:     task.Name,
				Schedule: task.Schedule,
				Action:   scheduling.ScheduledAction(task.Action),
				OneShot:  task.OneShot,
			}); err != nil {
				rt.close()
				return nil, err
			}
		}
		rt.scheduler = sched
	}

	return rt, nil
}

func run(mcpMode bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	if rt.scheduler != nil {
		if err := rt.scheduler.Start(ctx); err != nil {
			return err
		}
		defer rt.scheduler.Stop()
	}

	if mcpMode {
		rt.log.Info("serving marketplace tools over MCP stdio")
		return mcpserver.ServeStdio(mcpserver.New(mcpserver.Deps{
			Engine:     rt.engine,
			Settlement: rt.settlement,
			Reputation: rt.reputation,
			Discovery:  rt.discovery,
			Logger:     rt.log,
		}))
	}

	if !cfg.Gateway.Enabled {
		rt.log.Info("gateway disabled, running sweeps only")
		<-ctx.Done()
		return nil
	}

	auth := gateway.NewStaticTokenAuth(cfg.Gateway.Auth.Tokens)
	srv := gateway.NewServer(rt.bus, auth, cfg.Gateway.Addr,
		cfg.Gateway.RequestsPerSecond, cfg.Gateway.Burst, rt.log)
	gateway.RegisterDefaultHandlers(srv, gateway.HandlerDeps{
		Engine:     rt.engine,
		Settlement: rt.settlement,
		Reputation: rt.reputation,
		Discovery:  rt.discovery,
		Logger:     rt.log,
	})

	rt.log.Info("marketplace started", "addr", cfg.Gateway.Addr)
	return srv.Start(ctx)
}
