package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"settlenet/config"
	"settlenet/gateway"
	"settlenet/models"
	"settlenet/native/auction"
	"settlenet/native/decision"
	"settlenet/native/events"
	"settlenet/native/fraud"
	"settlenet/native/invariants"
	"settlenet/native/invoice"
	"settlenet/native/ledger"
	"settlenet/native/lifecycle"
	"settlenet/native/registry"
	"settlenet/native/settlement"
	"settlenet/native/settlement/rails"
	"settlenet/observability/logging"
	telemetry "settlenet/observability/otel"
)

const baseCurrency = "USD"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.Setup("settlenetd", cfg.Environment, logging.Options{
		FilePath:   cfg.LogFilePath,
		MaxSizeMB:  100,
		MaxBackups: 7,
		MaxAgeDays: 28,
	})

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	insecureExport := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecureExport = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "settlenetd",
		Environment: cfg.Environment,
		Endpoint:    otlpEndpoint,
		Insecure:    insecureExport,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		log.Error("initialise telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	if err := run(cfg); err != nil {
		log.Error("settlenetd exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	if err := models.Migrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	secret := []byte(os.Getenv(cfg.SystemSecretEnv))
	if len(secret) == 0 {
		return fmt.Errorf("system secret %s not set", cfg.SystemSecretEnv)
	}

	decisions, err := decision.NewLedger(db, secret)
	if err != nil {
		return err
	}
	journal, err := ledger.NewLedger(db, secret)
	if err != nil {
		return err
	}

	reg := registry.NewRegistry(db, nil, registry.Options{
		LimitTTL:       time.Duration(cfg.CreditLimitCacheTTLS) * time.Second,
		SanctionsTTL:   time.Duration(cfg.SanctionsMaxAgeH) * time.Hour,
		ReservationTTL: time.Duration(cfg.OrphanReservationTTLS) * time.Second,
	})

	threshold, err := strconv.ParseFloat(cfg.FraudThreshold, 64)
	if err != nil {
		return fmt.Errorf("parse FraudThreshold: %w", err)
	}
	gate := fraud.NewGate(db, fraud.NewHeuristicOracle(db),
		threshold, time.Duration(cfg.FraudScoreMaxAgeH)*time.Hour)

	auctions := auction.NewEngine(db, journal, auction.Options{
		FallbackRate: decimal.RequireFromString(cfg.FallbackDiscountRate),
		MinBids:      cfg.MinBidsTarget,
		QuoteTTL:     cfg.QuoteTTL(),
		Duration:     cfg.AuctionDuration(),
	})
	machine := invoice.NewMachine(db, decisions)

	bus := events.NewBus()
	machine.SetEmitter(bus)
	auctions.SetEmitter(bus)

	manager := rails.NewManager(
		rails.WithHealthTTL(time.Duration(cfg.RailHealthMaxAgeS) * time.Second))
	if err := registerRails(manager, cfg, db, journal); err != nil {
		return err
	}

	freeze := settlement.NewFreeze()
	fx := settlement.NewStaticRates(decimal.Zero)

	engine := invariants.NewEngine(decisions)
	if err := settlement.RegisterInvariants(engine, settlement.InvariantDeps{
		DB:           db,
		Registry:     reg,
		Fraud:        gate,
		Rails:        manager,
		Journal:      journal,
		FX:           fx,
		BaseCurrency: baseCurrency,
		FxMaxAge:     time.Duration(cfg.FxMaxAgeS) * time.Second,
		Deadline:     cfg.SettlementDeadline(),
	}); err != nil {
		return err
	}
	if err := engine.Finalize(); err != nil {
		return err
	}

	legs, err := settlement.OpenLegLog(cfg.LegLogPath)
	if err != nil {
		return err
	}
	defer legs.Close()

	coord := settlement.NewCoordinator(settlement.Deps{
		DB:        db,
		Machine:   machine,
		Registry:  reg,
		Fraud:     gate,
		Auctions:  auctions,
		Checks:    engine,
		Decisions: decisions,
		Journal:   journal,
		Rails:     manager,
		Legs:      legs,
		FX:        fx,
		Freeze:    freeze,
	}, settlement.Options{
		BaseCurrency:   baseCurrency,
		PrepareTimeout: cfg.PrepareTimeout(),
		CommitTimeout:  cfg.CommitTimeout(),
		Deadline:       cfg.SettlementDeadline(),
	})
	coord.SetEmitter(bus)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Finish anything that was mid-flight when the previous process died
	// before accepting new work.
	if resolved, err := coord.ResolveInFlight(ctx); err != nil {
		return fmt.Errorf("resolve in-flight settlements: %w", err)
	} else if resolved > 0 {
		slog.Info("resolved in-flight settlements", "count", resolved)
	}

	reporter, err := lifecycle.NewReporter(lifecycle.ReporterConfig{
		DB:        db,
		Journal:   journal,
		OutputDir: cfg.ReportDir,
	})
	if err != nil {
		return err
	}
	scheduler := lifecycle.NewScheduler(lifecycle.Deps{
		DB:          db,
		Machine:     machine,
		Auctions:    auctions,
		Registry:    reg,
		Coordinator: coord,
		Journal:     journal,
		Freeze:      freeze,
		Reporter:    reporter,
	}, lifecycle.Options{
		InvoiceExpiry:     time.Duration(cfg.InvoiceExpiryH) * time.Hour,
		AuctionInterval:   cfg.AuctionDuration() / 2,
		ReconcileInterval: time.Duration(cfg.ReconcileIntervalS) * time.Second,
	})
	go scheduler.Start(ctx)

	server := gateway.NewServer(gateway.Deps{
		DB:          db,
		Store:       invoice.NewStore(db),
		Machine:     machine,
		Registry:    reg,
		Fraud:       gate,
		Auctions:    auctions,
		Coordinator: coord,
		Journal:     journal,
		Rails:       manager,
		Freeze:      freeze,
		Bus:         bus,
	}, gateway.Options{
		AuctionDuration:  cfg.AuctionDuration(),
		RateLimitPerHour: cfg.RateLimitPerHour,
		JWTSecret:        []byte(os.Getenv(cfg.JWTSecretEnv)),
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func openDatabase(cfg *config.Config) (*gorm.DB, error) {
	gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}
	switch cfg.DatabaseDriver {
	case "postgres":
		return gorm.Open(postgres.Open(cfg.DatabaseDSN), gormCfg)
	default:
		return gorm.Open(sqlite.Open(cfg.DatabaseDSN), gormCfg)
	}
}

func registerRails(manager *rails.Manager, cfg *config.Config, db *gorm.DB, journal *ledger.Ledger) error {
	defs, err := config.LoadRails(cfg.RailsPath)
	if err != nil {
		return err
	}
	for _, def := range defs {
		switch def.Kind {
		case "internal":
			manager.Register(rails.NewBookRail(def.Name, db, journal), def.Priority)
		case "http":
			manager.Register(rails.NewHTTPRail(def.Name, def.Endpoint), def.Priority)
		}
	}
	return nil
}
