package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"vaultsettle/internal/config"
	"vaultsettle/internal/db"
	"vaultsettle/internal/ledger"
	"vaultsettle/internal/logger"
	"vaultsettle/internal/messaging"
	"vaultsettle/internal/paas"
	gormrepository "vaultsettle/internal/repository/gorm"
	"vaultsettle/internal/service"
	"vaultsettle/internal/settlement"
)

// app holds the wired components shared by serve and scan-once.
type app struct {
	cfg       config.Config
	logger    *zap.Logger
	db        *db.DB
	store     *gormrepository.Store
	settings  *service.SystemSettingsService
	oracle    *ledger.Client
	registry  *prometheus.Registry
	publisher *messaging.Publisher
	paas      *paas.Client
	engine    *settlement.Engine
}

func newApp(cfg config.Config) (*app, error) {
	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: log}

	dbConn, err := db.Open(cfg.DB, log)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	a.db = dbConn
	if err := db.SetTimezone(dbConn, cfg.DB.Timezone); err != nil {
		log.Warn("failed to set timezone", zap.Error(err))
	}
	if err := db.AutoMigrate(dbConn); err != nil {
		a.close()
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	a.store = gormrepository.New(dbConn.Gorm)
	a.settings = &service.SystemSettingsService{Repo: a.store}
	if err := a.settings.EnsureDefaultSwitches(context.Background()); err != nil {
		log.Warn("init default system switches failed", zap.Error(err))
	}

	a.oracle = ledger.NewClient(ledger.OptionsFromConfig(cfg.Ledger, log.Named("ledger")))

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if cfg.NATS.Enabled {
		pub, err := messaging.NewPublisher(cfg.NATS, log.Named("nats"))
		if err != nil {
			log.Warn("nats unavailable (execution updates disabled)", zap.Error(err))
		} else {
			a.publisher = pub
		}
	}

	a.paas = initPaaSClient(log)
	var notifier settlement.Notifier
	if a.paas != nil {
		notifier = &paas.Notifier{Client: a.paas, Logger: log.Named("admin")}
	}

	deps := settlement.Deps{
		Repo:      a.store,
		Oracle:    a.oracle,
		Flags:     a.settings,
		Notifier:  notifier,
		Telemetry: settlement.NewTelemetry(a.registry),
		Payout:    cfg.Payout,
		Authority: cfg.Ledger.Authority,
		Logger:    log,
	}
	// A typed nil publisher would defeat the engine's nil check.
	if a.publisher != nil {
		deps.Publisher = a.publisher
	}
	a.engine = settlement.NewEngine(deps, cfg.Reconciler)
	return a, nil
}

func (a *app) close() {
	if a == nil {
		return
	}
	if a.engine != nil {
		a.engine.Close()
	}
	a.publisher.Close()
	if a.db != nil {
		_ = db.Close(a.db)
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

func scanOnce(ctx context.Context, cfg config.Config, out io.Writer) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	report, err := a.engine.ScanNow(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func initPaaSClient(log *zap.Logger) *paas.Client {
	base := strings.TrimSpace(os.Getenv("EASYWEB3_API_BASE"))
	apiKey := strings.TrimSpace(os.Getenv("EASYWEB3_API_KEY"))
	if base == "" || apiKey == "" {
		return nil
	}
	p := &paas.Client{BaseURL: base, APIKey: apiKey, Agent: os.Getenv("SETTLE_PAAS_AGENT")}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := p.Login(ctx); err != nil {
		log.Warn("paas login failed (logs/notify disabled)", zap.Error(err))
		return nil
	}
	log.Info("paas login ok")
	return p
}
