package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"vaultsettle/internal/config"
	cronrunner "vaultsettle/internal/cron"
	"vaultsettle/internal/handler"
	"vaultsettle/internal/ledger"
	"vaultsettle/internal/paas"

	_ "vaultsettle/docs"
)

func serve(ctx context.Context, cfg config.Config) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()
	logger := a.logger

	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(paas.RequireBearerMiddleware())
	router.Use(paas.InjectClientMiddleware(a.paas))
	router.Use(paas.WriteAuditMiddleware(a.paas, logger))

	(&handler.HealthHandler{DB: a.db, Reconciler: a.engine}).Register(router)
	paas.RegisterDocs(router)
	(&handler.SettlementHandler{Repo: a.store, Engine: a.engine}).Register(router)
	(&handler.SystemSettingsHandler{Settings: a.settings}).Register(router)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})))
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	baseCtx := ctx
	if a.paas != nil {
		baseCtx = paas.WithClient(ctx, a.paas)
	}

	if cfg.Cron.Enabled {
		cronRunner := cronrunner.New(logger, baseCtx)
		if _, err := cronRunner.Add(cfg.Cron.TelemetrySummary, func(context.Context) {
			a.engine.Telemetry().LogSummary(logger.Named("telemetry"))
		}); err != nil {
			logger.Warn("cron register telemetry summary failed", zap.Error(err))
		}
		if _, err := cronRunner.Add(cfg.Cron.AttemptGC, func(context.Context) {
			a.engine.PurgeAttempts()
		}); err != nil {
			logger.Warn("cron register attempt gc failed", zap.Error(err))
		}
		cronRunner.Start()
		defer cronRunner.Stop()
	}

	if cfg.Reconciler.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.engine.Run(baseCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("settlement engine stopped", zap.Error(err))
			}
		}()
	}

	if cfg.Ledger.WatchEnabled && strings.TrimSpace(cfg.Ledger.WSURL) != "" {
		watcher := ledger.NewWatcher(ledger.WatcherOptions{
			URL:        cfg.Ledger.WSURL,
			Vaults:     a.engine.TrackedVaults,
			BackoffMin: cfg.Ledger.BackoffMin,
			BackoffMax: cfg.Ledger.BackoffMax,
			Logger:     logger.Named("watcher"),
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := watcher.Run(baseCtx, func(ev ledger.ProposalEvent) {
				logger.Debug("proposal change observed",
					zap.String("vault", ev.Vault),
					zap.Uint64("proposal_index", ev.Index),
					zap.Stringer("status", ev.Status),
				)
				a.engine.Nudge()
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("proposal watcher stopped", zap.Error(err))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case serveErr = <-errCh:
		logger.Error("server error", zap.Error(serveErr))
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = srv.Shutdown(shutdownCtx)
	return serveErr
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
