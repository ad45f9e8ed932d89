package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/GoPolymarket/capsettle/internal/accrual"
	"github.com/GoPolymarket/capsettle/internal/chain"
	"github.com/GoPolymarket/capsettle/internal/config"
	"github.com/GoPolymarket/capsettle/internal/handler"
	"github.com/GoPolymarket/capsettle/internal/market"
	"github.com/GoPolymarket/capsettle/internal/middleware"
	"github.com/GoPolymarket/capsettle/internal/pkg/logger"
	"github.com/GoPolymarket/capsettle/internal/repository"
	"github.com/GoPolymarket/capsettle/internal/scheduler"
	"github.com/GoPolymarket/capsettle/internal/service"
	"github.com/GoPolymarket/capsettle/internal/signer"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

func main() {
	// 0. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.Init(cfg.Log.Level)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Ledger storage
	db, err := repository.NewDB(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to open ledger: %v", err)
	}
	if cfg.Database.Driver != repository.DriverSQLite && cfg.Database.AutoMigrate {
		version, err := repository.MigrateUp(cfg.Database.DSN)
		if err != nil {
			log.Fatalf("Failed to migrate ledger: %v", err)
		}
		logger.Info("✅ Ledger schema up to date", "version", version)
	}
	ledger := repository.NewLedgerRepo(db)
	positions := repository.NewPositionRepo(db)
	if err := ledger.Ping(rootCtx); err != nil {
		log.Fatalf("Ledger unreachable: %v", err)
	}
	logger.Info("✅ Connected to ledger", "driver", cfg.Database.Driver)

	// 2. Optional Redis: job locks and report history
	var (
		reportRepo service.ReportRepo
		locker     scheduler.Locker
		redisConn  *repository.RedisClient
	)
	if cfg.Redis.Enabled {
		redisConn, err = repository.NewRedisClient(cfg.Redis)
		if err == nil {
			logger.Info("✅ Connected to Redis")
			reportRepo = repository.NewRedisReportRepo(redisConn, cfg.Reports.RedisListKey, cfg.Reports.RedisListMax)
			locker = repository.NewRedisJobLocker(redisConn)
		} else {
			logger.Error("⚠️ Failed to connect to Redis, reports stay in memory and jobs lock locally", "error", err)
		}
	}
	reports := service.NewReportService(cfg.Reports.BufferSize, reportRepo)

	// 3. Treasury signer and chain client
	var treasury *signer.Signer
	if cfg.Chain.PrivateKey != "" {
		treasury, err = signer.NewSigner(cfg.Chain.PrivateKey, cfg.Chain.ChainID)
		if err != nil {
			log.Fatalf("Invalid treasury key: %v", err)
		}
		logger.Info("✅ Treasury signer loaded", "address", treasury.Address().Hex())
	} else {
		logger.Warn("⚠️ No treasury key configured, disbursements will fail their precondition check")
	}

	var backend chain.Backend
	if cfg.Chain.RPCURL != "" {
		dialCtx, cancel := context.WithTimeout(rootCtx, 15*time.Second)
		client, err := chain.Dial(dialCtx, cfg.Chain.RPCURL)
		cancel()
		if err != nil {
			log.Fatalf("Failed to dial chain: %v", err)
		}
		defer client.Close()
		backend = client
	}
	wallet, err := chain.NewERC20Client(backend, treasury, chain.Options{
		GasPriceMultiplier: cfg.Chain.GasPriceMultiplier,
		GasLimitBufferPct:  cfg.Chain.GasLimitBufferPct,
		ConfirmTimeout:     cfg.Chain.ConfirmTimeout,
		PollInterval:       cfg.Chain.PollInterval,
	})
	if err != nil {
		log.Fatalf("Failed to init chain client: %v", err)
	}

	// 4. Pipeline
	rates := market.NewRateClient(cfg.RateSource)
	syncer := market.NewIndexSyncer(cfg.Index, positions, cfg.Markets)
	recorder := service.NewAccrualRecorder(positions, ledger, rates, accrual.NewCalculator(cfg.RateSource.MaxRateBps))
	aggregator := service.NewObligationAggregator(ledger)
	engine := service.NewDisbursementEngine(wallet, ledger, service.EngineOptions{
		MaxAttempts: cfg.Chain.MaxAttempts,
		Backoff:     cfg.Chain.RetryBackoff,
	})
	disbursement := service.NewDisbursementService(ledger, aggregator, engine, cfg.Chain.Workers)
	reconciler := service.NewReconciler(ledger, wallet, service.ReconcilerOptions{
		LookbackBlocks: cfg.Chain.ReconcileLookbackBlocks,
		GracePeriod:    cfg.Chain.ClaimGracePeriod,
		DropAfter:      cfg.Chain.DropAfter,
	})
	jobs := service.NewJobs(syncer, recorder, disbursement, reconciler, reports)

	// 5. Job registry
	var opts []scheduler.Option
	if locker != nil {
		opts = append(opts, scheduler.WithLocker(locker, cfg.Jobs.LockTTL))
	}
	registry := scheduler.NewRegistry(opts...)
	mustRegister(registry, service.JobAccrual, scheduler.DailyAt(cfg.Jobs.AccrualHour, 0), jobs.DailyAccrual)
	mustRegister(registry, service.JobDisbursement, scheduler.DailyAt(cfg.Jobs.DisbursementHour, 0), jobs.Disbursement)
	mustRegister(registry, service.JobReconcile, scheduler.Every(cfg.Jobs.ReconcileInterval), jobs.Reconcile)
	if cfg.Index.BaseURL != "" {
		mustRegister(registry, service.JobIndexSync, scheduler.Every(cfg.Jobs.SyncInterval), jobs.IndexSync)
	} else {
		logger.Warn("⚠️ No position index configured, positions must be loaded externally")
		caps := make(map[string]int64, len(cfg.Markets))
		for _, m := range cfg.Markets {
			caps[m.ID] = m.RateCapBps
		}
		if n, err := positions.ApplyRateCaps(rootCtx, caps); err != nil {
			logger.Error("failed to apply configured rate caps", "error", err)
		} else {
			logger.Info("rate caps applied", "markets", n)
		}
	}
	jobCtx, stopJobs := context.WithCancel(context.Background())
	registry.Start(jobCtx)

	// 6. Admin API
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.ErrorHandler())
	r.Use(middleware.MetricsMiddleware())
	r.Use(middleware.AuditMiddleware())

	r.GET("/health", func(c *gin.Context) {
		if err := ledger.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "service": "capsettle", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "capsettle"})
	})
	if cfg.Metrics.Enabled {
		r.GET(cfg.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}

	jobHandler := handler.NewJobHandler(registry)
	reportHandler := handler.NewReportHandler(reports)
	settlementHandler := handler.NewSettlementHandler(aggregator, ledger, reconciler)
	signerHandler := handler.NewSignerHandler(wallet, positions)

	v1 := r.Group("/v1")
	v1.Use(middleware.AdminMiddleware(cfg.Auth.AdminKey))
	v1.Use(middleware.RateLimitMiddleware(rate.NewLimiter(rate.Limit(cfg.Server.RateLimitRPS), cfg.Server.RateLimitBurst)))
	v1.Use(middleware.ReadOnlyMiddleware(cfg.Server.ReadOnly))
	{
		v1.GET("/jobs", jobHandler.List)
		v1.POST("/jobs/:name/run", jobHandler.Run)
		v1.GET("/reports", reportHandler.List)
		v1.GET("/obligations", settlementHandler.Obligations)
		v1.GET("/settlements", settlementHandler.List)
		v1.POST("/settlements/batches/:id/release", settlementHandler.Release)
		v1.GET("/signer", signerHandler.Get)
	}

	// 7. Start Server with Graceful Shutdown
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("🚀 capsettle started", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server listen failed: %v", err)
		}
	}()

	<-rootCtx.Done()
	logger.Info("🛑 Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	// running jobs see cancellation; ledger writes after a broadcast still complete
	stopJobs()
	registry.Wait()
	reports.Close()
	if redisConn != nil {
		_ = redisConn.Close()
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}

	logger.Info("Server exiting")
}

func mustRegister(r *scheduler.Registry, name string, s scheduler.Schedule, fn scheduler.JobFunc) {
	if err := r.Register(name, s, fn); err != nil {
		log.Fatalf("Failed to register job %s: %v", name, err)
	}
}
