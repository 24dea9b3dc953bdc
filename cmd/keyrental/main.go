package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container
	"golang.org/x/sync/errgroup"

	"github.com/ericfisherdev/keyrental/internal/adapter/driven/events"
	"github.com/ericfisherdev/keyrental/internal/adapter/driven/keycipher"
	sqliteadapter "github.com/ericfisherdev/keyrental/internal/adapter/driven/sqlite"
	httphandler "github.com/ericfisherdev/keyrental/internal/adapter/driving/http"
	"github.com/ericfisherdev/keyrental/internal/application"
	"github.com/ericfisherdev/keyrental/internal/config"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration (fail fast on missing required env vars).
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})))
	slog.Info("config loaded",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"rotation_interval", cfg.RotationInterval,
		"sweep_interval", cfg.SweepInterval,
		"quota_timezone", cfg.QuotaLocation.String(),
		"redis", cfg.HasRedis(),
	)

	// 2. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Open database (dual reader/writer with WAL mode).
	db, err := sqliteadapter.NewDB(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()
	slog.Info("database opened", "path", cfg.DBPath)

	// 4. Run migrations on writer connection.
	version, err := sqliteadapter.RunMigrations(db.Writer)
	if err != nil {
		return err
	}
	slog.Info("migrations complete", "version", version)

	// 5. Wire adapters.
	credentialStore := sqliteadapter.NewCredentialRepo(db)
	slotStore := sqliteadapter.NewSlotRepo(db)
	rentalStore := sqliteadapter.NewRentalRepo(db)

	cipher, err := keycipher.New([]byte(cfg.SecretKey))
	if err != nil {
		return err
	}

	// 6. Event sink: services enqueue, the consumer goroutine delivers to
	// Redis when configured.
	sink := events.NewChannelSink(events.DefaultBuffer)
	if cfg.HasRedis() {
		redisSink, redisClient, err := events.NewRedisSink(cfg.RedisURL, cfg.EventChannel)
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := redisClient.Close(); closeErr != nil {
				slog.Error("error closing redis client", "error", closeErr)
			}
		}()
		sink.Subscribe(redisSink.Handle)
		slog.Info("redis event sink enabled", "channel", cfg.EventChannel)
	}

	// 7. Create services.
	credentialSvc := application.NewCredentialService(credentialStore, cipher, sink, nil)
	slotMgr := application.NewSlotManager(slotStore, sink, nil)
	quotaTracker := application.NewQuotaTracker(rentalStore, credentialStore, sink,
		application.QuotaConfig{Location: cfg.QuotaLocation, AlertPercent: cfg.AlertPercent}, nil)
	scheduler := application.NewRotationScheduler(credentialStore, credentialSvc, sink, cfg.RotationInterval, nil)
	ledger := application.NewRentalLedger(rentalStore, credentialStore, credentialSvc, slotMgr, cipher, sink,
		application.QuotaLimits{Daily: cfg.DailyLimit, Monthly: cfg.MonthlyLimit}, cfg.SweepInterval, nil)

	// 8. Create HTTP handler.
	apiHandler := httphandler.NewHandler(credentialSvc, ledger, quotaTracker, scheduler, slog.Default())
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httphandler.NewServeMux(apiHandler, slog.Default()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// 9. Start background loops and the server.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sink.Run(gctx)
		return nil
	})
	g.Go(func() error {
		scheduler.Start(gctx)
		return nil
	})
	g.Go(func() error {
		ledger.Start(gctx)
		return nil
	})
	g.Go(func() error {
		slog.Info("http server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		// Graceful shutdown with 10s timeout to drain in-flight requests.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", "error", err)
		}
		return nil
	})

	slog.Info("keyrental started",
		"listen_addr", cfg.ListenAddr,
		"rotation_interval", cfg.RotationInterval,
		"sweep_interval", cfg.SweepInterval,
	)

	// 10. Wait for shutdown signal or a fatal server error.
	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("shutdown complete")
	return nil
}
