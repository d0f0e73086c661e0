package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"vpnbot/internal/bootstrap"
	"vpnbot/internal/bot"
	"vpnbot/internal/config"
	cronpkg "vpnbot/internal/cron"
	"vpnbot/internal/panel"
	"vpnbot/internal/payment"
	"vpnbot/internal/pkg/guard"
	"vpnbot/internal/pkg/telegram"
	"vpnbot/internal/reconcile"
	"vpnbot/internal/repository"
	"vpnbot/internal/router"
	"vpnbot/internal/service"
)

func main() {
	// --- Logger ---
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	switch {
	case hasArg("--bootstrap-db"):
		if err := runDBMaintenance(logger, bootstrap.Migrate); err != nil {
			logger.Fatal("Database bootstrap failed", zap.Error(err))
		}
		logger.Info("Database bootstrap completed")
		return
	case hasArg("--reset-db"):
		if err := runDBMaintenance(logger, bootstrap.Reset); err != nil {
			logger.Fatal("Database reset failed", zap.Error(err))
		}
		logger.Warn("Database reset completed, all data was dropped")
		return
	}

	// --- Config ---
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}
	if cfg.IsDevelopment() {
		if dev, err := zap.NewDevelopment(); err == nil {
			logger = dev
		}
	}

	worker := hasArg("--worker")
	if err := run(cfg, worker, logger); err != nil {
		logger.Fatal("Fatal error", zap.Error(err))
	}
}

// run wires every component and blocks until SIGINT/SIGTERM. In worker mode
// only the reconciliation loop runs.
func run(cfg *config.Config, worker bool, logger *zap.Logger) error {
	// --- Database ---
	db, err := config.NewDatabase(&cfg.Database, cfg.IsDevelopment(), logger)
	if err != nil {
		return err
	}
	if err := bootstrap.Migrate(db); err != nil {
		return fmt.Errorf("failed to bootstrap database schema: %w", err)
	}
	users := repository.NewUserRepository(db)
	subs := repository.NewSubscriptionRepository(db)

	// --- Marzban panel ---
	opts := []panel.Option{
		panel.WithTimeout(cfg.Panel.Timeout),
		panel.WithRetryBase(cfg.Panel.RetryBase),
	}
	if cfg.Panel.InsecureSkipVerify {
		opts = append(opts, panel.WithInsecureSkipVerify())
	}
	marzban := panel.NewMarzbanClient(cfg.Panel.URL, cfg.Panel.Username, cfg.Panel.Password, logger.Named("marzban"), opts...)
	openCtx, cancelOpen := context.WithTimeout(context.Background(), 30*time.Second)
	err = marzban.Open(openCtx)
	cancelOpen()
	if err != nil {
		return err
	}
	defer marzban.Close()

	// --- Crypto Pay (optional) ---
	var (
		invoicer service.Invoicer
		gateway  reconcile.Gateway
	)
	if cfg.Crypto.Enabled() {
		cryptoPay := payment.NewCryptoPayGateway(cfg.Crypto.Token, cfg.Crypto.Network, cfg.Crypto.Asset)
		invoicer, gateway = cryptoPay, cryptoPay
	} else {
		logger.Warn("CRYPTO_TOKEN is not set, crypto payments are disabled")
	}

	// --- Reconciliation loop ---
	botAPI := telegram.NewBotAPI(cfg.Bot.Token)
	reconciler := reconcile.New(subs, gateway, marzban, botAPI, logger.Named("reconcile"))
	scheduler := cronpkg.New(cfg.Reconcile.Interval, reconciler, subs, logger)
	if err := scheduler.Start(); err != nil {
		return err
	}

	if worker {
		logger.Info("Running in worker mode")
		waitForSignal()
		return shutdown(logger, scheduler, nil, nil)
	}

	// --- Guard (Redis with in-memory fallback) ---
	locks, guardErr := guard.New(cfg.Redis.Addr, cfg.Redis.Pass, cfg.Redis.DB, "vpnbot:")
	if guardErr != nil {
		logger.Warn("Redis unavailable, using in-memory locks", zap.Error(guardErr))
	}

	// --- Bot ---
	svc := service.NewSubscriptionService(users, subs, marzban, invoicer, locks, cfg.Crypto.InvoiceTTL, logger.Named("service"))
	teleBot, err := bot.New(cfg, svc, logger.Named("bot"))
	if err != nil {
		_ = shutdown(logger, scheduler, nil, nil)
		return err
	}

	// --- Echo ---
	e := echo.New()
	e.HideBanner = true
	router.Setup(e, logger, cfg.Bot.WebhookSecret, locks, teleBot.WebhookHandler())

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	go func() {
		logger.Info("Starting server", zap.String("addr", addr))
		if err := e.Start(addr); err != nil {
			logger.Info("Server stopped", zap.Error(err))
		}
	}()

	go teleBot.Start()

	waitForSignal()
	return shutdown(logger, scheduler, teleBot, e)
}

func waitForSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
}

func shutdown(logger *zap.Logger, scheduler *cronpkg.Scheduler, teleBot *bot.Bot, e *echo.Echo) error {
	logger.Info("Shutting down...")

	if teleBot != nil {
		teleBot.Stop()
	}

	// Stop cron and wait for the running cycle
	ctx := scheduler.Stop()
	<-ctx.Done()

	if e != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server forced to shutdown", zap.Error(err))
		}
	}

	logger.Info("Server exited")
	return nil
}

func hasArg(name string) bool {
	for _, arg := range os.Args[1:] {
		if arg == name {
			return true
		}
	}
	return false
}

func runDBMaintenance(logger *zap.Logger, fn func(*gorm.DB) error) error {
	dbCfg, err := config.LoadDatabaseOnly()
	if err != nil {
		return err
	}
	db, err := config.NewDatabase(dbCfg, false, logger)
	if err != nil {
		return err
	}
	return fn(db)
}
