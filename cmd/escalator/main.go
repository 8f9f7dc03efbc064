// The escalator runs attendance escalation scans. By default it performs a
// single scan and exits, which is what an external cron scheduler wants;
// with -interval it stays up and scans on a ticker.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/yitingw/shiftpulse/internal/config"
	"github.com/yitingw/shiftpulse/internal/db"
	"github.com/yitingw/shiftpulse/internal/escalate"
	"github.com/yitingw/shiftpulse/internal/fcm"
	"github.com/yitingw/shiftpulse/internal/observ"
	"github.com/yitingw/shiftpulse/internal/push"
)

func main() {
	interval := flag.Duration("interval", 0, "scan on this interval instead of running once")
	flag.Parse()

	if err := run(*interval); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(interval time.Duration) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.FirebaseServiceAccount == "" {
		return fmt.Errorf("FIREBASE_SERVICE_ACCOUNT is required")
	}
	account, err := fcm.ParseServiceAccount([]byte(cfg.FirebaseServiceAccount))
	if err != nil {
		return fmt.Errorf("failed to parse service account: %w", err)
	}

	ctx := context.Background()
	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)
	minter := fcm.NewMinter(account, logger)
	sender := fcm.NewClient(account.ProjectID, logger)
	dispatcher := push.NewDispatcher(repo, minter, sender, logger)
	engine := escalate.New(repo, repo, dispatcher, logger)

	if interval <= 0 {
		report, err := engine.Scan(ctx)
		if err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		logger.Info("scan finished",
			zap.Int("sessions", report.Sessions),
			zap.Int("fired", report.Fired),
		)
		return nil
	}

	logger.Info("escalator running on interval", zap.Duration("interval", interval))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-shutdown
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	engine.Run(runCtx, interval)
	return nil
}
