package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaypbx/relaypbx/internal/config"
	"github.com/relaypbx/relaypbx/internal/event"
	"github.com/relaypbx/relaypbx/internal/metrics"
	sipserver "github.com/relaypbx/relaypbx/internal/sip"
	"github.com/relaypbx/relaypbx/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Structured logging, text or json, configurable level.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting relaypbx",
		"sip_addr", cfg.ListenUDPAddr,
		"realm", cfg.Realm,
		"rtp_ports", fmt.Sprintf("%d-%d", cfg.RTPPortMin, cfg.RTPPortMax),
		"auto_answer", cfg.AutoAnswer,
	)

	// Embedded database for users; CDRs go to PostgreSQL when configured.
	db, err := store.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	users := store.NewUserRepository(db)

	var cdrs store.CDRRepository
	if cfg.PostgresDSN != "" {
		pgCtx, pgCancel := context.WithTimeout(context.Background(), 10*time.Second)
		cdrs, err = store.NewPostgresCDRRepository(pgCtx, cfg.PostgresDSN)
		pgCancel()
		if err != nil {
			slog.Error("failed to connect to postgres cdr store", "error", err)
			os.Exit(1)
		}
		slog.Info("cdr store: postgresql")
	} else {
		cdrs = store.NewCDRRepository(db)
		slog.Info("cdr store: embedded sqlite")
	}

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	bus := event.NewBus(logger)
	defer bus.Close()

	sipSrv, err := sipserver.NewServer(cfg, users, cdrs, bus, nil)
	if err != nil {
		slog.Error("failed to create sip server", "error", err)
		os.Exit(1)
	}
	if err := sipSrv.Start(appCtx); err != nil {
		slog.Error("failed to start sip server", "error", err)
		os.Exit(1)
	}

	// Prometheus metrics endpoint, when configured.
	if cfg.MetricsAddr != "" {
		collector := metrics.NewCollector(
			sipSrv.Router(),
			sipSrv.Registrar(),
			sipSrv.PortPool(),
			bus,
			time.Now(),
		)
		go func() {
			if err := metrics.Serve(appCtx, cfg.MetricsAddr, collector); err != nil {
				slog.Error("metrics server error", "error", err)
			}
		}()
	}

	// CDR retention sweep once a day.
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-appCtx.Done():
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(appCtx, time.Minute)
				deleted, err := cdrs.DeleteOlderThan(ctx, 90)
				cancel()
				if err != nil {
					slog.Error("cdr retention sweep failed", "error", err)
				} else if deleted > 0 {
					slog.Info("cdr retention sweep", "deleted", deleted)
				}
			}
		}
	}()

	// Wait for interrupt.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	slog.Info("received shutdown signal", "signal", sig.String())

	sipSrv.Stop()
	appCancel()

	slog.Info("relaypbx stopped")
}
