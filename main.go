package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"recon-core/internal/api"
	"recon-core/internal/events"
	"recon-core/internal/gateway"
	"recon-core/internal/monitor"
	"recon-core/internal/persistence"
	"recon-core/internal/reconcile"
	"recon-core/pkg/config"
	"recon-core/pkg/db"
)

const version = "1.0.0"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	log.Info().Str("account", cfg.Account).Bool("dry_run", cfg.DryRun).Str("port", cfg.Port).
		Msg("reconciliation core starting")

	tuning, err := reconcile.LoadConfig(cfg.ReconcilerConfigPath)
	if err != nil {
		log.Fatal().Err(err).Msg("reconciler config load failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("database init failed")
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatal().Err(err).Msg("database migrations failed")
	}

	bus := events.NewBus()

	// Venue session: the dry-run session stands in for a live terminal
	// bridge when no venue is attached.
	var session gateway.Session = gateway.NewDryRunSession()
	if !cfg.DryRun {
		log.Warn().Msg("no live venue bridge configured; using dry-run session")
	}
	venue := gateway.NewVenue(session, cfg.VenueRateLimit, cfg.VenueBurst)

	writer := persistence.NewEventWriter(database, 50, 500*time.Millisecond)
	defer writer.Close()

	snapshot := reconcile.NewSnapshot()
	recompute := reconcile.NewRecomputeSet()

	newOrder := func() *reconcile.OrderReconciler {
		return reconcile.NewOrderReconciler(database, venue, bus, writer, tuning, cfg.Account, cfg.InstanceID, snapshot, recompute)
	}
	newCycle := func() *reconcile.CycleReconciler {
		return reconcile.NewCycleReconciler(database, venue, bus, writer, tuning, cfg.Account, cfg.InstanceID, snapshot, recompute)
	}

	supervisor := reconcile.NewSupervisor(tuning, bus, writer, cfg.Account, cfg.InstanceID, newOrder, newCycle)
	metrics := monitor.NewEngineMetrics()
	supervisor.SetRecorder(metrics)
	writer.SetFlushRecorder(metrics.FlushLatency)

	if err := supervisor.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("supervisor start failed")
	}
	defer supervisor.Stop()

	mon := &monitor.Monitor{
		Bus: bus,
		AlertFn: func(topic, payload string) {
			log.Warn().Str("topic", topic).Str("event", payload).Msg("alert")
		},
	}
	mon.Start(ctx)

	meta := api.SystemMeta{Account: cfg.Account, DryRun: cfg.DryRun, Version: version}
	server := api.NewServer(bus, database, supervisor, metrics, meta, cfg.JWTSecret)

	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Error().Err(err).Msg("http server stopped")
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		log.Info().Str("signal", s.String()).Msg("shutting down")
	case <-ctx.Done():
	}
}
