package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/nidhogg/sentio/internal/alert"
	"github.com/nidhogg/sentio/internal/api"
	"github.com/nidhogg/sentio/internal/config"
	"github.com/nidhogg/sentio/internal/delivery"
	"github.com/nidhogg/sentio/internal/embedding"
	"github.com/nidhogg/sentio/internal/eventbus"
	"github.com/nidhogg/sentio/internal/gateway"
	"github.com/nidhogg/sentio/internal/graph"
	"github.com/nidhogg/sentio/internal/heartbeat"
	"github.com/nidhogg/sentio/internal/logging"
	"github.com/nidhogg/sentio/internal/memory"
	"github.com/nidhogg/sentio/internal/mirror"
	"github.com/nidhogg/sentio/internal/modules"
	"github.com/nidhogg/sentio/internal/orchestrator"
	"github.com/nidhogg/sentio/internal/state"
	"github.com/nidhogg/sentio/internal/store"
	"github.com/nidhogg/sentio/internal/synth"
	"github.com/nidhogg/sentio/internal/vectorstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// serve wires every component, runs until SIGINT/SIGTERM and shuts down
// in reverse order. Optional backends that fail to connect are logged and
// skipped; only failing to bind the listener is fatal.
func serve(parent context.Context, cfg *config.Config) error {
	logger, closeLog, err := logging.New(logging.Options{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		File:        cfg.Log.File,
		MaxSizeMB:   cfg.Log.MaxSizeMB,
		MaxBackups:  cfg.Log.MaxBackups,
		MaxAgeDays:  cfg.Log.MaxAgeDays,
	})
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Background writers exit on ctx, so cancel before waiting on them.
	var cleanups []func()
	defer func() {
		stop()
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}()

	bus := eventbus.New(eventbus.DefaultHistorySize, logger)
	owner := state.NewOwner(state.Default(), bus, logger)

	// Memory: embedder, optional qdrant index, optional export observers.
	embedder := embedding.New(cfg.Embedding.Options())
	var index memory.VectorIndex
	if cfg.Database.Qdrant.Host != "" {
		idx, closeIdx, err := openQdrant(ctx, cfg.Database.Qdrant, embedder.Dimension())
		if err != nil {
			logger.Warn("Qdrant unavailable, using in-process index", zap.Error(err))
		} else {
			index = idx
			cleanups = append(cleanups, closeIdx)
			logger.Info("Qdrant index ready", zap.String("collection", cfg.Database.Qdrant.Collection))
		}
	}
	mem := memory.NewStore(cfg.Memory.Options(), embedder, index, bus, logger)

	if dsn := cfg.Database.Postgres.DSN; dsn != "" {
		pg, err := store.New(ctx, dsn, logger)
		if err != nil {
			logger.Warn("PostgreSQL unavailable, running without memory archive", zap.Error(err))
		} else {
			if err := pg.Migrate(ctx, cfg.Database.Postgres.MigrationsDir); err != nil {
				logger.Warn("archive migration failed", zap.Error(err))
			}
			obs := memory.NewAsyncObserver(pg, 256, logger)
			mem.AddObserver(obs)
			cleanups = append(cleanups, pg.Close, obs.Close)
		}
	}
	if uri := cfg.Database.Neo4j.URI; uri != "" {
		g, err := graph.NewExporter(ctx, uri, cfg.Database.Neo4j.User, cfg.Database.Neo4j.Password, logger)
		if err != nil {
			logger.Warn("Neo4j unavailable, running without cluster graph", zap.Error(err))
		} else {
			obs := memory.NewAsyncObserver(g, 64, logger)
			mem.AddObserver(obs)
			cleanups = append(cleanups, func() { _ = g.Close(context.Background()) }, obs.Close)
		}
	}

	// Orchestrator with its modules and transforms.
	var synthesizer synth.Synthesizer
	if cfg.Synth.Enabled() {
		synthesizer = synth.NewOpenAI(cfg.Synth.Options(), logger)
	} else {
		logger.Info("No synthesis API key, replies use the local fallback")
	}
	orch := orchestrator.New(cfg.Orchestrator.Options(), owner, bus, synthesizer, logger)
	for _, m := range []orchestrator.Module{
		modules.NewMemory(mem, cfg.Memory.RecallLimit, logger),
		modules.NewAwareness(),
		modules.NewCodegen(),
	} {
		if err := orch.Register(m); err != nil {
			return fmt.Errorf("register module: %w", err)
		}
	}
	orch.AddTransform(modules.Resonance{})

	// Delivery and gateway. The optimizer's sink is the hub.
	hub := gateway.NewHub(logger)
	opt := delivery.New(cfg.Delivery.Options(), hub.Deliver, logger)
	cleanups = append(cleanups, opt.Close)
	gw := gateway.NewServer(cfg.Gateway.Options(), hub, opt, orch, mem, logger)
	if _, err := gw.Attach(bus); err != nil {
		return fmt.Errorf("attach gateway: %w", err)
	}

	// Optional event mirror and ops alerts.
	if cfg.Mirror.URL != "" {
		m, err := mirror.Connect(ctx, cfg.Mirror.Options(), logger)
		if err != nil {
			logger.Warn("Redis unavailable, events are not mirrored", zap.Error(err))
		} else {
			m.Attach(bus)
			m.Start(ctx)
			cleanups = append(cleanups, func() { _ = m.Close() })
		}
	}
	dispatcher := buildAlerts(cfg.Alerts, logger)
	if dispatcher != nil {
		if _, err := dispatcher.Attach(bus); err != nil {
			return fmt.Errorf("attach alerts: %w", err)
		}
		dispatcher.Start(ctx)
		cleanups = append(cleanups, dispatcher.Wait)
	}

	// Heartbeat loops and cron maintenance.
	hb := heartbeat.New(cfg.Heartbeat.Options(), bus, owner, logger)
	hb.AddListener(orch)
	hb.AddListener(gw)
	jobs := heartbeat.NewMaintenance(logger)
	for _, j := range []struct {
		spec, name string
		fn         func(context.Context)
	}{
		{cfg.Maintenance.Consolidate, "memory_consolidation", func(ctx context.Context) { mem.Consolidate(ctx) }},
		{cfg.Maintenance.CacheSweep, "cache_sweep", func(context.Context) { opt.SweepCache() }},
		{cfg.Maintenance.PoolSweep, "connection_sweep", func(context.Context) { opt.SweepConnections() }},
		{cfg.Maintenance.BatchSweep, "stale_batch_sweep", func(context.Context) { opt.SweepBatches() }},
	} {
		if err := jobs.Add(j.spec, j.name, j.fn); err != nil {
			return err
		}
	}
	hb.Start(ctx)
	jobs.Start()
	cleanups = append(cleanups, hb.Stop, jobs.Stop)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		delivery.NewCollector("sentio", opt),
	)

	handler := api.NewHandler(api.Deps{
		Bus:          bus,
		Orchestrator: orch,
		Memory:       mem,
		Optimizer:    opt,
		Gateway:      gw,
		Heartbeat:    hb,
		Alerts:       dispatcher,
		Registry:     reg,
		CORSOrigins:  cfg.Server.CORSOrigins,
	}, logger)

	ln, err := net.Listen("tcp", cfg.Address())
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Address(), err)
	}
	srv := &http.Server{Handler: handler.Router()}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("sentio listening", zap.String("addr", ln.Addr().String()))
		serveErr <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	}

	logger.Info("Shutting down sentio...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.D())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	gw.Close()
	return nil
}

func openQdrant(ctx context.Context, cfg config.QdrantConfig, dim int) (memory.VectorIndex, func(), error) {
	client, err := vectorstore.NewClient(cfg.Options())
	if err != nil {
		return nil, nil, err
	}
	idx, err := vectorstore.NewIndex(ctx, client, cfg.Collection, dim)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return idx, func() { _ = client.Close() }, nil
}

func buildAlerts(cfg config.AlertConfig, logger *zap.Logger) *alert.Dispatcher {
	var notifiers []alert.Notifier
	if cfg.Slack.Enabled {
		notifiers = append(notifiers, alert.NewSlack(cfg.Slack.Options(), logger))
	}
	if cfg.Discord.Enabled {
		d, err := alert.NewDiscord(cfg.Discord.Options(), logger)
		if err != nil {
			logger.Warn("Discord alerts disabled", zap.Error(err))
		} else {
			notifiers = append(notifiers, d)
		}
	}
	if len(notifiers) == 0 {
		return nil
	}
	return alert.NewDispatcher(cfg.Options(), logger, notifiers...)
}
