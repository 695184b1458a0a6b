// Command kuroibara-server is the Service API entrypoint: it wires the
// Rate Controller, Proxy Pool, Source Adapter Registry, Health Monitor,
// Tiered Search Engine and Download Scheduler into one process and serves
// them over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Futs/kuroibara-sub003/internal/api"
	"github.com/Futs/kuroibara-sub003/internal/config"
	"github.com/Futs/kuroibara-sub003/internal/health"
	"github.com/Futs/kuroibara-sub003/internal/logging"
	"github.com/Futs/kuroibara-sub003/internal/models"
	"github.com/Futs/kuroibara-sub003/internal/proxypool"
	"github.com/Futs/kuroibara-sub003/internal/ratecontrol"
	"github.com/Futs/kuroibara-sub003/internal/registry"
	"github.com/Futs/kuroibara-sub003/internal/scheduler"
	"github.com/Futs/kuroibara-sub003/internal/search"
	"github.com/Futs/kuroibara-sub003/internal/store/postgres"
)

func main() {
	var configFile = flag.String("config", "", "Path to a JSON configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kuroibara-server: %v\n", err)
		os.Exit(1)
	}

	log := buildLogger(cfg.Logging)
	logging.InitGlobal(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := postgres.Open(ctx, &postgres.Config{
		ConnectionString: cfg.Database.DSN,
		MaxConnections:   cfg.Database.MaxConnections,
		ConnectTimeout:   cfg.Database.ConnectTimeout,
		MigrationsPath:   cfg.Database.MigrationsPath,
	})
	if err != nil {
		log.Errorf("connect to database: %v", err)
		os.Exit(1)
	}
	if err := store.MigrateToLatest(ctx); err != nil {
		log.Errorf("run migrations: %v", err)
		os.Exit(1)
	}

	rateController := ratecontrol.NewController()

	proxyPool := proxypool.New(proxypool.Config{
		CanaryURL:     cfg.Proxy.CanaryURL,
		ProbeInterval: cfg.Proxy.ProbeInterval,
		DeadCooldown:  cfg.Proxy.DeadCooldown,
		ProbeTimeout:  cfg.Proxy.ProbeTimeout,
	})

	dispatcher := &registry.Dispatcher{
		RateController: rateController,
		ProxyPool:      proxyPool,
		SolverURL:      cfg.SolverURL,
		RequestTimeout: cfg.DispatcherTimeout,
	}

	sourceRegistry := registry.New(dispatcher, log)
	if err := sourceRegistry.Load(cfg.SourcesDir, cfg.CommunitySourcesDir); err != nil {
		log.Errorf("load source registry: %v", err)
		os.Exit(1)
	}
	if err := sourceRegistry.WatchCommunityDir(); err != nil {
		log.Warnf("community source live-reload disabled: %v", err)
	}

	healthMonitor := health.New(health.Config{
		WorkerCount:       cfg.Health.WorkerCount,
		DefaultInterval:   cfg.Health.CheckInterval,
		ProbeTimeout:      cfg.Health.ProbeTimeout,
		FailureThreshold:  cfg.Health.FailureThreshold,
		RecoveryThreshold: cfg.Health.RecoveryThreshold,
	}, healthSourceLister{sourceRegistry}, log)
	if err := healthMonitor.Start(ctx); err != nil {
		log.Errorf("start health monitor: %v", err)
		os.Exit(1)
	}

	searchEngine := search.New(search.Config{
		FanOut:       cfg.Search.FanOut,
		PerSourceTTL: cfg.Search.PerSourceTTL,
		CacheSize:    cfg.Search.CacheSize,
		CacheTTL:     cfg.Search.CacheTTL,
		IndexPath:    cfg.Search.IndexPath,
		IndexWorkers: cfg.Search.IndexWorkers,
	}, sourceRegistry, healthMonitor, log)

	clients := scheduler.NewClientRegistry(cfg.Scheduler.ClientPollEvery, cfg.Health.ProbeTimeout)
	if err := loadDownloadClients(cfg.DownloadClientsDir, clients, log); err != nil {
		log.Warnf("load download clients: %v", err)
	}
	clients.Start()

	post := newWebhookPostProcessor(cfg.PostProcessorURL, log)

	sched := scheduler.New(scheduler.Config{
		DirectWorkers:    cfg.Scheduler.DirectWorkers,
		TorrentWorkers:   cfg.Scheduler.TorrentWorkers,
		NZBWorkers:       cfg.Scheduler.NZBWorkers,
		ProgressInterval: cfg.Scheduler.ProgressPoll,
		OutputDir:        cfg.Scheduler.OutputDir,
	}, sourceRegistry, dispatcher, clients, post, log)
	if err := sched.Start(); err != nil {
		log.Errorf("start scheduler: %v", err)
		os.Exit(1)
	}

	if pending, err := store.ActiveOrQueuedDownloadJobs(ctx); err != nil {
		log.Warnf("load pending download jobs for reconciliation: %v", err)
	} else {
		sched.Reconcile(ctx, pending)
	}

	persistDone := runJobPersistence(ctx, sched, store, log)

	apiServer := api.New(searchEngine, healthMonitor, sched, sourceRegistry, log)

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      apiServer.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", cfg.HTTP.Addr)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			log.Errorf("http server: %v", err)
		}
	case <-ctx.Done():
		log.Infof("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warnf("http server shutdown: %v", err)
	}

	// Shut down in the reverse of construction order.
	sched.Shutdown()
	<-persistDone
	clients.Shutdown()
	searchEngine.Shutdown()
	healthMonitor.Shutdown()
	sourceRegistry.Shutdown()
	proxyPool.Shutdown()
	rateController.Shutdown()
	store.Close()
}

// healthSourceLister adapts registry.Registry's Get (which returns a
// registry.Source) to health.SourceLister's Get (which returns a
// health.Prober). A registry.Source always implements Prober, but the two
// are distinct named interface types, so the registry does not satisfy
// SourceLister without this thin conversion.
type healthSourceLister struct {
	reg *registry.Registry
}

func (h healthSourceLister) All() []models.SourceDescriptor { return h.reg.All() }

func (h healthSourceLister) Get(id string) (health.Prober, bool) {
	src, ok := h.reg.Get(id)
	if !ok {
		return nil, false
	}
	return src, true
}

func buildLogger(cfg config.LoggingConfig) *logging.Logger {
	var out io.Writer = os.Stdout
	if cfg.Output == "file" || cfg.Output == "both" {
		if cfg.File != "" {
			if f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644); err == nil {
				out = f
				if cfg.Output == "both" {
					out = io.MultiWriter(os.Stdout, f)
				}
			}
		}
	}
	format := logging.TextFormat
	if cfg.Format == "json" {
		format = logging.JSONFormat
	}
	return logging.New(logging.Config{
		Level:  logging.ParseLevel(cfg.Level),
		Format: format,
		Output: out,
	})
}
