package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/asotonet/isp-billing/internal/api"
	"github.com/asotonet/isp-billing/internal/bus"
	"github.com/asotonet/isp-billing/internal/bus/embeddednats"
	"github.com/asotonet/isp-billing/internal/bus/natsjs"
	"github.com/asotonet/isp-billing/internal/contracts"
	"github.com/asotonet/isp-billing/internal/monitor"
	"github.com/asotonet/isp-billing/internal/scheduler"
	"github.com/asotonet/isp-billing/internal/version"
)

func newServeCommand(envFiles *[]string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, router monitor and maintenance jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(*envFiles)
			if err != nil {
				return err
			}
			defer a.close()
			return serve(cmd.Context(), a)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	log, cfg := a.log, a.cfg
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	log.Info("starting isp core", zap.String("version", version.String()))

	// Embedded NATS starts before any client connects.
	var emb *embeddednats.Server
	if cfg.NATS.Enabled && cfg.NATS.Embedded {
		s, err := embeddednats.Start(embeddednats.Config{
			Host:     cfg.NATS.Host,
			Port:     cfg.NATS.Port,
			HTTPPort: cfg.NATS.HTTPPort,
			StoreDir: cfg.NATS.StoreDir,
		})
		if err != nil {
			log.Warn("embedded nats start failed", zap.Error(err))
		} else {
			emb = s
			defer emb.Shutdown()
			log.Info("embedded nats started", zap.String("url", emb.ClientURL()))
		}
	}

	var pub bus.Publisher
	if cfg.NATS.Enabled {
		nc, err := natsjs.Connect(natsjs.Config{
			URL:     cfg.NATS.URL,
			Prefix:  cfg.NATS.Prefix,
			Timeout: cfg.NATS.Timeout,
			MaxAge:  cfg.Events.Retention,
		}, log)
		switch {
		case err != nil:
			log.Warn("nats unavailable; router events are stored only", zap.Error(err))
		default:
			defer func() { _ = nc.Close() }()
			if err := nc.EnsureStreams(); err != nil {
				log.Warn("ensure jetstream stream", zap.Error(err))
			}
			pub = nc
		}
	}

	rec, err := a.recorder(pub)
	if err != nil {
		return err
	}
	conn := a.connector()
	rs := a.routerService(conn, rec)
	plans := a.propagator(conn)
	syncer := contracts.NewSynchronizer(a.store, contracts.Connect(conn), a.sec, log)
	cs := contracts.NewService(a.store, syncer, plans, rs, a.sec, log)

	var wg sync.WaitGroup
	if cfg.Monitor.Enabled {
		mon := monitor.New(monitor.Config{
			Interval:     cfg.Monitor.Interval,
			ProbeTimeout: cfg.Monitor.ProbeTimeout,
			Concurrency:  cfg.Monitor.Concurrency,
		}, a.store, rec, monitor.FetchWith(conn), log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = mon.Run(ctx)
		}()
	}

	sched := scheduler.New(log)
	if cfg.Events.Retention > 0 {
		if err := sched.Add(scheduler.RetentionJob(rec, cfg.Events.Retention, cfg.Events.PruneInterval)); err != nil {
			return err
		}
	}
	sched.Start(ctx)

	ln, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:      api.NewHandler(rs, cs, plans, rec, log).Routes(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("http listening", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err = <-serveErr:
		log.Error("http serve", zap.Error(err))
	}

	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer done()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.Warn("http shutdown", zap.Error(serr))
	}
	wg.Wait()
	sched.Wait()
	plans.Wait()
	log.Info("isp core stopped")
	return err
}
