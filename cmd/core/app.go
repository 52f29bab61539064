package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/asotonet/isp-billing/internal/bus"
	"github.com/asotonet/isp-billing/internal/config"
	"github.com/asotonet/isp-billing/internal/contracts"
	"github.com/asotonet/isp-billing/internal/events"
	"github.com/asotonet/isp-billing/internal/logging"
	"github.com/asotonet/isp-billing/internal/routers"
	"github.com/asotonet/isp-billing/internal/secrets"
	"github.com/asotonet/isp-billing/internal/storage/sqlstore"
)

// app holds the process-wide services shared by every command.
type app struct {
	cfg   config.Config
	log   *zap.Logger
	store *sqlstore.Store
	sec   *secrets.Secrets
}

func bootstrap(envFiles []string) (*app, error) {
	cfg, err := config.Load(envFiles...)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	sec, err := secrets.New(cfg.Secrets.Key, cfg.Secrets.Dir)
	if err != nil {
		return nil, fmt.Errorf("secrets: %w", err)
	}
	store, err := sqlstore.Open(cfg.DB.Path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.DB.Path, err)
	}
	return &app{cfg: cfg, log: log, store: store, sec: sec}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.log.Warn("close database", zap.Error(err))
	}
	_ = a.log.Sync()
}

func (a *app) connector() *routers.Connector {
	return routers.NewConnector(a.sec, a.cfg.MikroTik.Timeout, a.log)
}

func (a *app) recorder(pub bus.Publisher) (*events.Recorder, error) {
	return events.NewRecorder(a.store, pub, a.cfg.NATS.Prefix, a.log)
}

func (a *app) routerService(conn *routers.Connector, rec *events.Recorder) *routers.Service {
	return routers.NewService(a.store, conn, rec, a.log, routers.WithDefaultPort(a.cfg.MikroTik.DefaultPort))
}

func (a *app) propagator(conn *routers.Connector) *contracts.PlanPropagator {
	return contracts.NewPlanPropagator(a.store, contracts.Connect(conn), a.log)
}
