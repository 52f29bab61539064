// Package embeddednats runs an in-process JetStream server for single-node
// deployments that have no external broker.
package embeddednats

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	natssrv "github.com/nats-io/nats-server/v2/server"
)

type Config struct {
	Host string
	// Port 0 selects 14222; a negative port picks a random free one.
	Port int
	// HTTPPort enables the monitoring endpoint when non-zero.
	HTTPPort int
	StoreDir string
}

type Server struct {
	s *natssrv.Server
}

func Start(cfg Config) (*Server, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	switch {
	case cfg.Port == 0:
		cfg.Port = 14222
	case cfg.Port < 0:
		cfg.Port = natssrv.RANDOM_PORT
	}
	if cfg.StoreDir == "" {
		cfg.StoreDir = "data/nats"
	}
	if err := os.MkdirAll(cfg.StoreDir, 0o755); err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(cfg.StoreDir)
	if err != nil {
		return nil, err
	}

	opts := &natssrv.Options{
		ServerName: "isp-billing-nats",
		Host:       cfg.Host,
		Port:       cfg.Port,
		JetStream:  true,
		StoreDir:   abs,
		NoSigs:     true,
		NoLog:      true,
	}
	if cfg.HTTPPort != 0 {
		opts.HTTPHost = cfg.Host
		opts.HTTPPort = cfg.HTTPPort
	}

	s, err := natssrv.NewServer(opts)
	if err != nil {
		return nil, err
	}
	go s.Start()
	if !s.ReadyForConnections(5 * time.Second) {
		s.Shutdown()
		return nil, fmt.Errorf("embedded nats not ready on %s:%d", cfg.Host, cfg.Port)
	}
	return &Server{s: s}, nil
}

// ClientURL is the nats:// address clients should dial.
func (s *Server) ClientURL() string { return s.s.ClientURL() }

func (s *Server) Shutdown() {
	if s == nil || s.s == nil {
		return
	}
	s.s.Shutdown()
	s.s.WaitForShutdown()
}
