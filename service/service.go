// Package service runs the host's auxiliary HTTP servers: health and metrics.
package service

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-testctl/metrics"
)

const (
	HealthzHost = "0.0.0.0"
	HealthzPort = "8080"

	MetricsHost = "0.0.0.0"
	MetricsPort = "7300"
)

// Config selects what the service serves. A zero Config serves healthz on
// the default address and no metrics.
type Config struct {
	HealthzAddr    string
	MetricsEnabled bool
	MetricsAddr    string
	Ready          func() bool
	Log            log.Logger
}

// MetricsAddr joins a metrics listen host and port
func MetricsAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

type Service struct {
	Healthz *HealthzServer
	Metrics *MetricsServer

	cfg Config
	log log.Logger
}

func New(cfg Config) *Service {
	if cfg.Log == nil {
		cfg.Log = log.Root()
	}
	if cfg.HealthzAddr == "" {
		cfg.HealthzAddr = net.JoinHostPort(HealthzHost, HealthzPort)
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = net.JoinHostPort(MetricsHost, MetricsPort)
	}
	s := &Service{
		Healthz: &HealthzServer{Ready: cfg.Ready, Log: cfg.Log},
		cfg:     cfg,
		log:     cfg.Log,
	}
	if cfg.MetricsEnabled {
		s.Metrics = &MetricsServer{}
	}
	return s
}

func (s *Service) Start(ctx context.Context) {
	s.log.Info("service starting")

	go func() {
		s.log.Info("starting healthz server", "addr", s.cfg.HealthzAddr)
		if err := s.Healthz.Start(ctx, s.cfg.HealthzAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("error starting healthz server", "err", err)
			metrics.RecordErrorDetails("healthz", err)
		}
	}()

	if s.Metrics != nil {
		go func() {
			s.log.Info("starting metrics server", "addr", s.cfg.MetricsAddr)
			if err := s.Metrics.Start(ctx, s.cfg.MetricsAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("error starting metrics server", "err", err)
				metrics.RecordErrorDetails("metrics", err)
			}
		}()
	}

	s.log.Info("service started")
}

func (s *Service) Shutdown() {
	s.log.Info("service shutting down")

	_ = s.Healthz.Shutdown()
	s.log.Info("healthz stopped")

	if s.Metrics != nil {
		_ = s.Metrics.Shutdown()
		s.log.Info("metrics stopped")
	}

	s.log.Info("service stopped")
}
