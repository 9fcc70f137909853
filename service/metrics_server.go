package service

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsServer exposes the prometheus registry on /metrics
type MetricsServer struct {
	// Gatherer defaults to the global registry the metrics package registers with
	Gatherer prometheus.Gatherer

	ctx    context.Context
	server *http.Server
}

func (m *MetricsServer) Start(ctx context.Context, addr string) error {
	gatherer := m.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	hdlr := http.NewServeMux()
	hdlr.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	m.server = &http.Server{
		Handler: hdlr,
		Addr:    addr,
	}
	m.ctx = ctx
	return m.server.ListenAndServe()
}

func (m *MetricsServer) Shutdown() error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(m.ctx)
}
