package service

import (
	"context"
	"net/http"

	"github.com/ethereum/go-ethereum/log"
	"github.com/rs/cors"
)

// HealthzServer answers liveness probes. When Ready is set, /healthz fails
// until it reports true.
type HealthzServer struct {
	Ready func() bool
	Log   log.Logger

	ctx    context.Context
	server *http.Server
}

func (h *HealthzServer) Start(ctx context.Context, addr string) error {
	hdlr := http.NewServeMux()
	hdlr.HandleFunc("/healthz", h.Handle)
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
	})
	server := &http.Server{
		Handler: c.Handler(hdlr),
		Addr:    addr,
	}
	h.server = server
	h.ctx = ctx
	return h.server.ListenAndServe()
}

func (h *HealthzServer) Shutdown() error {
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(h.ctx)
}

func (h *HealthzServer) Handle(w http.ResponseWriter, r *http.Request) {
	h.logger().Debug("Received health check request", "path", r.URL.Path)
	if h.Ready != nil && !h.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("NOT READY")) //nolint:errcheck
		return
	}
	w.Write([]byte("OK")) //nolint:errcheck
}

func (h *HealthzServer) logger() log.Logger {
	if h.Log == nil {
		return log.Root()
	}
	return h.Log
}
