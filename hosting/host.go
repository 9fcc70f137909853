package hosting

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum-optimism/optimism/op-service/cliapp"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/cors"

	"github.com/ethereum-optimism/infra/op-testctl/metrics"
	"github.com/ethereum-optimism/infra/op-testctl/runner"
)

// Config selects the transports a Host listens on. Empty values disable them.
type Config struct {
	IPCPath string // Unix socket path
	WSAddr  string // host:port for websocket and HTTP JSON-RPC
	// CORS origins for HTTP and websocket clients, defaults to all
	AllowedOrigins []string
	Log            log.Logger
}

// Host serves controllers to remote drivers
type Host struct {
	cfg     Config
	log     log.Logger
	handles *HandleTable
	api     *API
	srv     *rpc.Server

	ipcListener net.Listener
	httpServer  *http.Server
	httpAddr    net.Addr

	stopped atomic.Bool
}

var _ cliapp.Lifecycle = (*Host)(nil)

// NewHost creates a host; nothing listens until Start
func NewHost(cfg Config) (*Host, error) {
	if cfg.Log == nil {
		cfg.Log = log.Root()
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	handles := NewHandleTable(cfg.Log)
	api := newAPI(cfg.Log, handles)
	srv := rpc.NewServer()
	if err := srv.RegisterName(Namespace, api); err != nil {
		return nil, fmt.Errorf("failed to register %s api: %w", Namespace, err)
	}
	return &Host{
		cfg:     cfg,
		log:     cfg.Log,
		handles: handles,
		api:     api,
		srv:     srv,
	}, nil
}

// RegisterModule makes a resolved module available to CreateArgs.Module
func (h *Host) RegisterModule(name string, m runner.Module) {
	h.api.registerModule(name, m)
}

// Handles returns the host's handle table
func (h *Host) Handles() *HandleTable { return h.handles }

// InProc returns a client that talks to the host without a transport
func (h *Host) InProc() *rpc.Client {
	return rpc.DialInProc(h.srv)
}

// Start opens the configured listeners
func (h *Host) Start(ctx context.Context) error {
	if h.cfg.IPCPath != "" {
		if err := h.startIPC(); err != nil {
			return err
		}
	}
	if h.cfg.WSAddr != "" {
		if err := h.startHTTP(); err != nil {
			return errors.Join(err, h.closeIPC())
		}
	}
	h.log.Info("Host started", "ipc", h.cfg.IPCPath, "ws", h.WSEndpoint())
	return nil
}

func (h *Host) startIPC() error {
	// a stale socket from an earlier run blocks the listener
	if err := os.Remove(h.cfg.IPCPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}
	l, err := net.Listen("unix", h.cfg.IPCPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.cfg.IPCPath, err)
	}
	h.ipcListener = l
	go func() {
		if err := h.srv.ServeListener(l); err != nil && !errors.Is(err, net.ErrClosed) {
			h.log.Error("IPC listener stopped", "err", err)
			metrics.RecordErrorDetails("ipc", err)
		}
	}()
	return nil
}

func (h *Host) startHTTP() error {
	l, err := net.Listen("tcp", h.cfg.WSAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.cfg.WSAddr, err)
	}
	h.httpAddr = l.Addr()
	h.httpServer = &http.Server{
		Handler:           h.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := h.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.log.Error("HTTP listener stopped", "err", err)
			metrics.RecordErrorDetails("http", err)
		}
	}()
	return nil
}

// handler serves websocket upgrades and plain HTTP JSON-RPC on one port
func (h *Host) handler() http.Handler {
	ws := h.srv.WebsocketHandler(h.cfg.AllowedOrigins)
	c := cors.New(cors.Options{
		AllowedOrigins: h.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodPost, http.MethodGet},
		AllowedHeaders: []string{"*"},
	})
	httpRPC := c.Handler(h.srv)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isWebsocket(r) {
			ws.ServeHTTP(w, r)
			return
		}
		httpRPC.ServeHTTP(w, r)
	})
}

func isWebsocket(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// WSEndpoint returns the websocket URL, or "" when websocket is disabled
func (h *Host) WSEndpoint() string {
	if h.httpAddr == nil {
		return ""
	}
	return "ws://" + h.httpAddr.String()
}

// IPCEndpoint returns the socket path, or ""
func (h *Host) IPCEndpoint() string {
	return h.cfg.IPCPath
}

// Stop releases every controller and closes the listeners
func (h *Host) Stop(ctx context.Context) error {
	if h.stopped.Swap(true) {
		return nil
	}
	h.log.Info("Host stopping", "controllers", h.handles.Len())
	h.handles.Close()

	var result error
	if h.httpServer != nil {
		if err := h.httpServer.Shutdown(ctx); err != nil {
			result = errors.Join(result, fmt.Errorf("failed to stop HTTP server: %w", err))
		}
	}
	result = errors.Join(result, h.closeIPC())
	h.srv.Stop()
	h.log.Info("Host stopped")
	return result
}

func (h *Host) closeIPC() error {
	if h.ipcListener == nil {
		return nil
	}
	err := h.ipcListener.Close()
	h.ipcListener = nil
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("failed to close IPC listener: %w", err)
	}
	return nil
}

func (h *Host) Stopped() bool {
	return h.stopped.Load()
}
