package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	testctl "github.com/ethereum-optimism/infra/op-testctl"
	"github.com/ethereum-optimism/infra/op-testctl/builder"
	"github.com/ethereum-optimism/infra/op-testctl/flags"
	"github.com/ethereum-optimism/infra/op-testctl/hosting"
	"github.com/ethereum-optimism/infra/op-testctl/service"
	"github.com/ethereum-optimism/optimism/op-service/cliapp"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
	oprpc "github.com/ethereum-optimism/optimism/op-service/rpc"
)

func serve(ctx *cli.Context, _ context.CancelCauseFunc) (cliapp.Lifecycle, error) {
	lgr := setupLogger(ctx)

	metricsCfg := opmetrics.ReadCLIConfig(ctx)
	if err := metricsCfg.Check(); err != nil {
		return nil, testctl.NewUsageError("serve", err)
	}

	cfg := hosting.Config{
		IPCPath:        ctx.String(flags.IPCPath.Name),
		AllowedOrigins: ctx.StringSlice(flags.AllowedOrigins.Name),
		Log:            lgr,
	}
	if !ctx.Bool(flags.WSDisabled.Name) {
		rpcCfg := oprpc.ReadCLIConfig(ctx)
		cfg.WSAddr = net.JoinHostPort(rpcCfg.ListenAddr, strconv.Itoa(rpcCfg.ListenPort))
	}
	if cfg.IPCPath == "" && cfg.WSAddr == "" {
		return nil, testctl.NewUsageError("serve", errors.New("no transport: set --ipc.path or enable websocket"))
	}

	host, err := hosting.NewHost(cfg)
	if err != nil {
		return nil, testctl.NewRuntimeError(fmt.Errorf("failed to create host: %w", err))
	}

	manifests := builder.NewManifestBuilder(lgr)
	for _, path := range ctx.StringSlice(flags.Manifests.Name) {
		m, err := manifests.Build(ctx.Context, path, nil)
		if err != nil {
			return nil, &testctl.LoadError{ModuleRef: path, Err: err}
		}
		host.RegisterModule(m.Name(), m)
		lgr.Info("Registered module", "name", m.Name(), "manifest", path)
	}

	svc := service.New(service.Config{
		HealthzAddr:    ctx.String(flags.HealthzAddr.Name),
		MetricsEnabled: metricsCfg.Enabled,
		MetricsAddr:    service.MetricsAddr(metricsCfg.ListenAddr, metricsCfg.ListenPort),
		Ready:          func() bool { return !host.Stopped() },
		Log:            lgr,
	})
	return &server{host: host, svc: svc, log: lgr}, nil
}

// server runs the host together with its health and metrics endpoints
type server struct {
	host *hosting.Host
	svc  *service.Service
	log  log.Logger
}

var _ cliapp.Lifecycle = (*server)(nil)

func (s *server) Start(ctx context.Context) error {
	if err := s.host.Start(ctx); err != nil {
		return err
	}
	s.svc.Start(ctx)
	return nil
}

func (s *server) Stop(ctx context.Context) error {
	err := s.host.Stop(ctx)
	s.svc.Shutdown()
	return err
}

func (s *server) Stopped() bool {
	return s.host.Stopped()
}
