package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/honeycombio/otel-config-go/otelconfig"
	"github.com/urfave/cli/v2"

	testctl "github.com/ethereum-optimism/infra/op-testctl"
	"github.com/ethereum-optimism/infra/op-testctl/exitcodes"
	"github.com/ethereum-optimism/infra/op-testctl/flags"
	"github.com/ethereum-optimism/optimism/devnet-sdk/telemetry"
	"github.com/ethereum-optimism/optimism/op-service/cliapp"
	"github.com/ethereum-optimism/optimism/op-service/ctxinterrupt"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
)

var (
	Version   = "v0.1.0"
	GitCommit = ""
	GitDate   = ""
)

func main() {
	app := newApp()

	// Start telemetry
	ctx, shutdown, err := telemetry.SetupOpenTelemetry(
		context.Background(),
		otelconfig.WithServiceName(app.Name),
		otelconfig.WithServiceVersion(app.Version),
	)
	if err != nil {
		log.Crit("Failed to setup open telemetry", "message", err)
	}
	defer shutdown()

	ctx = ctxinterrupt.WithSignalWaiterMain(ctx)
	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Crit("Application failed", "message", err)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Version = fmt.Sprintf("%s-%s-%s", Version, GitCommit, GitDate)
	app.Name = "op-testctl"
	app.Usage = "Test execution controller"
	app.Description = "op-testctl hosts test controllers and drives them across a process boundary"
	app.Flags = cliapp.ProtectFlags(flags.Flags)
	app.Commands = []*cli.Command{
		{
			Name:   "serve",
			Usage:  "Host controllers on a unix socket and a websocket",
			Flags:  cliapp.ProtectFlags(flags.ServeFlags),
			Action: cliapp.LifecycleCmd(serve),
		},
		{
			Name:   "explore",
			Usage:  "Print the tests selected by --filter",
			Flags:  cliapp.ProtectFlags(flags.DriverFlags),
			Action: explore,
		},
		{
			Name:   "count",
			Usage:  "Print how many tests --filter selects",
			Flags:  cliapp.ProtectFlags(flags.DriverFlags),
			Action: count,
		},
		{
			Name:   "run",
			Usage:  "Run the tests selected by --filter and report the results",
			Flags:  cliapp.ProtectFlags(flags.RunFlags),
			Action: run,
		},
	}
	app.ExitErrHandler = func(c *cli.Context, err error) {
		if err == nil {
			return
		}
		var exitErr cli.ExitCoder
		if errors.As(err, &exitErr) {
			cli.HandleExitCoder(exitErr)
			return
		}
		cli.HandleExitCoder(cli.Exit(err.Error(), exitCode(err)))
	}
	return app
}

// exitCode maps a command error onto the process exit code
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitcodes.Success
	case testctl.IsTestFailureError(err):
		return exitcodes.TestFailure
	default:
		// everything else stopped the action before a result existed
		return exitcodes.RuntimeErr
	}
}

func setupLogger(ctx *cli.Context) log.Logger {
	logCfg := oplog.ReadCLIConfig(ctx)
	lgr := oplog.NewLogger(oplog.AppOut(ctx), logCfg)
	oplog.SetGlobalLogHandler(lgr.Handler())
	oplog.SetupDefaults()
	return lgr
}
