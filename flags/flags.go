package flags

import (
	"fmt"

	"github.com/urfave/cli/v2"

	opservice "github.com/ethereum-optimism/optimism/op-service"
	opflags "github.com/ethereum-optimism/optimism/op-service/flags"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
	oprpc "github.com/ethereum-optimism/optimism/op-service/rpc"

	"github.com/ethereum-optimism/infra/op-testctl/filter"
)

const EnvVarPrefix = "OP_TESTCTL"

// Host flags
var (
	IPCPath = &cli.StringFlag{
		Name:    "ipc.path",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "IPC_PATH"),
		Usage:   "Unix socket to serve controllers on. Empty disables IPC.",
	}
	WSDisabled = &cli.BoolFlag{
		Name:    "ws.disabled",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "WS_DISABLED"),
		Usage:   "Do not serve websocket and HTTP JSON-RPC on rpc.addr:rpc.port",
	}
	AllowedOrigins = &cli.StringSliceFlag{
		Name:    "ws.origins",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "WS_ORIGINS"),
		Usage:   "Origins accepted from websocket clients (default all)",
	}
	HealthzAddr = &cli.StringFlag{
		Name:    "healthz.addr",
		Value:   "0.0.0.0:8080",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "HEALTHZ_ADDR"),
		Usage:   "Listen address of the health server",
	}
	Manifests = &cli.StringSliceFlag{
		Name:    "manifest",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "MANIFEST"),
		Usage:   "Manifest files whose modules are registered on the host by name",
	}
)

// Driver flags
var (
	Endpoint = &cli.StringFlag{
		Name:     "endpoint",
		Value:    "",
		Required: true,
		EnvVars:  opservice.PrefixEnvVar(EnvVarPrefix, "ENDPOINT"),
		Usage:    "Host to drive: a ws:// URL or a unix socket path",
	}
	ModuleRef = &cli.StringFlag{
		Name:    "module",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "MODULE"),
		Usage:   "Module the host builds (eg. './tests/...' or a manifest file)",
	}
	ModuleName = &cli.StringFlag{
		Name:    "module-name",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "MODULE_NAME"),
		Usage:   "Module registered on the host, instead of --module",
	}
	Filter = &cli.StringFlag{
		Name:    "filter",
		Value:   filter.Empty,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "FILTER"),
		Usage:   "Filter document selecting test cases",
	}
	Tests = &cli.StringSliceFlag{
		Name:    "test",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "TEST"),
		Usage:   "Select tests by full name, ignored when --filter is set",
	}
	Categories = &cli.StringSliceFlag{
		Name:    "category",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "CATEGORY"),
		Usage:   "Select tests by category, ignored when --filter is set",
	}
	Packages = &cli.StringSliceFlag{
		Name:    "package",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "PACKAGE"),
		Usage:   "Select tests by package, ignored when --filter is set",
	}
	ExcludeCategories = &cli.StringSliceFlag{
		Name:    "exclude-category",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "EXCLUDE_CATEGORY"),
		Usage:   "Leave out tests of these categories, ignored when --filter is set",
	}
	SettingsFile = &cli.StringFlag{
		Name:    "settings",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SETTINGS"),
		Usage:   "Path to a YAML file of controller settings",
	}
	Async = &cli.BoolFlag{
		Name:    "async",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "ASYNC"),
		Usage:   "Start the run asynchronously and stream progress until it finishes",
	}
	IDPrefix = &cli.StringFlag{
		Name:    "id-prefix",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "ID_PREFIX"),
		Usage:   "Prefix for every node id in the tree",
	}
	Builder = &cli.StringFlag{
		Name:    "builder",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "BUILDER"),
		Usage:   "Builder the host resolves --module with (default by module kind)",
	}
	Runner = &cli.StringFlag{
		Name:    "runner",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "RUNNER"),
		Usage:   "Runner the host executes the module with",
	}
)

var requiredDriverFlags = []cli.Flag{
	Endpoint,
}

var optionalDriverFlags = []cli.Flag{
	ModuleRef,
	ModuleName,
	Filter,
	Tests,
	Categories,
	Packages,
	ExcludeCategories,
	SettingsFile,
	IDPrefix,
	Builder,
	Runner,
}

var serveFlags = []cli.Flag{
	IPCPath,
	WSDisabled,
	AllowedOrigins,
	HealthzAddr,
	Manifests,
}

var (
	// Flags are shared by every command
	Flags []cli.Flag
	// ServeFlags configure the host
	ServeFlags []cli.Flag
	// DriverFlags configure explore, count and run
	DriverFlags []cli.Flag
	// RunFlags are DriverFlags plus run-only flags
	RunFlags []cli.Flag
)

func init() {
	Flags = append(Flags, oplog.CLIFlags(EnvVarPrefix)...)

	ServeFlags = append(ServeFlags, serveFlags...)
	ServeFlags = append(ServeFlags, oprpc.CLIFlags(EnvVarPrefix)...)
	ServeFlags = append(ServeFlags, opmetrics.CLIFlags(EnvVarPrefix)...)

	DriverFlags = append(requiredDriverFlags, optionalDriverFlags...)
	RunFlags = append(append([]cli.Flag{}, DriverFlags...), Async)
}

// CheckRequired verifies a driver command has everything it needs
func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredDriverFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	if ctx.IsSet(ModuleRef.Name) == ctx.IsSet(ModuleName.Name) {
		return fmt.Errorf("exactly one of --%s and --%s is required", ModuleRef.Name, ModuleName.Name)
	}
	return opflags.CheckRequiredXor(ctx)
}

// FilterText returns --filter when set, otherwise the filter built from the
// selection list flags
func FilterText(ctx *cli.Context) string {
	if ctx.IsSet(Filter.Name) {
		return ctx.String(Filter.Name)
	}
	return filter.Build(filter.Criteria{
		Tests:      ctx.StringSlice(Tests.Name),
		Categories: ctx.StringSlice(Categories.Name),
		Packages:   ctx.StringSlice(Packages.Name),
		Exclude:    ctx.StringSlice(ExcludeCategories.Name),
	})
}
