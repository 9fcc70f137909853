// Package hosting carries controllers across a process boundary. A Host
// serves the testctl JSON-RPC namespace over a unix socket and a websocket,
// keeping every controller it creates in a HandleTable until the driver
// releases it. Driver is the client side.
package hosting

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"

	testctl "github.com/ethereum-optimism/infra/op-testctl"
	"github.com/ethereum-optimism/infra/op-testctl/report"
	"github.com/ethereum-optimism/infra/op-testctl/runner"
	"github.com/ethereum-optimism/infra/op-testctl/types"
)

// Namespace of the controller methods
const Namespace = "testctl"

// CreateArgs are the primitive construction arguments of a remote controller.
// Exactly one of ModuleRef and Module is set.
type CreateArgs struct {
	ModuleRef string         `json:"moduleRef,omitempty"` // Path handed to the builder
	Module    string         `json:"module,omitempty"`    // Name of a module registered on the host
	IDPrefix  string         `json:"idPrefix,omitempty"`
	Settings  types.Settings `json:"settings,omitempty"`
	Builder   string         `json:"builder,omitempty"`
	Runner    string         `json:"runner,omitempty"`
}

// API is the testctl namespace. Every exported method is an RPC method.
type API struct {
	log     log.Logger
	handles *HandleTable

	mu      sync.RWMutex
	modules map[string]runner.Module
}

func newAPI(lgr log.Logger, handles *HandleTable) *API {
	return &API{log: lgr, handles: handles, modules: make(map[string]runner.Module)}
}

func (api *API) registerModule(name string, m runner.Module) {
	api.mu.Lock()
	defer api.mu.Unlock()
	api.modules[name] = m
}

// Create builds a controller and returns its handle
func (api *API) Create(args CreateArgs) (Handle, error) {
	settings := args.Settings.Copy()
	// a writer cannot cross the boundary
	delete(settings, types.SettingInternalTraceWriter)

	var (
		c   *testctl.Controller
		err error
	)
	switch {
	case args.Module != "" && args.ModuleRef != "":
		err = testctl.NewUsageError("create", errors.New("module and moduleRef are mutually exclusive"))
	case args.Module != "":
		api.mu.RLock()
		m, ok := api.modules[args.Module]
		api.mu.RUnlock()
		if !ok {
			err = testctl.NewUsageError("create", fmt.Errorf("no module %q registered", args.Module))
			break
		}
		c, err = testctl.NewForModuleWithRunner(m, args.IDPrefix, settings, orDefault(args.Runner, testctl.DefaultRunner))
	default:
		builderName := orDefault(args.Builder, defaultBuilder(args.ModuleRef))
		runnerName := orDefault(args.Runner, testctl.DefaultRunner)
		c, err = testctl.NewWithEngines(args.ModuleRef, args.IDPrefix, settings, builderName, runnerName)
	}
	if err != nil {
		api.log.Warn("Failed to create controller", "moduleRef", args.ModuleRef, "module", args.Module, "err", err)
		return "", toWire(err)
	}
	return api.handles.Add(c), nil
}

// Release stops and discards the controller behind h
func (api *API) Release(h Handle) error {
	return toWire(api.handles.Release(h))
}

// Handles lists the live controllers
func (api *API) Handles() []Handle {
	return api.handles.List()
}

// Execute performs a and returns every payload delivered while it ran. A
// run-async returns before its payloads exist; subscribe to see them.
func (api *API) Execute(ctx context.Context, h Handle, a testctl.Action) ([]string, error) {
	c, err := api.handles.Get(h)
	if err != nil {
		return nil, toWire(err)
	}
	var col collector
	if err := testctl.Execute(ctx, c, a, col.add); err != nil {
		return nil, toWire(err)
	}
	return col.drain(), nil
}

// StopRun forwards a stop request to h's controller
func (api *API) StopRun(h Handle, force bool) error {
	c, err := api.handles.Get(h)
	if err != nil {
		return toWire(err)
	}
	c.StopRun(force)
	return nil
}

// Action performs a and streams each payload as a notification. Runs always
// start asynchronously so the subscription is confirmed before progress flows;
// a subscriber that goes away mid-run triggers a cooperative stop.
func (api *API) Action(ctx context.Context, h Handle, a testctl.Action) (*rpc.Subscription, error) {
	notifier, supported := rpc.NotifierFromContext(ctx)
	if !supported {
		return nil, rpc.ErrNotificationsUnsupported
	}
	c, err := api.handles.Get(h)
	if err != nil {
		return nil, toWire(err)
	}

	sub := notifier.CreateSubscription()
	final := make(chan struct{})
	var once sync.Once
	notify := func(payload string) {
		if err := notifier.Notify(sub.ID, payload); err != nil {
			api.log.Warn("Failed to notify subscriber", "handle", h, "sub", sub.ID, "err", err)
		}
		if report.KindOf(payload) == report.KindTestRun {
			once.Do(func() { close(final) })
		}
	}

	isRun := a.Kind == testctl.ActionRun || a.Kind == testctl.ActionRunAsync
	if isRun {
		a = testctl.RunTestsAsync(a.Filter)
	}
	if err := testctl.Execute(ctx, c, a, notify); err != nil {
		return nil, toWire(err)
	}
	if isRun {
		go func() {
			select {
			case <-final:
			case <-sub.Err():
				api.log.Info("Subscriber left during run, stopping", "handle", h, "sub", sub.ID)
				c.StopRun(false)
			}
		}()
	}
	return sub, nil
}

// collector gathers payloads until drained; later ones are dropped
type collector struct {
	mu       sync.Mutex
	payloads []string
	drained  bool
}

func (c *collector) add(payload string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.drained {
		c.payloads = append(c.payloads, payload)
	}
}

func (c *collector) drain() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drained = true
	if c.payloads == nil {
		return []string{}
	}
	return c.payloads
}

// defaultBuilder picks the manifest builder for yaml refs and go test otherwise
func defaultBuilder(moduleRef string) string {
	switch strings.ToLower(filepath.Ext(moduleRef)) {
	case ".yaml", ".yml":
		return testctl.ManifestBuilder
	}
	return testctl.GoTestBuilder
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
