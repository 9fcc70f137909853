package hosting

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"

	testctl "github.com/ethereum-optimism/infra/op-testctl"
	"github.com/ethereum-optimism/infra/op-testctl/report"
)

// stopTimeout bounds a StopRun call, which has no way to report failure
const stopTimeout = 10 * time.Second

// Driver talks to a Host
type Driver struct {
	client *rpc.Client
	log    log.Logger
}

// Dial connects to a host at a ws:// URL or a unix socket path
func Dial(ctx context.Context, endpoint string, lgr log.Logger) (*Driver, error) {
	client, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", endpoint, err)
	}
	return NewDriver(client, lgr), nil
}

// NewDriver wraps an existing client. The client must support subscriptions
// for Run, RunAsync and the streaming operations.
func NewDriver(client *rpc.Client, lgr log.Logger) *Driver {
	if lgr == nil {
		lgr = log.Root()
	}
	return &Driver{client: client, log: lgr}
}

// Create asks the host for a controller
func (d *Driver) Create(ctx context.Context, args CreateArgs) (*RemoteController, error) {
	var h Handle
	if err := d.client.CallContext(ctx, &h, Namespace+"_create", args); err != nil {
		return nil, fromWire("create", args.ModuleRef, err)
	}
	ref := args.ModuleRef
	if ref == "" {
		ref = args.Module
	}
	return &RemoteController{driver: d, handle: h, moduleRef: ref, log: d.log.New("handle", h)}, nil
}

// Attach returns a controller for a handle created earlier, possibly by another driver
func (d *Driver) Attach(h Handle) *RemoteController {
	return &RemoteController{driver: d, handle: h, moduleRef: string(h), log: d.log.New("handle", h)}
}

// Handles lists the host's live controllers
func (d *Driver) Handles(ctx context.Context) ([]Handle, error) {
	var handles []Handle
	if err := d.client.CallContext(ctx, &handles, Namespace+"_handles"); err != nil {
		return nil, err
	}
	return handles, nil
}

func (d *Driver) Close() {
	d.client.Close()
}

// RemoteController mirrors testctl.Controller over the wire
type RemoteController struct {
	driver    *Driver
	handle    Handle
	moduleRef string
	log       log.Logger
}

var _ testctl.Operations = (*RemoteController)(nil)

func (r *RemoteController) Handle() Handle { return r.handle }

// Execute performs a on the host and returns the payloads it produced
func (r *RemoteController) Execute(ctx context.Context, a testctl.Action) ([]string, error) {
	var payloads []string
	if err := r.driver.client.CallContext(ctx, &payloads, Namespace+"_execute", r.handle, a); err != nil {
		return nil, fromWire(string(a.Kind), r.moduleRef, err)
	}
	return payloads, nil
}

func (r *RemoteController) Load(ctx context.Context, cb testctl.Callback) error {
	return r.single(ctx, testctl.LoadTests(), cb)
}

func (r *RemoteController) Explore(ctx context.Context, filterText string, cb testctl.Callback) error {
	return r.single(ctx, testctl.ExploreTests(filterText), cb)
}

func (r *RemoteController) Count(ctx context.Context, filterText string, cb testctl.Callback) error {
	return r.single(ctx, testctl.CountTests(filterText), cb)
}

// Run streams progress into cb and returns after the final result
func (r *RemoteController) Run(ctx context.Context, filterText string, cb testctl.Callback) error {
	if cb == nil {
		return testctl.NewUsageError("run", testctl.ErrNilCallback)
	}
	ch, sub, err := r.subscribe(ctx, testctl.RunTests(filterText))
	if err != nil {
		return err
	}
	return r.stream(ctx, ch, sub, cb, isFinal)
}

// RunAsync returns once the host has started the run. Payloads reach cb from
// a driver goroutine; it exits after the final result or when the
// connection drops.
func (r *RemoteController) RunAsync(ctx context.Context, filterText string, cb testctl.Callback) error {
	if cb == nil {
		return testctl.NewUsageError("run-async", testctl.ErrNilCallback)
	}
	ch, sub, err := r.subscribe(ctx, testctl.RunTestsAsync(filterText))
	if err != nil {
		return err
	}
	go func() {
		if err := r.stream(context.WithoutCancel(ctx), ch, sub, cb, isFinal); err != nil {
			r.log.Warn("Async run stream ended early", "err", err)
		}
	}()
	return nil
}

// StopRun asks the host to stop the active run. Failures are logged.
func (r *RemoteController) StopRun(force bool) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := r.driver.client.CallContext(ctx, nil, Namespace+"_stopRun", r.handle, force); err != nil {
		r.log.Warn("Failed to stop run", "force", force, "err", err)
	}
}

// Release discards the controller on the host
func (r *RemoteController) Release(ctx context.Context) error {
	if err := r.driver.client.CallContext(ctx, nil, Namespace+"_release", r.handle); err != nil {
		return fromWire("release", r.moduleRef, err)
	}
	return nil
}

// single runs an action that delivers exactly one payload
func (r *RemoteController) single(ctx context.Context, a testctl.Action, cb testctl.Callback) error {
	if cb == nil {
		return testctl.NewUsageError(string(a.Kind), testctl.ErrNilCallback)
	}
	ch, sub, err := r.subscribe(ctx, a)
	if err != nil {
		return err
	}
	return r.stream(ctx, ch, sub, cb, func(string) bool { return true })
}

func (r *RemoteController) subscribe(ctx context.Context, a testctl.Action) (chan string, *rpc.ClientSubscription, error) {
	ch := make(chan string, 64)
	sub, err := r.driver.client.Subscribe(ctx, Namespace, ch, "action", r.handle, a)
	if err != nil {
		return nil, nil, fromWire(string(a.Kind), r.moduleRef, err)
	}
	return ch, sub, nil
}

// stream forwards payloads to cb until done reports the last one
func (r *RemoteController) stream(ctx context.Context, ch <-chan string, sub *rpc.ClientSubscription, cb testctl.Callback, done func(string) bool) error {
	defer sub.Unsubscribe()
	for {
		select {
		case payload := <-ch:
			cb(payload)
			if done(payload) {
				return nil
			}
		case err := <-sub.Err():
			if err == nil {
				err = fmt.Errorf("subscription closed")
			}
			return testctl.NewRuntimeError(fmt.Errorf("lost connection to host: %w", err))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func isFinal(payload string) bool {
	return report.KindOf(payload) == report.KindTestRun
}
