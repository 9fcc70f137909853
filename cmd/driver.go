package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	testctl "github.com/ethereum-optimism/infra/op-testctl"
	"github.com/ethereum-optimism/infra/op-testctl/flags"
	"github.com/ethereum-optimism/infra/op-testctl/hosting"
	"github.com/ethereum-optimism/infra/op-testctl/report"
	"github.com/ethereum-optimism/infra/op-testctl/types"
	"github.com/ethereum-optimism/infra/op-testctl/ui"
	"github.com/ethereum-optimism/optimism/op-service/ctxinterrupt"
)

// interruptGrace bounds the wait for a final result after an interrupt
const interruptGrace = 30 * time.Second

// session is a loaded remote controller owned by one driver command
type session struct {
	ctl    *hosting.RemoteController
	filter string
	out    io.Writer
	log    log.Logger
}

// withSession dials the host, creates and loads a controller, hands it to fn
// and releases it afterwards
func withSession(ctx *cli.Context, fn func(context.Context, *session) error) error {
	op := ctx.Command.Name
	if err := flags.CheckRequired(ctx); err != nil {
		return testctl.NewUsageError(op, err)
	}
	lgr := setupLogger(ctx)
	// an interrupt cancels whatever the command is waiting for
	cmdCtx := ctxinterrupt.WithCancelOnInterrupt(ctx.Context)

	settings, err := loadSettings(ctx.String(flags.SettingsFile.Name))
	if err != nil {
		return testctl.NewUsageError(op, err)
	}

	endpoint := ctx.String(flags.Endpoint.Name)
	d, err := hosting.Dial(cmdCtx, endpoint, lgr)
	if err != nil {
		return testctl.NewRuntimeError(err)
	}
	defer d.Close()

	ctl, err := d.Create(cmdCtx, hosting.CreateArgs{
		ModuleRef: ctx.String(flags.ModuleRef.Name),
		Module:    ctx.String(flags.ModuleName.Name),
		IDPrefix:  ctx.String(flags.IDPrefix.Name),
		Settings:  settings,
		Builder:   ctx.String(flags.Builder.Name),
		Runner:    ctx.String(flags.Runner.Name),
	})
	if err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ctl.Release(releaseCtx); err != nil {
			lgr.Warn("Failed to release controller", "handle", ctl.Handle(), "err", err)
		}
	}()
	lgr.Debug("Created controller", "endpoint", endpoint, "handle", ctl.Handle())

	if err := ctl.Load(cmdCtx, func(string) {}); err != nil {
		return err
	}
	return fn(cmdCtx, &session{
		ctl:    ctl,
		filter: flags.FilterText(ctx),
		out:    ctx.App.Writer,
		log:    lgr,
	})
}

// loadSettings reads a YAML mapping of setting names to values
func loadSettings(path string) (types.Settings, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	var settings types.Settings
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("failed to parse settings %s: %w", path, err)
	}
	return settings, nil
}

func explore(ctx *cli.Context) error {
	return withSession(ctx, func(cmdCtx context.Context, s *session) error {
		var structure *report.Structure
		var decodeErr error
		err := s.ctl.Explore(cmdCtx, s.filter, func(payload string) {
			structure, decodeErr = report.DecodeStructure(payload)
		})
		if err != nil {
			return err
		}
		if decodeErr != nil {
			return testctl.NewRuntimeError(decodeErr)
		}
		fmt.Fprint(s.out, ui.RenderStructure(structure.Root))
		fmt.Fprintf(s.out, "%d test cases\n", structure.TestCaseCount)
		return nil
	})
}

func count(ctx *cli.Context) error {
	return withSession(ctx, func(cmdCtx context.Context, s *session) error {
		var n int
		var decodeErr error
		err := s.ctl.Count(cmdCtx, s.filter, func(payload string) {
			n, decodeErr = report.DecodeCount(payload)
		})
		if err != nil {
			return err
		}
		if decodeErr != nil {
			return testctl.NewRuntimeError(decodeErr)
		}
		fmt.Fprintln(s.out, n)
		return nil
	})
}

func run(ctx *cli.Context) error {
	async := ctx.Bool(flags.Async.Name)
	return withSession(ctx, func(cmdCtx context.Context, s *session) error {
		p := newProgressPrinter(s.out, s.log)
		var err error
		if async {
			err = runAsync(cmdCtx, s, p)
		} else {
			err = s.ctl.Run(cmdCtx, s.filter, p.callback)
		}
		if err != nil {
			return err
		}
		return p.finish()
	})
}

// runAsync starts the run and waits for its final result. An interrupt
// forces the run to stop and waits a bounded time for what it produced.
func runAsync(ctx context.Context, s *session, p *progressPrinter) error {
	if err := s.ctl.RunAsync(ctx, s.filter, p.callback); err != nil {
		return err
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
	}
	s.log.Warn("Interrupted, stopping run")
	s.ctl.StopRun(true)
	select {
	case <-p.done:
		return nil
	case <-time.After(interruptGrace):
		return testctl.NewRuntimeError(fmt.Errorf("no final result %s after stopping the run", interruptGrace))
	}
}

// progressPrinter writes one line per finished test case and the result
// tree once the run completes
type progressPrinter struct {
	out io.Writer
	log log.Logger

	mu     sync.Mutex
	result *types.RunResult
	err    error
	once   sync.Once
	done   chan struct{}
}

func newProgressPrinter(out io.Writer, lgr log.Logger) *progressPrinter {
	return &progressPrinter{out: out, log: lgr, done: make(chan struct{})}
}

func (p *progressPrinter) callback(payload string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch report.KindOf(payload) {
	case report.KindTestCase:
		tc, err := report.DecodeTestCase(payload)
		if err != nil {
			p.log.Warn("Undecodable progress message", "err", err)
			return
		}
		fmt.Fprintf(p.out, "%s %s (%s)\n", ui.StatusIcon(tc.Test.Status), tc.Test.FullName, tc.Test.Duration.Round(time.Millisecond))
	case report.KindTestRun:
		p.result, p.err = report.DecodeTestRun(payload)
		p.once.Do(func() { close(p.done) })
	default:
		p.log.Debug("Ignoring payload", "kind", report.KindOf(payload))
	}
}

// finish prints the outcome and turns a non-passing run into an error
func (p *progressPrinter) finish() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return testctl.NewRuntimeError(fmt.Errorf("failed to decode run result: %w", p.err))
	}
	if p.result == nil {
		return testctl.NewRuntimeError(fmt.Errorf("run ended without a result"))
	}
	res := p.result
	if res.Error != "" {
		return testctl.NewRuntimeError(fmt.Errorf("run %s failed: %s", res.RunID, res.Error))
	}
	fmt.Fprintln(p.out)
	fmt.Fprint(p.out, ui.RenderResults(res.Root))
	fmt.Fprint(p.out, ui.RenderSummary(res))

	switch {
	case res.Cancelled:
		return testctl.NewTestFailureError(fmt.Sprintf("run %s was cancelled", res.RunID))
	case res.Status == types.TestStatusPass || res.Status == types.TestStatusSkip:
		return nil
	default:
		return testctl.NewTestFailureError(fmt.Sprintf("run %s: %d failed, %d errored", res.RunID, res.Stats.Failed, res.Stats.Errored))
	}
}
