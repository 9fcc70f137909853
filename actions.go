package testctl

import (
	"context"
	"fmt"

	"github.com/ethereum-optimism/infra/op-testctl/filter"
	"github.com/ethereum-optimism/infra/op-testctl/metrics"
)

// ActionKind names a controller operation on the wire
type ActionKind string

const (
	ActionLoad     ActionKind = "load"
	ActionExplore  ActionKind = "explore"
	ActionCount    ActionKind = "count"
	ActionRun      ActionKind = "run"
	ActionRunAsync ActionKind = "run-async"
	ActionStopRun  ActionKind = "stop-run"
)

// ActionKinds lists every kind Execute dispatches
var ActionKinds = []ActionKind{ActionLoad, ActionExplore, ActionCount, ActionRun, ActionRunAsync, ActionStopRun}

// ParseActionKind validates a wire value
func ParseActionKind(s string) (ActionKind, error) {
	for _, k := range ActionKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w %q", ErrUnknownAction, s)
}

// Action is a one-shot command for a controller. It holds only serializable
// values so it can be sent across a process boundary.
type Action struct {
	Kind   ActionKind `json:"kind"`
	Filter string     `json:"filter,omitempty"`
	Force  bool       `json:"force,omitempty"`
}

// LoadTests loads (or reloads) the module
func LoadTests() Action { return Action{Kind: ActionLoad} }

// ExploreTests describes the cases f selects
func ExploreTests(f string) Action { return Action{Kind: ActionExplore, Filter: f} }

// CountTests counts the cases f selects
func CountTests(f string) Action { return Action{Kind: ActionCount, Filter: f} }

// RunTests runs the cases f selects and waits for them
func RunTests(f string) Action { return Action{Kind: ActionRun, Filter: f} }

// RunTestsAsync starts the cases f selects
func RunTestsAsync(f string) Action { return Action{Kind: ActionRunAsync, Filter: f} }

// StopRun stops the active run
func StopRun(force bool) Action { return Action{Kind: ActionStopRun, Force: force} }

// AllTests is the filter that selects every case
const AllTests = filter.Empty

func (a Action) String() string {
	switch a.Kind {
	case ActionStopRun:
		return fmt.Sprintf("%s(force=%t)", a.Kind, a.Force)
	case ActionLoad:
		return string(a.Kind)
	default:
		return fmt.Sprintf("%s(%s)", a.Kind, a.Filter)
	}
}

// Execute performs a on ops. Results are delivered through cb; the returned
// error only reports usage, load and runtime failures.
func Execute(ctx context.Context, ops Operations, a Action, cb Callback) (err error) {
	label := string(a.Kind)
	if _, perr := ParseActionKind(label); perr != nil {
		label = "unknown"
	}
	defer func() { metrics.RecordAction(label, err) }()

	if ops == nil {
		return NewUsageError(label, ErrNilController)
	}
	switch a.Kind {
	case ActionLoad:
		return ops.Load(ctx, cb)
	case ActionExplore:
		return ops.Explore(ctx, a.Filter, cb)
	case ActionCount:
		return ops.Count(ctx, a.Filter, cb)
	case ActionRun:
		return ops.Run(ctx, a.Filter, cb)
	case ActionRunAsync:
		return ops.RunAsync(ctx, a.Filter, cb)
	case ActionStopRun:
		ops.StopRun(a.Force)
		return nil
	default:
		return NewUsageError("execute", fmt.Errorf("%w %q", ErrUnknownAction, a.Kind))
	}
}
