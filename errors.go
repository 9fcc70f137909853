package testctl

import (
	"errors"
	"fmt"

	"github.com/ethereum-optimism/infra/op-testctl/filter"
	"github.com/ethereum-optimism/infra/op-testctl/runner"
)

var (
	// ErrNotLoaded is returned by Explore, Count, Run and RunAsync before a successful Load
	ErrNotLoaded = runner.ErrNotLoaded
	// ErrBusy is returned when a run is requested while another one is active
	ErrBusy = runner.ErrRunInProgress
	// ErrNilFilter is returned when an operation that selects tests gets no filter
	ErrNilFilter = errors.New("filter is required")
	// ErrNilCallback is returned when an operation that delivers results gets no callback
	ErrNilCallback = errors.New("callback is required")
	// ErrNilController is returned by Execute without a controller
	ErrNilController = errors.New("controller is required")
	// ErrUnknownAction is returned by Execute for an action kind it does not know
	ErrUnknownAction = errors.New("unknown action")
)

// UsageError reports driver misuse: calls out of order, missing or malformed
// arguments, or a run requested while busy. It is returned immediately and
// never delivered through a callback.
type UsageError struct {
	Op  string
	Err error
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap implements the errors.Unwrap interface
func (e *UsageError) Unwrap() error {
	return e.Err
}

// NewUsageError creates a new UsageError
func NewUsageError(op string, err error) *UsageError {
	return &UsageError{Op: op, Err: err}
}

// IsUsageError checks if the error is or wraps a UsageError
func IsUsageError(err error) bool {
	var usageErr *UsageError
	return err != nil && errors.As(err, &usageErr)
}

// LoadError reports a module that could not be built or loaded
type LoadError struct {
	ModuleRef string
	Err       error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load %s: %v", e.ModuleRef, e.Err)
}

// Unwrap implements the errors.Unwrap interface
func (e *LoadError) Unwrap() error {
	return e.Err
}

// IsLoadError checks if the error is or wraps a LoadError
func IsLoadError(err error) bool {
	var loadErr *LoadError
	return err != nil && errors.As(err, &loadErr)
}

// RuntimeError represents an operational error that should lead to exit code 2.
// Failures of individual test cases are never RuntimeErrors; they are part of
// the delivered result tree.
type RuntimeError struct {
	Err error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("runtime error: %v", e.Err)
}

// Unwrap implements the errors.Unwrap interface
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// NewRuntimeError creates a new RuntimeError
func NewRuntimeError(err error) *RuntimeError {
	return &RuntimeError{Err: err}
}

// IsRuntimeError checks if the error is or wraps a RuntimeError
func IsRuntimeError(err error) bool {
	var runtimeErr *RuntimeError
	return err != nil && errors.As(err, &runtimeErr)
}

// TestFailureError represents a run whose tests did not all pass (exit code 1)
type TestFailureError struct {
	Message string
}

func (e *TestFailureError) Error() string {
	return fmt.Sprintf("test failure: %s", e.Message)
}

// NewTestFailureError creates a new TestFailureError
func NewTestFailureError(message string) *TestFailureError {
	return &TestFailureError{Message: message}
}

// IsTestFailureError checks if the error is or wraps a TestFailureError
func IsTestFailureError(err error) bool {
	var testErr *TestFailureError
	return err != nil && errors.As(err, &testErr)
}

// classify turns an error from the runner into a usage or runtime error
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, runner.ErrNotLoaded),
		errors.Is(err, runner.ErrRunInProgress),
		errors.Is(err, filter.ErrInvalidFilter):
		return NewUsageError(op, err)
	case IsUsageError(err), IsRuntimeError(err), IsLoadError(err):
		return err
	default:
		return NewRuntimeError(fmt.Errorf("%s: %w", op, err))
	}
}
