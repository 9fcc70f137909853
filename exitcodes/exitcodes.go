// Package exitcodes defines the exit codes of the op-testctl driver commands.
package exitcodes

// A driver command exits with:
//
// * Success (0): the action completed and every selected test passed or was skipped
// * TestFailure (1): the run finished with failing, errored or cancelled tests
// * RuntimeErr (2): the action itself failed, for instance the module did not
// load or the host went away
const (
	Success     = 0
	TestFailure = 1
	RuntimeErr  = 2
)
