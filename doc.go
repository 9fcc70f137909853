// Package testctl is a test execution controller for drivers that cannot
// link against the testing engine. A driver creates a Controller for a module,
// then sends it Actions (load, explore, count, run, run-async, stop-run)
// through Execute. Everything the controller hands back is a string delivered
// through a Callback, so the same protocol works in process and across the
// JSON-RPC boundary served by package hosting.
//
// The controller orchestrates three collaborators it only knows through
// interfaces: a Builder that turns a module reference into a runner.Module,
// a runner.TestRunner that holds the loaded tree and executes it, and the
// filter text that selects tests, which the runner decodes.
package testctl
