package runner

import "time"

// Test execution constants
const (
	// DefaultGoBinary is the go binary name used when none is configured
	DefaultGoBinary = "go"

	// Test command arguments
	TestCommand = "test"
	JSONFlag    = "-json"
	VerboseFlag = "-v"
	TimeoutFlag = "-timeout"
	CountFlag   = "-count"
	RunFlag     = "-run"

	// Test count to disable caching
	DisableCacheCount = "1"

	// timeoutGrace lets the child process report its own timeout before the
	// parent context expires
	timeoutGrace = 200 * time.Millisecond

	// abandonGrace is how long a stopped run waits for the in-flight case
	// before leaving it behind
	abandonGrace = 100 * time.Millisecond

	// waitDelay bounds how long a killed go test waits for its I/O to drain
	waitDelay = 5 * time.Second
)

// Go test2json (TestEvent) action constants for JSON test output
// See https://cs.opensource.google/go/go/+/master:src/cmd/test2json/main.go;l=34-60
const (
	ActionStart  = "start"
	ActionRun    = "run"
	ActionPass   = "pass"
	ActionFail   = "fail"
	ActionSkip   = "skip"
	ActionOutput = "output"
)
