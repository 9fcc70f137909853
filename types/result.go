package types

import (
	"time"
)

// TestResult captures the outcome of a test case, or the aggregate outcome of
// a container, in the result tree.
type TestResult struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	FullName string        `json:"fullName"`
	Type     NodeType      `json:"type"`
	Package  string        `json:"package,omitempty"`
	Status   TestStatus    `json:"status"`
	Message  string        `json:"message,omitempty"`  // Failure, skip or cancellation reason
	Output   string        `json:"output,omitempty"`   // Captured stdout for failing or skipped tests
	Duration time.Duration `json:"duration"`           // Track test execution time
	TimedOut bool          `json:"timedOut,omitempty"` // Track if this test timed out
	Stats    ResultStats   `json:"stats"`

	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`

	Children []*TestResult `json:"children,omitempty"` // Subtests for cases, members for containers
}

// ResultStats tracks test case statistics at each level
type ResultStats struct {
	Total     int `json:"total"`
	Passed    int `json:"passed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Errored   int `json:"errored"`
	Cancelled int `json:"cancelled"`
}

// Add counts one test case with the given status
func (s *ResultStats) Add(status TestStatus) {
	s.Total++
	switch status {
	case TestStatusPass:
		s.Passed++
	case TestStatusFail:
		s.Failed++
	case TestStatusSkip:
		s.Skipped++
	case TestStatusError:
		s.Errored++
	case TestStatusCancelled:
		s.Cancelled++
	}
}

// Merge adds other into s
func (s *ResultStats) Merge(other ResultStats) {
	s.Total += other.Total
	s.Passed += other.Passed
	s.Failed += other.Failed
	s.Skipped += other.Skipped
	s.Errored += other.Errored
	s.Cancelled += other.Cancelled
}

// NewTestResult creates a result for node with the given status
func NewTestResult(node *TestNode, status TestStatus) *TestResult {
	return &TestResult{
		ID:       node.ID,
		Name:     node.Name,
		FullName: node.FullName,
		Type:     node.Type,
		Package:  node.Package,
		Status:   status,
	}
}

// IsTestCase reports whether r describes a test case rather than a container or subtest
func (r *TestResult) IsTestCase() bool {
	return r.Type == NodeTypeTest
}

// TestCases returns the test case results under r in execution order
func (r *TestResult) TestCases() []*TestResult {
	var cases []*TestResult
	var walk func(*TestResult)
	walk = func(n *TestResult) {
		if n.IsTestCase() {
			cases = append(cases, n)
			return
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(r)
	return cases
}

// RunResult captures one complete Run or RunAsync invocation
type RunResult struct {
	RunID     string        `json:"runId"`
	Status    TestStatus    `json:"status"`
	Stats     ResultStats   `json:"stats"`
	Duration  time.Duration `json:"duration"`
	StartTime time.Time     `json:"startTime"`
	EndTime   time.Time     `json:"endTime"`
	Cancelled bool          `json:"cancelled"`        // A stop was requested before all selected cases ran
	Error     string        `json:"error,omitempty"`  // Set only for catastrophic runner failures
	Root      *TestResult   `json:"root,omitempty"`   // Result tree mirroring the selected structure
}
