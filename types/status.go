// Package types contains shared types used across the testctl controller and its engines
package types

// TestStatus represents the possible states of a test execution
type TestStatus string

const (
	TestStatusPass      TestStatus = "pass"
	TestStatusFail      TestStatus = "fail"
	TestStatusSkip      TestStatus = "skip"
	TestStatusError     TestStatus = "error"
	TestStatusCancelled TestStatus = "cancelled"
)

// String implements the Stringer interface for TestStatus
func (s TestStatus) String() string {
	return string(s)
}

// IsValid reports whether s is one of the known statuses
func (s TestStatus) IsValid() bool {
	switch s {
	case TestStatusPass, TestStatusFail, TestStatusSkip, TestStatusError, TestStatusCancelled:
		return true
	}
	return false
}

// DetermineStatus folds a set of child statuses into a container status.
// No children, or only skipped children, yields skip. Any error wins over
// failure, any failure wins over cancellation, and cancellation wins over pass.
func DetermineStatus(statuses []TestStatus) TestStatus {
	if len(statuses) == 0 {
		return TestStatusSkip
	}

	allSkipped := true
	anyFailed := false
	anyErrored := false
	anyCancelled := false

	for _, s := range statuses {
		if s != TestStatusSkip {
			allSkipped = false
		}
		switch s {
		case TestStatusFail:
			anyFailed = true
		case TestStatusError:
			anyErrored = true
		case TestStatusCancelled:
			anyCancelled = true
		}
	}

	switch {
	case allSkipped:
		return TestStatusSkip
	case anyErrored:
		return TestStatusError
	case anyFailed:
		return TestStatusFail
	case anyCancelled:
		return TestStatusCancelled
	}
	return TestStatusPass
}
