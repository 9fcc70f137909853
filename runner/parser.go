package runner

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/acarl005/stripansi"

	"github.com/ethereum-optimism/infra/op-testctl/types"
)

// TestEvent represents a test event from go test -json output
type TestEvent struct {
	Time    time.Time
	Action  string
	Package string
	Test    string
	Elapsed float64
	Output  string
}

// OutputParser turns go test -json output for a single test case into a result
type OutputParser interface {
	Parse(output []byte, test *types.TestNode) *types.TestResult
}

// outputParser implements OutputParser interface
type outputParser struct{}

// NewOutputParser creates a new output parser
func NewOutputParser() OutputParser {
	return &outputParser{}
}

type subTestState struct {
	result *types.TestResult
	output []string
}

// Parse parses test output into a TestResult for test
func (p *outputParser) Parse(output []byte, test *types.TestNode) *types.TestResult {
	result := types.NewTestResult(test, types.TestStatusPass)

	if len(output) == 0 {
		result.Status = types.TestStatusError
		result.Message = "no test output"
		return result
	}

	var (
		mainDone    bool
		pkgFailed   bool
		timedOut    bool
		mainOutput  []string
		pkgOutput   []string
		rawOutput   strings.Builder
		subTests    = make(map[string]*subTestState)
		subTestList []*subTestState
	)

	scanner := bufio.NewScanner(bytes.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		event, err := parseTestEvent(scanner.Bytes())
		if err != nil {
			// build output and other noise
			pkgOutput = appendLine(pkgOutput, scanner.Text())
			continue
		}
		if event.Action == ActionOutput {
			rawOutput.WriteString(stripansi.Strip(event.Output))
			if strings.Contains(event.Output, "panic: test timed out") {
				timedOut = true
			}
		}

		switch {
		case event.Test == test.Name:
			switch event.Action {
			case ActionRun, ActionStart:
				result.StartTime = event.Time
			case ActionPass, ActionFail, ActionSkip:
				mainDone = true
				result.Status = statusFromAction(event.Action)
				result.EndTime = event.Time
				result.Duration = elapsed(event)
			case ActionOutput:
				mainOutput = appendLine(mainOutput, event.Output)
			}
		case strings.HasPrefix(event.Test, test.Name+"/"):
			st, ok := subTests[event.Test]
			if !ok {
				st = &subTestState{result: &types.TestResult{
					Name:     strings.TrimPrefix(event.Test, test.Name+"/"),
					FullName: test.FullName + "/" + strings.TrimPrefix(event.Test, test.Name+"/"),
					Type:     types.NodeTypeSubtest,
					Package:  test.Package,
					Status:   types.TestStatusPass,
				}}
				subTests[event.Test] = st
				subTestList = append(subTestList, st)
			}
			switch event.Action {
			case ActionRun, ActionStart:
				st.result.StartTime = event.Time
			case ActionPass, ActionFail, ActionSkip:
				st.result.Status = statusFromAction(event.Action)
				st.result.EndTime = event.Time
				st.result.Duration = elapsed(event)
			case ActionOutput:
				st.output = appendLine(st.output, event.Output)
			}
		case event.Test == "":
			switch event.Action {
			case ActionFail:
				pkgFailed = true
			case ActionOutput:
				pkgOutput = appendLine(pkgOutput, event.Output)
			}
		}
	}

	for _, st := range subTestList {
		if st.result.Status != types.TestStatusPass {
			st.result.Message = relevantOutput(st.output)
		}
		result.Stats.Add(st.result.Status)
		result.Children = append(result.Children, st.result)
	}

	switch {
	case !mainDone && pkgFailed:
		// compile errors and panics before the test reported
		result.Status = types.TestStatusFail
		result.Message = relevantOutput(append(mainOutput, pkgOutput...))
	case !mainDone:
		result.Status = types.TestStatusError
		result.Message = "test did not report a result"
		if msg := relevantOutput(pkgOutput); msg != "" {
			result.Message += ": " + msg
		}
	case result.Status != types.TestStatusPass:
		result.Message = relevantOutput(mainOutput)
	}

	if timedOut {
		result.TimedOut = true
		result.Status = types.TestStatusFail
		for _, st := range subTestList {
			if st.result.EndTime.IsZero() {
				st.result.Status = types.TestStatusFail
				st.result.TimedOut = true
				st.result.Message = "subtest timed out"
			}
		}
	}

	if result.Status != types.TestStatusPass {
		result.Output = strings.TrimSpace(rawOutput.String())
	}
	return result
}

func parseTestEvent(line []byte) (TestEvent, error) {
	var event TestEvent
	if err := json.Unmarshal(line, &event); err != nil {
		return event, err
	}
	return event, nil
}

func statusFromAction(action string) types.TestStatus {
	switch action {
	case ActionFail:
		return types.TestStatusFail
	case ActionSkip:
		return types.TestStatusSkip
	}
	return types.TestStatusPass
}

func elapsed(event TestEvent) time.Duration {
	if event.Elapsed > 0 {
		return time.Duration(event.Elapsed * float64(time.Second))
	}
	return 0
}

func appendLine(lines []string, output string) []string {
	line := strings.TrimRight(stripansi.Strip(output), "\r\n")
	if strings.TrimSpace(line) == "" {
		return lines
	}
	return append(lines, line)
}

// relevantOutput drops the go test framing lines and keeps what the test wrote
func relevantOutput(lines []string) string {
	var kept []string
	for _, l := range lines {
		trimmed := strings.TrimSpace(l)
		switch {
		case strings.HasPrefix(trimmed, "=== RUN"),
			strings.HasPrefix(trimmed, "=== PAUSE"),
			strings.HasPrefix(trimmed, "=== CONT"),
			strings.HasPrefix(trimmed, "--- PASS"),
			strings.HasPrefix(trimmed, "--- FAIL"),
			strings.HasPrefix(trimmed, "--- SKIP"),
			trimmed == "PASS", trimmed == "FAIL",
			strings.HasPrefix(trimmed, "ok "),
			strings.HasPrefix(trimmed, "FAIL\t"):
			continue
		}
		kept = append(kept, trimmed)
	}
	return strings.Join(kept, "\n")
}
