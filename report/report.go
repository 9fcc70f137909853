// Package report serializes controller output into the text payloads handed
// to driver callbacks, and decodes them again on the driver side.
package report

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum-optimism/infra/op-testctl/types"
)

// Kind identifies a payload
type Kind string

const (
	KindStructure Kind = "test-structure"
	KindTestCase  Kind = "test-case"
	KindTestRun   Kind = "test-run"
	KindCount     Kind = "count"
	KindUnknown   Kind = "unknown"
)

// Structure describes a loaded or explored tree
type Structure struct {
	Type          Kind            `json:"type"`
	TestCaseCount int             `json:"testCaseCount"`
	Root          *types.TestNode `json:"root"`
}

// TestCase is a progress message for one finished test case
type TestCase struct {
	Type  Kind              `json:"type"`
	RunID string            `json:"runId"`
	Seq   int               `json:"seq"` // 1-based position in the run
	Test  *types.TestResult `json:"test"`
}

// TestRun is the final message of a run
type TestRun struct {
	Type Kind `json:"type"`
	*types.RunResult
}

// EncodeStructure renders root as a test-structure payload
func EncodeStructure(root *types.TestNode) (string, error) {
	return encode(Structure{
		Type:          KindStructure,
		TestCaseCount: root.CountTestCases(),
		Root:          root,
	})
}

// EncodeTestCase renders a progress payload for result
func EncodeTestCase(runID string, seq int, result *types.TestResult) (string, error) {
	return encode(TestCase{Type: KindTestCase, RunID: runID, Seq: seq, Test: result})
}

// EncodeTestRun renders the final payload for a run
func EncodeTestRun(result *types.RunResult) (string, error) {
	return encode(TestRun{Type: KindTestRun, RunResult: result})
}

// EncodeCount renders a count as plain decimal text
func EncodeCount(n int) string {
	return strconv.Itoa(n)
}

func encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}
	return string(b), nil
}

// KindOf sniffs the kind of payload without fully decoding it
func KindOf(payload string) Kind {
	trimmed := strings.TrimSpace(payload)
	if _, err := strconv.Atoi(trimmed); err == nil {
		return KindCount
	}
	var head struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal([]byte(trimmed), &head); err != nil {
		return KindUnknown
	}
	switch head.Type {
	case KindStructure, KindTestCase, KindTestRun:
		return head.Type
	}
	return KindUnknown
}

// DecodeStructure parses a test-structure payload and restores parent links
func DecodeStructure(payload string) (*Structure, error) {
	var s Structure
	if err := decode(payload, KindStructure, &s); err != nil {
		return nil, err
	}
	if s.Root != nil {
		s.Root.LinkParents()
	}
	return &s, nil
}

// DecodeTestCase parses a test-case payload
func DecodeTestCase(payload string) (*TestCase, error) {
	var tc TestCase
	if err := decode(payload, KindTestCase, &tc); err != nil {
		return nil, err
	}
	return &tc, nil
}

// DecodeTestRun parses a test-run payload
func DecodeTestRun(payload string) (*types.RunResult, error) {
	tr := TestRun{RunResult: &types.RunResult{}}
	if err := decode(payload, KindTestRun, &tr); err != nil {
		return nil, err
	}
	return tr.RunResult, nil
}

// DecodeCount parses a count payload
func DecodeCount(payload string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(payload))
	if err != nil {
		return 0, fmt.Errorf("invalid count payload %q: %w", payload, err)
	}
	return n, nil
}

func decode(payload string, want Kind, v any) error {
	if got := KindOf(payload); got != want {
		return fmt.Errorf("expected %s payload, got %s", want, got)
	}
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", want, err)
	}
	return nil
}
