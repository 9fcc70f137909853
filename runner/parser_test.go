package runner

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-testctl/types"
)

func node(name string) *types.TestNode {
	n := types.NewTestNode("example.com/pkg", name)
	n.ID = "0-1002"
	return n
}

func events(lines ...string) []byte {
	return []byte(strings.Join(lines, "\n") + "\n")
}

func TestParsePassingTest(t *testing.T) {
	out := events(
		`{"Time":"2025-01-01T00:00:00Z","Action":"start","Package":"example.com/pkg"}`,
		`{"Time":"2025-01-01T00:00:00Z","Action":"run","Package":"example.com/pkg","Test":"TestFoo"}`,
		`{"Time":"2025-01-01T00:00:00Z","Action":"output","Package":"example.com/pkg","Test":"TestFoo","Output":"=== RUN   TestFoo\n"}`,
		`{"Time":"2025-01-01T00:00:01Z","Action":"output","Package":"example.com/pkg","Test":"TestFoo","Output":"--- PASS: TestFoo (1.00s)\n"}`,
		`{"Time":"2025-01-01T00:00:01Z","Action":"pass","Package":"example.com/pkg","Test":"TestFoo","Elapsed":1.5}`,
		`{"Time":"2025-01-01T00:00:01Z","Action":"pass","Package":"example.com/pkg","Elapsed":1.6}`,
	)
	res := NewOutputParser().Parse(out, node("TestFoo"))
	assert.Equal(t, types.TestStatusPass, res.Status)
	assert.Equal(t, 1500*time.Millisecond, res.Duration)
	assert.Equal(t, "0-1002", res.ID)
	assert.Empty(t, res.Message)
	assert.Empty(t, res.Output)
	assert.False(t, res.StartTime.IsZero())
}

func TestParseFailureWithSubtests(t *testing.T) {
	out := events(
		`{"Action":"run","Test":"TestFoo"}`,
		`{"Action":"run","Test":"TestFoo/ok"}`,
		`{"Action":"pass","Test":"TestFoo/ok","Elapsed":0.1}`,
		`{"Action":"run","Test":"TestFoo/bad"}`,
		`{"Action":"output","Test":"TestFoo/bad","Output":"    foo_test.go:12: \u001b[31mError:\u001b[0m expected 1\n"}`,
		`{"Action":"output","Test":"TestFoo/bad","Output":"    --- FAIL: TestFoo/bad (0.00s)\n"}`,
		`{"Action":"fail","Test":"TestFoo/bad","Elapsed":0.2}`,
		`{"Action":"run","Test":"TestFoo/bad/deeper"}`,
		`{"Action":"skip","Test":"TestFoo/bad/deeper"}`,
		`{"Action":"output","Test":"TestFoo","Output":"--- FAIL: TestFoo (0.30s)\n"}`,
		`{"Action":"fail","Test":"TestFoo","Elapsed":0.3}`,
		`{"Action":"fail"}`,
	)
	res := NewOutputParser().Parse(out, node("TestFoo"))
	assert.Equal(t, types.TestStatusFail, res.Status)
	require.Len(t, res.Children, 3)

	assert.Equal(t, "ok", res.Children[0].Name)
	assert.Equal(t, types.TestStatusPass, res.Children[0].Status)
	assert.Equal(t, types.NodeTypeSubtest, res.Children[0].Type)

	bad := res.Children[1]
	assert.Equal(t, "example.com/pkg.TestFoo/bad", bad.FullName)
	assert.Equal(t, types.TestStatusFail, bad.Status)
	assert.Equal(t, "foo_test.go:12: Error: expected 1", bad.Message)

	assert.Equal(t, "bad/deeper", res.Children[2].Name)
	assert.Equal(t, types.TestStatusSkip, res.Children[2].Status)

	assert.Equal(t, types.ResultStats{Total: 3, Passed: 1, Failed: 1, Skipped: 1}, res.Stats)
	assert.NotContains(t, res.Output, "\u001b[31m")
	assert.Contains(t, res.Output, "expected 1")
}

func TestParseSkip(t *testing.T) {
	out := events(
		`{"Action":"run","Test":"TestFoo"}`,
		`{"Action":"output","Test":"TestFoo","Output":"    foo_test.go:9: needs a devnet\n"}`,
		`{"Action":"output","Test":"TestFoo","Output":"--- SKIP: TestFoo (0.00s)\n"}`,
		`{"Action":"skip","Test":"TestFoo"}`,
	)
	res := NewOutputParser().Parse(out, node("TestFoo"))
	assert.Equal(t, types.TestStatusSkip, res.Status)
	assert.Equal(t, "foo_test.go:9: needs a devnet", res.Message)
}

func TestParseBuildFailure(t *testing.T) {
	out := events(
		`# example.com/pkg [example.com/pkg.test]`,
		`./foo_test.go:3:2: undefined: missing`,
		`{"Action":"start","Package":"example.com/pkg"}`,
		`{"Action":"output","Package":"example.com/pkg","Output":"FAIL\texample.com/pkg [build failed]\n"}`,
		`{"Action":"fail","Package":"example.com/pkg"}`,
	)
	res := NewOutputParser().Parse(out, node("TestFoo"))
	assert.Equal(t, types.TestStatusFail, res.Status)
	assert.Contains(t, res.Message, "undefined: missing")
}

func TestParseMissingTest(t *testing.T) {
	out := events(
		`{"Action":"output","Package":"example.com/pkg","Output":"testing: warning: no tests to run\n"}`,
		`{"Action":"pass","Package":"example.com/pkg"}`,
	)
	res := NewOutputParser().Parse(out, node("TestFoo"))
	assert.Equal(t, types.TestStatusError, res.Status)
	assert.Contains(t, res.Message, "no tests to run")
}

func TestParseTimeout(t *testing.T) {
	out := events(
		`{"Action":"run","Test":"TestFoo"}`,
		`{"Action":"run","Test":"TestFoo/slow"}`,
		`{"Action":"output","Test":"TestFoo/slow","Output":"panic: test timed out after 1s\n"}`,
		`{"Action":"fail","Test":"TestFoo","Elapsed":1}`,
		`{"Action":"fail"}`,
	)
	res := NewOutputParser().Parse(out, node("TestFoo"))
	assert.Equal(t, types.TestStatusFail, res.Status)
	assert.True(t, res.TimedOut)
	require.Len(t, res.Children, 1)
	assert.True(t, res.Children[0].TimedOut)
	assert.Equal(t, types.TestStatusFail, res.Children[0].Status)
}

func TestParseEmptyOutput(t *testing.T) {
	res := NewOutputParser().Parse(nil, node("TestFoo"))
	assert.Equal(t, types.TestStatusError, res.Status)
	assert.Equal(t, "no test output", res.Message)
}

func TestTailBuffer(t *testing.T) {
	b := newTailBuffer(16)
	_, _ = b.Write([]byte("line-one\nline-two\n"))
	_, _ = b.Write([]byte("three\n"))
	assert.Equal(t, int64(24), b.TotalBytes())
	assert.True(t, b.Truncated())
	// trimmed to whole lines only
	assert.Equal(t, "line-two\nthree\n", string(b.Bytes()))

	small := newTailBuffer(0)
	_, _ = small.Write([]byte("x"))
	assert.False(t, small.Truncated())
	assert.Equal(t, "x", string(small.Bytes()))
}
