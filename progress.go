package testctl

import (
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-testctl/report"
	"github.com/ethereum-optimism/infra/op-testctl/runner"
	"github.com/ethereum-optimism/infra/op-testctl/types"
)

// progressReporter forwards runner events to a driver callback as report
// payloads. Once the final message is out, nothing else is delivered.
type progressReporter struct {
	log      log.Logger
	callback Callback

	mu       sync.Mutex
	runID    string
	seq      int
	finished bool
}

var _ runner.Listener = (*progressReporter)(nil)

func newProgressReporter(lgr log.Logger, cb Callback) *progressReporter {
	return &progressReporter{log: lgr, callback: cb}
}

func (p *progressReporter) RunStarted(runID string, testCases int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runID = runID
	p.log.Debug("Run started", "run_id", runID, "testCases", testCases)
}

func (p *progressReporter) TestStarted(test *types.TestNode) {
	p.log.Trace("Test started", "id", test.ID, "test", test.FullName)
}

func (p *progressReporter) TestFinished(result *types.TestResult) {
	if !result.IsTestCase() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		p.log.Warn("Dropping progress after final result", "test", result.FullName)
		return
	}
	p.seq++
	payload, err := report.EncodeTestCase(p.runID, p.seq, result)
	if err != nil {
		p.log.Error("Failed to encode progress", "test", result.FullName, "err", err)
		return
	}
	p.callback(payload)
}

func (p *progressReporter) RunFinished(result *types.RunResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		p.log.Warn("Dropping duplicate final result", "run_id", result.RunID)
		return
	}
	p.finished = true

	payload, err := report.EncodeTestRun(result)
	if err != nil {
		// the final message is owed regardless, send it without the tree
		p.log.Error("Failed to encode run result", "run_id", result.RunID, "err", err)
		stripped := *result
		stripped.Root = nil
		stripped.Error = err.Error()
		payload, err = report.EncodeTestRun(&stripped)
		if err != nil {
			p.log.Error("Failed to encode stripped run result", "run_id", result.RunID, "err", err)
			return
		}
	}
	p.log.Debug("Delivering final result", "run_id", result.RunID, "progress", p.seq)
	p.callback(payload)
}
