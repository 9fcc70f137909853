package runner

import (
	"sync"
)

const defaultStdoutTailBytes = 5 * 1024 * 1024 // 5MB kept in memory per test

// tailBuffer keeps only the last N bytes written to it so a representative
// snippet of go test output can be parsed and attached to a result without
// retaining the entire log.
type tailBuffer struct {
	maxBytes int

	mu       sync.Mutex
	total    int64
	contents []byte
}

func newTailBuffer(maxBytes int) *tailBuffer {
	if maxBytes <= 0 {
		maxBytes = defaultStdoutTailBytes
	}
	return &tailBuffer{maxBytes: maxBytes}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.total += int64(len(p))
	b.contents = append(b.contents, p...)
	if len(b.contents) > b.maxBytes {
		// Trim to the most recent bytes, then to the next full line so the
		// parser never sees a partial JSON event
		b.contents = b.contents[len(b.contents)-b.maxBytes:]
		for i, c := range b.contents {
			if c == '\n' {
				b.contents = b.contents[i+1:]
				break
			}
		}
	}
	return len(p), nil
}

func (b *tailBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	cp := make([]byte, len(b.contents))
	copy(cp, b.contents)
	return cp
}

func (b *tailBuffer) TotalBytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

func (b *tailBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.contents)) < b.total
}
