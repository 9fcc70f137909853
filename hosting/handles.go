package hosting

import (
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	testctl "github.com/ethereum-optimism/infra/op-testctl"
	"github.com/ethereum-optimism/infra/op-testctl/metrics"
)

// Handle names a controller held by a host
type Handle string

type handleEntry struct {
	controller *testctl.Controller
	created    time.Time
}

// HandleTable owns the controllers created across the boundary. Entries never
// expire; they live until Release or Close.
type HandleTable struct {
	log log.Logger

	mu      sync.RWMutex
	entries map[Handle]*handleEntry
}

func NewHandleTable(lgr log.Logger) *HandleTable {
	if lgr == nil {
		lgr = log.Root()
	}
	return &HandleTable{log: lgr, entries: make(map[Handle]*handleEntry)}
}

// Add stores c under a new handle
func (t *HandleTable) Add(c *testctl.Controller) Handle {
	h := Handle(uuid.NewString())
	t.mu.Lock()
	t.entries[h] = &handleEntry{controller: c, created: time.Now()}
	n := len(t.entries)
	t.mu.Unlock()
	metrics.SetControllersActive(n)
	t.log.Debug("Added controller", "handle", h, "module", c.ModuleRef(), "active", n)
	return h
}

// Get returns the controller for h
func (t *HandleTable) Get(h Handle) (*testctl.Controller, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[h]
	if !ok {
		return nil, ErrUnknownHandle
	}
	return e.controller, nil
}

// Release forcibly stops any run of h's controller, closes it and forgets h
func (t *HandleTable) Release(h Handle) error {
	t.mu.Lock()
	e, ok := t.entries[h]
	delete(t.entries, h)
	n := len(t.entries)
	t.mu.Unlock()
	if !ok {
		return ErrUnknownHandle
	}
	metrics.SetControllersActive(n)
	t.log.Debug("Released controller", "handle", h, "age", time.Since(e.created), "active", n)
	e.controller.StopRun(true)
	return e.controller.Close()
}

// List returns the live handles in sorted order
func (t *HandleTable) List() []Handle {
	t.mu.RLock()
	defer t.mu.RUnlock()
	handles := make([]Handle, 0, len(t.entries))
	for h := range t.entries {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })
	return handles
}

// Len returns the number of live handles
func (t *HandleTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Close releases every handle
func (t *HandleTable) Close() {
	for _, h := range t.List() {
		if err := t.Release(h); err != nil {
			t.log.Warn("Failed to release controller", "handle", h, "err", err)
		}
	}
}
