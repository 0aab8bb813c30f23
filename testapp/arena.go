package testapp

import (
	"sync"

	"github.com/ethereum-optimism/infra/op-testhost/types"
	"github.com/ethereum/go-ethereum/log"
)

// Arena owns every Handle created during a run. Handles get stable integer ids
// in creation order. Handles that emitted Run are recorded as active and are
// disposed together, once, by DisposeAll.
type Arena struct {
	log log.Logger

	mu       sync.Mutex
	handles  []*Handle
	active   []int
	disposed bool
}

// NewArena creates an empty arena
func NewArena(logger log.Logger) *Arena {
	if logger == nil {
		logger = log.New()
	}
	return &Arena{log: logger.New("component", "arena")}
}

// NewHandle creates a handle for module with the next free id
func (a *Arena) NewHandle(module types.TestModule) *Handle {
	a.mu.Lock()
	defer a.mu.Unlock()

	h := NewHandle(a.log, len(a.handles)+1, module)
	a.handles = append(a.handles, h)
	return h
}

// Get returns the handle with the given id
func (a *Arena) Get(id int) (*Handle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if id < 1 || id > len(a.handles) {
		return nil, false
	}
	return a.handles[id-1], true
}

// Len returns the number of handles created
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.handles)
}

// Activate records that the handle with the given id is live and needs disposal
func (a *Arena) Activate(id int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.disposed {
		a.log.Warn("Handle activated after disposal", "id", id)
	}
	a.active = append(a.active, id)
}

// Active returns the ids of activated handles in activation order
func (a *Arena) Active() []int {
	a.mu.Lock()
	defer a.mu.Unlock()

	ids := make([]int, len(a.active))
	copy(ids, a.active)
	return ids
}

// DisposeAll disposes every activated handle in activation order and returns
// how many were disposed. Only the first call has any effect.
func (a *Arena) DisposeAll() int {
	a.mu.Lock()
	if a.disposed {
		a.mu.Unlock()
		return 0
	}
	a.disposed = true
	ids := make([]int, len(a.active))
	copy(ids, a.active)
	handles := a.handles
	a.mu.Unlock()

	for _, id := range ids {
		handles[id-1].Dispose()
	}
	a.log.Debug("Disposed test applications", "count", len(ids))
	return len(ids)
}
