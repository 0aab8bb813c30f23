package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum-optimism/infra/op-testhost/types"
	"github.com/ethereum/go-ethereum/log"
)

// ErrNotRegistered is returned when an event references a test application
// whose handshake was never recorded
var ErrNotRegistered = errors.New("test application not registered")

// Registry maps a test application's arena id to the execution metadata
// received during its handshake. It is written by the handshake handler and
// read by every later handler, typically on different goroutines.
type Registry struct {
	log        log.Logger
	executions map[int]types.ExecutionInfo
	mu         sync.RWMutex
}

// New creates an empty registry
func New(logger log.Logger) *Registry {
	if logger == nil {
		logger = log.New()
	}
	return &Registry{
		log:        logger.New("component", "registry"),
		executions: make(map[int]types.ExecutionInfo),
	}
}

// Register records the execution metadata for a handle, replacing any
// previous record for the same id
func (r *Registry) Register(id int, info types.ExecutionInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, exists := r.executions[id]; exists {
		r.log.Warn("Replacing execution info", "id", id, "previous", prev.ExecutionID, "execution_id", info.ExecutionID)
	}
	r.executions[id] = info
	r.log.Debug("Registered execution", "id", id, "module", info.ModulePath, "execution_id", info.ExecutionID)
}

// Lookup returns the execution metadata for a handle.
// The returned error wraps ErrNotRegistered on a miss.
func (r *Registry) Lookup(id int) (types.ExecutionInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.executions[id]
	if !ok {
		return types.ExecutionInfo{}, fmt.Errorf("handle %d: %w", id, ErrNotRegistered)
	}
	return info, nil
}

// Len returns the number of registered executions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.executions)
}

// Snapshot returns all registered executions ordered by handle id
func (r *Registry) Snapshot() []types.ExecutionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]int, 0, len(r.executions))
	for id := range r.executions {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	infos := make([]types.ExecutionInfo, 0, len(ids))
	for _, id := range ids {
		infos = append(infos, r.executions[id])
	}
	return infos
}
