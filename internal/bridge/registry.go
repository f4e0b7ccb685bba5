package bridge

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// BridgeRegistry is the process-wide live-bridge directory (§2 item 1).
// It exists so multi-bridge operations (move, merge, transfer) can look
// a bridge up by ID and callers can list every live bridge.
type BridgeRegistry struct {
	mu       sync.RWMutex
	byID     map[uuid.UUID]*Bridge
}

func NewBridgeRegistry() *BridgeRegistry {
	return &BridgeRegistry{byID: make(map[uuid.UUID]*Bridge)}
}

func (r *BridgeRegistry) register(b *Bridge) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[b.ID] = b
}

func (r *BridgeRegistry) unregister(b *Bridge) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, b.ID)
}

// Get looks up a live bridge by ID.
func (r *BridgeRegistry) Get(id uuid.UUID) (*Bridge, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byID[id]
	return b, ok
}

// All returns a snapshot of every live bridge, sorted by ID string
// ascending, the same order lockTwo uses for cross-bridge locks.
func (r *BridgeRegistry) All() []*Bridge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Bridge, 0, len(r.byID))
	for _, b := range r.byID {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

// Len reports the number of currently-registered bridges.
func (r *BridgeRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Manager runs every bridge's deferred action queue off the bridge lock
// (§4.3 "a shared manager thread services deferred actions"). One
// Manager is shared by every Bridge constructed with it in Options.
type Manager struct {
	mu      sync.Mutex
	pending map[*Bridge]struct{}
	wake    chan struct{}
	done    chan struct{}
}

// NewManager starts the manager goroutine and returns a handle. Stop
// shuts it down.
func NewManager() *Manager {
	m := &Manager{
		pending: make(map[*Bridge]struct{}),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *Manager) notify(b *Bridge) {
	m.mu.Lock()
	m.pending[b] = struct{}{}
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) run() {
	for {
		select {
		case <-m.done:
			return
		case <-m.wake:
			m.drainOnce()
		}
	}
}

func (m *Manager) drainOnce() {
	m.mu.Lock()
	batch := make([]*Bridge, 0, len(m.pending))
	for b := range m.pending {
		batch = append(batch, b)
	}
	m.pending = make(map[*Bridge]struct{})
	m.mu.Unlock()

	for _, b := range batch {
		b.drainActions()
	}
}

// Stop shuts the manager goroutine down. Any bridge actions enqueued
// after Stop accumulate until drained by a direct call to
// Bridge.drainActions (e.g. Bridge.Destroy, which drains synchronously).
func (m *Manager) Stop() {
	close(m.done)
}
