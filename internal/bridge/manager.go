package bridge

import (
	"context"
	"sync"
)

// Manager holds the live bridge per session id. Session initializations
// for the same id serialize on a per-id lock, and installing a
// replacement bridge (the user switched models) finalizes the old one
// before the new one becomes visible.
type Manager struct {
	mu      sync.RWMutex
	bridges map[string]*Bridge
	inits   map[string]*sync.Mutex
}

// NewManager constructs an empty Manager.
func NewManager() *Manager {
	return &Manager{
		bridges: make(map[string]*Bridge),
		inits:   make(map[string]*sync.Mutex),
	}
}

// initLock returns the per-session-id initialization lock.
func (m *Manager) initLock(sessionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.inits[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		m.inits[sessionID] = lock
	}
	return lock
}

// Install binds a bridge under its session id, finalizing any bridge
// previously installed there first. The old bridge is fully finalized
// before the new one becomes visible to Get.
func (m *Manager) Install(ctx context.Context, b *Bridge) error {
	lock := m.initLock(b.SessionID())
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	old := m.bridges[b.SessionID()]
	m.mu.RUnlock()

	if old != nil && old != b {
		if err := old.Finalize(ctx); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.bridges[b.SessionID()] = b
	m.mu.Unlock()
	return nil
}

// Get returns the bridge for a session id. The read lock is released
// before the caller awaits anything on the bridge.
func (m *Manager) Get(sessionID string) (*Bridge, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bridges[sessionID]
	return b, ok
}

// Remove finalizes and forgets a session's bridge.
func (m *Manager) Remove(ctx context.Context, sessionID string) error {
	lock := m.initLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	b, ok := m.bridges[sessionID]
	delete(m.bridges, sessionID)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return b.Finalize(ctx)
}

// Shutdown finalizes every live bridge.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	bridges := m.bridges
	m.bridges = make(map[string]*Bridge)
	m.mu.Unlock()

	for _, b := range bridges {
		_ = b.Finalize(ctx)
	}
}
