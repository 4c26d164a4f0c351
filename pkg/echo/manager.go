package echo

import (
	"container/list"
	"fmt"
	"sync"
)

// DefaultMaxSessions is the session cache capacity when none is given.
const DefaultMaxSessions = 1024

// Manager hands out the per-session Echo singleton. Two goroutines asking
// for the same session id get the same *Echo. The manager is a bounded
// cache: when the capacity is exceeded the least recently used session is
// dropped from the process, with the eviction hook given a last look at it
// (typically to persist a snapshot). Persisted snapshots are unaffected by
// eviction.
type Manager struct {
	mu       sync.Mutex
	capacity int
	onEvict  func(*Echo)
	sessions map[string]*list.Element
	order    *list.List // front = most recently used
}

// NewManager creates a manager with the default capacity and no eviction
// hook.
func NewManager() *Manager {
	return NewManagerSized(0, nil)
}

// NewManagerSized creates a manager holding at most capacity sessions.
// Zero or negative capacity means DefaultMaxSessions. The hook, when set,
// runs once per evicted session after it has left the cache.
func NewManagerSized(capacity int, onEvict func(*Echo)) *Manager {
	if capacity <= 0 {
		capacity = DefaultMaxSessions
	}
	return &Manager{
		capacity: capacity,
		onEvict:  onEvict,
		sessions: make(map[string]*list.Element),
		order:    list.New(),
	}
}

// GetOrCreate returns the session's Echo, creating it on first use. An empty
// session id mints a fresh one. Caller and parent ids only apply at creation;
// they are immutable afterwards.
func (m *Manager) GetOrCreate(sessionID, callerID, parentSessionID string) *Echo {
	if sessionID == "" {
		sessionID = NewSessionID()
	}

	m.mu.Lock()
	if el, ok := m.sessions[sessionID]; ok {
		m.order.MoveToFront(el)
		e := el.Value.(*Echo)
		m.mu.Unlock()
		return e
	}
	e := New(sessionID, callerID, parentSessionID)
	m.sessions[sessionID] = m.order.PushFront(e)
	evicted := m.evictOverCapacity()
	m.mu.Unlock()

	m.notify(evicted)
	return e
}

// Get returns an existing Echo without creating one, refreshing its recency.
func (m *Manager) Get(sessionID string) (*Echo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	m.order.MoveToFront(el)
	return el.Value.(*Echo), true
}

// Adopt registers a restored or branched Echo under its session id.
func (m *Manager) Adopt(e *Echo) error {
	m.mu.Lock()
	if _, exists := m.sessions[e.SessionID()]; exists {
		m.mu.Unlock()
		return fmt.Errorf("echo: session %q already active", e.SessionID())
	}
	m.sessions[e.SessionID()] = m.order.PushFront(e)
	evicted := m.evictOverCapacity()
	m.mu.Unlock()

	m.notify(evicted)
	return nil
}

// Release drops the session from the in-process cache without invoking the
// eviction hook. Persisted snapshots are unaffected.
func (m *Manager) Release(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.sessions[sessionID]; ok {
		m.order.Remove(el)
		delete(m.sessions, sessionID)
	}
}

// Count returns the number of cached sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Children returns the cached session ids whose parent is the given session.
func (m *Manager) Children(parentSessionID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, el := range m.sessions {
		if el.Value.(*Echo).ParentSessionID() == parentSessionID {
			out = append(out, id)
		}
	}
	return out
}

// evictOverCapacity pops least recently used sessions until the cache fits.
// Caller holds the lock; the evicted sessions are returned so the hook can
// run outside it.
func (m *Manager) evictOverCapacity() []*Echo {
	var evicted []*Echo
	for len(m.sessions) > m.capacity {
		el := m.order.Back()
		if el == nil {
			break
		}
		e := m.order.Remove(el).(*Echo)
		delete(m.sessions, e.SessionID())
		evicted = append(evicted, e)
	}
	return evicted
}

func (m *Manager) notify(evicted []*Echo) {
	if m.onEvict == nil {
		return
	}
	for _, e := range evicted {
		m.onEvict(e)
	}
}
