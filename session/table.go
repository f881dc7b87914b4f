package session

import (
	"net/netip"
	"sync"
)

// Table indexes live sessions by id and tracks the single active
// session per peer. The table lock only guards membership; session
// state is guarded by each Session's own lock, so traffic for
// unrelated peers never serializes on the table.
type Table struct {
	mu     sync.RWMutex
	byID   map[uint64]*Session
	active map[netip.Addr]*Session
}

// NewTable creates an empty session table.
func NewTable() *Table {
	return &Table{
		byID:   make(map[uint64]*Session),
		active: make(map[netip.Addr]*Session),
	}
}

// Insert adds a session. When makeActive is set, it becomes the active
// session for its peer and any previous active session is returned so
// the caller can drain it; the superseded session stays resolvable by
// id until the caller removes it.
func (t *Table) Insert(s *Session, makeActive bool) (superseded *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.byID[s.ID()] = s
	if makeActive {
		superseded = t.active[s.RemoteAddr()]
		t.active[s.RemoteAddr()] = s
		if superseded == s {
			superseded = nil
		}
	}
	return superseded
}

// Get resolves a session by id.
func (t *Table) Get(id uint64) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.byID[id]
	return s, ok
}

// Active returns the active session towards a peer, if any.
func (t *Table) Active(peer netip.Addr) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.active[peer]
	return s, ok
}

// Remove deletes a session by id. The active slot for the peer is only
// cleared when it still points at this session.
func (t *Table) Remove(id uint64) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	delete(t.byID, id)
	if t.active[s.RemoteAddr()] == s {
		delete(t.active, s.RemoteAddr())
	}
	return s, true
}

// RemovePeer deletes every session towards a peer and returns them.
func (t *Table) RemovePeer(peer netip.Addr) []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []*Session
	for id, s := range t.byID {
		if s.RemoteAddr() == peer {
			delete(t.byID, id)
			removed = append(removed, s)
		}
	}
	delete(t.active, peer)
	return removed
}

// HasPeer reports whether any session, active or draining, still
// references the peer.
func (t *Table) HasPeer(peer netip.Addr) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, s := range t.byID {
		if s.RemoteAddr() == peer {
			return true
		}
	}
	return false
}

// All returns a snapshot of every session in the table.
func (t *Table) All() []*Session {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Session, 0, len(t.byID))
	for _, s := range t.byID {
		out = append(out, s)
	}
	return out
}

// Len returns the number of sessions in the table.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}
