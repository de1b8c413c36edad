package relay

import (
	"sort"
	"sync"
	"time"
)

// Entry is a point-in-time copy of one registry record.
type Entry struct {
	DeviceID string
	Conn     *Connection
	LastSeen time.Time
}

type entry struct {
	conn     *Connection
	lastSeen time.Time
}

// Registry maps device identifiers to their active Connection and last-seen
// time, and tracks every attached Connection whether registered or not.
// It is the single source of truth for "who is online".
//
// A registration under an id that is already present replaces the entry but
// does not close the superseded Connection. The orphan stays attached until
// its socket goes away.
//
// All public methods are thread-safe and mutually exclusive.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	conns   map[*Connection]struct{}
	now     Clock
}

// NewRegistry creates an empty registry. A nil clock means time.Now.
func NewRegistry(clock Clock) *Registry {
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		entries: make(map[string]*entry),
		conns:   make(map[*Connection]struct{}),
		now:     clock,
	}
}

// Attach adds conn to the set of live connections.
func (r *Registry) Attach(conn *Connection) {
	r.mu.Lock()
	r.conns[conn] = struct{}{}
	r.mu.Unlock()
}

// Detach removes conn from the set of live connections.
// It does not touch device entries; use RemoveIf for that.
func (r *Registry) Detach(conn *Connection) {
	r.mu.Lock()
	delete(r.conns, conn)
	r.mu.Unlock()
}

// Register inserts or replaces the entry for id with last-seen = now.
//
// The open check happens under the registry lock so a registration can never
// race a concurrent close into a dangling entry: either the close callback
// sees the entry and removes it, or Register sees the closing state.
//
// Returns the superseded connection (nil if none, or if it was conn itself),
// or ErrConnectionClosed if conn is no longer open.
func (r *Registry) Register(id string, conn *Connection) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !conn.IsOpen() {
		return nil, ErrConnectionClosed
	}

	var previous *Connection
	if e, ok := r.entries[id]; ok && e.conn != conn {
		previous = e.conn
	}
	r.entries[id] = &entry{conn: conn, lastSeen: r.now()}
	return previous, nil
}

// Touch refreshes last-seen for id. The stored timestamp strictly increases
// even if the clock has not advanced. Returns ErrNotRegistered if id is absent.
func (r *Registry) Touch(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return ErrNotRegistered
	}
	now := r.now()
	if !now.After(e.lastSeen) {
		now = e.lastSeen.Add(time.Nanosecond)
	}
	e.lastSeen = now
	return nil
}

// Lookup returns the current connection for id.
func (r *Registry) Lookup(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// LastSeen returns the stored last-seen time for id.
func (r *Registry) LastSeen(id string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return time.Time{}, false
	}
	return e.lastSeen, true
}

// Get returns a copy of the entry for id, read under a single lock so the
// connection and last-seen time belong together.
func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	return Entry{DeviceID: id, Conn: e.conn, LastSeen: e.lastSeen}, true
}

// Remove deletes the entry for id and returns its connection if present.
func (r *Registry) Remove(id string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	delete(r.entries, id)
	return e.conn, true
}

// RemoveIf deletes the entry for id only if it still belongs to conn.
// Close paths use it so an orphaned connection never removes the entry of
// the connection that replaced it. Reports whether an entry was removed.
func (r *Registry) RemoveIf(id string, conn *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.conn != conn {
		return false
	}
	delete(r.entries, id)
	return true
}

// RemoveStale deletes the entry for id if it still belongs to conn and was
// last seen before cutoff. A heartbeat that lands between a snapshot and the
// eviction keeps the entry alive.
func (r *Registry) RemoveStale(id string, conn *Connection, cutoff time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.conn != conn || !e.lastSeen.Before(cutoff) {
		return false
	}
	delete(r.entries, id)
	return true
}

// Snapshot returns a consistent copy of all entries, sorted by device ID.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	entries := make([]Entry, 0, len(r.entries))
	for id, e := range r.entries {
		entries = append(entries, Entry{DeviceID: id, Conn: e.conn, LastSeen: e.lastSeen})
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].DeviceID < entries[j].DeviceID
	})
	return entries
}

// Connections returns a copy of every attached connection.
func (r *Registry) Connections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}

// ConnectionCount returns the number of attached connections.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// RegisteredCount returns the number of registered device IDs.
func (r *Registry) RegisteredCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
