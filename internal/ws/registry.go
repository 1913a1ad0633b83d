package ws

import (
	"sync"
	"time"

	"aquachat/internal/domain/presence"
	"aquachat/pkg/logger"

	"github.com/google/uuid"
)

type userPresence struct {
	lastSeen time.Time
	typingIn *uuid.UUID
}

// Registry is the single source of truth for which connections belong to
// which user right now, and for the room membership tables the emitter fans
// out over. It owns its own synchronization; callers never lock.
type Registry struct {
	mu sync.RWMutex

	// clients maps connection id to client
	clients map[string]*Client

	// users maps user id to that user's live connections
	users map[uuid.UUID]map[string]*Client

	// rooms maps room name to member connections
	rooms map[string]map[string]*Client

	// clientRooms tracks each connection's memberships for cleanup
	clientRooms map[string]map[string]struct{}

	presence map[uuid.UUID]*userPresence

	// onReap is invoked, outside the lock, after MarkStale removes a
	// connection. The read pump's own disconnect path never goes through it.
	onReap func(c *Client, last bool, typingIn *uuid.UUID)

	logger *logger.Logger
}

func NewRegistry(l *logger.Logger) *Registry {
	return &Registry{
		clients:     make(map[string]*Client),
		users:       make(map[uuid.UUID]map[string]*Client),
		rooms:       make(map[string]map[string]*Client),
		clientRooms: make(map[string]map[string]struct{}),
		presence:    make(map[uuid.UUID]*userPresence),
		logger:      l,
	}
}

// Register adds a connection. Idempotent on connection id. Returns true when
// this is the user's first live connection (offline -> online transition).
func (r *Registry) Register(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[c.ID]; ok {
		return false
	}

	r.clients[c.ID] = c
	first := len(r.users[c.UserID]) == 0
	if r.users[c.UserID] == nil {
		r.users[c.UserID] = make(map[string]*Client)
	}
	r.users[c.UserID][c.ID] = c

	if r.presence[c.UserID] == nil {
		r.presence[c.UserID] = &userPresence{}
	}
	return first
}

// Unregister removes a connection and all its room memberships. Unknown ids
// and duplicate disconnect signals degrade to no-ops; the connection count is
// never double-decremented. Returns the removed client and whether this was
// the user's last connection.
func (r *Registry) Unregister(connID string) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, last, _ := r.removeLocked(connID)
	return c, last
}

// OnReap installs the stale-removal callback. Reaping a connection mirrors a
// disconnect, so whoever owns the disconnect side effects owns this too.
func (r *Registry) OnReap(fn func(c *Client, last bool, typingIn *uuid.UUID)) {
	r.mu.Lock()
	r.onReap = fn
	r.mu.Unlock()
}

func (r *Registry) removeLocked(connID string) (*Client, bool, *uuid.UUID) {
	c, ok := r.clients[connID]
	if !ok {
		return nil, false, nil
	}
	delete(r.clients, connID)

	for room := range r.clientRooms[connID] {
		if members, ok := r.rooms[room]; ok {
			delete(members, connID)
			if len(members) == 0 {
				delete(r.rooms, room)
			}
		}
	}
	delete(r.clientRooms, connID)

	last := false
	var typingIn *uuid.UUID
	if conns, ok := r.users[c.UserID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.users, c.UserID)
			last = true
			if p := r.presence[c.UserID]; p != nil {
				typingIn = p.typingIn
				p.lastSeen = time.Now()
				p.typingIn = nil
			}
		}
	}

	c.Close()
	return c, last, typingIn
}

// MarkStale removes a connection that failed a delivery attempt. Same
// semantics as Unregister, then hands the removal to the onReap callback so
// the offline side effects of a vanished last connection are not lost.
func (r *Registry) MarkStale(connID string) (*Client, bool) {
	r.mu.Lock()
	c, last, typingIn := r.removeLocked(connID)
	fn := r.onReap
	r.mu.Unlock()

	if c == nil {
		return nil, false
	}
	if r.logger != nil {
		r.logger.Warnf("reaped stale connection user=%s conn=%s", c.UserID, connID)
	}
	if fn != nil {
		fn(c, last, typingIn)
	}
	return c, last
}

// Connection returns the client for a connection id.
func (r *Registry) Connection(connID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[connID]
	return c, ok
}

// ConnectionsFor returns a snapshot of the user's live connections.
func (r *Registry) ConnectionsFor(userID uuid.UUID) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Client, 0, len(r.users[userID]))
	for _, c := range r.users[userID] {
		conns = append(conns, c)
	}
	return conns
}

// OnlineCount returns the user's active connection count.
func (r *Registry) OnlineCount(userID uuid.UUID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID])
}

// Join adds a connection to a room. Unknown connections are ignored.
func (r *Registry) Join(connID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[connID]
	if !ok {
		return
	}
	if r.rooms[room] == nil {
		r.rooms[room] = make(map[string]*Client)
	}
	r.rooms[room][connID] = c

	if r.clientRooms[connID] == nil {
		r.clientRooms[connID] = make(map[string]struct{})
	}
	r.clientRooms[connID][room] = struct{}{}
}

// Leave removes a connection from a room.
func (r *Registry) Leave(connID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if members, ok := r.rooms[room]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	if rooms, ok := r.clientRooms[connID]; ok {
		delete(rooms, room)
	}
}

// RoomMembers returns a snapshot of the connections joined to a room.
func (r *Registry) RoomMembers(room string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := make([]*Client, 0, len(r.rooms[room]))
	for _, c := range r.rooms[room] {
		members = append(members, c)
	}
	return members
}

// AllClients returns a snapshot of every live connection.
func (r *Registry) AllClients() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		all = append(all, c)
	}
	return all
}

// SetTyping flips the user between typing and online. Returns false when the
// user has no live connection; typing state never affects connection counts.
func (r *Registry) SetTyping(userID, conversationID uuid.UUID, isTyping bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.users[userID]) == 0 {
		return false
	}
	p := r.presence[userID]
	if p == nil {
		p = &userPresence{}
		r.presence[userID] = p
	}
	if isTyping {
		conv := conversationID
		p.typingIn = &conv
	} else {
		p.typingIn = nil
	}
	return true
}

// Snapshot derives the user's presence from live connection state.
func (r *Registry) Snapshot(userID uuid.UUID) presence.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := presence.Snapshot{
		UserID:            userID,
		Status:            presence.StatusOffline,
		ActiveConnections: len(r.users[userID]),
	}
	if p := r.presence[userID]; p != nil {
		snap.LastSeen = p.lastSeen
		snap.TypingIn = p.typingIn
	}
	if snap.ActiveConnections > 0 {
		if snap.TypingIn != nil {
			snap.Status = presence.StatusTyping
		} else {
			snap.Status = presence.StatusOnline
		}
	}
	return snap
}

// Drain closes every connection, for process shutdown.
func (r *Registry) Drain() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id := range r.clients {
		r.removeLocked(id)
	}
}
