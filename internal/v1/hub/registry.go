package hub

import (
	"sync"

	"github.com/signalhub/hub/internal/v1/config"
	"github.com/signalhub/hub/internal/v1/metrics"
)

// Room is a named set of connections the router broadcasts among;
// membership is exclusive (one room per connection at a time).
type Room struct {
	ID      string
	Config  config.RoomConfig
	Members map[string]*Connection
}

// Registry centralizes every piece of cross-connection mutable state the
// concurrency model calls out: the connection table, the room table, the
// per-IP connection counts, and the total connection count. All of it is
// serialized by a single lock; fan-out snapshots the relevant member set
// under the lock and sends outside it.
type Registry struct {
	mu          sync.Mutex
	cfg         *config.Config
	connections map[string]*Connection
	rooms       map[string]*Room
	ipCounts    map[string]int
	total       int
}

// NewRegistry builds an empty registry bound to a configuration snapshot.
func NewRegistry(cfg *config.Config) *Registry {
	return &Registry{
		cfg:         cfg,
		connections: make(map[string]*Connection),
		rooms:       make(map[string]*Room),
		ipCounts:    make(map[string]int),
	}
}

// TotalConnections returns the live connection count.
func (r *Registry) TotalConnections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// IPConnections returns the live connection count sharing ip.
func (r *Registry) IPConnections(ip string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ipCounts[ip]
}

// DefaultRoomSize returns the current membership of the default room, or
// 0 if none is configured or it has no members yet. Room capacity is
// checked at upgrade time against the default room only (§4.6 gap,
// preserved deliberately — see DESIGN.md).
func (r *Registry) DefaultRoomSize() int {
	defaultRoom, ok := r.cfg.DefaultRoom()
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[defaultRoom.ID]
	if !ok {
		return 0
	}
	return len(room.Members)
}

// Admit registers a newly upgraded connection and bumps its IP and total
// counters. Call only after the admission pipeline's capacity gates have
// already passed.
func (r *Registry) Admit(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections[conn.ID] = conn
	r.ipCounts[conn.IP]++
	r.total++
	metrics.IncConnection()
}

// Remove tears down a connection's registry bookkeeping: the room
// membership (if any), the IP count (removing the key at zero), and the
// connection table entry. Safe to call more than once for the same
// connection; later calls are no-ops.
func (r *Registry) Remove(conn *Connection) {
	r.mu.Lock()
	if _, ok := r.connections[conn.ID]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.connections, conn.ID)

	r.ipCounts[conn.IP]--
	if r.ipCounts[conn.IP] <= 0 {
		delete(r.ipCounts, conn.IP)
	}

	r.total--
	r.mu.Unlock()

	r.leaveLocked(conn)
	metrics.DecConnection()
}

// ConnectionByClientID finds a live connection by its wire-visible
// clientId, used by unicast routing. The connection's authentication state
// is not checked.
func (r *Registry) ConnectionByClientID(clientID string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.connections {
		if c.ClientID() == clientID {
			return c, true
		}
	}
	return nil, false
}

// SnapshotAll returns every live connection, for global (roomless)
// broadcast.
func (r *Registry) SnapshotAll() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Connection, 0, len(r.connections))
	for _, c := range r.connections {
		out = append(out, c)
	}
	return out
}

// SnapshotRoom returns every member of a room, for room broadcast.
func (r *Registry) SnapshotRoom(roomID string) []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]*Connection, 0, len(room.Members))
	for _, c := range room.Members {
		out = append(out, c)
	}
	return out
}

// RoomConfig returns the configuration of the room a connection currently
// belongs to, if any.
func (r *Registry) RoomConfig(roomID string) (config.RoomConfig, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return config.RoomConfig{}, false
	}
	return room.Config, true
}

// Join resolves the target room (falling back to the default room when
// roomID is unknown, per §4.6's preserved fallback contract), leaving the
// connection's current room first if it is joining a different one.
// Returns the id of the room the connection actually ended up in.
func (r *Registry) Join(conn *Connection, roomID string) (resolvedRoomID string, ok bool) {
	current := conn.RoomID()
	if current != "" && current != roomID {
		r.leaveLocked(conn)
	}

	resolved, resolvedCfg, ok := r.resolveRoom(roomID)
	if !ok {
		return "", false
	}

	r.mu.Lock()
	room, exists := r.rooms[resolved]
	if !exists {
		room = &Room{ID: resolved, Config: resolvedCfg, Members: make(map[string]*Connection)}
		r.rooms[resolved] = room
		metrics.ActiveRooms.Inc()
	}
	room.Members[conn.ID] = conn
	metrics.RoomMembers.WithLabelValues(resolved).Set(float64(len(room.Members)))
	r.mu.Unlock()

	conn.setRoomID(resolved)
	return resolved, true
}

func (r *Registry) resolveRoom(roomID string) (id string, cfg config.RoomConfig, ok bool) {
	if rc, found := r.cfg.RoomByID(roomID); found {
		return rc.ID, rc, true
	}
	if rc, found := r.cfg.DefaultRoom(); found {
		return rc.ID, rc, true
	}
	return "", config.RoomConfig{}, false
}

// Leave removes a connection from its current room, dropping the room
// record entirely once it empties. A no-op if the connection is not in a
// room.
func (r *Registry) Leave(conn *Connection) {
	r.leaveLocked(conn)
}

func (r *Registry) leaveLocked(conn *Connection) {
	roomID := conn.RoomID()
	if roomID == "" {
		return
	}

	r.mu.Lock()
	room, ok := r.rooms[roomID]
	if ok {
		delete(room.Members, conn.ID)
		if len(room.Members) == 0 {
			delete(r.rooms, roomID)
			metrics.ActiveRooms.Dec()
			metrics.RoomMembers.DeleteLabelValues(roomID)
		} else {
			metrics.RoomMembers.WithLabelValues(roomID).Set(float64(len(room.Members)))
		}
	}
	r.mu.Unlock()

	conn.setRoomID("")
}

// Shutdown returns a snapshot of every live connection so the caller can
// close them outside the lock, per the graceful-shutdown drain pattern.
func (r *Registry) Shutdown() []*Connection {
	return r.SnapshotAll()
}
