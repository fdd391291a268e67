package presence

import (
	"errors"
	"hash/fnv"
	"log"
	"sync"

	"devlink-server/internal/model"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrNotController   = errors.New("not a controller session")
)

// EventWriter delivers one named event with a payload to a live connection.
type EventWriter interface {
	WriteEvent(event string, data any) error
	Close() error
}

// Session is a registered connection plus its write side.
type Session struct {
	model.Session
	Writer EventWriter
}

const shardCount = 16

type shard struct {
	mu sync.RWMutex

	// deviceSessions holds at most one live device session per device id.
	deviceSessions map[string]*Session

	// rooms maps device id to the sessions watching that device. The
	// device's own session is a member of its room.
	rooms map[string]map[string]*Session
}

// Registry tracks live sessions and device rooms. All state is
// process-lifetime only; rooms and device bindings are sharded by device id
// so devices do not contend with each other.
type Registry struct {
	shards [shardCount]*shard

	sessMu       sync.RWMutex
	sessions     map[string]*Session
	joined       map[string]map[string]struct{} // session id -> device ids
	byController map[string]map[string]*Session // controller id -> sessions
}

func NewRegistry() *Registry {
	r := &Registry{
		sessions:     make(map[string]*Session),
		joined:       make(map[string]map[string]struct{}),
		byController: make(map[string]map[string]*Session),
	}
	for i := range r.shards {
		r.shards[i] = &shard{
			deviceSessions: make(map[string]*Session),
			rooms:          make(map[string]map[string]*Session),
		}
	}
	return r
}

func (r *Registry) shardFor(deviceID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(deviceID))
	return r.shards[h.Sum32()%shardCount]
}

// Register records a new authenticated session. A device session binds its
// device id; if another device session already holds that id the old one is
// evicted (last-writer-wins) and its room is told, so a reconnecting device
// always beats a stale socket.
func (r *Registry) Register(sess model.Session, w EventWriter) *Session {
	s := &Session{Session: sess, Writer: w}

	r.sessMu.Lock()
	r.sessions[s.ID] = s
	if !s.IsDevice() {
		set := r.byController[s.PrincipalID]
		if set == nil {
			set = make(map[string]*Session)
			r.byController[s.PrincipalID] = set
		}
		set[s.ID] = s
	}
	r.sessMu.Unlock()

	if !s.IsDevice() {
		return s
	}

	sh := r.shardFor(s.DeviceID)
	sh.mu.Lock()
	old := sh.deviceSessions[s.DeviceID]
	sh.deviceSessions[s.DeviceID] = s
	room := sh.rooms[s.DeviceID]
	if room == nil {
		room = make(map[string]*Session)
		sh.rooms[s.DeviceID] = room
	}
	if old != nil {
		delete(room, old.ID)
	}
	room[s.ID] = s
	members := snapshotRoom(room)
	sh.mu.Unlock()

	if old != nil {
		log.Printf("presence: device %s reconnected, evicting session %s", s.DeviceID, old.ID)
		r.dropSession(old.ID)
		_ = old.Writer.Close()
		emit(members, "device-disconnected", map[string]any{"deviceId": s.DeviceID, "sessionId": old.ID})
	}
	emit(members, "device-status", map[string]any{"deviceId": s.DeviceID, "online": true})
	return s
}

// Unregister removes a session. A device session going away marks the
// device offline and notifies every controller in its room.
func (r *Registry) Unregister(sessionID string) {
	r.sessMu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.sessMu.Unlock()
		return
	}
	delete(r.sessions, sessionID)
	joined := r.joined[sessionID]
	delete(r.joined, sessionID)
	r.removeControllerIndexLocked(s)
	r.sessMu.Unlock()

	if s.IsDevice() {
		sh := r.shardFor(s.DeviceID)
		sh.mu.Lock()
		var members []*Session
		if current := sh.deviceSessions[s.DeviceID]; current != nil && current.ID == sessionID {
			delete(sh.deviceSessions, s.DeviceID)
			room := sh.rooms[s.DeviceID]
			delete(room, sessionID)
			if len(room) == 0 {
				delete(sh.rooms, s.DeviceID)
			}
			members = snapshotRoom(room)
		}
		sh.mu.Unlock()
		emit(members, "device-status", map[string]any{"deviceId": s.DeviceID, "online": false})
		return
	}

	for deviceID := range joined {
		sh := r.shardFor(deviceID)
		sh.mu.Lock()
		room := sh.rooms[deviceID]
		delete(room, sessionID)
		if len(room) == 0 {
			delete(sh.rooms, deviceID)
		}
		sh.mu.Unlock()
	}
}

// dropSession removes bookkeeping for an evicted session without touching
// its room (the caller already did).
func (r *Registry) dropSession(sessionID string) {
	r.sessMu.Lock()
	if s, ok := r.sessions[sessionID]; ok {
		r.removeControllerIndexLocked(s)
	}
	delete(r.sessions, sessionID)
	delete(r.joined, sessionID)
	r.sessMu.Unlock()
}

func (r *Registry) removeControllerIndexLocked(s *Session) {
	if s.IsDevice() {
		return
	}
	set := r.byController[s.PrincipalID]
	delete(set, s.ID)
	if len(set) == 0 {
		delete(r.byController, s.PrincipalID)
	}
}

// ControllerSessions returns every live session held by a controller
// principal. Command responses are routed here by identity, never
// broadcast to unrelated sockets.
func (r *Registry) ControllerSessions(controllerID string) []*Session {
	r.sessMu.RLock()
	defer r.sessMu.RUnlock()
	return snapshotRoom(r.byController[controllerID])
}

func (r *Registry) GetSession(sessionID string) (*Session, bool) {
	r.sessMu.RLock()
	defer r.sessMu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// LookupDeviceSession reports the live session bound to a device, if any.
func (r *Registry) LookupDeviceSession(deviceID string) (*Session, bool) {
	sh := r.shardFor(deviceID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.deviceSessions[deviceID]
	return s, ok
}

// JoinRoom subscribes a controller session to a device's events. A
// controller may watch any number of devices.
func (r *Registry) JoinRoom(controllerSessionID, deviceID string) error {
	r.sessMu.Lock()
	s, ok := r.sessions[controllerSessionID]
	if !ok {
		r.sessMu.Unlock()
		return ErrSessionNotFound
	}
	if s.IsDevice() {
		r.sessMu.Unlock()
		return ErrNotController
	}
	set := r.joined[controllerSessionID]
	if set == nil {
		set = make(map[string]struct{})
		r.joined[controllerSessionID] = set
	}
	set[deviceID] = struct{}{}
	r.sessMu.Unlock()

	sh := r.shardFor(deviceID)
	sh.mu.Lock()
	room := sh.rooms[deviceID]
	if room == nil {
		room = make(map[string]*Session)
		sh.rooms[deviceID] = room
	}
	room[controllerSessionID] = s
	sh.mu.Unlock()
	return nil
}

func (r *Registry) LeaveRoom(controllerSessionID, deviceID string) {
	r.sessMu.Lock()
	if set := r.joined[controllerSessionID]; set != nil {
		delete(set, deviceID)
	}
	r.sessMu.Unlock()

	sh := r.shardFor(deviceID)
	sh.mu.Lock()
	room := sh.rooms[deviceID]
	delete(room, controllerSessionID)
	if len(room) == 0 {
		delete(sh.rooms, deviceID)
	}
	sh.mu.Unlock()
}

// InRoom reports whether a session is currently a member of a device's room.
func (r *Registry) InRoom(sessionID, deviceID string) bool {
	sh := r.shardFor(deviceID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	_, ok := sh.rooms[deviceID][sessionID]
	return ok
}

// BroadcastToRoom sends an event to every member of a device's room.
func (r *Registry) BroadcastToRoom(deviceID, event string, data any) {
	sh := r.shardFor(deviceID)
	sh.mu.RLock()
	members := snapshotRoom(sh.rooms[deviceID])
	sh.mu.RUnlock()
	emit(members, event, data)
}

// Clear drops every session and room, closing all writers. Used at
// shutdown.
func (r *Registry) Clear() {
	r.sessMu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.joined = make(map[string]map[string]struct{})
	r.byController = make(map[string]map[string]*Session)
	r.sessMu.Unlock()

	for i := range r.shards {
		sh := r.shards[i]
		sh.mu.Lock()
		sh.deviceSessions = make(map[string]*Session)
		sh.rooms = make(map[string]map[string]*Session)
		sh.mu.Unlock()
	}

	for _, s := range sessions {
		_ = s.Writer.Close()
	}
}

func snapshotRoom(room map[string]*Session) []*Session {
	members := make([]*Session, 0, len(room))
	for _, m := range room {
		members = append(members, m)
	}
	return members
}

func emit(members []*Session, event string, data any) {
	for _, m := range members {
		if err := m.Writer.WriteEvent(event, data); err != nil {
			_ = m.Writer.Close()
		}
	}
}
