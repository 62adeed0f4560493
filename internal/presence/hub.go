package presence

import "sync"

// Hub owns the room map. Rooms are created on first join and reaped once the
// last member leaves; cross-room operations never serialize on each other.
type Hub struct {
	cfg    RoomConfig
	mirror Mirror
	sink   EventSink

	mu     sync.Mutex
	rooms  map[string]*Room
	closed bool

	// versions retains the last version of reaped rooms so a recreated room
	// never hands out a version that was already used.
	versions map[string]uint64
}

func NewHub(cfg RoomConfig, mirror Mirror, sink EventSink) *Hub {
	return &Hub{
		cfg:      cfg,
		mirror:   mirror,
		sink:     sink,
		rooms:    make(map[string]*Room),
		versions: make(map[string]uint64),
	}
}

// SeedVersion primes the version counter for an entity, typically from the
// latest snapshot in the history store at startup. Lower seeds never win.
func (h *Hub) SeedVersion(ref EntityRef, version uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if version > h.versions[ref.Key()] {
		h.versions[ref.Key()] = version
	}
}

// Join attaches a session to the entity's room, creating the room when it is
// the first viewer. Retries transparently if it races a reap.
func (h *Hub) Join(session Session, sub Subscriber) (*Room, Snapshot, error) {
	for {
		room := h.room(session.Entity)
		if room == nil {
			return nil, Snapshot{}, ErrRoomClosed
		}
		snapshot, err := room.Join(session, sub)
		if err == ErrRoomClosed {
			continue
		}
		return room, snapshot, err
	}
}

// Snapshot reads the live presence of an entity without joining. Entities
// with no active room report an empty snapshot at version 0.
func (h *Hub) Snapshot(ref EntityRef) Snapshot {
	h.mu.Lock()
	room := h.rooms[ref.Key()]
	h.mu.Unlock()
	if room == nil {
		return Snapshot{Entity: ref, Viewers: []Viewer{}, Locks: []LockInfo{}}
	}
	snapshot, err := room.Snapshot()
	if err != nil {
		return Snapshot{Entity: ref, Viewers: []Viewer{}, Locks: []LockInfo{}}
	}
	return snapshot
}

func (h *Hub) room(ref EntityRef) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	key := ref.Key()
	if room, ok := h.rooms[key]; ok {
		return room
	}
	room := NewRoom(ref, h.cfg, h.versions[key], h.mirror, h.sink)
	room.onEmpty = h.reap
	h.rooms[key] = room
	return room
}

// reap runs on the emptied room's own goroutine, so it must not post
// commands back to that room.
func (h *Hub) reap(room *Room, lastVersion uint64) {
	h.mu.Lock()
	key := room.ref.Key()
	if h.rooms[key] == room {
		delete(h.rooms, key)
	}
	if lastVersion > h.versions[key] {
		h.versions[key] = lastVersion
	}
	h.mu.Unlock()
	room.stop()
}

// Close stops every room. Used on shutdown only.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	rooms := make([]*Room, 0, len(h.rooms))
	for _, room := range h.rooms {
		rooms = append(rooms, room)
	}
	h.rooms = make(map[string]*Room)
	h.mu.Unlock()
	for _, room := range rooms {
		room.stop()
	}
}

// BusyBy reports who holds any active lock on the entity, excluding the
// requesting user. Empty when the entity is free.
func (s Snapshot) BusyBy(excludeUserID string) string {
	for _, lock := range s.Locks {
		if lock.OwnerID != excludeUserID {
			return lock.OwnerID
		}
	}
	return ""
}
