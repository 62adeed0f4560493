package presence

import (
	"errors"
	"time"
)

var ErrRoomClosed = errors.New("room closed")

type RoomConfig struct {
	LockTTL        time.Duration
	SessionTimeout time.Duration
	SweepInterval  time.Duration
}

func (c RoomConfig) withDefaults() RoomConfig {
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Second
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 15 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
	return c
}

type member struct {
	session       Session
	sub           Subscriber
	lastHeartbeat time.Time
}

type fieldLock struct {
	sessionID string
	ownerID   string
	ownerName string
	expiresAt time.Time
}

// Room serializes all presence mutations for one entity on a single
// goroutine. Commands are closures executed by the run loop; replies travel
// over per-call channels. No state is touched outside the loop.
type Room struct {
	ref    EntityRef
	cfg    RoomConfig
	mirror Mirror
	sink   EventSink

	cmds     chan func()
	done     chan struct{}
	mirrorCh chan mirrorUpdate

	// owned by the run loop
	members    map[string]*member
	locks      map[string]fieldLock
	version    uint64
	staleOwner string
	lastWriter string
	seq        uint64

	onEmpty func(room *Room, lastVersion uint64)
}

// NewRoom starts a room at the given version seed. Versions are strictly
// increasing per entity across room lifetimes, so a reaped room's final
// version must be fed back in when the room is recreated.
func NewRoom(ref EntityRef, cfg RoomConfig, seed uint64, mirror Mirror, sink EventSink) *Room {
	r := &Room{
		ref:     ref,
		cfg:     cfg.withDefaults(),
		mirror:  mirror,
		sink:    sink,
		cmds:    make(chan func(), 64),
		done:    make(chan struct{}),
		members: make(map[string]*member),
		locks:   make(map[string]fieldLock),
		version: seed,
	}
	if mirror != nil {
		r.mirrorCh = make(chan mirrorUpdate, 8)
		go r.mirrorLoop()
	}
	go r.run()
	return r
}

func (r *Room) Ref() EntityRef { return r.ref }

func (r *Room) run() {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case cmd := <-r.cmds:
			cmd()
		case <-ticker.C:
			r.sweep(time.Now())
		case <-r.done:
			return
		}
	}
}

// do posts fn to the room loop and waits for it to execute. It fails instead
// of blocking when the room has been reaped.
func (r *Room) do(fn func()) error {
	executed := make(chan struct{})
	wrapped := func() {
		fn()
		close(executed)
	}
	select {
	case r.cmds <- wrapped:
	case <-r.done:
		return ErrRoomClosed
	}
	select {
	case <-executed:
		return nil
	case <-r.done:
		return ErrRoomClosed
	}
}

func (r *Room) stop() {
	select {
	case <-r.done:
	default:
		close(r.done)
	}
}

// Join registers a session and returns the presence snapshot the client
// should render. The join is announced to existing members.
func (r *Room) Join(session Session, sub Subscriber) (Snapshot, error) {
	var snapshot Snapshot
	err := r.do(func() {
		r.members[session.ID] = &member{session: session, sub: sub, lastHeartbeat: time.Now()}
		// A rejoin is how a stale client resynchronizes.
		if r.staleOwner != "" && session.UserID != r.staleOwner {
			r.staleOwner = ""
		}
		snapshot = r.snapshotLocked()
		r.broadcastDelta("")
	})
	return snapshot, err
}

// Leave removes a session and releases everything it held. Idempotent: a
// second leave for the same session is a no-op.
func (r *Room) Leave(sessionID string) {
	_ = r.do(func() {
		r.removeSession(sessionID)
	})
}

// Heartbeat refreshes the session deadline and re-arms every lock the
// session owns. This is the only way a lock TTL is extended.
func (r *Room) Heartbeat(sessionID string) {
	_ = r.do(func() {
		m, ok := r.members[sessionID]
		if !ok {
			return
		}
		now := time.Now()
		m.lastHeartbeat = now
		for field, lock := range r.locks {
			if lock.sessionID == sessionID {
				lock.expiresAt = now.Add(r.cfg.LockTTL)
				r.locks[field] = lock
			}
		}
	})
}

// AcquireLock grants the field to the caller unless another live session
// holds it. Re-acquiring an owned lock refreshes its TTL.
func (r *Room) AcquireLock(sessionID, field string) (LockResult, error) {
	var result LockResult
	err := r.do(func() {
		m, ok := r.members[sessionID]
		if !ok {
			result = LockResult{Field: field}
			return
		}
		now := time.Now()
		if lock, held := r.locks[field]; held && lock.expiresAt.After(now) && lock.sessionID != sessionID {
			result = LockResult{Field: field, OwnerID: lock.ownerID, OwnerName: lock.ownerName}
			return
		}
		r.locks[field] = fieldLock{
			sessionID: sessionID,
			ownerID:   m.session.UserID,
			ownerName: m.session.UserName,
			expiresAt: now.Add(r.cfg.LockTTL),
		}
		result = LockResult{Granted: true, Field: field, OwnerID: m.session.UserID, OwnerName: m.session.UserName}
		r.broadcastDelta("")
	})
	return result, err
}

// ReleaseLock is a no-op unless the caller owns the lock, so a stale client
// cannot release another session's lock.
func (r *Room) ReleaseLock(sessionID, field string) {
	_ = r.do(func() {
		lock, held := r.locks[field]
		if !held || lock.sessionID != sessionID {
			return
		}
		delete(r.locks, field)
		r.broadcastDelta("")
	})
}

// Apply arbitrates a mutation. The mutation wins only when its base version
// equals the room's current version; the loser gets the current version back
// and must refetch before retrying.
func (r *Room) Apply(sessionID string, mutation Mutation) (ApplyResult, error) {
	var result ApplyResult
	err := r.do(func() {
		m, ok := r.members[sessionID]
		if !ok {
			result = ApplyResult{Version: r.version}
			return
		}
		if mutation.BaseVersion != r.version {
			// Losing writer: surface who won so the UI can say so.
			r.staleOwner = r.lastWriter
			result = ApplyResult{Version: r.version}
			r.broadcastDelta("")
			return
		}
		r.version++
		r.lastWriter = m.session.UserID
		result = ApplyResult{Accepted: true, Version: r.version}
		r.seq++
		event := MutationEvent{
			Type:    "mutation_applied",
			Seq:     r.seq,
			Op:      mutation.Op,
			Payload: mutation.Payload,
			Version: r.version,
			UserID:  m.session.UserID,
		}
		for id, peer := range r.members {
			if id == sessionID {
				continue
			}
			peer.sub.Deliver(event)
		}
		if r.sink != nil {
			r.sink.MutationApplied(r.ref, mutation.Op, mutation.Payload, r.version, m.session.UserID)
		}
		r.syncMirror()
	})
	return result, err
}

// Cursor relays a cursor position to every other member. No version check
// and no ack; the gateway rate-limits these per session.
func (r *Room) Cursor(sessionID string, x, y float64) {
	_ = r.do(func() {
		m, ok := r.members[sessionID]
		if !ok {
			return
		}
		r.seq++
		event := CursorEvent{
			Type:     "cursor_update",
			Seq:      r.seq,
			UserID:   m.session.UserID,
			UserName: m.session.UserName,
			X:        x,
			Y:        y,
		}
		for id, peer := range r.members {
			if id == sessionID {
				continue
			}
			peer.sub.Deliver(event)
		}
	})
}

func (r *Room) Snapshot() (Snapshot, error) {
	var snapshot Snapshot
	err := r.do(func() {
		snapshot = r.snapshotLocked()
	})
	return snapshot, err
}

func (r *Room) MemberCount() int {
	count := 0
	_ = r.do(func() {
		count = len(r.members)
	})
	return count
}

// --- run-loop internals; only called from the room goroutine ---

func (r *Room) removeSession(sessionID string) {
	if _, ok := r.members[sessionID]; !ok {
		return
	}
	delete(r.members, sessionID)
	for field, lock := range r.locks {
		if lock.sessionID == sessionID {
			delete(r.locks, field)
		}
	}
	if len(r.members) == 0 {
		r.staleOwner = ""
		r.lastWriter = ""
		if r.mirror != nil {
			r.enqueueMirror(mirrorUpdate{clear: true})
		}
		if r.onEmpty != nil {
			r.onEmpty(r, r.version)
		}
		return
	}
	r.broadcastDelta("")
}

// sweep expires sessions past the heartbeat deadline and locks past their
// TTL. Session expiry is the only reclaim path for crashed clients.
func (r *Room) sweep(now time.Time) {
	var expired []string
	for id, m := range r.members {
		if now.Sub(m.lastHeartbeat) > r.cfg.SessionTimeout {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		r.removeSession(id)
	}

	changed := false
	for field, lock := range r.locks {
		if !lock.expiresAt.After(now) {
			delete(r.locks, field)
			changed = true
		}
	}
	if changed {
		r.broadcastDelta("")
	}
}

func (r *Room) snapshotLocked() Snapshot {
	snapshot := Snapshot{
		Entity:     r.ref,
		Viewers:    make([]Viewer, 0, len(r.members)),
		Locks:      make([]LockInfo, 0, len(r.locks)),
		Version:    r.version,
		StaleOwner: r.staleOwner,
	}
	seen := make(map[string]bool, len(r.members))
	for _, m := range r.members {
		if seen[m.session.UserID] {
			continue
		}
		seen[m.session.UserID] = true
		snapshot.Viewers = append(snapshot.Viewers, Viewer{UserID: m.session.UserID, UserName: m.session.UserName})
	}
	for field, lock := range r.locks {
		snapshot.Locks = append(snapshot.Locks, LockInfo{
			Field:     field,
			OwnerID:   lock.ownerID,
			OwnerName: lock.ownerName,
			ExpiresAt: lock.expiresAt,
		})
	}
	return snapshot
}

func (r *Room) broadcastDelta(excludeSessionID string) {
	r.seq++
	event := DeltaEvent{Type: "presence_delta", Seq: r.seq, Snapshot: r.snapshotLocked()}
	for id, m := range r.members {
		if id == excludeSessionID {
			continue
		}
		m.sub.Deliver(event)
	}
	r.syncMirror()
}

func (r *Room) syncMirror() {
	if r.mirror == nil {
		return
	}
	r.enqueueMirror(mirrorUpdate{snapshot: r.snapshotLocked()})
}

// mirrorUpdate is one unit of work for the mirror goroutine. A clear is
// terminal: it is only enqueued when the room empties, after which the room
// produces no further syncs.
type mirrorUpdate struct {
	snapshot Snapshot
	clear    bool
}

// enqueueMirror never blocks the room loop: when the queue is full the oldest
// pending snapshot is displaced, since only the newest state matters. Only
// the room goroutine sends, so the displacement cannot race another sender.
func (r *Room) enqueueMirror(update mirrorUpdate) {
	for {
		select {
		case r.mirrorCh <- update:
			return
		default:
		}
		select {
		case <-r.mirrorCh:
		default:
		}
	}
}

// mirrorLoop owns every mirror write for the room. Serializing them here
// keeps the mirrored state in room order: a later snapshot can never be
// overwritten by an earlier one, and a clear never races a pending sync.
func (r *Room) mirrorLoop() {
	for {
		select {
		case update := <-r.mirrorCh:
			r.applyMirrorUpdate(update)
			if update.clear {
				return
			}
		case <-r.done:
			for {
				select {
				case update := <-r.mirrorCh:
					r.applyMirrorUpdate(update)
				default:
					return
				}
			}
		}
	}
}

func (r *Room) applyMirrorUpdate(update mirrorUpdate) {
	if update.clear {
		r.mirror.Clear(r.ref)
		return
	}
	r.mirror.Sync(update.snapshot)
}
