// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package bus implements C9 (Collaboration Bus): per-file-room pub/sub
// of presence and row-mutation events to connected clients. The
// non-blocking, slow-subscriber-drops-out dispatch shape is grounded on
// the teacher's fsnotify event loop in cmd/cie/watch.go, which never
// lets a stalled consumer hold up the producer; the handler-registry
// surface (Register/Dispatch-style fan-out keyed by event type) borrows
// the other example pack's internal/eventbus.Bus shape, repointed at
// per-room channel subscribers instead of a global handler list — its
// NATS/JetStream persistence is not used here (see DESIGN.md).
package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/neilvibe/ldm/internal/model"
)

// EventType identifies the kind of a pushed room Event (spec §4.9/§6).
type EventType string

const (
	EventPresence     EventType = "presence"
	EventCellUpdate   EventType = "cell_update"
	EventLockAcquired EventType = "lock_acquired"
	EventLockReleased EventType = "lock_released"
	EventTMIndexState EventType = "tm_index_state"
	EventTaskProgress EventType = "task_progress"
)

// Event is one message pushed to every subscriber of a room.
type Event struct {
	Type      EventType
	RoomID    string // file_id
	RowID     string
	Target    string
	UpdatedBy string
	Version   int
	Holder    string
	TMID      string
	StaleCount int
	Building  bool
	Users     []string
	Progress  int
	Stage     string
	At        time.Time
}

// DefaultQueueSize is the per-subscriber channel depth (spec §4.9/§5):
// a subscriber whose queue fills up is dropped from the room.
const DefaultQueueSize = 256

// DisconnectGrace is the disconnect grace window. Nothing in this
// package applies it: leave closes a departing subscriber's channel at
// once, and events still queued on it are abandoned.
const DisconnectGrace = 10 * time.Second

// Subscription is a live membership in one room.
type Subscription struct {
	ID     string
	RoomID string
	C      <-chan Event

	bus *Bus
}

// Close leaves the room. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.leave(s.RoomID, s.ID)
}

type subscriber struct {
	id     string
	holder string
	ch     chan Event
}

type room struct {
	mu      sync.Mutex
	members map[string]*subscriber // subscriber id -> subscriber
	users   map[string]int         // holder name -> number of live subscriptions (for presence)
}

// Bus is the process-wide room registry. One Bus is shared by the whole
// server (spec §4.9: "single-process pub/sub with per-room fan-out").
type Bus struct {
	mu     sync.Mutex
	rooms  map[string]*room
	logger *slog.Logger
	nextID uint64
}

// New returns an empty Bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{rooms: map[string]*room{}, logger: logger}
}

// Join subscribes holder to a file's room, returning a Subscription
// whose channel receives every Event published to that room until
// Close is called or the subscriber is dropped for falling behind.
func (b *Bus) Join(roomID, holder string) *Subscription {
	b.mu.Lock()
	r, ok := b.rooms[roomID]
	if !ok {
		r = &room{members: map[string]*subscriber{}, users: map[string]int{}}
		b.rooms[roomID] = r
	}
	b.nextID++
	id := roomID + "#" + itoa(b.nextID)
	b.mu.Unlock()

	sub := &subscriber{id: id, holder: holder, ch: make(chan Event, DefaultQueueSize)}

	r.mu.Lock()
	r.members[id] = sub
	r.users[holder]++
	users := r.snapshotUsers()
	r.mu.Unlock()

	subscription := &Subscription{ID: id, RoomID: roomID, C: sub.ch, bus: b}
	b.publishLocked(r, roomID, Event{Type: EventPresence, RoomID: roomID, Users: users, At: time.Now()})
	return subscription
}

// leave removes a subscriber from a room, closing its channel and
// tearing the room down entirely if it was the last member (spec §4.9
// "rooms close when the last subscriber leaves").
func (b *Bus) leave(roomID, subID string) {
	b.mu.Lock()
	r, ok := b.rooms[roomID]
	if !ok {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	r.mu.Lock()
	sub, ok := r.members[subID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.members, subID)
	if r.users[sub.holder] > 0 {
		r.users[sub.holder]--
	}
	empty := len(r.members) == 0
	users := r.snapshotUsers()
	r.mu.Unlock()
	close(sub.ch)

	if empty {
		b.mu.Lock()
		delete(b.rooms, roomID)
		b.mu.Unlock()
		return
	}
	b.publishLocked(r, roomID, Event{Type: EventPresence, RoomID: roomID, Users: users, At: time.Now()})
}

// Publish fans an Event out to every live subscriber of a room. A
// subscriber whose queue is full is dropped rather than blocking the
// publisher (spec §4.9 backpressure rule); delivery order within a room
// is FIFO per subscriber, with no ordering guarantee across rooms.
func (b *Bus) Publish(roomID string, ev Event) {
	b.mu.Lock()
	r, ok := b.rooms[roomID]
	b.mu.Unlock()
	if !ok {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	ev.RoomID = roomID
	b.publishLocked(r, roomID, ev)
}

func (b *Bus) publishLocked(r *room, roomID string, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, sub := range r.members {
		select {
		case sub.ch <- ev:
		default:
			delete(r.members, id)
			if r.users[sub.holder] > 0 {
				r.users[sub.holder]--
			}
			close(sub.ch)
			b.logger.Warn("bus: dropped slow subscriber", "room_id", roomID, "subscriber_id", id)
		}
	}
}

// PublishCellUpdate is a convenience wrapper over Publish for the row
// store's post-commit notification (spec §4.8/§4.9).
func (b *Bus) PublishCellUpdate(roomID string, row model.Row) {
	b.Publish(roomID, Event{Type: EventCellUpdate, RowID: row.ID, Target: row.Target, UpdatedBy: row.UpdatedBy, Version: row.Version})
}

// PublishLockAcquired/PublishLockReleased notify a room of an edit
// lock's state change (spec §4.8/§4.9).
func (b *Bus) PublishLockAcquired(roomID, rowID, holder string) {
	b.Publish(roomID, Event{Type: EventLockAcquired, RowID: rowID, Holder: holder})
}

func (b *Bus) PublishLockReleased(roomID, rowID string) {
	b.Publish(roomID, Event{Type: EventLockReleased, RowID: rowID})
}

// PublishTMIndexState reports a TM's sync backlog to every room whose
// file is linked to that TM (spec §4.9/§5 backpressure surfacing); the
// caller is responsible for fanning this to the right room IDs.
func (b *Bus) PublishTMIndexState(roomID, tmID string, staleCount int, building bool) {
	b.Publish(roomID, Event{Type: EventTMIndexState, TMID: tmID, StaleCount: staleCount, Building: building})
}

// PublishTaskProgress reports a long-running task's progress to a room
// (e.g. a bulk import or rebuild tied to that file/TM).
func (b *Bus) PublishTaskProgress(roomID string, progress int, stage string) {
	b.Publish(roomID, Event{Type: EventTaskProgress, Progress: progress, Stage: stage})
}

// RoomSize reports how many live subscribers a room has (0 if it
// doesn't exist), used by tests and status reporting.
func (b *Bus) RoomSize(roomID string) int {
	b.mu.Lock()
	r, ok := b.rooms[roomID]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

func (r *room) snapshotUsers() []string {
	out := make([]string, 0, len(r.users))
	for u, n := range r.users {
		if n > 0 {
			out = append(out, u)
		}
	}
	return out
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
