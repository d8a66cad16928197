package kb

import (
	"sync"
	"time"

	"github.com/signalsfoundry/uav-fleet-commander/model"
	"github.com/signalsfoundry/uav-fleet-commander/timectrl"
)

// DefaultFreshnessWindow is how long a reported position stays eligible for
// separation checks.
const DefaultFreshnessWindow = 2 * time.Second

// EventType indicates what kind of change happened in the tracker.
type EventType int

const (
	EventPositionUpdated EventType = iota
)

// Event is emitted to subscribers after a position is recorded.
type Event struct {
	Type      EventType
	VehicleID model.VehicleID
	Position  model.Position
	At        time.Time
}

// TrackedPosition is the last position reported for a vehicle.
type TrackedPosition struct {
	Position  model.Position
	UpdatedAt time.Time
}

// PositionTracker is the one piece of state shared by every commander in a
// fleet. Each commander writes only its own entry and reads everybody
// else's. A single mutex serialises all access so a reader never observes a
// half-written position.
type PositionTracker struct {
	mu sync.Mutex

	clock     timectrl.Clock
	freshness time.Duration
	positions map[model.VehicleID]TrackedPosition

	nextSub int
	subs    map[int]func(Event)
}

// NewPositionTracker constructs an empty tracker. A nil clock means wall
// time; a non-positive freshness window falls back to
// DefaultFreshnessWindow.
func NewPositionTracker(clock timectrl.Clock, freshness time.Duration) *PositionTracker {
	if clock == nil {
		clock = timectrl.Wall{}
	}
	if freshness <= 0 {
		freshness = DefaultFreshnessWindow
	}
	return &PositionTracker{
		clock:     clock,
		freshness: freshness,
		positions: make(map[model.VehicleID]TrackedPosition),
		subs:      make(map[int]func(Event)),
	}
}

// FreshnessWindow returns the maximum age of a position that is still
// returned by SnapshotExcluding.
func (t *PositionTracker) FreshnessWindow() time.Duration {
	return t.freshness
}

// Update records pos for id, stamped with the current time, and notifies
// subscribers.
func (t *PositionTracker) Update(id model.VehicleID, pos model.Position) {
	t.mu.Lock()
	now := t.clock.Now()
	t.positions[id] = TrackedPosition{Position: pos, UpdatedAt: now}
	subs := make([]func(Event), 0, len(t.subs))
	for _, fn := range t.subs {
		subs = append(subs, fn)
	}
	t.mu.Unlock()

	// Notify subscribers outside the lock to avoid deadlocks.
	ev := Event{Type: EventPositionUpdated, VehicleID: id, Position: pos, At: now}
	for _, fn := range subs {
		fn(ev)
	}
}

// SnapshotExcluding returns the fresh positions of every vehicle other than
// id. Entries older than the freshness window are left out.
func (t *PositionTracker) SnapshotExcluding(id model.VehicleID) map[model.VehicleID]model.Position {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	res := make(map[model.VehicleID]model.Position, len(t.positions))
	for other, tp := range t.positions {
		if other == id {
			continue
		}
		if now.Sub(tp.UpdatedAt) > t.freshness {
			continue
		}
		res[other] = tp.Position
	}
	return res
}

// Get returns the last recorded entry for id regardless of its age.
func (t *PositionTracker) Get(id model.VehicleID) (TrackedPosition, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tp, ok := t.positions[id]
	return tp, ok
}

// FreshCount returns how many vehicles currently have a fresh position.
func (t *PositionTracker) FreshCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	n := 0
	for _, tp := range t.positions {
		if now.Sub(tp.UpdatedAt) <= t.freshness {
			n++
		}
	}
	return n
}

// Len returns the number of vehicles that have ever reported.
func (t *PositionTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.positions)
}

// Subscribe registers a callback for tracker events. It returns an
// unsubscribe function.
func (t *PositionTracker) Subscribe(fn func(Event)) (unsubscribe func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.subs, id)
	}
}
