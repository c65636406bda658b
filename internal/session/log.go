// Package session owns the per-channel chat state: the bounded ordered event
// log, the historical backfill client, and the channel session that wires
// both connection managers into one unified stream.
package session

import (
	"sort"
	"sync"

	"github.com/loreline/streamchat/internal/domain/event"
)

// DefaultLogCapacity caps the per-channel event buffer.
const DefaultLogCapacity = 1000

// Log is a bounded, chronologically ordered event buffer supporting
// retroactive deletion marking and duplicate-free historical merges.
//
// All mutation goes through the mutex: the buffer has exactly one logical
// writer (its owning Session), but reads may come from other goroutines.
type Log struct {
	mu       sync.Mutex
	capacity int
	events   []*event.Event
	ids      map[string]struct{}
}

func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &Log{
		capacity: capacity,
		ids:      make(map[string]struct{}),
	}
}

// Append adds live events in arrival order, dropping the oldest entries when
// the buffer would exceed its capacity. Events whose id is already buffered
// are ignored.
func (l *Log) Append(events ...*event.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, ev := range events {
		if ev == nil {
			continue
		}
		if _, dup := l.ids[ev.ID]; dup {
			continue
		}
		l.events = append(l.events, ev)
		l.ids[ev.ID] = struct{}{}
	}
	l.trim()
}

// Merge inserts a historical batch into the buffer: the union is ordered by
// timestamp ascending with ties keeping each source's original relative
// order, duplicates (by id) are dropped, and the capacity is re-applied from
// the tail. Merging an overlapping window again is a no-op for the overlap.
func (l *Log) Merge(batch []*event.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, ev := range batch {
		if ev == nil {
			continue
		}
		if _, dup := l.ids[ev.ID]; dup {
			continue
		}
		l.events = append(l.events, ev)
		l.ids[ev.ID] = struct{}{}
	}

	// Stable sort keeps same-source siblings in their original order.
	sort.SliceStable(l.events, func(i, j int) bool {
		return l.events[i].Timestamp.Before(l.events[j].Timestamp)
	})
	l.trim()
}

// Apply executes a deletion-marking instruction against the buffer and
// returns how many events transitioned to deleted. Marking is idempotent and
// one-way; system events are never marked.
func (l *Log) Apply(d event.Deletion) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	marked := 0
	for _, ev := range l.events {
		if ev.Type == event.TypeSystem || ev.Deleted {
			continue
		}
		match := false
		switch d.Scope {
		case event.DeleteAll:
			match = true
		case event.DeleteByAuthor:
			match = ev.AuthorID() == d.TargetUserID
		case event.DeleteByID:
			match = ev.ID == d.TargetMessageID
		}
		if match {
			ev.Deleted = true
			marked++
		}
	}
	return marked
}

// Events returns an order-stable snapshot of the buffer, oldest first. The
// returned slice is the caller's; the events themselves are shared, so a
// later deletion marking is visible through it.
func (l *Log) Events() []*event.Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*event.Event, len(l.events))
	copy(out, l.events)
	return out
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// trim drops the oldest entries beyond capacity. Callers hold the mutex.
func (l *Log) trim() {
	if len(l.events) <= l.capacity {
		return
	}
	evicted := l.events[:len(l.events)-l.capacity]
	for _, ev := range evicted {
		delete(l.ids, ev.ID)
	}
	l.events = append([]*event.Event(nil), l.events[len(l.events)-l.capacity:]...)
}
