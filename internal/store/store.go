// Package store holds the daemon's in-process event state: indexes
// for fast filtered iteration and the single-writer mutation
// discipline. All mutations go through one serialization point; the
// lock is held only for in-memory index updates, never across I/O.
// Durability is handled by an asynchronous writer (see writer.go).
package store

import (
	"strings"
	"sync"
	"time"

	"histd/internal/history"
)

// Store is the in-memory event store.
type Store struct {
	mu sync.RWMutex

	machine string

	// events is the global list in display order (StartTime asc).
	events []history.Event
	byKey  map[history.Key]struct{}

	// bySession indexes positions of one session's events, kept in
	// insertion order, which for a live shell equals time order.
	bySession map[string][]history.Event

	lastSequence uint64
	corrupt      int
	lastSync     time.Time
	startedAt    time.Time
}

// New creates a store for the given local machine identifier.
// lastSequence seeds the local sequence counter from the persisted
// file so restarts keep the counter monotonic.
func New(machine string, lastSequence uint64) *Store {
	return &Store{
		machine:      machine,
		byKey:        make(map[history.Key]struct{}),
		bySession:    make(map[string][]history.Event),
		lastSequence: lastSequence,
		startedAt:    time.Now(),
	}
}

// Machine returns the local machine identifier.
func (s *Store) Machine() string { return s.machine }

// AppendLocal assigns the next local sequence to the event and inserts
// it. The returned event carries the assigned sequence and machine.
func (s *Store) AppendLocal(e history.Event) history.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastSequence++
	e.Machine = s.machine
	e.Sequence = s.lastSequence
	s.insert(e)
	return e
}

// MergeForeign inserts events whose key is not already present and
// returns how many were new. Merging the same batch twice is a no-op
// the second time.
func (s *Store) MergeForeign(events []history.Event) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, e := range events {
		if _, ok := s.byKey[e.Key()]; ok {
			continue
		}
		s.insert(e)
		added++
	}
	return added
}

// LoadLocal seeds the store with the machine's own persisted events at
// startup, preserving their recorded sequences.
func (s *Store) LoadLocal(events []history.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range events {
		if _, ok := s.byKey[e.Key()]; ok {
			continue
		}
		s.insert(e)
		if e.Machine == s.machine && e.Sequence > s.lastSequence {
			s.lastSequence = e.Sequence
		}
	}
}

// insert adds the event to every index. Caller holds the write lock.
// The global list stays in display order; the common case (a fresh
// event newer than everything) appends at the tail without a scan.
func (s *Store) insert(e history.Event) {
	s.byKey[e.Key()] = struct{}{}

	n := len(s.events)
	if n == 0 || s.events[n-1].Before(e) {
		s.events = append(s.events, e)
	} else {
		// Walk back from the tail; merged foreign events are mostly
		// near-recent so the walk is short.
		i := n
		for i > 0 && e.Before(s.events[i-1]) {
			i--
		}
		s.events = append(s.events, history.Event{})
		copy(s.events[i+1:], s.events[i:])
		s.events[i] = e
	}

	if e.Session != "" {
		s.bySession[e.Session] = append(s.bySession[e.Session], e)
	}
}

// Mode selects the event subset a query iterates.
type Mode string

const (
	ModeAll        Mode = "all"
	ModeSession    Mode = "session"
	ModeFolder     Mode = "folder"
	ModeAggregated Mode = "aggregated-unique"
)

// Query describes a filtered view request.
type Query struct {
	Mode    Mode
	Text    string // substring match on command, empty matches all
	Session string // required for ModeSession
	Folder  string // required for ModeFolder
	Limit   int    // 0 means no cap
}

// Events returns a point-in-time snapshot matching the query, most
// recent first. Concurrent mutation does not affect the returned
// slice; the next query observes it.
func (s *Store) Events(q Query) []history.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []history.Event
	for i := len(s.events) - 1; i >= 0; i-- {
		e := s.events[i]
		if !matches(e, q) {
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out
}

func matches(e history.Event, q Query) bool {
	switch q.Mode {
	case ModeSession:
		if e.Session != q.Session {
			return false
		}
	case ModeFolder:
		if e.Folder != q.Folder {
			return false
		}
	}
	if q.Text != "" && !strings.Contains(e.Command, q.Text) {
		return false
	}
	return true
}

// Snapshot returns a copy of all events in display order.
func (s *Store) Snapshot() []history.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]history.Event, len(s.events))
	copy(out, s.events)
	return out
}

// LocalEvents returns the local machine's events in sequence order.
func (s *Store) LocalEvents() []history.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []history.Event
	for _, e := range s.events {
		if e.Machine == s.machine {
			out = append(out, e)
		}
	}
	// Display order and sequence order agree for one machine, except
	// for clock steps; sort by sequence to honor append order.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Sequence < out[j-1].Sequence; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// PreviousEvent returns the most recent event strictly before ref in
// the session whose command starts with prefix.
func (s *Store) PreviousEvent(session, prefix string, ref time.Time) (history.Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.bySession[session]
	for i := len(chain) - 1; i >= 0; i-- {
		e := chain[i]
		if !e.StartTime.Before(ref) {
			continue
		}
		if strings.HasPrefix(e.Command, prefix) {
			return e, true
		}
	}
	return history.Event{}, false
}

// NextEvent is the forward counterpart of PreviousEvent: the earliest
// event strictly after ref in the session matching the prefix.
func (s *Store) NextEvent(session, prefix string, ref time.Time) (history.Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.bySession[session]
	for _, e := range chain {
		if !e.StartTime.After(ref) {
			continue
		}
		if strings.HasPrefix(e.Command, prefix) {
			return e, true
		}
	}
	return history.Event{}, false
}

// SetLastSync records the completion time of a sync cycle.
func (s *Store) SetLastSync(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSync = t
}

// AddCorrupt accumulates skipped-record counts surfaced via Stats.
func (s *Store) AddCorrupt(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corrupt += n
}

// Stats is the status() summary.
type Stats struct {
	EventCount     int            `json:"event_count"`
	MachineCounts  map[string]int `json:"machine_counts"`
	SessionCount   int            `json:"session_count"`
	CorruptRecords int            `json:"corrupt_records"`
	LastSync       time.Time      `json:"last_sync"`
	Uptime         time.Duration  `json:"uptime"`
	FirstEvent     time.Time      `json:"first_event"`
	LastEvent      time.Time      `json:"last_event"`
}

// Stats returns current counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		EventCount:     len(s.events),
		MachineCounts:  make(map[string]int),
		SessionCount:   len(s.bySession),
		CorruptRecords: s.corrupt,
		LastSync:       s.lastSync,
		Uptime:         time.Since(s.startedAt),
	}
	for _, e := range s.events {
		st.MachineCounts[e.Machine]++
	}
	if len(s.events) > 0 {
		st.FirstEvent = s.events[0].StartTime
		st.LastEvent = s.events[len(s.events)-1].StartTime
	}
	return st
}
