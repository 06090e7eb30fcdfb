// Package history defines the event model shared by every component of
// histd: the record type for one executed command, its identity and
// ordering rules, and the aggregated projection used for ranked search.
package history

import (
	"encoding/binary"
	"sort"
	"time"

	"golang.org/x/crypto/blake2b"
)

// ExitUnknown marks events whose exit status was never captured, such
// as commands imported from plain shell history files. Real exit codes
// are non-negative.
const ExitUnknown = -1

// Event is one recorded command execution with timing, exit status and
// context. Events are immutable once created.
type Event struct {
	Command   string    `json:"command"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	ExitCode  int       `json:"exit_code"`
	Folder    string    `json:"folder"`
	Machine   string    `json:"machine"`
	Session   string    `json:"session"`
	Sequence  uint64    `json:"sequence"`
}

// Key is the globally unique identity of an event. Two events with the
// same key are the same event and collapse to one on merge.
type Key struct {
	Machine  string
	Sequence uint64
}

// Key returns the event's identity.
func (e Event) Key() Key {
	return Key{Machine: e.Machine, Sequence: e.Sequence}
}

// Duration returns the wall-clock run time of the command.
func (e Event) Duration() time.Duration {
	return e.EndTime.Sub(e.StartTime)
}

// Before reports whether e sorts before other in display order:
// StartTime ascending, Sequence as tie-break. StartTime is never used
// for identity.
func (e Event) Before(other Event) bool {
	if !e.StartTime.Equal(other.StartTime) {
		return e.StartTime.Before(other.StartTime)
	}
	if e.Machine != other.Machine {
		return e.Machine < other.Machine
	}
	return e.Sequence < other.Sequence
}

// Fingerprint is the content identity used by the aggregated-unique
// view: it covers command text and folder, so repeated invocations of
// the same command in the same folder collapse to one entry no matter
// which machine ran them or when.
type Fingerprint [32]byte

// Fingerprint computes the event's content fingerprint.
func (e Event) Fingerprint() Fingerprint {
	h, _ := blake2b.New256(nil)
	var n [8]byte
	for _, field := range []string{e.Command, e.Folder} {
		binary.LittleEndian.PutUint64(n[:], uint64(len(field)))
		h.Write(n[:])
		h.Write([]byte(field))
	}
	var fp Fingerprint
	copy(fp[:], h.Sum(nil))
	return fp
}

// Sort orders events in place by display order.
func Sort(events []Event) {
	sort.Slice(events, func(i, j int) bool {
		return events[i].Before(events[j])
	})
}

// SortRecentFirst orders events in place by display order reversed,
// most recent first.
func SortRecentFirst(events []Event) {
	sort.Slice(events, func(i, j int) bool {
		return events[j].Before(events[i])
	})
}
