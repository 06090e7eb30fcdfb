// Package navigate implements prefix-bound history walking for the
// shell's up/down arrow bindings. The cursor lives in the front-end
// process; the daemon only answers stateless previous/next queries,
// so concurrent shells never interfere with each other.
package navigate

import (
	"time"

	"histd/internal/history"
	"histd/internal/ipc"
)

// Stepper answers single navigation steps. *ipc.Client satisfies it.
type Stepper interface {
	PreviousEvent(req *ipc.StepRequest) (*history.Event, bool, error)
	NextEvent(req *ipc.StepRequest) (*history.Event, bool, error)
}

// Cursor walks a session's history backwards and forwards, matching
// events whose command starts with the line the user had typed when
// the walk began. Editing the line re-arms the cursor with the new
// prefix on the next step.
type Cursor struct {
	steps   Stepper
	session string

	armed        bool
	prefix       string
	ref          time.Time
	lastReturned string
}

// NewCursor creates a cursor for one shell session.
func NewCursor(steps Stepper, session string) *Cursor {
	return &Cursor{steps: steps, session: session}
}

// arm captures the typed line as the walk's prefix. A line that does
// not equal the last returned command means the user edited it, which
// starts a fresh walk.
func (c *Cursor) arm(line string, now time.Time) {
	if c.armed && line == c.lastReturned {
		return
	}
	c.armed = true
	c.prefix = line
	c.ref = now
	c.lastReturned = line
}

// Previous steps one event back and returns the replacement line.
// At the oldest match the line is returned unchanged.
func (c *Cursor) Previous(line string, now time.Time) (string, error) {
	c.arm(line, now)

	e, ok, err := c.steps.PreviousEvent(&ipc.StepRequest{
		Session:       c.session,
		Prefix:        c.prefix,
		ReferenceTime: c.ref,
	})
	if err != nil {
		return line, err
	}
	if !ok {
		return line, nil
	}
	c.ref = e.StartTime
	c.lastReturned = e.Command
	return e.Command, nil
}

// Next steps one event forward. Walking past the newest match
// restores the originally typed prefix and disarms the cursor.
func (c *Cursor) Next(line string, now time.Time) (string, error) {
	if !c.armed || line != c.lastReturned {
		// Nothing to walk forward from; down-arrow on a fresh line
		// is a no-op.
		return line, nil
	}

	e, ok, err := c.steps.NextEvent(&ipc.StepRequest{
		Session:       c.session,
		Prefix:        c.prefix,
		ReferenceTime: c.ref,
	})
	if err != nil {
		return line, err
	}
	if !ok {
		typed := c.prefix
		c.armed = false
		return typed, nil
	}
	c.ref = e.StartTime
	c.lastReturned = e.Command
	return e.Command, nil
}
