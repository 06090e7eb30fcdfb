package navigate

import (
	"testing"
	"time"

	"histd/internal/history"
	"histd/internal/ipc"
	"histd/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

// storeStepper answers steps straight from an in-memory store, the
// same lookups the daemon performs.
type storeStepper struct {
	st *store.Store
}

func (s storeStepper) PreviousEvent(req *ipc.StepRequest) (*history.Event, bool, error) {
	e, ok := s.st.PreviousEvent(req.Session, req.Prefix, req.ReferenceTime)
	if !ok {
		return nil, false, nil
	}
	return &e, true, nil
}

func (s storeStepper) NextEvent(req *ipc.StepRequest) (*history.Event, bool, error) {
	e, ok := s.st.NextEvent(req.Session, req.Prefix, req.ReferenceTime)
	if !ok {
		return nil, false, nil
	}
	return &e, true, nil
}

func seeded(t *testing.T, cmds ...string) *store.Store {
	t.Helper()
	st := store.New("m1", 0)
	for i, cmd := range cmds {
		st.AppendLocal(history.Event{
			Command:   cmd,
			StartTime: base.Add(time.Duration(i) * time.Minute),
			Session:   "sA",
		})
	}
	return st
}

func TestWalkBackwards(t *testing.T) {
	st := seeded(t, "git status", "ls", "git push")
	c := NewCursor(storeStepper{st}, "sA")
	now := base.Add(time.Hour)

	line, err := c.Previous("git", now)
	require.NoError(t, err)
	assert.Equal(t, "git push", line)

	line, err = c.Previous(line, now)
	require.NoError(t, err)
	assert.Equal(t, "git status", line)

	// At the oldest match the line stays put.
	line, err = c.Previous(line, now)
	require.NoError(t, err)
	assert.Equal(t, "git status", line)
}

func TestRoundTripRestoresPrefix(t *testing.T) {
	st := seeded(t, "git status", "git push")
	c := NewCursor(storeStepper{st}, "sA")
	now := base.Add(time.Hour)

	line, err := c.Previous("git", now)
	require.NoError(t, err)
	assert.Equal(t, "git push", line)

	line, err = c.Previous(line, now)
	require.NoError(t, err)
	assert.Equal(t, "git status", line)

	line, err = c.Next(line, now)
	require.NoError(t, err)
	assert.Equal(t, "git push", line)

	// Walking past the newest match gives the typed prefix back.
	line, err = c.Next(line, now)
	require.NoError(t, err)
	assert.Equal(t, "git", line)
}

func TestEditedLineRearmsWalk(t *testing.T) {
	st := seeded(t, "git status", "make test")
	c := NewCursor(storeStepper{st}, "sA")
	now := base.Add(time.Hour)

	line, err := c.Previous("git", now)
	require.NoError(t, err)
	assert.Equal(t, "git status", line)

	// The user replaces the line; the next step uses the new prefix.
	line, err = c.Previous("make", now)
	require.NoError(t, err)
	assert.Equal(t, "make test", line)
}

func TestNextOnFreshLineIsNoop(t *testing.T) {
	st := seeded(t, "git status")
	c := NewCursor(storeStepper{st}, "sA")

	line, err := c.Next("git", base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "git", line)
}

func TestEmptyPrefixWalksEverything(t *testing.T) {
	st := seeded(t, "one", "two")
	c := NewCursor(storeStepper{st}, "sA")
	now := base.Add(time.Hour)

	line, err := c.Previous("", now)
	require.NoError(t, err)
	assert.Equal(t, "two", line)

	line, err = c.Previous(line, now)
	require.NoError(t, err)
	assert.Equal(t, "one", line)
}
