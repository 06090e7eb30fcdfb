package sqlindex

import (
	"path/filepath"
	"testing"
	"time"

	"histd/internal/histfile"
	"histd/internal/history"
	"histd/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func writeMachineFile(t *testing.T, dir, machine string, cmds ...string) string {
	t.Helper()
	events := make([]history.Event, len(cmds))
	for i, cmd := range cmds {
		events[i] = history.Event{
			Command:   cmd,
			StartTime: base.Add(time.Duration(i) * time.Second),
			EndTime:   base.Add(time.Duration(i)*time.Second + 10*time.Millisecond),
			Folder:    "/home/u",
			Machine:   machine,
			Session:   "s1",
			Sequence:  uint64(i + 1),
		}
	}
	path := filepath.Join(dir, machine+histfile.Extension)
	require.NoError(t, histfile.Snapshot(path, machine, base, events))
	return path
}

func openIndex(t *testing.T) *Index {
	t.Helper()
	ix, err := Open(filepath.Join(t.TempDir(), "index.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })
	return ix
}

func TestRefreshAndSearch(t *testing.T) {
	dir := t.TempDir()
	p1 := writeMachineFile(t, dir, "m1", "ls", "make test")
	p2 := writeMachineFile(t, dir, "m2", "git push")

	ix := openIndex(t)
	rebuilt, err := ix.Refresh([]string{p1, p2})
	require.NoError(t, err)
	assert.True(t, rebuilt)

	n, err := ix.EventCount()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	events, err := ix.Events(store.Query{Mode: store.ModeAll, Text: "make"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "make test", events[0].Command)
	assert.Equal(t, "m1", events[0].Machine)
	assert.Equal(t, base.Add(time.Second), events[0].StartTime)
}

func TestRefreshSkipsWhenUnchanged(t *testing.T) {
	dir := t.TempDir()
	p := writeMachineFile(t, dir, "m1", "ls")

	ix := openIndex(t)
	rebuilt, err := ix.Refresh([]string{p})
	require.NoError(t, err)
	require.True(t, rebuilt)

	rebuilt, err = ix.Refresh([]string{p})
	require.NoError(t, err)
	assert.False(t, rebuilt, "unchanged signatures skip the rebuild")
}

func TestRefreshDetectsChange(t *testing.T) {
	dir := t.TempDir()
	p := writeMachineFile(t, dir, "m1", "ls")

	ix := openIndex(t)
	_, err := ix.Refresh([]string{p})
	require.NoError(t, err)

	// Rewrite with more events; size changes even if mtime resolution
	// is coarse.
	writeMachineFile(t, dir, "m1", "ls", "make", "vim")

	rebuilt, err := ix.Refresh([]string{p})
	require.NoError(t, err)
	assert.True(t, rebuilt)

	n, err := ix.EventCount()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestEventsOrderAndModes(t *testing.T) {
	dir := t.TempDir()
	p := writeMachineFile(t, dir, "m1", "one", "two", "three")

	ix := openIndex(t)
	_, err := ix.Refresh([]string{p})
	require.NoError(t, err)

	events, err := ix.Events(store.Query{Mode: store.ModeAll})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "three", events[0].Command, "most recent first")

	events, err = ix.Events(store.Query{Mode: store.ModeAll, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, events, 2)

	events, err = ix.Events(store.Query{Mode: store.ModeSession, Session: "s1"})
	require.NoError(t, err)
	assert.Len(t, events, 3)

	events, err = ix.Events(store.Query{Mode: store.ModeFolder, Folder: "/other"})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestAggregated(t *testing.T) {
	dir := t.TempDir()
	p := writeMachineFile(t, dir, "m1", "make", "make", "ls")

	ix := openIndex(t)
	_, err := ix.Refresh([]string{p})
	require.NoError(t, err)

	aggs, err := ix.Aggregated("", 0, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, aggs, 2)
	assert.Equal(t, "make", aggs[0].Command)
	assert.Equal(t, 2, aggs[0].OccurrenceCount)
}

func TestVanishedSourceDropsFromIndex(t *testing.T) {
	dir := t.TempDir()
	p1 := writeMachineFile(t, dir, "m1", "ls")
	p2 := writeMachineFile(t, dir, "m2", "git push")

	ix := openIndex(t)
	_, err := ix.Refresh([]string{p1, p2})
	require.NoError(t, err)

	rebuilt, err := ix.Refresh([]string{p1})
	require.NoError(t, err)
	require.True(t, rebuilt)

	n, err := ix.EventCount()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
