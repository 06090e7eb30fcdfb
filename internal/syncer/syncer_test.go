package syncer

import (
	"os"
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

// machineFixture is one simulated machine: data dir, local file, store
// and engine sharing the given replication root.
type machineFixture struct {
	store  *store.Store
	engine *Engine
	local  *histfile.File
}

func newMachine(t *testing.T, name, root string, recent int) *machineFixture {
	t.Helper()
	dataDir := t.TempDir()
	localPath := filepath.Join(dataDir, "local"+histfile.Extension)

	f, err := histfile.Open(localPath, name)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	st := store.New(name, f.LastSequence())
	engine := New(Config{
		Root:         root,
		DataDir:      dataDir,
		LocalPath:    localPath,
		RecentEvents: recent,
	}, st, nil)

	return &machineFixture{store: st, engine: engine, local: f}
}

// appendCmd records a command both in memory and on disk, the way the
// daemon does.
func (m *machineFixture) appendCmd(t *testing.T, cmd string, exit int, at time.Time) {
	t.Helper()
	e := m.store.AppendLocal(history.Event{
		Command:   cmd,
		StartTime: at,
		EndTime:   at.Add(5 * time.Millisecond),
		ExitCode:  exit,
		Folder:    "/home/u",
		Session:   "s1",
	})
	require.NoError(t, m.local.Append([]history.Event{e}))
}

func TestSyncScenario(t *testing.T) {
	root := t.TempDir()

	m1 := newMachine(t, "M1", root, 0)
	m1.appendCmd(t, "ls", 0, base)
	m1.appendCmd(t, "false", 1, base.Add(time.Second))
	require.NoError(t, m1.engine.Sync())

	// M1's own search, most recent first.
	got := m1.store.Events(store.Query{Mode: store.ModeAll})
	require.Len(t, got, 2)
	assert.Equal(t, "false", got[0].Command)
	assert.Equal(t, "ls", got[1].Command)

	// An empty M2 syncs against the same root.
	m2 := newMachine(t, "M2", root, 0)
	require.NoError(t, m2.engine.Sync())

	events := m2.store.Snapshot()
	require.Len(t, events, 2)
	for _, e := range events {
		assert.Equal(t, "M1", e.Machine)
	}
	aggs := history.Aggregate(events, nil, base.Add(time.Hour))
	assert.Len(t, aggs, 2)

	// Re-running the same sync leaves the store unchanged.
	require.NoError(t, m2.engine.Sync())
	assert.Equal(t, events, m2.store.Snapshot())
}

func TestMutualSyncConverges(t *testing.T) {
	root := t.TempDir()

	m1 := newMachine(t, "M1", root, 0)
	m2 := newMachine(t, "M2", root, 0)
	m1.appendCmd(t, "one", 0, base)
	m2.appendCmd(t, "two", 0, base.Add(time.Second))

	require.NoError(t, m1.engine.Sync())
	require.NoError(t, m2.engine.Sync())
	require.NoError(t, m1.engine.Sync())

	assert.Equal(t, 2, m1.store.Stats().EventCount)
	assert.Equal(t, 2, m2.store.Stats().EventCount)

	// Union equals direct merge of both files into either store.
	assert.Equal(t, m1.store.Snapshot(), m2.store.Snapshot())
}

func TestIncrementalMerge(t *testing.T) {
	root := t.TempDir()

	m1 := newMachine(t, "M1", root, 0)
	m2 := newMachine(t, "M2", root, 0)

	m1.appendCmd(t, "first", 0, base)
	require.NoError(t, m1.engine.Sync())
	require.NoError(t, m2.engine.Sync())
	require.Equal(t, 1, m2.store.Stats().EventCount)

	// Only the new suffix is merged on the next cycle.
	m1.appendCmd(t, "second", 0, base.Add(time.Minute))
	require.NoError(t, m1.engine.Sync())
	require.NoError(t, m2.engine.Sync())
	assert.Equal(t, 2, m2.store.Stats().EventCount)
}

func TestArchiveSplit(t *testing.T) {
	root := t.TempDir()

	m1 := newMachine(t, "M1", root, 2)
	for i := 0; i < 5; i++ {
		m1.appendCmd(t, "cmd", 0, base.Add(time.Duration(i)*time.Second))
	}
	require.NoError(t, m1.engine.Sync())

	files, err := filepath.Glob(filepath.Join(root, "*"+histfile.Extension))
	require.NoError(t, err)
	require.Len(t, files, 2, "bounded recent file plus archive")

	// A fresh machine still sees all five events through the pair.
	m2 := newMachine(t, "M2", root, 0)
	require.NoError(t, m2.engine.Sync())
	assert.Equal(t, 5, m2.store.Stats().EventCount)
}

func TestSlidingRecentWindowMergesCleanly(t *testing.T) {
	root := t.TempDir()

	m1 := newMachine(t, "M1", root, 1)
	m1.appendCmd(t, "aaa", 0, base)
	require.NoError(t, m1.engine.Sync())

	m2 := newMachine(t, "M2", root, 0)
	require.NoError(t, m2.engine.Sync())
	require.Equal(t, 1, m2.store.Stats().EventCount)

	// A same-length command makes M1's bounded recent file slide its
	// window without changing size.
	m1.appendCmd(t, "bbb", 0, base.Add(time.Second))
	require.NoError(t, m1.engine.Sync())

	require.NoError(t, m2.engine.Sync())
	require.NoError(t, m2.engine.Sync())

	st := m2.store.Stats()
	assert.Equal(t, 2, st.EventCount)
	assert.Equal(t, 0, st.CorruptRecords, "a rewritten recent file is not corruption")
}

func TestPublishNameStable(t *testing.T) {
	root := t.TempDir()

	m1 := newMachine(t, "M1", root, 0)
	m1.appendCmd(t, "ls", 0, base)
	require.NoError(t, m1.engine.Sync())
	require.NoError(t, m1.engine.Sync())

	files, err := filepath.Glob(filepath.Join(root, "*"+histfile.Extension))
	require.NoError(t, err)
	assert.Len(t, files, 1, "republish reuses the same file name")
	assert.Equal(t, "M1", histfile.MachineFromName(files[0]))
}

func TestRootUnavailable(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "not-there")

	m1 := newMachine(t, "M1", missing, 0)
	m1.appendCmd(t, "ls", 0, base)

	err := m1.engine.Sync()
	assert.ErrorIs(t, err, ErrRootUnavailable)

	// Local operation continues; once the root appears, sync works.
	require.NoError(t, os.MkdirAll(missing, 0700))
	assert.NoError(t, m1.engine.Sync())
}

func TestForeignNewerFormatSkipped(t *testing.T) {
	root := t.TempDir()

	future := `{"format_version":"histd-events-v9","machine_id":"M9","created_at":"2030-01-01T00:00:00Z"}` + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, "M9-0-deadbeef.hist"), []byte(future), 0644))

	m1 := newMachine(t, "M1", root, 0)
	require.NoError(t, m1.engine.Sync())
	assert.Equal(t, 0, m1.store.Stats().EventCount)
}

func TestCorruptForeignRecordsCounted(t *testing.T) {
	root := t.TempDir()

	content := `{"format_version":"histd-events-v1","machine_id":"M3","created_at":"2024-01-01T00:00:00Z"}` + "\n" +
		`garbage line` + "\n" +
		`{"event":{"command":"ok","start_time":"2024-01-01T00:00:01Z","end_time":"2024-01-01T00:00:02Z","exit_code":0,"folder":"/","machine":"M3","session":"s","sequence":1}}` + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, "M3-0-cafecafe.hist"), []byte(content), 0644))

	m1 := newMachine(t, "M1", root, 0)
	require.NoError(t, m1.engine.Sync())

	st := m1.store.Stats()
	assert.Equal(t, 1, st.EventCount)
	assert.Equal(t, 1, st.CorruptRecords)
}
