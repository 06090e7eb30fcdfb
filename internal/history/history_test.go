package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent(machine string, seq uint64, cmd string, at time.Time) Event {
	return Event{
		Command:   cmd,
		StartTime: at,
		EndTime:   at.Add(50 * time.Millisecond),
		Folder:    "/home/u",
		Machine:   machine,
		Session:   "s1",
		Sequence:  seq,
	}
}

func TestEventKeyIdentity(t *testing.T) {
	now := time.Now().UTC()
	a := testEvent("m1", 1, "ls", now)
	b := testEvent("m1", 1, "ls -la", now.Add(time.Hour))

	// Same key means same event, regardless of content.
	assert.Equal(t, a.Key(), b.Key())
	assert.NotEqual(t, a.Key(), testEvent("m2", 1, "ls", now).Key())
	assert.NotEqual(t, a.Key(), testEvent("m1", 2, "ls", now).Key())
}

func TestDisplayOrder(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	events := []Event{
		testEvent("m1", 3, "c", base.Add(2*time.Second)),
		testEvent("m1", 1, "a", base),
		testEvent("m1", 2, "b", base.Add(time.Second)),
	}
	Sort(events)
	assert.Equal(t, []string{"a", "b", "c"}, commands(events))

	SortRecentFirst(events)
	assert.Equal(t, []string{"c", "b", "a"}, commands(events))
}

func TestDisplayOrderTieBreak(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	// Identical timestamps fall back to machine then sequence.
	events := []Event{
		testEvent("m2", 1, "b", at),
		testEvent("m1", 2, "a2", at),
		testEvent("m1", 1, "a1", at),
	}
	Sort(events)
	assert.Equal(t, []string{"a1", "a2", "b"}, commands(events))
}

func TestFingerprint(t *testing.T) {
	now := time.Now().UTC()
	a := testEvent("m1", 1, "make test", now)
	b := testEvent("m1", 99, "make test", now.Add(time.Hour))
	assert.Equal(t, a.Fingerprint(), b.Fingerprint(),
		"fingerprint ignores timing and sequence")

	c := a
	c.Folder = "/tmp"
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())

	d := a
	d.Machine = "m2"
	assert.Equal(t, a.Fingerprint(), d.Fingerprint(),
		"the same command+folder fingerprints identically across machines")
}

func TestFingerprintFieldBoundaries(t *testing.T) {
	now := time.Now().UTC()
	a := testEvent("m", 1, "ab", now)
	a.Folder = "c"
	b := testEvent("m", 1, "a", now)
	b.Folder = "bc"
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint(),
		"field boundaries must be length-prefixed")
}

func TestAggregateCounts(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	var events []Event
	for i := 0; i < 5; i++ {
		e := testEvent("m1", uint64(i+1), "make test", base.Add(time.Duration(i)*time.Minute))
		if i%2 == 1 {
			e.ExitCode = 2
		}
		events = append(events, e)
	}
	events = append(events, testEvent("m1", 6, "ls", base.Add(time.Hour)))

	aggs := Aggregate(events, nil, base.Add(2*time.Hour))
	require.Len(t, aggs, 2)

	byCmd := make(map[string]Aggregated)
	for _, a := range aggs {
		byCmd[a.Command] = a
	}

	mk := byCmd["make test"]
	assert.Equal(t, 5, mk.OccurrenceCount)
	assert.Equal(t, 5, mk.KnownExitCount)
	assert.Equal(t, 2, mk.FailedExitCount)
	assert.Equal(t, base.Add(4*time.Minute), mk.MostRecentTime)
	assert.InDelta(t, 0.4, mk.FailRatio(), 1e-9)

	// Default scorer ranks the frequent command first.
	assert.Equal(t, "make test", aggs[0].Command)
}

func TestAggregateUnknownExits(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	imported := testEvent("imported", 1, "make", base)
	imported.ExitCode = ExitUnknown

	aggs := Aggregate([]Event{imported}, nil, base.Add(time.Hour))
	require.Len(t, aggs, 1)
	assert.Equal(t, 1, aggs[0].OccurrenceCount)
	assert.Equal(t, 0, aggs[0].KnownExitCount)
	assert.Equal(t, float64(-1), aggs[0].FailRatio())
}

func TestAggregateIdentityIsCommandAndFolder(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	first := testEvent("m1", 1, "git status", base)
	first.Folder = "/old"
	second := testEvent("m1", 2, "git status", base.Add(time.Minute))
	second.Folder = "/new"
	third := testEvent("m2", 1, "git status", base.Add(2*time.Minute))
	third.Folder = "/new"

	aggs := Aggregate([]Event{first, second, third}, nil, base.Add(time.Hour))
	require.Len(t, aggs, 2, "one entry per command+folder pair")

	byFolder := make(map[string]Aggregated)
	for _, a := range aggs {
		byFolder[a.Folder] = a
	}
	assert.Equal(t, 1, byFolder["/old"].OccurrenceCount)
	// The same pair collapses across machines.
	assert.Equal(t, 2, byFolder["/new"].OccurrenceCount)
	assert.Equal(t, base.Add(2*time.Minute), byFolder["/new"].MostRecentTime)
}

func TestAggregateCustomScorer(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	events := []Event{
		testEvent("m1", 1, "rare", base.Add(time.Hour)),
		testEvent("m1", 2, "common", base),
		testEvent("m1", 3, "common", base),
	}

	// Pure recency scorer flips the default ranking.
	recency := ScorerFunc(func(a Aggregated, now time.Time) float64 {
		return -now.Sub(a.MostRecentTime).Seconds()
	})
	aggs := Aggregate(events, recency, base.Add(2*time.Hour))
	require.Len(t, aggs, 2)
	assert.Equal(t, "rare", aggs[0].Command)
}

func commands(events []Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Command
	}
	return out
}
