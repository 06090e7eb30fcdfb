package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"histd/internal/filter"
	"histd/internal/history"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ignoreFilter(t *testing.T) func(string) bool {
	t.Helper()
	path := filepath.Join(t.TempDir(), "filters.yaml")
	content := "format: histd-filters-v1\nignore-commands:\n  - clear\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return filter.New(path).Hidden
}

func TestOfflineSearchAppliesIgnoreFilters(t *testing.T) {
	hidden := ignoreFilter(t)
	base := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	events := []history.Event{
		{Command: "make", StartTime: base, Machine: "m1", Sequence: 1},
		{Command: "clear", StartTime: base.Add(time.Second), Machine: "m1", Sequence: 2},
		{Command: "ls", StartTime: base.Add(2 * time.Second), Machine: "m1", Sequence: 3},
	}

	got := dropHiddenEvents(events, hidden, 0)
	require.Len(t, got, 2)
	assert.Equal(t, "make", got[0].Command)
	assert.Equal(t, "ls", got[1].Command)

	aggs := history.Aggregate(events, nil, base.Add(time.Hour))
	filtered := dropHiddenAggregates(aggs, hidden, 0)
	require.Len(t, filtered, 2)
	for _, a := range filtered {
		assert.NotEqual(t, "clear", a.Command)
	}
}

func TestOfflineSearchCapsAfterFiltering(t *testing.T) {
	hidden := ignoreFilter(t)
	base := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	events := []history.Event{
		{Command: "clear", StartTime: base, Machine: "m1", Sequence: 1},
		{Command: "make", StartTime: base.Add(time.Second), Machine: "m1", Sequence: 2},
		{Command: "ls", StartTime: base.Add(2 * time.Second), Machine: "m1", Sequence: 3},
	}

	got := dropHiddenEvents(events, hidden, 2)
	require.Len(t, got, 2, "hidden entries do not consume the cap")
	assert.Equal(t, "make", got[0].Command)
	assert.Equal(t, "ls", got[1].Command)

	got = dropHiddenEvents(events, nil, 1)
	assert.Len(t, got, 1, "no filter still honors the cap")
}
