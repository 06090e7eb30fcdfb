package importer

import (
	"strings"
	"testing"
	"time"

	"histd/internal/history"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseZsh(t *testing.T) {
	input := ": 1639324221:0;git status\n" +
		": 1639324230:5;make test\n"

	entries, err := ParseZsh(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "git status", entries[0].Command)
	assert.Equal(t, time.Unix(1639324221, 0).UTC(), entries[0].StartTime)
	assert.Equal(t, time.Duration(0), entries[0].Duration)

	assert.Equal(t, "make test", entries[1].Command)
	assert.Equal(t, 5*time.Second, entries[1].Duration)
}

func TestParseZshMultiline(t *testing.T) {
	input := ": 1639324221:1;for f in *; do\\\n" +
		"  echo $f\\\n" +
		"done\n" +
		": 1639324230:0;ls\n"

	entries, err := ParseZsh(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "for f in *; do\n  echo $f\ndone", entries[0].Command)
	assert.Equal(t, "ls", entries[1].Command)
}

func TestParseZshCommandWithColonAndSemicolon(t *testing.T) {
	input := ": 1639324221:0;echo a:b;echo done\n"

	entries, err := ParseZsh(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "echo a:b;echo done", entries[0].Command)
}

func TestParseZshSkipsLeadingNoise(t *testing.T) {
	input := "plain line before any stamp\n" +
		": 1639324221:0;ls\n"

	entries, err := ParseZsh(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ls", entries[0].Command)
}

func TestParseZshRepairsInvalidUTF8(t *testing.T) {
	input := ": 1639324221:0;echo \xff\xfe\n"

	entries, err := ParseZsh(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Command, "echo "))
	assert.Contains(t, entries[0].Command, "�")
}

func TestParsePlain(t *testing.T) {
	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	input := "ls\n\nmake\n"

	entries, err := ParsePlain(strings.NewReader(input), base)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "ls", entries[0].Command)
	assert.Equal(t, base, entries[0].StartTime)
	assert.Equal(t, base.Add(time.Second), entries[1].StartTime)
}

func TestEventsAreDeterministic(t *testing.T) {
	entries := []Entry{
		{Command: "ls", StartTime: time.Unix(1639324221, 0).UTC()},
		{Command: "make", StartTime: time.Unix(1639324230, 0).UTC(), Duration: 5 * time.Second},
	}

	a := Events(entries, "imported-zsh")
	b := Events(entries, "imported-zsh")
	assert.Equal(t, a, b, "re-import of unchanged input yields identical events")

	assert.Equal(t, uint64(1), a[0].Sequence)
	assert.Equal(t, "imported-zsh", a[0].Machine)
	assert.Equal(t, history.ExitUnknown, a[0].ExitCode)
	assert.Equal(t, entries[1].StartTime.Add(5*time.Second), a[1].EndTime)
}
