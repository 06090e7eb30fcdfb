// Package importer converts pre-existing shell history files into
// events, so years of zsh or bash history survive the switch. The
// result is written as an ordinary machine file under an import
// pseudo-machine; merging dedups re-imports as long as the source
// lines did not change.
package importer

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"histd/internal/history"
)

// Entry is one parsed history line before it becomes an event.
type Entry struct {
	Command   string
	StartTime time.Time
	Duration  time.Duration
}

// zsh extended history lines look like
//
//	: 1639324221:0;git status
//
// with multi-line commands continued by a trailing backslash.

// ParseZsh parses zsh extended history. Lines that do not carry the
// extended timestamp prefix are treated as continuations; history
// files are frequently not valid UTF-8, so bytes are repaired rather
// than rejected.
func ParseZsh(r io.Reader) ([]Entry, error) {
	var entries []Entry

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.ToValidUTF8(scanner.Text(), "�")

		start, dur, cmd, ok := parseZshLine(line)
		if !ok {
			// Continuation of the previous command, or leading noise
			// before the first stamped entry.
			if len(entries) == 0 {
				continue
			}
			last := &entries[len(entries)-1]
			last.Command = strings.TrimSuffix(last.Command, `\`) + "\n" + line
			continue
		}

		entries = append(entries, Entry{
			Command:   cmd,
			StartTime: start,
			Duration:  dur,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read zsh history: %w", err)
	}

	for i := range entries {
		entries[i].Command = strings.TrimSuffix(entries[i].Command, `\`)
	}
	return entries, nil
}

func parseZshLine(line string) (start time.Time, dur time.Duration, cmd string, ok bool) {
	rest, found := strings.CutPrefix(line, ": ")
	if !found {
		return time.Time{}, 0, "", false
	}
	stamp, rest, found := strings.Cut(rest, ":")
	if !found {
		return time.Time{}, 0, "", false
	}
	durStr, cmd, found := strings.Cut(rest, ";")
	if !found {
		return time.Time{}, 0, "", false
	}

	unix, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return time.Time{}, 0, "", false
	}
	seconds, err := strconv.ParseInt(durStr, 10, 64)
	if err != nil {
		return time.Time{}, 0, "", false
	}
	return time.Unix(unix, 0).UTC(), time.Duration(seconds) * time.Second, cmd, true
}

// ParsePlain parses timestamp-less history (bash without HISTTIMEFORMAT).
// Original execution times are gone, so entries get synthetic times
// one second apart starting at base, preserving the file's order.
func ParsePlain(r io.Reader, base time.Time) ([]Entry, error) {
	var entries []Entry

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.ToValidUTF8(scanner.Text(), "�")
		if strings.TrimSpace(line) == "" {
			continue
		}
		entries = append(entries, Entry{
			Command:   line,
			StartTime: base.Add(time.Duration(len(entries)) * time.Second),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	return entries, nil
}

// Events turns entries into events under the given pseudo-machine.
// Sequences follow file order, so re-importing an unchanged file
// yields identical events and merge drops them all as duplicates.
func Events(entries []Entry, machine string) []history.Event {
	events := make([]history.Event, len(entries))
	for i, en := range entries {
		events[i] = history.Event{
			Command:   en.Command,
			StartTime: en.StartTime,
			EndTime:   en.StartTime.Add(en.Duration),
			ExitCode:  history.ExitUnknown,
			Folder:    "",
			Machine:   machine,
			Session:   "",
			Sequence:  uint64(i + 1),
		}
	}
	return events
}
