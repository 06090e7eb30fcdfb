package histfile

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"histd/internal/history"
)

// ReadResult is the outcome of loading a machine file.
type ReadResult struct {
	Header  Header
	Events  []history.Event
	Skipped int // unparseable records stepped over
}

// Read loads a complete machine file. Records that fail to parse are
// skipped and counted, never fatal; an unrecognized format version is
// fatal so a newer file is not silently misread.
func Read(path string) (ReadResult, error) {
	r := NewReader(path)
	events, err := r.Next()
	if err != nil {
		return ReadResult{}, err
	}
	return ReadResult{Header: r.header, Events: events, Skipped: r.skipped}, nil
}

// ErrFileReplaced signals that a tracked file shrank, so the
// incremental position is no longer valid. The reader resets itself;
// the following Next call re-reads everything, which is safe because
// merging is idempotent.
var ErrFileReplaced = errors.New("histfile: file changed non-monotonically")

// Reader incrementally tails a machine file: each Next call returns
// only the events committed since the previous call. Only lines closed
// with a newline count as committed; a torn trailing fragment is left
// for the next cycle. The watermark is a byte offset plus the last
// consumed line, so a file rewritten in place (a bounded recent file
// whose window slid, a sync tool replacing content at equal size) is
// detected and re-read from scratch instead of resumed mid-record.
type Reader struct {
	path     string
	header   Header
	offset   int64
	lastLine []byte
	started  bool
	skipped  int
}

// NewReader tracks the machine file at path.
func NewReader(path string) *Reader {
	return &Reader{path: path}
}

// Path returns the tracked path.
func (r *Reader) Path() string { return r.path }

// Header returns the file header seen on the first successful read.
func (r *Reader) Header() Header { return r.header }

// Skipped returns the cumulative count of corrupt records stepped over.
func (r *Reader) Skipped() int { return r.skipped }

// Offset returns the merge watermark: the byte offset up to which the
// file has been consumed.
func (r *Reader) Offset() int64 { return r.offset }

// Next returns events appended since the last call.
func (r *Reader) Next() ([]history.Event, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if stat.Size() < r.offset {
		r.reset()
		return nil, ErrFileReplaced
	}

	// A rewrite can shift content while the size stays equal or grows;
	// the stored offset then points into the middle of different data.
	// The last consumed line must still be in place to resume.
	if r.started && len(r.lastLine) > 0 {
		tail := make([]byte, len(r.lastLine))
		if _, err := f.ReadAt(tail, r.offset-int64(len(r.lastLine))); err != nil || !bytes.Equal(tail, r.lastLine) {
			r.reset()
			return nil, ErrFileReplaced
		}
	}

	if _, err := f.Seek(r.offset, io.SeekStart); err != nil {
		return nil, err
	}
	br := bufio.NewReader(f)

	if !r.started {
		line, err := br.ReadBytes('\n')
		if err != nil {
			return nil, ErrNoHeader
		}
		h, err := parseHeader(bytes.TrimSuffix(line, []byte("\n")))
		if err != nil {
			return nil, err
		}
		r.header = h
		r.offset += int64(len(line))
		r.lastLine = append(r.lastLine[:0], line...)
		r.started = true
	}

	var events []history.Event
	for {
		line, err := br.ReadBytes('\n')
		if err != nil {
			// Torn trailing line: the owner is mid-append; the
			// completed line shows up next cycle.
			return events, nil
		}
		e, perr := parseRecord(bytes.TrimSuffix(line, []byte("\n")), true)
		if perr != nil {
			r.skipped++
		} else {
			if e.Machine == "" {
				e.Machine = r.header.MachineID
			}
			events = append(events, e)
		}
		r.offset += int64(len(line))
		r.lastLine = append(r.lastLine[:0], line...)
	}
}

func (r *Reader) reset() {
	r.started = false
	r.offset = 0
	r.lastLine = nil
}

// VerifyOwnership checks that a machine file's header matches the
// machine id embedded in its published name, guarding against a
// replication root where files were renamed across machines.
func VerifyOwnership(path string) error {
	res, err := Read(path)
	if err != nil {
		return err
	}
	if name := MachineFromName(path); name != "" && name != sanitize(res.Header.MachineID) {
		return fmt.Errorf("machine file %s claims machine %q", path, res.Header.MachineID)
	}
	return nil
}
