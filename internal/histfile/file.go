package histfile

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"histd/internal/history"

	"github.com/google/uuid"
)

// File is the local machine file, exclusively owned by this process.
// Appends are durable: each batch is flushed and fsynced before the
// call returns. On open the file is scanned to the last committed line
// so a torn write from a crash is dropped and overwritten.
type File struct {
	mu sync.Mutex

	path   string
	file   *os.File
	header Header

	// end is the byte offset of the last committed newline; appends
	// start here so a torn trailing line is overwritten.
	end int64

	lastSequence uint64
	eventCount   int
	skipped      int
}

// Create initializes a new machine file with a header line. It fails
// if the file already exists.
func Create(path, machineID string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("create machine file: %w", err)
	}
	defer f.Close()

	h := Header{FormatVersion: FormatV1, MachineID: machineID, CreatedAt: time.Now().UTC()}
	if _, err := f.Write(marshalHeader(h)); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	return f.Sync()
}

// Open opens the local machine file for appending, creating it when
// absent, and takes the exclusive writer lock. A second opener gets
// ErrLocked. The recovery scan positions the write offset after the
// last committed line.
func Open(path, machineID string) (*File, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := Create(path, machineID); err != nil {
			return nil, err
		}
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open machine file: %w", err)
	}
	if err := lockExclusive(f); err != nil {
		f.Close()
		return nil, err
	}

	mf := &File{path: path, file: f}
	if err := mf.scan(); err != nil {
		unlock(f)
		f.Close()
		return nil, err
	}
	if mf.header.MachineID != machineID {
		unlock(f)
		f.Close()
		return nil, fmt.Errorf("machine file %s belongs to %q, not %q",
			path, mf.header.MachineID, machineID)
	}
	return mf, nil
}

// scan reads the header and every committed event line, recording the
// offset after the last complete line.
func (f *File) scan() error {
	if _, err := f.file.Seek(0, io.SeekStart); err != nil {
		return err
	}

	r := bufio.NewReader(f.file)
	var offset int64

	line, err := r.ReadBytes('\n')
	if err != nil {
		return ErrNoHeader
	}
	h, err := parseHeader(bytes.TrimSuffix(line, []byte("\n")))
	if err != nil {
		return err
	}
	f.header = h
	offset += int64(len(line))

	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			// A trailing fragment without newline is a torn write;
			// leave offset at the previous committed line.
			break
		}
		e, perr := parseRecord(bytes.TrimSuffix(line, []byte("\n")), false)
		if perr != nil {
			f.skipped++
		} else {
			f.lastSequence = e.Sequence
			f.eventCount++
		}
		offset += int64(len(line))
	}

	f.end = offset
	_, err = f.file.Seek(offset, io.SeekStart)
	return err
}

// Header returns the file header.
func (f *File) Header() Header {
	return f.header
}

// LastSequence returns the highest sequence committed to disk, 0 when
// the file holds no events.
func (f *File) LastSequence() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSequence
}

// EventCount returns the number of committed events.
func (f *File) EventCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.eventCount
}

// SkippedRecords returns how many unparseable lines the recovery scan
// stepped over.
func (f *File) SkippedRecords() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.skipped
}

// Append durably writes a batch of events. The batch is committed as a
// whole: buffered lines are written at the committed offset, flushed,
// and fsynced before the offset advances.
func (f *File) Append(events []history.Event) error {
	if len(events) == 0 {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var buf bytes.Buffer
	for _, e := range events {
		buf.Write(marshalEvent(e))
	}

	if _, err := f.file.WriteAt(buf.Bytes(), f.end); err != nil {
		return fmt.Errorf("append events: %w", err)
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("sync machine file: %w", err)
	}

	f.end += int64(buf.Len())
	f.eventCount += len(events)
	f.lastSequence = events[len(events)-1].Sequence
	return nil
}

// Size returns the committed byte size of the file.
func (f *File) Size() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.end
}

// Path returns the file path.
func (f *File) Path() string {
	return f.path
}

// Close releases the writer lock and closes the file.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	unlock(f.file)
	return f.file.Close()
}

// PublishName builds the collision-free name a machine file carries
// under the replication root: machine id, creation timestamp and a
// random disambiguator.
func PublishName(machineID string, createdAt time.Time) string {
	id := uuid.NewString()[:8]
	return fmt.Sprintf("%s-%d-%s%s", sanitize(machineID), createdAt.Unix(), id, Extension)
}

// MachineFromName extracts the machine id prefix from a published file
// name, or "" when the name does not follow the publish pattern.
func MachineFromName(name string) string {
	base := strings.TrimSuffix(filepath.Base(name), Extension)
	parts := strings.Split(base, "-")
	if len(parts) < 3 {
		return ""
	}
	// createdAt and disambiguator are the final two segments; the
	// machine id may itself contain dashes.
	if _, err := strconv.ParseInt(parts[len(parts)-2], 10, 64); err != nil {
		return ""
	}
	return strings.Join(parts[:len(parts)-2], "-")
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}
