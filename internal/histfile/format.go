// Package histfile implements the durable machine-file format: the
// versioned, append-only, single-writer record of one machine's events.
//
// A machine file is JSON lines. The first line is a header object
// carrying the format version, the owning machine's identifier and the
// creation timestamp; every following line wraps one event. The file
// only ever grows under its owner; other machines read it but never
// write it, which is what makes lock-free replication possible. Only a
// line terminated by a newline is considered committed: a torn final
// line from a crash mid-write is ignored on read and overwritten by the
// next append.
package histfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"histd/internal/history"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// FormatV1 is the current machine-file format tag.
const FormatV1 = "histd-events-v1"

// Extension is the file suffix for machine files under the data dir
// and the replication root.
const Extension = ".hist"

var (
	// ErrUnsupportedFormat marks a file whose version tag is unknown
	// or newer than this build understands. Such files fail closed:
	// they are never merged.
	ErrUnsupportedFormat = errors.New("histfile: unsupported format version")

	// ErrCorruptRecord marks a single unparseable record. Loading
	// skips the record and continues.
	ErrCorruptRecord = errors.New("histfile: corrupt record")

	// ErrNoHeader marks a file that does not start with a header line.
	ErrNoHeader = errors.New("histfile: missing header")

	// ErrLocked is returned when the local machine file is already
	// exclusively held by another process.
	ErrLocked = errors.New("histfile: file locked by another process")
)

// Header is the first line of a machine file.
type Header struct {
	FormatVersion string    `json:"format_version"`
	MachineID     string    `json:"machine_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// record is one JSON line after the header.
type record struct {
	Event *history.Event `json:"event,omitempty"`
}

const headerSchemaJSON = `{
	"type": "object",
	"required": ["format_version", "machine_id", "created_at"],
	"properties": {
		"format_version": {"type": "string", "minLength": 1},
		"machine_id": {"type": "string", "minLength": 1},
		"created_at": {"type": "string"}
	}
}`

const eventSchemaJSON = `{
	"type": "object",
	"required": ["event"],
	"properties": {
		"event": {
			"type": "object",
			"required": ["command", "start_time", "end_time", "exit_code", "folder", "machine", "session", "sequence"],
			"properties": {
				"command": {"type": "string"},
				"start_time": {"type": "string"},
				"end_time": {"type": "string"},
				"exit_code": {"type": "integer"},
				"folder": {"type": "string"},
				"machine": {"type": "string", "minLength": 1},
				"session": {"type": "string"},
				"sequence": {"type": "integer", "minimum": 0}
			}
		}
	}
}`

var (
	headerSchema = jsonschema.MustCompileString("header.json", headerSchemaJSON)
	eventSchema  = jsonschema.MustCompileString("event.json", eventSchemaJSON)
)

// parseHeader validates and decodes a header line. An unknown format
// version is rejected outright rather than misinterpreted.
func parseHeader(line []byte) (Header, error) {
	var raw any
	if err := json.Unmarshal(line, &raw); err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrNoHeader, err)
	}
	if err := headerSchema.Validate(raw); err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrNoHeader, err)
	}

	var h Header
	if err := json.Unmarshal(line, &h); err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrNoHeader, err)
	}
	if h.FormatVersion != FormatV1 {
		return Header{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, h.FormatVersion)
	}
	return h, nil
}

// parseRecord validates and decodes an event line. strict enables the
// schema check used for foreign files.
func parseRecord(line []byte, strict bool) (history.Event, error) {
	if strict {
		var raw any
		if err := json.Unmarshal(line, &raw); err != nil {
			return history.Event{}, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
		}
		if err := eventSchema.Validate(raw); err != nil {
			return history.Event{}, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
		}
	}

	var rec record
	if err := json.Unmarshal(line, &rec); err != nil {
		return history.Event{}, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if rec.Event == nil {
		return history.Event{}, fmt.Errorf("%w: no event key", ErrCorruptRecord)
	}
	return *rec.Event, nil
}

func marshalHeader(h Header) []byte {
	data, _ := json.Marshal(h)
	return append(data, '\n')
}

func marshalEvent(e history.Event) []byte {
	data, _ := json.Marshal(record{Event: &e})
	return append(data, '\n')
}
