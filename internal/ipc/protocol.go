// Package ipc implements the local control channel between the histd
// daemon and its shell front-ends over a per-user unix socket.
//
// Every frame is a fixed 16-byte header (magic, version, flags, type,
// request id, payload length) followed by a JSON payload. Responses
// carry the request id of the frame they answer; streamed search
// results reuse it across frames, and the final frame sets the
// stream-end flag.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"histd/internal/history"
	"histd/internal/store"
)

const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x48495043 // "HIPC"

	// HeaderSize is the size of the fixed header in bytes.
	HeaderSize = 16

	// MaxPayload bounds a single frame. Commands are small; anything
	// past this is a malformed or hostile peer.
	MaxPayload = 8 * 1024 * 1024
)

// MessageType identifies the type of a frame.
type MessageType uint16

const (
	// Control messages (0x00xx)
	MsgPing     MessageType = 0x0001
	MsgPong     MessageType = 0x0002
	MsgError    MessageType = 0x0005
	MsgShutdown MessageType = 0x0006
	MsgOK       MessageType = 0x0007

	// Event recording (0x01xx)
	MsgAppend     MessageType = 0x0100
	MsgAppendResp MessageType = 0x0101

	// Search streams (0x02xx)
	MsgSearch       MessageType = 0x0200
	MsgSearchResult MessageType = 0x0201

	// Prefix navigation (0x03xx)
	MsgPrevEvent MessageType = 0x0300
	MsgNextEvent MessageType = 0x0302
	MsgStepResp  MessageType = 0x0303

	// Status and sync (0x04xx)
	MsgStatus     MessageType = 0x0400
	MsgStatusResp MessageType = 0x0401
	MsgSyncNow    MessageType = 0x0402
	MsgSyncResp   MessageType = 0x0403
)

// Header flags.
const (
	FlagStreamEnd uint8 = 0x01
)

// Error codes carried by MsgError.
const (
	ErrUnknown        = 1
	ErrInvalidRequest = 2
	ErrNotFound       = 3
	ErrInternalError  = 5
	ErrShuttingDown   = 6
)

// Header is the fixed-size frame header.
type Header struct {
	Magic     uint32
	Version   uint8
	Flags     uint8
	Type      MessageType
	RequestID uint32
	Length    uint32
}

// Message wraps a header and payload.
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage creates a frame with the given type and payload.
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

// Write writes the header to a writer.
func (h *Header) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
	_, err := w.Write(buf)
	return err
}

// ReadHeader reads and validates a header from a reader.
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("invalid magic number: %x", h.Magic)
	}
	if h.Version > ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", h.Version)
	}
	return h, nil
}

// Write writes the message to a writer.
func (m *Message) Write(w io.Writer) error {
	if err := m.Header.Write(w); err != nil {
		return err
	}
	if len(m.Payload) > 0 {
		_, err := w.Write(m.Payload)
		return err
	}
	return nil
}

// ReadMessage reads a complete message from a reader.
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: *h}
	if h.Length > 0 {
		if h.Length > MaxPayload {
			return nil, fmt.Errorf("payload too large: %d bytes", h.Length)
		}
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Encode encodes a payload to JSON bytes.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode decodes JSON bytes into a payload.
func Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// NewResponse creates a response message carrying the encoded value.
func NewResponse(msgType MessageType, requestID uint32, v any) (*Message, error) {
	payload, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(msgType, requestID, payload), nil
}

// NewErrorMessage creates an error message.
func NewErrorMessage(requestID uint32, code int, message string) *Message {
	payload, _ := Encode(&ErrorResponse{Code: code, Message: message})
	return NewMessage(MsgError, requestID, payload)
}

// ErrorResponse is sent when an operation fails.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// AppendRequest records one executed command. Machine and sequence
// are assigned by the daemon, never by the caller.
type AppendRequest struct {
	Command   string    `json:"command"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	ExitCode  int       `json:"exit_code"`
	Folder    string    `json:"folder"`
	Session   string    `json:"session"`
}

// AppendResponse acknowledges an accepted event.
type AppendResponse struct {
	Sequence uint64 `json:"sequence"`
}

// SearchRequest opens a result stream.
type SearchRequest struct {
	Mode       store.Mode `json:"mode"`
	Query      string     `json:"query,omitempty"`
	Session    string     `json:"session,omitempty"`
	Folder     string     `json:"folder,omitempty"`
	MaxResults int        `json:"max_results,omitempty"`

	// FilterIgnored applies the user's ignore rules. Aggregated
	// searches want it; raw listings usually do not.
	FilterIgnored bool `json:"filter_ignored,omitempty"`
}

// SearchResult is one streamed result: a plain event in raw modes,
// an aggregated entry in aggregated-unique mode.
type SearchResult struct {
	Event      *history.Event      `json:"event,omitempty"`
	Aggregated *history.Aggregated `json:"aggregated,omitempty"`
}

// StepRequest is one previous-event/next-event navigation step. The
// whole navigation state travels with the request so concurrent
// shell sessions never share daemon-side state.
type StepRequest struct {
	Session       string    `json:"session"`
	Prefix        string    `json:"prefix"`
	ReferenceTime time.Time `json:"reference_time"`
}

// StepResponse carries the matched event, if any.
type StepResponse struct {
	Found bool           `json:"found"`
	Event *history.Event `json:"event,omitempty"`
}

// StatusResponse contains the daemon status summary.
type StatusResponse struct {
	Version       string      `json:"version"`
	StartedAt     time.Time   `json:"started_at"`
	Uptime        string      `json:"uptime"`
	SocketPath    string      `json:"socket_path"`
	Stats         store.Stats `json:"stats"`
	PendingWrites int         `json:"pending_writes"`
}

// SyncResponse reports a sync-now outcome.
type SyncResponse struct {
	Synced bool   `json:"synced"`
	Error  string `json:"error,omitempty"`
}
