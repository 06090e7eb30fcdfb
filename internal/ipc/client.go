package ipc

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"histd/internal/history"
)

// ErrDaemonUnreachable means no daemon answered on the socket. Shell
// hooks fire on every prompt, so this must fail fast, never hang.
var ErrDaemonUnreachable = errors.New("ipc: daemon unreachable")

// DialTimeout bounds connection establishment.
const DialTimeout = time.Second

// Client is a connection to the daemon. It is safe for sequential
// use; requests on one client do not interleave.
type Client struct {
	mu     sync.Mutex
	conn   net.Conn
	nextID atomic.Uint32
}

// Dial connects to the daemon socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDaemonUnreachable, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// roundTrip sends one frame and reads one response frame.
func (c *Client) roundTrip(msgType MessageType, v any) (*Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID.Add(1)
	var payload []byte
	if v != nil {
		var err error
		payload, err = Encode(v)
		if err != nil {
			return nil, err
		}
	}

	c.conn.SetDeadline(time.Now().Add(10 * time.Second))
	if err := NewMessage(msgType, id, payload).Write(c.conn); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDaemonUnreachable, err)
	}
	resp, err := ReadMessage(c.conn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDaemonUnreachable, err)
	}
	return resp, checkError(resp)
}

func checkError(m *Message) error {
	if m.Header.Type != MsgError {
		return nil
	}
	var e ErrorResponse
	if err := Decode(m.Payload, &e); err != nil {
		return errors.New("daemon error (undecodable payload)")
	}
	return fmt.Errorf("daemon error %d: %s", e.Code, e.Message)
}

// Ping checks that a live daemon answers on the socket.
func (c *Client) Ping() error {
	resp, err := c.roundTrip(MsgPing, nil)
	if err != nil {
		return err
	}
	if resp.Header.Type != MsgPong {
		return fmt.Errorf("unexpected response type %#x", resp.Header.Type)
	}
	return nil
}

// Append records one executed command and returns its assigned
// sequence. The daemon acknowledges before the event is durable.
func (c *Client) Append(req *AppendRequest) (uint64, error) {
	resp, err := c.roundTrip(MsgAppend, req)
	if err != nil {
		return 0, err
	}
	var ack AppendResponse
	if err := Decode(resp.Payload, &ack); err != nil {
		return 0, err
	}
	return ack.Sequence, nil
}

// Search streams results for the request; fn is called per result
// until the stream ends or fn returns false.
func (c *Client) Search(req *SearchRequest, fn func(SearchResult) bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID.Add(1)
	payload, err := Encode(req)
	if err != nil {
		return err
	}
	c.conn.SetDeadline(time.Now().Add(30 * time.Second))
	if err := NewMessage(MsgSearch, id, payload).Write(c.conn); err != nil {
		return fmt.Errorf("%w: %v", ErrDaemonUnreachable, err)
	}

	for {
		msg, err := ReadMessage(c.conn)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDaemonUnreachable, err)
		}
		if err := checkError(msg); err != nil {
			return err
		}
		if len(msg.Payload) > 0 {
			var res SearchResult
			if err := Decode(msg.Payload, &res); err != nil {
				return err
			}
			if !fn(res) {
				// The stream still has unread frames, so the
				// connection cannot be reused after an early stop.
				c.conn.Close()
				return nil
			}
		}
		if msg.Header.Flags&FlagStreamEnd != 0 {
			return nil
		}
	}
}

// step performs one navigation request in the given direction.
func (c *Client) step(msgType MessageType, req *StepRequest) (*history.Event, bool, error) {
	resp, err := c.roundTrip(msgType, req)
	if err != nil {
		return nil, false, err
	}
	var sr StepResponse
	if err := Decode(resp.Payload, &sr); err != nil {
		return nil, false, err
	}
	return sr.Event, sr.Found, nil
}

// PreviousEvent asks for the most recent session event matching the
// prefix strictly before the reference time.
func (c *Client) PreviousEvent(req *StepRequest) (*history.Event, bool, error) {
	return c.step(MsgPrevEvent, req)
}

// NextEvent is the forward counterpart of PreviousEvent.
func (c *Client) NextEvent(req *StepRequest) (*history.Event, bool, error) {
	return c.step(MsgNextEvent, req)
}

// Status returns the daemon status summary.
func (c *Client) Status() (*StatusResponse, error) {
	resp, err := c.roundTrip(MsgStatus, nil)
	if err != nil {
		return nil, err
	}
	var st StatusResponse
	if err := Decode(resp.Payload, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// SyncNow runs a synchronous sync cycle on the daemon.
func (c *Client) SyncNow() (*SyncResponse, error) {
	resp, err := c.roundTrip(MsgSyncNow, nil)
	if err != nil {
		return nil, err
	}
	var sr SyncResponse
	if err := Decode(resp.Payload, &sr); err != nil {
		return nil, err
	}
	return &sr, nil
}

// Shutdown asks the daemon to flush and exit. The acknowledgement
// arrives before the daemon stops accepting connections.
func (c *Client) Shutdown() error {
	_, err := c.roundTrip(MsgShutdown, nil)
	return err
}
