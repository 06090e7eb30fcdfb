package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// ErrDaemonRunning means another live daemon already owns the socket.
var ErrDaemonRunning = errors.New("ipc: daemon already running on socket")

// Handler processes request frames. Most requests answer with a
// single frame through send; searches stream several. A send error
// means the client went away and the handler should stop.
type Handler interface {
	HandleMessage(ctx context.Context, msg *Message, send func(*Message) error) error
}

// HandlerFunc is a function that implements Handler.
type HandlerFunc func(ctx context.Context, msg *Message, send func(*Message) error) error

func (f HandlerFunc) HandleMessage(ctx context.Context, msg *Message, send func(*Message) error) error {
	return f(ctx, msg, send)
}

// ServerConfig configures the IPC server.
type ServerConfig struct {
	SocketPath   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server owns the unix socket and fans requests out to the handler,
// one goroutine per connection.
type Server struct {
	socketPath   string
	readTimeout  time.Duration
	writeTimeout time.Duration
	handler      Handler
	log          *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

// NewServer creates an IPC server. It does not bind until Start.
func NewServer(cfg ServerConfig, handler Handler, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath:   cfg.SocketPath,
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
		handler:      handler,
		log:          log.With("component", "ipc"),
		conns:        make(map[net.Conn]struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start binds the socket and begins accepting connections. A socket
// file answered by a live daemon yields ErrDaemonRunning; a stale one
// left by a crash is removed and replaced.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	if _, err := os.Stat(s.socketPath); err == nil {
		if socketAlive(s.socketPath) {
			return ErrDaemonRunning
		}
		s.log.Info("removing stale socket", "path", s.socketPath)
		if err := os.Remove(s.socketPath); err != nil {
			return fmt.Errorf("remove stale socket: %w", err)
		}
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}
	// The history is private; only the owning user may connect.
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	s.listener = listener
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// socketAlive dials the socket and pings whatever answers. Only a
// peer that speaks the protocol counts as a live daemon.
func socketAlive(path string) bool {
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		return false
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(time.Second))
	if err := NewMessage(MsgPing, 1, nil).Write(conn); err != nil {
		return false
	}
	resp, err := ReadMessage(conn)
	return err == nil && resp.Header.Type == MsgPong
}

// Stop closes the listener and all connections, waits for handler
// goroutines, and removes the socket file.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.log.Warn("connections did not drain before timeout")
	}

	os.Remove(s.socketPath)
	return nil
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string { return s.socketPath }

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.log.Warn("accept failed", "error", err)
				continue
			}
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	send := func(m *Message) error {
		conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		return m.Write(conn)
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		msg, err := ReadMessage(conn)
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
					s.log.Debug("connection read failed", "error", err)
				}
			}
			return
		}

		if msg.Header.Type == MsgPing {
			if err := send(NewMessage(MsgPong, msg.Header.RequestID, nil)); err != nil {
				return
			}
			continue
		}

		if err := s.handler.HandleMessage(s.ctx, msg, send); err != nil {
			if sendErr := send(NewErrorMessage(msg.Header.RequestID, ErrInternalError, err.Error())); sendErr != nil {
				return
			}
		}
	}
}
