// Package ipc implements the daemon's TCP server: newline-delimited JSON
// messages, per-client outbound buffering with a hard ceiling, and a
// poll-based inbox so the daemon loop never blocks on the network.
package ipc

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"

	"agentd/internal/protocol"
)

// ClientMessage is one fully received line from a connected client.
type ClientMessage struct {
	ClientID string
	Data     []byte
}

type client struct {
	id   string
	conn net.Conn

	mu           sync.Mutex
	pending      [][]byte
	pendingBytes int
	closed       bool
	wake         chan struct{}
}

// Server accepts IPC clients and shuttles line-oriented messages between
// them and the daemon loop. Reads and writes happen on per-client
// goroutines; the loop interacts only through non-blocking Poll, Broadcast,
// and SendTo.
type Server struct {
	logger    *slog.Logger
	listener  net.Listener
	maxBuffer int

	mu      sync.Mutex
	clients map[string]*client
	inbox   []ClientMessage
	joined  []string
	closed  bool
}

// Listen starts a Server on the given TCP address. maxBuffer is the
// per-client outbound byte ceiling; a client that stops draining its socket
// is disconnected once its buffered output crosses it.
func Listen(addr string, maxBuffer int, logger *slog.Logger) (*Server, error) {
	if maxBuffer <= 0 {
		maxBuffer = 1024 * 1024
	}
	if logger == nil {
		logger = slog.Default()
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s := &Server{
		logger:    logger,
		listener:  ln,
		maxBuffer: maxBuffer,
		clients:   make(map[string]*client),
	}
	go s.acceptLoop()
	return s, nil
}

// Addr returns the server's bound address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		c := &client{
			id:   uuid.NewString(),
			conn: conn,
			wake: make(chan struct{}, 1),
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.clients[c.id] = c
		s.joined = append(s.joined, c.id)
		s.mu.Unlock()

		s.logger.Info("client connected", "client", c.id, "remote", conn.RemoteAddr().String())

		go s.readLoop(c)
		go s.writeLoop(c)
	}
}

// readLoop collects complete lines from one client into the shared inbox.
// Partial lines are held by the scanner until completed.
func (s *Server) readLoop(c *client) {
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 64*1024), protocol.MaxMessageSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		data := make([]byte, len(line))
		copy(data, line)

		s.mu.Lock()
		s.inbox = append(s.inbox, ClientMessage{ClientID: c.id, Data: data})
		s.mu.Unlock()
	}

	// EOF, oversized line, or socket error all end the client the same way.
	if err := scanner.Err(); err != nil {
		s.logger.Warn("client read error", "client", c.id, "error", err)
	}
	s.Disconnect(c.id)
}

// writeLoop drains the client's pending buffer to its socket.
func (s *Server) writeLoop(c *client) {
	for range c.wake {
		for {
			c.mu.Lock()
			if len(c.pending) == 0 || c.closed {
				closed := c.closed
				c.mu.Unlock()
				if closed {
					return
				}
				break
			}
			data := c.pending[0]
			c.pending = c.pending[1:]
			c.pendingBytes -= len(data)
			c.mu.Unlock()

			if _, err := c.conn.Write(data); err != nil {
				s.Disconnect(c.id)
				return
			}
		}
	}
}

// enqueue buffers data for one client. Returns false if the client crossed
// the buffer ceiling and was disconnected. Never blocks.
func (s *Server) enqueue(c *client, data []byte) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if c.pendingBytes+len(data) > s.maxBuffer {
		c.mu.Unlock()
		s.logger.Warn("client exceeded outbound buffer ceiling, disconnecting",
			"client", c.id, "pending", c.pendingBytes, "ceiling", s.maxBuffer)
		s.Disconnect(c.id)
		return false
	}
	c.pending = append(c.pending, data)
	c.pendingBytes += len(data)
	// The wake send stays under the lock: Disconnect closes the channel
	// under the same lock, so a send can never hit a closed channel.
	select {
	case c.wake <- struct{}{}:
	default:
	}
	c.mu.Unlock()
	return true
}

// Poll returns the client IDs connected since the last call and all fully
// received messages, in receipt order per client. Never blocks.
func (s *Server) Poll() (joined []string, msgs []ClientMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	joined = s.joined
	s.joined = nil
	msgs = s.inbox
	s.inbox = nil
	return joined, msgs
}

// Broadcast fans one encoded message out to every connected client.
// Stalled clients are disconnected by the buffer ceiling; nobody else's
// delivery is delayed.
func (s *Server) Broadcast(data []byte) {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		s.enqueue(c, data)
	}
}

// SendTo targets one client. Unknown client IDs are not an error; the
// client may have disconnected between poll and reply.
func (s *Server) SendTo(clientID string, data []byte) {
	s.mu.Lock()
	c, ok := s.clients[clientID]
	s.mu.Unlock()

	if ok {
		s.enqueue(c, data)
	}
}

// Disconnect drops one client and its pending output. Idempotent.
func (s *Server) Disconnect(clientID string) {
	s.mu.Lock()
	c, ok := s.clients[clientID]
	if ok {
		delete(s.clients, clientID)
	}
	s.mu.Unlock()

	if !ok {
		return
	}

	c.mu.Lock()
	alreadyClosed := c.closed
	c.closed = true
	c.pending = nil
	c.pendingBytes = 0
	if !alreadyClosed {
		close(c.wake)
	}
	c.mu.Unlock()

	if !alreadyClosed {
		c.conn.Close()
		s.logger.Info("client disconnected", "client", clientID)
	}
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close stops accepting and drops every client.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	err := s.listener.Close()
	for _, id := range ids {
		s.Disconnect(id)
	}
	return err
}
