// Package tcpwire implements the newline-delimited JSON transport the
// leader's order fan-out and followers' order intake ride on: a server
// with one reader goroutine per accepted connection and a mutex-guarded
// client list, and a reconnecting single-connection client.
package tcpwire

import (
	"bufio"
	"net"
	"strconv"
	"sync"

	"github.com/goccy/go-json"
)

// Conn is one accepted client connection. Sends are serialized by a
// per-connection mutex because both the broadcast fan-out and a
// resend-request response may write to the same connection concurrently.
type Conn struct {
	sock net.Conn
	addr string
	mu   sync.Mutex
}

func (c *Conn) Addr() string { return c.addr }

// Send writes one JSON record terminated by a newline.
func (c *Conn) Send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.sock.Write(data)
	return err
}

func (c *Conn) Close() error {
	return c.sock.Close()
}

// OnMessage is invoked once per non-empty line with the raw line bytes.
// The reader does not decode them; decoding, and dropping malformed
// records, is left to the callback.
type OnMessage func(conn *Conn, raw []byte)

// OnLog reports connection lifecycle events for the owning node's logger.
type OnLog func(format string, args ...interface{})

// Server accepts connections on host:port, reads newline-delimited records
// from each, and supports broadcasting a record to every currently
// connected client.
type Server struct {
	host string
	port int

	onMsg OnMessage
	onLog OnLog

	ln net.Listener

	mu      sync.Mutex
	clients []*Conn

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewServer(host string, port int, onMsg OnMessage, onLog OnLog) *Server {
	return &Server{
		host:   host,
		port:   port,
		onMsg:  onMsg,
		onLog:  onLog,
		stopCh: make(chan struct{}),
	}
}

// Start binds the listening socket and launches the accept loop. The
// listener is bound synchronously so the caller learns immediately about a
// port-in-use failure (an error here is the structural startup error the
// node's caller treats as fatal).
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.host, strconv.Itoa(s.port)))
	if err != nil {
		return err
	}
	s.ln = ln

	s.wg.Add(1)
	go s.acceptLoop()

	s.onLog("TCPServer listening on %s:%d", s.host, s.port)
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				continue
			}
		}

		c := &Conn{sock: conn, addr: conn.RemoteAddr().String()}
		s.mu.Lock()
		s.clients = append(s.clients, c)
		s.mu.Unlock()
		s.onLog("TCP client connected: %s", c.addr)

		s.wg.Add(1)
		go s.clientReader(c)
	}
}

func (s *Server) clientReader(c *Conn) {
	defer s.wg.Done()
	scanner := bufio.NewScanner(c.sock)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		s.onMsg(c, cp)
	}

	s.mu.Lock()
	for i, cc := range s.clients {
		if cc == c {
			s.clients = append(s.clients[:i], s.clients[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	s.onLog("TCP client disconnected: %s", c.addr)
	c.Close()
}

// Broadcast sends v to every currently connected client, best-effort.
func (s *Server) Broadcast(v interface{}) {
	s.mu.Lock()
	targets := make([]*Conn, len(s.clients))
	copy(targets, s.clients)
	s.mu.Unlock()

	for _, c := range targets {
		_ = c.Send(v)
	}
}

// Stop closes the listener and every connected client.
func (s *Server) Stop() {
	close(s.stopCh)
	if s.ln != nil {
		_ = s.ln.Close()
	}

	s.mu.Lock()
	targets := s.clients
	s.clients = nil
	s.mu.Unlock()

	for _, c := range targets {
		_ = c.Close()
	}
	s.wg.Wait()
}
