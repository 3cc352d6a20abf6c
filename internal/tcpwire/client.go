package tcpwire

import (
	"bufio"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// DefaultConnectTimeout matches the reference implementation's default
// connect timeout toward the leader.
const DefaultConnectTimeout = 3 * time.Second

// OnDisconnect is invoked once when the reader loop observes the socket
// close, whether from a remote hangup or a local Close call — the
// follower discovery loop uses this to clear its connected flag so a
// mid-session drop (leader still heartbeating, TCP connection merely
// reset) gets reconnected instead of being mistaken for a live link.
type OnDisconnect func()

// Client is a single reconnecting connection toward the current leader.
// Exactly one instance lives per follower; Connect replaces any prior
// socket and starts a fresh reader goroutine.
type Client struct {
	onMsg   OnMessage
	onLog   OnLog
	onClose OnDisconnect

	mu   sync.Mutex
	sock net.Conn
}

func NewClient(onMsg OnMessage, onLog OnLog, onClose OnDisconnect) *Client {
	return &Client{onMsg: onMsg, onLog: onLog, onClose: onClose}
}

// Connect dials host:port with DefaultConnectTimeout and, on success,
// starts the reader loop. Returns false on any failure, logging the
// cause — the caller (the follower discovery loop) is expected to retry.
func (c *Client) Connect(host string, port int) bool {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	sock, err := net.DialTimeout("tcp", addr, DefaultConnectTimeout)
	if err != nil {
		c.onLog("TCP connect failed to %s (%v)", addr, err)
		return false
	}

	c.mu.Lock()
	c.sock = sock
	c.mu.Unlock()

	go c.readerLoop(sock)

	c.onLog("TCP connected to leader %s", addr)
	return true
}

func (c *Client) readerLoop(sock net.Conn) {
	scanner := bufio.NewScanner(sock)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		c.onMsg(nil, cp)
	}

	c.onLog("TCP reader stopped (disconnected)")
	c.Close()
	if c.onClose != nil {
		c.onClose()
	}
}

// Send writes one JSON record; a no-op if not currently connected.
func (c *Client) Send(v interface{}) error {
	c.mu.Lock()
	sock := c.sock
	c.mu.Unlock()
	if sock == nil {
		return nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sock == nil {
		return nil
	}
	_, err = c.sock.Write(data)
	return err
}

// Close releases the current socket, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sock == nil {
		return nil
	}
	err := c.sock.Close()
	c.sock = nil
	return err
}
