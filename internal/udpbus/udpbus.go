// Package udpbus wraps the raw UDP socket this system's discovery, election
// and heartbeat traffic rides on: broadcast-enabled, short read timeouts so
// listener loops can poll a stop signal, one socket per bound port.
package udpbus

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// ReadTimeout bounds every blocking receive so a listener loop can notice
// a stop signal promptly instead of blocking forever on an idle socket.
const ReadTimeout = 500 * time.Millisecond

// Socket is a UDP endpoint bound to a fixed local port with broadcast
// enabled, matching the reference implementation's make_udp_socket.
type Socket struct {
	conn *net.UDPConn
	port int
}

// Bind opens a UDP socket on the given port across all interfaces and turns
// on SO_BROADCAST, since without it sendto() to a broadcast address fails
// with EACCES on Linux/BSD — net.ListenUDP alone does not set this. The
// read timeout is applied per-call via SetReadDeadline rather than a
// socket-level timeout, since that's the idiomatic Go equivalent of
// Python's sock.settimeout().
func Bind(port int) (*Socket, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("udpbus: bind port %d: %w", port, err)
	}

	raw, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("udpbus: raw conn for port %d: %w", port, err)
	}
	var sockoptErr error
	if err := raw.Control(func(fd uintptr) {
		sockoptErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("udpbus: control port %d: %w", port, err)
	}
	if sockoptErr != nil {
		conn.Close()
		return nil, fmt.Errorf("udpbus: set SO_BROADCAST on port %d: %w", port, sockoptErr)
	}

	return &Socket{conn: conn, port: conn.LocalAddr().(*net.UDPAddr).Port}, nil
}

// Port returns the locally bound port.
func (s *Socket) Port() int {
	return s.port
}

// Send transmits payload to ip:port. Errors are the caller's to ignore or
// log — UDP delivery in this system is inherently best-effort.
func (s *Socket) Send(payload []byte, ip string, port int) error {
	addr := &net.UDPAddr{IP: net.ParseIP(ip), Port: port}
	_, err := s.conn.WriteToUDP(payload, addr)
	return err
}

// Datagram is one received UDP packet and its source.
type Datagram struct {
	Data   []byte
	SrcIP  string
	SrcPort int
}

// Recv blocks for up to ReadTimeout for a single datagram. A timeout is
// reported via the bool return rather than an error, since it's the
// expected, frequent outcome every listener loop polls for.
func (s *Socket) Recv() (dgram Datagram, timedOut bool, err error) {
	buf := make([]byte, 65535)
	if err := s.conn.SetReadDeadline(time.Now().Add(ReadTimeout)); err != nil {
		return Datagram{}, false, err
	}

	n, addr, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return Datagram{}, true, nil
		}
		return Datagram{}, false, err
	}

	return Datagram{Data: buf[:n], SrcIP: addr.IP.String(), SrcPort: addr.Port}, false, nil
}

// Close releases the socket, unblocking any in-flight Recv.
func (s *Socket) Close() error {
	return s.conn.Close()
}
