package tcpwire

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestServerClientRoundTrip(t *testing.T) {
	var mu sync.Mutex
	var received []string

	srv := NewServer("127.0.0.1", 0, func(conn *Conn, raw []byte) {
		mu.Lock()
		received = append(received, string(raw))
		mu.Unlock()
		_ = conn.Send(map[string]string{"type": "ack"})
	}, func(string, ...interface{}) {})

	ln := listenOnEphemeralPort(t, srv)
	defer srv.Stop()

	var acks []string
	client := NewClient(func(_ *Conn, raw []byte) {
		mu.Lock()
		acks = append(acks, string(raw))
		mu.Unlock()
	}, func(string, ...interface{}) {}, nil)

	require.True(t, client.Connect("127.0.0.1", ln))
	defer client.Close()

	require.NoError(t, client.Send(map[string]string{"type": "hello"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1 && len(acks) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBroadcastReachesAllClients(t *testing.T) {
	srv := NewServer("127.0.0.1", 0, func(*Conn, []byte) {}, func(string, ...interface{}) {})
	port := listenOnEphemeralPort(t, srv)
	defer srv.Stop()

	var mu sync.Mutex
	counts := 0
	newClient := func() *Client {
		return NewClient(func(*Conn, []byte) {
			mu.Lock()
			counts++
			mu.Unlock()
		}, func(string, ...interface{}) {}, nil)
	}

	c1, c2 := newClient(), newClient()
	require.True(t, c1.Connect("127.0.0.1", port))
	require.True(t, c2.Connect("127.0.0.1", port))
	defer c1.Close()
	defer c2.Close()

	time.Sleep(50 * time.Millisecond)
	srv.Broadcast(map[string]string{"type": "ORDER"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return counts == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func listenOnEphemeralPort(t *testing.T, srv *Server) int {
	t.Helper()
	// Server records only the port it was given and doesn't expose its
	// listener, so a kernel-assigned port (port 0) can't be read back;
	// this test binds its own probe socket to pick a free port first.
	srv.port = freePort(t)
	require.NoError(t, srv.Start())
	return srv.port
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}
