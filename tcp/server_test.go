package tcp

import (
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/wavecore/reactor/buffer"
	"github.com/wavecore/reactor/control"
	"github.com/wavecore/reactor/reactor"
)

func newTestBaseLoop(t *testing.T) (*reactor.EventLoop, func()) {
	t.Helper()
	loop, err := reactor.New()
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	go loop.Loop()
	return loop, func() {
		loop.Stop()
		<-loop.Done()
		loop.Close()
	}
}

func freePort(t *testing.T) uint16 {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("freePort: %v", err)
	}
	defer l.Close()
	_, portStr, _ := net.SplitHostPort(l.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return uint16(port)
}

// TestEchoServer exercises S1: connect, send a payload, expect it back.
func TestEchoServer(t *testing.T) {
	loop, cleanup := newTestBaseLoop(t)
	defer cleanup()

	port := freePort(t)

	srv, err := New(loop, "127.0.0.1", port,
		WithName("echo-test"),
		WithIOThreads(1),
		WithMessageCallback(func(c *Connection, buf *buffer.InputBuffer) {
			data := append([]byte(nil), buf.Bytes()...)
			buf.Pop(len(data))
			c.Send(data)
		}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	conn, err := dialWithRetry("127.0.0.1:" + strconv.Itoa(int(port)))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	payload := []byte("hello reactor")
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	got := make([]byte, len(payload))
	if _, err := readFull(conn, got); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("echo got %q, want %q", got, payload)
	}
}

// TestServerZeroIOThreadsUsesBaseLoop exercises N=0: the server owns no
// IO thread pool loops at all, and every connection is handled directly
// on the base loop.
func TestServerZeroIOThreadsUsesBaseLoop(t *testing.T) {
	loop, cleanup := newTestBaseLoop(t)
	defer cleanup()

	port := freePort(t)

	srv, err := New(loop, "127.0.0.1", port,
		WithName("zero-io-threads-test"),
		WithIOThreads(0),
		WithMessageCallback(func(c *Connection, buf *buffer.InputBuffer) {
			data := append([]byte(nil), buf.Bytes()...)
			buf.Pop(len(data))
			c.Send(data)
		}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if srv.threadPool.ThreadCount() != 0 {
		t.Fatalf("ThreadCount() = %d, want 0", srv.threadPool.ThreadCount())
	}
	if got := srv.GetNextLoop(); got != loop {
		t.Fatalf("GetNextLoop() = %v, want the base loop %v", got, loop)
	}

	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	conn, err := dialWithRetry("127.0.0.1:" + strconv.Itoa(int(port)))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	payload := []byte("base loop echo")
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	got := make([]byte, len(payload))
	if _, err := readFull(conn, got); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("echo got %q, want %q", got, payload)
	}
}

// TestBroadcastServer exercises S2: two clients connect, one sends a
// message, and the server fans it out to every connected client.
func TestBroadcastServer(t *testing.T) {
	loop, cleanup := newTestBaseLoop(t)
	defer cleanup()

	port := freePort(t)

	var mu sync.Mutex
	clients := make(map[int]*Connection)

	srv, err := New(loop, "127.0.0.1", port,
		WithName("broadcast-test"),
		WithIOThreads(2),
		WithConnectionCallback(func(c *Connection) {
			mu.Lock()
			clients[c.Fd()] = c
			mu.Unlock()
		}),
		WithCloseCallback(func(c *Connection) {
			mu.Lock()
			delete(clients, c.Fd())
			mu.Unlock()
		}),
		WithMessageCallback(func(c *Connection, buf *buffer.InputBuffer) {
			data := append([]byte(nil), buf.Bytes()...)
			buf.Pop(len(data))

			mu.Lock()
			targets := make([]*Connection, 0, len(clients))
			for _, cc := range clients {
				targets = append(targets, cc)
			}
			mu.Unlock()

			for _, cc := range targets {
				cc.Send(data)
			}
		}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	addr := "127.0.0.1:" + strconv.Itoa(int(port))
	c1, err := dialWithRetry(addr)
	if err != nil {
		t.Fatalf("dial c1: %v", err)
	}
	defer c1.Close()
	c2, err := dialWithRetry(addr)
	if err != nil {
		t.Fatalf("dial c2: %v", err)
	}
	defer c2.Close()

	time.Sleep(100 * time.Millisecond) // let both connections register

	msg := []byte("broadcast me")
	if _, err := c1.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}

	c1.SetReadDeadline(time.Now().Add(2 * time.Second))
	c2.SetReadDeadline(time.Now().Add(2 * time.Second))

	got1 := make([]byte, len(msg))
	if _, err := readFull(c1, got1); err != nil {
		t.Fatalf("c1 read: %v", err)
	}
	got2 := make([]byte, len(msg))
	if _, err := readFull(c2, got2); err != nil {
		t.Fatalf("c2 read: %v", err)
	}
	if string(got1) != string(msg) || string(got2) != string(msg) {
		t.Fatalf("broadcast mismatch: c1=%q c2=%q want %q", got1, got2, msg)
	}
}

// TestServerMetricsTrackConnectionsAndBytes exercises the control.MetricsRegistry
// wiring: accepted/closed connection counts and inbound byte totals.
func TestServerMetricsTrackConnectionsAndBytes(t *testing.T) {
	loop, cleanup := newTestBaseLoop(t)
	defer cleanup()

	port := freePort(t)

	srv, err := New(loop, "127.0.0.1", port,
		WithName("metrics-test"),
		WithIOThreads(1),
		WithMessageCallback(func(c *Connection, buf *buffer.InputBuffer) {
			buf.Pop(buf.Length())
		}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	conn, err := dialWithRetry("127.0.0.1:" + strconv.Itoa(int(port)))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	payload := []byte("metrics payload")
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if srv.Metrics()["bytes_in"] >= int64(len(payload)) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	m := srv.Metrics()
	if m["connections_accepted"] != 1 {
		t.Fatalf("connections_accepted = %d, want 1", m["connections_accepted"])
	}
	if m["bytes_in"] < int64(len(payload)) {
		t.Fatalf("bytes_in = %d, want >= %d", m["bytes_in"], len(payload))
	}

	conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if srv.Metrics()["connections_closed"] == 1 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if got := srv.Metrics()["connections_closed"]; got != 1 {
		t.Fatalf("connections_closed = %d, want 1", got)
	}
}

// TestServerConfigStoreHotReloadsIdleTimeout exercises the
// control.ConfigStore wiring: pushing idle_timeout_ms through SetConfig
// reaches the running Server without a restart.
func TestServerConfigStoreHotReloadsIdleTimeout(t *testing.T) {
	loop, cleanup := newTestBaseLoop(t)
	defer cleanup()

	port := freePort(t)
	cs := control.NewConfigStore()

	srv, err := New(loop, "127.0.0.1", port,
		WithName("config-test"),
		WithIOThreads(1),
		WithIdleTimeout(10_000, 100),
		WithConfigStore(cs),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	if srv.idleTimeoutMs != 10_000 {
		t.Fatalf("idleTimeoutMs = %d, want 10000", srv.idleTimeoutMs)
	}

	cs.SetConfig(map[string]any{"idle_timeout_ms": 250})

	if srv.idleTimeoutMs != 250 {
		t.Fatalf("idleTimeoutMs after reload = %d, want 250", srv.idleTimeoutMs)
	}
}

func dialWithRetry(addr string) (net.Conn, error) {
	var lastErr error
	for i := 0; i < 20; i++ {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		time.Sleep(20 * time.Millisecond)
	}
	return nil, lastErr
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
