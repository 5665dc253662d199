package tcp

import (
	"testing"

	"github.com/wavecore/reactor/reactor"
	"golang.org/x/sys/unix"
)

func TestConnectionAliveReflectsState(t *testing.T) {
	loop, cleanup := newTestBaseLoop(t)
	defer cleanup()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	defer unix.Close(fds[1])

	conn, err := newConnection(loop, fds[0], nil)
	if err != nil {
		t.Fatalf("newConnection: %v", err)
	}
	if conn.Alive() {
		t.Fatal("connection should not be Alive before connectEstablished")
	}

	done := make(chan struct{})
	loop.RunInLoop(func() {
		conn.connectEstablished()
		close(done)
	})
	<-done

	if !conn.Alive() {
		t.Fatal("connection should be Alive once Connected")
	}
	if conn.State() != StateConnected {
		t.Fatalf("State() = %v, want Connected", conn.State())
	}
}

func TestConnectionSendRejectsWhenNotConnected(t *testing.T) {
	loop, cleanup := newTestBaseLoop(t)
	defer cleanup()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	conn, err := newConnection(loop, fds[0], nil)
	if err != nil {
		t.Fatalf("newConnection: %v", err)
	}

	if conn.Send([]byte("x")) {
		t.Fatal("Send should fail before the connection is established")
	}
}

var _ reactor.Tie = (*Connection)(nil)
