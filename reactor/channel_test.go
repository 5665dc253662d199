package reactor

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

type fakeTie struct{ alive bool }

func (f *fakeTie) Alive() bool { return f.alive }

func TestChannelSkipsEventWhenTieDead(t *testing.T) {
	loop, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	go loop.Loop()
	defer func() {
		loop.Stop()
		<-loop.Done()
		loop.Close()
	}()

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	ch := NewChannel(loop, fds[0])
	tie := &fakeTie{alive: false}
	ch.Tie(tie)

	fired := false
	ch.SetCallback(func(uint32) { fired = true })
	ch.EnableRead()

	unix.Write(fds[1], []byte("x"))

	time.Sleep(100 * time.Millisecond)
	if fired {
		t.Fatal("callback fired despite dead tie")
	}
}

func TestChannelEnableDisableToggleEvents(t *testing.T) {
	loop, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	go loop.Loop()
	defer func() {
		loop.Stop()
		<-loop.Done()
		loop.Close()
	}()

	var fds [2]int
	unix.Pipe2(fds[:], unix.O_NONBLOCK)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	ch := NewChannel(loop, fds[1])
	ch.EnableWrite()
	if !ch.IsWriting() {
		t.Fatal("expected IsWriting true after EnableWrite")
	}
	ch.DisableWrite()
	if ch.IsWriting() {
		t.Fatal("expected IsWriting false after DisableWrite")
	}
}
