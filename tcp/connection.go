package tcp

import (
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/wavecore/reactor/buffer"
	"github.com/wavecore/reactor/reactor"
)

// State is a Connection's position in its lifecycle state machine.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ConnectedCallback fires once a Connection finishes handshaking onto
// its IO loop.
type ConnectedCallback func(*Connection)

// MessageCallback fires whenever bytes are read from the socket; buf is
// the connection's InputBuffer, valid only for the duration of the call.
type MessageCallback func(*Connection, *buffer.InputBuffer)

// CloseCallback fires once per Connection after its Channel has been
// removed from the poller and before its fd is closed.
type CloseCallback func(*Connection)

// Connection manages one accepted TCP socket: its Channel, its
// InputBuffer/OutputBuffer, and the Connecting/Connected/Disconnecting/
// Disconnected state machine. All IO-affecting methods except Send and
// Shutdown must run on the owning loop; Send and Shutdown are safe from
// any goroutine and hop onto the loop as needed.
type Connection struct {
	loop *reactor.EventLoop
	fd   int
	peer net.Addr

	channel  *reactor.Channel
	input    *buffer.InputBuffer
	output   *buffer.OutputBuffer

	state atomic.Int32

	mu          sync.Mutex
	connectedCB ConnectedCallback
	messageCB   MessageCallback
	closeCB     CloseCallback
}

// newConnection constructs a Connection around an already-accepted,
// nonblocking fd. The Connection does not become live until
// connectEstablished runs on its loop.
func newConnection(loop *reactor.EventLoop, fd int, peer net.Addr) (*Connection, error) {
	in, err := buffer.NewInputBuffer(nil)
	if err != nil {
		return nil, err
	}
	out, err := buffer.NewOutputBuffer(nil)
	if err != nil {
		in.Release()
		return nil, err
	}
	c := &Connection{loop: loop, fd: fd, peer: peer, input: in, output: out}
	c.state.Store(int32(StateConnecting))
	return c, nil
}

// Fd returns the connection's socket fd.
func (c *Connection) Fd() int { return c.fd }

// PeerAddr returns the remote address captured at accept time.
func (c *Connection) PeerAddr() net.Addr { return c.peer }

// State returns the connection's current lifecycle state.
func (c *Connection) State() State { return State(c.state.Load()) }

// Alive implements reactor.Tie: the Channel drops events once the
// connection is no longer connected or disconnecting.
func (c *Connection) Alive() bool {
	s := c.State()
	return s == StateConnected || s == StateDisconnecting
}

func (c *Connection) setConnectedCB(cb ConnectedCallback) { c.connectedCB = cb }
func (c *Connection) setMessageCB(cb MessageCallback)     { c.messageCB = cb }
func (c *Connection) setCloseCB(cb CloseCallback)         { c.closeCB = cb }

// connectEstablished must run on the owning loop: it creates the
// Channel, enables reads, ties the Channel to this connection, flips
// state to Connected, and fires the connected callback.
func (c *Connection) connectEstablished() {
	c.channel = reactor.NewChannel(c.loop, c.fd)
	c.channel.SetCallback(c.handleEvent)
	c.channel.Tie(c)
	c.channel.EnableRead()

	c.state.Store(int32(StateConnected))

	if c.connectedCB != nil {
		c.connectedCB(c)
	}
}

func (c *Connection) handleEvent(revents uint32) {
	if revents&uint32(reactor.EventError) != 0 {
		c.handleError()
		return
	}
	if revents&unix.EPOLLRDHUP != 0 {
		c.handleClose()
		return
	}
	if revents&uint32(reactor.EventRead) != 0 {
		c.handleRead()
	}
	if revents&uint32(reactor.EventWrite) != 0 {
		c.handleWrite()
	}
}

func (c *Connection) handleRead() {
	n, err := c.input.ReadFromFD(c.fd)
	switch {
	case err != nil:
		c.handleError()
	case n > 0:
		if c.messageCB != nil {
			c.messageCB(c, c.input)
		}
	case n == 0:
		c.handleClose()
	}
}

func (c *Connection) handleWrite() {
	_, err := c.output.WriteToFD(c.fd)
	if err != nil {
		c.handleError()
		return
	}
	if c.output.Length() == 0 {
		c.channel.DisableWrite()
		if c.State() == StateDisconnecting {
			unix.Shutdown(c.fd, unix.SHUT_WR)
		}
	}
}

// handleClose transitions Connected -> Disconnected exactly once,
// disables the channel, runs the close callback, and closes the fd.
func (c *Connection) handleClose() {
	if !c.state.CompareAndSwap(int32(StateConnected), int32(StateDisconnected)) {
		if !c.state.CompareAndSwap(int32(StateDisconnecting), int32(StateDisconnected)) {
			return
		}
	}

	if c.channel != nil {
		c.channel.DisableAll()
	}

	if c.closeCB != nil {
		c.closeCB(c)
	}

	unix.Close(c.fd)
	c.input.Release()
	c.output.Release()
}

func (c *Connection) handleError() {
	c.handleClose()
}

// Send queues data for writing. Safe to call from any goroutine; hops
// onto the owning loop if called from elsewhere. Returns false if the
// connection is not currently connected.
func (c *Connection) Send(data []byte) bool {
	if c.State() != StateConnected {
		return false
	}
	cp := append([]byte(nil), data...)
	c.loop.RunInLoop(func() {
		c.sendInLoop(cp)
	})
	return true
}

func (c *Connection) sendInLoop(data []byte) {
	if c.State() != StateConnected {
		return
	}

	written := 0
	if c.output.Length() == 0 {
		n, err := unix.Write(c.fd, data)
		if err != nil && err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			c.handleError()
			return
		}
		if n > 0 {
			written = n
		}
	}

	if written < len(data) {
		c.output.Append(data[written:])
		c.channel.EnableWrite()
	}
}

// Shutdown begins a graceful half-close: no more writes are accepted,
// and the write side of the fd is closed once any queued output drains.
func (c *Connection) Shutdown() {
	if c.State() == StateConnected {
		c.loop.RunInLoop(c.shutdownInLoop)
	}
}

func (c *Connection) shutdownInLoop() {
	if c.State() != StateConnected {
		return
	}
	c.state.Store(int32(StateDisconnecting))
	if c.output.Length() == 0 {
		unix.Shutdown(c.fd, unix.SHUT_WR)
	}
}
