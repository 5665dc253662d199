package reactor

// Tie lets a Channel confirm its owner is still alive before invoking a
// callback, standing in for the C++ weak_ptr-guarded dispatch: a
// Connection hands its Channel a Tie so that an event delivered after
// the Connection began tearing down is safely dropped instead of
// running against half-destroyed state.
type Tie interface {
	Alive() bool
}

// EventCallback handles the event mask delivered for a Channel's fd.
type EventCallback func(revents uint32)

// Channel represents a single fd's registration with an EventLoop's
// poller: the event mask currently of interest, and the callback to run
// when epoll reports activity. A Channel does not perform IO itself; it
// only dispatches.
type Channel struct {
	loop   *EventLoop
	fd     int
	events EventMask

	callback EventCallback
	tie      Tie
}

// NewChannel creates a Channel for fd bound to loop. The Channel is not
// registered with the poller until EnableRead/EnableWrite is called.
func NewChannel(loop *EventLoop, fd int) *Channel {
	return &Channel{loop: loop, fd: fd}
}

func (c *Channel) Fd() int { return c.fd }

func (c *Channel) Events() EventMask { return c.events }

// SetCallback installs the event handler. Must be called before the
// Channel is enabled.
func (c *Channel) SetCallback(cb EventCallback) { c.callback = cb }

// Tie binds obj as the Channel's liveness guard; HandleEvent checks
// obj.Alive() before invoking the callback.
func (c *Channel) Tie(obj Tie) { c.tie = obj }

// EnableRead adds EPOLLIN|EPOLLRDHUP to the registered mask.
func (c *Channel) EnableRead() {
	c.events |= EventRead
	c.update()
}

// EnableWrite adds EPOLLOUT to the registered mask.
func (c *Channel) EnableWrite() {
	c.events |= EventWrite
	c.update()
}

// DisableWrite clears EPOLLOUT from the registered mask.
func (c *Channel) DisableWrite() {
	c.events &^= EventWrite
	c.update()
}

// IsWriting reports whether EPOLLOUT is currently registered.
func (c *Channel) IsWriting() bool { return c.events&EventWrite != 0 }

// DisableAll clears the registered mask entirely, causing the next
// update() to remove the fd from epoll.
func (c *Channel) DisableAll() {
	c.events = 0
	c.update()
}

// IsNoneEvent reports whether the Channel currently has no registered events.
func (c *Channel) IsNoneEvent() bool { return c.events == 0 }

// HandleEvent runs the callback for revents, provided the Channel's tie
// (if any) is still alive.
func (c *Channel) HandleEvent(revents uint32) {
	if c.tie != nil && !c.tie.Alive() {
		return
	}
	if c.callback != nil {
		c.callback(revents)
	}
}

// update synchronizes the Channel's event mask to the poller, routing
// through the loop's thread so epoll_ctl always runs on the loop goroutine.
func (c *Channel) update() {
	c.loop.RunInLoop(func() {
		c.loop.updateChannel(c)
	})
}
