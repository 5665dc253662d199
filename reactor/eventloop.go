package reactor

import (
	"encoding/binary"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"

	"github.com/wavecore/reactor/reactorerr"
)

// Functor is a unit of work queued to run on an EventLoop's own goroutine.
type Functor func()

// EventLoop owns one poller and runs on exactly one goroutine for its
// entire lifetime: Loop() locks that goroutine to its OS thread for the
// duration, so IsInLoopThread can answer by comparing tids instead of
// needing every callback rewritten to carry a context value.
type EventLoop struct {
	poller *poller

	running int32
	tid     atomic.Int32 // Linux tid of the goroutine currently inside Loop(), 0 if not running

	wakeupFD      int
	wakeupChannel *Channel

	mu       sync.Mutex
	pending  *queue.Queue
	channels map[int]*Channel

	stopOnce sync.Once
	doneCh   chan struct{}
}

// New constructs an EventLoop. The returned loop is inert until Loop()
// is called; Loop must run on a goroutine the caller is willing to pin
// with runtime.LockOSThread for the loop's lifetime.
func New() (*EventLoop, error) {
	p, err := newPoller()
	if err != nil {
		return nil, err
	}
	wakeupFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		p.close()
		return nil, reactorerr.New(reactorerr.CodeSystemCall, reactorerr.ErrSystemCall,
			"eventfd failed").WithContext("errno", err)
	}

	loop := &EventLoop{
		poller:   p,
		wakeupFD: wakeupFD,
		pending:  queue.New(),
		channels: make(map[int]*Channel),
		doneCh:   make(chan struct{}),
	}

	loop.wakeupChannel = NewChannel(loop, wakeupFD)
	loop.wakeupChannel.SetCallback(func(uint32) { loop.handleWakeup() })

	return loop, nil
}

// IsInLoopThread reports whether the calling goroutine is the one
// currently executing this loop's Loop().
func (l *EventLoop) IsInLoopThread() bool {
	return l.tid.Load() != 0 && int32(unix.Gettid()) == l.tid.Load()
}

// Loop locks the calling goroutine to its OS thread and runs the
// poll/dispatch/pending-functor cycle until Stop is called. The caller
// should invoke Loop from a dedicated goroutine, typically spawned by
// EventLoopThreadPool.
func (l *EventLoop) Loop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.tid.Store(int32(unix.Gettid()))
	atomic.StoreInt32(&l.running, 1)
	l.wakeupChannel.EnableRead()

	for atomic.LoadInt32(&l.running) == 1 {
		l.doPendingFunctors()

		chans, revents, err := l.poller.poll(10000)
		if err != nil {
			continue
		}
		for i, ch := range chans {
			ch.HandleEvent(revents[i])
		}

		l.doPendingFunctors()
	}

	l.tid.Store(0)
	close(l.doneCh)
}

// Stop requests the loop to exit after its current iteration and wakes
// it if it is blocked in epoll_wait.
func (l *EventLoop) Stop() {
	l.stopOnce.Do(func() {
		atomic.StoreInt32(&l.running, 0)
		l.wakeup()
	})
}

// Done returns a channel closed once Loop has returned.
func (l *EventLoop) Done() <-chan struct{} { return l.doneCh }

// RunInLoop runs cb immediately if called from the loop's own goroutine,
// otherwise queues it to run on the next loop iteration.
func (l *EventLoop) RunInLoop(cb Functor) {
	if l.IsInLoopThread() {
		cb()
		return
	}
	l.QueueInLoop(cb)
}

// QueueInLoop always queues cb, even when called from the loop's own
// goroutine (useful to defer work past the current dispatch pass).
func (l *EventLoop) QueueInLoop(cb Functor) {
	l.mu.Lock()
	l.pending.Add(cb)
	l.mu.Unlock()
	l.wakeup()
}

func (l *EventLoop) doPendingFunctors() {
	l.mu.Lock()
	n := l.pending.Length()
	functors := make([]Functor, 0, n)
	for i := 0; i < n; i++ {
		functors = append(functors, l.pending.Remove().(Functor))
	}
	l.mu.Unlock()

	for _, fn := range functors {
		fn()
	}
}

func (l *EventLoop) wakeup() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	unix.Write(l.wakeupFD, buf[:])
}

func (l *EventLoop) handleWakeup() {
	var buf [8]byte
	for {
		_, err := unix.Read(l.wakeupFD, buf[:])
		if err != nil {
			break
		}
	}
}

// updateChannel registers ch with the poller if it has events and isn't
// yet tracked, updates it if it is, or removes it once its mask goes to
// zero. Must run on the loop's own goroutine.
func (l *EventLoop) updateChannel(ch *Channel) {
	if ch.IsNoneEvent() {
		if _, tracked := l.channels[ch.fd]; tracked {
			l.poller.remove(ch.fd)
			delete(l.channels, ch.fd)
		}
		return
	}
	if _, tracked := l.channels[ch.fd]; !tracked {
		if err := l.poller.add(ch.fd, ch); err == nil {
			l.channels[ch.fd] = ch
		}
		return
	}
	l.poller.modify(ch.fd, ch)
}

// RemoveChannel unregisters ch from the poller outright, regardless of
// its current event mask. Safe from any goroutine: the removal itself
// always runs on the loop's own goroutine.
func (l *EventLoop) RemoveChannel(ch *Channel) {
	if l.IsInLoopThread() {
		l.removeChannelInLoop(ch)
		return
	}
	l.RunInLoop(func() { l.removeChannelInLoop(ch) })
}

func (l *EventLoop) removeChannelInLoop(ch *Channel) {
	if _, tracked := l.channels[ch.fd]; tracked {
		l.poller.remove(ch.fd)
		delete(l.channels, ch.fd)
	}
}

// Close releases the loop's poller and wakeup eventfd. Call only after
// Loop has returned.
func (l *EventLoop) Close() error {
	l.wakeupChannel.DisableAll()
	unix.Close(l.wakeupFD)
	return l.poller.close()
}
