package reactor

import (
	"sync"
	"sync/atomic"
)

// ThreadInitCallback runs once in a pool worker's goroutine, right
// before that worker enters Loop().
type ThreadInitCallback func(*EventLoop)

// EventLoopThreadPool owns a fixed set of EventLoops, each running on
// its own goroutine, and hands them out round-robin to callers that
// need to place a new connection on a loop.
type EventLoopThreadPool struct {
	name string

	mu      sync.Mutex
	loops   []*EventLoop
	started atomic.Bool
	next    atomic.Uint64
}

// NewEventLoopThreadPool creates a pool named name. threadCount loops
// will be started; a negative value is treated as 0. threadCount == 0
// means the pool owns no loops at all, so callers fall back to their
// own base loop (GetNextLoop returns nil in that case).
func NewEventLoopThreadPool(name string, threadCount int) *EventLoopThreadPool {
	if threadCount < 0 {
		threadCount = 0
	}
	return &EventLoopThreadPool{name: name, loops: make([]*EventLoop, 0, threadCount)}
}

// Start spins up one goroutine per configured loop, running initCB (if
// non-nil) before each loop enters its poll cycle. Start is a no-op if
// the pool is already started.
func (p *EventLoopThreadPool) Start(initCB ThreadInitCallback) error {
	if !p.started.CompareAndSwap(false, true) {
		return nil
	}

	count := cap(p.loops)
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i < count; i++ {
		loop, err := New()
		if err != nil {
			return err
		}
		p.loops = append(p.loops, loop)
		go func(l *EventLoop) {
			if initCB != nil {
				initCB(l)
			}
			l.Loop()
		}(loop)
	}
	return nil
}

// Stop stops every loop in the pool and waits for their goroutines to
// exit. Stop is a no-op if the pool was never started or already stopped.
func (p *EventLoopThreadPool) Stop() {
	if !p.started.CompareAndSwap(true, false) {
		return
	}
	p.mu.Lock()
	loops := append([]*EventLoop(nil), p.loops...)
	p.mu.Unlock()

	for _, l := range loops {
		l.Stop()
	}
	for _, l := range loops {
		<-l.Done()
		l.Close()
	}
}

// GetNextLoop returns the next loop in round-robin order, or nil if the
// pool has no loops.
func (p *EventLoopThreadPool) GetNextLoop() *EventLoop {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.loops) == 0 {
		return nil
	}
	idx := p.next.Add(1) % uint64(len(p.loops))
	return p.loops[idx]
}

// ThreadCount returns the number of loops the pool has created; Stop
// does not reset it.
func (p *EventLoopThreadPool) ThreadCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.loops)
}

// Name returns the pool's configured name.
func (p *EventLoopThreadPool) Name() string { return p.name }

// AllLoops returns a snapshot slice of every loop in the pool.
func (p *EventLoopThreadPool) AllLoops() []*EventLoop {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*EventLoop(nil), p.loops...)
}
