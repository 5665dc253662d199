package buffer

import (
	"golang.org/x/sys/unix"

	"github.com/wavecore/reactor/pool"
	"github.com/wavecore/reactor/reactorerr"
)

// DefaultBufferSize is the initial Chunk capacity requested for a new
// InputBuffer or OutputBuffer.
const DefaultBufferSize = 4096

// MaxReadPerCall caps how much a single ReadFromFD call will pull off the
// socket, so one readable fd can't starve the rest of an event loop tick.
const MaxReadPerCall = 64 * 1024

// MaxBufferBytes is the ceiling either buffer will grow to; Write/Append
// calls beyond it fail rather than growing the chunk unbounded.
const MaxBufferBytes = 1 << 20

// base wraps a pool.Chunk with the grow-through-pool behavior shared by
// InputBuffer and OutputBuffer.
type base struct {
	pool  *pool.MemoryPool
	chunk *pool.Chunk
}

func newBase(p *pool.MemoryPool) (base, error) {
	if p == nil {
		p = pool.Instance()
	}
	c, err := p.AllocChunk(DefaultBufferSize)
	if err != nil {
		return base{}, err
	}
	if c == nil {
		return base{}, reactorerr.New(reactorerr.CodeAllocationFailure, reactorerr.ErrAllocationFailure,
			"memory pool returned no chunk for default buffer size")
	}
	return base{pool: p, chunk: c}, nil
}

// Length returns the number of readable/unconsumed bytes currently held.
func (b *base) Length() int { return b.chunk.Length() }

// Bytes returns the valid region. Do not retain past the next mutation.
func (b *base) Bytes() []byte { return b.chunk.Bytes() }

// Pop discards n bytes from the front of the valid region.
func (b *base) Pop(n int) error {
	if n > b.chunk.Length() {
		return reactorerr.New(reactorerr.CodePopOverflow, reactorerr.ErrPopOverflow,
			"pop length exceeds buffer length").WithContext("n", n).WithContext("length", b.chunk.Length())
	}
	b.chunk.Pop(n)
	return nil
}

// Clear discards all valid bytes without releasing the chunk.
func (b *base) Clear() { b.chunk.Clear() }

// Release returns the backing chunk to the pool. The buffer must not be
// used afterward.
func (b *base) Release() {
	if b.chunk != nil {
		b.pool.Retrieve(b.chunk)
		b.chunk = nil
	}
}

// ensureAppendCapacity grows the chunk to hold at least n additional
// bytes past the current valid region, routing through MemoryPool rather
// than Chunk.EnsureCapacity directly: a bigger chunk is allocated from
// the pool, the old chunk's valid bytes are copied over, and the old
// chunk is returned to its size class. This keeps pool usage accounting
// correct across the lifetime of a long-lived connection buffer.
func (b *base) ensureAppendCapacity(n int) error {
	b.chunk.Adjust()
	needed := b.chunk.Length() + n
	if needed <= b.chunk.Capacity() {
		return nil
	}
	if needed > MaxBufferBytes {
		return reactorerr.New(reactorerr.CodeAllocationFailure, reactorerr.ErrAllocationFailure,
			"buffer growth would exceed maximum buffer size").WithContext("needed", needed)
	}
	bigger, err := b.pool.AllocChunk(needed)
	if err != nil {
		return err
	}
	if bigger == nil {
		return reactorerr.New(reactorerr.CodeAllocationFailure, reactorerr.ErrAllocationFailure,
			"memory pool has no size class large enough").WithContext("needed", needed)
	}
	bigger.CopyFrom(b.chunk)
	old := b.chunk
	b.chunk = bigger
	b.pool.Retrieve(old)
	return nil
}

// InputBuffer accumulates bytes read from a socket for upstream consumption.
type InputBuffer struct {
	base
}

// NewInputBuffer allocates an InputBuffer from p, or the process-wide
// singleton pool if p is nil.
func NewInputBuffer(p *pool.MemoryPool) (*InputBuffer, error) {
	b, err := newBase(p)
	if err != nil {
		return nil, err
	}
	return &InputBuffer{base: b}, nil
}

// ReadFromFD reads up to MaxReadPerCall bytes from fd into the buffer's
// tail, growing the backing chunk first if there isn't enough room. It
// returns the number of bytes read. Both EAGAIN/EWOULDBLOCK and end of
// stream (the peer closed) return 0 with no error; the two cases are not
// distinguished.
func (ib *InputBuffer) ReadFromFD(fd int) (int, error) {
	if err := ib.ensureAppendCapacity(MaxReadPerCall); err != nil {
		return 0, err
	}
	tail := ib.chunk.Tail()
	if len(tail) > MaxReadPerCall {
		tail = tail[:MaxReadPerCall]
	}
	var n int
	var err error
	for {
		n, err = unix.Read(fd, tail)
		if err == unix.EINTR {
			continue
		}
		break
	}
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, nil
		}
		return 0, err
	}
	if n > 0 {
		ib.chunk.Grow(n)
	}
	return n, nil
}

// Append copies p directly into the buffer, growing as needed. Used by
// tests and by in-process producers that don't come from a socket.
func (ib *InputBuffer) Append(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if err := ib.ensureAppendCapacity(len(p)); err != nil {
		return err
	}
	n := copy(ib.chunk.Tail(), p)
	ib.chunk.Grow(n)
	return nil
}

// OutputBuffer accumulates bytes queued for write and drains them to a socket.
type OutputBuffer struct {
	base
}

// NewOutputBuffer allocates an OutputBuffer from p, or the process-wide
// singleton pool if p is nil.
func NewOutputBuffer(p *pool.MemoryPool) (*OutputBuffer, error) {
	b, err := newBase(p)
	if err != nil {
		return nil, err
	}
	return &OutputBuffer{base: b}, nil
}

// Append queues p for writing, growing the backing chunk as needed.
func (ob *OutputBuffer) Append(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if err := ob.ensureAppendCapacity(len(p)); err != nil {
		return err
	}
	n := copy(ob.chunk.Tail(), p)
	ob.chunk.Grow(n)
	return nil
}

// WriteToFD writes as much of the buffer's valid region to fd as the
// socket accepts in one call, popping off whatever was successfully
// written. It returns the number of bytes written.
func (ob *OutputBuffer) WriteToFD(fd int) (int, error) {
	if ob.chunk.Length() == 0 {
		return 0, nil
	}
	var n int
	var err error
	for {
		n, err = unix.Write(fd, ob.chunk.Bytes())
		if err == unix.EINTR {
			continue
		}
		break
	}
	if n > 0 {
		ob.chunk.Pop(n)
	}
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return n, nil
		}
		return n, err
	}
	return n, nil
}
