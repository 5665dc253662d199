package pool

import (
	"sync"

	"github.com/wavecore/reactor/reactorerr"
)

// sizeClasses are the fixed Chunk capacities MemoryPool manages, matching
// the preallocation table below 1:1.
var sizeClasses = [6]int{
	4 << 10,   // 4K
	16 << 10,  // 16K
	64 << 10,  // 64K
	256 << 10, // 256K
	1 << 20,   // 1M
	4 << 20,   // 4M
}

var preallocCounts = [6]int{200, 50, 20, 10, 5, 2}

// DefaultMaxCapacityBytes is the MemoryPool cap applied unless overridden
// with SetMaxCapacity.
const DefaultMaxCapacityBytes = 128 << 20 // 128 MiB

// Stats is a point-in-time snapshot of MemoryPool counters.
type Stats struct {
	TotalAllocations  uint64
	TotalDeallocations uint64
	PeakUsageBytes    uint64
	CurrentUsageBytes uint64
	AllocationFailures uint64
}

// MemoryPool is a process-wide slab allocator over a fixed set of size
// classes. It is safe for concurrent use; a single mutex covers the free
// lists and the counters, released before any OS allocation call.
type MemoryPool struct {
	mu                sync.Mutex
	freeLists         map[int]*Chunk // size class -> head of free list (via Chunk.next)
	maxCapacityBytes  uint64
	currentUsageBytes uint64
	preallocatedBytes uint64
	stats             Stats
}

var (
	instance     *MemoryPool
	instanceOnce sync.Once
)

// Instance returns the process-wide MemoryPool singleton, preallocating
// its free lists on first use.
func Instance() *MemoryPool {
	instanceOnce.Do(func() {
		instance = newMemoryPool()
	})
	return instance
}

func newMemoryPool() *MemoryPool {
	p := &MemoryPool{
		freeLists:        make(map[int]*Chunk, len(sizeClasses)),
		maxCapacityBytes: DefaultMaxCapacityBytes,
	}
	for _, s := range sizeClasses {
		p.freeLists[s] = nil
	}
	for i, s := range sizeClasses {
		p.preallocate(s, preallocCounts[i])
	}
	return p
}

// preallocate builds count chunks of chunkSize outside the lock, then
// splices them onto the free list under the lock.
func (p *MemoryPool) preallocate(chunkSize, count int) {
	if chunkSize <= 0 || count <= 0 {
		return
	}
	totalSize := uint64(chunkSize) * uint64(count)

	chunks := make([]*Chunk, count)
	for i := range chunks {
		chunks[i] = newChunk(chunkSize)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.preallocatedBytes+totalSize > p.maxCapacityBytes {
		// Preallocation exceeding the configured cap is a construction-time
		// misconfiguration; keep what fits and drop the rest rather than
		// panicking out of a package singleton's lazy init.
		return
	}

	head := chunks[0]
	for i := 0; i < len(chunks)-1; i++ {
		chunks[i].next = chunks[i+1]
	}
	tail := chunks[len(chunks)-1]
	tail.next = p.freeLists[chunkSize]
	p.freeLists[chunkSize] = head
	p.preallocatedBytes += totalSize
}

func findSuitableSize(requested int) int {
	for _, s := range sizeClasses {
		if requested <= s {
			return s
		}
	}
	return 0
}

func isSupportedSize(s int) bool {
	for _, c := range sizeClasses {
		if s == c {
			return true
		}
	}
	return false
}

// AllocChunk returns a Chunk whose capacity is the smallest size class
// >= n. A chunk already on the class's free list is handed out without
// a capacity check; when the free list is empty and allocating a new
// chunk would exceed the configured max capacity, it returns
// reactorerr.ErrPoolExhausted. It returns nil with no error if n exceeds
// every size class.
func (p *MemoryPool) AllocChunk(n int) (*Chunk, error) {
	if n <= 0 {
		return nil, nil
	}
	chunkSize := findSuitableSize(n)
	if chunkSize == 0 {
		p.mu.Lock()
		p.stats.AllocationFailures++
		p.mu.Unlock()
		return nil, nil
	}

	p.mu.Lock()
	if head := p.freeLists[chunkSize]; head != nil {
		p.freeLists[chunkSize] = head.next
		head.next = nil
		p.recordAllocLocked(chunkSize)
		p.mu.Unlock()
		return head, nil
	}
	if p.currentUsageBytes+uint64(chunkSize) > p.maxCapacityBytes {
		p.stats.AllocationFailures++
		p.mu.Unlock()
		return nil, reactorerr.New(reactorerr.CodePoolExhausted, reactorerr.ErrPoolExhausted,
			"allocation would exceed maximum pool capacity").WithContext("size", chunkSize)
	}
	p.mu.Unlock()

	chunk := newChunk(chunkSize)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.currentUsageBytes+uint64(chunkSize) > p.maxCapacityBytes {
		p.stats.AllocationFailures++
		return nil, reactorerr.New(reactorerr.CodePoolExhausted, reactorerr.ErrPoolExhausted,
			"allocation would exceed maximum pool capacity (after recheck)").WithContext("size", chunkSize)
	}
	p.recordAllocLocked(chunkSize)
	return chunk, nil
}

func (p *MemoryPool) recordAllocLocked(chunkSize int) {
	p.currentUsageBytes += uint64(chunkSize)
	p.stats.TotalAllocations++
	p.stats.CurrentUsageBytes = p.currentUsageBytes
	if p.currentUsageBytes > p.stats.PeakUsageBytes {
		p.stats.PeakUsageBytes = p.currentUsageBytes
	}
}

// Retrieve returns chunk to its size class's free list. A chunk whose
// capacity doesn't match a known size class is simply dropped (freed to
// the OS via the garbage collector) rather than rejected, so composition
// with moved/resliced buffers never fails.
func (p *MemoryPool) Retrieve(chunk *Chunk) {
	if chunk == nil {
		return
	}
	size := chunk.Capacity()
	if size == 0 || !isSupportedSize(size) {
		return
	}
	chunk.Clear()

	p.mu.Lock()
	defer p.mu.Unlock()

	chunk.next = p.freeLists[size]
	p.freeLists[size] = chunk

	if p.currentUsageBytes >= uint64(size) {
		p.currentUsageBytes -= uint64(size)
	} else {
		p.currentUsageBytes = 0
	}
	p.stats.CurrentUsageBytes = p.currentUsageBytes
	p.stats.TotalDeallocations++
}

// SetMaxCapacity overrides the pool's max capacity cap.
func (p *MemoryPool) SetMaxCapacity(maxBytes uint64) {
	p.mu.Lock()
	p.maxCapacityBytes = maxBytes
	p.mu.Unlock()
}

// CurrentUsage returns bytes currently handed out (not yet retrieved).
func (p *MemoryPool) CurrentUsage() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentUsageBytes
}

// MaxCapacity returns the configured cap.
func (p *MemoryPool) MaxCapacity() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxCapacityBytes
}

// Stats returns a snapshot of the pool's counters.
func (p *MemoryPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Clear releases every free list and resets counters. Intended for tests;
// production callers generally let the pool live for the process lifetime.
func (p *MemoryPool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k := range p.freeLists {
		p.freeLists[k] = nil
	}
	p.currentUsageBytes = 0
	p.preallocatedBytes = 0
	p.stats = Stats{}
}
