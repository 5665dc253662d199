package timewheel

import (
	"sync"
	"time"

	"github.com/eapache/queue"
)

// Conn is the subset of tcp.Connection the time wheel needs. Defined
// here rather than imported to avoid a tcp <-> timewheel import cycle.
type Conn interface {
	Fd() int
	Alive() bool
}

// TimeoutCallback fires once per connection that has been idle for at
// least the configured timeout.
type TimeoutCallback func(Conn)

const (
	defaultIdleTimeoutMs = 300000
	defaultWheelSize     = 60
	defaultTickMs        = 1000

	sweepInterval = 30 * time.Second
)

// entry carries its own mutex because, once placed on the wheel, a
// single entry can be referenced by two slot queues at once (its old
// slot, until that slot's next tick drains the stale reference, and its
// freshly computed slot) while UpdateActivity and the tick goroutine
// read and write it concurrently.
type entry struct {
	conn Conn

	mu              sync.Mutex
	slot            int
	remainingRounds int
	lastActivity    time.Time
}

type slot struct {
	mu      sync.Mutex
	entries *queue.Queue
}

// Manager tracks connection activity in a ring of slots and evicts
// connections idle past idleTimeout. A tick goroutine advances the
// wheel once per tickInterval; an independent sweeper goroutine
// periodically removes entries for connections already gone.
type Manager struct {
	idleTimeout  time.Duration
	tickInterval time.Duration
	wheelSize    int

	wheel       []*slot
	currentSlot int

	mu          sync.Mutex
	connections map[int]*entry

	timeoutCB TimeoutCallback

	running  bool
	stopCh   chan struct{}
	tickDone chan struct{}
	sweepDone chan struct{}
}

// NewManager builds a Manager. idleTimeoutMs <= 0 defaults to 5 minutes,
// wheelSize <= 0 defaults to 60 slots, tickIntervalMs <= 0 defaults to
// 1 second.
func NewManager(idleTimeoutMs, wheelSize, tickIntervalMs int) *Manager {
	if idleTimeoutMs <= 0 {
		idleTimeoutMs = defaultIdleTimeoutMs
	}
	if wheelSize <= 0 {
		wheelSize = defaultWheelSize
	}
	if tickIntervalMs <= 0 {
		tickIntervalMs = defaultTickMs
	}

	m := &Manager{
		idleTimeout:  time.Duration(idleTimeoutMs) * time.Millisecond,
		tickInterval: time.Duration(tickIntervalMs) * time.Millisecond,
		wheelSize:    wheelSize,
		wheel:        make([]*slot, wheelSize),
		connections:  make(map[int]*entry),
	}
	for i := range m.wheel {
		m.wheel[i] = &slot{entries: queue.New()}
	}
	return m
}

// SetTimeoutCallback installs the function invoked once per evicted
// connection. Must be called before Start.
func (m *Manager) SetTimeoutCallback(cb TimeoutCallback) { m.timeoutCB = cb }

// Start launches the tick goroutine and the sweeper goroutine. Start is
// a no-op if the manager is already running.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.tickDone = make(chan struct{})
	m.sweepDone = make(chan struct{})
	m.mu.Unlock()

	go m.tickLoop()
	go m.sweepLoop()
}

// Stop halts both goroutines and waits for them to exit, then clears
// all state.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	<-m.tickDone
	<-m.sweepDone

	m.mu.Lock()
	m.connections = make(map[int]*entry)
	m.mu.Unlock()
	for _, s := range m.wheel {
		s.mu.Lock()
		s.entries = queue.New()
		s.mu.Unlock()
	}
}

func (m *Manager) ticksForTimeout() int {
	ticks := int(m.idleTimeout / m.tickInterval)
	if ticks < 1 {
		ticks = 1
	}
	return ticks
}

// roundsForTimeout returns how many full wheel revolutions an entry must
// wait before its physical slot is revisited for the last time and its
// elapsed idle time is actually checked. A slot is only ticked once per
// revolution, so placing the raw tick count here (instead of dividing by
// wheelSize) would stretch eviction out to ticksForTimeout * wheelSize
// ticks; dividing by wheelSize keeps total latency at ticksForTimeout
// ticks, matching add_connection/update_activity's timing contract. This
// is a deliberate departure from the original ConnectionTimeoutManager,
// whose remaining_ticks is set to the raw idle_timeout_ms/tick_interval_ms
// value in both add_connection and move_to_new_slot without ever dividing
// by wheel_size_ — see DESIGN.md.
func (m *Manager) roundsForTimeout() int {
	return m.ticksForTimeout() / m.wheelSize
}

// AddConnection registers conn for idle tracking, placing it in the
// slot a full timeout away: (current_slot + idle_timeout/tick) %
// wheel_size.
func (m *Manager) AddConnection(conn Conn) {
	fd := conn.Fd()

	m.mu.Lock()
	if _, exists := m.connections[fd]; exists {
		m.mu.Unlock()
		return
	}
	ticks := m.ticksForTimeout()
	rounds := m.roundsForTimeout()
	slotPos := (m.currentSlot + ticks) % m.wheelSize
	e := &entry{conn: conn, slot: slotPos, remainingRounds: rounds, lastActivity: time.Now()}
	m.connections[fd] = e
	m.mu.Unlock()

	sl := m.wheel[slotPos]
	sl.mu.Lock()
	sl.entries.Add(e)
	sl.mu.Unlock()
}

// UpdateActivity resets conn's idle clock to now and relocates its
// entry to the slot a fresh timeout away, mirroring the original
// ConnectionTimeoutManager's calculate_slot/move_to_new_slot. The stale
// reference left behind in the old slot's queue is dropped the next
// time that slot is ticked (its recomputed e.slot no longer matches),
// the same lazy-cleanup pattern RemoveConnection and sweep use.
func (m *Manager) UpdateActivity(fd int) {
	m.mu.Lock()
	e, ok := m.connections[fd]
	if !ok {
		m.mu.Unlock()
		return
	}
	ticks := m.ticksForTimeout()
	rounds := m.roundsForTimeout()
	newSlot := (m.currentSlot + ticks) % m.wheelSize
	m.mu.Unlock()

	e.mu.Lock()
	e.lastActivity = time.Now()
	e.remainingRounds = rounds
	oldSlot := e.slot
	moved := newSlot != oldSlot
	if moved {
		e.slot = newSlot
	}
	e.mu.Unlock()

	if !moved {
		return
	}
	sl := m.wheel[newSlot]
	sl.mu.Lock()
	sl.entries.Add(e)
	sl.mu.Unlock()
}

// RemoveConnection drops fd from the tracking map. The corresponding
// wheel-slot entry is left in place; it is discarded, as no longer
// tracked, the next time its slot is ticked or the sweeper runs.
func (m *Manager) RemoveConnection(fd int) {
	m.mu.Lock()
	delete(m.connections, fd)
	m.mu.Unlock()
}

// ConnectionCount returns the number of connections currently tracked.
func (m *Manager) ConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.connections)
}

// SetIdleTimeout changes the idle timeout. Entries added or updated
// afterwards get slots and round counts computed from the new value;
// entries already on the wheel keep their slot and round count, and only
// their final idle check uses the new value.
func (m *Manager) SetIdleTimeout(idleTimeoutMs int) {
	if idleTimeoutMs <= 0 {
		return
	}
	m.idleTimeout = time.Duration(idleTimeoutMs) * time.Millisecond
}

func (m *Manager) tickLoop() {
	defer close(m.tickDone)
	ticker := time.NewTicker(m.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.processCurrentSlot()
			m.mu.Lock()
			m.currentSlot = (m.currentSlot + 1) % m.wheelSize
			m.mu.Unlock()
		}
	}
}

// processCurrentSlot drains the current slot's queue, re-queuing
// entries that still have ticks remaining or haven't actually reached
// idleTimeout yet, and collecting the rest as expired. An entry whose
// e.slot no longer matches this slot is a stale reference left behind
// by a move triggered by UpdateActivity; it is dropped without
// re-queuing since the live copy already lives in its new slot.
func (m *Manager) processCurrentSlot() {
	m.mu.Lock()
	cur := m.currentSlot
	m.mu.Unlock()

	sl := m.wheel[cur]
	sl.mu.Lock()
	n := sl.entries.Length()
	var requeue []*entry
	var expired []*entry
	for i := 0; i < n; i++ {
		e := sl.entries.Remove().(*entry)

		m.mu.Lock()
		_, stillTracked := m.connections[e.conn.Fd()]
		m.mu.Unlock()
		if !stillTracked {
			continue
		}

		e.mu.Lock()
		if e.slot != cur {
			e.mu.Unlock()
			continue
		}
		if e.remainingRounds > 0 {
			e.remainingRounds--
			e.mu.Unlock()
			requeue = append(requeue, e)
			continue
		}
		idle := time.Since(e.lastActivity) >= m.idleTimeout
		e.mu.Unlock()

		if idle {
			expired = append(expired, e)
		} else {
			requeue = append(requeue, e)
		}
	}
	for _, e := range requeue {
		sl.entries.Add(e)
	}
	sl.mu.Unlock()

	for _, e := range expired {
		m.mu.Lock()
		delete(m.connections, e.conn.Fd())
		m.mu.Unlock()

		if m.timeoutCB != nil {
			m.timeoutCB(e.conn)
		}
	}
}

// sweepLoop periodically walks every slot and evicts entries whose
// connection is no longer tracked or no longer alive, bounding how long
// a disconnected connection's entry can linger after close() removed it
// from the tracking map but before its slot comes up for a tick.
func (m *Manager) sweepLoop() {
	defer close(m.sweepDone)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	for _, sl := range m.wheel {
		sl.mu.Lock()
		n := sl.entries.Length()
		var kept []*entry
		for i := 0; i < n; i++ {
			e := sl.entries.Remove().(*entry)

			m.mu.Lock()
			_, tracked := m.connections[e.conn.Fd()]
			m.mu.Unlock()

			if tracked && e.conn.Alive() {
				kept = append(kept, e)
			}
		}
		for _, e := range kept {
			sl.entries.Add(e)
		}
		sl.mu.Unlock()
	}
}
