package tcp

import (
	"log"
	"net"
	"sync"

	"github.com/wavecore/reactor/buffer"
	"github.com/wavecore/reactor/control"
	"github.com/wavecore/reactor/reactor"
	"github.com/wavecore/reactor/reactorerr"
	"github.com/wavecore/reactor/timewheel"
)

// defaultIdleTimeoutMs and defaultIdleTickMs match the time wheel's own
// defaults; Server only overrides them if WithIdleTimeout is used.
const (
	defaultIdleTimeoutMs = 300000
	defaultIdleTickMs    = 1000
)

// Server is the composition root: it owns the base loop's Acceptor, an
// EventLoopThreadPool of IO loops, the connection registry, and
// (optionally) a timewheel.Manager for idle-connection eviction. User
// callbacks are wrapped with a panic/recover barrier so a misbehaving
// handler cannot take down a loop goroutine.
type Server struct {
	name string
	ip   string
	port uint16

	baseLoop     *reactor.EventLoop
	threadPool   *reactor.EventLoopThreadPool
	ioThreadCount int

	acceptor *acceptor

	mu          sync.Mutex
	connections map[int]*Connection

	userConnCB    func(*Connection)
	userMessageCB MessageCallback
	userCloseCB   func(*Connection)
	threadInitCB  func(*reactor.EventLoop)

	idleTimeoutEnabled bool
	idleTimeoutMs      int
	idleTickMs         int
	idleManager        *timewheel.Manager

	config  *control.ConfigStore
	metrics *control.MetricsRegistry

	logger *log.Logger

	started bool
}

// New constructs a Server bound to baseLoop, listening on ip:port once
// Start is called. baseLoop may already be running its Loop().
func New(baseLoop *reactor.EventLoop, ip string, port uint16, opts ...Option) (*Server, error) {
	if baseLoop == nil {
		return nil, reactorerr.New(reactorerr.CodeConfiguration, reactorerr.ErrConfiguration,
			"base loop must not be nil")
	}
	if port == 0 {
		return nil, reactorerr.New(reactorerr.CodeConfiguration, reactorerr.ErrConfiguration,
			"port must not be 0")
	}

	s := &Server{
		name:          "TcpServer",
		ip:            ip,
		port:          port,
		baseLoop:      baseLoop,
		ioThreadCount: 4,
		connections:   make(map[int]*Connection),
		idleTimeoutMs: defaultIdleTimeoutMs,
		idleTickMs:    defaultIdleTickMs,
		logger:        log.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = control.NewMetricsRegistry()
	}
	if s.config != nil {
		s.config.OnReload(s.applyConfigSnapshot)
	}
	s.threadPool = reactor.NewEventLoopThreadPool(s.name+"-ThreadPool", s.ioThreadCount)
	return s, nil
}

// applyConfigSnapshot re-applies idle-timeout settings from a
// control.ConfigStore reload. Unknown keys are ignored; malformed
// values are ignored rather than causing a reload to fail partway.
func (s *Server) applyConfigSnapshot(snapshot map[string]any) {
	if v, ok := snapshot["idle_timeout_ms"]; ok {
		if ms, ok := v.(int); ok {
			s.SetIdleTimeout(ms)
		}
	}
	if v, ok := snapshot["idle_timeout_enabled"]; ok {
		if enable, ok := v.(bool); ok {
			s.EnableIdleTimeout(enable)
		}
	}
}

// Metrics returns the server's runtime counters: connections_accepted,
// connections_closed, idle_evictions, and bytes_in accumulated from
// every connection's inbound traffic. Outbound bytes are not counted.
func (s *Server) Metrics() map[string]int64 {
	return s.metrics.GetSnapshot()
}

// Start creates the Acceptor, starts the IO thread pool, optionally
// starts the idle-connection manager, and begins listening. Start is a
// no-op if the server is already started.
func (s *Server) Start() error {
	if s.started {
		return nil
	}
	s.started = true

	if s.idleTimeoutEnabled {
		s.idleManager = timewheel.NewManager(s.idleTimeoutMs, 60, s.idleTickMs)
		s.idleManager.SetTimeoutCallback(func(conn timewheel.Conn) {
			s.onConnectionIdleTimeout(conn.(*Connection))
		})
		s.idleManager.Start()
	}

	if err := s.threadPool.Start(s.threadInitCB); err != nil {
		return err
	}
	s.logger.Printf("TcpServer[%s] thread pool started with %d threads", s.name, s.threadPool.ThreadCount())

	acc, err := newAcceptor(s.baseLoop, s.ip, s.port, s.onNewConnection)
	if err != nil {
		return err
	}
	s.acceptor = acc
	if err := s.acceptor.listen(); err != nil {
		return err
	}

	s.logger.Printf("TcpServer[%s] started on %s:%d", s.name, s.ip, s.port)
	return nil
}

// Stop stops the idle manager, tears down the Acceptor, shuts down
// every live connection, and stops the IO thread pool, waiting for all
// loop goroutines to exit before returning.
func (s *Server) Stop() {
	if !s.started {
		return
	}
	s.started = false

	if s.idleManager != nil {
		s.idleManager.Stop()
		s.idleManager = nil
	}

	if s.acceptor != nil {
		s.baseLoop.RunInLoop(s.acceptor.close)
	}

	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.connections = make(map[int]*Connection)
	s.mu.Unlock()

	for _, c := range conns {
		c.Shutdown()
	}

	if s.threadPool != nil {
		s.threadPool.Stop()
	}

	s.logger.Printf("TcpServer[%s] stopped", s.name)
}

// GetNextLoop returns the next IO loop in round-robin order, falling
// back to the base loop if no IO threads are configured.
func (s *Server) GetNextLoop() *reactor.EventLoop {
	if s.threadPool == nil || s.threadPool.ThreadCount() == 0 {
		return s.baseLoop
	}
	if loop := s.threadPool.GetNextLoop(); loop != nil {
		return loop
	}
	return s.baseLoop
}

// onNewConnection is the Acceptor's callback: it picks an IO loop,
// builds a Connection, wires the ts_* wrapper callbacks, and schedules
// connectEstablished on the IO loop.
func (s *Server) onNewConnection(connFD int, peer net.Addr) {
	ioLoop := s.GetNextLoop()
	if ioLoop == nil {
		return
	}

	conn, err := newConnection(ioLoop, connFD, peer)
	if err != nil {
		s.logger.Printf("TcpServer[%s] failed to create connection fd=%d: %v", s.name, connFD, err)
		return
	}

	conn.setConnectedCB(s.tsConnectedCB)
	conn.setMessageCB(s.tsMessageCB)
	conn.setCloseCB(s.tsCloseCB)

	ioLoop.RunInLoop(conn.connectEstablished)

	s.addConnection(conn)
	s.metrics.Incr("connections_accepted", 1)
}

func (s *Server) addConnection(conn *Connection) {
	s.mu.Lock()
	s.connections[conn.Fd()] = conn
	s.mu.Unlock()

	if s.idleTimeoutEnabled && s.idleManager != nil {
		s.idleManager.AddConnection(conn)
	}
	s.logger.Printf("TcpServer[%s] added connection fd=%d", s.name, conn.Fd())
}

func (s *Server) removeConnection(conn *Connection) {
	if s.idleTimeoutEnabled && s.idleManager != nil {
		s.idleManager.RemoveConnection(conn.Fd())
	}
	s.mu.Lock()
	delete(s.connections, conn.Fd())
	s.mu.Unlock()
}

// ConnectionCount returns the number of connections currently registered.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connections)
}

// tsConnectedCB, tsMessageCB, tsCloseCB are the ts_*-equivalent wrapper
// callbacks: they run server bookkeeping first, then the user callback
// under a panic/recover barrier so a user handler can't crash a loop.
func (s *Server) tsConnectedCB(conn *Connection) {
	s.safeCall("connected", func() {
		if s.userConnCB != nil {
			s.userConnCB(conn)
		}
	})
}

func (s *Server) tsMessageCB(conn *Connection, buf *buffer.InputBuffer) {
	s.updateConnectionActivity(conn)
	s.metrics.Incr("bytes_in", int64(buf.Length()))
	s.safeCall("message", func() {
		if s.userMessageCB != nil {
			s.userMessageCB(conn, buf)
		}
	})
}

func (s *Server) tsCloseCB(conn *Connection) {
	s.removeConnection(conn)
	s.metrics.Incr("connections_closed", 1)
	s.safeCall("close", func() {
		if s.userCloseCB != nil {
			s.userCloseCB(conn)
		}
	})
}

func (s *Server) safeCall(label string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("TcpServer[%s] user %s callback panicked: %v", s.name, label, r)
		}
	}()
	fn()
}

// SetIdleTimeout overrides the idle timeout, propagating to a running
// idle manager if one exists.
func (s *Server) SetIdleTimeout(timeoutMs int) {
	if timeoutMs <= 0 {
		timeoutMs = defaultIdleTimeoutMs
	}
	s.idleTimeoutMs = timeoutMs
	if s.idleManager != nil {
		s.idleManager.SetIdleTimeout(timeoutMs)
	}
}

// EnableIdleTimeout turns idle-connection eviction on or off at runtime.
func (s *Server) EnableIdleTimeout(enable bool) {
	if s.idleTimeoutEnabled == enable {
		return
	}
	s.idleTimeoutEnabled = enable
	if enable {
		if s.idleManager == nil {
			s.idleManager = timewheel.NewManager(s.idleTimeoutMs, 60, s.idleTickMs)
			s.idleManager.SetTimeoutCallback(func(conn timewheel.Conn) {
				s.onConnectionIdleTimeout(conn.(*Connection))
			})
			if s.started {
				s.idleManager.Start()
			}
		}
	} else if s.idleManager != nil {
		s.idleManager.Stop()
		s.idleManager = nil
	}
}

func (s *Server) updateConnectionActivity(conn *Connection) {
	if !s.idleTimeoutEnabled || s.idleManager == nil {
		return
	}
	s.idleManager.UpdateActivity(conn.Fd())
}

func (s *Server) onConnectionIdleTimeout(conn *Connection) {
	s.logger.Printf("TcpServer[%s] closing idle connection fd=%d", s.name, conn.Fd())
	s.metrics.Incr("idle_evictions", 1)
	conn.Shutdown()
}
