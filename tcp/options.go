package tcp

import (
	"github.com/wavecore/reactor/control"
	"github.com/wavecore/reactor/reactor"
)

// Option customizes Server construction, following the functional-options
// pattern used throughout this module's configuration surface.
type Option func(*Server)

// WithIOThreads sets the number of IO loops in the server's thread pool.
// 0 means the base loop doubles as the only IO loop.
func WithIOThreads(n int) Option {
	return func(s *Server) { s.ioThreadCount = n }
}

// WithName sets the server's name, used in log lines.
func WithName(name string) Option {
	return func(s *Server) { s.name = name }
}

// WithIdleTimeout enables idle-connection eviction with the given
// timeout and tick interval.
func WithIdleTimeout(timeoutMs, tickMs int) Option {
	return func(s *Server) {
		s.idleTimeoutEnabled = true
		s.idleTimeoutMs = timeoutMs
		s.idleTickMs = tickMs
	}
}

// WithConnectionCallback sets the callback fired once per newly
// established connection.
func WithConnectionCallback(cb func(*Connection)) Option {
	return func(s *Server) { s.userConnCB = cb }
}

// WithMessageCallback sets the callback fired whenever bytes arrive on
// a connection.
func WithMessageCallback(cb MessageCallback) Option {
	return func(s *Server) { s.userMessageCB = cb }
}

// WithCloseCallback sets the callback fired once a connection has torn down.
func WithCloseCallback(cb func(*Connection)) Option {
	return func(s *Server) { s.userCloseCB = cb }
}

// WithThreadInit sets a callback run once per IO loop goroutine before
// that loop starts polling.
func WithThreadInit(cb func(*reactor.EventLoop)) Option {
	return func(s *Server) { s.threadInitCB = cb }
}

// WithConfigStore attaches a control.ConfigStore the server reloads
// from: an "idle_timeout_ms" or "idle_timeout_enabled" key pushed via
// ConfigStore.SetConfig is applied to the running server without a
// restart.
func WithConfigStore(cs *control.ConfigStore) Option {
	return func(s *Server) { s.config = cs }
}

// WithMetrics attaches a control.MetricsRegistry the server accumulates
// connection and throughput counters into. If omitted, Server allocates
// its own private registry.
func WithMetrics(m *control.MetricsRegistry) Option {
	return func(s *Server) { s.metrics = m }
}
