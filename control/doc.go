// Package control provides the hot-reloadable configuration store and
// runtime metrics registry that tcp.Server wires into its lifecycle:
// ConfigStore propagates idle-timeout changes to a running Server without
// a restart, and MetricsRegistry accumulates per-server counters
// (connections accepted/closed, bytes read, idle evictions) for
// external inspection.
package control
