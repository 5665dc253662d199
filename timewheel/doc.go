// Package timewheel implements a hashed time wheel for evicting idle
// TCP connections: O(1) activity updates, cost of a full sweep
// amortized across ticks. A separate sweeper goroutine periodically
// scans every slot for connections whose owner has already gone away,
// since slot removal on connection close is deliberately lazy.
package timewheel
