// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor implements the Linux epoll-based reactor core: Poller
// wraps epoll_create1/epoll_ctl/epoll_wait, Channel represents a single
// registered fd's event mask and callback, and EventLoop ties polling,
// channel dispatch, and a cross-thread task queue together into the
// single-goroutine-per-loop execution model the rest of the module
// builds on. EventLoopThreadPool distributes accepted connections across
// a fixed pool of loops in round-robin order.
package reactor
