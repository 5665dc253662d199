//go:build linux

package reactor

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// setEpollEventPtr stashes a *Channel pointer in the 8-byte epoll_data
// union, which unix.EpollEvent exposes starting at its Fd field (Fd+Pad),
// so poll() can recover the owning Channel directly from the
// kernel-returned event without a map lookup. The Channel stays
// reachable through the loop's channel registry while it is registered.
func setEpollEventPtr(ev *unix.EpollEvent, ch *Channel) {
	*(*uintptr)(unsafe.Pointer(&ev.Fd)) = uintptr(unsafe.Pointer(ch))
}

func channelFromEpollEventPtr(ev *unix.EpollEvent) *Channel {
	return (*Channel)(unsafe.Pointer(*(*uintptr)(unsafe.Pointer(&ev.Fd))))
}
