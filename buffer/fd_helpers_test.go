package buffer

import (
	"testing"

	"golang.org/x/sys/unix"
)

// pipeFDs returns (readFD, writeFD) for a nonblocking OS pipe, used to
// exercise ReadFromFD/WriteToFD without a real socket.
func pipeFDs(t *testing.T) (int, int, error) {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK); err != nil {
		return 0, 0, err
	}
	return fds[0], fds[1], nil
}

func closeFD(fd int) {
	_ = unix.Close(fd)
}
