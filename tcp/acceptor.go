package tcp

import (
	"net"

	"golang.org/x/sys/unix"

	"github.com/wavecore/reactor/reactor"
	"github.com/wavecore/reactor/reactorerr"
)

// acceptBacklog is the listen() backlog passed for the listening socket.
const acceptBacklog = 1024

// NewConnectionCallback is invoked on the base loop once per accepted fd.
type NewConnectionCallback func(connFD int, peer net.Addr)

// acceptor owns the listening socket: it creates, binds, and arms it on
// the base loop, then drives an accept4 loop that drains the backlog
// until EAGAIN whenever the loop reports the listening fd readable. The
// listening fd is registered level-triggered (no EPOLLET).
type acceptor struct {
	loop       *reactor.EventLoop
	listenFD   int
	idleFD     int
	channel    *reactor.Channel
	listening  bool
	onNewConn  NewConnectionCallback
}

func newAcceptor(loop *reactor.EventLoop, ip string, port uint16, onNewConn NewConnectionCallback) (*acceptor, error) {
	listenFD, err := createListenSocket()
	if err != nil {
		return nil, err
	}
	if err := setSocketReuse(listenFD); err != nil {
		unix.Close(listenFD)
		return nil, err
	}

	addr, err := resolveSockaddr(ip, port)
	if err != nil {
		unix.Close(listenFD)
		return nil, err
	}
	if err := unix.Bind(listenFD, addr); err != nil {
		unix.Close(listenFD)
		return nil, reactorerr.New(reactorerr.CodeSystemCall, reactorerr.ErrSystemCall,
			"bind failed").WithContext("errno", err).WithContext("ip", ip).WithContext("port", port)
	}

	idleFD, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		idleFD = -1
	}

	a := &acceptor{loop: loop, listenFD: listenFD, idleFD: idleFD, onNewConn: onNewConn}
	a.channel = reactor.NewChannel(loop, listenFD)
	a.channel.SetCallback(func(revents uint32) {
		if revents&(uint32(reactor.EventRead)|uint32(reactor.EventError)) != 0 {
			a.doAccept()
		}
	})
	return a, nil
}

func createListenSocket() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, reactorerr.New(reactorerr.CodeSystemCall, reactorerr.ErrSystemCall,
			"socket() failed").WithContext("errno", err)
	}
	return fd, nil
}

func setSocketReuse(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return reactorerr.New(reactorerr.CodeSystemCall, reactorerr.ErrSystemCall,
			"SO_REUSEADDR failed").WithContext("errno", err)
	}
	// SO_REUSEPORT may be unavailable on some kernels; treat as best effort.
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	return nil
}

func resolveSockaddr(ip string, port uint16) (unix.Sockaddr, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, reactorerr.New(reactorerr.CodeConfiguration, reactorerr.ErrConfiguration,
			"invalid listen ip").WithContext("ip", ip)
	}
	v4 := parsed.To4()
	if v4 == nil {
		return nil, reactorerr.New(reactorerr.CodeConfiguration, reactorerr.ErrConfiguration,
			"only IPv4 listen addresses are supported").WithContext("ip", ip)
	}
	sa := &unix.SockaddrInet4{Port: int(port)}
	copy(sa.Addr[:], v4)
	return sa, nil
}

// listen starts listening on the base loop, arming the read callback.
func (a *acceptor) listen() error {
	if a.listening {
		return nil
	}
	if err := unix.Listen(a.listenFD, acceptBacklog); err != nil {
		return reactorerr.New(reactorerr.CodeSystemCall, reactorerr.ErrSystemCall,
			"listen failed").WithContext("errno", err)
	}
	a.listening = true
	a.loop.RunInLoop(func() {
		a.channel.EnableRead()
	})
	return nil
}

// doAccept drains the listening socket's accept backlog with accept4 in
// a loop until EAGAIN, handing each connection to onNewConn. On
// EMFILE/ENFILE it releases the acceptor's reserved idle fd, accepts and
// immediately drops one connection to shed backlog pressure, then
// reopens the idle fd so the trick is available again next time.
func (a *acceptor) doAccept() {
	for {
		connFD, sa, err := unix.Accept4(a.listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch err {
			case unix.EINTR:
				continue
			case unix.EAGAIN:
				return
			case unix.EMFILE, unix.ENFILE:
				a.shedOneConnection()
				continue
			default:
				return
			}
		}

		peer := sockaddrToNetAddr(sa)
		a.onNewConn(connFD, peer)
	}
}

// shedOneConnection implements the idle-fd trick: close the reserved
// /dev/null descriptor to free one fd slot, accept (and immediately
// close) exactly one pending connection so backlog makes progress, then
// reopen the idle fd for next time.
func (a *acceptor) shedOneConnection() {
	if a.idleFD >= 0 {
		unix.Close(a.idleFD)
		a.idleFD = -1
	}
	fd, _, err := unix.Accept(a.listenFD)
	if err == nil {
		unix.Close(fd)
	}
	if reopened, openErr := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0); openErr == nil {
		a.idleFD = reopened
	}
}

func sockaddrToNetAddr(sa unix.Sockaddr) net.Addr {
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(addr.Addr[:]), Port: addr.Port}
	default:
		return nil
	}
}

// close tears down the listening socket and idle fd. Must be called
// from the base loop.
func (a *acceptor) close() {
	a.channel.DisableAll()
	unix.Close(a.listenFD)
	if a.idleFD >= 0 {
		unix.Close(a.idleFD)
	}
}
