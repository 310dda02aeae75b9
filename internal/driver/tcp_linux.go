//go:build linux

package driver

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"golang.org/x/sys/unix"
)

// TCPTransport is the plain TCP transport built on non-blocking sockets.
type TCPTransport struct {
	// NoDelay disables Nagle's algorithm on accepted sockets.
	NoDelay bool
	// DeferAccept delays accept until request bytes arrive, so accepted
	// sockets can be read immediately.
	DeferAccept bool
}

// Name implements Transport.
func (t *TCPTransport) Name() string { return "tcp" }

// Listen implements Transport.
func (t *TCPTransport) Listen(addr string, port, backlog int, reusePort bool) (int, error) {
	var (
		family = unix.AF_INET
		sa     unix.Sockaddr
	)
	if addr == "" || addr == "*" {
		sa = &unix.SockaddrInet4{Port: port}
	} else {
		ip, err := netip.ParseAddr(addr)
		if err != nil {
			return -1, fmt.Errorf("listen %s: %w", addr, err)
		}
		if ip.Is4() {
			sa = &unix.SockaddrInet4{Port: port, Addr: ip.As4()}
		} else {
			family = unix.AF_INET6
			sa = &unix.SockaddrInet6{Port: port, Addr: ip.As16()}
		}
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}

	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if reusePort {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			_ = unix.Close(fd)
			return -1, fmt.Errorf("setsockopt SO_REUSEPORT: %w", err)
		}
	}
	if t.DeferAccept {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_DEFER_ACCEPT, 1)
	}

	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("bind %s:%d: %w", addr, port, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("listen: %w", err)
	}
	return fd, nil
}

// Accept implements Transport.
func (t *TCPTransport) Accept(listenFd int, s *Sock) (AcceptStatus, error) {
	fd, peer, err := unix.Accept4(listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return AcceptError, err
	}
	if t.NoDelay {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	}
	s.Attach(fd, peer)
	if t.DeferAccept {
		return AcceptData, nil
	}
	return AcceptOK, nil
}

// Recv implements Transport.
func (t *TCPTransport) Recv(s *Sock, bufs [][]byte, timeout time.Duration) (int, RecvState, error) {
	for {
		n, err := unix.Readv(s.fd, bufs)
		switch {
		case err == nil && n == 0:
			return 0, RecvDone, nil
		case err == nil:
			return n, RecvRead, nil
		case errors.Is(err, unix.EINTR):
			continue
		case !errors.Is(err, unix.EAGAIN):
			return 0, RecvException, err
		case timeout <= 0:
			return 0, RecvAgain, nil
		}

		fds := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}
		ready, err := unix.Poll(fds, int(timeout.Milliseconds()))
		if err != nil && !errors.Is(err, unix.EINTR) {
			return 0, RecvException, err
		}
		if ready == 0 && err == nil {
			return 0, RecvTimeout, nil
		}
	}
}

// Send implements Transport. A full socket buffer yields zero bytes and no
// error.
func (t *TCPTransport) Send(s *Sock, bufs [][]byte) (int, error) {
	for {
		n, err := unix.Writev(s.fd, bufs)
		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, nil
		}
		return 0, err
	}
}

// SendFile implements Transport. Memory segments are written with Send.
func (t *TCPTransport) SendFile(s *Sock, segs []FileSegment) (int64, error) {
	var total int64
	for _, seg := range segs {
		var (
			n    int
			err  error
			want int64
		)
		if seg.File == nil {
			want = int64(len(seg.Data))
			n, err = t.Send(s, [][]byte{seg.Data})
		} else {
			want = seg.Length
			off := seg.Offset
			n, err = unix.Sendfile(s.fd, int(seg.File.Fd()), &off, int(seg.Length))
			if errors.Is(err, unix.EAGAIN) {
				err = nil
			}
		}
		if n > 0 {
			total += int64(n)
		}
		if err != nil {
			return total, err
		}
		if int64(n) < want {
			break
		}
	}
	return total, nil
}

// Keep implements Transport.
func (t *TCPTransport) Keep(s *Sock) bool { return true }

// Close implements Transport.
func (t *TCPTransport) Close(s *Sock) {
	if s.fd >= 0 {
		_ = unix.Close(s.fd)
		s.fd = -1
	}
}
