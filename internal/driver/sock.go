package driver

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

type connFlags uint8

const (
	flagContinue connFlags = 1 << iota
	flagEntityTooLarge
	flagRequestURITooLong
	flagLineTooLong
	flagGzipAccepted
	flagBrotliAccepted
)

var errSendTimeout = errors.New("send timeout")

// PeerGone reports whether err only means the client dropped the connection
// or stopped reading.
func PeerGone(err error) bool {
	return errors.Is(err, unix.ECONNRESET) ||
		errors.Is(err, unix.EPIPE) ||
		errors.Is(err, unix.ETIMEDOUT) ||
		errors.Is(err, errSendTimeout) ||
		errors.Is(err, os.ErrDeadlineExceeded)
}

// IOLevel is the log level for a failed socket receive or send.
func IOLevel(err error) slog.Level {
	if err == nil || PeerGone(err) {
		return slog.LevelDebug
	}
	return slog.LevelWarn
}

// Sock is one accepted connection. At any instant it is owned by exactly one
// of: the driver free list, a driver thread list, a spooler queue, the
// application pool or a writer job. Ownership moves only through explicit
// hand-offs.
type Sock struct {
	fd   int
	peer unix.Sockaddr
	drv  *Driver
	req  *Request

	deadline   time.Time
	acceptTime time.Time
	keep       bool
	pidx       int
	flags      connFlags

	recvTimeout time.Duration

	spool     *os.File
	spoolPath string
	mapped    []byte

	server   string
	location string

	arg any
}

// Attach binds an accepted descriptor and peer address to s. Transports call
// it from Accept.
func (s *Sock) Attach(fd int, peer unix.Sockaddr) {
	s.fd = fd
	s.peer = peer
}

// Fd returns the connection descriptor, -1 once closed.
func (s *Sock) Fd() int { return s.fd }

// Driver returns the owning driver.
func (s *Sock) Driver() *Driver { return s.drv }

// Request returns the parse state, nil before the first read.
func (s *Sock) Request() *Request { return s.req }

// Keep reports the keep-alive decision.
func (s *Sock) Keep() bool { return s.keep }

// SetKeep records the keep-alive decision.
func (s *Sock) SetKeep(keep bool) { s.keep = keep }

// Deadline returns the absolute timeout of the socket's current wait.
func (s *Sock) Deadline() time.Time { return s.deadline }

// SetDeadline sets an absolute timeout; the zero time clears it.
func (s *Sock) SetDeadline(t time.Time) { s.deadline = t }

// AcceptTime returns when the current request started.
func (s *Sock) AcceptTime() time.Time { return s.acceptTime }

// Server returns the virtual server resolved for the request.
func (s *Sock) Server() string { return s.server }

// Location returns the location (scheme://host) resolved for the request.
func (s *Sock) Location() string { return s.location }

// GzipAccepted reports whether the client accepts gzip responses.
func (s *Sock) GzipAccepted() bool { return s.flags&flagGzipAccepted != 0 }

// BrotliAccepted reports whether the client accepts brotli responses.
func (s *Sock) BrotliAccepted() bool { return s.flags&flagBrotliAccepted != 0 }

// SpoolPath returns the named upload file holding the body, if any.
func (s *Sock) SpoolPath() string { return s.spoolPath }

// Arg returns transport-specific state.
func (s *Sock) Arg() any { return s.arg }

// SetArg stores transport-specific state.
func (s *Sock) SetArg(v any) { s.arg = v }

// Peer returns the remote address as host:port.
func (s *Sock) Peer() string {
	switch sa := s.peer.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port)).String()
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr), uint16(sa.Port)).String()
	case *unix.SockaddrUnix:
		return sa.Name
	}
	return ""
}

// Close hands the socket back to its driver. With keep set, and when the
// transport agrees, the connection is re-polled for the next request;
// otherwise it is half-closed and drained before release.
func (s *Sock) Close(keep bool) {
	s.drv.closeSock(s, keep)
}

// Abort answers a terminal state (sending the synthetic error response for
// protocol errors) and hands the socket back for closing.
func (s *Sock) Abort(reason SockState, err error) {
	s.sockError(reason, err)
	s.drv.closeSock(s, false)
}

// ReadRequest drives the read/parse state machine to completion from the
// consuming thread, blocking up to the receive timeout per read. It is used
// when the driver does not read ahead asynchronously.
func (s *Sock) ReadRequest() SockState {
	d := s.drv
	s.recvTimeout = d.cfg.RecvWait
	defer func() { s.recvTimeout = 0 }()

	state := SockMore
	for state == SockMore {
		now := time.Now()
		state = s.read(false, now)
		if state == SockSpool {
			state = s.read(true, now)
		}
	}
	if state == SockReady && s.req.hasLine {
		s.setServer()
	}
	return state
}

// Send performs one non-blocking vectored write and returns the bytes
// accepted, zero when the socket would block.
func (s *Sock) Send(bufs [][]byte) (int, error) {
	return s.drv.transport.Send(s, bufs)
}

// SendBufs writes all bufs, waiting up to timeout for writability whenever
// the socket would block.
func (s *Sock) SendBufs(bufs [][]byte, timeout time.Duration) (int, error) {
	total := 0
	for len(bufs) > 0 {
		n, err := s.drv.transport.Send(s, bufs)
		if err != nil {
			return total, err
		}
		total += n
		bufs = AdvanceBufs(bufs, n)
		if len(bufs) == 0 {
			break
		}
		if n == 0 {
			if err := waitWritable(s.fd, timeout); err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

// SendFile writes all segments, waiting up to timeout for writability
// whenever the socket would block.
func (s *Sock) SendFile(segs []FileSegment, timeout time.Duration) (int64, error) {
	var total int64
	for len(segs) > 0 {
		n, err := s.drv.transport.SendFile(s, segs)
		if err != nil {
			return total, err
		}
		total += n
		segs = advanceSegments(segs, n)
		if len(segs) == 0 {
			break
		}
		if n == 0 {
			if err := waitWritable(s.fd, timeout); err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

// AdvanceBufs drops the first n bytes from bufs without copying data.
func AdvanceBufs(bufs [][]byte, n int) [][]byte {
	for len(bufs) > 0 && n >= len(bufs[0]) {
		n -= len(bufs[0])
		bufs = bufs[1:]
	}
	if len(bufs) > 0 && n > 0 {
		bufs[0] = bufs[0][n:]
	}
	return bufs
}

func advanceSegments(segs []FileSegment, n int64) []FileSegment {
	for len(segs) > 0 && n >= segLen(segs[0]) {
		n -= segLen(segs[0])
		segs = segs[1:]
	}
	if len(segs) > 0 && n > 0 {
		if segs[0].File == nil {
			segs[0].Data = segs[0].Data[n:]
		} else {
			segs[0].Offset += n
			segs[0].Length -= n
		}
	}
	return segs
}

func segLen(seg FileSegment) int64 {
	if seg.File == nil {
		return int64(len(seg.Data))
	}
	return seg.Length
}

func waitWritable(fd int, timeout time.Duration) error {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		n, err := unix.Poll(fds, int(timeout.Milliseconds()))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("poll: %w", err)
		}
		if n == 0 {
			return errSendTimeout
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLHUP) != 0 {
			return unix.EPIPE
		}
		return nil
	}
}

// finish applies the keep-alive decision and drops spooled upload state.
func (s *Sock) finish(keep bool) {
	if keep {
		keep = s.drv.transport.Keep(s)
	}
	s.keep = keep
	if keep {
		// latency of the next request counts from its first read
		s.acceptTime = time.Time{}
	}

	if s.mapped != nil {
		_ = unix.Munmap(s.mapped)
		s.mapped = nil
	}
	if s.spool != nil {
		_ = s.spool.Close()
		s.spool = nil
	}
	if s.spoolPath != "" {
		_ = os.Remove(s.spoolPath)
		s.spoolPath = ""
	}
}

// freeRequest resets the Request. A kept connection with pipelined bytes
// keeps its Request; otherwise it returns to the process-wide pool.
func (s *Sock) freeRequest() {
	r := s.req
	if r.reset(s.keep) {
		return
	}
	s.req = nil
	s.drv.requests.Put(r)
}

// reuse clears per-connection state of a recycled Sock.
func (s *Sock) reuse() {
	s.fd = -1
	s.peer = nil
	s.keep = false
	s.flags = 0
	s.pidx = -1
	s.deadline = time.Time{}
	s.acceptTime = time.Time{}
	s.recvTimeout = 0
	s.server = ""
	s.location = ""
	s.arg = nil
}
