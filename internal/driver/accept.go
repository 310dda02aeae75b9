package driver

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"

	"github.com/goceleris/sockd/internal/poll"
)

// acceptOne accepts a connection from listenFd and classifies it. Terminal
// read outcomes are released here and reported as SockError with a nil Sock.
func (d *Driver) acceptOne(listenFd int, now time.Time) (*Sock, SockState) {
	s := d.newSock()

	status, err := d.transport.Accept(listenFd, s)
	if status == AcceptError {
		// EAGAIN is the normal end of an accept burst.
		if err != nil && !errors.Is(err, unix.EAGAIN) {
			d.log.Warn("accept failed", "error", err)
		}
		d.recycle(s)
		return nil, SockError
	}

	s.acceptTime = now
	d.queueSize.Add(1)

	switch status {
	case AcceptData:
		if !d.cfg.Async {
			return s, SockReady
		}
		state := s.read(false, now)
		if state.Terminal() {
			d.log.Debug("read on accept failed", "state", state, "fd", s.fd)
			d.release(s, state, nil)
			return nil, SockError
		}
		return s, state

	case AcceptQueue:
		if s.req == nil {
			s.req = d.requests.Get()
		}
		return s, SockReady
	}
	return s, SockMore
}

// acceptBurst accepts up to AcceptSize connections across all listeners
// while the pool has room.
func (d *Driver) acceptBurst(ps *poll.Set, listenIdx []int, readList, waitList []*Sock, now time.Time) ([]*Sock, []*Sock) {
	accepted := 0
	for accepted < d.cfg.AcceptSize && d.queueSize.Load() < int64(d.cfg.MaxQueueSize) {
		got := false
		for i, fd := range d.listeners {
			if !ps.Readable(listenIdx[i]) {
				continue
			}
			s, state := d.acceptOne(fd, now)
			if state == SockError {
				continue
			}
			switch state {
			case SockSpool, SockMore, SockReady:
				readList, waitList = d.dispatchRead(s, state, now, readList, waitList)
			default:
				fatalf(d.log, "driver: accept returned %s", state)
			}
			accepted++
			got = true
		}
		if !got {
			break
		}
	}
	if accepted > 1 {
		d.log.Info("accepted connections", "count", accepted)
	}
	return readList, waitList
}
