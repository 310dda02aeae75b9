package driver

import (
	"context"
	"runtime"
	"time"

	"golang.org/x/sys/unix"

	"github.com/goceleris/sockd/internal/poll"
)

const (
	driverIdleWait  = 10 * time.Second
	spoolerIdleWait = 30 * time.Second
	// queueRetry bounds the wait while sockets are waiting for room in the
	// connection pool.
	queueRetry = 100 * time.Millisecond
	closeDrain = 1024
)

// run is the driver thread: accept, read-ahead, queue to the pool and reap
// closing or keep-alive sockets, all driven by one poll wait per spin.
func (d *Driver) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(d.done)

	d.log.Info("driver: accepting connections")

	var (
		ps        = poll.NewSet()
		listenIdx = make([]int, len(d.listeners))
		readList  []*Sock
		closeList []*Sock
		waitList  []*Sock
		drain     [closeDrain]byte
		stopping  bool
		stopAt    time.Time
		now       = time.Now()
	)

	for {
		ps.Reset()
		ps.Add(d.trigger.Fd(), unix.POLLIN, time.Time{})

		for i := range listenIdx {
			listenIdx[i] = -1
		}
		if len(waitList) == 0 && !stopping {
			for i, fd := range d.listeners {
				listenIdx[i] = ps.Add(fd, unix.POLLIN, time.Time{})
			}
		}

		leftover := false
		for _, s := range readList {
			s.pidx = ps.Add(s.fd, unix.POLLIN, s.deadline)
			if s.req != nil && s.req.leftover > 0 {
				leftover = true
			}
		}
		for _, s := range closeList {
			s.pidx = ps.Add(s.fd, unix.POLLIN, s.deadline)
		}

		timeout := driverIdleWait
		if len(readList) > 0 || len(closeList) > 0 {
			timeout = ps.TimeoutUntil(now, driverIdleWait)
		}
		if len(waitList) > 0 {
			timeout = min(timeout, queueRetry)
		}
		if leftover {
			// pipelined bytes are already buffered
			timeout = 0
		}

		n, err := ps.Wait(timeout)
		if err != nil {
			fatalf(d.log, "driver: poll failed: %v", err)
		}
		triggered := ps.Readable(0)
		if triggered {
			if err := d.trigger.Drain(); err != nil {
				fatalf(d.log, "driver: trigger drain failed: %v", err)
			}
		}
		if n == 0 || triggered {
			d.dispatch.EnsureRunning()
		}

		now = time.Now()

		closeList = d.reapClosing(ps, closeList, drain[:], now)
		readList, waitList = d.readAhead(ps, readList, waitList, now)
		waitList = d.flushWait(waitList, now)

		if len(waitList) == 0 && !stopping {
			readList, waitList = d.acceptBurst(ps, listenIdx, readList, waitList, now)
		}

		d.mu.Lock()
		handed := d.closing
		d.closing = nil
		shutdown := d.shutdown
		d.mu.Unlock()

		for _, s := range handed {
			switch {
			case s.keep:
				s.deadline = now.Add(d.cfg.KeepWait)
				readList = append(readList, s)
			case s.fd < 0:
				d.release(s, SockClose, nil)
			default:
				if err := unix.Shutdown(s.fd, unix.SHUT_WR); err != nil {
					d.release(s, SockShutError, err)
					continue
				}
				s.deadline = now.Add(d.cfg.CloseWait)
				closeList = append(closeList, s)
			}
		}

		if shutdown && !stopping {
			stopping = true
			stopAt = now.Add(d.cfg.ShutdownTimeout)
			for _, fd := range d.listeners {
				_ = unix.Close(fd)
			}
			d.listeners = nil
			listenIdx = listenIdx[:0]
			d.log.Info("driver: stopped accepting connections")
		}

		if stopping {
			readList = d.dropIdle(readList)
			drained := len(readList) == 0 && len(closeList) == 0 && len(waitList) == 0 && d.queueSize.Load() == 0
			if drained || !now.Before(stopAt) {
				break
			}
		}
	}

	for _, list := range [][]*Sock{readList, closeList, waitList, d.exit()} {
		for _, s := range list {
			d.release(s, SockClose, nil)
		}
	}
	d.log.Info("driver: exiting")
}

// reapClosing drains half-closed sockets until the peer closes or the close
// wait passes.
func (d *Driver) reapClosing(ps *poll.Set, list []*Sock, drain []byte, now time.Time) []*Sock {
	next := list[:0]
	for _, s := range list {
		switch {
		case ps.Hup(s.pidx):
			d.release(s, SockClose, nil)
		case ps.Readable(s.pidx):
			n, err := unix.Read(s.fd, drain)
			if n <= 0 {
				d.log.Log(context.Background(), IOLevel(err), "closewait read failed", "fd", s.fd, "error", err)
				d.release(s, SockReadError, err)
				continue
			}
			next = append(next, s)
		case !now.Before(s.deadline):
			d.release(s, SockCloseTimeout, nil)
		default:
			next = append(next, s)
		}
	}
	clear(list[len(next):])
	return next
}

// readAhead runs one read cycle on every readable socket of the list.
func (d *Driver) readAhead(ps *poll.Set, list, waitList []*Sock, now time.Time) ([]*Sock, []*Sock) {
	pending := list
	var next []*Sock
	for _, s := range pending {
		switch {
		case ps.Hup(s.pidx):
			d.release(s, SockClose, nil)

		case !ps.Readable(s.pidx) && (s.req == nil || s.req.leftover == 0):
			if !now.Before(s.deadline) {
				d.release(s, SockReadTimeout, nil)
			} else {
				next = append(next, s)
			}

		case d.cfg.Async:
			state := s.read(false, now)
			next, waitList = d.dispatchRead(s, state, now, next, waitList)

		default:
			// the consumer reads the request itself
			if !now.Before(s.deadline) {
				d.errors.Add(1)
				d.log.Info("read-ahead has data but driver is not async, timed out", "fd", s.fd)
				s.keep = false
				d.release(s, SockReadTimeout, nil)
			} else if !d.queue(s, now) {
				waitList = append(waitList, s)
			}
		}
	}
	return next, waitList
}

// dispatchRead is the single place acting on a read outcome.
func (d *Driver) dispatchRead(s *Sock, state SockState, now time.Time, readList, waitList []*Sock) ([]*Sock, []*Sock) {
	switch state {
	case SockSpool:
		d.spooled.Add(1)
		if err := d.spool(s); err != nil {
			d.log.Warn("could not spool", "fd", s.fd, "error", err)
			readList = append(readList, s)
		}

	case SockMore:
		d.partial.Add(1)
		s.deadline = now.Add(d.cfg.RecvWait)
		readList = append(readList, s)

	case SockReady:
		if !d.queue(s, now) {
			waitList = append(waitList, s)
		}

	case SockEntityTooLarge, SockBadRequest, SockBadHeader, SockTooManyHeaders, SockClose:
		d.release(s, state, nil)

	default:
		d.errors.Add(1)
		d.log.Warn("sockread returned unexpected result; closing socket", "state", state, "fd", s.fd)
		d.release(s, state, nil)
	}
	return readList, waitList
}

// flushWait offers waiting sockets to the pool again, oldest first.
func (d *Driver) flushWait(list []*Sock, now time.Time) []*Sock {
	next := list[:0]
	for _, s := range list {
		if !d.queue(s, now) {
			next = append(next, s)
		}
	}
	clear(list[len(next):])
	return next
}

// dropIdle releases kept-alive sockets without buffered bytes.
func (d *Driver) dropIdle(list []*Sock) []*Sock {
	next := list[:0]
	for _, s := range list {
		if s.req == nil || (s.req.woff == 0 && s.req.leftover == 0) {
			d.release(s, SockClose, nil)
			continue
		}
		next = append(next, s)
	}
	clear(list[len(next):])
	return next
}
