package driver

import (
	"runtime"
	"time"

	"golang.org/x/sys/unix"

	"github.com/goceleris/sockd/internal/handoff"
	"github.com/goceleris/sockd/internal/poll"
)

// spoolerThread reads the bodies of large uploads handed over by the driver
// thread, off the accept path, and queues completed requests to the pool.
func (d *Driver) spoolerThread(q *handoff.Queue[*Sock]) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer q.MarkStopped()

	log := d.log.With("thread", q.ThreadName())
	log.Info("spooler: accepting connections")

	var (
		ps       = poll.NewSet()
		readList []*Sock
		waitList []*Sock
		now      = time.Now()
	)

	for {
		ps.Reset()
		ps.Add(q.TriggerFd(), unix.POLLIN, time.Time{})
		for _, s := range readList {
			s.pidx = ps.Add(s.fd, unix.POLLIN, s.deadline)
		}

		timeout := ps.TimeoutUntil(now, spoolerIdleWait)
		if len(waitList) > 0 {
			timeout = min(timeout, queueRetry)
		}
		if _, err := ps.Wait(timeout); err != nil {
			fatalf(log, "spooler: poll failed: %v", err)
		}
		if ps.Readable(0) {
			if err := q.Drain(); err != nil {
				fatalf(log, "spooler: trigger drain failed: %v", err)
			}
		}

		now = time.Now()

		var next []*Sock
		for _, s := range readList {
			switch {
			case ps.Hup(s.pidx):
				d.release(s, SockClose, nil)
				q.Add(-1)

			case !ps.Readable(s.pidx):
				if !now.Before(s.deadline) {
					d.release(s, SockReadTimeout, nil)
					q.Add(-1)
				} else {
					next = append(next, s)
				}

			default:
				switch state := s.read(true, now); state {
				case SockMore:
					s.deadline = now.Add(d.cfg.RecvWait)
					next = append(next, s)
				case SockReady:
					waitList = append(waitList, s)
				default:
					d.release(s, state, nil)
					q.Add(-1)
				}
			}
		}
		readList = next

		pending := waitList[:0]
		for _, s := range waitList {
			if d.queue(s, now) {
				q.Add(-1)
			} else {
				pending = append(pending, s)
			}
		}
		clear(waitList[len(pending):])
		waitList = pending

		if len(waitList) == 0 {
			for _, s := range q.Take() {
				s.deadline = now.Add(d.cfg.RecvWait)
				readList = append(readList, s)
				q.Add(1)
			}
		}

		if q.ShuttingDown() {
			break
		}
	}

	for _, s := range append(append(readList, waitList...), q.Take()...) {
		d.release(s, SockClose, nil)
	}
	log.Info("spooler: exiting")
}
