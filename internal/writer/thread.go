package writer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"golang.org/x/sys/unix"

	"github.com/goceleris/sockd/internal/driver"
	"github.com/goceleris/sockd/internal/poll"
)

const (
	writerIdleWait = 30 * time.Second
	writerBusyWait = time.Second
	maxIovecs      = 1024
)

// thread is the state owned by one writer thread.
type thread struct {
	w     *Writer
	q     *jobQueue
	log   *slog.Logger
	slot  int
	ps    *poll.Set
	pools map[*Pool]*poolInfo
}

func newThread(w *Writer, q *jobQueue) *thread {
	return &thread{
		w:     w,
		q:     q,
		log:   w.log.With("thread", q.ThreadName()),
		slot:  q.ID,
		ps:    poll.NewSet(),
		pools: make(map[*Pool]*poolInfo),
	}
}

func (t *thread) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer t.q.MarkStopped()

	t.log.Info("writer: accepting connections")

	var (
		jobs   []*Handle
		now    = time.Now()
		stopAt time.Time
	)
	for {
		timeout := t.plan(jobs, now)
		if _, err := t.ps.Wait(timeout); err != nil {
			fatalf(t.log, "writer: poll failed: %v", err)
		}
		if t.ps.Readable(0) {
			if err := t.q.Drain(); err != nil {
				fatalf(t.log, "writer: trigger drain failed: %v", err)
			}
		}

		now = time.Now()
		jobs = t.service(jobs, now)

		for _, h := range t.q.Take() {
			t.q.Add(1)
			h.job.counted = true
			jobs = append(jobs, h)
		}

		if t.q.ShuttingDown() {
			if stopAt.IsZero() {
				stopAt = now.Add(t.w.cfg.ShutdownTimeout)
			}
			if len(jobs) == 0 || !now.Before(stopAt) {
				break
			}
		}
	}

	for _, h := range append(jobs, t.q.Take()...) {
		t.abandon(h, driver.SockClose, nil)
	}
	t.log.Info("writer: exiting")
}

// plan registers the jobs that may send now and returns the poll timeout.
// Throttled jobs are left out and shorten the timeout to their wake-up time.
func (t *thread) plan(jobs []*Handle, now time.Time) time.Duration {
	t.ps.Reset()
	t.ps.Add(t.q.TriggerFd(), unix.POLLIN, time.Time{})
	if len(jobs) == 0 {
		return writerIdleWait
	}

	cfg := t.w.cfg
	if cfg.BandwidthManagement {
		t.perPoolRates(jobs)
	}

	timeout := writerBusyWait
	for _, h := range jobs {
		j := h.job
		j.pidx = -1

		if cfg.BandwidthManagement && j.pool != nil && j.pool.Limit > 0 && j.info != nil {
			rate := adjustRate(j.rateLimit, j.currentRate, j.info.delta, j.pool.Limit, cfg.MinRate)
			if rate != j.rateLimit {
				t.log.Debug("writer: rate limit changed",
					"pool", j.pool.Name, "job", j.ID, "from", j.rateLimit, "to", rate, "delta", j.info.delta)
				j.rateLimit = rate
			}
		}

		rem := j.remaining()
		switch {
		case rem > 0:
			if _, wait := j.allowance(now, rem); wait > 0 {
				timeout = min(timeout, wait)
				continue
			}
			j.pidx = t.ps.Add(j.conn.Fd(), unix.POLLOUT, j.deadline)
		case j.streamMode() == streamFinish:
			timeout = 0
		}
	}
	return min(timeout, t.ps.TimeoutUntil(now, timeout))
}

// service runs one write cycle on every job and returns those still active.
func (t *thread) service(jobs []*Handle, now time.Time) []*Handle {
	var next []*Handle
	for _, h := range jobs {
		j := h.job
		mode := j.streamMode()
		state := driver.SockReady
		var err error

		switch {
		case t.ps.Hup(j.pidx):
			state = driver.SockClose
			if j.pool != nil && j.pool.Limit > 0 {
				t.poolInfo(j).rate += j.currentRate
			}

		case t.ps.Writable(j.pidx) || mode == streamFinish:
			j.deadline = time.Time{}
			j.measure(now, t.w.cfg.SampleBytes)
			if rem := j.remaining(); rem > 0 {
				state, err = t.send(j, now, rem)
			}

		case j.pidx >= 0:
			if j.deadline.IsZero() {
				j.deadline = now.Add(t.w.cfg.SendWait)
			} else if !now.Before(j.deadline) {
				state, err = driver.SockWriteTimeout, os.ErrDeadlineExceeded
			}
		}

		switch {
		case state != driver.SockReady:
			t.log.Log(context.Background(), driver.IOLevel(err), "writer: release, not ok", "job", j.ID, "fd", j.conn.Fd(), "state", state, "error", err)
			t.abandon(h, state, err)
		case j.remaining() > 0 || j.streamMode() == streamActive:
			next = append(next, h)
		default:
			t.log.Debug("writer: done", "job", j.ID, "fd", j.conn.Fd(), "sent", j.nsent)
			t.abandon(h, driver.SockReady, nil)
		}
	}
	return next
}

// abandon drops the thread's reference to a job, recording its final state.
func (t *thread) abandon(h *Handle, state driver.SockState, err error) {
	j := h.job
	if state != driver.SockReady && j.status == driver.SockReady {
		j.status, j.err = state, err
	}
	j.mu.Lock()
	j.finished = true
	j.mu.Unlock()
	h.Release()
}

func (t *thread) send(j *Job, now time.Time, rem int64) (driver.SockState, error) {
	allowed, _ := j.allowance(now, rem)
	if allowed <= 0 {
		return driver.SockReady, nil
	}
	bufs, err := j.body.next()
	if err != nil {
		return driver.SockReadError, err
	}
	if len(bufs) == 0 {
		return driver.SockReady, nil
	}
	n, err := j.conn.Send(limitBufs(bufs, allowed))
	if err != nil {
		return driver.SockWriteError, fmt.Errorf("send: %w", err)
	}
	j.body.consumed(n)
	j.nsent += int64(n)
	if j.streaming {
		j.mu.Lock()
		j.size -= int64(n)
		j.mu.Unlock()
	} else {
		j.size -= int64(n)
	}
	return driver.SockReady, nil
}

// allowance returns how many bytes the job may send now. A rate-limited job
// never gets ahead of rateLimit bytes per millisecond since its start; when
// less than a millisecond's worth is available it returns the time to wait.
func (j *Job) allowance(now time.Time, rem int64) (int64, time.Duration) {
	if j.rateLimit <= 0 {
		return rem, 0
	}
	rate := int64(j.rateLimit)
	us := now.Sub(j.start).Microseconds()
	allowed := us*rate/1000 - j.nsent
	need := min(rate, rem)
	if allowed >= need {
		return allowed, 0
	}
	waitUs := (j.nsent+need)*1000/rate - us + 1
	return 0, time.Duration(waitUs) * time.Microsecond
}

// measure updates the current rate once enough bytes went out for the
// estimate to mean something.
func (j *Job) measure(now time.Time, sample int64) {
	if j.rateLimit <= 0 || j.nsent <= sample {
		return
	}
	if us := now.Sub(j.start).Microseconds(); us > 0 {
		j.currentRate = int(j.nsent * 1000 / us)
	}
}

// limitBufs returns a view of bufs holding at most limit bytes.
func limitBufs(bufs [][]byte, limit int64) [][]byte {
	out := make([][]byte, 0, min(len(bufs), maxIovecs))
	for _, b := range bufs {
		if limit <= 0 || len(out) == maxIovecs {
			break
		}
		if int64(len(b)) > limit {
			b = b[:limit]
		}
		out = append(out, b)
		limit -= int64(len(b))
	}
	return out
}
