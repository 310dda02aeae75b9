package writer

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/goceleris/sockd/internal/driver"
	"github.com/goceleris/sockd/internal/handoff"
)

// pipeConn writes to one end of a socket pair.
type pipeConn struct {
	fd      int
	limit   int64 // bytes accepted per Send, 0 for no limit
	discard bool  // count bytes without writing them

	mu      sync.Mutex
	closes  int
	aborts  int
	keep    bool
	reason  driver.SockState
	written int64
	done    chan struct{}
}

func (c *pipeConn) Fd() int { return c.fd }

func (c *pipeConn) Send(bufs [][]byte) (int, error) {
	if c.limit > 0 {
		bufs = limitBufs(bufs, c.limit)
	}
	if c.discard {
		n := 0
		for _, b := range bufs {
			n += len(b)
		}
		return n, nil
	}
	n, err := unix.Writev(c.fd, bufs)
	if errors.Is(err, unix.EAGAIN) {
		return 0, nil
	}
	return n, err
}

func (c *pipeConn) Close(keep bool) {
	c.mu.Lock()
	c.closes++
	c.keep = keep
	c.mu.Unlock()
	c.signal()
}

func (c *pipeConn) Abort(reason driver.SockState, err error) {
	c.mu.Lock()
	c.aborts++
	c.reason = reason
	c.mu.Unlock()
	c.signal()
}

func (c *pipeConn) signal() {
	if c.done != nil {
		close(c.done)
	}
}

func (c *pipeConn) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes, c.aborts
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newPipe(t *testing.T) (*pipeConn, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return &pipeConn{fd: fds[0], done: make(chan struct{})}, fds[1]
}

func startWriter(t *testing.T, mutate func(*Config)) *Writer {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Threads = 2
	cfg.WriterSize = 1024
	cfg.SendWait = 2 * time.Second
	cfg.ShutdownTimeout = time.Second
	cfg.Logger = discardLogger()
	if mutate != nil {
		mutate(&cfg)
	}
	w, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	w.Start()
	t.Cleanup(func() {
		if !w.Stop(5 * time.Second) {
			t.Error("writer did not stop")
		}
	})
	return w
}

// drain reads from fd until want bytes arrived or the deadline passes.
func drain(t *testing.T, fd int, want int) []byte {
	t.Helper()
	var out []byte
	buf := make([]byte, 64*1024)
	deadline := time.Now().Add(10 * time.Second)
	for len(out) < want {
		if time.Now().After(deadline) {
			t.Fatalf("timed out after %d of %d bytes", len(out), want)
		}
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		if _, err := unix.Poll(fds, 100); err != nil && !errors.Is(err, unix.EINTR) {
			t.Fatalf("poll: %v", err)
		}
		n, err := unix.Read(fd, buf)
		if errors.Is(err, unix.EAGAIN) {
			continue
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if n == 0 {
			break
		}
		out = append(out, buf[:n]...)
	}
	return out
}

func waitDone(t *testing.T, c *pipeConn) {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(10 * time.Second):
		t.Fatal("job was not released")
	}
}

func payload(n int) []byte {
	b := make([]byte, n)
	rng := rand.New(rand.NewSource(int64(n)))
	_, _ = rng.Read(b)
	return b
}

func TestHandleReleasesOnce(t *testing.T) {
	tests := []struct {
		name  string
		order func(hs []*Handle)
	}{
		{"in order", func(hs []*Handle) {
			for _, h := range hs {
				h.Release()
			}
		}},
		{"reverse with repeats", func(hs []*Handle) {
			for i := len(hs) - 1; i >= 0; i-- {
				hs[i].Release()
				hs[i].Release()
			}
		}},
		{"concurrent", func(hs []*Handle) {
			var wg sync.WaitGroup
			for _, h := range hs {
				wg.Add(2)
				go func() { defer wg.Done(); h.Release() }()
				go func() { defer wg.Done(); h.Release() }()
			}
			wg.Wait()
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			conn := &pipeConn{fd: -1}
			released := 0
			j := &Job{
				ID:        "job",
				conn:      conn,
				log:       discardLogger(),
				body:      &memBody{},
				status:    driver.SockReady,
				keep:      true,
				onRelease: func(*Job) { released++ },
			}
			h := newHandle(j)
			hs := []*Handle{h, h.Clone(), h.Clone(), h.Clone()}

			tc.order(hs)

			closes, aborts := conn.counts()
			if closes != 1 || aborts != 0 {
				t.Errorf("expected exactly one close, got closes=%d aborts=%d", closes, aborts)
			}
			if released != 1 {
				t.Errorf("expected release callback once, got %d", released)
			}
			if !conn.keep {
				t.Error("expected keep-alive close")
			}
		})
	}
}

func TestReleaseAfterErrorAborts(t *testing.T) {
	conn := &pipeConn{fd: -1}
	j := &Job{ID: "job", conn: conn, log: discardLogger(), body: &memBody{}, status: driver.SockWriteTimeout}
	newHandle(j).Release()

	closes, aborts := conn.counts()
	if closes != 0 || aborts != 1 {
		t.Fatalf("expected one abort, got closes=%d aborts=%d", closes, aborts)
	}
	if conn.reason != driver.SockWriteTimeout {
		t.Errorf("expected reason %v, got %v", driver.SockWriteTimeout, conn.reason)
	}
}

func TestReleaseKeepsQueueSize(t *testing.T) {
	tests := []struct {
		name    string
		counted bool
	}{
		{"taken by the thread", true},
		{"still queued at exit", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			q, err := handoff.New[*Handle]("writer", 0)
			if err != nil {
				t.Fatalf("handoff.New: %v", err)
			}
			j := &Job{ID: "job", conn: &pipeConn{fd: -1}, log: discardLogger(), body: &memBody{}, status: driver.SockReady, queue: q}
			if tc.counted {
				q.Add(1)
				j.counted = true
			}
			newHandle(j).Release()

			if got := q.Size(); got != 0 {
				t.Errorf("expected queue size 0, got %d", got)
			}
		})
	}
}

func TestAdjustRateBounds(t *testing.T) {
	const floor = 5
	rng := rand.New(rand.NewSource(42))
	for _, poolLimit := range []int{10, 80, 1000} {
		rate := initialRate(100, 0, poolLimit, floor, true)
		for i := 0; i < 10000; i++ {
			current := rng.Intn(3 * poolLimit)
			delta := clampDelta(rng.Intn(400) - 200)
			rate = adjustRate(rate, current, delta, poolLimit, floor)
			if rate > poolLimit || rate < floor {
				t.Fatalf("pool %d: rate %d escaped [%d, %d] (current %d, delta %d)",
					poolLimit, rate, floor, poolLimit, current, delta)
			}
		}
	}
}

func TestAdjustRateOnlyNearLimit(t *testing.T) {
	tests := []struct {
		name                  string
		limit, current, delta int
		want                  int
	}{
		{"below 90 percent", 100, 90, 10, 100},
		{"near limit grows", 50, 50, 10, 55},
		{"near limit shrinks", 100, 100, -20, 80},
		{"capped at pool", 100, 100, 50, 120},
		{"no delta", 100, 100, 0, 100},
		{"floor", 10, 10, -50, 5},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := adjustRate(tc.limit, tc.current, tc.delta, 120, 5); got != tc.want {
				t.Errorf("expected %d, got %d", tc.want, got)
			}
		})
	}
}

func TestInitialRate(t *testing.T) {
	tests := []struct {
		name                      string
		requested, def, poolLimit int
		managed                   bool
		want                      int
	}{
		{"requested", 100, 10, 0, false, 100},
		{"default", -1, 10, 0, false, 10},
		{"unlimited", -1, 0, 0, false, 0},
		{"clamped to pool", 100, 0, 80, true, 80},
		{"half pool when unlimited", -1, 0, 80, true, 40},
		{"pool ignored when unmanaged", 100, 0, 80, false, 100},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := initialRate(tc.requested, tc.def, tc.poolLimit, 5, tc.managed); got != tc.want {
				t.Errorf("expected %d, got %d", tc.want, got)
			}
		})
	}
}

func TestLimitBufs(t *testing.T) {
	bufs := [][]byte{[]byte("abc"), []byte("defg"), []byte("h")}
	got := limitBufs(bufs, 5)
	if len(got) != 2 || string(got[0]) != "abc" || string(got[1]) != "de" {
		t.Fatalf("unexpected view %q", got)
	}
	if string(bufs[1]) != "defg" {
		t.Error("limitBufs modified its input")
	}
}

// TestPoolShapingSimulation drives writer threads over one simulated second
// in 250µs poll cycles. Jobs ask for 100 KB/s in a pool limited to 80 KB/s;
// no job may ever measure above the pool limit.
func TestPoolShapingSimulation(t *testing.T) {
	tests := []struct {
		name string
		jobs int
	}{
		{"single job", 1},
		{"two jobs share pool", 2},
		{"four jobs share pool", 4},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			const (
				rate      = 100
				poolLimit = 80
				size      = 1 << 20
			)
			w := &Writer{
				cfg: Config{
					BandwidthManagement: true,
					MinRate:             5,
					SampleBytes:         1024,
					SendWait:            time.Minute,
				},
				log: discardLogger(),
			}
			q, err := handoff.New[*Handle]("writer", 0)
			if err != nil {
				t.Fatalf("queue: %v", err)
			}
			t.Cleanup(func() { q.MarkStopped(); q.Stop(time.Second) })
			th := newThread(w, q)

			pool := NewPool("limited", poolLimit)
			start := time.Unix(1700000000, 0)
			var jobs []*Handle
			for i := 0; i < tc.jobs; i++ {
				conn, _ := newPipe(t)
				conn.discard = true
				conn.limit = 128
				j := w.newJob(Response{Conn: conn, Pool: pool, RateLimit: rate, Start: start})
				j.body = newMemBody(nil, [][]byte{make([]byte, size)}, nil)
				j.size = size
				j.queue = q
				jobs = append(jobs, newHandle(j))
			}
			all := append([]*Handle(nil), jobs...)

			for step := 1; step <= 4000; step++ {
				now := start.Add(time.Duration(step) * 250 * time.Microsecond)
				th.plan(jobs, now)
				if _, err := th.ps.Wait(0); err != nil {
					t.Fatalf("poll: %v", err)
				}
				jobs = th.service(jobs, now)
				for _, h := range all {
					j := h.job
					if j.currentRate > poolLimit {
						t.Fatalf("step %d: job rate %d above pool limit %d", step, j.currentRate, poolLimit)
					}
					if j.rateLimit > poolLimit || j.rateLimit < w.cfg.MinRate {
						t.Fatalf("step %d: job limit %d outside [%d, %d]", step, j.rateLimit, w.cfg.MinRate, poolLimit)
					}
				}
			}

			var total int64
			for _, h := range all {
				j := h.job
				if j.nsent > poolLimit*1000 {
					t.Errorf("job sent %d bytes in 1s, more than the pool allows", j.nsent)
				}
				if j.nsent == 0 {
					t.Error("job made no progress")
				}
				total += j.nsent
			}
			if tc.jobs == 1 && total < poolLimit*1000/2 {
				t.Errorf("single job sent only %d bytes", total)
			}
		})
	}
}

func TestSubmitMemory(t *testing.T) {
	w := startWriter(t, nil)
	conn, peer := newPipe(t)

	header := []byte("HTTP/1.1 200 OK\r\nContent-Length: 300000\r\n\r\n")
	body := payload(300000)
	var sent int64
	id, err := w.Submit(Response{
		Conn:      conn,
		Header:    header,
		Bufs:      [][]byte{body[:1000], body[1000:]},
		Keep:      true,
		RateLimit: -1,
		OnRelease: func(j *Job) { sent = j.Sent() },
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if id == "" {
		t.Error("expected a job id")
	}

	got := drain(t, peer, len(header)+len(body))
	waitDone(t, conn)

	if !bytes.Equal(got, append(append([]byte(nil), header...), body...)) {
		t.Fatal("received bytes differ from response")
	}
	if closes, aborts := conn.counts(); closes != 1 || aborts != 0 || !conn.keep {
		t.Errorf("expected one keep-alive close, got closes=%d aborts=%d keep=%v", closes, aborts, conn.keep)
	}
	if sent != int64(len(header)+len(body)) {
		t.Errorf("expected %d bytes sent, got %d", len(header)+len(body), sent)
	}
}

func TestSubmitFileSegments(t *testing.T) {
	w := startWriter(t, func(c *Config) { c.BufSize = 4096 })
	conn, peer := newPipe(t)

	dir := t.TempDir()
	var segs []driver.FileSegment
	var want []byte
	header := []byte("HTTP/1.1 200 OK\r\n\r\n")
	want = append(want, header...)
	for i, size := range []int{10000, 1, 70000} {
		data := payload(size + 100)
		f, err := os.CreateTemp(dir, "seg")
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := f.Write(data); err != nil {
			t.Fatalf("write: %v", err)
		}
		t.Cleanup(func() { _ = f.Close() })
		off := int64(i * 7)
		segs = append(segs, driver.FileSegment{File: f, Offset: off, Length: int64(size)})
		want = append(want, data[off:off+int64(size)]...)
	}

	pool := NewPool("files", 0)
	if _, err := w.Submit(Response{Conn: conn, Pool: pool, Header: header, Files: segs, RateLimit: -1}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	got := drain(t, peer, len(want))
	waitDone(t, conn)

	if !bytes.Equal(got, want) {
		t.Fatalf("received %d bytes that differ from the %d expected", len(got), len(want))
	}
	if pool.BytesSent() != int64(len(want)) {
		t.Errorf("expected pool bytes %d, got %d", len(want), pool.BytesSent())
	}
	if pool.Jobs() != 1 {
		t.Errorf("expected 1 pool job, got %d", pool.Jobs())
	}
	// the caller's files stay open
	if _, err := segs[0].File.Stat(); err != nil {
		t.Errorf("caller file closed: %v", err)
	}
}

func TestStream(t *testing.T) {
	w := startWriter(t, nil)
	conn, peer := newPipe(t)

	header := []byte("HTTP/1.1 200 OK\r\nConnection: close\r\n\r\n")
	first := []byte("first chunk;")
	s, err := w.OpenStream(Response{Conn: conn, Header: header, Bufs: [][]byte{first}, RateLimit: -1})
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}

	want := append(append([]byte(nil), header...), first...)
	for i := 0; i < 50; i++ {
		part := payload(1000 + i)
		if _, err := s.Write(part); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		want = append(want, part...)
	}
	s.Finish()
	s.Finish()

	got := drain(t, peer, len(want))
	waitDone(t, conn)
	if !bytes.Equal(got, want) {
		t.Fatalf("stream delivered %d bytes that differ from the %d expected", len(got), len(want))
	}
	if _, err := s.Write([]byte("late")); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("expected ErrStreamClosed, got %v", err)
	}
	if closes, aborts := conn.counts(); closes != 1 || aborts != 0 {
		t.Errorf("expected one close, got closes=%d aborts=%d", closes, aborts)
	}
}

func TestSendTimeout(t *testing.T) {
	w := startWriter(t, func(c *Config) { c.SendWait = 50 * time.Millisecond })
	conn, _ := newPipe(t)

	if _, err := w.Submit(Response{Conn: conn, Bufs: [][]byte{payload(8 << 20)}, RateLimit: -1}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	waitDone(t, conn)

	closes, aborts := conn.counts()
	if closes != 0 || aborts != 1 {
		t.Fatalf("expected one abort, got closes=%d aborts=%d", closes, aborts)
	}
	if conn.reason != driver.SockWriteTimeout {
		t.Errorf("expected %v, got %v", driver.SockWriteTimeout, conn.reason)
	}
}

func TestPeerGone(t *testing.T) {
	w := startWriter(t, nil)
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() { _ = unix.Close(fds[0]) })
	_ = unix.Close(fds[1])
	conn := &pipeConn{fd: fds[0], done: make(chan struct{})}

	if _, err := w.Submit(Response{Conn: conn, Bufs: [][]byte{payload(1 << 20)}, RateLimit: -1}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	waitDone(t, conn)

	if _, aborts := conn.counts(); aborts != 1 {
		t.Fatalf("expected one abort, got %d", aborts)
	}
	if conn.reason != driver.SockClose && conn.reason != driver.SockWriteError {
		t.Errorf("unexpected reason %v", conn.reason)
	}
}

func TestSubmitRejects(t *testing.T) {
	conn := &pipeConn{fd: -1}

	disabled, err := New(Config{Logger: discardLogger()})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := disabled.Submit(Response{Conn: conn, Bufs: [][]byte{[]byte("x")}, Force: true}); !errors.Is(err, ErrWriterDisabled) {
		t.Errorf("expected ErrWriterDisabled, got %v", err)
	}

	w := startWriter(t, func(c *Config) { c.Streaming = false })
	if _, err := w.Submit(Response{Conn: conn, Bufs: [][]byte{[]byte("small")}}); !errors.Is(err, ErrTooSmall) {
		t.Errorf("expected ErrTooSmall, got %v", err)
	}
	if _, err := w.OpenStream(Response{Conn: conn}); !errors.Is(err, ErrStreamingDisabled) {
		t.Errorf("expected ErrStreamingDisabled, got %v", err)
	}
	if _, err := w.Submit(Response{Conn: conn, Force: true}); err == nil {
		t.Error("expected an error for a response without body")
	}
}
