package writer

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/goceleris/sockd/internal/driver"
)

// Conn is the connection a job transmits on. *driver.Sock implements it.
type Conn interface {
	Fd() int
	Send(bufs [][]byte) (int, error)
	Close(keep bool)
	Abort(reason driver.SockState, err error)
}

type streamState int

const (
	streamNone streamState = iota
	streamActive
	streamFinish
)

// body is the source of a job's payload. It is chosen once at submit time.
type body interface {
	// next returns the bytes ready to send, refilling from disk if needed.
	next() ([][]byte, error)
	// consumed drops n sent bytes.
	consumed(n int)
	close()
}

// memBody sends a list of memory buffers. mapped, when set, backs the
// buffers and is unmapped on release.
type memBody struct {
	bufs   [][]byte
	mapped []byte
}

func (b *memBody) next() ([][]byte, error) { return b.bufs, nil }

func (b *memBody) consumed(n int) { b.bufs = driver.AdvanceBufs(b.bufs, n) }

func (b *memBody) close() {
	if b.mapped != nil {
		_ = unix.Munmap(b.mapped)
		b.mapped = nil
	}
	b.bufs = nil
}

// fileBody sends one or more file segments through a bounded buffer. In
// streaming mode the producer appends to the single spool file while the
// writer reads from it; toRead is then shared and guarded by job.mu.
type fileBody struct {
	job  *Job
	segs []driver.FileSegment
	cur  int

	buf    []byte
	off    int // start of unsent bytes in buf
	n      int // unsent bytes in buf
	toRead int64

	owned bool // segment files are ours to close
}

func (b *fileBody) next() ([][]byte, error) {
	if err := b.fill(); err != nil {
		return nil, err
	}
	if b.n == 0 {
		return nil, nil
	}
	return [][]byte{b.buf[b.off : b.off+b.n]}, nil
}

// fill moves leftovers of a partial send to the front and reads more data
// behind them.
func (b *fileBody) fill() error {
	if b.off > 0 {
		copy(b.buf, b.buf[b.off:b.off+b.n])
		b.off = 0
	}
	room := len(b.buf) - b.n
	if room == 0 {
		return nil
	}

	streaming := b.job.streaming
	if streaming {
		b.job.mu.Lock()
		defer b.job.mu.Unlock()
	}
	want := min(int64(room), b.toRead)
	if want == 0 {
		return nil
	}

	for b.cur < len(b.segs) && b.segs[b.cur].Length == 0 && !streaming {
		b.cur++
	}
	if b.cur >= len(b.segs) {
		return io.ErrUnexpectedEOF
	}
	seg := &b.segs[b.cur]
	if !streaming {
		want = min(want, seg.Length)
	}

	n, err := seg.File.ReadAt(b.buf[b.n:b.n+int(want)], seg.Offset)
	if n <= 0 {
		if err == nil || errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return fmt.Errorf("read %s: %w", seg.File.Name(), err)
	}
	seg.Offset += int64(n)
	if !streaming {
		seg.Length -= int64(n)
		if seg.Length == 0 && b.cur < len(b.segs)-1 {
			b.closeSegment(b.cur)
			b.cur++
		}
	}
	b.toRead -= int64(n)
	b.n += n
	return nil
}

func (b *fileBody) consumed(n int) {
	b.off += n
	b.n -= n
	if b.n == 0 {
		b.off = 0
	}
}

func (b *fileBody) closeSegment(i int) {
	if b.owned && b.segs[i].File != nil {
		_ = b.segs[i].File.Close()
		b.segs[i].File = nil
	}
}

func (b *fileBody) close() {
	for i := range b.segs {
		b.closeSegment(i)
	}
	b.segs = nil
	b.buf = nil
}

// Job is one in-flight response. It is created by Submit or OpenStream and
// released exactly once when its last Handle is released.
type Job struct {
	ID   string
	conn Conn
	pool *Pool
	body body
	keep bool
	line string
	log  *slog.Logger

	start    time.Time
	deadline time.Time
	pidx     int

	streaming bool

	// guarded by mu when streaming
	mu       sync.Mutex
	size     int64
	stream   streamState
	finished bool

	nsent       int64
	rateLimit   int
	currentRate int
	info        *poolInfo

	status driver.SockState
	err    error

	queue *jobQueue
	// counted is set once the writer thread added the job to the queue size.
	counted   bool
	refs      atomic.Int32
	released  atomic.Bool
	onRelease func(*Job)
}

// Sent returns the number of bytes transmitted so far.
func (j *Job) Sent() int64 { return j.nsent }

// RateLimit returns the job's current rate limit in KB/s.
func (j *Job) RateLimit() int { return j.rateLimit }

// CurrentRate returns the last measured rate in KB/s.
func (j *Job) CurrentRate() int { return j.currentRate }

func (j *Job) remaining() int64 {
	if !j.streaming {
		return j.size
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.size
}

func (j *Job) streamMode() streamState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stream
}

// release hands the connection back to its driver and frees the body. It
// runs exactly once, when the reference count drops to zero.
func (j *Job) release() {
	if !j.released.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("writer: job %s released twice", j.ID))
	}
	j.log.Debug("writer: closed sock",
		"job", j.ID, "fd", j.conn.Fd(), "status", j.status, "error", j.err, "sent", j.nsent)

	if j.pool != nil {
		j.pool.bytesSent.Add(j.nsent)
	}
	if j.queue != nil && j.counted {
		j.queue.Add(-1)
	}
	j.body.close()
	if j.onRelease != nil {
		j.onRelease(j)
	}
	if j.status != driver.SockReady {
		j.conn.Abort(j.status, j.err)
	} else {
		j.conn.Close(j.keep)
	}
}

// Handle is one counted reference to a Job. Each Handle releases its
// reference at most once; the job is released when the last one is.
type Handle struct {
	job  *Job
	done atomic.Bool
}

func newHandle(j *Job) *Handle {
	j.refs.Add(1)
	return &Handle{job: j}
}

// Job returns the referenced job.
func (h *Handle) Job() *Job { return h.job }

// Clone returns a new reference to the same job.
func (h *Handle) Clone() *Handle { return newHandle(h.job) }

// Release drops this reference. Further calls on the same Handle are no-ops.
func (h *Handle) Release() {
	if !h.done.CompareAndSwap(false, true) {
		return
	}
	if h.job.refs.Add(-1) == 0 {
		h.job.release()
	}
}

// DupFile returns an independent descriptor for f so the caller may close
// its own copy.
func DupFile(f *os.File) (*os.File, error) {
	fd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		return nil, fmt.Errorf("dup %s: %w", f.Name(), err)
	}
	return os.NewFile(uintptr(fd), f.Name()), nil
}
