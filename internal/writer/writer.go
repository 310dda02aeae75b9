package writer

import (
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/goceleris/sockd/internal/driver"
	"github.com/goceleris/sockd/internal/handoff"
)

type jobQueue = handoff.Queue[*Handle]

// Writer is a set of writer threads. Jobs are assigned round-robin.
type Writer struct {
	cfg     Config
	log     *slog.Logger
	queues  []*jobQueue
	next    atomic.Uint64
	started atomic.Bool
}

// New creates the writer queues. Threads run after Start.
func New(cfg Config) (*Writer, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	w := &Writer{cfg: cfg, log: logger.With("component", "writer")}
	for i := range cfg.Threads {
		q, err := handoff.New[*Handle]("writer", i)
		if err != nil {
			for _, q := range w.queues {
				q.MarkStopped()
				q.Stop(0)
			}
			return nil, fmt.Errorf("create writer queue: %w", err)
		}
		w.queues = append(w.queues, q)
	}
	return w, nil
}

// Config returns the writer configuration.
func (w *Writer) Config() Config { return w.cfg }

// Enabled reports whether jobs can be submitted.
func (w *Writer) Enabled() bool { return len(w.queues) > 0 && w.started.Load() }

// Start launches one thread per queue.
func (w *Writer) Start() {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	for _, q := range w.queues {
		go newThread(w, q).run()
	}
	w.log.Info("writer threads started", "threads", len(w.queues), "rate_limit", w.cfg.RateLimit)
}

// Stop shuts every thread down, waiting up to timeout for each.
func (w *Writer) Stop(timeout time.Duration) bool {
	ok := true
	for _, q := range w.queues {
		if !q.Stop(timeout) {
			w.log.Warn("timeout waiting for writer thread to exit", "thread", q.ThreadName())
			ok = false
		}
	}
	return ok
}

// Active returns the number of jobs currently held by the writer threads.
func (w *Writer) Active() int {
	n := 0
	for _, q := range w.queues {
		n += q.Size()
	}
	return n
}

// Response describes a response handed to the writer. The body comes from
// Files (read through the writer buffer) or Bufs (sent from memory).
type Response struct {
	Conn Conn
	Pool *Pool

	// Header is sent in front of the body.
	Header []byte

	Bufs [][]byte
	// Mapped is a memory mapping backing Bufs. The writer sends Bufs
	// without copying and unmaps Mapped on release.
	Mapped []byte

	// Files are duplicated; the caller keeps ownership of its own files.
	Files []driver.FileSegment

	Keep bool

	// RateLimit in KB/s; negative selects the writer default.
	RateLimit int

	// Force submits responses below WriterSize.
	Force bool

	// Start is when the exchange began; rate accounting runs from here.
	Start time.Time

	// Line is the request line, for logs.
	Line string

	// OnRelease runs once when the job is released, just before the
	// connection is handed back to its driver.
	OnRelease func(*Job)
}

func (r *Response) bodyLength() int64 {
	var n int64
	for _, b := range r.Bufs {
		n += int64(len(b))
	}
	for _, seg := range r.Files {
		n += seg.Length
	}
	return n
}

// Submit queues r and returns the job ID. ErrTooSmall and ErrWriterDisabled
// tell the caller to send the response itself.
func (w *Writer) Submit(r Response) (string, error) {
	if !w.Enabled() {
		return "", ErrWriterDisabled
	}
	length := r.bodyLength()
	if length < w.cfg.WriterSize && !r.Force {
		w.log.Debug("writer: response too small", "size", length, "writer_size", w.cfg.WriterSize)
		return "", ErrTooSmall
	}

	j := w.newJob(r)
	switch {
	case len(r.Files) > 0:
		fb, err := w.newFileBody(j, r.Header, r.Files, length)
		if err != nil {
			return "", err
		}
		j.body = fb
	case len(r.Bufs) > 0:
		j.body = newMemBody(r.Header, r.Bufs, r.Mapped)
	default:
		return "", errNoBody
	}
	j.size = int64(len(r.Header)) + length

	w.enqueue(newHandle(j))
	return j.ID, nil
}

func (w *Writer) newJob(r Response) *Job {
	start := r.Start
	if start.IsZero() {
		start = time.Now()
	}
	var poolLimit int
	if r.Pool != nil {
		poolLimit = r.Pool.Limit
		r.Pool.jobs.Add(1)
	}
	j := &Job{
		ID:        uuid.NewString(),
		conn:      r.Conn,
		pool:      r.Pool,
		keep:      r.Keep,
		line:      r.Line,
		log:       w.log,
		start:     start,
		pidx:      -1,
		status:    driver.SockReady,
		onRelease: r.OnRelease,
		rateLimit: initialRate(r.RateLimit, w.cfg.RateLimit, poolLimit, w.cfg.MinRate, w.cfg.BandwidthManagement),
	}
	w.log.Debug("writer: initial rate limit", "job", j.ID, "fd", r.Conn.Fd(), "rate", j.rateLimit)
	return j
}

func newMemBody(header []byte, bufs [][]byte, mapped []byte) *memBody {
	b := &memBody{mapped: mapped}
	if len(header) > 0 {
		b.bufs = append(b.bufs, append([]byte(nil), header...))
	}
	for _, buf := range bufs {
		if len(buf) == 0 {
			continue
		}
		if mapped == nil {
			buf = append([]byte(nil), buf...)
		}
		b.bufs = append(b.bufs, buf)
	}
	return b
}

// newFileBody duplicates the segment files and places the header in front
// of the read buffer.
func (w *Writer) newFileBody(j *Job, header []byte, files []driver.FileSegment, length int64) (*fileBody, error) {
	b := &fileBody{job: j, toRead: length, owned: true}
	for _, seg := range files {
		if seg.File == nil {
			b.close()
			return nil, errNoBody
		}
		f, err := DupFile(seg.File)
		if err != nil {
			b.close()
			return nil, err
		}
		b.segs = append(b.segs, driver.FileSegment{File: f, Offset: seg.Offset, Length: seg.Length})
	}
	b.buf = make([]byte, max(w.cfg.BufSize, len(header)))
	b.n = copy(b.buf, header)
	return b, nil
}

func (w *Writer) enqueue(h *Handle) {
	i := int(w.next.Add(1)-1) % len(w.queues)
	q := w.queues[i]
	h.job.queue = q
	w.log.Debug("writer: started",
		"job", h.job.ID, "thread", q.ThreadName(), "fd", h.job.conn.Fd(),
		"size", h.job.size, "rate", h.job.rateLimit, "line", h.job.line)
	if err := q.Push(h); err != nil {
		fatalf(w.log, "%s: trigger failed: %v", q.ThreadName(), err)
	}
}

// Stream is a live response: the application appends data while the writer
// thread transmits it from a shared spool file.
type Stream struct {
	h    *Handle
	body *fileBody
	file *os.File
	end  int64
}

// OpenStream starts a streaming job with the header and initial Bufs of r.
// The caller must call Finish when done producing.
func (w *Writer) OpenStream(r Response) (*Stream, error) {
	if !w.Enabled() {
		return nil, ErrWriterDisabled
	}
	if !w.cfg.Streaming {
		return nil, ErrStreamingDisabled
	}
	f, err := os.CreateTemp("", "sockd-stream-*")
	if err != nil {
		return nil, fmt.Errorf("create stream spool: %w", err)
	}
	_ = os.Remove(f.Name())

	var end int64
	for _, b := range r.Bufs {
		n, err := f.WriteAt(b, end)
		end += int64(n)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("spool stream: %w", err)
		}
	}

	j := w.newJob(r)
	j.streaming = true
	j.stream = streamActive
	body := &fileBody{
		job:    j,
		segs:   []driver.FileSegment{{File: f}},
		toRead: end,
		owned:  true,
		buf:    make([]byte, max(w.cfg.BufSize, len(r.Header))),
	}
	body.n = copy(body.buf, r.Header)
	j.body = body
	j.size = int64(len(r.Header)) + end

	h := newHandle(j)
	s := &Stream{h: h.Clone(), body: body, file: f, end: end}
	w.enqueue(h)
	return s, nil
}

// ID returns the job ID of the stream.
func (s *Stream) ID() string { return s.h.job.ID }

// Write appends p to the stream.
func (s *Stream) Write(p []byte) (int, error) {
	j := s.h.job
	j.mu.Lock()
	if j.finished || j.stream != streamActive {
		j.mu.Unlock()
		return 0, ErrStreamClosed
	}
	n, err := s.file.WriteAt(p, s.end)
	s.end += int64(n)
	j.size += int64(n)
	s.body.toRead += int64(n)
	j.mu.Unlock()

	if err != nil {
		return n, fmt.Errorf("spool stream: %w", err)
	}
	if q := j.queue; !q.ShuttingDown() {
		if err := q.Wake(); err != nil {
			fatalf(j.log, "writer: trigger failed: %v", err)
		}
	}
	return n, nil
}

// Finish tells the writer no more data follows and drops the stream's
// reference. It is safe to call more than once.
func (s *Stream) Finish() {
	j := s.h.job
	j.mu.Lock()
	if j.stream == streamActive {
		j.stream = streamFinish
	}
	j.mu.Unlock()
	if q := j.queue; q != nil && !q.ShuttingDown() {
		_ = q.Wake()
	}
	s.h.Release()
}

func fatalf(log *slog.Logger, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Error(msg)
	panic(msg)
}
