// Package asynclog writes pre-formatted buffers to file descriptors from a
// background thread so that callers, typically loggers on connection
// threads, never block on disk I/O. When the writer is disabled or not
// started, writes happen synchronously in the caller.
package asynclog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/goceleris/sockd/internal/handoff"
	"github.com/goceleris/sockd/internal/poll"
)

const (
	idleWait    = 30 * time.Second
	syncRetries = 100
)

// Config configures the writer thread.
type Config struct {
	// ShutdownTimeout bounds how long Disable waits for the queue to drain.
	ShutdownTimeout time.Duration

	// Stderr receives raw warnings; os.Stderr when nil.
	Stderr io.Writer
}

type entry struct {
	fd    int
	buf   []byte
	flush chan struct{}
}

// Writer is the async log-writer. The zero value and nil are valid and
// write synchronously.
type Writer struct {
	q       *handoff.Queue[*entry]
	timeout time.Duration
	stderr  io.Writer

	// mu orders queueing against Disable, so nothing is pushed once the
	// flush marker is queued.
	mu       sync.Mutex
	enabled  atomic.Bool
	stopping bool
}

// Start creates the writer and its thread, enabled.
func Start(cfg Config) (*Writer, error) {
	q, err := handoff.New[*entry]("asynclogwriter", 0)
	if err != nil {
		return nil, fmt.Errorf("start async log writer: %w", err)
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	w := &Writer{q: q, timeout: cfg.ShutdownTimeout, stderr: cfg.Stderr}
	if w.stderr == nil {
		w.stderr = os.Stderr
	}
	w.enabled.Store(true)
	go w.run()
	return w, nil
}

// Enabled reports whether writes are queued to the thread.
func (w *Writer) Enabled() bool {
	return w != nil && w.q != nil && w.enabled.Load()
}

// Enable re-activates queued writing after Disable(false).
func (w *Writer) Enable() {
	if w == nil || w.q == nil {
		return
	}
	w.mu.Lock()
	if !w.stopping {
		w.enabled.Store(true)
	}
	w.mu.Unlock()
}

// Disable switches to synchronous writes and waits, up to the shutdown
// timeout, until everything queued so far is on disk. With shutdown set the
// thread exits as well.
func (w *Writer) Disable(shutdown bool) bool {
	if w == nil || w.q == nil {
		return true
	}
	w.mu.Lock()
	w.enabled.Store(false)
	if shutdown {
		w.stopping = true
	}
	w.mu.Unlock()

	ok := true
	if !w.q.ShuttingDown() {
		done := make(chan struct{})
		if err := w.q.Push(&entry{flush: done}); err != nil {
			w.warnf("async log writer: trigger failed: %v\n", err)
			return false
		}
		select {
		case <-done:
		case <-time.After(w.timeout):
			ok = false
		}
	}
	if shutdown && !w.q.Stop(w.timeout) {
		ok = false
	}
	return ok
}

// Write hands a copy of p to the thread for fd and returns immediately.
// When the writer is disabled it writes synchronously, retrying partial
// writes, and reports data that could not be written.
func (w *Writer) Write(fd int, p []byte) error {
	if !w.Enabled() {
		return w.writeSync(fd, p)
	}
	w.mu.Lock()
	queued := false
	if w.enabled.Load() {
		queued = w.q.Push(&entry{fd: fd, buf: append([]byte(nil), p...)}) == nil
	}
	w.mu.Unlock()
	if !queued {
		return w.writeSync(fd, p)
	}
	return nil
}

func (w *Writer) writeSync(fd int, p []byte) error {
	n, err := unix.Write(fd, p)
	if err == nil && n == len(p) {
		return nil
	}
	for retries := syncRetries; retries > 0; retries-- {
		if err != nil {
			w.warnf("error during async write (fd %d): %v\n", fd, err)
			return fmt.Errorf("write fd %d: %w", fd, err)
		}
		WriteWarningRaw(w.warnings(), "partial write", fd, len(p), n)
		p = p[n:]
		n, err = unix.Write(fd, p)
		if err == nil && n == len(p) {
			return nil
		}
	}
	return fmt.Errorf("write fd %d: %w", fd, io.ErrShortWrite)
}

func (w *Writer) warnings() io.Writer {
	if w == nil || w.stderr == nil {
		return os.Stderr
	}
	return w.stderr
}

func (w *Writer) warnf(format string, args ...any) {
	_, _ = fmt.Fprintf(w.warnings(), format, args...)
}

// WriteWarningRaw reports an incomplete write on out without going through
// the logging system, which may itself be the one writing.
func WriteWarningRaw(out io.Writer, msg string, fd, wanted, written int) {
	_, _ = fmt.Fprintf(out, "Warning: %s: only %d of %d bytes written (fd %d)\n", msg, written, wanted, fd)
}

func (w *Writer) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer w.q.MarkStopped()

	ps := poll.NewSet()
	var pending []*entry
	for {
		ps.Reset()
		ps.Add(w.q.TriggerFd(), unix.POLLIN, time.Time{})
		timeout := idleWait
		if len(pending) > 0 {
			timeout = 0
		}
		if _, err := ps.Wait(timeout); err != nil {
			panic(fmt.Sprintf("asynclogwriter: poll failed: %v", err))
		}
		if ps.Readable(0) {
			if err := w.q.Drain(); err != nil {
				panic(fmt.Sprintf("asynclogwriter: trigger drain failed: %v", err))
			}
		}

		pending = w.writeAll(append(pending, w.q.Take()...))

		if w.q.ShuttingDown() {
			w.drain(pending, "drain writer")
			w.drain(w.q.Take(), "drain queue")
			return
		}
	}
}

// writeAll writes as much as possible of every entry and returns those with
// data left. A flush marker drains everything before it synchronously. An
// fd with a partially written entry is skipped for the rest of the spin to
// keep its data in order.
func (w *Writer) writeAll(entries []*entry) []*entry {
	var next []*entry
	var blocked map[int]bool
	for i, e := range entries {
		if e.flush != nil {
			w.drain(next, "drain writer")
			next, blocked = nil, nil
			close(e.flush)
			continue
		}
		if blocked[e.fd] {
			next = append(next, e)
			continue
		}
		n, err := unix.Write(e.fd, e.buf)
		switch {
		case err != nil && !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EINTR):
			w.warnf("error during async write (fd %d): %v\n", e.fd, err)
			continue
		case n > 0:
			e.buf = e.buf[n:]
		}
		if len(e.buf) > 0 {
			if blocked == nil {
				blocked = make(map[int]bool, len(entries)-i)
			}
			blocked[e.fd] = true
			next = append(next, e)
		}
	}
	return next
}

// drain writes entries synchronously, reporting losses on stderr.
func (w *Writer) drain(entries []*entry, what string) {
	for _, e := range entries {
		if e.flush != nil {
			close(e.flush)
			continue
		}
		if len(e.buf) == 0 {
			continue
		}
		wanted := len(e.buf)
		if err := w.writeSync(e.fd, e.buf); err != nil {
			WriteWarningRaw(w.warnings(), what, e.fd, wanted, 0)
		}
	}
}

// FileWriter is an io.Writer for one file that goes through a Writer. It
// lets a slog handler write its records via the async thread.
type FileWriter struct {
	w  *Writer
	f  *os.File
	fd int
}

// NewFileWriter wraps f. The file must stay open while the Writer runs.
func NewFileWriter(w *Writer, f *os.File) *FileWriter {
	return &FileWriter{w: w, f: f, fd: int(f.Fd())}
}

func (fw *FileWriter) Write(p []byte) (int, error) {
	if err := fw.w.Write(fw.fd, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close disables queued writes, so everything reaches the file, and closes it.
func (fw *FileWriter) Close() error {
	fw.w.Disable(false)
	return fw.f.Close()
}
