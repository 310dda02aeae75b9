package driver

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// pairTransport serves sockets created with unix.Socketpair.
type pairTransport struct{}

func (pairTransport) Name() string { return "pair" }

func (pairTransport) Listen(string, int, int, bool) (int, error) {
	return -1, errors.New("pair transport does not listen")
}

func (pairTransport) Accept(int, *Sock) (AcceptStatus, error) {
	return AcceptError, unix.EAGAIN
}

func (pairTransport) Recv(s *Sock, bufs [][]byte, timeout time.Duration) (int, RecvState, error) {
	n, err := unix.Readv(s.fd, bufs)
	switch {
	case errors.Is(err, unix.EAGAIN):
		return 0, RecvAgain, nil
	case err != nil:
		return 0, RecvException, err
	case n == 0:
		return 0, RecvDone, nil
	}
	return n, RecvRead, nil
}

func (pairTransport) Send(s *Sock, bufs [][]byte) (int, error) {
	n, err := unix.Writev(s.fd, bufs)
	if errors.Is(err, unix.EAGAIN) {
		return 0, nil
	}
	return n, err
}

func (pairTransport) SendFile(*Sock, []FileSegment) (int64, error) {
	return 0, errors.New("not supported")
}

func (pairTransport) Keep(*Sock) bool { return true }

func (pairTransport) Close(s *Sock) {
	if s.fd >= 0 {
		_ = unix.Close(s.fd)
		s.fd = -1
	}
}

type testDispatcher struct {
	mu     sync.Mutex
	queued []*Sock
	full   bool
	onSock func(*Sock)
}

func (d *testDispatcher) Queue(s *Sock, now time.Time) bool {
	d.mu.Lock()
	if d.full {
		d.mu.Unlock()
		return false
	}
	d.queued = append(d.queued, s)
	fn := d.onSock
	d.mu.Unlock()
	if fn != nil {
		go fn(s)
	}
	return true
}

func (d *testDispatcher) EnsureRunning() {}

func (d *testDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queued)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDriver(t *testing.T, mutate func(*Config)) (*Driver, *testDispatcher) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Name = "test"
	if mutate != nil {
		mutate(&cfg)
	}
	disp := &testDispatcher{}
	d, err := New(cfg, Env{
		Transport:  pairTransport{},
		Dispatcher: disp,
		Logger:     discardLogger(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = d.trigger.Close() })
	return d, disp
}

// newTestSock returns a Sock attached to one end of a socket pair and the
// descriptor of the other end, which plays the client.
func newTestSock(t *testing.T, d *Driver) (*Sock, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	s := d.newSock()
	s.Attach(fds[0], &unix.SockaddrUnix{Name: "client"})
	t.Cleanup(func() {
		if s.fd >= 0 {
			_ = unix.Close(s.fd)
		}
		_ = unix.Close(fds[1])
	})
	return s, fds[1]
}

func writeAll(t *testing.T, fd int, data string) {
	t.Helper()
	b := []byte(data)
	for len(b) > 0 {
		n, err := unix.Write(fd, b)
		if err != nil {
			t.Fatalf("write: %v", err)
		}
		b = b[n:]
	}
}

func readAvailable(t *testing.T, fd int) string {
	t.Helper()
	buf := make([]byte, 4096)
	n, err := unix.Read(fd, buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return ""
		}
		t.Fatalf("read: %v", err)
	}
	return string(buf[:max(n, 0)])
}
