package poll

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Trigger is a self-connected socket pair. Fire writes a single byte to wake
// the thread polling the read end; the byte carries no data.
type Trigger struct {
	r, w int

	closeOnce sync.Once
	closeErr  error
}

// NewTrigger creates a non-blocking socket pair.
func NewTrigger() (*Trigger, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socketpair: %w", err)
	}
	return &Trigger{r: fds[0], w: fds[1]}, nil
}

// Fd returns the descriptor to register for POLLIN.
func (t *Trigger) Fd() int { return t.r }

// Fire wakes the poller. A full socket buffer already guarantees a wake-up,
// so EAGAIN is not an error.
func (t *Trigger) Fire() error {
	_, err := unix.Write(t.w, []byte{0})
	if err != nil && !errors.Is(err, unix.EAGAIN) {
		return fmt.Errorf("trigger send: %w", err)
	}
	return nil
}

// Drain consumes pending wake-up bytes after the read end polled readable.
func (t *Trigger) Drain() error {
	var buf [64]byte
	n, err := unix.Read(t.r, buf[:])
	if err != nil {
		return fmt.Errorf("trigger recv: %w", err)
	}
	if n == 0 {
		return errors.New("trigger recv: peer closed")
	}
	return nil
}

// Close releases both ends. Later calls return the first result.
func (t *Trigger) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = unix.Close(t.r)
		if werr := unix.Close(t.w); t.closeErr == nil {
			t.closeErr = werr
		}
	})
	return t.closeErr
}
