// Package poll provides the readiness-multiplexing primitives shared by the
// driver, spooler, writer and async log threads: a growable poll set with a
// minimum-deadline tracker and a socket-pair trigger used as a pure wake-up
// signal.
package poll

import (
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/sys/unix"
)

const growBy = 100

// Set is a reusable array of poll registrations. It is owned by exactly one
// thread loop and is not safe for concurrent use.
type Set struct {
	fds     []unix.PollFd
	timeout time.Time
}

// NewSet returns an empty poll set.
func NewSet() *Set {
	return &Set{fds: make([]unix.PollFd, 0, growBy)}
}

// Reset clears all registrations and resets the minimum deadline to infinite.
func (s *Set) Reset() {
	s.fds = s.fds[:0]
	s.timeout = time.Time{}
}

// Add registers fd for the given events and returns its index. A non-zero
// deadline lowers the minimum deadline of the set if it is sooner.
func (s *Set) Add(fd int, events int16, deadline time.Time) int {
	if len(s.fds) == cap(s.fds) {
		grown := make([]unix.PollFd, len(s.fds), cap(s.fds)+growBy)
		copy(grown, s.fds)
		s.fds = grown
	}
	s.fds = append(s.fds, unix.PollFd{Fd: int32(fd), Events: events})
	if !deadline.IsZero() && (s.timeout.IsZero() || deadline.Before(s.timeout)) {
		s.timeout = deadline
	}
	return len(s.fds) - 1
}

// Len returns the number of registered descriptors.
func (s *Set) Len() int { return len(s.fds) }

// Fd returns the descriptor registered at idx.
func (s *Set) Fd(idx int) int { return int(s.fds[idx].Fd) }

// Deadline returns the earliest registered deadline, zero if none.
func (s *Set) Deadline() time.Time { return s.timeout }

// TimeoutUntil converts the minimum deadline into a poll timeout relative to
// now: idle when no deadline is registered, otherwise the remaining time plus
// one millisecond, never negative.
func (s *Set) TimeoutUntil(now time.Time, idle time.Duration) time.Duration {
	if s.timeout.IsZero() {
		return idle
	}
	diff := s.timeout.Sub(now)
	if diff <= 0 {
		return 0
	}
	return diff + time.Millisecond
}

// Wait blocks until a registered descriptor is ready or timeout elapses. A
// negative timeout waits forever. EINTR is retried transparently; any other
// failure is returned and must be treated as fatal by the caller.
func (s *Set) Wait(timeout time.Duration) (int, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(min(timeout.Milliseconds(), math.MaxInt32))
	}
	for i := range s.fds {
		s.fds[i].Revents = 0
	}
	for {
		n, err := unix.Poll(s.fds, ms)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return 0, fmt.Errorf("poll: %w", err)
		}
		return n, nil
	}
}

// Readable reports POLLIN on idx. Negative indexes are never ready.
func (s *Set) Readable(idx int) bool { return s.revents(idx)&unix.POLLIN != 0 }

// Writable reports POLLOUT on idx.
func (s *Set) Writable(idx int) bool { return s.revents(idx)&unix.POLLOUT != 0 }

// Hup reports POLLHUP on idx.
func (s *Set) Hup(idx int) bool { return s.revents(idx)&unix.POLLHUP != 0 }

func (s *Set) revents(idx int) int16 {
	if idx < 0 || idx >= len(s.fds) {
		return 0
	}
	return s.fds[idx].Revents
}
