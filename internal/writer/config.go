// Package writer transmits large and streamed responses from dedicated
// threads so connection threads return to the pool immediately. Each thread
// polls its jobs for writability, refills file-backed bodies from disk and
// throttles jobs to their byte-rate limit. With bandwidth management on,
// the limits of jobs in a rate-limited pool are nudged toward a fair share of
// the pool's aggregate limit.
package writer

import (
	"errors"
	"log/slog"
	"time"
)

var (
	// ErrTooSmall is returned when a response is below the writer size
	// threshold and the caller did not force the writer.
	ErrTooSmall = errors.New("writer: response below writer size")

	// ErrWriterDisabled is returned when no writer threads are configured.
	ErrWriterDisabled = errors.New("writer: no writer threads configured")

	// ErrStreamClosed is returned when appending to a stream whose job has
	// already been released, typically because the client went away.
	ErrStreamClosed = errors.New("writer: stream already closed")

	// ErrStreamingDisabled is returned by OpenStream when streaming is off.
	ErrStreamingDisabled = errors.New("writer: streaming disabled")

	errNoBody = errors.New("writer: response has no body source")
)

// Config holds writer settings. Rates are in KB/s, treated as bytes per
// millisecond.
type Config struct {
	Threads int

	// WriterSize is the smallest response handed to the writer unless the
	// caller forces it.
	WriterSize int64

	// BufSize is the read-ahead buffer of file-backed jobs.
	BufSize int

	// RateLimit is the default per-job rate, 0 for unlimited.
	RateLimit int

	// MinRate is the floor of shaped job rates.
	MinRate int

	// BandwidthManagement enables per-pool shaping.
	BandwidthManagement bool

	Streaming bool

	// SendWait is how long a job may stay unwritable.
	SendWait time.Duration

	// SampleBytes is how much must be sent before the measured rate is
	// considered meaningful.
	SampleBytes int64

	ShutdownTimeout time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns the stock writer settings.
func DefaultConfig() Config {
	return Config{
		Threads:         1,
		WriterSize:      1 << 20,
		BufSize:         8192,
		MinRate:         5,
		Streaming:       true,
		SendWait:        30 * time.Second,
		SampleBytes:     16384,
		ShutdownTimeout: 10 * time.Second,
	}
}
