// Package driver owns the listening sockets and every accepted connection up
// to the point where a fully parsed request is handed to the application
// connection pool. It runs one driver thread per Driver plus optional spooler
// threads for large uploads.
package driver

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/goceleris/sockd/internal/handoff"
	"github.com/goceleris/sockd/internal/poll"
	"github.com/goceleris/sockd/internal/stats"
)

// ErrNoSpooler is returned when a socket is handed to spooling but the
// driver runs no spooler threads.
var ErrNoSpooler = errors.New("no spooler threads")

// Config holds the limits and timeouts of one driver.
type Config struct {
	Name      string
	Address   string // space separated bind addresses, empty for any
	Port      int
	Backlog   int
	ReusePort bool

	BufSize    int
	MaxInput   int
	MaxUpload  int
	UploadPath string
	ReadAhead  int
	MaxLine    int
	MaxHeaders int

	MaxQueueSize int
	AcceptSize   int

	RecvWait  time.Duration
	SendWait  time.Duration
	CloseWait time.Duration
	KeepWait  time.Duration

	SpoolerThreads int

	// Async reads request bytes on the driver thread; otherwise the
	// consumer reads them with Sock.ReadRequest.
	Async bool
	// NoParse hands raw bytes to the application after any receive.
	NoParse bool

	Server   string
	Location string
	Hosts    map[string]ServerMap

	ShutdownTimeout time.Duration
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		Name:            "http",
		Port:            8080,
		Backlog:         256,
		BufSize:         16384,
		MaxInput:        1 << 20,
		MaxLine:         8192,
		MaxHeaders:      128,
		ReadAhead:       16384,
		MaxQueueSize:    1024,
		AcceptSize:      10,
		RecvWait:        30 * time.Second,
		SendWait:        30 * time.Second,
		CloseWait:       2 * time.Second,
		KeepWait:        5 * time.Second,
		Async:           true,
		Server:          "default",
		ShutdownTimeout: 10 * time.Second,
	}
}

// Dispatcher is the application connection pool side of the hand-off.
type Dispatcher interface {
	// Queue offers a ready socket. It returns false when the pool is full;
	// the driver retries on its next spin.
	Queue(s *Sock, now time.Time) bool
	// EnsureRunning lets the pool restart worker threads that have exited.
	EnsureRunning()
}

// Env carries the collaborators shared by every driver of a process.
type Env struct {
	Transport  Transport
	Dispatcher Dispatcher
	Requests   *RequestPool
	Logger     *slog.Logger
}

// Stats are per-driver counters.
type Stats struct {
	Spooled   uint64
	Partial   uint64
	Errors    uint64
	Received  uint64
	QueueSize int64
}

// Driver is one listener set and its driver thread.
type Driver struct {
	cfg       Config
	transport Transport
	dispatch  Dispatcher
	requests  *RequestPool
	log       *slog.Logger
	latency   *stats.LatencyRecorder

	listeners []int
	trigger   *poll.Trigger

	mu       sync.Mutex
	free     []*Sock
	closing  []*Sock
	shutdown bool
	// exited is set once the driver thread has released its sockets and
	// closed the trigger.
	exited bool

	queueSize atomic.Int64
	spooled   atomic.Uint64
	partial   atomic.Uint64
	errors    atomic.Uint64
	received  atomic.Uint64

	spoolers  []*handoff.Queue[*Sock]
	spoolNext atomic.Uint32

	done chan struct{}
}

// New creates a driver. Nothing is bound until Start.
func New(cfg Config, env Env) (*Driver, error) {
	if env.Transport == nil {
		return nil, fmt.Errorf("driver %s: no transport", cfg.Name)
	}
	if env.Dispatcher == nil {
		return nil, fmt.Errorf("driver %s: no dispatcher", cfg.Name)
	}
	if env.Requests == nil {
		env.Requests = NewRequestPool()
	}
	if env.Logger == nil {
		env.Logger = slog.Default()
	}
	if cfg.Location == "" {
		host := strings.Fields(cfg.Address)
		h := "localhost"
		if len(host) > 0 {
			h = host[0]
		}
		cfg.Location = fmt.Sprintf("http://%s:%d", h, cfg.Port)
	}

	trigger, err := poll.NewTrigger()
	if err != nil {
		return nil, fmt.Errorf("driver %s: %w", cfg.Name, err)
	}

	return &Driver{
		cfg:       cfg,
		transport: env.Transport,
		dispatch:  env.Dispatcher,
		requests:  env.Requests,
		log:       env.Logger.With("driver", cfg.Name),
		latency:   stats.NewLatencyRecorder(),
		trigger:   trigger,
		done:      make(chan struct{}),
	}, nil
}

// Name returns the driver name.
func (d *Driver) Name() string { return d.cfg.Name }

// Config returns the driver configuration.
func (d *Driver) Config() Config { return d.cfg }

// Transport returns the injected transport.
func (d *Driver) Transport() Transport { return d.transport }

// Latency returns the accept-to-ready latency recorder.
func (d *Driver) Latency() *stats.LatencyRecorder { return d.latency }

// Stats returns a snapshot of the driver counters.
func (d *Driver) Stats() Stats {
	return Stats{
		Spooled:   d.spooled.Load(),
		Partial:   d.partial.Load(),
		Errors:    d.errors.Load(),
		Received:  d.received.Load(),
		QueueSize: d.queueSize.Load(),
	}
}

// Addrs returns the bound listener addresses with the actual ports.
func (d *Driver) Addrs() []string {
	addrs := make([]string, 0, len(d.listeners))
	for _, fd := range d.listeners {
		sa, err := unix.Getsockname(fd)
		if err != nil {
			continue
		}
		switch a := sa.(type) {
		case *unix.SockaddrInet4:
			addrs = append(addrs, netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port)).String())
		case *unix.SockaddrInet6:
			addrs = append(addrs, netip.AddrPortFrom(netip.AddrFrom16(a.Addr), uint16(a.Port)).String())
		}
	}
	return addrs
}

// Start binds every configured address, starts the spooler threads and the
// driver thread. It fails when no address could be bound.
func (d *Driver) Start() error {
	addrs := strings.Fields(d.cfg.Address)
	if len(addrs) == 0 {
		addrs = []string{""}
	}
	for _, a := range addrs {
		fd, err := d.transport.Listen(a, d.cfg.Port, d.cfg.Backlog, d.cfg.ReusePort)
		if err != nil {
			d.log.Error("failed to listen", "address", a, "port", d.cfg.Port, "error", err)
			continue
		}
		d.log.Info("listening", "address", a, "port", d.cfg.Port, "transport", d.transport.Name())
		d.listeners = append(d.listeners, fd)
	}
	if len(d.listeners) == 0 {
		d.mu.Lock()
		d.exited = true
		_ = d.trigger.Close()
		d.mu.Unlock()
		return fmt.Errorf("driver %s: could not bind any of the addresses %q", d.cfg.Name, d.cfg.Address)
	}
	if len(d.listeners) < len(addrs) {
		d.log.Warn("could only bind some addresses", "bound", len(d.listeners), "configured", len(addrs))
	}

	for i := 0; i < d.cfg.SpoolerThreads; i++ {
		q, err := handoff.New[*Sock]("spooler", i)
		if err != nil {
			return fmt.Errorf("driver %s: %w", d.cfg.Name, err)
		}
		d.spoolers = append(d.spoolers, q)
		go d.spoolerThread(q)
	}

	go d.run()
	return nil
}

// Stop signals the driver thread to shut down and waits up to timeout for it
// and the spooler threads to exit. It reports whether everything stopped.
func (d *Driver) Stop(timeout time.Duration) bool {
	d.mu.Lock()
	d.shutdown = true
	var err error
	if !d.exited {
		err = d.trigger.Fire()
	}
	d.mu.Unlock()
	if err != nil {
		fatalf(d.log, "driver trigger failed: %v", err)
	}

	ok := true
	select {
	case <-d.done:
	case <-time.After(timeout):
		d.log.Warn("timeout waiting for driver thread to exit")
		ok = false
	}
	for _, q := range d.spoolers {
		if !q.Stop(timeout) {
			d.log.Warn("timeout waiting for thread to exit", "thread", q.ThreadName())
			ok = false
		}
	}
	return ok
}

// newSock takes a Sock from the free list or allocates one.
func (d *Driver) newSock() *Sock {
	d.mu.Lock()
	var s *Sock
	if n := len(d.free); n > 0 {
		s = d.free[n-1]
		d.free[n-1] = nil
		d.free = d.free[:n-1]
	}
	d.mu.Unlock()

	if s == nil {
		s = &Sock{drv: d}
	}
	s.reuse()
	return s
}

func (d *Driver) recycle(s *Sock) {
	d.mu.Lock()
	d.free = append(d.free, s)
	d.mu.Unlock()
}

// release closes the connection and returns the Sock to the free list.
func (d *Driver) release(s *Sock, reason SockState, err error) {
	d.log.Debug("release", "reason", reason, "fd", s.fd, "error", err)

	s.sockError(reason, err)
	if s.fd >= 0 {
		d.transport.Close(s)
		s.fd = -1
	}
	s.finish(false)
	d.queueSize.Add(-1)
	if s.req != nil {
		s.freeRequest()
	}
	d.recycle(s)
}

// closeSock hands a socket back from another thread. The driver thread picks
// it up after its next wake-up.
func (d *Driver) closeSock(s *Sock, keep bool) {
	s.finish(keep)
	if s.req != nil {
		s.freeRequest()
	}

	d.mu.Lock()
	if d.exited {
		d.mu.Unlock()
		d.release(s, SockClose, nil)
		return
	}
	var err error
	if len(d.closing) == 0 {
		err = d.trigger.Fire()
	}
	d.closing = append(d.closing, s)
	d.mu.Unlock()

	if err != nil {
		fatalf(d.log, "driver trigger failed: %v", err)
	}
}

// exit marks the driver thread as gone and closes its trigger. Sockets
// handed back after this are released by closeSock directly.
func (d *Driver) exit() []*Sock {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.exited = true
	if err := d.trigger.Close(); err != nil {
		d.log.Warn("driver: closing trigger failed", "error", err)
	}
	late := d.closing
	d.closing = nil
	return late
}

// queue resolves the virtual server and offers s to the connection pool.
func (d *Driver) queue(s *Sock, now time.Time) bool {
	s.server = d.cfg.Server
	s.location = d.cfg.Location
	if s.req != nil && s.req.hasLine {
		s.setServer()
	}
	if !d.dispatch.Queue(s, now) {
		return false
	}
	d.received.Add(1)
	if !s.acceptTime.IsZero() {
		d.latency.Record(now.Sub(s.acceptTime))
	}
	return true
}

// spool hands s to the next spooler thread in round-robin order.
func (d *Driver) spool(s *Sock) error {
	if len(d.spoolers) == 0 {
		return ErrNoSpooler
	}
	i := int(d.spoolNext.Add(1)-1) % len(d.spoolers)
	q := d.spoolers[i]
	d.log.Debug("spooler started", "thread", q.ThreadName(), "fd", s.fd, "length", s.req.length)
	if err := q.Push(s); err != nil {
		fatalf(d.log, "%s: trigger failed: %v", q.ThreadName(), err)
	}
	return nil
}

// fatalf logs and aborts. It marks event-loop failures and broken ownership
// invariants, which cannot be recovered from.
func fatalf(log *slog.Logger, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Error(msg)
	panic(msg)
}
