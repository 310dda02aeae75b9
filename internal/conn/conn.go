// Package conn is the application connection pool. Worker goroutines take
// ready sockets from the drivers, turn the parsed request into an
// http.Request, run the handler and deliver the response either directly
// on the socket or through the writer threads.
package conn

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goceleris/sockd/internal/driver"
	"github.com/goceleris/sockd/internal/writer"
)

// ErrPoolStopped is returned by Start after Stop.
var ErrPoolStopped = errors.New("connection pool stopped")

// Config holds the pool settings.
type Config struct {
	Name string
	// Workers is the number of worker goroutines kept running.
	Workers int
	// MaxQueue bounds the sockets waiting for a worker. A full queue makes
	// the driver retry on its next spin.
	MaxQueue int
	// ConnsPerWorker retires a worker after serving that many sockets; the
	// drivers restart it through EnsureRunning. Zero never retires.
	ConnsPerWorker int

	SendWait time.Duration

	// RateLimit is the per-response writer rate in KB/s, negative for the
	// writer default.
	RateLimit int

	Compress        bool
	CompressLevel   int
	CompressMinSize int

	// ServerName is sent in the Server header unless the handler sets one.
	ServerName string
}

// DefaultConfig returns the stock pool settings.
func DefaultConfig() Config {
	return Config{
		Name:            "default",
		Workers:         8,
		MaxQueue:        1024,
		SendWait:        30 * time.Second,
		RateLimit:       -1,
		CompressLevel:   6,
		CompressMinSize: 1024,
		ServerName:      "sockd",
	}
}

// Env carries the collaborators of a pool.
type Env struct {
	Handler http.Handler
	// Writer is optional; without it every response is sent by the worker.
	Writer *writer.Writer
	// WriterPool is the bandwidth pool responses are accounted to.
	WriterPool *writer.Pool
	// Raw owns sockets of drivers running in NoParse mode.
	Raw    func(s *driver.Sock)
	Logger *slog.Logger
}

// Stats are the pool counters.
type Stats struct {
	Served     uint64
	Failed     uint64
	Writer     uint64
	Streamed   uint64
	Compressed uint64
	Files      uint64
	Queued     int64
	Workers    int64
}

// Pool implements driver.Dispatcher.
type Pool struct {
	cfg Config
	env Env
	log *slog.Logger

	queue chan *driver.Sock

	mu      sync.Mutex
	started bool
	stopped bool
	done    chan struct{}
	wg      sync.WaitGroup
	running atomic.Int64
	nextID  atomic.Int64

	served     atomic.Uint64
	failed     atomic.Uint64
	writer     atomic.Uint64
	streamed   atomic.Uint64
	compressed atomic.Uint64
	files      atomic.Uint64
}

// New creates a pool. Workers run after Start.
func New(cfg Config, env Env) (*Pool, error) {
	if env.Handler == nil && env.Raw == nil {
		return nil, fmt.Errorf("pool %s: no handler", cfg.Name)
	}
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("pool %s: workers must be positive, got %d", cfg.Name, cfg.Workers)
	}
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = 1
	}
	if env.Logger == nil {
		env.Logger = slog.Default()
	}
	return &Pool{
		cfg:   cfg,
		env:   env,
		log:   env.Logger.With("pool", cfg.Name),
		queue: make(chan *driver.Sock, cfg.MaxQueue),
		done:  make(chan struct{}),
	}, nil
}

// Config returns the pool configuration.
func (p *Pool) Config() Config { return p.cfg }

// Start launches the workers.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrPoolStopped
	}
	p.started = true
	p.spawnLocked()
	p.log.Info("connection pool started", "workers", p.cfg.Workers, "max_queue", p.cfg.MaxQueue)
	return nil
}

// Queue implements driver.Dispatcher. It never blocks.
func (p *Pool) Queue(s *driver.Sock, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}
	select {
	case p.queue <- s:
	default:
		return false
	}
	if p.started && p.running.Load() < int64(p.cfg.Workers) {
		p.spawnLocked()
	}
	return true
}

// EnsureRunning implements driver.Dispatcher: retired workers are replaced.
func (p *Pool) EnsureRunning() {
	if p.running.Load() >= int64(p.cfg.Workers) {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started && !p.stopped {
		p.spawnLocked()
	}
}

func (p *Pool) spawnLocked() {
	for p.running.Load() < int64(p.cfg.Workers) {
		p.running.Add(1)
		p.wg.Add(1)
		go p.worker(p.nextID.Add(1))
	}
}

// Stop lets in-flight requests finish for up to timeout and closes the
// sockets still waiting for a worker. It reports whether every worker exited.
func (p *Pool) Stop(timeout time.Duration) bool {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return true
	}
	p.stopped = true
	close(p.done)
	p.mu.Unlock()

	exited := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(exited)
	}()

	ok := true
	select {
	case <-exited:
	case <-time.After(timeout):
		p.log.Warn("timeout waiting for connection pool exit", "running", p.running.Load())
		ok = false
	}

	for {
		select {
		case s := <-p.queue:
			s.Close(false)
		default:
			return ok
		}
	}
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Served:     p.served.Load(),
		Failed:     p.failed.Load(),
		Writer:     p.writer.Load(),
		Streamed:   p.streamed.Load(),
		Compressed: p.compressed.Load(),
		Files:      p.files.Load(),
		Queued:     int64(len(p.queue)),
		Workers:    p.running.Load(),
	}
}

// Counters returns the pool counters for the stats snapshotter.
func (p *Pool) Counters() map[string]int64 {
	st := p.Stats()
	return map[string]int64{
		"served":     int64(st.Served),
		"failed":     int64(st.Failed),
		"writer":     int64(st.Writer),
		"streamed":   int64(st.Streamed),
		"compressed": int64(st.Compressed),
		"files":      int64(st.Files),
		"queued":     st.Queued,
		"workers":    st.Workers,
	}
}

func (p *Pool) worker(id int64) {
	defer p.wg.Done()
	retired := false
	defer func() {
		if !retired {
			p.running.Add(-1)
		}
	}()

	log := p.log.With("worker", id)
	log.Debug("worker started")
	served := 0
	for {
		select {
		case <-p.done:
			log.Debug("worker exiting")
			return
		case s := <-p.queue:
			served++
			if p.cfg.ConnsPerWorker > 0 && served >= p.cfg.ConnsPerWorker {
				// A replacement may start while the last socket is served.
				retired = true
				p.running.Add(-1)
				p.serve(s)
				log.Debug("worker retiring", "served", served)
				return
			}
			p.serve(s)
		}
	}
}

// serve runs one exchange. Afterwards the socket is owned by its driver or
// by a writer job.
func (p *Pool) serve(s *driver.Sock) {
	dcfg := s.Driver().Config()
	if !dcfg.Async {
		if state := s.ReadRequest(); state != driver.SockReady {
			s.Abort(state, nil)
			return
		}
	}
	if dcfg.NoParse {
		if p.env.Raw == nil {
			s.Abort(driver.SockBadRequest, nil)
			return
		}
		p.env.Raw(s)
		return
	}
	if s.Request() == nil {
		fatalf(p.log, "pool %s: socket %d queued without a request", p.cfg.Name, s.Fd())
	}

	req, err := newRequest(s)
	if err != nil {
		p.failed.Add(1)
		p.log.Debug("rejecting request", "fd", s.Fd(), "peer", s.Peer(), "error", err)
		s.Abort(driver.SockBadRequest, err)
		return
	}

	p.served.Add(1)
	w := newResponse(p, s, req)
	p.invoke(w, req)
	w.finish()
}

func (p *Pool) invoke(w *response, req *http.Request) {
	defer func() {
		if v := recover(); v != nil {
			if v == http.ErrAbortHandler {
				w.abortf(nil)
				return
			}
			p.log.Error("handler panic", "fd", w.fd, "line", w.line.Line, "panic", v)
			w.abortf(fmt.Errorf("handler panic: %v", v))
		}
	}()
	defer func() {
		if req.Body != nil {
			_ = req.Body.Close()
		}
	}()
	p.env.Handler.ServeHTTP(w, req)
}

func fatalf(log *slog.Logger, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Error(msg)
	panic(msg)
}
