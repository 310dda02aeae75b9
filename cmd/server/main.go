// Package main runs the sockd HTTP server: driver threads accepting and
// parsing requests, a connection pool running the application router and
// writer threads sending large responses.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/goceleris/sockd/internal/asynclog"
	"github.com/goceleris/sockd/internal/config"
	"github.com/goceleris/sockd/internal/conn"
	"github.com/goceleris/sockd/internal/driver"
	"github.com/goceleris/sockd/internal/stats"
	"github.com/goceleris/sockd/internal/writer"
	"github.com/goceleris/sockd/servers"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx, os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "sockd: %v\n", err)
		os.Exit(2)
	}

	if err := run(ctx, cfg); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, closeLog, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	slog.Info("sockd starting",
		"router", cfg.Router,
		"drivers", cfg.Drivers,
		"writer_threads", cfg.Writer.Threads,
		"workers", cfg.Conn.Workers)

	handler, err := servers.NewHandler(cfg.Router, cfg.Conn.ServerName)
	if err != nil {
		return err
	}

	wcfg := cfg.Writer
	wcfg.Logger = logger
	w, err := writer.New(wcfg)
	if err != nil {
		return err
	}
	w.Start()
	wpool := writer.NewPool(cfg.PoolName, cfg.PoolLimit)

	pool, err := conn.New(cfg.Conn, conn.Env{
		Handler:    handler,
		Writer:     w,
		WriterPool: wpool,
		Raw:        rawHello(cfg.Conn.SendWait),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	if err := pool.Start(); err != nil {
		return err
	}

	transport, err := newTransport(cfg)
	if err != nil {
		return err
	}
	requests := driver.NewRequestPool()
	drivers := make([]*driver.Driver, 0, cfg.Drivers)
	stopDrivers := func() {
		for _, d := range drivers {
			if !d.Stop(cfg.Driver.ShutdownTimeout) {
				slog.Warn("driver did not stop cleanly", "driver", d.Name())
			}
		}
	}
	for i := 0; i < cfg.Drivers; i++ {
		dcfg := cfg.Driver
		if cfg.Drivers > 1 {
			dcfg.Name = fmt.Sprintf("%s-%d", dcfg.Name, i)
		}
		d, err := driver.New(dcfg, driver.Env{
			Transport:  transport,
			Dispatcher: pool,
			Requests:   requests,
			Logger:     logger,
		})
		if err == nil {
			err = d.Start()
		}
		if err != nil {
			stopDrivers()
			pool.Stop(cfg.Driver.ShutdownTimeout)
			w.Stop(cfg.Driver.ShutdownTimeout)
			return err
		}
		drivers = append(drivers, d)
		slog.Info("driver started", "driver", d.Name(), "addrs", d.Addrs())
	}

	stopStats := func() {}
	if cfg.DataDir != "" {
		stopStats, err = startStats(cfg.DataDir, cfg.SnapshotInterval, logger, sources(drivers, pool, w, wpool))
		if err != nil {
			slog.Error("failed to initialize stats store", "error", err, "data_dir", cfg.DataDir)
			stopStats = func() {}
		} else {
			slog.Info("stats snapshots enabled", "data_dir", cfg.DataDir, "interval", cfg.SnapshotInterval)
		}
	}
	defer stopStats()

	slog.Info("sockd ready")
	<-ctx.Done()
	slog.Info("shutting down server")

	// Drivers wait for sockets held by the pool and the writer, so those
	// stop afterwards.
	stopDrivers()
	if !pool.Stop(cfg.Driver.ShutdownTimeout) {
		slog.Warn("connection pool did not stop cleanly")
	}
	if !w.Stop(cfg.Driver.ShutdownTimeout) {
		slog.Warn("writer did not stop cleanly")
	}
	stopStats()

	st := pool.Stats()
	slog.Info("sockd stopped", "served", st.Served, "failed", st.Failed, "bytes_sent", wpool.BytesSent())
	return nil
}

// startStats opens the snapshot store and runs the snapshotter and value-log
// GC in the background. The returned stop takes the final snapshot and closes
// the store once both goroutines are done; later calls do nothing.
func startStats(dataDir string, interval time.Duration, logger *slog.Logger, srcs []stats.Source) (func(), error) {
	store, err := stats.New(dataDir)
	if err != nil {
		return nil, err
	}
	snap := stats.NewSnapshotter(store, interval, logger, srcs...)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Go(func() { store.RunGC(ctx) })
	wg.Go(func() { snap.Run(ctx) })

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
			if err := store.Close(); err != nil {
				logger.Warn("failed to close stats store", "error", err)
			}
		})
	}, nil
}

// setupLogging logs JSON to stdout and, when configured, to a log file
// written by the async log thread.
func setupLogging(cfg *config.Config) (*slog.Logger, func(), error) {
	opts := &slog.HandlerOptions{Level: cfg.Level()}
	if cfg.LogFile == "" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts)), func() {}, nil
	}

	logFile, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	if !cfg.AsyncLog {
		logger := slog.New(slog.NewJSONHandler(io.MultiWriter(os.Stdout, logFile), opts))
		return logger, func() { _ = logFile.Close() }, nil
	}

	alog, err := asynclog.Start(asynclog.Config{ShutdownTimeout: cfg.Driver.ShutdownTimeout})
	if err != nil {
		_ = logFile.Close()
		return nil, nil, err
	}
	fw := asynclog.NewFileWriter(alog, logFile)
	logger := slog.New(slog.NewJSONHandler(io.MultiWriter(os.Stdout, fw), opts))
	return logger, func() {
		if !alog.Disable(true) {
			fmt.Fprintln(os.Stderr, "sockd: log file may be incomplete")
		}
		_ = fw.Close()
	}, nil
}

// sources lists the components whose counters are snapshotted.
func sources(drivers []*driver.Driver, pool *conn.Pool, w *writer.Writer, wpool *writer.Pool) []stats.Source {
	srcs := make([]stats.Source, 0, len(drivers)+2)
	for _, d := range drivers {
		srcs = append(srcs, stats.Source{
			Name: "driver/" + d.Name(),
			Counters: func() map[string]int64 {
				st := d.Stats()
				return map[string]int64{
					"received":   int64(st.Received),
					"spooled":    int64(st.Spooled),
					"partial":    int64(st.Partial),
					"errors":     int64(st.Errors),
					"queue_size": st.QueueSize,
				}
			},
			Latency: d.Latency(),
		})
	}
	srcs = append(srcs,
		stats.Source{Name: "conn/" + pool.Config().Name, Counters: pool.Counters},
		stats.Source{
			Name: "writer/" + wpool.Name,
			Counters: func() map[string]int64 {
				return map[string]int64{
					"bytes_sent": wpool.BytesSent(),
					"jobs":       wpool.Jobs(),
					"active":     int64(w.Active()),
				}
			},
		},
	)
	return srcs
}

// rawHello answers sockets of drivers running without request parsing.
func rawHello(timeout time.Duration) func(s *driver.Sock) {
	resp := []byte("HTTP/1.0 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 13\r\nConnection: close\r\n\r\nHello, World!")
	return func(s *driver.Sock) {
		if _, err := s.SendBufs([][]byte{resp}, timeout); err != nil {
			s.Abort(driver.SockWriteError, err)
			return
		}
		s.Close(false)
	}
}
