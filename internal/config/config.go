// Package config resolves the server configuration. Sources, from lowest to
// highest precedence: compiled defaults, an optional SSM parameter path,
// SOCKD_* environment variables and command-line flags.
package config

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/goceleris/sockd/internal/conn"
	"github.com/goceleris/sockd/internal/driver"
	"github.com/goceleris/sockd/internal/writer"
)

// EnvPrefix prefixes the environment variable of every flag.
const EnvPrefix = "SOCKD_"

// Routers lists the application routers the server can mount.
var Routers = []string{"chi", "gin", "echo", "fiber", "iris", "stdhttp"}

// Config is the complete server configuration.
type Config struct {
	Driver driver.Config
	// Drivers is the number of driver threads sharing the port with
	// SO_REUSEPORT.
	Drivers     int
	NoDelay     bool
	DeferAccept bool

	Writer    writer.Config
	PoolName  string
	PoolLimit int

	Conn   conn.Config
	Router string

	LogLevel string
	LogFile  string
	AsyncLog bool

	DataDir          string
	SnapshotInterval time.Duration

	SSMPrefix string
	Region    string
}

// Default returns the compiled defaults.
func Default() *Config {
	d := driver.DefaultConfig()
	d.ReadAhead = d.BufSize
	w := writer.DefaultConfig()
	return &Config{
		Driver:           d,
		Drivers:          1,
		NoDelay:          true,
		Writer:           w,
		PoolName:         "default",
		Conn:             conn.DefaultConfig(),
		Router:           "chi",
		LogLevel:         "info",
		AsyncLog:         true,
		SnapshotInterval: time.Minute,
	}
}

func (c *Config) flagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("sockd", flag.ContinueOnError)
	d := &c.Driver

	fs.StringVar(&d.Name, "name", d.Name, "driver name")
	fs.StringVar(&d.Address, "address", d.Address, "space separated bind addresses, empty for any")
	fs.IntVar(&d.Port, "port", d.Port, "listen port")
	fs.IntVar(&d.Backlog, "backlog", d.Backlog, "listen backlog")
	fs.BoolVar(&d.ReusePort, "reuseport", d.ReusePort, "bind with SO_REUSEPORT")
	fs.IntVar(&c.Drivers, "drivers", c.Drivers, "driver threads sharing the port (requires -reuseport)")
	fs.BoolVar(&c.NoDelay, "nodelay", c.NoDelay, "set TCP_NODELAY on accepted sockets")
	fs.BoolVar(&c.DeferAccept, "deferaccept", c.DeferAccept, "set TCP_DEFER_ACCEPT on listeners")

	fs.IntVar(&d.BufSize, "bufsize", d.BufSize, "receive buffer size")
	fs.IntVar(&d.MaxInput, "maxinput", d.MaxInput, "largest accepted request body")
	fs.IntVar(&d.MaxUpload, "maxupload", d.MaxUpload, "bodies above this spool to a named file in -uploadpath, 0 disables")
	fs.StringVar(&d.UploadPath, "uploadpath", d.UploadPath, "directory for named upload files")
	fs.IntVar(&d.ReadAhead, "readahead", d.ReadAhead, "bodies above this are spooled to a file")
	fs.IntVar(&d.MaxLine, "maxline", d.MaxLine, "longest request or header line")
	fs.IntVar(&d.MaxHeaders, "maxheaders", d.MaxHeaders, "most header lines per request")
	fs.IntVar(&d.MaxQueueSize, "maxqueuesize", d.MaxQueueSize, "most live sockets per driver")
	fs.IntVar(&d.AcceptSize, "acceptsize", d.AcceptSize, "most connections accepted per spin")
	fs.DurationVar(&d.RecvWait, "recvwait", d.RecvWait, "receive timeout")
	fs.DurationVar(&d.SendWait, "sendwait", d.SendWait, "send timeout")
	fs.DurationVar(&d.CloseWait, "closewait", d.CloseWait, "lingering close timeout")
	fs.DurationVar(&d.KeepWait, "keepwait", d.KeepWait, "keep-alive idle timeout")
	fs.IntVar(&d.SpoolerThreads, "spoolerthreads", d.SpoolerThreads, "spooler threads per driver")
	fs.BoolVar(&d.Async, "async", d.Async, "read requests on the driver thread")
	fs.BoolVar(&d.NoParse, "noparse", d.NoParse, "hand raw bytes to the application")
	fs.StringVar(&d.Server, "server", d.Server, "default virtual server")
	fs.StringVar(&d.Location, "location", d.Location, "default location, e.g. http://host:port")
	fs.Var(hostMap{&d.Hosts}, "host", "virtual host mapping name=server[,location]; repeatable")
	fs.DurationVar(&d.ShutdownTimeout, "shutdowntimeout", d.ShutdownTimeout, "how long threads drain on shutdown")

	w := &c.Writer
	fs.IntVar(&w.Threads, "writerthreads", w.Threads, "writer threads, 0 disables the writer")
	fs.Int64Var(&w.WriterSize, "writersize", w.WriterSize, "smallest response handed to the writer")
	fs.IntVar(&w.BufSize, "writerbufsize", w.BufSize, "writer file read buffer")
	fs.IntVar(&w.RateLimit, "writerratelimit", w.RateLimit, "default writer rate in KB/s, 0 for unlimited")
	fs.IntVar(&w.MinRate, "writerminrate", w.MinRate, "floor of shaped writer rates in KB/s")
	fs.BoolVar(&w.BandwidthManagement, "bandwidthmanagement", w.BandwidthManagement, "shape writer rates per pool")
	fs.BoolVar(&w.Streaming, "writerstreaming", w.Streaming, "stream flushed responses through the writer")
	fs.StringVar(&c.PoolName, "pool", c.PoolName, "bandwidth pool name")
	fs.IntVar(&c.PoolLimit, "poollimit", c.PoolLimit, "aggregate pool rate in KB/s, 0 for unlimited")

	cc := &c.Conn
	fs.IntVar(&cc.Workers, "workers", cc.Workers, "connection pool workers")
	fs.IntVar(&cc.MaxQueue, "maxqueue", cc.MaxQueue, "sockets waiting for a worker")
	fs.IntVar(&cc.ConnsPerWorker, "connsperworker", cc.ConnsPerWorker, "retire workers after this many sockets, 0 never")
	fs.IntVar(&cc.RateLimit, "ratelimit", cc.RateLimit, "per-response writer rate in KB/s, negative for the writer default")
	fs.BoolVar(&cc.Compress, "compress", cc.Compress, "compress responses with brotli or gzip")
	fs.IntVar(&cc.CompressLevel, "compresslevel", cc.CompressLevel, "compression level")
	fs.IntVar(&cc.CompressMinSize, "compressminsize", cc.CompressMinSize, "smallest response to compress")
	fs.StringVar(&cc.ServerName, "servername", cc.ServerName, "Server response header")
	fs.StringVar(&c.Router, "router", c.Router, "application router: "+strings.Join(Routers, ", "))

	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
	fs.StringVar(&c.LogFile, "log-file", c.LogFile, "also log to this file")
	fs.BoolVar(&c.AsyncLog, "async-log", c.AsyncLog, "write the log file from a background thread")
	fs.StringVar(&c.DataDir, "data-dir", c.DataDir, "stats store directory, empty disables snapshots")
	fs.DurationVar(&c.SnapshotInterval, "snapshot-interval", c.SnapshotInterval, "stats snapshot interval")

	fs.StringVar(&c.SSMPrefix, "ssm-prefix", c.SSMPrefix, "load parameters under this SSM path")
	fs.StringVar(&c.Region, "region", c.Region, "AWS region (defaults to AWS_REGION)")
	return fs
}

// EnvName returns the environment variable of a flag.
func EnvName(flagName string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// Loader resolves a Config from every source.
type Loader struct {
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
	// NewSource creates the parameter source for -ssm-prefix. It defaults
	// to NewSSMSource.
	NewSource func(ctx context.Context, region string) (ParameterSource, error)
	// Output receives flag usage and errors, os.Stderr by default.
	Output io.Writer
	Logger *slog.Logger
}

// Load resolves the configuration with the default Loader.
func Load(ctx context.Context, args []string) (*Config, error) {
	return (&Loader{}).Load(ctx, args)
}

// Load resolves the configuration. flag.ErrHelp is returned for -h.
func (l *Loader) Load(ctx context.Context, args []string) (*Config, error) {
	getenv := l.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// The parameter path itself comes from the environment or flags.
	boot := Default()
	pfs := boot.flagSet()
	pfs.SetOutput(io.Discard)
	if err := applyEnv(pfs, getenv); err != nil {
		return nil, err
	}
	if err := pfs.Parse(args); err != nil && !errors.Is(err, flag.ErrHelp) {
		return nil, err
	}

	cfg := Default()
	fs := cfg.flagSet()
	if l.Output != nil {
		fs.SetOutput(l.Output)
	}
	if boot.SSMPrefix != "" {
		newSource := l.NewSource
		if newSource == nil {
			newSource = func(ctx context.Context, region string) (ParameterSource, error) {
				return NewSSMSource(ctx, region)
			}
		}
		src, err := newSource(ctx, boot.Region)
		if err != nil {
			return nil, fmt.Errorf("create parameter source: %w", err)
		}
		params, err := src.Parameters(ctx, boot.SSMPrefix)
		if err != nil {
			return nil, fmt.Errorf("load parameters under %s: %w", boot.SSMPrefix, err)
		}
		if err := applyParameters(fs, params, logger); err != nil {
			return nil, err
		}
		logger.Info("parameters loaded", "prefix", boot.SSMPrefix, "count", len(params))
	}
	if err := applyEnv(fs, getenv); err != nil {
		return nil, err
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %q", fs.Args())
	}

	cfg.derive()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(fs *flag.FlagSet, getenv func(string) string) error {
	var err error
	fs.VisitAll(func(f *flag.Flag) {
		if err != nil {
			return
		}
		if v := getenv(EnvName(f.Name)); v != "" {
			if serr := fs.Set(f.Name, v); serr != nil {
				err = fmt.Errorf("%s: %w", EnvName(f.Name), serr)
			}
		}
	})
	return err
}

func applyParameters(fs *flag.FlagSet, params map[string]string, logger *slog.Logger) error {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if name == "ssm-prefix" || name == "region" {
			continue
		}
		if fs.Lookup(name) == nil {
			logger.Warn("ignoring unknown parameter", "name", name)
			continue
		}
		if err := fs.Set(name, params[name]); err != nil {
			return fmt.Errorf("parameter %s: %w", name, err)
		}
	}
	return nil
}

// derive copies the settings shared by several components.
func (c *Config) derive() {
	c.Writer.SendWait = c.Driver.SendWait
	c.Writer.ShutdownTimeout = c.Driver.ShutdownTimeout
	c.Conn.SendWait = c.Driver.SendWait
	c.Conn.Name = c.Driver.Server
}

// Level returns the parsed log level.
func (c *Config) Level() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// Validate rejects impossible settings. Every problem is reported.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	d := c.Driver

	check(d.Port >= 0 && d.Port <= 65535, "port %d out of range", d.Port)
	check(d.Backlog > 0, "backlog must be positive, got %d", d.Backlog)
	check(d.BufSize > 0, "bufsize must be positive, got %d", d.BufSize)
	check(d.MaxInput > 0, "maxinput must be positive, got %d", d.MaxInput)
	check(d.MaxLine > 0 && d.MaxLine <= d.MaxInput, "maxline %d must be positive and at most maxinput %d", d.MaxLine, d.MaxInput)
	check(d.MaxHeaders > 0, "maxheaders must be positive, got %d", d.MaxHeaders)
	check(d.ReadAhead >= 0, "readahead must not be negative, got %d", d.ReadAhead)
	check(d.MaxUpload >= 0, "maxupload must not be negative, got %d", d.MaxUpload)
	check(d.MaxUpload == 0 || d.UploadPath != "", "maxupload requires uploadpath")
	check(d.MaxQueueSize > 0, "maxqueuesize must be positive, got %d", d.MaxQueueSize)
	check(d.AcceptSize > 0, "acceptsize must be positive, got %d", d.AcceptSize)
	check(d.SpoolerThreads >= 0, "spoolerthreads must not be negative, got %d", d.SpoolerThreads)
	for name, v := range map[string]time.Duration{
		"recvwait": d.RecvWait, "sendwait": d.SendWait, "closewait": d.CloseWait, "keepwait": d.KeepWait,
	} {
		check(v > 0, "%s must be positive, got %s", name, v)
	}
	check(c.Drivers >= 1, "drivers must be at least 1, got %d", c.Drivers)
	check(c.Drivers == 1 || d.ReusePort, "drivers %d requires reuseport", c.Drivers)

	w := c.Writer
	check(w.Threads >= 0, "writerthreads must not be negative, got %d", w.Threads)
	check(w.WriterSize >= 0, "writersize must not be negative, got %d", w.WriterSize)
	check(w.BufSize > 0, "writerbufsize must be positive, got %d", w.BufSize)
	check(w.RateLimit >= 0, "writerratelimit must not be negative, got %d", w.RateLimit)
	check(!w.BandwidthManagement || w.MinRate > 0, "writerminrate must be positive with bandwidth management, got %d", w.MinRate)
	check(c.PoolLimit >= 0, "poollimit must not be negative, got %d", c.PoolLimit)
	check(c.PoolLimit == 0 || c.PoolLimit >= w.MinRate, "poollimit %d is below writerminrate %d", c.PoolLimit, w.MinRate)

	cc := c.Conn
	check(cc.Workers > 0, "workers must be positive, got %d", cc.Workers)
	check(cc.MaxQueue > 0, "maxqueue must be positive, got %d", cc.MaxQueue)
	check(cc.ConnsPerWorker >= 0, "connsperworker must not be negative, got %d", cc.ConnsPerWorker)
	check(cc.CompressLevel >= 0 && cc.CompressLevel <= 11, "compresslevel %d out of range", cc.CompressLevel)
	check(cc.CompressMinSize >= 0, "compressminsize must not be negative, got %d", cc.CompressMinSize)
	check(slices.Contains(Routers, c.Router), "unknown router %q", c.Router)

	var lvl slog.Level
	check(lvl.UnmarshalText([]byte(c.LogLevel)) == nil, "unknown log level %q", c.LogLevel)
	check(c.DataDir == "" || c.SnapshotInterval > 0, "snapshot-interval must be positive, got %s", c.SnapshotInterval)

	return errors.Join(errs...)
}

// hostMap is the repeatable -host flag. Each value holds space separated
// name=server[,location] entries.
type hostMap struct {
	m *map[string]driver.ServerMap
}

func (h hostMap) String() string {
	if h.m == nil || len(*h.m) == 0 {
		return ""
	}
	entries := make([]string, 0, len(*h.m))
	for name, sm := range *h.m {
		e := name + "=" + sm.Server
		if sm.Location != "" {
			e += "," + sm.Location
		}
		entries = append(entries, e)
	}
	sort.Strings(entries)
	return strings.Join(entries, " ")
}

func (h hostMap) Set(v string) error {
	for _, entry := range strings.Fields(v) {
		name, target, ok := strings.Cut(entry, "=")
		if !ok || name == "" || target == "" {
			return fmt.Errorf("invalid host mapping %q, want name=server[,location]", entry)
		}
		server, location, _ := strings.Cut(target, ",")
		if *h.m == nil {
			*h.m = make(map[string]driver.ServerMap)
		}
		(*h.m)[strings.ToLower(name)] = driver.ServerMap{Server: server, Location: location}
	}
	return nil
}
