package driver

import (
	"os"
	"time"
)

// AcceptStatus classifies a freshly accepted connection.
type AcceptStatus int

const (
	// AcceptOK means the socket must be polled for readability.
	AcceptOK AcceptStatus = iota
	// AcceptData means request bytes are already waiting.
	AcceptData
	// AcceptQueue means the socket goes to the application without read-ahead.
	AcceptQueue
	// AcceptError means nothing was accepted.
	AcceptError
)

// RecvState is the transport-level outcome of a receive.
type RecvState int

const (
	RecvRead RecvState = iota
	RecvAgain
	RecvDone
	RecvException
	RecvTimeout
)

// FileSegment is one piece of a multi-segment file source. A nil File sends
// Data from memory instead.
type FileSegment struct {
	File   *os.File
	Offset int64
	Length int64
	Data   []byte
}

// Transport holds the per-protocol strategy callbacks. The driver core
// assumes nothing about TCP or TLS beyond these.
type Transport interface {
	// Name identifies the transport in logs, e.g. "tcp".
	Name() string

	// Listen opens a non-blocking listening socket.
	Listen(addr string, port, backlog int, reusePort bool) (int, error)

	// Accept accepts one connection from listenFd and attaches it to s.
	Accept(listenFd int, s *Sock) (AcceptStatus, error)

	// Recv reads into bufs. A zero timeout never blocks.
	Recv(s *Sock, bufs [][]byte, timeout time.Duration) (int, RecvState, error)

	// Send writes bufs without blocking and returns the bytes written.
	Send(s *Sock, bufs [][]byte) (int, error)

	// SendFile writes file segments without blocking.
	SendFile(s *Sock, segs []FileSegment) (int64, error)

	// Keep reports whether the connection may be reused.
	Keep(s *Sock) bool

	// Close tears the connection down and closes its descriptor.
	Close(s *Sock)
}
