package driver

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"
)

// spoolChunk bounds one receive while a body is being written to a spool
// file.
const spoolChunk = 16384

var spoolBufs = sync.Pool{
	New: func() any {
		b := make([]byte, spoolChunk)
		return &b
	},
}

// read performs one receive on s and parses what arrived. It is re-entrant:
// callers invoke it again on SockMore once the socket polls readable.
// spooler reports whether the caller is a spooler thread, which may open
// spool files itself instead of returning SockSpool.
func (s *Sock) read(spooler bool, now time.Time) SockState {
	d := s.drv

	if s.acceptTime.IsZero() {
		s.acceptTime = now
	}
	if s.req == nil {
		s.req = d.requests.Get()
	}
	r := s.req

	var nread int
	if r.length == 0 {
		nread = d.cfg.BufSize
	} else {
		nread = r.length - r.avail
	}

	buflen := len(r.buf)
	if buflen+nread > d.cfg.MaxInput {
		nread = d.cfg.MaxInput - buflen
		if nread <= 0 {
			d.log.Debug("maxinput reached", "fd", s.fd, "maxinput", d.cfg.MaxInput)
			return SockError
		}
	}

	if r.coff > 0 && !r.chunked && r.length > d.cfg.ReadAhead && s.spool == nil {
		if !spooler && len(d.spoolers) > 0 {
			return SockSpool
		}
		if state := s.openSpool(); state != SockReady {
			return state
		}
		buflen = 0
	}

	var dst []byte
	if s.spool != nil {
		bp := spoolBufs.Get().(*[]byte)
		defer spoolBufs.Put(bp)
		dst = (*bp)[:min(nread, spoolChunk)]
	} else {
		r.buf = slices.Grow(r.buf, nread)
		dst = r.buf[buflen : buflen+nread]
	}

	var n int
	if r.leftover > 0 {
		n = r.leftover
		r.leftover = 0
		buflen = 0
		d.log.Debug("read from leftover", "fd", s.fd, "bytes", n)
	} else {
		var rs RecvState
		var err error
		n, rs, err = d.transport.Recv(s, [][]byte{dst}, s.recvTimeout)
		switch rs {
		case RecvTimeout, RecvException:
			if err != nil {
				d.log.Log(context.Background(), IOLevel(err), "receive failed", "fd", s.fd, "error", err)
			}
			return SockReadError
		case RecvAgain:
			return SockMore
		case RecvDone:
			return SockClose
		}
		if n <= 0 {
			return SockMore
		}
	}

	if s.spool != nil {
		if _, err := s.spool.Write(dst[:n]); err != nil {
			d.log.Error("spool write failed", "fd", s.fd, "file", s.spool.Name(), "error", err)
			return SockWriteError
		}
	} else {
		r.buf = r.buf[:buflen+n]
	}

	r.woff += n
	r.avail += n

	if d.cfg.NoParse {
		return SockReady
	}
	return s.parse()
}

// openSpool moves the body received so far into a spool file. Bodies over
// MaxUpload go to a named file in UploadPath which the application reads
// explicitly; smaller ones go to an anonymous temp file mapped into memory
// once complete.
func (s *Sock) openSpool() SockState {
	d := s.drv
	r := s.req

	d.log.Debug("spooling request body", "fd", s.fd, "length", r.length, "readahead", d.cfg.ReadAhead)

	var (
		f   *os.File
		err error
	)
	if d.cfg.MaxUpload > 0 && r.length > d.cfg.MaxUpload {
		f, err = os.CreateTemp(d.cfg.UploadPath, fmt.Sprintf("%d.*", s.fd))
		if err != nil {
			d.log.Error("cannot create spool file", "dir", d.cfg.UploadPath, "error", err)
			return SockError
		}
		s.spoolPath = f.Name()
	} else {
		f, err = os.CreateTemp("", "sockd-spool-*")
		if err != nil {
			d.log.Error("cannot create temp file", "error", err)
			return SockError
		}
		_ = os.Remove(f.Name())
	}
	s.spool = f

	if _, err := f.Write(r.buf[r.coff:]); err != nil {
		d.log.Error("spool write failed", "fd", s.fd, "file", f.Name(), "error", err)
		return SockWriteError
	}
	r.buf = r.buf[:0]
	return SockReady
}
