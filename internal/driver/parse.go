package driver

import (
	"bytes"
	"errors"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

var continueResponse = []byte("HTTP/1.1 100 Continue\r\n\r\n")

// parse scans buffered bytes line by line until the blank line ending the
// header block, then waits for the body to be complete.
func (s *Sock) parse() SockState {
	d := s.drv
	r := s.req

	for r.coff == 0 {
		rest := r.buf[r.roff : r.roff+r.avail]
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			return SockMore
		}

		// An over-long line is answered only after the request has been
		// read completely, so the client sees the error instead of a reset.
		if i > d.cfg.MaxLine {
			s.keep = false
			if !r.hasLine {
				s.flags |= flagRequestURITooLong
				d.log.Warn("request line is too long", "fd", s.fd, "bytes", i)
			} else {
				s.flags |= flagLineTooLong
				d.log.Warn("request header line is too long", "fd", s.fd, "bytes", i)
			}
		}

		r.roff += i + 1
		r.avail -= i + 1

		line := rest[:i]
		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}

		switch {
		case len(line) == 0 && !r.hasLine:
			// blank lines before the request line are ignored
			continue

		case len(line) == 0:
			if state := s.endOfHeader(); state != SockReady {
				return state
			}

		case !r.hasLine:
			l, err := ParseRequestLine(line)
			if err != nil {
				d.log.Debug("invalid request line", "fd", s.fd, "error", err)
				return SockBadRequest
			}
			r.line = l
			r.hasLine = true
			if l.Major < 1 {
				r.coff = r.roff
				d.log.Info("pre-HTTP/1.0 request", "line", l.Line)
			}

		default:
			if err := r.headers.parseLine(line); err != nil {
				d.log.Debug("invalid header", "fd", s.fd, "error", err)
				return SockBadHeader
			}
			if r.headers.Len() > d.cfg.MaxHeaders {
				d.log.Debug("maxheaders reached", "fd", s.fd, "maxheaders", d.cfg.MaxHeaders)
				return SockTooManyHeaders
			}
		}
	}

	if r.chunked {
		done, decoded, err := r.chunkedDecode(true, d.cfg.MaxInput)
		if err != nil {
			d.log.Debug("chunked decode failed", "fd", s.fd, "error", err)
			if errors.Is(err, errChunkTooLarge) {
				s.keep = false
				return SockEntityTooLarge
			}
			return SockBadRequest
		}
		switch {
		case r.expectedLength > 0 && decoded >= r.expectedLength:
			if !done {
				// the terminating chunk is still outstanding
				s.keep = false
			}
		case !done:
			return SockMore
		}
		r.length = decoded
	}

	if r.avail < r.length {
		return SockMore
	}

	switch {
	case s.flags&flagRequestURITooLong != 0:
		return SockBadRequest
	case s.flags&flagLineTooLong != 0:
		return SockBadHeader
	}

	return s.finishContent()
}

// endOfHeader runs once when the header block is complete. It resolves body
// framing and the client's Expect and Accept-Encoding headers and sets coff.
// SockReady means parsing continues with the body.
func (s *Sock) endOfHeader() SockState {
	d := s.drv
	r := s.req

	s.flags &^= flagContinue | flagEntityTooLarge | flagGzipAccepted | flagBrotliAccepted
	r.chunked = false
	r.chunkStartOff = 0

	if v, ok := r.headers.Get("Expect"); ok && strings.EqualFold(strings.TrimSpace(v), "100-continue") {
		s.flags |= flagContinue
	}

	if v, ok := r.headers.Get("Content-Length"); ok {
		length, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil || length < 0 {
			d.log.Debug("invalid content-length", "fd", s.fd, "value", v)
			return SockBadHeader
		}
		if length > int64(d.cfg.MaxInput) {
			d.log.Warn("request too large", "fd", s.fd, "length", length, "maxinput", d.cfg.MaxInput)
			s.keep = false
			s.flags |= flagEntityTooLarge
		} else {
			r.contentLength = int(length)
		}
	} else if v, ok := r.headers.Get("Transfer-Encoding"); ok && strings.EqualFold(strings.TrimSpace(v), "chunked") {
		r.chunked = true
		r.chunkStartOff = r.roff
		r.chunkWriteOff = r.roff
		r.contentLength = 0
		if v, ok := r.headers.Get("X-Expected-Entity-Length"); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
				r.expectedLength = n
			}
		}
	}

	if v, ok := r.headers.Get("Accept-Encoding"); ok {
		gz, br := parseAcceptEncoding(v)
		if _, ranged := r.headers.Get("Range"); !ranged {
			if gz {
				s.flags |= flagGzipAccepted
			}
			if br {
				s.flags |= flagBrotliAccepted
			}
		}
	}

	if r.contentLength > 0 {
		r.length = r.contentLength
	}
	r.coff = r.roff

	if s.flags&flagContinue != 0 {
		if s.flags&flagEntityTooLarge != 0 {
			return SockEntityTooLarge
		}
		n, err := s.SendBufs([][]byte{continueResponse}, d.cfg.SendWait)
		if err != nil || n != len(continueResponse) {
			d.log.Warn("could not deliver response: 100 Continue", "fd", s.fd, "error", err)
		}
	}

	// Draining an oversized body would mean reading without bound.
	if s.flags&flagEntityTooLarge != 0 {
		return SockEntityTooLarge
	}
	return SockReady
}

// finishContent exposes the complete body: nil for a named upload file, a
// private mapping of an anonymous spool file, or a slice of the buffer.
func (s *Sock) finishContent() SockState {
	d := s.drv
	r := s.req

	if s.spoolPath != "" {
		r.content = nil
		r.avail = 0
		d.log.Debug("content spooled to file", "fd", s.fd, "length", r.length, "file", s.spoolPath)
		return SockReady
	}

	if s.spool != nil {
		m, err := unix.Mmap(int(s.spool.Fd()), 0, r.length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE)
		if err != nil {
			d.log.Error("cannot map spool file", "fd", s.fd, "length", r.length, "error", err)
			return SockError
		}
		s.mapped = m
		r.content = m
		return SockReady
	}

	r.content = r.buf[r.coff : r.coff+r.length]
	return SockReady
}
