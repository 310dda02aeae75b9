package driver

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// maxLoggedRequest bounds the request bytes dumped when a request is rejected.
const maxLoggedRequest = 1024

// sockError answers protocol errors with a minimal response and logs
// unexpected terminal states. Normal closes and idle keep-alive timeouts are
// not logged.
func (s *Sock) sockError(reason SockState, err error) {
	var msg string
	if resp, ok := protocolResponses[reason]; ok {
		msg = resp.msg
		s.sendResponse(resp.code, resp.msg)
	} else if reason == SockReadTimeout {
		if !s.keep {
			msg = "Timeout during read"
		}
	} else {
		msg = closeMessages[reason]
	}

	if msg != "" {
		s.drv.log.Log(context.Background(), IOLevel(err), "socket error",
			"reason", msg,
			"error", err,
			"fd", s.fd,
			"peer", s.Peer())
	}
}

func (s *Sock) sendResponse(code int, msg string) {
	d := s.drv
	if s.fd < 0 {
		return
	}
	resp := []byte("HTTP/1.0 " + strconv.Itoa(code) + " " + msg + "\r\n\r\n")
	n, err := d.transport.Send(s, [][]byte{resp})
	if err != nil || n < len(resp) {
		d.log.Warn("partial write while sending response", "fd", s.fd, "sent", n, "size", len(resp), "error", err)
	}

	r := s.req
	if r == nil {
		return
	}
	if isTLSHandshake(r.buf) {
		d.log.Warn("received TLS handshake on a non-TLS connection", "peer", s.Peer(), "code", code)
		return
	}
	dump := r.buf
	if len(dump) > maxLoggedRequest {
		dump = dump[:maxLoggedRequest]
	}
	d.log.Warn("invalid request",
		"code", code,
		"reason", msg,
		"peer", s.Peer(),
		"line", r.line.Line,
		"offsets", fmt.Sprintf("%d/%d/%d/%d", r.roff, r.woff, r.coff, r.avail),
		"request", strconv.Quote(string(dump)))
}

func isTLSHandshake(b []byte) bool {
	return len(b) >= 3 && b[0] == 0x16 && b[1] >= 3 && b[2] == 1
}

// ServerMap names the virtual server and location a host resolves to.
type ServerMap struct {
	Server   string
	Location string
}

// setServer resolves the virtual server from the Host header. Requests that
// cannot be mapped, or HTTP/1.1 requests without Host, get the method "BAD".
func (s *Sock) setServer() {
	d := s.drv
	r := s.req
	if r == nil {
		fatalf(d.log, "set server: sock %d has no request", s.fd)
	}

	s.server = d.cfg.Server
	s.location = d.cfg.Location
	bad := false

	host, ok := r.headers.Get("Host")
	if !ok && r.line.Version() >= 1.1 {
		d.log.Info("request header field Host is missing in HTTP/1.1 request", "line", r.line.Line)
		bad = true
	}

	if ok && len(d.cfg.Hosts) > 0 {
		if m, found := d.lookupHost(host); found {
			s.server = m.Server
			s.location = m.Location
		} else {
			d.log.Debug("host not found in virtual hosts table, using default",
				"host", host, "default", d.cfg.Location)
		}
	}

	if s.server == "" {
		d.log.Warn("cannot determine server for request", "line", r.line.Line, "host", host)
		bad = true
	}
	if bad {
		r.SetMethod("BAD")
	}
}

func (d *Driver) lookupHost(host string) (ServerMap, bool) {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if m, ok := d.cfg.Hosts[host]; ok {
		return m, true
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		m, ok := d.cfg.Hosts[strings.TrimSuffix(h, ".")]
		return m, ok
	}
	return ServerMap{}, false
}
