package driver

import (
	"sync"
)

// maxKeptBuffer is the largest buffer a pooled Request keeps between uses.
const maxKeptBuffer = 65536

// Request is the parse state of one HTTP exchange on a Sock.
//
// buf holds the raw bytes received so far. roff is the next unscanned byte,
// woff counts every byte received (including bytes spooled to a file), coff
// is the start of the body and stays zero until the header block ends.
type Request struct {
	buf   []byte
	roff  int
	woff  int
	coff  int
	avail int

	length         int
	contentLength  int
	expectedLength int

	chunked       bool
	chunkDone     bool
	chunkStartOff int
	chunkWriteOff int

	leftover int

	line    RequestLine
	hasLine bool
	headers Header
	content []byte
}

// Line returns the decoded request line.
func (r *Request) Line() RequestLine { return r.line }

// SetMethod overrides the request method, e.g. to mark a rejected request.
func (r *Request) SetMethod(m string) { r.line.Method = m }

// Header returns the decoded headers.
func (r *Request) Header() *Header { return &r.headers }

// Body returns the request body. It is nil when the body was spooled to a
// named upload file.
func (r *Request) Body() []byte { return r.content }

// Length returns the body length: the declared Content-Length or the decoded
// length of a chunked body.
func (r *Request) Length() int { return r.length }

// Chunked reports whether the body arrived with chunked transfer encoding.
func (r *Request) Chunked() bool { return r.chunked }

// Offsets returns the read, write and content offsets and available bytes.
func (r *Request) Offsets() (roff, woff, coff, avail int) {
	return r.roff, r.woff, r.coff, r.avail
}

// Leftover returns the count of bytes carried over from the previous request
// on the same connection.
func (r *Request) Leftover() int { return r.leftover }

// consumedEnd returns the buffer offset just past the current request, or -1
// when the buffer holds no bytes of a following request.
func (r *Request) consumedEnd() int {
	if r.coff == 0 {
		return -1
	}
	end := r.coff + r.length
	if r.chunked {
		end = r.chunkStartOff
	}
	if end >= len(r.buf) {
		return -1
	}
	return end
}

// reset prepares the Request for the next exchange. When keep is set, bytes
// of a pipelined follow-up request are moved to the front of the buffer and
// recorded as leftover; it returns whether any were kept.
func (r *Request) reset(keep bool) bool {
	kept := false
	if end := r.consumedEnd(); keep && end >= 0 {
		n := copy(r.buf, r.buf[end:])
		r.buf = r.buf[:n]
		r.leftover = n
		kept = true
	} else {
		if cap(r.buf) > maxKeptBuffer {
			r.buf = nil
		} else {
			r.buf = r.buf[:0]
		}
		r.leftover = 0
	}

	r.content = nil
	r.length = 0
	r.contentLength = 0
	r.expectedLength = 0
	r.chunked = false
	r.chunkDone = false
	r.chunkStartOff = 0
	r.chunkWriteOff = 0
	r.roff = 0
	r.woff = 0
	r.coff = 0
	r.avail = 0
	r.line = RequestLine{}
	r.hasLine = false
	r.headers.Reset()
	return kept
}

// RequestPool is the process-wide free pool of Request buffers.
type RequestPool struct {
	mu   sync.Mutex
	free []*Request
}

// NewRequestPool returns an empty pool.
func NewRequestPool() *RequestPool {
	return &RequestPool{}
}

// Get returns a pooled Request or a new one.
func (p *RequestPool) Get() *Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.free); n > 0 {
		r := p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		return r
	}
	return &Request{}
}

// Put returns a reset Request to the pool.
func (p *RequestPool) Put(r *Request) {
	p.mu.Lock()
	p.free = append(p.free, r)
	p.mu.Unlock()
}

// Len returns the number of pooled Requests.
func (p *RequestPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
