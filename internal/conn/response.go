package conn

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"time"

	"golang.org/x/net/http/httpguts"

	"github.com/goceleris/sockd/internal/driver"
	"github.com/goceleris/sockd/internal/writer"
)

var (
	errHandedOff = errors.New("response already delivered")
	errFileSent  = errors.New("response body already given by a file")
	lastChunk    = []byte("0\r\n\r\n")
	crlf         = []byte("\r\n")
)

// response is the http.ResponseWriter of one exchange. Bodies are buffered
// until the handler returns; Flush switches to streaming, with chunked
// framing for HTTP/1.1 clients.
type response struct {
	p     *Pool
	s     *driver.Sock
	fd    int
	req   *http.Request
	line  driver.RequestLine
	start time.Time

	header      http.Header
	status      int
	wroteHeader bool
	buf         bytes.Buffer

	keep      bool
	streaming bool
	chunked   bool
	stream    *writer.Stream
	// file is the body recorded by sendFile, sent once the handler returned.
	file *fileBody
	// owned is cleared once the socket went back to its driver or to a
	// writer job.
	owned bool
	err   error
}

// fileBody is a rendered header plus a duplicated descriptor of the file
// segment that follows it.
type fileBody struct {
	hdr []byte
	seg driver.FileSegment
}

func (b *fileBody) close() {
	if b.seg.File != nil {
		_ = b.seg.File.Close()
		b.seg.File = nil
	}
}

func newResponse(p *Pool, s *driver.Sock, req *http.Request) *response {
	return &response{
		p:      p,
		s:      s,
		fd:     s.Fd(),
		req:    req,
		line:   s.Request().Line(),
		start:  s.AcceptTime(),
		header: make(http.Header),
		keep:   !req.Close,
		owned:  true,
	}
}

func (w *response) Header() http.Header { return w.header }

func (w *response) WriteHeader(code int) {
	if code < 100 || code > 999 {
		panic(fmt.Sprintf("invalid WriteHeader code %v", code))
	}
	if w.wroteHeader {
		w.p.log.Debug("superfluous WriteHeader call", "fd", w.fd, "code", code)
		return
	}
	if code >= 100 && code <= 199 && code != http.StatusSwitchingProtocols {
		w.writeInformational(code)
		return
	}
	w.wroteHeader = true
	w.status = code
}

func (w *response) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	if !w.owned && w.stream == nil {
		return 0, errHandedOff
	}
	if w.file != nil {
		return 0, errFileSent
	}
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if !bodyAllowedForStatus(w.status) {
		return 0, http.ErrBodyNotAllowed
	}
	if !w.streaming {
		return w.buf.Write(p)
	}
	if w.req.Method == http.MethodHead {
		return len(p), nil
	}
	if err := w.sendStream(w.frame(p)); err != nil {
		w.err = err
		return 0, err
	}
	return len(p), nil
}

// Flush sends the header and everything buffered so far; later writes go
// out as they are made.
func (w *response) Flush() {
	if w.err != nil || w.file != nil || (!w.owned && w.stream == nil) {
		return
	}
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if !w.streaming {
		w.startStream()
	}
}

// ReadFrom sends regular files with sendfile. Any other reader is buffered
// like Write.
func (w *response) ReadFrom(src io.Reader) (int64, error) {
	if f, limit, ok := fileSource(src); ok && w.canSendFile() {
		if n, ok := w.fileLength(f, limit); ok {
			off, _ := f.Seek(0, io.SeekCurrent)
			if err := w.sendFile(f, off, n); err != nil {
				return 0, err
			}
			_, _ = f.Seek(n, io.SeekCurrent)
			if lr, ok := src.(*io.LimitedReader); ok {
				lr.N -= n
			}
			return n, nil
		}
	}
	return io.Copy(writerOnly{w}, src)
}

type writerOnly struct{ io.Writer }

var fileType = reflect.TypeFor[*os.File]()

// fileSource finds the file behind src and the most bytes to read from it.
func fileSource(src io.Reader) (*os.File, int64, bool) {
	switch v := src.(type) {
	case *os.File:
		return v, math.MaxInt64, true
	case *io.LimitedReader:
		if f, ok := embeddedFile(v.R); ok {
			return f, v.N, true
		}
		return nil, 0, false
	}
	if f, ok := embeddedFile(src); ok {
		return f, math.MaxInt64, true
	}
	return nil, 0, false
}

// embeddedFile unwraps r when it is an *os.File or a struct embedding one.
// io.Copy from a file reaches ReadFrom through such a wrapper, built by
// (*os.File).WriteTo.
func embeddedFile(r io.Reader) (*os.File, bool) {
	if f, ok := r.(*os.File); ok {
		return f, f != nil
	}
	v := reflect.ValueOf(r)
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil, false
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil, false
	}
	t := v.Type()
	for i := range t.NumField() {
		sf := t.Field(i)
		if !sf.Anonymous || sf.Type != fileType || !sf.IsExported() {
			continue
		}
		if f, _ := v.Field(i).Interface().(*os.File); f != nil {
			return f, true
		}
	}
	return nil, false
}

func (w *response) canSendFile() bool {
	return w.owned && w.err == nil && !w.streaming && w.file == nil && w.buf.Len() == 0 &&
		w.req.Method != http.MethodHead
}

// fileLength returns the bytes to send from the current offset of f. A
// declared Content-Length must match.
func (w *response) fileLength(f *os.File, limit int64) (int64, bool) {
	off, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, false
	}
	fi, err := f.Stat()
	if err != nil || !fi.Mode().IsRegular() {
		return 0, false
	}
	n := min(limit, fi.Size()-off)
	if n <= 0 {
		return 0, false
	}
	if cl := w.header.Get("Content-Length"); cl != "" && cl != strconv.FormatInt(n, 10) {
		return 0, false
	}
	return n, true
}

// SendFile answers w with length bytes of f starting at offset. Responses
// from this pool use sendfile; other writers get a plain copy.
func SendFile(w http.ResponseWriter, f *os.File, offset, length int64) error {
	if r, ok := w.(*response); ok && r.canSendFile() {
		return r.sendFile(f, offset, length)
	}
	_, err := io.Copy(w, io.NewSectionReader(f, offset, length))
	return err
}

// sendFile records the file as the response body. It is sent by finish,
// so the socket and its request stay with the handler until it returns.
func (w *response) sendFile(f *os.File, off, n int64) error {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if !bodyAllowedForStatus(w.status) {
		return http.ErrBodyNotAllowed
	}
	dup, err := writer.DupFile(f)
	if err != nil {
		return err
	}
	if w.header.Get("Content-Type") == "" {
		ctype := mime.TypeByExtension(filepath.Ext(f.Name()))
		if ctype == "" {
			ctype = "application/octet-stream"
		}
		w.header.Set("Content-Type", ctype)
	}
	w.file = &fileBody{
		hdr: w.headerBytes(n),
		seg: driver.FileSegment{File: dup, Offset: off, Length: n},
	}
	return nil
}

// deliverFile sends the recorded file through a writer thread or directly.
func (w *response) deliverFile() {
	fb := w.file
	w.file = nil
	defer fb.close()
	w.p.files.Add(1)
	if w.submit(writer.Response{Header: fb.hdr, Files: []driver.FileSegment{fb.seg}}) {
		return
	}
	if _, err := w.s.SendFile([]driver.FileSegment{{Data: fb.hdr}, fb.seg}, w.p.cfg.SendWait); err != nil {
		w.err = err
	}
	w.release()
}

func (w *response) writeInformational(code int) {
	if code == http.StatusContinue || w.line.Major != 1 || w.line.Minor < 1 || !w.owned || w.streaming {
		return
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 %03d %s\r\n", code, statusText(code))
	_ = w.header.Write(&b)
	b.Write(crlf)
	if _, err := w.s.SendBufs([][]byte{b.Bytes()}, w.p.cfg.SendWait); err != nil {
		w.err = err
	}
}

func (w *response) startStream() {
	w.streaming = true
	bodyOK := bodyAllowedForStatus(w.status) && w.req.Method != http.MethodHead
	w.chunked = bodyOK && w.line.Major == 1 && w.line.Minor >= 1
	if bodyOK && !w.chunked {
		// The end of the body is the end of the connection.
		w.keep = false
	}

	hdr := w.headerBytes(-1)
	var bufs [][]byte
	if bodyOK {
		bufs = w.frame(w.buf.Bytes())
	}
	defer w.buf.Reset()

	if wr := w.p.env.Writer; wr != nil {
		st, err := wr.OpenStream(w.writerResponse(writer.Response{Header: hdr, Bufs: bufs}))
		if err == nil {
			w.stream = st
			w.owned = false
			w.p.streamed.Add(1)
			w.p.log.Debug("response streamed through writer", "fd", w.fd, "job", st.ID())
			return
		}
		w.p.log.Debug("writer stream unavailable, sending directly", "fd", w.fd, "error", err)
	}
	if err := w.sendStream(append([][]byte{hdr}, bufs...)); err != nil {
		w.err = err
	}
}

func (w *response) sendStream(bufs [][]byte) error {
	if len(bufs) == 0 {
		return nil
	}
	if w.stream != nil {
		for _, b := range bufs {
			if _, err := w.stream.Write(b); err != nil {
				return err
			}
		}
		return nil
	}
	_, err := w.s.SendBufs(bufs, w.p.cfg.SendWait)
	return err
}

// frame wraps p in chunked framing when the response is chunked.
func (w *response) frame(p []byte) [][]byte {
	if len(p) == 0 {
		return nil
	}
	if !w.chunked {
		return [][]byte{p}
	}
	return [][]byte{fmt.Appendf(nil, "%x\r\n", len(p)), p, crlf}
}

// headerBytes renders the status line and headers. A negative length leaves
// the body length undeclared.
func (w *response) headerBytes(length int64) []byte {
	h := w.header
	if _, ok := h["Date"]; !ok {
		h.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	if name := w.p.cfg.ServerName; name != "" {
		if _, ok := h["Server"]; !ok {
			h.Set("Server", name)
		}
	}

	switch {
	case !bodyAllowedForStatus(w.status):
		h.Del("Content-Length")
		h.Del("Transfer-Encoding")
	case w.chunked:
		h.Del("Content-Length")
		h.Set("Transfer-Encoding", "chunked")
	case length >= 0:
		h.Set("Content-Length", strconv.FormatInt(length, 10))
	default:
		h.Del("Content-Length")
	}

	if httpguts.HeaderValuesContainsToken(h["Connection"], "close") {
		w.keep = false
	}
	minor := 0
	if w.line.Major == 1 && w.line.Minor >= 1 {
		minor = 1
	}
	if !w.keep {
		h.Set("Connection", "close")
	} else if minor == 0 {
		h.Set("Connection", "keep-alive")
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.%d %03d %s\r\n", minor, w.status, statusText(w.status))
	_ = h.Write(&b)
	b.Write(crlf)
	return b.Bytes()
}

// finish completes the exchange after the handler returned.
func (w *response) finish() {
	if w.stream != nil {
		if w.err == nil && w.chunked {
			if _, err := w.stream.Write(lastChunk); err != nil {
				w.err = err
			}
		}
		w.stream.Finish()
		w.stream = nil
		return
	}
	if !w.owned {
		return
	}
	if w.file != nil {
		w.deliverFile()
		return
	}
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if w.streaming {
		if w.err == nil && w.chunked {
			w.err = w.sendStream([][]byte{lastChunk})
		}
		w.release()
		return
	}

	body := w.buf.Bytes()
	if !bodyAllowedForStatus(w.status) {
		body = nil
	}
	if len(body) > 0 && w.header.Get("Content-Type") == "" {
		w.header.Set("Content-Type", http.DetectContentType(body))
	}
	body = w.p.compress(w.header, w.status, body, w.s.GzipAccepted(), w.s.BrotliAccepted())
	hdr := w.headerBytes(int64(len(body)))
	if w.req.Method == http.MethodHead {
		body = nil
	}
	w.deliver(hdr, body)
}

func (w *response) deliver(hdr, body []byte) {
	if len(body) > 0 && w.submit(writer.Response{Header: hdr, Bufs: [][]byte{body}}) {
		return
	}
	bufs := [][]byte{hdr}
	if len(body) > 0 {
		bufs = append(bufs, body)
	}
	if _, err := w.s.SendBufs(bufs, w.p.cfg.SendWait); err != nil {
		w.err = err
	}
	w.release()
}

func (w *response) writerResponse(r writer.Response) writer.Response {
	r.Conn = w.s
	r.Pool = w.p.env.WriterPool
	r.Keep = w.keep
	r.RateLimit = w.p.cfg.RateLimit
	r.Start = w.start
	r.Line = w.line.Line
	return r
}

// submit hands the response to a writer thread. It reports false when the
// caller must send it.
func (w *response) submit(r writer.Response) bool {
	wr := w.p.env.Writer
	if wr == nil {
		return false
	}
	id, err := wr.Submit(w.writerResponse(r))
	switch {
	case err == nil:
		w.owned = false
		w.p.writer.Add(1)
		w.p.log.Debug("response handed to writer", "fd", w.fd, "job", id)
		return true
	case errors.Is(err, writer.ErrTooSmall), errors.Is(err, writer.ErrWriterDisabled):
	default:
		w.p.log.Warn("writer submit failed, sending directly", "fd", w.fd, "error", err)
	}
	return false
}

// release returns the socket to its driver.
func (w *response) release() {
	w.owned = false
	if w.err != nil {
		w.p.failed.Add(1)
		w.s.Abort(driver.SockWriteError, w.err)
		return
	}
	w.s.Close(w.keep)
}

// abortf ends an exchange whose handler panicked. A 500 is sent when
// nothing went out yet.
func (w *response) abortf(err error) {
	if w.stream != nil {
		w.stream.Finish()
		w.stream = nil
		return
	}
	if w.file != nil {
		w.file.close()
		w.file = nil
	}
	if !w.owned {
		return
	}
	w.owned = false
	w.p.failed.Add(1)
	if err != nil && !w.streaming {
		w.status = http.StatusInternalServerError
		w.wroteHeader = true
		w.keep = false
		w.header = make(http.Header)
		_, _ = w.s.SendBufs([][]byte{w.headerBytes(0)}, w.p.cfg.SendWait)
	}
	w.s.Close(false)
}

func bodyAllowedForStatus(status int) bool {
	switch {
	case status >= 100 && status <= 199:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}

func statusText(code int) string {
	if text := http.StatusText(code); text != "" {
		return text
	}
	return "status code " + strconv.Itoa(code)
}
