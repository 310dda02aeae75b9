package driver

import (
	"bytes"
	"errors"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

var (
	errBadHeader      = errors.New("malformed header line")
	errBadRequestLine = errors.New("malformed request line")
)

// HeaderField is one decoded request header in arrival order.
type HeaderField struct {
	Name  string
	Value string
}

// Header is an ordered header set with case-insensitive lookup.
type Header struct {
	fields []HeaderField
}

// Add appends a field.
func (h *Header) Add(name, value string) {
	h.fields = append(h.fields, HeaderField{Name: name, Value: value})
}

// Get returns the first value for name.
func (h *Header) Get(name string) (string, bool) {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value, true
		}
	}
	return "", false
}

// Values returns every value for name.
func (h *Header) Values(name string) []string {
	var vals []string
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			vals = append(vals, f.Value)
		}
	}
	return vals
}

// Fields returns the fields in arrival order.
func (h *Header) Fields() []HeaderField { return h.fields }

// Len returns the number of fields.
func (h *Header) Len() int { return len(h.fields) }

// Reset truncates the set, keeping its storage.
func (h *Header) Reset() {
	clear(h.fields)
	h.fields = h.fields[:0]
}

// parseLine decodes "Name: value". A line starting with whitespace continues
// the previous field.
func (h *Header) parseLine(line []byte) error {
	if line[0] == ' ' || line[0] == '\t' {
		if len(h.fields) == 0 {
			return errBadHeader
		}
		v := strings.Trim(string(line), " \t")
		if !httpguts.ValidHeaderFieldValue(v) {
			return errBadHeader
		}
		last := &h.fields[len(h.fields)-1]
		last.Value += " " + v
		return nil
	}

	i := bytes.IndexByte(line, ':')
	if i <= 0 {
		return errBadHeader
	}
	name := string(line[:i])
	if !httpguts.ValidHeaderFieldName(name) {
		return errBadHeader
	}
	value := strings.Trim(string(line[i+1:]), " \t")
	if !httpguts.ValidHeaderFieldValue(value) {
		return errBadHeader
	}
	h.Add(name, value)
	return nil
}

// RequestLine is the decoded first line of a request.
type RequestLine struct {
	Line   string
	Method string
	Target string
	Path   string
	Query  string
	Major  int
	Minor  int
}

// Version returns the protocol version as major.minor, e.g. 1.1.
func (l RequestLine) Version() float64 {
	return float64(l.Major) + float64(l.Minor)/10
}

// Proto returns the protocol string, e.g. "HTTP/1.1".
func (l RequestLine) Proto() string {
	return "HTTP/" + strconv.Itoa(l.Major) + "." + strconv.Itoa(l.Minor)
}

// ParseRequestLine decodes "METHOD target [HTTP/major.minor]". A missing
// version denotes an HTTP/0.9 request.
func ParseRequestLine(b []byte) (RequestLine, error) {
	fields := strings.Fields(string(b))
	if len(fields) < 2 || len(fields) > 3 {
		return RequestLine{}, errBadRequestLine
	}
	l := RequestLine{
		Line:   string(b),
		Method: fields[0],
		Target: fields[1],
		Major:  0,
		Minor:  9,
	}
	if !httpguts.ValidHeaderFieldName(l.Method) {
		return RequestLine{}, errBadRequestLine
	}
	for i := 0; i < len(l.Target); i++ {
		if c := l.Target[i]; c < 0x21 || c == 0x7f {
			return RequestLine{}, errBadRequestLine
		}
	}
	if len(fields) == 3 {
		major, minor, ok := parseVersion(fields[2])
		if !ok {
			return RequestLine{}, errBadRequestLine
		}
		l.Major, l.Minor = major, minor
	}
	l.Path, l.Query, _ = strings.Cut(l.Target, "?")
	return l, nil
}

func parseVersion(v string) (int, int, bool) {
	rest, ok := strings.CutPrefix(v, "HTTP/")
	if !ok {
		return 0, 0, false
	}
	ma, mi, ok := strings.Cut(rest, ".")
	if !ok {
		return 0, 0, false
	}
	major, err := strconv.Atoi(ma)
	if err != nil || major < 0 || major > 9 {
		return 0, 0, false
	}
	minor, err := strconv.Atoi(mi)
	if err != nil || minor < 0 || minor > 9 {
		return 0, 0, false
	}
	return major, minor, true
}

// parseAcceptEncoding reports whether gzip and brotli are acceptable.
func parseAcceptEncoding(v string) (gzip, brotli bool) {
	for _, part := range strings.Split(v, ",") {
		coding, params, _ := strings.Cut(part, ";")
		coding = strings.ToLower(strings.TrimSpace(coding))
		q := 1.0
		for _, p := range strings.Split(params, ";") {
			k, val, ok := strings.Cut(p, "=")
			if ok && strings.TrimSpace(k) == "q" {
				if f, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
					q = f
				}
			}
		}
		if q <= 0 {
			continue
		}
		switch coding {
		case "gzip", "x-gzip":
			gzip = true
		case "br":
			brotli = true
		case "*":
			gzip, brotli = true, true
		}
	}
	return gzip, brotli
}
