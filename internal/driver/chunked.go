package driver

import (
	"bytes"
	"errors"
	"strconv"
)

var (
	errBadChunk      = errors.New("malformed chunk")
	errChunkTooLarge = errors.New("chunked body exceeds maxinput")
)

var crlf = []byte("\r\n")

// chunkedDecode scans SIZE\r\n<bytes>\r\n segments from chunkStartOff. With
// update set, decoded bytes are moved down to chunkWriteOff (always behind the
// scan cursor) and both cursors advance; without it the Request is untouched,
// so repeated dry runs return the same result. It reports whether the
// terminating zero-size chunk and its trailer were seen, and the decoded body
// length so far.
func (r *Request) chunkedDecode(update bool, maxinput int) (bool, int, error) {
	buf := r.buf
	scan, write := r.chunkStartOff, r.chunkWriteOff
	done := r.chunkDone

	for !done && scan < len(buf) {
		i := bytes.Index(buf[scan:], crlf)
		if i < 0 {
			break
		}
		size, err := parseChunkSize(buf[scan : scan+i])
		if err != nil {
			return false, write - r.coff, err
		}
		dataStart := scan + i + 2

		if size == 0 {
			end, ok := trailerEnd(buf, dataStart)
			if !ok {
				break
			}
			scan = end
			done = true
			break
		}

		if size > int64(maxinput-(write-r.coff)) {
			return false, write - r.coff, errChunkTooLarge
		}
		dataEnd := dataStart + int(size)
		if dataEnd+2 > len(buf) {
			break
		}
		if buf[dataEnd] != '\r' || buf[dataEnd+1] != '\n' {
			return false, write - r.coff, errBadChunk
		}
		if update {
			copy(buf[write:], buf[dataStart:dataEnd])
		}
		write += int(size)
		scan = dataEnd + 2
	}

	if update {
		r.chunkStartOff = scan
		r.chunkWriteOff = write
		r.chunkDone = done
	}
	return done, write - r.coff, nil
}

func parseChunkSize(line []byte) (int64, error) {
	if i := bytes.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = bytes.Trim(line, " \t")
	if len(line) == 0 || line[0] == '+' || line[0] == '-' {
		return 0, errBadChunk
	}
	size, err := strconv.ParseInt(string(line), 16, 64)
	if err != nil {
		return 0, errBadChunk
	}
	return size, nil
}

// trailerEnd skips trailer lines up to and including the final empty line.
func trailerEnd(buf []byte, pos int) (int, bool) {
	for pos <= len(buf) {
		j := bytes.Index(buf[pos:], crlf)
		if j < 0 {
			return 0, false
		}
		if j == 0 {
			return pos + 2, true
		}
		pos += j + 2
	}
	return 0, false
}
