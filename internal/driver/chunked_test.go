package driver

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"testing"
)

func encodeChunked(body []byte, sizes []int) []byte {
	var b bytes.Buffer
	for len(body) > 0 {
		n := sizes[0]
		sizes = append(sizes[1:], n)
		n = min(n, len(body))
		fmt.Fprintf(&b, "%x\r\n", n)
		b.Write(body[:n])
		b.WriteString("\r\n")
		body = body[n:]
	}
	b.WriteString("0\r\n\r\n")
	return b.Bytes()
}

func chunkedRequest(encoded []byte) *Request {
	return &Request{buf: append([]byte(nil), encoded...), chunked: true}
}

func TestChunkedDecodeRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		body := make([]byte, rng.Intn(2000))
		rng.Read(body)
		sizes := []int{1 + rng.Intn(300), 1 + rng.Intn(17), 1 + rng.Intn(1000)}
		encoded := encodeChunked(body, sizes)

		r := chunkedRequest(encoded)
		done, n, err := r.chunkedDecode(true, 1<<20)
		if err != nil || !done {
			t.Fatalf("case %d: done=%v err=%v", i, done, err)
		}
		if n > len(encoded) {
			t.Fatalf("case %d: decoded %d bytes from %d encoded", i, n, len(encoded))
		}
		if !bytes.Equal(r.buf[:n], body) {
			t.Fatalf("case %d: decoded body mismatch", i)
		}
		if r.chunkStartOff != len(encoded) {
			t.Errorf("case %d: scan cursor %d, want %d", i, r.chunkStartOff, len(encoded))
		}
	}
}

func TestChunkedDecodeDryRunIdempotent(t *testing.T) {
	encoded := encodeChunked([]byte("the quick brown fox"), []int{3, 5})
	r := chunkedRequest(encoded)
	orig := append([]byte(nil), r.buf...)

	done1, n1, err1 := r.chunkedDecode(false, 1<<20)
	done2, n2, err2 := r.chunkedDecode(false, 1<<20)
	if done1 != done2 || n1 != n2 || err1 != err2 {
		t.Fatalf("dry runs differ: (%v %d %v) vs (%v %d %v)", done1, n1, err1, done2, n2, err2)
	}
	if !done1 || n1 != len("the quick brown fox") {
		t.Errorf("expected complete decode of 19 bytes, got done=%v n=%d", done1, n1)
	}
	if !bytes.Equal(r.buf, orig) || r.chunkStartOff != 0 || r.chunkWriteOff != 0 {
		t.Error("dry run modified the request")
	}
}

func TestChunkedDecodeIncomplete(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		decoded int
	}{
		{"size line only", "5\r\n", 0},
		{"partial data", "5\r\nab", 0},
		{"missing terminator", "3\r\nabc\r\n", 3},
		{"missing trailer end", "3\r\nabc\r\n0\r\nX-T: 1\r\n", 3},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := chunkedRequest([]byte(tc.input))
			done, n, err := r.chunkedDecode(true, 1<<20)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if done {
				t.Error("expected incomplete decode")
			}
			if n != tc.decoded {
				t.Errorf("expected %d decoded bytes, got %d", tc.decoded, n)
			}
		})
	}
}

func TestChunkedDecodeErrors(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		maxinput int
		want     error
	}{
		{"bad hex", "xyz\r\n", 1024, errBadChunk},
		{"empty size", "\r\nabc", 1024, errBadChunk},
		{"missing crlf after data", "3\r\nabcd\r\n", 1024, errBadChunk},
		{"negative", "-1\r\n", 1024, errBadChunk},
		{"negative zero", "-0\r\n\r\n", 1024, errBadChunk},
		{"plus sign", "+3\r\nabc\r\n0\r\n\r\n", 1024, errBadChunk},
		{"too large", "401\r\n", 1024, errChunkTooLarge},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := chunkedRequest([]byte(tc.input))
			if _, _, err := r.chunkedDecode(true, tc.maxinput); !errors.Is(err, tc.want) {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestChunkedDecodeIncremental(t *testing.T) {
	body := []byte("incremental chunked decoding keeps its cursors")
	encoded := encodeChunked(body, []int{7, 2, 11})

	r := &Request{chunked: true}
	var (
		done bool
		n    int
		err  error
	)
	for i := 0; i < len(encoded); i++ {
		r.buf = append(r.buf, encoded[i])
		done, n, err = r.chunkedDecode(true, 1<<20)
		if err != nil {
			t.Fatalf("byte %d: %v", i, err)
		}
		if done && i != len(encoded)-1 {
			t.Fatalf("completed early at byte %d", i)
		}
	}
	if !done || !bytes.Equal(r.buf[:n], body) {
		t.Errorf("expected %q, got done=%v %q", body, done, r.buf[:n])
	}
}
