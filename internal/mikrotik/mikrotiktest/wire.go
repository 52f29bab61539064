package mikrotiktest

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/go-routeros/routeros/v3/proto"
)

// request is one decoded API sentence. Unlike replies, requests may carry
// "?key=value" query words.
type request struct {
	word  string
	attrs []proto.Pair
	query []proto.Pair
}

func (q *request) attr(key string) string {
	for _, p := range q.attrs {
		if p.Key == key {
			return p.Value
		}
	}
	return ""
}

func (q *request) attrMap() map[string]string {
	m := make(map[string]string, len(q.attrs))
	for _, p := range q.attrs {
		m[p.Key] = p.Value
	}
	return m
}

func readRequest(r *bufio.Reader) (*request, error) {
	q := &request{}
	for {
		w, err := readWord(r)
		if err != nil {
			return nil, err
		}
		if w == "" {
			return q, nil
		}
		switch {
		case q.word == "":
			q.word = w
		case strings.HasPrefix(w, "="):
			k, v, _ := strings.Cut(w[1:], "=")
			q.attrs = append(q.attrs, proto.Pair{Key: k, Value: v})
		case strings.HasPrefix(w, "?"):
			k, v, _ := strings.Cut(w[1:], "=")
			q.query = append(q.query, proto.Pair{Key: k, Value: v})
		}
	}
}

func readWord(r *bufio.Reader) (string, error) {
	n, err := readLength(r)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readLength(r *bufio.Reader) (int, error) {
	b0, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	var extra int
	var n int
	switch {
	case b0&0x80 == 0x00:
		return int(b0), nil
	case b0&0xC0 == 0x80:
		n, extra = int(b0&0x3F), 1
	case b0&0xE0 == 0xC0:
		n, extra = int(b0&0x1F), 2
	case b0&0xF0 == 0xE0:
		n, extra = int(b0&0x0F), 3
	case b0 == 0xF0:
		n, extra = 0, 4
	default:
		return 0, fmt.Errorf("mikrotiktest: bad length prefix %#x", b0)
	}
	for range extra {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		n = n<<8 | int(b)
	}
	return n, nil
}
