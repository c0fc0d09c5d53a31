package fetch

import (
	"bufio"
	"errors"
	"io"
)

// unixReader rewrites CRLF pairs to a single LF while streaming. It is a
// pure chunk transform; a CR at a chunk boundary is held until the next
// byte decides whether it belongs to a pair. Lone CRs pass through.
type unixReader struct {
	r *bufio.Reader
}

func newUnixReader(r io.Reader) *unixReader {
	return &unixReader{r: bufio.NewReader(r)}
}

func (u *unixReader) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		b, err := u.r.ReadByte()
		if err != nil {
			if n > 0 && errors.Is(err, io.EOF) {
				return n, nil
			}
			return n, err
		}
		if b == '\r' {
			if next, perr := u.r.Peek(1); perr == nil && next[0] == '\n' {
				continue
			}
		}
		p[n] = b
		n++
	}
	return n, nil
}

// trackReader remembers the first non-EOF read error so the caller can
// tell a broken source stream apart from a failing consumer.
type trackReader struct {
	r   io.Reader
	err error
}

func (t *trackReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) && t.err == nil {
		t.err = err
	}
	return n, err
}

// progressTick is how many bytes pass between progress callbacks.
const progressTick = 64 * 1024

// progressReader reports coarse byte progress while a message streams
// through it.
type progressReader struct {
	r    io.Reader
	done int64
	last int64
	emit func(done int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.done += int64(n)
	if p.emit != nil && (p.done-p.last >= progressTick || (err != nil && p.done > p.last)) {
		p.last = p.done
		p.emit(p.done)
	}
	return n, err
}
