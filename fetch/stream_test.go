package fetch

import (
	"errors"
	"io"
	"strings"
	"testing"
)

// chunkReader yields at most one byte per Read to force boundary handling.
type chunkReader struct {
	data string
	pos  int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if c.pos >= len(c.data) {
		return 0, io.EOF
	}
	p[0] = c.data[c.pos]
	c.pos++
	return 1, nil
}

func TestUnixReaderNormalizesCRLF(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain crlf", "a\r\nb\r\n", "a\nb\n"},
		{"already unix", "a\nb\n", "a\nb\n"},
		{"lone cr kept", "a\rb\n", "a\rb\n"},
		{"trailing cr kept", "a\r", "a\r"},
		{"mixed", "a\r\nb\nc\r\n", "a\nb\nc\n"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := io.ReadAll(newUnixReader(strings.NewReader(tt.in)))
			if err != nil {
				t.Fatalf("ReadAll: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}

			// Same input delivered a byte at a time must transform
			// identically: the CR/LF pair may straddle a chunk boundary.
			got, err = io.ReadAll(newUnixReader(&chunkReader{data: tt.in}))
			if err != nil {
				t.Fatalf("ReadAll (chunked): %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("chunked got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTrackReaderCapturesSourceError(t *testing.T) {
	cause := errors.New("connection reset")
	tr := &trackReader{r: io.MultiReader(strings.NewReader("partial"), &failingReader{err: cause})}

	_, err := io.ReadAll(tr)
	if !errors.Is(err, cause) {
		t.Fatalf("ReadAll = %v, want the source error", err)
	}
	if !errors.Is(tr.err, cause) {
		t.Errorf("trackReader.err = %v, want %v", tr.err, cause)
	}
}

func TestTrackReaderIgnoresEOF(t *testing.T) {
	tr := &trackReader{r: strings.NewReader("all of it")}
	if _, err := io.ReadAll(tr); err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if tr.err != nil {
		t.Errorf("EOF must not be recorded as a failure, got %v", tr.err)
	}
}

func TestProgressReaderTicks(t *testing.T) {
	var ticks []int64
	size := progressTick*2 + 100
	pr := &progressReader{
		r:    strings.NewReader(strings.Repeat("x", size)),
		emit: func(done int64) { ticks = append(ticks, done) },
	}

	n, err := io.Copy(io.Discard, pr)
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if n != int64(size) {
		t.Fatalf("copied %d bytes, want %d", n, size)
	}
	if len(ticks) < 2 {
		t.Fatalf("expected at least two ticks, got %v", ticks)
	}
	if final := ticks[len(ticks)-1]; final != int64(size) {
		t.Errorf("final tick = %d, want %d", final, size)
	}
}
