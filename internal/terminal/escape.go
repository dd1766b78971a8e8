package terminal

import (
	"io"
	"sync"
	"time"
)

const (
	// EscapeChar is Ctrl+] (0x1D).
	EscapeChar = 0x1D

	// EscapeCount is the number of consecutive escape chars needed.
	EscapeCount = 2

	// EscapeTimeout is the maximum time between escape key presses.
	EscapeTimeout = 500 * time.Millisecond
)

// EscapeReader passes keyboard input through and watches for the detach
// sequence: EscapeCount EscapeChar bytes, each within EscapeTimeout of the
// previous one. Once seen, Escaped is closed and every Read returns
// io.EOF. Escape chars that turn out not to be part of the sequence are
// passed through with the next input.
type EscapeReader struct {
	r   io.Reader
	now func() time.Time

	escaped chan struct{}
	once    sync.Once

	mu      sync.Mutex
	out     []byte // input not yet returned
	pending int    // escape chars held back
	last    time.Time
	done    bool
}

// NewEscapeReader creates an EscapeReader wrapping the given reader.
func NewEscapeReader(r io.Reader) *EscapeReader {
	return &EscapeReader{r: r, now: time.Now, escaped: make(chan struct{})}
}

// Escaped returns a channel that is closed when the escape sequence is detected.
func (e *EscapeReader) Escaped() <-chan struct{} {
	return e.escaped
}

// Read implements io.Reader. It may return 0, nil while an escape char is
// being held back.
func (e *EscapeReader) Read(p []byte) (int, error) {
	e.mu.Lock()
	if len(e.out) > 0 {
		n := copy(p, e.out)
		e.out = e.out[n:]
		e.mu.Unlock()
		return n, nil
	}
	done := e.done
	e.mu.Unlock()
	if done {
		return 0, io.EOF
	}

	in := make([]byte, len(p))
	n, err := e.r.Read(in)

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, b := range in[:n] {
		if b != EscapeChar {
			e.release()
			e.out = append(e.out, b)
			continue
		}

		now := e.now()
		if e.pending > 0 && now.Sub(e.last) > EscapeTimeout {
			e.release()
		}
		e.pending++
		e.last = now

		if e.pending >= EscapeCount {
			e.pending = 0
			e.done = true
			e.once.Do(func() { close(e.escaped) })
			break
		}
	}

	c := copy(p, e.out)
	e.out = e.out[c:]
	if e.done && c == 0 {
		return 0, io.EOF
	}
	if c > 0 && err == io.EOF {
		err = nil
	}
	return c, err
}

// release queues the held escape chars as ordinary input.
func (e *EscapeReader) release() {
	for ; e.pending > 0; e.pending-- {
		e.out = append(e.out, EscapeChar)
	}
}
