package chunked

import (
	"io"
	"strconv"
)

// Encoder wraps writes as chunked transfer coding: each Write becomes
// "<hex-size>\r\n<payload>\r\n", and Close emits the terminal
// "0\r\n\r\n" (spec invariant I7). It implements io.WriteCloser.
type Encoder struct {
	w      io.Writer
	closed bool
}

// NewEncoder returns an Encoder writing chunked-coded output to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

func (e *Encoder) Write(p []byte) (int, error) {
	if e.closed {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	if _, err := io.WriteString(e.w, strconv.FormatInt(int64(len(p)), 16)+"\r\n"); err != nil {
		return 0, err
	}
	if _, err := e.w.Write(p); err != nil {
		return 0, err
	}
	if _, err := io.WriteString(e.w, "\r\n"); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close emits the terminal zero-size chunk. It is idempotent.
func (e *Encoder) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	_, err := io.WriteString(e.w, "0\r\n\r\n")
	return err
}
