package gotremolo

import (
	"context"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/nggit/gotremolo/chunked"
	"github.com/nggit/gotremolo/header"
	"github.com/nggit/gotremolo/httperr"
)

// Request is one in-flight HTTP request (Data Model: Request). Header
// values are exposed through header.Header, whose keys are always
// lowercase (invariant I1).
type Request struct {
	Method   string
	RawURL   string
	Path     string
	RawQuery string
	Version  string
	Header   header.Header
	Host     string

	ContentLength    int64 // -1 unknown, 0 none
	Chunked          bool
	ContinueExpected bool
	KeepAlive        bool
	Upgraded         bool

	conn *Conn

	startOnce  sync.Once
	beforeBody func(ctx context.Context) error

	buf     []byte
	eof     bool
	dec     chunked.Decoder
	bodyErr *httperr.Error // set by Conn.pumpBody/pumpChunked on client_max_body_size overflow
}

// fill pulls the next slice from the connection's inbound pipeline into
// the request's buffer, decoding chunked framing if applicable. It never
// re-delivers bytes already returned by Read/Body/Stream.
func (r *Request) fill(ctx context.Context) error {
	var startErr error
	r.startOnce.Do(func() {
		if r.beforeBody != nil {
			startErr = r.beforeBody(ctx)
		}
	})
	if startErr != nil {
		return startErr
	}
	if r.eof {
		return io.EOF
	}

	for {
		raw, err := r.conn.inbound.Get(ctx)
		if err != nil {
			return err
		}
		if raw == nil {
			r.eof = true
			if r.bodyErr != nil {
				return r.bodyErr
			}
			return io.EOF
		}
		if !r.Chunked {
			r.buf = append(r.buf, raw...)
			return nil
		}
		out, err := r.dec.Decode(raw)
		if err != nil {
			return httperr.BadRequest("bad chunked encoding")
		}
		if len(out) > 0 {
			r.buf = append(r.buf, out...)
		}
		if r.dec.Done {
			r.eof = true
		}
		if len(r.buf) > 0 || r.eof {
			return nil
		}
		// decoded nothing yet and not done: loop for more wire bytes
	}
}

// Read returns up to n bytes of body, or all remaining bytes if n<0.
// Repeated calls never re-consume already-returned bytes (spec §4.4).
func (r *Request) Read(ctx context.Context, n int) ([]byte, error) {
	for {
		if n >= 0 && len(r.buf) >= n {
			break
		}
		if err := r.fill(ctx); err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
	}
	if n < 0 || n > len(r.buf) {
		n = len(r.buf)
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out, nil
}

// Body returns the entire remaining body, subject to limit bytes
// (client_max_body_size); limit<=0 disables the check.
func (r *Request) Body(ctx context.Context, limit int64) ([]byte, error) {
	for {
		if err := r.fill(ctx); err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		if limit > 0 && int64(len(r.buf)) > limit {
			return nil, httperr.PayloadTooLarge("body exceeds client_max_body_size")
		}
	}
	out := r.buf
	r.buf = nil
	return out, nil
}

// Stream calls fn once per available chunk of body until EOF or fn
// returns an error. This is the iterator contract of spec §4.4's
// stream(), expressed as a Go callback rather than a generator.
func (r *Request) Stream(ctx context.Context, fn func([]byte) error) error {
	for {
		chunk, err := r.Read(ctx, streamChunkHint)
		if len(chunk) > 0 {
			if ferr := fn(chunk); ferr != nil {
				return ferr
			}
		}
		if err != nil {
			return err
		}
		if r.EOF() {
			return nil
		}
	}
}

const streamChunkHint = 1 << 16

// EOF reports whether the body has been fully consumed.
func (r *Request) EOF() bool {
	return r.eof && len(r.buf) == 0
}

// ConnID returns the identifier of the TCP connection carrying this
// request, for correlating log lines and ASGI scope extensions back to
// one connection across however many keep-alive requests it serves. It
// returns "" for a Request built without a connection (e.g. in tests).
func (r *Request) ConnID() string {
	if r.conn == nil {
		return ""
	}
	return r.conn.id
}

// Cookies parses the Cookie header (SPEC_FULL §4.10).
func (r *Request) Cookies() map[string][]string {
	out := make(map[string][]string)
	for _, line := range r.Header.Values("cookie") {
		for _, pair := range strings.Split(line, ";") {
			pair = strings.TrimSpace(pair)
			if pair == "" {
				continue
			}
			name, value, _ := strings.Cut(pair, "=")
			name = strings.TrimSpace(name)
			out[name] = append(out[name], value)
		}
	}
	return out
}

// Query parses RawQuery (SPEC_FULL §4.11). net/url.ParseQuery is the
// ecosystem-standard RFC 3986 form decoder; see DESIGN.md.
func (r *Request) Query() (url.Values, error) {
	return url.ParseQuery(r.RawQuery)
}
