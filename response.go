package gotremolo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nggit/gotremolo/chunked"
	"github.com/nggit/gotremolo/header"
)

// ErrClosed is returned by Write after End/Close, and by the status and
// header setters once the response has been committed; a repeated End or
// Close returns nil (Open Question 3, see DESIGN.md).
var ErrClosed = errors.New("gotremolo: response already closed")

type framing int

const (
	framingUnset framing = iota
	framingContentLength
	framingChunked
	framingClose
	framingNone // no body permitted at all
	framingUpgrade
)

// Response is the writer side of one request (Data Model: Response). Its
// state machine is Uncommitted -> Committed -> (Body...) -> Closed (spec
// §4.5); setters are only valid while Uncommitted.
type Response struct {
	Status int
	Phrase string
	Header header.Header

	req  *Request
	conn *Conn

	committed  bool
	closed     bool
	framing    framing
	wantClose  bool
	contentLen int64 // -1 until SetContentLength is called

	enc *chunked.Encoder
	out *outboundWriter
}

func newResponse(req *Request, conn *Conn) *Response {
	return &Response{
		Status:     200,
		Phrase:     "OK",
		Header:     make(header.Header),
		req:        req,
		conn:       conn,
		contentLen: -1,
	}
}

// SetStatus sets the status line. Valid only before commit.
func (resp *Response) SetStatus(code int, phrase string) error {
	if resp.committed {
		return ErrClosed
	}
	resp.Status = code
	resp.Phrase = phrase
	return nil
}

// SetHeader replaces the header named key. Valid only before commit.
func (resp *Response) SetHeader(key, value string) error {
	if resp.committed {
		return ErrClosed
	}
	resp.Header.Set(key, value)
	return nil
}

// AddHeader appends a value to the header named key. Valid only before
// commit.
func (resp *Response) AddHeader(key, value string) error {
	if resp.committed {
		return ErrClosed
	}
	resp.Header.Add(key, value)
	return nil
}

// SetContentType is a convenience for SetHeader("content-type", ct).
func (resp *Response) SetContentType(ct string) error {
	return resp.SetHeader("content-type", ct)
}

// SetContentLength declares the exact body length in advance, disabling
// chunked framing for HTTP/1.1 (spec §4.5 framing table).
func (resp *Response) SetContentLength(n int64) error {
	if resp.committed {
		return ErrClosed
	}
	resp.contentLen = n
	resp.Header.Set("content-length", strconv.FormatInt(n, 10))
	return nil
}

// CookieOptions configures SetCookie. All fields are optional.
type CookieOptions struct {
	Expires  time.Time
	MaxAge   int
	HasMaxAge bool
	Path     string
	Domain   string
	SameSite string
	Secure   bool
	HTTPOnly bool
}

// SetCookie appends a Set-Cookie header, formatted exactly as the
// source's HTTPResponse.set_cookie does (grounded on
// original_source/tremolo/lib/http_response.py).
func (resp *Response) SetCookie(name, value string, opts CookieOptions) error {
	if resp.committed {
		return ErrClosed
	}
	if strings.ContainsAny(name+value, "\r\n") {
		return fmt.Errorf("gotremolo: CRLF not allowed in cookie")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s=%s", name, value)
	if !opts.Expires.IsZero() {
		fmt.Fprintf(&b, "; expires=%s", opts.Expires.UTC().Format(header.CookieTimeFormat))
	}
	if opts.HasMaxAge {
		fmt.Fprintf(&b, "; max-age=%d", opts.MaxAge)
	}
	if opts.Path != "" {
		fmt.Fprintf(&b, "; path=%s", opts.Path)
	}
	if opts.Domain != "" {
		fmt.Fprintf(&b, "; domain=%s", opts.Domain)
	}
	if opts.SameSite != "" {
		fmt.Fprintf(&b, "; samesite=%s", opts.SameSite)
	}
	if opts.Secure {
		b.WriteString("; secure")
	}
	if opts.HTTPOnly {
		b.WriteString("; httponly")
	}

	resp.Header.Add("set-cookie", b.String())
	return nil
}

// noBodyStatus reports statuses which never carry a body (spec §4.5).
func noBodyStatus(code int) bool {
	switch {
	case code >= 100 && code < 200:
		return true
	case code == 204, code == 205, code == 304:
		return true
	}
	return false
}

// commit serializes the status line and headers onto the outbound
// pipeline exactly once, choosing the framing per spec §4.5's table.
// After commit the header map is sealed (invariant I6).
func (resp *Response) commit(ctx context.Context) error {
	if resp.committed {
		return nil
	}
	resp.committed = true

	switch {
	case resp.Status == 101:
		resp.framing = framingUpgrade
	case noBodyStatus(resp.Status) || resp.req.Method == "HEAD":
		resp.framing = framingNone
		resp.Header.Set("content-length", "0")
		resp.Header.Del("transfer-encoding")
	case resp.req.Version == "1.0":
		if resp.contentLen >= 0 {
			resp.framing = framingContentLength
		} else {
			resp.framing = framingClose
			resp.wantClose = true
		}
	default: // HTTP/1.1
		if resp.contentLen >= 0 {
			resp.framing = framingContentLength
		} else if resp.req.KeepAlive && !resp.wantClose {
			resp.framing = framingChunked
			resp.Header.Set("transfer-encoding", "chunked")
		} else {
			resp.framing = framingClose
			resp.wantClose = true
		}
	}

	switch {
	case resp.framing == framingUpgrade:
		// Connection/Upgrade headers were already set by the caller
		// (websocket.go's UpgradeWebSocket) before commit ran.
	case resp.wantClose:
		resp.Header.Set("connection", "close")
	case resp.req.Version == "1.1":
		resp.Header.Set("connection", "keep-alive")
	}

	resp.Header.Set("server", resp.conn.server.Options.ServerName)
	resp.Header.Set("date", time.Now().UTC().Format(header.CookieTimeFormat))

	resp.out = resp.conn.newOutboundWriter(ctx)

	if err := resp.writeStatusLine(); err != nil {
		return err
	}
	if err := resp.Header.Write(resp.out, nil); err != nil {
		return err
	}
	if _, err := resp.out.Write([]byte("\r\n")); err != nil {
		return err
	}

	if resp.framing == framingChunked {
		resp.enc = chunked.NewEncoder(resp.out)
	}
	return nil
}

func (resp *Response) writeStatusLine() error {
	line := fmt.Sprintf("HTTP/%s %d %s\r\n", resp.req.Version, resp.Status, resp.Phrase)
	_, err := resp.out.Write([]byte(line))
	return err
}

// Write commits the response (if not already committed) and writes p as
// body bytes, wrapped in chunked framing if that was selected.
func (resp *Response) Write(ctx context.Context, p []byte) (int, error) {
	if resp.closed {
		return 0, ErrClosed
	}
	if !resp.committed {
		if err := resp.commit(ctx); err != nil {
			return 0, err
		}
	}
	if resp.framing == framingNone {
		return 0, nil
	}
	if resp.enc != nil {
		return resp.enc.Write(p)
	}
	return resp.out.Write(p)
}

// End finalizes the response: it commits (if a zero-length body was
// never written), flushes the chunked terminator if applicable, and
// signals the connection engine to either reset for keep-alive or close.
func (resp *Response) End(ctx context.Context) error {
	if resp.closed {
		return nil
	}
	if !resp.committed {
		if err := resp.commit(ctx); err != nil {
			return err
		}
	}
	if resp.enc != nil {
		if err := resp.enc.Close(); err != nil {
			return err
		}
	}
	resp.closed = true
	return resp.conn.finishResponse(resp)
}

// Close is an alias for End used when a handler aborts without writing
// a complete body; the connection is always closed afterward regardless
// of what framing would otherwise have selected.
func (resp *Response) Close(ctx context.Context) error {
	resp.wantClose = true
	return resp.End(ctx)
}

// KeepAliveAfterBody reports whether the engine should keep the
// connection open once End has run.
func (resp *Response) KeepAliveAfterBody() bool {
	return !resp.wantClose && resp.req.KeepAlive
}
