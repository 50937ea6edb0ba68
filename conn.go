package gotremolo

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nggit/gotremolo/header"
	"github.com/nggit/gotremolo/httperr"
	"github.com/nggit/gotremolo/pipeline"
)

// Handler is the contract every request is dispatched to (spec §6's
// route-dispatcher/middleware-chain collaborators sit in front of this;
// the engine itself only knows about this one function type). Returning
// an *httperr.Error before the response is committed produces the
// matching status response; any other error is treated as
// InternalServerError; returning nil with an uncommitted response simply
// closes out a 200 with whatever was written (or nothing).
type Handler func(ctx context.Context, req *Request, resp *Response) error

// connState mirrors spec §4.6's per-connection state machine. It is only
// recorded, never read to drive behavior -- the goroutine control flow
// below is the actual state machine.
type connState int

const (
	stateAwaitingHeader connState = iota
	stateHandling
	stateDraining
	stateIdleKeepAlive
	stateClosed
)

// Conn is the Connection Engine of spec §4.6: it owns the transport, the
// per-connection inbound/outbound pipelines, and drives the
// reader -> parser -> handler -> writer cycle along with every timeout
// in spec §4.6 and §6.
//
// Grounded on original_source/tremolo/lib/http_protocol.py's
// HTTPProtocol (set_timeout/_handle_request_header/data_received/
// _send_data/_handle_keepalive/connection_lost state machine) and
// badu-http's conn.go for the Go connection-loop idiom (buffered
// reader/writer, deferred close, Peek/Discard framing).
type Conn struct {
	id     string
	server *Server
	rwc    net.Conn
	br     *bufio.Reader
	bw     *bufio.Writer

	inbound  *pipeline.Queue
	outbound *pipeline.Queue
	wmark    *pipeline.Watermark

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state connState

	bodyBytesSeen int64 // across the current request only
}

// logError logs msg/err tagged with this connection's id, so related
// log lines (and, via the ASGI scope's extensions, an app's own logging)
// can be correlated back to one TCP connection.
func (c *Conn) logError(msg string, err error) {
	c.server.logError(fmt.Sprintf("conn %s: %s", c.id, msg), err)
}

func newConn(server *Server, rwc net.Conn) *Conn {
	ctx, cancel := context.WithCancel(server.baseContext())
	bufSize := server.Options.BufferSize
	if bufSize <= 0 {
		bufSize = 16 << 10
	}
	return &Conn{
		id:       uuid.NewString(),
		server:   server,
		rwc:      rwc,
		br:       bufio.NewReaderSize(rwc, bufSize),
		bw:       bufio.NewWriterSize(rwc, bufSize),
		inbound:  pipeline.New(64, server.Options.UploadRate),
		outbound: pipeline.New(64, server.Options.DownloadRate),
		wmark:    pipeline.NewWatermark(bufSize),
		ctx:      ctx,
		cancel:   cancel,
		state:    stateAwaitingHeader,
	}
}

// serve runs the full keep-alive lifetime of one accepted connection. It
// is called on its own goroutine by Server.Serve's accept loop (spec §5:
// "one goroutine per connection with channel-based pipelines").
func (c *Conn) serve() {
	defer c.cancel()
	defer c.rwc.Close()
	defer c.server.keepAlive.Remove(c)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writerLoop()
	}()

	firstRequest := true
	for {
		timeout := c.server.Options.KeepAliveTimeout
		if firstRequest {
			timeout = c.server.Options.RequestTimeout
		}
		if timeout > 0 {
			c.rwc.SetReadDeadline(time.Now().Add(timeout))
		}

		if !firstRequest {
			c.mu.Lock()
			c.state = stateIdleKeepAlive
			c.mu.Unlock()
			c.server.keepAlive.Insert(c)
			// Leave the registry as soon as the next request's first byte
			// arrives, so eviction only ever picks idle connections.
			c.br.Peek(1) //nolint:errcheck // readHeaderBlock reports any read error
			c.server.keepAlive.Remove(c)
		}

		headerBytes, err := c.readHeaderBlock()
		c.server.keepAlive.Remove(c)
		if err != nil {
			if herr, ok := httperr.As(err); ok {
				// header block over client_max_header_size
				c.writeEarlyError(herr)
				break
			}
			if !firstRequest {
				// idle keep-alive connection timed out or the peer went
				// away quietly: no response is owed (spec §4.6).
				break
			}
			c.writeEarlyError(httperr.RequestTimeout("timed out waiting for the request"))
			break
		}
		c.rwc.SetReadDeadline(time.Time{})
		firstRequest = false

		cont, err := c.handleOneRequest(headerBytes)
		if err != nil {
			c.logError("request handling failed", err)
		}
		if !cont {
			break
		}
	}

	c.outbound.Put(context.Background(), nil) //nolint:errcheck // best-effort drain signal
	c.outbound.Close()
	<-writerDone
}

// readHeaderBlock reads raw bytes off the wire up to and including the
// terminating CRLFCRLF, honoring client_max_header_size (spec §4.6).
func (c *Conn) readHeaderBlock() ([]byte, error) {
	limit := c.server.Options.ClientMaxHeaderSize
	if limit <= 0 {
		limit = 8192
	}
	var buf []byte
	for {
		b, err := c.br.ReadByte()
		if err != nil {
			return nil, err
		}
		buf = append(buf, b)
		if len(buf) > limit {
			return nil, httperr.BadRequest("header block exceeds client_max_header_size")
		}
		if bytes.HasSuffix(buf, []byte("\r\n\r\n")) {
			return buf, nil
		}
	}
}

// handleOneRequest parses, dispatches, and fully drains one request on
// this connection. It returns cont=false when the connection must close
// after this request (either by protocol rule or by the response's own
// decision).
func (c *Conn) handleOneRequest(headerBytes []byte) (cont bool, err error) {
	c.mu.Lock()
	c.state = stateHandling
	c.bodyBytesSeen = 0
	c.mu.Unlock()

	res := header.Parse(headerBytes, header.Limits{
		MaxLines:    100,
		MaxLineSize: 8190,
	})

	req := &Request{
		Method:   res.Method,
		RawURL:   res.RawURL,
		Version:  res.Version,
		Header:   res.Headers,
		Host:     res.Host,
		conn:     c,
	}
	req.Path, req.RawQuery, _ = strings.Cut(req.RawURL, "?")
	resp := newResponse(req, c)

	if !res.Valid {
		return false, c.writeEarlyError(httperr.BadRequest(res.Reason))
	}

	if verr := c.classify(req); verr != nil {
		return false, c.writeEarlyError(verr)
	}

	req.KeepAlive = wantsKeepAlive(req)
	if req.KeepAlive {
		resp.wantClose = false
	} else {
		resp.wantClose = true
	}

	if req.ContinueExpected {
		if req.ContentLength > c.server.Options.ClientMaxBodySize {
			return false, c.writeEarlyError(httperr.ExpectationFailed("declared length exceeds client_max_body_size"))
		}
		req.beforeBody = func(ctx context.Context) error {
			line := fmt.Sprintf("HTTP/%s 100 Continue\r\n\r\n", req.Version)
			return c.outbound.Put(ctx, []byte(line))
		}
	}

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		c.pumpBody(c.ctx, req)
	}()

	handlerCtx, handlerCancel := context.WithTimeout(c.ctx, c.server.handlerTimeout())
	defer handlerCancel()

	herr := c.runHandler(handlerCtx, req, resp)

	<-pumpDone

	if req.bodyErr != nil {
		// The pump stopped mid-body once client_max_body_size was
		// exceeded, so the wire's read position is no longer trustworthy
		// for framing the next pipelined request -- never keep this
		// connection alive, independent of whether the handler itself
		// observed the error.
		resp.wantClose = true
		if herr == nil {
			herr = req.bodyErr
		}
	}

	if herr != nil {
		if httpErr, ok := httperr.As(herr); ok {
			c.applyError(handlerCtx, resp, httpErr)
		} else {
			c.applyError(handlerCtx, resp, httperr.InternalServerError(debugMessage(c.server.Options.Debug, herr)))
		}
	}

	if !resp.closed {
		if cerr := resp.End(handlerCtx); cerr != nil && !errors.Is(cerr, ErrClosed) {
			return false, cerr
		}
	}

	return resp.KeepAliveAfterBody(), nil
}

// runHandler invokes the engine's Handler with panic recovery (an
// application panic is an InternalServerError, never a crashed
// connection, per spec §7's "any non-HTTP exception surfaces as
// InternalServerError").
func (c *Conn) runHandler(ctx context.Context, req *Request, resp *Response) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = httperr.InternalServerError(fmt.Sprintf("panic: %v", r))
		}
	}()
	if c.server.Handler == nil {
		return httperr.NotFound("no handler configured")
	}
	return c.server.Handler(ctx, req, resp)
}

// applyError maps an *httperr.Error onto resp, following spec §7's
// commit-aware propagation: before commit, a full error response is
// written; after commit, the connection is simply torn down (chunked
// framing cannot be un-terminated once started).
func (c *Conn) applyError(ctx context.Context, resp *Response, e *httperr.Error) {
	if resp.committed {
		c.logError("error after response commit", e)
		resp.wantClose = true
		return
	}
	resp.Status = e.Code
	resp.Phrase = e.Phrase
	resp.wantClose = resp.wantClose || e.Code >= 500 || e.Code == 400 || e.Code == 408
	if len(e.Methods) > 0 {
		resp.Header.Set("allow", strings.Join(e.Methods, ", "))
	}
	body := errorBody(c.server.Options.Debug, e)
	resp.Header.Set("content-type", "text/plain; charset=utf-8")
	resp.SetContentLength(int64(len(body)))
	if _, err := resp.Write(ctx, body); err != nil {
		c.logError("writing error response failed", err)
		resp.wantClose = true
	}
}

func errorBody(debug bool, e *httperr.Error) []byte {
	if debug && e.Cause != nil {
		return []byte(fmt.Sprintf("%s\n\n%v", e.Message, e.Cause))
	}
	return []byte(e.Message)
}

func debugMessage(debug bool, err error) string {
	if debug {
		return err.Error()
	}
	return "internal server error"
}

// classify performs the ambiguity checks of spec §4.6: CL+TE conflict,
// multiple/empty Content-Length, and populates ContentLength/Chunked/
// ContinueExpected on req.
func (c *Conn) classify(req *Request) *httperr.Error {
	te := req.Header.Values("transfer-encoding")
	cl := req.Header.Values("content-length")

	chunked := len(te) > 0 && strings.EqualFold(te[len(te)-1], "chunked")

	if chunked && len(cl) > 0 {
		return httperr.BadRequest("ambiguous Content-Length")
	}
	if len(cl) > 1 {
		return httperr.BadRequest("multiple Content-Length headers")
	}

	req.ContentLength = -1
	if len(cl) == 1 {
		if cl[0] == "" {
			return httperr.BadRequest("empty Content-Length")
		}
		n, err := strconv.ParseInt(cl[0], 10, 64)
		if err != nil || n < 0 {
			return httperr.BadRequest("malformed Content-Length")
		}
		req.ContentLength = n
	} else if !chunked {
		req.ContentLength = 0
	}

	req.Chunked = chunked
	if max := c.server.Options.ClientMaxBodySize; max > 0 && req.ContentLength > max {
		if strings.EqualFold(req.Header.Get("expect"), "100-continue") {
			// caller (handleOneRequest) turns this into 417 rather than 413
		} else {
			return httperr.PayloadTooLarge("declared Content-Length exceeds client_max_body_size")
		}
	}

	if strings.EqualFold(req.Header.Get("expect"), "100-continue") {
		req.ContinueExpected = true
	}
	return nil
}

func wantsKeepAlive(req *Request) bool {
	conn := strings.ToLower(req.Header.Get("connection"))
	switch {
	case strings.Contains(conn, "close"):
		return false
	case req.Version == "1.1":
		return true
	case strings.Contains(conn, "keep-alive"):
		return true
	default:
		return false
	}
}

// pumpBody feeds the raw wire bytes belonging to req's body onto the
// inbound pipeline, enforcing client_max_body_size (spec §4.3 invariant
// I8) and always terminating with the nil EOF sentinel. Request.fill
// (request.go) is the consumer; it performs the actual chunked decode,
// so pumpBody only needs to know where the body ends on the wire.
func (c *Conn) pumpBody(ctx context.Context, req *Request) {
	defer c.inbound.Put(ctx, nil) //nolint:errcheck // best-effort EOF sentinel

	limit := c.server.Options.ClientMaxBodySize

	if req.Chunked {
		c.pumpChunked(ctx, req, limit)
		return
	}
	if req.ContentLength <= 0 {
		return
	}
	remaining := req.ContentLength
	bufSize := c.server.Options.BufferSize
	if bufSize <= 0 {
		bufSize = 16 << 10
	}
	for remaining > 0 {
		n := int64(bufSize)
		if n > remaining {
			n = remaining
		}
		peek, err := c.br.Peek(int(n))
		if len(peek) == 0 {
			if err != nil {
				c.logError("body read failed", err)
			}
			return
		}
		chunk := append([]byte(nil), peek...)
		c.br.Discard(len(peek)) //nolint:errcheck
		remaining -= int64(len(peek))
		if limit > 0 {
			c.bodyBytesSeen += int64(len(peek))
			if c.bodyBytesSeen > limit {
				// Read position on the wire can no longer be trusted for
				// keep-alive framing (the rest of this body, and any
				// pipelined request after it, is abandoned unread); the
				// connection is forced closed in handleOneRequest.
				req.bodyErr = httperr.PayloadTooLarge("body exceeds client_max_body_size")
				return
			}
		}
		if perr := c.inbound.Put(ctx, chunk); perr != nil {
			return
		}
	}
}

// pumpChunked reads chunked framing directly off the wire (chunk-size
// line, payload, trailing CRLF, repeated until the terminal zero-size
// chunk and trailer block), pushing each raw segment onto the inbound
// pipeline exactly as seen. Request.fill's chunked.Decoder re-parses
// these same bytes to produce the decoded payload; pumpChunked's own
// pass exists only to know where the body ends on the wire so the next
// pipelined request's header can be read afterward.
func (c *Conn) pumpChunked(ctx context.Context, req *Request, limit int64) {
	for {
		line, err := c.br.ReadSlice('\n')
		if err != nil {
			c.logError("chunked read failed", err)
			return
		}
		if perr := c.inbound.Put(ctx, append([]byte(nil), line...)); perr != nil {
			return
		}
		sizePart := line
		if i := bytes.IndexByte(sizePart, ';'); i >= 0 {
			sizePart = sizePart[:i]
		}
		sizePart = bytes.TrimRight(sizePart, "\r\n")
		size, err := strconv.ParseInt(strings.TrimSpace(string(sizePart)), 16, 64)
		if err != nil || size < 0 {
			return
		}
		if size == 0 {
			c.pumpTrailer(ctx)
			return
		}
		if limit > 0 {
			c.bodyBytesSeen += size
			if c.bodyBytesSeen > limit {
				// Same as pumpBody's content-length path: the oversized
				// chunk's payload is left unread on the wire, so the
				// connection is forced closed rather than kept alive.
				req.bodyErr = httperr.PayloadTooLarge("body exceeds client_max_body_size")
				return
			}
		}
		remaining := size + 2 // payload + trailing CRLF
		for remaining > 0 {
			n := remaining
			bufSize := int64(c.server.Options.BufferSize)
			if bufSize <= 0 {
				bufSize = 16 << 10
			}
			if n > bufSize {
				n = bufSize
			}
			peek, perr := c.br.Peek(int(n))
			if len(peek) == 0 {
				if perr != nil {
					c.logError("chunked body read failed", perr)
				}
				return
			}
			chunk := append([]byte(nil), peek...)
			c.br.Discard(len(peek)) //nolint:errcheck
			remaining -= int64(len(peek))
			if perr := c.inbound.Put(ctx, chunk); perr != nil {
				return
			}
		}
	}
}

// pumpTrailer reads (and forwards) the trailer block following the
// terminal zero-size chunk, up to and including the blank line.
func (c *Conn) pumpTrailer(ctx context.Context) {
	for {
		line, err := c.br.ReadSlice('\n')
		if err != nil {
			return
		}
		c.inbound.Put(ctx, append([]byte(nil), line...)) //nolint:errcheck
		if bytes.Equal(line, []byte("\r\n")) {
			return
		}
	}
}

// writeEarlyError writes a full error response directly (the request
// never reached a Response, e.g. an invalid header block) and marks the
// connection for close.
func (c *Conn) writeEarlyError(e *httperr.Error) error {
	body := errorBody(c.server.Options.Debug, e)
	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.0 %d %s\r\n", e.Code, e.Phrase)
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("Connection: close\r\n\r\n")
	b.Write(body)
	_, err := c.bw.Write(b.Bytes())
	c.bw.Flush() //nolint:errcheck
	return err
}

// newOutboundWriter returns the io.Writer a Response commits its status
// line, headers, and body through (spec §4.3's Outbound Pipeline).
func (c *Conn) newOutboundWriter(ctx context.Context) *outboundWriter {
	return &outboundWriter{ctx: ctx, conn: c}
}

type outboundWriter struct {
	ctx  context.Context
	conn *Conn
}

func (w *outboundWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	cp := append([]byte(nil), p...)
	w.conn.wmark.Add(len(cp))
	if err := w.conn.outbound.Put(w.ctx, cp); err != nil {
		return 0, err
	}
	if err := w.conn.wmark.Wait(w.ctx); err != nil {
		return 0, fmt.Errorf("send timeout: %w", err)
	}
	return len(p), nil
}

// writerLoop is the single long-lived consumer of the outbound pipeline
// for the entire connection lifetime, spanning every keep-alive request
// (spec §4.3's Outbound Pipeline consumer).
func (c *Conn) writerLoop() {
	for {
		buf, err := c.outbound.Get(c.ctx)
		if err != nil {
			return
		}
		if buf == nil {
			c.bw.Flush() //nolint:errcheck
			continue
		}
		if _, err := c.bw.Write(buf); err != nil {
			c.cancel()
			return
		}
		if err := c.bw.Flush(); err != nil {
			c.cancel()
			return
		}
		c.wmark.Drain(len(buf))
	}
}

// finishResponse signals the writer that this response's bytes are
// fully enqueued (Response.End's final step). The outbound pipeline is
// long-lived across keep-alive requests, so this only flushes; the
// keep-alive-vs-close decision itself is made by handleOneRequest from
// resp.KeepAliveAfterBody(), not by the writer.
func (c *Conn) finishResponse(resp *Response) error {
	return c.outbound.Put(context.Background(), nil)
}

// writeDirect writes p straight to the connection's buffered writer and
// flushes, bypassing the outbound pipeline. Used only for the WebSocket
// 101 handshake response (websocket.go), which must be on the wire
// before the caller starts raw frame I/O on the same transport.
func (c *Conn) writeDirect(p []byte) error {
	if _, err := c.bw.Write(p); err != nil {
		return err
	}
	return c.bw.Flush()
}

// wsTransport returns an io.ReadWriter over this connection's existing
// buffered reader (so any bytes already buffered from the handshake
// request are not lost) and buffered writer (flushed after every
// write), for a ws.Session to read/write frames on directly once the
// outbound pipeline's writer goroutine is no longer touching the wire.
func (c *Conn) wsTransport() *connReadWriter {
	return &connReadWriter{c: c}
}

type connReadWriter struct {
	c *Conn
}

func (rw *connReadWriter) Read(p []byte) (int, error) {
	return rw.c.br.Read(p)
}

func (rw *connReadWriter) Write(p []byte) (int, error) {
	n, err := rw.c.bw.Write(p)
	if err == nil {
		err = rw.c.bw.Flush()
	}
	return n, err
}

// SetReadDeadline lets a ws.Session drive its own liveness timer (spec
// §4.7) directly on the underlying transport.
func (rw *connReadWriter) SetReadDeadline(t time.Time) error {
	return rw.c.rwc.SetReadDeadline(t)
}

// closeIdle is called by the keep-alive registry when this connection is
// evicted for capacity (spec §3: "oldest evicted on overflow").
func (c *Conn) closeIdle() {
	c.mu.Lock()
	c.state = stateClosed
	c.mu.Unlock()
	c.cancel()
	c.rwc.Close()
}

func (s *Server) handlerTimeout() time.Duration {
	if s.Options.AppHandlerTimeout > 0 {
		return s.Options.AppHandlerTimeout
	}
	return 120 * time.Second
}

var _ io.Writer = (*outboundWriter)(nil)
