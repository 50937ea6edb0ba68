// Package asgi adapts one gotremolo Request/Response pair (or a
// WebSocket session) into the ASGI message protocol of spec §4.8:
// lifespan/http/websocket scopes and the receive()/send() event pump.
//
// Grounded on original_source/tremolo/asgi_server.py's ASGIServer and
// ASGIAppWrapper (scope construction, http.request/http.disconnect
// timing, the "already started or accepted" guard, the header
// allow/deny list in send()).
package asgi

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nggit/gotremolo"
	"github.com/nggit/gotremolo/httperr"
	"github.com/nggit/gotremolo/ws"
)

// Version is this adapter's ASGI version pair (spec §6).
const (
	ASGIVersion     = "3.0"
	ASGISpecVersion = "2.3"
)

// Event is one ASGI message: an untyped map keyed by the protocol's
// string field names, mirroring the reference implementation's dict
// messages (there is no static Go type shared across http/websocket/
// lifespan messages in the protocol itself).
type Event map[string]any

// Receive and Send are the two async callables every ASGI application
// is invoked with.
type Receive func(ctx context.Context) (Event, error)
type Send func(ctx context.Context, ev Event) error

// Application is the app(scope, receive, send) contract (spec §4.8).
type Application func(ctx context.Context, scope Event, receive Receive, send Send) error

// HeaderPairs converts a gotremolo header.Header into the
// [][2]string byte-pair list ASGI scopes carry under "headers".
func HeaderPairs(h map[string][]string) [][2]string {
	var out [][2]string
	for name, values := range h {
		for _, v := range values {
			out = append(out, [2]string{name, v})
		}
	}
	return out
}

// HTTPScope builds the "http" scope for req, per spec §3's ASGI Scope
// entity and §4.8.
func HTTPScope(req *gotremolo.Request, rootPath, serverName string, clientAddr, serverAddr string) Event {
	return Event{
		"type":         "http",
		"asgi":         Event{"version": ASGIVersion, "spec_version": ASGISpecVersion},
		"http_version": req.Version,
		"method":       req.Method,
		"scheme":       "http",
		"path":         req.Path,
		"raw_path":     req.Path,
		"query_string": req.RawQuery,
		"root_path":    rootPath,
		"headers":      HeaderPairs(req.Header),
		"client":       clientAddr,
		"server":       serverAddr,
		"state":        Event{},
		"extensions":   connExtensions(req),
	}
}

// WebSocketScope builds the "websocket" scope for req.
func WebSocketScope(req *gotremolo.Request, rootPath string, clientAddr, serverAddr string) Event {
	subprotocols := req.Header.Values("sec-websocket-protocol")
	return Event{
		"type":         "websocket",
		"asgi":         Event{"version": ASGIVersion, "spec_version": ASGISpecVersion},
		"http_version": req.Version,
		"scheme":       "ws",
		"path":         req.Path,
		"raw_path":     req.Path,
		"query_string": req.RawQuery,
		"root_path":    rootPath,
		"headers":      HeaderPairs(req.Header),
		"client":       clientAddr,
		"server":       serverAddr,
		"subprotocols": subprotocols,
		"state":        Event{},
		"extensions":   connExtensions(req),
	}
}

// connExtensions carries the TCP connection id under the scope's
// "extensions" key, replacing the original's PID/port/timestamp uid()
// correlation scheme. It is one id per connection, reused across every
// keep-alive request that connection serves -- not a fresh id per
// request.
func connExtensions(req *gotremolo.Request) Event {
	return Event{"gotremolo.connection": Event{"id": req.ConnID()}}
}

// HTTPAdapter pumps http.request/http.disconnect events from req and
// applies http.response.start/http.response.body events to resp,
// preserving the ordering guarantee of spec §5: http.disconnect never
// precedes the body's final more_body=false message.
type HTTPAdapter struct {
	req  *gotremolo.Request
	resp *gotremolo.Response

	closeTimeout time.Duration

	mu        sync.Mutex
	started   bool
	bodyDone  bool
	responded bool
}

// NewHTTPAdapter builds an adapter for one request/response pair.
// closeTimeout bounds how long Receive waits for the transport to
// signal closure after the body has been fully delivered, per spec
// §4.8: "produced either (a) on connection close, or (b) after the
// close timeout elapses, whichever comes first."
func NewHTTPAdapter(req *gotremolo.Request, resp *gotremolo.Response, closeTimeout time.Duration) *HTTPAdapter {
	return &HTTPAdapter{req: req, resp: resp, closeTimeout: closeTimeout}
}

// Receive implements the http receive() callable.
func (a *HTTPAdapter) Receive(ctx context.Context) (Event, error) {
	a.mu.Lock()
	done := a.bodyDone
	a.mu.Unlock()

	if !done {
		chunk, err := a.req.Read(ctx, 1<<16)
		more := !a.req.EOF()
		if err != nil {
			// read error (e.g. bad chunked encoding mid-stream): surface
			// as end-of-body rather than leaving the app hanging.
			more = false
		}
		a.mu.Lock()
		a.bodyDone = !more
		a.mu.Unlock()
		return Event{"type": "http.request", "body": chunk, "more_body": more}, nil
	}

	// Body fully delivered: wait for connection close or the close
	// timeout, whichever comes first (spec §4.8).
	timer := time.NewTimer(a.closeTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	return Event{"type": "http.disconnect"}, nil
}

// disallowedResponseHeaders are managed by the engine and silently
// dropped from http.response.start, per spec §4.8.
var disallowedResponseHeaders = map[string]bool{
	"date":              true,
	"server":            true,
	"transfer-encoding": true,
}

// Send implements the http send() callable.
func (a *HTTPAdapter) Send(ctx context.Context, ev Event) error {
	switch ev["type"] {
	case "http.response.start":
		a.mu.Lock()
		if a.started {
			a.mu.Unlock()
			return httperr.InternalServerError("already started or accepted")
		}
		a.started = true
		a.mu.Unlock()

		if status, ok := ev["status"].(int); ok {
			a.resp.Status = status
		}
		if headers, ok := ev["headers"].([][2]string); ok {
			for _, h := range headers {
				name := strings.ToLower(h[0])
				if disallowedResponseHeaders[name] {
					continue
				}
				if name == "connection" && strings.EqualFold(h[1], "close") {
					a.req.KeepAlive = false
					continue
				}
				if name == "content-length" {
					n, err := strconv.ParseInt(h[1], 10, 64)
					if err == nil {
						a.resp.SetContentLength(n)
					}
					continue
				}
				a.resp.AddHeader(h[0], h[1])
			}
		}
		return nil

	case "http.response.body":
		a.mu.Lock()
		if !a.started {
			a.mu.Unlock()
			return httperr.InternalServerError("response has not been started")
		}
		a.mu.Unlock()

		if body, ok := ev["body"].([]byte); ok && len(body) > 0 {
			if _, err := a.resp.Write(ctx, body); err != nil {
				return err
			}
		}
		more, _ := ev["more_body"].(bool)
		if !more {
			a.mu.Lock()
			a.responded = true
			a.mu.Unlock()
			return a.resp.End(ctx)
		}
		return nil

	default:
		return httperr.InternalServerError(fmt.Sprintf("unexpected ASGI message type %v", ev["type"]))
	}
}

// WebSocketAdapter pumps websocket.* events for one upgraded session.
// The "websocket.connect" event is synthesized once before the
// application calls accept; the underlying *ws.Session is created lazily
// on accept, matching the original's "initially upgraded is False"
// sequencing.
type WebSocketAdapter struct {
	req  *gotremolo.Request
	resp *gotremolo.Response

	mu        sync.Mutex
	connected bool
	sess      *ws.Session
	closed    bool
}

// NewWebSocketAdapter builds an adapter for an about-to-be-upgraded
// request/response pair.
func NewWebSocketAdapter(req *gotremolo.Request, resp *gotremolo.Response) *WebSocketAdapter {
	return &WebSocketAdapter{req: req, resp: resp}
}

// Receive implements the websocket receive() callable.
func (a *WebSocketAdapter) Receive(ctx context.Context) (Event, error) {
	a.mu.Lock()
	connected := a.connected
	a.connected = true
	sess := a.sess
	a.mu.Unlock()

	if !connected {
		return Event{"type": "websocket.connect"}, nil
	}
	if sess == nil {
		return Event{"type": "websocket.disconnect", "code": 1006}, nil
	}

	msg, err := sess.Receive()
	if err != nil {
		code := uint16(1006)
		if ce, ok := err.(*ws.CloseError); ok {
			code = ce.Code
		}
		a.mu.Lock()
		a.closed = true
		a.mu.Unlock()
		return Event{"type": "websocket.disconnect", "code": int(code)}, nil
	}
	if msg.Opcode == ws.OpText {
		return Event{"type": "websocket.receive", "text": string(msg.Payload)}, nil
	}
	return Event{"type": "websocket.receive", "bytes": msg.Payload}, nil
}

// Send implements the websocket send() callable.
func (a *WebSocketAdapter) Send(ctx context.Context, ev Event) error {
	switch ev["type"] {
	case "websocket.accept":
		a.mu.Lock()
		if a.sess != nil {
			a.mu.Unlock()
			return httperr.InternalServerError("already started or accepted")
		}
		a.mu.Unlock()

		subprotocol, _ := ev["subprotocol"].(string)
		sess, err := gotremolo.UpgradeWebSocket(ctx, a.req, a.resp, subprotocol)
		if err != nil {
			return err
		}
		a.mu.Lock()
		a.sess = sess
		a.mu.Unlock()
		return nil

	case "websocket.close":
		a.mu.Lock()
		sess := a.sess
		a.mu.Unlock()
		if sess == nil {
			return httperr.Forbidden("connection rejected")
		}
		code := uint16(1000)
		if c, ok := ev["code"].(int); ok {
			code = uint16(c)
		}
		return sess.Close(code, "")

	case "websocket.send":
		a.mu.Lock()
		sess := a.sess
		a.mu.Unlock()
		if sess == nil {
			return httperr.InternalServerError("has not been started or accepted")
		}
		if b, ok := ev["bytes"].([]byte); ok && len(b) > 0 {
			return sess.Send(ws.OpBinary, b)
		}
		if t, ok := ev["text"].(string); ok && t != "" {
			return sess.Send(ws.OpText, []byte(t))
		}
		return nil

	default:
		return httperr.InternalServerError(fmt.Sprintf("unexpected ASGI message type %v", ev["type"]))
	}
}

