package gotremolo

import (
	"context"
	"fmt"

	"github.com/nggit/gotremolo/httperr"
	"github.com/nggit/gotremolo/ws"
)

// UpgradeWebSocket performs the RFC 6455 handshake of spec §4.7: it
// validates the Upgrade/Connection/Sec-WebSocket-Key headers and writes
// the 101 response straight to the transport, bypassing the outbound
// pipeline entirely. This is deliberate, not a shortcut: after the 101
// line the peer starts sending raw WebSocket frames immediately, so the
// handshake bytes must be flushed before the returned *ws.Session's
// Receive/Send touch the same connection -- routing them through the
// outbound pipeline's async writer goroutine would race the session's
// direct reads/writes against that goroutine's buffered flush.
func UpgradeWebSocket(ctx context.Context, req *Request, resp *Response, subprotocol string) (*ws.Session, error) {
	if resp.committed {
		return nil, ErrClosed
	}
	key := req.Header.Get("sec-websocket-key")
	if !ws.IsUpgradeRequest(req.Header.Get("connection"), req.Header.Get("upgrade"), key) {
		return nil, httperr.BadRequest("not a websocket upgrade request")
	}

	resp.Status = 101
	resp.Phrase = "Switching Protocols"
	resp.Header.Set("upgrade", "websocket")
	resp.Header.Set("connection", "upgrade")
	resp.Header.Set("sec-websocket-accept", ws.AcceptKey(key))
	if subprotocol != "" {
		resp.Header.Set("sec-websocket-protocol", subprotocol)
	}
	resp.Header.Set("server", resp.conn.server.Options.ServerName)

	var b []byte
	b = append(b, fmt.Sprintf("HTTP/%s 101 Switching Protocols\r\n", req.Version)...)
	if err := resp.Header.Write(sliceWriter{&b}, nil); err != nil {
		return nil, err
	}
	b = append(b, "\r\n"...)

	if err := resp.conn.writeDirect(b); err != nil {
		return nil, err
	}

	resp.committed = true
	resp.closed = true
	resp.framing = framingUpgrade
	resp.wantClose = true // the engine closes the connection once the session ends
	req.Upgraded = true

	maxPayload := resp.conn.server.Options.WSMaxPayloadSize
	recvTimeout := resp.conn.server.Options.KeepAliveTimeout / 2

	return ws.NewSession(resp.conn.wsTransport(), maxPayload, recvTimeout), nil
}

// sliceWriter adapts a *[]byte to io.Writer for header.Header.Write.
type sliceWriter struct{ buf *[]byte }

func (w sliceWriter) Write(p []byte) (int, error) {
	*w.buf = append(*w.buf, p...)
	return len(p), nil
}

// ServeWebSocket runs sess until the peer (or a protocol error) closes
// it, dispatching each reassembled message to fn, and maintaining the
// ping-liveness timer of spec §4.7. It is a convenience wrapper most
// handlers will use as-is; sess.Receive/Send/Close remain directly
// usable for handlers needing finer control.
func ServeWebSocket(sess *ws.Session, fn func(*ws.Message) error) error {
	for {
		msg, err := sess.Receive()
		if err != nil {
			if ce, ok := err.(*ws.CloseError); ok {
				if !ce.Peer {
					return fmt.Errorf("websocket: %w", ce)
				}
				return nil
			}
			return err
		}
		if ferr := fn(msg); ferr != nil {
			_ = sess.Close(1011, "handler error")
			return ferr
		}
	}
}
