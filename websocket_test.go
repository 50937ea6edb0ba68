package gotremolo

import (
	"bufio"
	"context"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/nggit/gotremolo/ws"
)

// writeMaskedFrame simulates a real browser client, which RFC 6455 requires
// to mask every frame it sends; Session.Receive rejects unmasked frames.
func writeMaskedFrame(w interface{ Write([]byte) (int, error) }, opcode ws.Opcode, payload []byte) error {
	n := len(payload)
	out := []byte{0x80 | byte(opcode)}
	switch {
	case n <= 125:
		out = append(out, byte(n)|0x80)
	case n <= 0xffff:
		out = append(out, 126|0x80)
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(n))
		out = append(out, b[:]...)
	default:
		out = append(out, 127|0x80)
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(n))
		out = append(out, b[:]...)
	}
	mask := [4]byte{0x11, 0x22, 0x33, 0x44}
	out = append(out, mask[:]...)
	masked := make([]byte, n)
	for i, b := range payload {
		masked[i] = b ^ mask[i%4]
	}
	out = append(out, masked...)
	_, err := w.Write(out)
	return err
}

func TestUpgradeWebSocketHandshakeAndEcho(t *testing.T) {
	srv := testServer(t, func(ctx context.Context, req *Request, resp *Response) error {
		sess, err := UpgradeWebSocket(ctx, req, resp, "")
		if err != nil {
			return err
		}
		return ServeWebSocket(sess, func(msg *ws.Message) error {
			return sess.Send(msg.Opcode, msg.Payload)
		})
	})
	client := dial(t, srv)
	defer client.Close()

	req := "GET /ws HTTP/1.1\r\nHost: x\r\nConnection: Upgrade\r\nUpgrade: websocket\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n\r\n"
	if _, err := client.Write([]byte(req)); err != nil {
		t.Fatal(err)
	}

	br := bufio.NewReader(client)
	status, err := br.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(status, "HTTP/1.1 101") {
		t.Fatalf("got %q", status)
	}

	var accept string
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		if line == "\r\n" {
			break
		}
		if strings.HasPrefix(strings.ToLower(line), "sec-websocket-accept:") {
			accept = strings.TrimSpace(strings.SplitN(line, ":", 2)[1])
		}
	}
	if want := ws.AcceptKey("dGhlIHNhbXBsZSBub25jZQ=="); accept != want {
		t.Fatalf("accept key = %q, want %q", accept, want)
	}

	if err := writeMaskedFrame(client, ws.OpText, []byte("ping-me")); err != nil {
		t.Fatal(err)
	}
	f, err := ws.ReadFrame(br, 0)
	if err != nil {
		t.Fatal(err)
	}
	if f.Opcode != ws.OpText || string(f.Payload) != "ping-me" {
		t.Fatalf("got %+v", f)
	}
}

func TestUpgradeWebSocketRejectsNonUpgradeRequest(t *testing.T) {
	srv := testServer(t, func(ctx context.Context, req *Request, resp *Response) error {
		_, err := UpgradeWebSocket(ctx, req, resp, "")
		return err
	})
	client := dial(t, srv)
	defer client.Close()

	client.Write([]byte("GET /ws HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n"))
	br := bufio.NewReader(client)
	status, _ := br.ReadString('\n')
	if !strings.Contains(status, "400") {
		t.Fatalf("got %q", status)
	}
}
