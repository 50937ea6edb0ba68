package ws

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"
)

// writeMaskedFrame writes a masked frame exactly as a real browser client
// would, since Session.Receive (server role) rejects unmasked frames.
func writeMaskedFrame(w io.Writer, fin bool, opcode Opcode, payload []byte) error {
	var first byte
	if fin {
		first |= bitFin
	}
	first |= byte(opcode) & bits4to7

	n := len(payload)
	var out []byte
	out = append(out, first)
	switch {
	case n <= 125:
		out = append(out, byte(n)|bitMask)
	case n <= 0xffff:
		out = append(out, len16|bitMask)
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(n))
		out = append(out, b[:]...)
	default:
		out = append(out, len64|bitMask)
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

func writeMaskedClose(w io.Writer, code uint16, reason string) error {
	payload := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(payload, code)
	copy(payload[2:], reason)
	return writeMaskedFrame(w, true, OpClose, payload)
}

func TestAcceptKeyMatchesRFCExample(t *testing.T) {
	// RFC 6455 section 1.3's worked example.
	got := AcceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	want := "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestIsUpgradeRequest(t *testing.T) {
	if !IsUpgradeRequest("Upgrade", "websocket", "x") {
		t.Fatal("expected valid upgrade request to be recognized")
	}
	if IsUpgradeRequest("keep-alive", "websocket", "x") {
		t.Fatal("missing Upgrade token in Connection should be rejected")
	}
	if IsUpgradeRequest("Upgrade", "websocket", "") {
		t.Fatal("missing Sec-WebSocket-Key should be rejected")
	}
}

func TestReadFrameRecordsMaskedBit(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	go writeMaskedFrame(client, true, OpText, []byte("hi"))

	f, err := ReadFrame(server, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !f.Masked || string(f.Payload) != "hi" {
		t.Fatalf("got %+v", f)
	}
}

func TestSessionRejectsUnmaskedFrame(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	go func() {
		WriteFrame(client, true, OpText, []byte("hi")) //nolint:errcheck // server->client framing, unmasked
		ReadFrame(client, 0)                           //nolint:errcheck // drain the server's Close(1002)
	}()

	sess := NewSession(server, 0, time.Second)
	_, err := sess.Receive()
	ce, ok := err.(*CloseError)
	if !ok || ce.Code != 1002 {
		t.Fatalf("got %v, want CloseError(1002) for unmasked frame", err)
	}
}

func TestSessionReceivesTextMessage(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	sess := NewSession(server, 0, time.Second)
	go writeMaskedFrame(client, true, OpText, []byte("hi"))

	msg, err := sess.Receive()
	if err != nil {
		t.Fatal(err)
	}
	if msg.Opcode != OpText || string(msg.Payload) != "hi" {
		t.Fatalf("got %+v", msg)
	}
}

func TestSessionAnswersPingWithPong(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	sess := NewSession(server, 0, time.Second)
	go func() {
		writeMaskedFrame(client, true, OpPing, []byte("hey"))
		writeMaskedFrame(client, true, OpText, []byte("after"))
	}()

	// Receive runs concurrently: it has to read the ping before it can
	// write the pong this goroutine reads below.
	type result struct {
		msg *Message
		err error
	}
	received := make(chan result, 1)
	go func() {
		msg, err := sess.Receive()
		received <- result{msg, err}
	}()

	pong, err := ReadFrame(client, 0)
	if err != nil {
		t.Fatal(err)
	}
	if pong.Opcode != OpPong || string(pong.Payload) != "hey" {
		t.Fatalf("got %+v", pong)
	}

	r := <-received
	if r.err != nil {
		t.Fatal(r.err)
	}
	if string(r.msg.Payload) != "after" {
		t.Fatalf("got %+v", r.msg)
	}
}

func TestSessionReassemblesFragmentedMessage(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	sess := NewSession(server, 0, time.Second)
	go func() {
		writeMaskedFrame(client, false, OpText, []byte("Hello, "))
		writeMaskedFrame(client, true, OpContinuation, []byte("world"))
	}()

	msg, err := sess.Receive()
	if err != nil {
		t.Fatal(err)
	}
	if msg.Opcode != OpText || string(msg.Payload) != "Hello, world" {
		t.Fatalf("got %+v", msg)
	}
}

func TestSessionRejectsUnexpectedContinuation(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	sess := NewSession(server, 0, time.Second)
	go func() {
		writeMaskedFrame(client, true, OpContinuation, []byte("x")) //nolint:errcheck
		ReadFrame(client, 0)                                        //nolint:errcheck // drain the server's Close(1002)
	}()

	_, err := sess.Receive()
	ce, ok := err.(*CloseError)
	if !ok || ce.Code != 1002 {
		t.Fatalf("got %v, want CloseError(1002)", err)
	}
}

func TestSessionReceivePeerClose(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	sess := NewSession(server, 0, time.Second)
	go func() {
		writeMaskedClose(client, 1000, "bye") //nolint:errcheck
		ReadFrame(client, 0)                  //nolint:errcheck // drain the server's echoed Close
	}()

	_, err := sess.Receive()
	ce, ok := err.(*CloseError)
	if !ok || !ce.Peer || ce.Code != 1000 {
		t.Fatalf("got %v", err)
	}
}

func TestSessionLivenessAutoPingAnsweredByPong(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	sess := NewSession(server, 0, 20*time.Millisecond)

	go func() {
		f, err := ReadFrame(client, 0) // the automatic ping
		if err != nil || f.Opcode != OpPing {
			return
		}
		writeMaskedFrame(client, true, OpPong, f.Payload)            //nolint:errcheck
		writeMaskedFrame(client, true, OpText, []byte("still here")) //nolint:errcheck
	}()

	msg, err := sess.Receive()
	if err != nil {
		t.Fatal(err)
	}
	if string(msg.Payload) != "still here" {
		t.Fatalf("got %+v", msg)
	}
}

func TestSessionLivenessClosesAfterUnansweredPing(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	sess := NewSession(server, 0, 20*time.Millisecond)

	go func() {
		ReadFrame(client, 0) //nolint:errcheck // the automatic ping, left unanswered
		ReadFrame(client, 0) //nolint:errcheck // the server's eventual Close(1000)
	}()

	_, err := sess.Receive()
	ce, ok := err.(*CloseError)
	if !ok || ce.Code != 1000 {
		t.Fatalf("got %v, want CloseError(1000)", err)
	}
}
