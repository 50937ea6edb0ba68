// Package sse implements Server-Sent Events framing per the EventSource
// spec referenced by spec.md §6: base headers, the
// "data:"/"event:"/"id:"/"retry:" event format, and multi-line payload
// splitting.
//
// Grounded on original_source/tremolo/lib/sse.py: the header set is
// fixed in the constructor and Send splits a multi-line payload into
// repeated "data:" lines exactly as that file's send() does.
package sse

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Writer is the minimal surface sse needs from gotremolo.Response, kept
// as an interface so this package has zero import-cycle coupling to the
// engine (spec §1 keeps SSE support a thin layer over Response.Write).
type Writer interface {
	Write(ctx context.Context, p []byte) (int, error)
	SetHeader(key, value string) error
	SetContentType(ct string) error
}

// Stream wraps a Writer with the text/event-stream base headers and the
// Send formatter.
type Stream struct {
	w Writer
}

// Open sets the base SSE headers on w (Content-Type, Cache-Control) and
// returns a Stream ready for Send calls. Call this before the first
// Send, and before any other header mutation on the underlying
// Response, since the first Write commits the response.
func Open(w Writer) (*Stream, error) {
	if err := w.SetContentType("text/event-stream"); err != nil {
		return nil, err
	}
	if err := w.SetHeader("cache-control", "no-cache, must-revalidate"); err != nil {
		return nil, err
	}
	return &Stream{w: w}, nil
}

// Event is one Server-Sent Event. Name, ID, and Retry are optional; zero
// values omit the corresponding field line.
type Event struct {
	Data  string
	Name  string
	ID    string
	Retry int // milliseconds; <=0 omits the retry: line
}

// Send formats and writes ev, splitting a multi-line Data payload into
// one "data:" line per input line (spec §6).
func (s *Stream) Send(ctx context.Context, ev Event) error {
	var b strings.Builder
	if ev.Name != "" {
		fmt.Fprintf(&b, "event: %s\n", ev.Name)
	}
	if ev.ID != "" {
		fmt.Fprintf(&b, "id: %s\n", ev.ID)
	}
	if ev.Retry > 0 {
		fmt.Fprintf(&b, "retry: %s\n", strconv.Itoa(ev.Retry))
	}
	for _, line := range strings.Split(ev.Data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteByte('\n')

	_, err := s.w.Write(ctx, []byte(b.String()))
	return err
}
