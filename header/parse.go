package header

import (
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Limits bounds the request-line and header-block parser. The zero value
// is not usable; use DefaultLimits.
type Limits struct {
	MaxLines    int // max header lines, request line excluded
	MaxLineSize int // max bytes per CRLF-terminated line
}

// DefaultLimits matches the connection engine's defaults.
var DefaultLimits = Limits{MaxLines: 100, MaxLineSize: 8190}

// Result is a parsed request-line and header block (Data Model: Header).
type Result struct {
	Valid   bool
	Reason  string // set when Valid is false, for the 400 body
	Method  string
	RawURL  string // path+query exactly as it appeared on the wire
	Version string // normalized to "1.0" or "1.1"
	Host    string
	Headers Header
}

// invalid returns a Result marked invalid with the given reason. It
// still carries whatever was parsed so far, mirroring the source's
// "is_valid=false, keep going" style rather than raising.
func invalid(r *Result, reason string) *Result {
	r.Valid = false
	if r.Reason == "" {
		r.Reason = reason
	}
	return r
}

// Parse parses a request-line + header block out of buf, which must end
// in "\r\n\r\n" (the caller, the connection engine, is responsible for
// buffering until that terminator is seen). It never returns an error;
// malformed input is reported via Result.Valid.
func Parse(buf []byte, limits Limits) *Result {
	r := &Result{Valid: true, Headers: make(Header)}

	lines, ok := splitLines(buf, limits)
	if !ok || len(lines) == 0 {
		return invalid(r, "malformed header block")
	}

	parseRequestLine(lines[0], r)

	lineCount := 0
	for _, line := range lines[1:] {
		if len(line) == 0 {
			continue // the blank line preceding the terminator
		}
		lineCount++
		if lineCount > limits.MaxLines {
			return invalid(r, "too many headers")
		}
		parseHeaderLine(line, r)
		if r.Reason != "" && !r.Valid {
			return r
		}
	}

	applyHostPolicy(r)
	return r
}

// splitLines splits buf on CRLF, rejecting any bare LF, CR not
// immediately followed by LF, NUL byte, or a line over MaxLineSize.
func splitLines(buf []byte, limits Limits) ([][]byte, bool) {
	var lines [][]byte
	start := 0
	for i := 0; i < len(buf); i++ {
		switch buf[i] {
		case 0x00:
			return nil, false
		case '\r':
			if i+1 >= len(buf) || buf[i+1] != '\n' {
				return nil, false // CR not followed by LF
			}
		case '\n':
			if i == 0 || buf[i-1] != '\r' {
				return nil, false // bare LF
			}
			line := buf[start : i-1]
			if len(line) > limits.MaxLineSize {
				return nil, false
			}
			lines = append(lines, line)
			start = i + 1
		}
	}
	return lines, true
}

// parseRequestLine fills in Method, RawURL, Version. It locates " HTTP/"
// from the right so arbitrary (but not malicious) whitespace inside the
// URL component is tolerated, matching the source's approach.
func parseRequestLine(line []byte, r *Result) {
	s := string(line)
	idx := strings.LastIndex(s, " HTTP/")
	if idx < 0 {
		invalid(r, "malformed request line")
		return
	}
	head, verStr := s[:idx], s[idx+len(" HTTP/"):]

	sp := strings.IndexByte(head, ' ')
	if sp < 0 {
		invalid(r, "malformed request line")
		return
	}
	r.Method = head[:sp]
	r.RawURL = strings.TrimLeft(head[sp+1:], " ")

	switch verStr {
	case "1.1":
		r.Version = "1.1"
	case "1.0":
		r.Version = "1.0"
	default:
		r.Version = "1.0"
		invalid(r, "unsupported HTTP version")
	}

	if r.Method == "" || r.RawURL == "" {
		invalid(r, "malformed request line")
	}
}

// parseHeaderLine parses one "Name: value" line. A space immediately
// before the colon is rejected outright (header-name injection guard,
// spec P6); names are folded to lowercase, values are trimmed of
// leading and trailing space/tab only.
func parseHeaderLine(line []byte, r *Result) {
	colon := indexByte(line, ':')
	if colon <= 0 {
		invalid(r, "malformed header line")
		return
	}
	if line[colon-1] == ' ' || line[colon-1] == '\t' {
		invalid(r, "space before colon")
		return
	}

	name := string(line[:colon])
	if !httpguts.ValidHeaderFieldName(name) {
		invalid(r, "invalid header name")
		return
	}

	value := trimOWS(line[colon+1:])
	valStr := string(value)
	if !httpguts.ValidHeaderFieldValue(valStr) {
		invalid(r, "invalid header value")
		return
	}

	r.Headers.Add(name, valStr)
}

// trimOWS trims optional leading/trailing space and tab, the RFC 7230
// OWS rule, without assuming anything else about the byte set.
func trimOWS(b []byte) []byte {
	i := 0
	for i < len(b) && (b[i] == ' ' || b[i] == '\t') {
		i++
	}
	n := len(b)
	for n > i && (b[n-1] == ' ' || b[n-1] == '\t') {
		n--
	}
	return b[i:n]
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// applyHostPolicy resolves the Host header per Open Question 1 (see
// DESIGN.md): HTTP/1.1 requires exactly one Host header, and an absent
// Host is treated the same as an empty one, not as "no opinion".
func applyHostPolicy(r *Result) {
	hosts := r.Headers.Values("host")
	switch len(hosts) {
	case 0:
		r.Headers.Set("host", "")
		if r.Version == "1.1" {
			invalid(r, "missing Host")
		}
	case 1:
		r.Host = hosts[0]
		if r.Host == "" && r.Version == "1.1" {
			invalid(r, "missing Host")
		}
	default:
		invalid(r, "duplicate Host")
	}

	if xfh := r.Headers.Get("x-forwarded-host"); xfh != "" {
		r.Host = xfh
	} else if r.Host == "" {
		r.Host = r.Headers.Get("host")
	}
}
