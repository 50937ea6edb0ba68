package gotremolo

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nggit/gotremolo/header"
	"github.com/nggit/gotremolo/httperr"
)

// randomToken returns a random hex suffix for multipart/byteranges
// boundaries, so a boundary token is unlikely to collide with file content.
func randomToken() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// errNoOverlap mirrors badu-http/filetransport's sentinel of the same
// name: returned by parseByteRanges when every requested range starts
// past the end of the file.
var errNoOverlap = errors.New("gotremolo: invalid range: failed to overlap")

// byteRange is one `start-end` interval of a Range header, grounded on
// badu-http/filetransport/types.go's httpRange (start, length) pair,
// adapted to an inclusive [start, end] pair to match spec §4.5's
// Content-Range wording directly.
type byteRange struct {
	start, end int64 // inclusive
}

func (b byteRange) length() int64 { return b.end - b.start + 1 }

// contentRange formats "bytes start-end/size", grounded on
// badu-http/filetransport/http_range.go's httpRange.contentRange.
func (b byteRange) contentRange(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", b.start, b.end, size)
}

// SendFile implements spec §4.5's byte-range sendfile contract: full
// content, 304 Not Modified, single-range 206, or multipart/byteranges
// 206, chosen from the request's Range/If-Range/If-Modified-Since
// headers. ct is the Content-Type to advertise; pass "" to derive it
// from path's extension via mime.TypeByExtension (the ecosystem
// standard; see DESIGN.md).
func (resp *Response) SendFile(ctx context.Context, req *Request, path string, ct string) error {
	if resp.committed {
		return ErrClosed
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return httperr.NotFound("file not found")
		}
		return httperr.InternalServerError(err.Error())
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return httperr.InternalServerError(err.Error())
	}
	size := fi.Size()
	modTime := fi.ModTime().UTC()

	if ct == "" {
		ct = mime.TypeByExtension(filepath.Ext(path))
		if ct == "" {
			ct = "application/octet-stream"
		}
	}

	if ims := req.Header.Get("if-modified-since"); ims != "" {
		if t, err := time.Parse(header.CookieTimeFormat, ims); err == nil {
			if !modTime.After(t) {
				resp.Status = 304
				resp.Phrase = "Not Modified"
				return resp.End(ctx)
			}
		}
	}

	rangeHeader := req.Header.Get("range")
	if rangeHeader == "" || req.Version == "1.0" {
		resp.Header.Set("content-type", ct)
		resp.SetContentLength(size)
		return copyFile(ctx, resp, f, 0, size)
	}

	if ifr := req.Header.Get("if-range"); ifr != "" {
		if t, err := time.Parse(header.CookieTimeFormat, ifr); err != nil || !modTime.Equal(t.UTC()) {
			resp.Header.Set("content-type", ct)
			resp.SetContentLength(size)
			return copyFile(ctx, resp, f, 0, size)
		}
	}

	ranges, err := parseByteRanges(rangeHeader, size)
	if err != nil {
		if errors.Is(err, errNoOverlap) {
			return httperr.RangeNotSatisfiable(fmt.Sprintf("bytes */%d", size))
		}
		return httperr.BadRequest("bad range")
	}

	resp.Status = 206
	resp.Phrase = "Partial Content"

	if len(ranges) == 1 {
		r := ranges[0]
		resp.Header.Set("content-type", ct)
		resp.Header.Set("content-range", r.contentRange(size))
		resp.SetContentLength(r.length())
		return copyFile(ctx, resp, f, r.start, r.length())
	}

	boundary := multipartBoundary()
	resp.Header.Set("content-type", "multipart/byteranges; boundary="+boundary)
	for _, r := range ranges {
		var partHeaderBuf bytes.Buffer
		partHeaderBuf.WriteString("--" + boundary + "\r\n")
		if err := r.mimeHeader(ct, size).Write(&partHeaderBuf, nil); err != nil {
			return err
		}
		partHeaderBuf.WriteString("\r\n")
		if _, err := resp.Write(ctx, partHeaderBuf.Bytes()); err != nil {
			return err
		}
		if err := copyRange(ctx, resp, f, r.start, r.length()); err != nil {
			return err
		}
		if _, err := resp.Write(ctx, []byte("\r\n")); err != nil {
			return err
		}
	}
	if _, err := resp.Write(ctx, []byte("--"+boundary+"--\r\n")); err != nil {
		return err
	}
	return resp.End(ctx)
}

// mimeHeader builds the per-part header block of a multipart/byteranges
// body, grounded on badu-http/filetransport/http_range.go's
// httpRange.mimeHeader.
func (b byteRange) mimeHeader(contentType string, size int64) header.Header {
	h := make(header.Header)
	h.Set("content-range", b.contentRange(size))
	h.Set("content-type", contentType)
	return h
}

func copyFile(ctx context.Context, resp *Response, f *os.File, offset, n int64) error {
	if err := copyRange(ctx, resp, f, offset, n); err != nil {
		return err
	}
	return resp.End(ctx)
}

func copyRange(ctx context.Context, resp *Response, f *os.File, offset, n int64) error {
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	buf := make([]byte, 32<<10)
	remaining := n
	for remaining > 0 {
		want := int64(len(buf))
		if want > remaining {
			want = remaining
		}
		m, err := f.Read(buf[:want])
		if m > 0 {
			if _, werr := resp.Write(ctx, buf[:m]); werr != nil {
				return werr
			}
			remaining -= int64(m)
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
	}
	return nil
}

// parseByteRanges parses a "bytes=a-b,c-,-n" Range header value against
// size, grounded on the spec's grammar (§4.5) and
// original_source/tremolo/lib/http_response.py's sendfile() range
// parsing. Syntax errors return a plain error; an entirely
// unsatisfiable range set returns errNoOverlap.
func parseByteRanges(v string, size int64) ([]byteRange, error) {
	const prefix = "bytes="
	if !strings.HasPrefix(v, prefix) {
		return nil, fmt.Errorf("gotremolo: unsupported range unit")
	}
	v = v[len(prefix):]

	var ranges []byteRange
	noOverlap := false
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		start, end, ok := strings.Cut(part, "-")
		if !ok {
			return nil, fmt.Errorf("gotremolo: malformed range")
		}
		var r byteRange
		switch {
		case start == "": // suffix range "-n"
			n, err := strconv.ParseInt(end, 10, 64)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("gotremolo: malformed range")
			}
			if n > size {
				n = size
			}
			if n == 0 {
				noOverlap = true
				continue
			}
			r = byteRange{start: size - n, end: size - 1}
		case end == "": // open range "a-"
			s, err := strconv.ParseInt(start, 10, 64)
			if err != nil || s < 0 {
				return nil, fmt.Errorf("gotremolo: malformed range")
			}
			if s >= size {
				noOverlap = true
				continue
			}
			r = byteRange{start: s, end: size - 1}
		default:
			s, err1 := strconv.ParseInt(start, 10, 64)
			e, err2 := strconv.ParseInt(end, 10, 64)
			if err1 != nil || err2 != nil || s < 0 || s > e {
				return nil, fmt.Errorf("gotremolo: malformed range")
			}
			if s >= size {
				noOverlap = true
				continue
			}
			if e >= size {
				e = size - 1
			}
			r = byteRange{start: s, end: e}
		}
		ranges = append(ranges, r)
	}

	if len(ranges) == 0 {
		if noOverlap {
			return nil, errNoOverlap
		}
		return nil, fmt.Errorf("gotremolo: empty range set")
	}

	sort.Slice(ranges, func(i, j int) bool { return ranges[i].start < ranges[j].start })
	return ranges, nil
}

func multipartBoundary() string {
	return "----Boundary" + randomToken()
}
