// Package formdata implements the multipart/urlencoded request body
// convenience of SPEC_FULL §4.9 (Parse), built
// strictly on top of gotremolo.Request's public Body/Stream contract so
// the engine itself stays ignorant of multipart parsing (spec §1 lists
// "request-object high-level conveniences" as an out-of-scope external
// collaborator).
//
// Grounded on original_source/tremolo/lib/http_request.py's
// MultipartFile/form()/files() trio.
package formdata

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/url"
	"strings"

	"github.com/nggit/gotremolo"
)

// File is one uploaded file from a multipart/form-data body.
type File struct {
	Field       string
	Filename    string
	ContentType string
	Data        []byte
}

// Form is the parsed result of a form body: ordinary fields plus any
// uploaded files.
type Form struct {
	Values url.Values
	Files  []File
}

// Parse reads req's entire body (subject to limit bytes, mirroring
// Request.Body's client_max_body_size contract) and parses it according
// to its Content-Type: application/x-www-form-urlencoded or
// multipart/form-data. Any other content type returns an error.
func Parse(ctx context.Context, req *gotremolo.Request, limit int64) (*Form, error) {
	ct := req.Header.Get("content-type")
	mediaType, params, err := mime.ParseMediaType(ct)
	if err != nil {
		return nil, fmt.Errorf("formdata: bad Content-Type: %w", err)
	}

	body, err := req.Body(ctx, limit)
	if err != nil {
		return nil, err
	}

	switch mediaType {
	case "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, err
		}
		return &Form{Values: values}, nil

	case "multipart/form-data":
		boundary, ok := params["boundary"]
		if !ok {
			return nil, fmt.Errorf("formdata: multipart body missing boundary")
		}
		return parseMultipart(body, boundary)

	default:
		return nil, fmt.Errorf("formdata: unsupported Content-Type %q", mediaType)
	}
}

func parseMultipart(body []byte, boundary string) (*Form, error) {
	form := &Form{Values: make(url.Values)}
	mr := multipart.NewReader(bytes.NewReader(body), boundary)

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			return nil, err
		}

		field := part.FormName()
		if filename := part.FileName(); filename != "" {
			form.Files = append(form.Files, File{
				Field:       field,
				Filename:    filename,
				ContentType: strings.TrimSpace(part.Header.Get("Content-Type")),
				Data:        data,
			})
			continue
		}
		form.Values.Add(field, string(data))
	}

	return form, nil
}
