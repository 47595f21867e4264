package httpx

import (
	"mime"
	"mime/multipart"

	"github.com/pkg/errors"

	"github.com/gofcgi/fcgiserve/fastcgi"
)

// Multipart splits a multipart request body on the boundary named in
// CONTENT_TYPE, reading parts from the session's stdin.
func Multipart(req *fastcgi.Request) (*multipart.Reader, error) {
	ct := req.Parameters()["CONTENT_TYPE"]
	if ct == "" {
		return nil, errors.New("httpx: no CONTENT_TYPE variable")
	}

	mediaType, params, err := mime.ParseMediaType(ct)
	if err != nil {
		return nil, errors.Wrap(err, "httpx: parse CONTENT_TYPE")
	}

	if mediaType != "multipart/form-data" && mediaType != "multipart/mixed" {
		return nil, errors.Errorf("httpx: %s is not a multipart type", mediaType)
	}

	boundary := params["boundary"]
	if boundary == "" {
		return nil, errors.New("httpx: multipart CONTENT_TYPE without boundary")
	}

	return multipart.NewReader(req.Stdin(), boundary), nil
}
