// Package httpx layers CGI and HTTP conveniences over the core session
// API: status reasons, redirects, path routing, and multipart bodies.
package httpx

import (
	"net/http"
	"strconv"

	"github.com/gofcgi/fcgiserve/fastcgi"
)

// Reason is the reason phrase paired with a status code on the Status
// line, "Unknown" for codes outside the registry.
func Reason(code int) string {
	if text := http.StatusText(code); text != "" {
		return text
	}

	return "Unknown"
}

// StatusLine renders the CGI Status header value for a code.
func StatusLine(code int) string {
	return strconv.Itoa(code) + " " + Reason(code)
}

// Redirect points the client at url. A code of 0 means 302. Fails once the
// response is committed.
func Redirect(req *fastcgi.Request, url string, code int) error {
	if code == 0 {
		code = http.StatusFound
	}

	if err := req.SetField("Location", url); err != nil {
		return err
	}

	return req.SetStatus(code)
}

// NotFound completes the session with a plain 404.
func NotFound(req *fastcgi.Request) error {
	if err := req.SetStatus(http.StatusNotFound); err != nil {
		return err
	}

	return req.SetField("Content-Type", "text/plain")
}
