package corehttp

import (
	"io"
	"net/http"
	"strconv"
)

// Response is the result of a request that reached the server. The caller
// owns it once the pipeline returns and must close Body.
type Response struct {
	StatusCode int
	// Header holds one value per name; repeated response fields are
	// comma-joined, except Set-Cookie (see HeadersFromHTTP).
	Header     Headers
	Body       io.ReadCloser
	Request    *Request
}

// Status returns the status code with its reason text, e.g. "200 OK".
func (r *Response) Status() string {
	text := http.StatusText(r.StatusCode)
	if text == "" {
		return strconv.Itoa(r.StatusCode)
	}
	return strconv.Itoa(r.StatusCode) + " " + text
}

// drain discards and closes the body so the backend can reuse the
// connection.
func (r *Response) drain() {
	if r == nil || r.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, r.Body)
	_ = r.Body.Close()
}

// UnwrapBody walks bodies that expose the reader they wrap through an
// Unwrap() io.ReadCloser method and returns the innermost one.
func UnwrapBody(body io.ReadCloser) io.ReadCloser {
	for {
		u, ok := body.(interface{ Unwrap() io.ReadCloser })
		if !ok {
			return body
		}
		inner := u.Unwrap()
		if inner == nil {
			return body
		}
		body = inner
	}
}
