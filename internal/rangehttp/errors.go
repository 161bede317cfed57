package rangehttp

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedHeader means too few bytes arrived to hold a response header.
	ErrMalformedHeader = errors.New("rangehttp: invalid header length")
	// ErrHeaderTooLarge means no header terminator fit in the read buffer.
	ErrHeaderTooLarge = errors.New("rangehttp: response header exceeds read buffer")
	// ErrInvalidStatusLine means the first header line is not an HTTP status line.
	ErrInvalidStatusLine = errors.New("rangehttp: invalid status line")
	// ErrMissingContentLength means a success response did not declare its body length.
	ErrMissingContentLength = errors.New("rangehttp: success response without Content-Length")
	// ErrStreamClosed means the peer stopped sending before the body was complete.
	ErrStreamClosed = errors.New("rangehttp: the stream is not returning any more data")
	// ErrRangeIgnored means the server answered a range request with more data than asked for.
	ErrRangeIgnored = errors.New("rangehttp: server ignored the range request")
	// ErrUnsupportedScheme is returned for URLs that are neither http nor https.
	ErrUnsupportedScheme = errors.New("rangehttp: unsupported url scheme")

	// ErrNoSource means a redirect pointed back at the URL that produced it.
	ErrNoSource = errors.New("rangehttp: supplied url has no source")
	// ErrTooManyRedirects means the redirect chain never reached a source.
	ErrTooManyRedirects = errors.New("rangehttp: too many redirects")
	// ErrNoContentRange means a probe succeeded without reporting the total size.
	ErrNoContentRange = errors.New("rangehttp: response carries no Content-Range")
)

// StatusError is returned for a status that is neither successful,
// retryable nor a redirect. It carries the parsed response.
type StatusError struct {
	Response *Response
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("rangehttp: unexpected status %d", e.Response.StatusCode)
}
