package rangehttp

// Response is a parsed HTTP/1.1 response. Content is only populated for
// successful responses and belongs to the pool the client was built with;
// the receiver must release it when done.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Content    []byte

	// ContentLength is -1 when the header was absent.
	ContentLength int64

	// RangeStart, RangeStop and RangeTotal come from Content-Range and are
	// -1 when the header was absent. An unsatisfied range ("bytes */N")
	// only sets RangeTotal.
	RangeStart int64
	RangeStop  int64
	RangeTotal int64

	Location string
}

// Header returns the value of an exact-case header name.
func (r *Response) Header(name string) (string, bool) {
	v, ok := r.Headers[name]
	return v, ok
}

// HasContentRange reports whether a satisfied Content-Range was present.
func (r *Response) HasContentRange() bool {
	return r.RangeStart >= 0 && r.RangeStop >= 0 && r.RangeTotal >= 0
}

// Successful reports a 2xx status.
func (r *Response) Successful() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Retryable reports whether the same request may succeed later.
func (r *Response) Retryable() bool {
	if r.Successful() {
		return true
	}
	switch r.StatusCode {
	case 0, 413, 500, 503, 504:
		return true
	}
	return false
}

// Redirect reports a redirect status that names a target.
func (r *Response) Redirect() bool {
	switch r.StatusCode {
	case 301, 302, 303, 307:
		return r.Location != ""
	}
	return false
}
