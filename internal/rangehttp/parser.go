package rangehttp

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

var (
	statusLinePattern  = regexp.MustCompile(`^HTTP/\d\.\d\s+(\d+)(?:\s+.*)?$`)
	contentRangeRegex  = regexp.MustCompile(`bytes\s+(\d+)-(\d+)/(\d+)`)
	unsatisfiedRange   = regexp.MustCompile(`bytes\s+\*/(\d+)`)
	headerTerminator   = []byte("\r\n\r\n")
	minimumHeaderBytes = 10
)

// parseHeader turns the header block (without the blank line that ends it)
// into a Response with no content.
func parseHeader(block []byte) (*Response, error) {
	lines := strings.Split(string(block), "\n")

	status := strings.TrimRight(lines[0], "\r")
	m := statusLinePattern.FindStringSubmatch(status)
	if m == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatusLine, status)
	}
	code, err := strconv.Atoi(m[1])
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatusLine, status)
	}

	resp := &Response{
		StatusCode:    code,
		Headers:       make(map[string]string, len(lines)-1),
		ContentLength: -1,
		RangeStart:    -1,
		RangeStop:     -1,
		RangeTotal:    -1,
	}

	for _, line := range lines[1:] {
		line = strings.TrimRight(line, "\r")
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		resp.Headers[name] = strings.TrimSpace(value)
	}

	if v, ok := resp.Headers["Content-Length"]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("rangehttp: invalid Content-Length %q", v)
		}
		resp.ContentLength = n
	}

	if v, ok := resp.Headers["Content-Range"]; ok {
		parseContentRange(resp, v)
	}

	resp.Location = resp.Headers["Location"]

	return resp, nil
}

func parseContentRange(resp *Response, v string) {
	if m := contentRangeRegex.FindStringSubmatch(v); m != nil {
		start, err1 := strconv.ParseInt(m[1], 10, 64)
		stop, err2 := strconv.ParseInt(m[2], 10, 64)
		total, err3 := strconv.ParseInt(m[3], 10, 64)
		if err1 == nil && err2 == nil && err3 == nil {
			resp.RangeStart, resp.RangeStop, resp.RangeTotal = start, stop, total
		}
		return
	}
	if m := unsatisfiedRange.FindStringSubmatch(v); m != nil {
		if total, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			resp.RangeTotal = total
		}
	}
}

// buildRequest renders the GET for bytes [from, to] of u. The Host header
// carries a port only when u names one.
func buildRequest(u *url.URL, from, to int64) []byte {
	var b strings.Builder
	b.Grow(128 + len(u.Host) + len(u.Path) + len(u.RawQuery))

	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", u.RequestURI())
	fmt.Fprintf(&b, "Host: %s\r\n", u.Host)
	b.WriteString("Connection: keep-alive\r\n")
	fmt.Fprintf(&b, "Range: bytes=%d-%d\r\n", from, to)
	b.WriteString("\r\n")

	return []byte(b.String())
}
