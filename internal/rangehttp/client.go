// Package rangehttp is a minimal HTTP/1.1 client that issues ranged GET
// requests over a raw, reused TCP or TLS connection and reads bodies straight
// into pooled buffers.
package rangehttp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"syscall"
	"time"

	"github.com/datallboy/govelocity/internal/bufpool"
	"gitlab.com/NebulousLabs/ratelimit"
)

const (
	// ReadBufferSize is the size of the buffer response headers are read into.
	ReadBufferSize = 36000

	// DefaultTimeout bounds every socket read and write.
	DefaultTimeout = 30 * time.Second

	dialTimeout = 10 * time.Second
)

// Options configures a Client.
type Options struct {
	// Timeout bounds each socket read and write. Zero means DefaultTimeout.
	Timeout time.Duration

	// TLSConfig is cloned for https connections. ServerName is filled in
	// from the URL when empty.
	TLSConfig *tls.Config

	// RateLimit, when set, caps the bandwidth of every connection.
	RateLimit *ratelimit.RateLimit
}

// Client holds at most one connection and reuses it while requests target
// the same host and port. A Client is not safe for concurrent use.
type Client struct {
	pool *bufpool.Pool
	opts Options

	conn   net.Conn
	addr   string
	stale  bool
	cancel chan struct{}
}

// NewClient returns a Client that allocates response bodies from pool.
func NewClient(pool *bufpool.Pool, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Client{pool: pool, opts: opts}
}

// Get fetches length bytes of u starting at offset start.
//
// Successful, retryable and redirect responses are returned without error.
// Any other status is returned together with a *StatusError. When the
// first attempt fails with a transient protocol error the connection is
// rebuilt and the request is sent once more.
func (c *Client) Get(ctx context.Context, u *url.URL, start, length int64) (*Response, error) {
	if length <= 0 {
		return nil, fmt.Errorf("rangehttp: invalid range length %d", length)
	}

	resp, err := c.roundTrip(ctx, u, start, length, false)
	if err != nil && ctx.Err() == nil && isTransient(err) {
		resp, err = c.roundTrip(ctx, u, start, length, true)
	}
	if err != nil {
		return nil, err
	}

	if !resp.Successful() && !resp.Retryable() && !resp.Redirect() {
		return resp, &StatusError{Response: resp}
	}
	return resp, nil
}

// Close drops the current connection, if any.
func (c *Client) Close() error {
	return c.reset()
}

func (c *Client) roundTrip(ctx context.Context, u *url.URL, start, length int64, force bool) (*Response, error) {
	conn, err := c.connect(ctx, u, force)
	if err != nil {
		return nil, err
	}

	// a blocked read only notices cancellation when the socket goes away
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })

	resp, err := c.exchange(conn, u, start, length)

	if !stop() {
		if resp != nil {
			c.pool.Free(&resp.Content, false)
		}
		c.reset()
		return nil, ctx.Err()
	}

	if err != nil {
		c.reset()
		return nil, err
	}
	return resp, nil
}

func (c *Client) exchange(conn net.Conn, u *url.URL, start, length int64) (*Response, error) {
	if err := conn.SetWriteDeadline(time.Now().Add(c.opts.Timeout)); err != nil {
		return nil, err
	}
	if _, err := conn.Write(buildRequest(u, start, start+length-1)); err != nil {
		return nil, fmt.Errorf("rangehttp: write request: %w", err)
	}

	var buf []byte
	if err := c.pool.Acquire(&buf, ReadBufferSize); err != nil {
		return nil, err
	}
	defer c.pool.Free(&buf, false)

	n, boundary, err := c.readHeader(conn, buf)
	if err != nil {
		return nil, err
	}

	resp, err := parseHeader(buf[:boundary])
	if err != nil {
		return nil, err
	}
	if v, ok := resp.Header("Connection"); ok && v == "close" {
		c.stale = true
	}

	// the body of an error response is left unread, so the socket cannot
	// carry another request
	if !resp.Successful() {
		c.stale = true
		return resp, nil
	}

	if resp.ContentLength < 0 {
		return nil, ErrMissingContentLength
	}
	if !resp.HasContentRange() && resp.ContentLength > length {
		return nil, fmt.Errorf("%w: asked for %d bytes, got %d", ErrRangeIgnored, length, resp.ContentLength)
	}

	body := buf[boundary+len(headerTerminator) : n]
	content, err := c.readBody(conn, body, int(resp.ContentLength))
	if err != nil {
		return nil, err
	}
	resp.Content = content

	return resp, nil
}

// readHeader reads until the header terminator shows up. It returns the
// number of bytes in buf and the offset of the terminator.
func (c *Client) readHeader(conn net.Conn, buf []byte) (int, int, error) {
	n := 0
	for {
		if n == len(buf) {
			return n, -1, ErrHeaderTooLarge
		}

		if err := conn.SetReadDeadline(time.Now().Add(c.opts.Timeout)); err != nil {
			return n, -1, err
		}
		nr, err := conn.Read(buf[n:])
		n += nr

		if i := bytes.Index(buf[:n], headerTerminator); i >= 0 {
			if n < minimumHeaderBytes {
				return n, -1, ErrMalformedHeader
			}
			return n, i, nil
		}

		if err != nil && !errors.Is(err, io.EOF) {
			return n, -1, err
		}
		if err != nil || nr == 0 {
			if n < minimumHeaderBytes {
				return n, -1, ErrMalformedHeader
			}
			return n, -1, ErrStreamClosed
		}
	}
}

// readBody fills a pool buffer of size bytes, starting with what was read
// alongside the header.
func (c *Client) readBody(conn net.Conn, prefix []byte, size int) ([]byte, error) {
	var content []byte
	if err := c.pool.Acquire(&content, size); err != nil {
		return nil, err
	}

	copied := copy(content, prefix)
	if len(prefix) > copied {
		c.stale = true
	}

	for copied < size {
		if err := conn.SetReadDeadline(time.Now().Add(c.opts.Timeout)); err != nil {
			c.pool.Free(&content, false)
			return nil, err
		}
		nr, err := conn.Read(content[copied:])
		copied += nr
		if copied == size {
			break
		}
		if err != nil || nr == 0 {
			c.pool.Free(&content, false)
			if err == nil || errors.Is(err, io.EOF) {
				return nil, ErrStreamClosed
			}
			return nil, err
		}
	}

	return content, nil
}

// connect returns the live connection for u, dialing a new one when there
// is none, the target changed, the old one went stale or force is set.
func (c *Client) connect(ctx context.Context, u *url.URL, force bool) (net.Conn, error) {
	addr, err := hostPort(u)
	if err != nil {
		return nil, err
	}

	if !force && c.conn != nil && !c.stale && addr == c.addr {
		return c.conn, nil
	}
	_ = c.reset()

	dialer := net.Dialer{Timeout: dialTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("rangehttp: dial %s: %w", addr, err)
	}

	cancel := make(chan struct{})
	conn := raw
	if c.opts.RateLimit != nil {
		conn = ratelimit.NewRLConn(raw, c.opts.RateLimit, cancel)
	}

	if u.Scheme == "https" {
		tlsConn := tls.Client(conn, c.tlsConfig(u.Hostname()))
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = tlsConn.Close()
			close(cancel)
			return nil, fmt.Errorf("rangehttp: tls handshake with %s: %w", addr, err)
		}
		conn = tlsConn
	}

	c.conn = conn
	c.addr = addr
	c.cancel = cancel
	c.stale = false

	return conn, nil
}

func (c *Client) tlsConfig(serverName string) *tls.Config {
	var cfg *tls.Config
	if c.opts.TLSConfig != nil {
		cfg = c.opts.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = serverName
	}
	return cfg
}

func (c *Client) reset() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	close(c.cancel)
	c.conn = nil
	c.cancel = nil
	c.addr = ""
	c.stale = false
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

func hostPort(u *url.URL) (string, error) {
	port := u.Port()
	switch u.Scheme {
	case "http":
		if port == "" {
			port = "80"
		}
	case "https":
		if port == "" {
			port = "443"
		}
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

// isTransient reports errors that a fresh connection usually cures: a peer
// that dropped an idle keep-alive socket or a broken TLS session.
func isTransient(err error) bool {
	switch {
	case errors.Is(err, ErrMalformedHeader),
		errors.Is(err, ErrStreamClosed),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return true
	}

	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return true
	}
	var alert tls.AlertError
	return errors.As(err, &alert)
}
