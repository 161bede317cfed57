package rangehttp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/datallboy/govelocity/internal/bufpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/NebulousLabs/ratelimit"
)

func fixture(size int) []byte {
	data := make([]byte, size)
	rand.New(rand.NewSource(42)).Read(data)
	return data
}

// rangeServer serves data with full Range support and counts the
// connections it accepts.
func rangeServer(t *testing.T, data []byte, tlsOn bool) (*httptest.Server, *atomic.Int32) {
	t.Helper()

	var conns atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/file", func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "file.bin", time.Time{}, bytes.NewReader(data))
	})
	mux.HandleFunc("/forbidden", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusForbidden)
	})
	mux.HandleFunc("/busy", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "later", http.StatusServiceUnavailable)
	})

	srv := httptest.NewUnstartedServer(mux)
	srv.Config.ConnState = func(_ net.Conn, state http.ConnState) {
		if state == http.StateNew {
			conns.Add(1)
		}
	}
	if tlsOn {
		srv.StartTLS()
	} else {
		srv.Start()
	}
	t.Cleanup(srv.Close)

	return srv, &conns
}

// rawServer hands every accepted connection, numbered from zero, to handle.
func rawServer(t *testing.T, handle func(n int, conn net.Conn)) *url.URL {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for n := 0; ; n++ {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(n int, conn net.Conn) {
				defer conn.Close()
				handle(n, conn)
			}(n, conn)
		}
	}()

	u, err := url.Parse("http://" + ln.Addr().String() + "/file")
	require.NoError(t, err)
	return u
}

func readRequest(conn net.Conn) (string, error) {
	r := bufio.NewReader(conn)
	var b strings.Builder
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return b.String(), err
		}
		b.WriteString(line)
		if line == "\r\n" {
			return b.String(), nil
		}
	}
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func newTestClient(opts Options) (*Client, *bufpool.Pool) {
	pool := bufpool.New(bufpool.Class{Size: ReadBufferSize, Count: 1})
	return NewClient(pool, opts), pool
}

func TestGetReturnsRequestedRange(t *testing.T) {
	data := fixture(100000)
	srv, conns := rangeServer(t, data, false)
	client, pool := newTestClient(Options{})
	defer client.Close()

	u := mustParse(t, srv.URL+"/file")

	ranges := []struct{ start, length int64 }{
		{0, 1000},
		{1000, 5000},
		{99000, 1000},
		{50000, 40000},
	}
	for _, r := range ranges {
		resp, err := client.Get(context.Background(), u, r.start, r.length)
		require.NoError(t, err)

		assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
		assert.Equal(t, data[r.start:r.start+r.length], resp.Content)
		assert.Equal(t, r.start, resp.RangeStart)
		assert.Equal(t, r.start+r.length-1, resp.RangeStop)
		assert.Equal(t, int64(len(data)), resp.RangeTotal)

		pool.Free(&resp.Content, false)
		assert.Nil(t, resp.Content)
	}

	assert.Equal(t, int32(1), conns.Load(), "keep-alive connection should be reused")
}

func TestGetReconnectsWhenHostChanges(t *testing.T) {
	first, firstConns := rangeServer(t, fixture(1000), false)
	second, secondConns := rangeServer(t, fixture(2000), false)
	client, _ := newTestClient(Options{})
	defer client.Close()

	for _, base := range []string{first.URL, second.URL, second.URL} {
		resp, err := client.Get(context.Background(), mustParse(t, base+"/file"), 0, 10)
		require.NoError(t, err)
		assert.Len(t, resp.Content, 10)
	}

	assert.Equal(t, int32(1), firstConns.Load())
	assert.Equal(t, int32(1), secondConns.Load())
}

func TestGetOverTLS(t *testing.T) {
	data := fixture(50000)
	srv, _ := rangeServer(t, data, true)
	client, _ := newTestClient(Options{TLSConfig: &tls.Config{InsecureSkipVerify: true}})
	defer client.Close()

	resp, err := client.Get(context.Background(), mustParse(t, srv.URL+"/file"), 20000, 30000)
	require.NoError(t, err)
	assert.Equal(t, data[20000:], resp.Content)
}

func TestGetStatusHandling(t *testing.T) {
	srv, conns := rangeServer(t, fixture(1000), false)
	client, _ := newTestClient(Options{})
	defer client.Close()

	resp, err := client.Get(context.Background(), mustParse(t, srv.URL+"/forbidden"), 0, 10)
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusForbidden, statusErr.Response.StatusCode)
	assert.Same(t, resp, statusErr.Response)

	resp, err = client.Get(context.Background(), mustParse(t, srv.URL+"/busy"), 0, 10)
	require.NoError(t, err)
	assert.True(t, resp.Retryable())
	assert.False(t, resp.Successful())
	assert.Nil(t, resp.Content)

	// error bodies are never drained, so the next call dials again
	resp, err = client.Get(context.Background(), mustParse(t, srv.URL+"/file"), 0, 10)
	require.NoError(t, err)
	assert.Len(t, resp.Content, 10)
	assert.Equal(t, int32(3), conns.Load())
}

func TestGetSendsExpectedRequest(t *testing.T) {
	requests := make(chan string, 1)
	u := rawServer(t, func(_ int, conn net.Conn) {
		req, err := readRequest(conn)
		if err != nil {
			return
		}
		requests <- req
		fmt.Fprint(conn, "HTTP/1.1 206 Partial Content\r\nContent-Length: 5\r\nContent-Range: bytes 10-14/100\r\n\r\nhello")
	})

	client, _ := newTestClient(Options{})
	defer client.Close()

	resp, err := client.Get(context.Background(), u, 10, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), resp.Content)

	want := fmt.Sprintf("GET /file HTTP/1.1\r\nHost: %s\r\nConnection: keep-alive\r\nRange: bytes=10-14\r\n\r\n", u.Host)
	assert.Equal(t, want, <-requests)
}

func TestGetBodyArrivesInPieces(t *testing.T) {
	body := fixture(ReadBufferSize * 3)
	u := rawServer(t, func(_ int, conn net.Conn) {
		if _, err := readRequest(conn); err != nil {
			return
		}
		fmt.Fprintf(conn, "HTTP/1.1 206 Partial Content\r\nContent-Length: %d\r\nContent-Range: bytes 0-%d/%d\r\n\r\n",
			len(body), len(body)-1, len(body))
		for off := 0; off < len(body); off += 7000 {
			end := min(off+7000, len(body))
			conn.Write(body[off:end])
			time.Sleep(time.Millisecond)
		}
	})

	client, _ := newTestClient(Options{})
	defer client.Close()

	resp, err := client.Get(context.Background(), u, 0, int64(len(body)))
	require.NoError(t, err)
	assert.Equal(t, body, resp.Content)
}

func TestGetRetriesOnceAfterMalformedHeader(t *testing.T) {
	u := rawServer(t, func(n int, conn net.Conn) {
		if _, err := readRequest(conn); err != nil {
			return
		}
		if n == 0 {
			fmt.Fprint(conn, "X\r\n\r\n")
			return
		}
		fmt.Fprint(conn, "HTTP/1.1 206 Partial Content\r\nContent-Length: 3\r\nContent-Range: bytes 0-2/3\r\n\r\nabc")
	})

	client, _ := newTestClient(Options{})
	defer client.Close()

	resp, err := client.Get(context.Background(), u, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), resp.Content)
}

func TestGetTruncatedBody(t *testing.T) {
	var attempts atomic.Int32
	u := rawServer(t, func(_ int, conn net.Conn) {
		if _, err := readRequest(conn); err != nil {
			return
		}
		attempts.Add(1)
		fmt.Fprint(conn, "HTTP/1.1 206 Partial Content\r\nContent-Length: 100\r\nContent-Range: bytes 0-99/100\r\n\r\nonly-a-little")
	})

	client, _ := newTestClient(Options{})
	defer client.Close()

	_, err := client.Get(context.Background(), u, 0, 100)
	assert.ErrorIs(t, err, ErrStreamClosed)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestGetRejectsIgnoredRange(t *testing.T) {
	u := rawServer(t, func(_ int, conn net.Conn) {
		if _, err := readRequest(conn); err != nil {
			return
		}
		fmt.Fprint(conn, "HTTP/1.1 200 OK\r\nContent-Length: 1000\r\n\r\n")
		conn.Write(make([]byte, 1000))
	})

	client, _ := newTestClient(Options{})
	defer client.Close()

	_, err := client.Get(context.Background(), u, 0, 10)
	assert.ErrorIs(t, err, ErrRangeIgnored)
}

func TestGetHonorsCancellation(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	u := rawServer(t, func(_ int, conn net.Conn) {
		readRequest(conn)
		<-release
	})

	client, _ := newTestClient(Options{})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	started := time.Now()
	_, err := client.Get(ctx, u, 0, 10)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(started), 5*time.Second)
}

func TestGetReadTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	var attempts atomic.Int32
	u := rawServer(t, func(_ int, conn net.Conn) {
		readRequest(conn)
		attempts.Add(1)
		<-release
	})

	timeout := 200 * time.Millisecond
	client, _ := newTestClient(Options{Timeout: timeout})
	defer client.Close()

	started := time.Now()
	_, err := client.Get(context.Background(), u, 0, 10)
	elapsed := time.Since(started)

	var netErr net.Error
	require.True(t, errors.As(err, &netErr), "got %v", err)
	assert.True(t, netErr.Timeout())
	assert.NotErrorIs(t, err, ErrMalformedHeader)
	assert.Less(t, elapsed, 2*timeout)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestGetConnectionResetBeforeHeader(t *testing.T) {
	u := rawServer(t, func(n int, conn net.Conn) {
		if _, err := readRequest(conn); err != nil {
			return
		}
		if n == 0 {
			conn.(*net.TCPConn).SetLinger(0)
			return
		}
		fmt.Fprint(conn, "HTTP/1.1 206 Partial Content\r\nContent-Length: 3\r\nContent-Range: bytes 0-2/3\r\n\r\nabc")
	})

	client, _ := newTestClient(Options{})
	defer client.Close()

	resp, err := client.Get(context.Background(), u, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), resp.Content)
}

func TestGetThroughRateLimit(t *testing.T) {
	data := fixture(64 * 1024)
	srv, _ := rangeServer(t, data, false)

	client, pool := newTestClient(Options{RateLimit: ratelimit.NewRateLimit(0, 0, 4*4096)})
	defer client.Close()

	resp, err := client.Get(context.Background(), mustParse(t, srv.URL+"/file"), 1000, 40000)
	require.NoError(t, err)
	assert.Equal(t, data[1000:41000], resp.Content)
	pool.Free(&resp.Content, false)
}

func TestGetUnsupportedScheme(t *testing.T) {
	client, _ := newTestClient(Options{})
	_, err := client.Get(context.Background(), mustParse(t, "ftp://example.com/file"), 0, 10)
	assert.ErrorIs(t, err, ErrUnsupportedScheme)
}
