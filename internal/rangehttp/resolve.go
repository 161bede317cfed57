package rangehttp

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"time"

	"github.com/datallboy/govelocity/internal/bufpool"
)

const (
	maxProbeRetries = 5
	maxRedirects    = 10
)

// probeDelay is the pause before probe retry n: n^5 milliseconds, at most 600ms.
var probeDelay = func(retry int) time.Duration {
	d := time.Duration(math.Pow(float64(retry), 5)) * time.Millisecond
	return min(d, 600*time.Millisecond)
}

// Source is where a download really lives and how large it is.
type Source struct {
	URL  *url.URL
	Size int64
}

// Resolve probes u with a one byte range request, following redirects, and
// reports the final URL and the total size from Content-Range. A 416
// answer means the resource is empty.
func Resolve(ctx context.Context, u *url.URL, opts Options) (*Source, error) {
	pool := bufpool.New(bufpool.Class{Size: ReadBufferSize, Count: 1})
	client := NewClient(pool, opts)
	defer client.Close()

	current := u
	for redirects := 0; ; redirects++ {
		resp, err := probe(ctx, client, current)

		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.Response.StatusCode == 416 {
			return &Source{URL: current, Size: max(statusErr.Response.RangeTotal, 0)}, nil
		}
		if err != nil {
			return nil, err
		}

		if resp.Redirect() {
			next, err := current.Parse(resp.Location)
			if err != nil {
				return nil, fmt.Errorf("rangehttp: bad redirect target %q: %w", resp.Location, err)
			}
			if next.String() == current.String() {
				return nil, fmt.Errorf("%w: %s", ErrNoSource, current.Redacted())
			}
			if redirects >= maxRedirects {
				return nil, ErrTooManyRedirects
			}
			current = next
			continue
		}

		pool.Free(&resp.Content, false)
		if !resp.HasContentRange() && resp.ContentLength == 0 {
			return &Source{URL: current, Size: 0}, nil
		}
		if !resp.HasContentRange() {
			return nil, fmt.Errorf("%w: %s", ErrNoContentRange, current.Redacted())
		}
		return &Source{URL: current, Size: resp.RangeTotal}, nil
	}
}

// probe sends the one byte request, retrying transport failures and
// retryable statuses.
func probe(ctx context.Context, client *Client, u *url.URL) (*Response, error) {
	var lastErr error

	for retry := 0; retry <= maxProbeRetries; retry++ {
		if retry > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(probeDelay(retry)):
			}
		}

		resp, err := client.Get(ctx, u, 0, 1)

		var statusErr *StatusError
		switch {
		case errors.As(err, &statusErr), errors.Is(err, ErrRangeIgnored), errors.Is(err, ErrUnsupportedScheme):
			return resp, err
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
		case resp.Successful() || resp.Redirect():
			return resp, nil
		default:
			lastErr = &StatusError{Response: resp}
		}
	}

	return nil, fmt.Errorf("rangehttp: probing %s: %w", u.Redacted(), lastErr)
}
