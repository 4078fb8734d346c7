// Package probe checks that a pebble server answers, for use as a container
// health check.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const DefaultTimeout = 5 * time.Second

var ErrUnhealthy = errors.New("probe: unhealthy")

// Get requests url once and succeeds only on a 200 response. The body is
// read to the end, since pebble signals completion by closing the
// connection.
func Get(ctx context.Context, url string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := &nethttp.Client{Transport: otelhttp.NewTransport(nethttp.DefaultTransport)}

	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("probe: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnhealthy, err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("%w: read body: %w", ErrUnhealthy, err)
	}
	if resp.StatusCode != nethttp.StatusOK {
		return fmt.Errorf("%w: %s", ErrUnhealthy, resp.Status)
	}
	return nil
}
