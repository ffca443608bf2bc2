// Package transport fetches manifests and archives over HTTPS with pinned
// certificates, bounded timeouts, and typed network errors.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/packstream/courier/pkg/config"
	"github.com/packstream/courier/pkg/pinning"
)

// Kind classifies a network failure.
type Kind string

const (
	KindNoInternet Kind = "no_internet"
	KindTimeout    Kind = "timeout"
	KindCancelled  Kind = "cancelled"
	KindBadStatus  Kind = "bad_status"
	KindBadURL     Kind = "bad_url"
)

// NetworkError is the typed failure surface of this package.
type NetworkError struct {
	Kind   Kind
	Status int // set for KindBadStatus
	Err    error
}

func (e *NetworkError) Error() string {
	switch e.Kind {
	case KindBadStatus:
		return fmt.Sprintf("server returned status %d", e.Status)
	case KindTimeout:
		return "request timed out"
	case KindCancelled:
		return "request cancelled"
	case KindBadURL:
		return "invalid URL: " + e.Err.Error()
	default:
		return "network unavailable: " + e.Err.Error()
	}
}

func (e *NetworkError) Unwrap() error { return e.Err }

// LengthMismatchError reports a body that does not match the advertised or
// expected byte count.
type LengthMismatchError struct {
	Expected int64
	Actual   int64
}

func (e *LengthMismatchError) Error() string {
	return fmt.Sprintf("download size mismatch: expected %d bytes, got %d", e.Expected, e.Actual)
}

// TooLargeError reports a body that exceeded the archive byte cap while
// streaming. The download aborts without buffering the excess.
type TooLargeError struct {
	Limit int64
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("download exceeds %d byte cap", e.Limit)
}

// Client performs manifest and archive fetches.
type Client struct {
	timeout  time.Duration
	maxBytes int64
	limiter  *rate.Limiter
	pinner   *pinning.Pinner
}

// NewClient builds a client from the security config. pinner may be nil in
// tests that use plain HTTP.
func NewClient(cfg *config.Config, pinner *pinning.Pinner) *Client {
	c := &Client{
		timeout:  cfg.DownloadTimeout,
		maxBytes: cfg.MaxDownloadSize,
		pinner:   pinner,
	}
	if cfg.MaxDownloadBytesPerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.MaxDownloadBytesPerSec), int(cfg.MaxDownloadBytesPerSec))
	}
	return c
}

func (c *Client) httpClient(host string) *http.Client {
	transport := &http.Transport{}
	if c.pinner != nil {
		transport.TLSClientConfig = c.pinner.TLSConfig(host)
	}
	return &http.Client{Timeout: c.timeout, Transport: transport}
}

// Classify maps an arbitrary transport error onto the closed Kind set.
func Classify(err error) *NetworkError {
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return netErr
	}
	switch {
	case errors.Is(err, context.Canceled):
		return &NetworkError{Kind: KindCancelled, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &NetworkError{Kind: KindTimeout, Err: err}
	}
	var timeoutErr net.Error
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		return &NetworkError{Kind: KindTimeout, Err: err}
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return &NetworkError{Kind: KindTimeout, Err: err}
	}
	return &NetworkError{Kind: KindNoInternet, Err: err}
}

func (c *Client) get(ctx context.Context, rawURL string) (*http.Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, &NetworkError{Kind: KindBadURL, Err: fmt.Errorf("parse %q: %w", rawURL, err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &NetworkError{Kind: KindBadURL, Err: err}
	}

	resp, err := c.httpClient(u.Hostname()).Do(req)
	if err != nil {
		return nil, Classify(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, &NetworkError{Kind: KindBadStatus, Status: resp.StatusCode}
	}
	return resp, nil
}

// FetchManifest downloads the manifest document.
func (c *Client) FetchManifest(ctx context.Context, rawURL string) ([]byte, error) {
	resp, err := c.get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, Classify(err)
	}
	return data, nil
}

// DownloadArchive streams the archive at rawURL into dest. expectedBytes,
// when positive, is validated against Content-Length and the final byte
// count. progress, when non-nil, is invoked as bytes arrive.
func (c *Client) DownloadArchive(ctx context.Context, rawURL, dest string, expectedBytes int64, progress func(received, expected int64)) (int64, error) {
	resp, err := c.get(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if expectedBytes > 0 && resp.ContentLength > 0 && resp.ContentLength != expectedBytes {
		return 0, &LengthMismatchError{Expected: expectedBytes, Actual: resp.ContentLength}
	}

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, fmt.Errorf("transport: create %s: %w", dest, err)
	}
	defer func() { _ = out.Close() }()

	var written int64
	buf := make([]byte, 32<<10)
	for {
		if err := ctx.Err(); err != nil {
			return written, Classify(err)
		}
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if written+int64(n) > c.maxBytes {
				return written, &TooLargeError{Limit: c.maxBytes}
			}
			if c.limiter != nil {
				if err := c.limiter.WaitN(ctx, n); err != nil {
					return written, Classify(err)
				}
			}
			if _, err := out.Write(buf[:n]); err != nil {
				return written, fmt.Errorf("transport: write %s: %w", dest, err)
			}
			written += int64(n)
			if progress != nil {
				progress(written, expectedBytes)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return written, Classify(readErr)
		}
	}

	if expectedBytes > 0 && written != expectedBytes {
		return written, &LengthMismatchError{Expected: expectedBytes, Actual: written}
	}
	return written, nil
}
