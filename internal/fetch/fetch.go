// Package fetch performs the streaming GET requests behind media downloads.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Response is a streaming body plus what the server declared about it.
type Response struct {
	Body io.ReadCloser
	// ContentLength is -1 when the server did not declare a length.
	ContentLength int64
	ContentType   string
}

// Fetcher retrieves remote content.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Response, error)
}

type Config struct {
	ConnectTimeout        time.Duration
	ResponseHeaderTimeout time.Duration
	ReadIdleTimeout       time.Duration
	UserAgent             string
	ProxyType             string
	ProxyURL              string
}

// HTTPFetcher implements Fetcher on net/http.
type HTTPFetcher struct {
	client      *http.Client
	idleTimeout time.Duration
	userAgent   string
}

func NewHTTPFetcher(cfg Config) (*HTTPFetcher, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ResponseHeaderTimeout <= 0 {
		cfg.ResponseHeaderTimeout = 30 * time.Second
	}

	dialer, err := NewEgressDialer(cfg.ProxyType, cfg.ProxyURL, cfg.ConnectTimeout)
	if err != nil {
		return nil, err
	}

	return &HTTPFetcher{
		// No overall timeout: large videos legitimately take long. Stalls
		// are caught by the idle timeout instead.
		client:      &http.Client{Transport: dialer.Transport(cfg.ResponseHeaderTimeout)},
		idleTimeout: cfg.ReadIdleTimeout,
		userAgent:   cfg.UserAgent,
	}, nil
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (*Response, error) {
	ctx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("invalid request for %s: %w", url, err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		cancel()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &TransportError{Op: "GET", URL: url, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status, URL: url}
	}

	return &Response{
		Body:          newStreamBody(ctx, resp.Body, url, f.idleTimeout, cancel),
		ContentLength: resp.ContentLength,
		ContentType:   resp.Header.Get("Content-Type"),
	}, nil
}

// streamBody turns read failures into TransportErrors and aborts the request
// when no data arrives within the idle timeout.
type streamBody struct {
	ctx    context.Context
	body   io.ReadCloser
	url    string
	idle   time.Duration
	cancel context.CancelFunc

	mu      sync.Mutex
	timer   *time.Timer
	expired bool
}

func newStreamBody(ctx context.Context, body io.ReadCloser, url string, idle time.Duration, cancel context.CancelFunc) *streamBody {
	b := &streamBody{ctx: ctx, body: body, url: url, idle: idle, cancel: cancel}
	if idle > 0 {
		b.timer = time.AfterFunc(idle, b.expire)
	}
	return b
}

func (b *streamBody) expire() {
	b.mu.Lock()
	b.expired = true
	b.mu.Unlock()
	b.cancel()
}

func (b *streamBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	if n > 0 && b.timer != nil {
		b.timer.Reset(b.idle)
	}
	if err == nil || err == io.EOF {
		return n, err
	}

	b.mu.Lock()
	expired := b.expired
	b.mu.Unlock()

	switch {
	case expired:
		err = ErrIdleTimeout
	case b.ctx.Err() != nil:
		return n, b.ctx.Err()
	}
	return n, &TransportError{Op: "read", URL: b.url, Err: err}
}

func (b *streamBody) Close() error {
	if b.timer != nil {
		b.timer.Stop()
	}
	err := b.body.Close()
	b.cancel()
	return err
}
